// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ordmap is the keyed ordered-map service every persisted vdfs tree is
// built on. A Tree is a sortedmap B+Tree whose nodes live in headhunter, plus
// the single reader/writer lock guarding it. Lookups hand back a Record guard
// that must be released; in-place updates go through Record.MarkDirty.
//
// Callers hold the tree lock themselves: RLock for ReadOnly lookups, Lock for
// ReadWrite lookups and for every mutation.
package ordmap

import (
	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/trackedlock"
	"github.com/NVIDIA/vdfs/vlayout"
)

type LockMode int

const (
	ReadOnly LockMode = iota
	ReadWrite
)

func (mode LockMode) String() string {
	if ReadWrite == mode {
		return "ReadWrite"
	}
	return "ReadOnly"
}

// Codec packs and unpacks the keys and values of one tree instantiation.
type Codec interface {
	sortedmap.DumpCallbacks
	PackKey(key sortedmap.Key) (packedKey []byte, err error)
	UnpackKey(payloadData []byte) (key sortedmap.Key, bytesConsumed uint64, err error)
	PackValue(value sortedmap.Value) (packedValue []byte, err error)
	UnpackValue(payloadData []byte) (value sortedmap.Value, bytesConsumed uint64, err error)
}

type Tree struct {
	trackedlock.RWMutex
	treeType     vlayout.TreeType
	volumeHandle headhunter.VolumeHandle
	codec        Codec
	bPlusTree    sortedmap.BPlusTree
}

// Record is a guard over one key:value pair. Value is a copy; change it and
// call MarkDirty to write it back.
type Record struct {
	tree     *Tree
	mode     LockMode
	released bool
	Key      sortedmap.Key
	Value    sortedmap.Value
}

// New opens the treeType tree of the volume behind volumeHandle, empty if it
// has never been checkpointed, and registers it for checkpoints.
func New(volumeHandle headhunter.VolumeHandle, treeType vlayout.TreeType, maxKeysPerNode uint64, compare sortedmap.Compare, codec Codec, cache sortedmap.BPlusTreeCache) (tree *Tree, err error) {
	return newTree(volumeHandle, treeType, maxKeysPerNode, compare, codec, cache)
}

func (tree *Tree) TreeType() vlayout.TreeType {
	return tree.treeType
}

// Find returns the record whose key equals key.
func (tree *Tree) Find(key sortedmap.Key, mode LockMode) (record *Record, err error) {
	return tree.find(key, mode)
}

// FindLE returns the record with the greatest key <= key.
func (tree *Tree) FindLE(key sortedmap.Key, mode LockMode) (record *Record, err error) {
	return tree.findLE(key, mode)
}

// FindGE returns the record with the smallest key >= key.
func (tree *Tree) FindGE(key sortedmap.Key, mode LockMode) (record *Record, err error) {
	return tree.findGE(key, mode)
}

func (tree *Tree) First(mode LockMode) (record *Record, err error) {
	return tree.fetchByIndex(0, mode)
}

func (tree *Tree) Last(mode LockMode) (record *Record, err error) {
	numberOfItems, err := tree.Len()
	if nil != err {
		return
	}
	return tree.fetchByIndex(numberOfItems-1, mode)
}

// Next returns the record following record.Key, in the same mode. record
// need not still be present.
func (tree *Tree) Next(record *Record) (nextRecord *Record, err error) {
	return tree.next(record)
}

// Insert fails with FileExistsError if key is already present.
func (tree *Tree) Insert(key sortedmap.Key, value sortedmap.Value) (err error) {
	return tree.insert(key, value)
}

// Remove fails with NotFoundError if key is absent.
func (tree *Tree) Remove(key sortedmap.Key) (err error) {
	return tree.remove(key)
}

func (tree *Tree) Len() (numberOfItems int, err error) {
	numberOfItems, err = tree.bPlusTree.Len()
	return
}

func (tree *Tree) Validate() (err error) {
	err = tree.bPlusTree.Validate()
	return
}

// FlushForCheckpoint satisfies headhunter.BPlusTreeFlusher.
func (tree *Tree) FlushForCheckpoint() (root vlayout.TreeRootV1Struct, err error) {
	return tree.flushForCheckpoint()
}

func (record *Record) Mode() LockMode {
	return record.mode
}

// MarkDirty writes record.Value back under record.Key. Only ReadWrite
// records may be marked dirty.
func (record *Record) MarkDirty() (err error) {
	return record.markDirty()
}

// Release ends the record's use. Releasing twice is harmless.
func (record *Record) Release() {
	record.released = true
}
