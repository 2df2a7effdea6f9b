// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package exttree maps (object id, logical block) to physical extents for
// every file of a volume. Records sort by object id, then by logical block.
//
// Only the caller knows whether it needs the read or the write lock, so
// locking is left to it: Lock/RLock the Tree around every call.
package exttree

import (
	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/vlayout"
)

type Tree struct {
	*ordmap.Tree
}

// Record is a found extent. Extent may be changed in place (never Key) and
// written back with MarkDirty.
type Record struct {
	record *ordmap.Record
	Key    vlayout.ExtentKeyV1Struct
	Extent vlayout.ExtentV1Struct
}

func New(volumeHandle headhunter.VolumeHandle, maxKeysPerNode uint64, cache sortedmap.BPlusTreeCache) (tree *Tree, err error) {
	orderedMap, err := ordmap.New(volumeHandle, vlayout.TreeTypeExtent, maxKeysPerNode, compareExtentKey, &codecStruct{}, cache)
	if nil != err {
		return
	}
	tree = &Tree{Tree: orderedMap}
	return
}

// FindNonStrict returns the record with the greatest key <= (objectID, iblock),
// which may belong to a smaller object id.
func (tree *Tree) FindNonStrict(objectID uint64, iblock uint64, mode ordmap.LockMode) (record *Record, err error) {
	return tree.findNonStrict(objectID, iblock, mode)
}

// FindStrictObj is FindNonStrict restricted to objectID.
func (tree *Tree) FindStrictObj(objectID uint64, iblock uint64, mode ordmap.LockMode) (record *Record, err error) {
	return tree.findStrictObj(objectID, iblock, mode)
}

// FindFirst returns the lowest-iblock record of objectID.
func (tree *Tree) FindFirst(objectID uint64, mode ordmap.LockMode) (record *Record, err error) {
	return tree.findFirst(objectID, mode)
}

// FindLast returns the highest-iblock record of objectID.
func (tree *Tree) FindLast(objectID uint64, mode ordmap.LockMode) (record *Record, err error) {
	return tree.findStrictObj(objectID, vlayout.IBlockMax, mode)
}

// First returns the first record of the whole tree.
func (tree *Tree) First(mode ordmap.LockMode) (record *Record, err error) {
	found, err := tree.Tree.First(mode)
	if nil != err {
		return
	}
	record = wrap(found)
	return
}

// Next returns the record after record in tree order, whatever its object id.
func (tree *Tree) Next(record *Record) (nextRecord *Record, err error) {
	found, err := tree.Tree.Next(record.record)
	if nil != err {
		return
	}
	nextRecord = wrap(found)
	return
}

// Insert adds forkExtent for objectID. It never merges; an existing record at
// the same (objectID, iblock) fails with FileExistsError.
func (tree *Tree) Insert(objectID uint64, forkExtent vlayout.ForkExtentV1Struct) (err error) {
	return tree.insert(objectID, forkExtent)
}

func (tree *Tree) Remove(objectID uint64, iblock uint64) (err error) {
	err = tree.Tree.Remove(vlayout.ExtentKeyV1Struct{ObjectID: objectID, IBlock: iblock})
	return
}

// CountForObject walks every record of objectID.
func (tree *Tree) CountForObject(objectID uint64) (extentCount uint64, blockCount uint64, err error) {
	return tree.countForObject(objectID)
}

func (record *Record) ObjectID() uint64 {
	return record.Key.ObjectID
}

func (record *Record) IBlock() uint64 {
	return record.Key.IBlock
}

// End is the logical block just past the record.
func (record *Record) End() uint64 {
	return record.Key.IBlock + uint64(record.Extent.BlockCount)
}

func (record *Record) MarkDirty() (err error) {
	record.record.Value = record.Extent
	err = record.record.MarkDirty()
	return
}

func (record *Record) Release() {
	record.record.Release()
}
