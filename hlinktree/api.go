// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package hlinktree holds the shared file record of every inode with more
// than one name, keyed by inode number.
package hlinktree

import (
	"fmt"

	"github.com/NVIDIA/cstruct"
	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/vlayout"
)

type Tree struct {
	*ordmap.Tree
}

type Record struct {
	record     *ordmap.Record
	FileRecord vlayout.FileRecordV1Struct
}

func New(volumeHandle headhunter.VolumeHandle, maxKeysPerNode uint64, cache sortedmap.BPlusTreeCache) (tree *Tree, err error) {
	orderedMap, err := ordmap.New(volumeHandle, vlayout.TreeTypeHardLink, maxKeysPerNode, sortedmap.CompareUint64, &codecStruct{}, cache)
	if nil != err {
		return
	}
	tree = &Tree{Tree: orderedMap}
	return
}

func (tree *Tree) Find(inodeNumber uint64, mode ordmap.LockMode) (record *Record, err error) {
	found, err := tree.Tree.Find(inodeNumber, mode)
	if nil != err {
		return
	}
	record = &Record{record: found, FileRecord: found.Value.(vlayout.FileRecordV1Struct)}
	return
}

// Insert keys fileRecord by its own inode number.
func (tree *Tree) Insert(fileRecord *vlayout.FileRecordV1Struct) (err error) {
	err = tree.Tree.Insert(fileRecord.InodeNumber, *fileRecord)
	return
}

func (tree *Tree) Remove(inodeNumber uint64) (err error) {
	err = tree.Tree.Remove(inodeNumber)
	return
}

func (record *Record) MarkDirty() (err error) {
	record.record.Value = record.FileRecord
	err = record.record.MarkDirty()
	return
}

func (record *Record) Release() {
	record.record.Release()
}

type codecStruct struct{}

func (codec *codecStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	inodeNumber, ok := key.(uint64)
	if !ok {
		err = fmt.Errorf("hlinktree.DumpKey() could not parse key as a uint64")
		return
	}
	keyAsString = fmt.Sprintf("%d", inodeNumber)
	return
}

func (codec *codecStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	fileRecord, ok := value.(vlayout.FileRecordV1Struct)
	if !ok {
		err = fmt.Errorf("hlinktree.DumpValue() could not parse value as a FileRecordV1Struct")
		return
	}
	valueAsString = fmt.Sprintf("%+v", fileRecord)
	return
}

func (codec *codecStruct) PackKey(key sortedmap.Key) (packedKey []byte, err error) {
	packedKey, err = cstruct.Pack(key, cstruct.LittleEndian)
	return
}

func (codec *codecStruct) UnpackKey(payloadData []byte) (key sortedmap.Key, bytesConsumed uint64, err error) {
	var inodeNumber uint64
	bytesConsumed, err = cstruct.Unpack(payloadData, &inodeNumber, cstruct.LittleEndian)
	if nil != err {
		return
	}
	key = inodeNumber
	return
}

func (codec *codecStruct) PackValue(value sortedmap.Value) (packedValue []byte, err error) {
	fileRecord, ok := value.(vlayout.FileRecordV1Struct)
	if !ok {
		err = fmt.Errorf("hlinktree.PackValue() arg is not a FileRecordV1Struct")
		return
	}
	packedValue, err = vlayout.MarshalFileRecordV1(&fileRecord)
	return
}

func (codec *codecStruct) UnpackValue(payloadData []byte) (value sortedmap.Value, bytesConsumed uint64, err error) {
	fileRecord, bytesConsumed, err := vlayout.UnmarshalFileRecordV1(payloadData)
	if nil != err {
		return
	}
	value = *fileRecord
	return
}
