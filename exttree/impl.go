// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package exttree

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/vlayout"
)

func compareExtentKey(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	extentKey1, ok := key1.(vlayout.ExtentKeyV1Struct)
	if !ok {
		err = fmt.Errorf("compareExtentKey(non-ExtentKeyV1Struct,)")
		return
	}
	extentKey2, ok := key2.(vlayout.ExtentKeyV1Struct)
	if !ok {
		err = fmt.Errorf("compareExtentKey(,non-ExtentKeyV1Struct)")
		return
	}

	switch {
	case extentKey1.ObjectID < extentKey2.ObjectID:
		result = -1
	case extentKey1.ObjectID > extentKey2.ObjectID:
		result = 1
	case extentKey1.IBlock < extentKey2.IBlock:
		result = -1
	case extentKey1.IBlock > extentKey2.IBlock:
		result = 1
	default:
		result = 0
	}

	return
}

type codecStruct struct{}

func (codec *codecStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	extentKey, ok := key.(vlayout.ExtentKeyV1Struct)
	if !ok {
		err = fmt.Errorf("exttree.DumpKey() could not parse key as a ExtentKeyV1Struct")
		return
	}
	keyAsString = fmt.Sprintf("(%d,%d)", extentKey.ObjectID, extentKey.IBlock)
	return
}

func (codec *codecStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	extent, ok := value.(vlayout.ExtentV1Struct)
	if !ok {
		err = fmt.Errorf("exttree.DumpValue() could not parse value as a ExtentV1Struct")
		return
	}
	valueAsString = fmt.Sprintf("[%d+%d]", extent.FirstBlock, extent.BlockCount)
	return
}

func (codec *codecStruct) PackKey(key sortedmap.Key) (packedKey []byte, err error) {
	extentKey, ok := key.(vlayout.ExtentKeyV1Struct)
	if !ok {
		err = fmt.Errorf("exttree.PackKey() arg is not a ExtentKeyV1Struct")
		return
	}
	packedKey, err = vlayout.MarshalExtentKeyV1(extentKey)
	return
}

func (codec *codecStruct) UnpackKey(payloadData []byte) (key sortedmap.Key, bytesConsumed uint64, err error) {
	key, bytesConsumed, err = vlayout.UnmarshalExtentKeyV1(payloadData)
	return
}

func (codec *codecStruct) PackValue(value sortedmap.Value) (packedValue []byte, err error) {
	extent, ok := value.(vlayout.ExtentV1Struct)
	if !ok {
		err = fmt.Errorf("exttree.PackValue() arg is not a ExtentV1Struct")
		return
	}
	packedValue, err = vlayout.MarshalExtentV1(extent)
	return
}

func (codec *codecStruct) UnpackValue(payloadData []byte) (value sortedmap.Value, bytesConsumed uint64, err error) {
	value, bytesConsumed, err = vlayout.UnmarshalExtentV1(payloadData)
	return
}

func wrap(found *ordmap.Record) (record *Record) {
	record = &Record{
		record: found,
		Key:    found.Key.(vlayout.ExtentKeyV1Struct),
		Extent: found.Value.(vlayout.ExtentV1Struct),
	}
	return
}

func notFoundForObject(objectID uint64, format string, args ...interface{}) error {
	return blunder.NewError(blunder.NotFoundError, "object %d: "+format, append([]interface{}{objectID}, args...)...)
}

func (tree *Tree) findNonStrict(objectID uint64, iblock uint64, mode ordmap.LockMode) (record *Record, err error) {
	found, err := tree.Tree.FindLE(vlayout.ExtentKeyV1Struct{ObjectID: objectID, IBlock: iblock}, mode)
	if nil != err {
		return
	}
	record = wrap(found)
	return
}

func (tree *Tree) findStrictObj(objectID uint64, iblock uint64, mode ordmap.LockMode) (record *Record, err error) {
	record, err = tree.findNonStrict(objectID, iblock, mode)
	if nil != err {
		return
	}
	if objectID != record.Key.ObjectID {
		record.Release()
		record = nil
		err = notFoundForObject(objectID, "no extent at or below iblock %d", iblock)
	}
	return
}

func (tree *Tree) findFirst(objectID uint64, mode ordmap.LockMode) (record *Record, err error) {
	var nextRecord *Record

	record, err = tree.findNonStrict(objectID, 0, mode)
	if nil != err {
		if blunder.IsNot(err, blunder.NotFoundError) {
			return
		}
		// Nothing sorts at or before (objectID, 0); the tree's first record may still be ours
		record, err = tree.First(mode)
		if nil != err {
			return
		}
	} else if (objectID != record.Key.ObjectID) || (0 != record.Key.IBlock) {
		nextRecord, err = tree.Next(record)
		record.Release()
		record = nextRecord
		if nil != err {
			return
		}
	}

	if objectID != record.Key.ObjectID {
		record.Release()
		record = nil
		err = notFoundForObject(objectID, "no extents")
	}

	return
}

func (tree *Tree) insert(objectID uint64, forkExtent vlayout.ForkExtentV1Struct) (err error) {
	if 0 == forkExtent.Extent.BlockCount {
		err = blunder.NewError(blunder.InvalidArgError, "object %d: zero-length extent at iblock %d", objectID, forkExtent.IBlock)
		return
	}
	if forkExtent.IBlock >= vlayout.IBlockMax {
		err = blunder.NewError(blunder.InvalidArgError, "object %d: iblock %d collides with a sentinel", objectID, forkExtent.IBlock)
		return
	}

	err = tree.Tree.Insert(vlayout.ExtentKeyV1Struct{ObjectID: objectID, IBlock: forkExtent.IBlock}, forkExtent.Extent)

	return
}

func (tree *Tree) countForObject(objectID uint64) (extentCount uint64, blockCount uint64, err error) {
	var nextRecord *Record

	record, err := tree.findFirst(objectID, ordmap.ReadOnly)
	for nil == err {
		if objectID != record.Key.ObjectID {
			record.Release()
			break
		}
		extentCount++
		blockCount += uint64(record.Extent.BlockCount)
		nextRecord, err = tree.Next(record)
		record.Release()
		record = nextRecord
	}

	if blunder.Is(err, blunder.NotFoundError) {
		err = nil
	}

	return
}
