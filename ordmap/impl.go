// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ordmap

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/vlayout"
)

// treeCallbacksStruct adapts a Codec to sortedmap.BPlusTreeCallbacks, storing
// each node as its own headhunter object.
type treeCallbacksStruct struct {
	Codec
	tree *Tree
}

func (callbacks *treeCallbacksStruct) GetNode(objectNumber uint64, objectOffset uint64, objectLength uint64) (nodeByteSlice []byte, err error) {
	if 0 != objectOffset {
		err = fmt.Errorf("%v tree GetNode(): unexpected (non-zero) objectOffset (%v)", callbacks.tree.treeType, objectOffset)
		return
	}

	nodeByteSlice, err = callbacks.tree.volumeHandle.GetBPlusTreeObject(objectNumber)

	if (nil == err) && (uint64(len(nodeByteSlice)) != objectLength) {
		err = blunder.NewError(blunder.CorruptNodeError, "%v tree GetNode(): requested objectLength (%v) != actual objectLength (%v)", callbacks.tree.treeType, objectLength, len(nodeByteSlice))
	}

	return
}

func (callbacks *treeCallbacksStruct) PutNode(nodeByteSlice []byte) (objectNumber uint64, objectOffset uint64, err error) {
	objectNumber = callbacks.tree.volumeHandle.FetchNonce()
	objectOffset = 0

	err = callbacks.tree.volumeHandle.PutBPlusTreeObject(objectNumber, nodeByteSlice)

	return
}

func (callbacks *treeCallbacksStruct) DiscardNode(objectNumber uint64, objectOffset uint64, objectLength uint64) (err error) {
	logger.Tracef("ordmap.DiscardNode(): volume %s %v tree discarding object %016X len %d",
		callbacks.tree.volumeHandle.FetchVolumeName(), callbacks.tree.treeType, objectNumber, objectLength)

	if 0 != objectOffset {
		err = fmt.Errorf("%v tree DiscardNode(): unexpected (non-zero) objectOffset (%v)", callbacks.tree.treeType, objectOffset)
		return
	}

	err = callbacks.tree.volumeHandle.DeleteBPlusTreeObject(objectNumber)

	return
}

func newTree(volumeHandle headhunter.VolumeHandle, treeType vlayout.TreeType, maxKeysPerNode uint64, compare sortedmap.Compare, codec Codec, cache sortedmap.BPlusTreeCache) (tree *Tree, err error) {
	tree = &Tree{
		treeType:     treeType,
		volumeHandle: volumeHandle,
		codec:        codec,
	}

	callbacks := &treeCallbacksStruct{Codec: codec, tree: tree}

	root := volumeHandle.FetchBPlusTreeRoot(treeType)

	if 0 == root.ObjectNumber {
		tree.bPlusTree = sortedmap.NewBPlusTree(maxKeysPerNode, compare, callbacks, cache)
	} else {
		tree.bPlusTree, err = sortedmap.OldBPlusTree(root.ObjectNumber, root.ObjectOffset, root.ObjectLength, compare, callbacks, cache)
		if nil != err {
			err = blunder.AddError(fmt.Errorf("sortedmap.OldBPlusTree() of %v tree failed: %v", treeType, err), blunder.CorruptNodeError)
			tree = nil
			return
		}
	}

	volumeHandle.RegisterBPlusTree(treeType, tree)

	return
}

func (tree *Tree) newRecord(key sortedmap.Key, value sortedmap.Value, mode LockMode) (record *Record) {
	record = &Record{
		tree:  tree,
		mode:  mode,
		Key:   key,
		Value: value,
	}
	return
}

func (tree *Tree) checkMode(mode LockMode) (err error) {
	if (ReadWrite == mode) && !tree.IsLocked() {
		err = blunder.NewError(blunder.InvalidArgError, "%v tree: ReadWrite access without holding the write lock", tree.treeType)
	}
	return
}

func (tree *Tree) checkWriteLocked(op string) (err error) {
	if !tree.IsLocked() {
		err = blunder.NewError(blunder.InvalidArgError, "%v tree: %s without holding the write lock", tree.treeType, op)
	}
	return
}

func (tree *Tree) notFound(format string, args ...interface{}) error {
	return blunder.NewError(blunder.NotFoundError, "%v tree: "+format, append([]interface{}{tree.treeType}, args...)...)
}

func (tree *Tree) fetchByIndex(index int, mode LockMode) (record *Record, err error) {
	err = tree.checkMode(mode)
	if nil != err {
		return
	}

	if 0 > index {
		err = tree.notFound("index %d out of range", index)
		return
	}

	key, value, ok, err := tree.bPlusTree.GetByIndex(index)
	if nil != err {
		return
	}
	if !ok {
		err = tree.notFound("index %d out of range", index)
		return
	}

	record = tree.newRecord(key, value, mode)

	return
}

func (tree *Tree) find(key sortedmap.Key, mode LockMode) (record *Record, err error) {
	err = tree.checkMode(mode)
	if nil != err {
		return
	}

	value, ok, err := tree.bPlusTree.GetByKey(key)
	if nil != err {
		return
	}
	if !ok {
		err = tree.notFound("key not found")
		return
	}

	record = tree.newRecord(key, value, mode)

	return
}

func (tree *Tree) findLE(key sortedmap.Key, mode LockMode) (record *Record, err error) {
	// BisectLeft lands on the match or the pair just before where key would go
	index, _, err := tree.bPlusTree.BisectLeft(key)
	if nil != err {
		return
	}

	record, err = tree.fetchByIndex(index, mode)

	return
}

func (tree *Tree) findGE(key sortedmap.Key, mode LockMode) (record *Record, err error) {
	// BisectRight lands on the match or the pair just after where key would go
	index, _, err := tree.bPlusTree.BisectRight(key)
	if nil != err {
		return
	}

	record, err = tree.fetchByIndex(index, mode)

	return
}

func (tree *Tree) next(record *Record) (nextRecord *Record, err error) {
	record.checkLive()

	index, found, err := tree.bPlusTree.BisectRight(record.Key)
	if nil != err {
		return
	}
	if found {
		index++
	}

	nextRecord, err = tree.fetchByIndex(index, record.mode)

	return
}

func (tree *Tree) insert(key sortedmap.Key, value sortedmap.Value) (err error) {
	err = tree.checkWriteLocked("Insert")
	if nil != err {
		return
	}

	ok, err := tree.bPlusTree.Put(key, value)
	if nil != err {
		return
	}
	if !ok {
		keyAsString, _ := tree.codec.DumpKey(key)
		err = blunder.NewError(blunder.FileExistsError, "%v tree: key %s already present", tree.treeType, keyAsString)
	}

	return
}

func (tree *Tree) remove(key sortedmap.Key) (err error) {
	err = tree.checkWriteLocked("Remove")
	if nil != err {
		return
	}

	ok, err := tree.bPlusTree.DeleteByKey(key)
	if nil != err {
		return
	}
	if !ok {
		keyAsString, _ := tree.codec.DumpKey(key)
		err = tree.notFound("key %s not present", keyAsString)
	}

	return
}

func (tree *Tree) flushForCheckpoint() (root vlayout.TreeRootV1Struct, err error) {
	tree.Lock()
	defer tree.Unlock()

	root.ObjectNumber, root.ObjectOffset, root.ObjectLength, err = tree.bPlusTree.Flush(false)

	return
}

func (record *Record) checkLive() {
	if record.released {
		keyAsString, _ := record.tree.codec.DumpKey(record.Key)
		err := blunder.NewError(blunder.InvalidArgError, "%v tree record %s used after Release()", record.tree.treeType, keyAsString)
		logger.PanicfWithError(err, "ordmap record misuse")
	}
}

func (record *Record) markDirty() (err error) {
	record.checkLive()

	if ReadWrite != record.mode {
		err = blunder.NewError(blunder.InvalidArgError, "%v tree: MarkDirty() on a %v record", record.tree.treeType, record.mode)
		return
	}

	err = record.tree.checkWriteLocked("MarkDirty")
	if nil != err {
		return
	}

	ok, err := record.tree.bPlusTree.PatchByKey(record.Key, record.Value)
	if nil != err {
		return
	}
	if !ok {
		err = record.tree.notFound("MarkDirty() of a removed record")
	}

	return
}
