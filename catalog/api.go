// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package catalog is the name tree of a volume: (parent id, name) to file
// record. Entries of a hard-linked inode are stubs flagged FlagHardLink whose
// record lives in the hard-link tree. Orphans live under the reserved
// OrphanInodesInodeNumber parent, named by vlayout.OrphanName.
package catalog

import (
	"fmt"
	"strings"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/vlayout"
)

type Tree struct {
	*ordmap.Tree
}

type Record struct {
	record     *ordmap.Record
	Key        vlayout.CatalogKeyV1Struct
	FileRecord vlayout.FileRecordV1Struct
}

func New(volumeHandle headhunter.VolumeHandle, maxKeysPerNode uint64, cache sortedmap.BPlusTreeCache) (tree *Tree, err error) {
	orderedMap, err := ordmap.New(volumeHandle, vlayout.TreeTypeCatalog, maxKeysPerNode, compareCatalogKey, &codecStruct{}, cache)
	if nil != err {
		return
	}
	tree = &Tree{Tree: orderedMap}
	return
}

func (tree *Tree) Find(parentID uint64, name string, mode ordmap.LockMode) (record *Record, err error) {
	found, err := tree.Tree.Find(vlayout.CatalogKeyV1Struct{ParentID: parentID, Name: name}, mode)
	if nil != err {
		return
	}
	record = wrap(found)
	return
}

// FirstChild returns the entry of parentID with the smallest name.
func (tree *Tree) FirstChild(parentID uint64, mode ordmap.LockMode) (record *Record, err error) {
	found, err := tree.Tree.FindGE(vlayout.CatalogKeyV1Struct{ParentID: parentID, Name: ""}, mode)
	if nil != err {
		return
	}
	record = wrap(found)
	if parentID != record.Key.ParentID {
		record.Release()
		record = nil
		err = blunder.NewError(blunder.NotFoundError, "parent %d has no entries", parentID)
	}
	return
}

// ChildAfter returns the entry of parentID whose name is the smallest one
// greater than name.
func (tree *Tree) ChildAfter(parentID uint64, name string, mode ordmap.LockMode) (record *Record, err error) {
	found, err := tree.Tree.FindGE(vlayout.CatalogKeyV1Struct{ParentID: parentID, Name: name + "\x00"}, mode)
	if nil != err {
		return
	}
	record = wrap(found)
	if parentID != record.Key.ParentID {
		record.Release()
		record = nil
		err = blunder.NewError(blunder.NotFoundError, "parent %d has no entries after %q", parentID, name)
	}
	return
}

func (tree *Tree) First(mode ordmap.LockMode) (record *Record, err error) {
	found, err := tree.Tree.First(mode)
	if nil != err {
		return
	}
	record = wrap(found)
	return
}

// Next returns the following entry in tree order, whatever its parent.
func (tree *Tree) Next(record *Record) (nextRecord *Record, err error) {
	found, err := tree.Tree.Next(record.record)
	if nil != err {
		return
	}
	nextRecord = wrap(found)
	return
}

func (tree *Tree) Insert(parentID uint64, name string, fileRecord *vlayout.FileRecordV1Struct) (err error) {
	if "" == name {
		err = blunder.NewError(blunder.InvalidArgError, "empty name under parent %d", parentID)
		return
	}
	err = tree.Tree.Insert(vlayout.CatalogKeyV1Struct{ParentID: parentID, Name: name}, *fileRecord)
	return
}

func (tree *Tree) Remove(parentID uint64, name string) (err error) {
	err = tree.Tree.Remove(vlayout.CatalogKeyV1Struct{ParentID: parentID, Name: name})
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

func wrap(found *ordmap.Record) (record *Record) {
	record = &Record{
		record:     found,
		Key:        found.Key.(vlayout.CatalogKeyV1Struct),
		FileRecord: found.Value.(vlayout.FileRecordV1Struct),
	}
	return
}

func compareCatalogKey(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	catalogKey1, ok := key1.(vlayout.CatalogKeyV1Struct)
	if !ok {
		err = fmt.Errorf("compareCatalogKey(non-CatalogKeyV1Struct,)")
		return
	}
	catalogKey2, ok := key2.(vlayout.CatalogKeyV1Struct)
	if !ok {
		err = fmt.Errorf("compareCatalogKey(,non-CatalogKeyV1Struct)")
		return
	}

	switch {
	case catalogKey1.ParentID < catalogKey2.ParentID:
		result = -1
	case catalogKey1.ParentID > catalogKey2.ParentID:
		result = 1
	default:
		result = strings.Compare(catalogKey1.Name, catalogKey2.Name)
	}

	return
}

type codecStruct struct{}

func (codec *codecStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	catalogKey, ok := key.(vlayout.CatalogKeyV1Struct)
	if !ok {
		err = fmt.Errorf("catalog.DumpKey() could not parse key as a CatalogKeyV1Struct")
		return
	}
	keyAsString = fmt.Sprintf("%d/%q", catalogKey.ParentID, catalogKey.Name)
	return
}

func (codec *codecStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	fileRecord, ok := value.(vlayout.FileRecordV1Struct)
	if !ok {
		err = fmt.Errorf("catalog.DumpValue() could not parse value as a FileRecordV1Struct")
		return
	}
	valueAsString = fmt.Sprintf("ino %d mode 0%o flags 0x%X", fileRecord.InodeNumber, fileRecord.Mode, fileRecord.Flags)
	return
}

func (codec *codecStruct) PackKey(key sortedmap.Key) (packedKey []byte, err error) {
	catalogKey, ok := key.(vlayout.CatalogKeyV1Struct)
	if !ok {
		err = fmt.Errorf("catalog.PackKey() arg is not a CatalogKeyV1Struct")
		return
	}
	packedKey, err = vlayout.MarshalCatalogKeyV1(catalogKey)
	return
}

func (codec *codecStruct) UnpackKey(payloadData []byte) (key sortedmap.Key, bytesConsumed uint64, err error) {
	key, bytesConsumed, err = vlayout.UnmarshalCatalogKeyV1(payloadData)
	return
}

func (codec *codecStruct) PackValue(value sortedmap.Value) (packedValue []byte, err error) {
	fileRecord, ok := value.(vlayout.FileRecordV1Struct)
	if !ok {
		err = fmt.Errorf("catalog.PackValue() arg is not a FileRecordV1Struct")
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
