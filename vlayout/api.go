// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package vlayout defines the persisted formats of a vdfs volume: the inline
// extent fork, file records, keys of the extent/catalog/hard-link trees and
// the superblock. All multi-byte fields are little-endian.
package vlayout

import (
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	SuperBlockMagic     uint64 = 0x5344464456
	SuperBlockVersionV1 uint64 = 1
)

// ForkExtentCount is the number of extent slots inline in every fork.
const ForkExtentCount = 9

// Logical block sentinels. A volume can therefore never address more than
// 2^64-2 logical blocks in a single file.
const (
	IBlockDoesNotMatter uint64 = ^uint64(0)
	IBlockMax           uint64 = ^uint64(0) - 1
)

// Reserved inode numbers.
const (
	RootInodeNumber          uint64 = 1
	OrphanInodesInodeNumber  uint64 = 2
	FirstUserInodeNumber     uint64 = 16
	InodeNumberDoesNotMatter uint64 = 0
)

// File record flags.
const (
	FlagSmallFile uint32 = 1 << iota // data lives in one small-file cell
	FlagTinyFile                     // data lives in the record itself
	FlagHardLink                     // catalog entry is a stub; record lives in the hard-link tree
)

// Mode type bits.
const (
	ModeTypeMask uint32 = unix.S_IFMT
	ModeRegular  uint32 = unix.S_IFREG
	ModeDir      uint32 = unix.S_IFDIR
	ModeSymlink  uint32 = unix.S_IFLNK
	ModeCharDev  uint32 = unix.S_IFCHR
	ModeBlockDev uint32 = unix.S_IFBLK
	ModeFIFO     uint32 = unix.S_IFIFO
	ModeSocket   uint32 = unix.S_IFSOCK
)

// ExtentV1Struct is a physically contiguous run of blocks. Also the value
// stored in the extent tree.
type ExtentV1Struct struct {
	FirstBlock uint64
	BlockCount uint32
}

// ForkExtentV1Struct is one fork slot: a logical start and its extent.
type ForkExtentV1Struct struct {
	IBlock uint64
	Extent ExtentV1Struct
}

// ForkV1Struct is the inline extent fork of a file record. For character and
// block devices Size holds the device id and no slot is used.
type ForkV1Struct struct {
	Size            uint64
	TotalBlockCount uint32
	Extents         [ForkExtentCount]ForkExtentV1Struct
}

// ExtentKeyV1Struct keys the extent tree, ordered by ObjectID then IBlock.
type ExtentKeyV1Struct struct {
	ObjectID uint64
	IBlock   uint64
}

// FileRecordV1Struct is the value of catalog, hard-link and orphan entries.
// A catalog hard-link stub only has InodeNumber, Mode and FlagHardLink set.
type FileRecordV1Struct struct {
	InodeNumber uint64
	Mode        uint32
	Flags       uint32
	LinkCount   uint32
	Cell        uint64
	Fork        ForkV1Struct
}

// CatalogKeyV1Struct keys the catalog tree, ordered by ParentID then Name.
type CatalogKeyV1Struct struct {
	ParentID uint64
	Name     string
}

type TreeType uint32

const (
	TreeTypeExtent TreeType = iota
	TreeTypeCatalog
	TreeTypeHardLink
	TreeTypeFreeSpace
	TreeTypeCell
	TreeTypeFreeInode
	TreeTypeCount
)

var treeTypeNames = [TreeTypeCount]string{"Extent", "Catalog", "HardLink", "FreeSpace", "Cell", "FreeInode"}

func (treeType TreeType) String() string {
	if treeType < TreeTypeCount {
		return treeTypeNames[treeType]
	}
	return "TreeType(" + strconv.FormatUint(uint64(treeType), 10) + ")"
}

// TreeRootV1Struct locates the root node of a persisted B+Tree. ObjectNumber
// zero means the tree is empty and has never been flushed.
type TreeRootV1Struct struct {
	ObjectNumber uint64
	ObjectOffset uint64
	ObjectLength uint64
}

type SuperBlockV1Struct struct {
	Magic           uint64
	Version         uint64
	BlockSize       uint32
	CellSize        uint32
	TotalBlocks     uint64
	FirstDataBlock  uint64
	CellCount       uint64
	NextInodeNumber uint64
	ReservedToNonce uint64
	CheckpointCount uint64
	TreeRoots       [TreeTypeCount]TreeRootV1Struct
}

func MarshalExtentKeyV1(key ExtentKeyV1Struct) (buf []byte, err error) {
	return marshalFixed(&key)
}

func UnmarshalExtentKeyV1(buf []byte) (key ExtentKeyV1Struct, bytesConsumed uint64, err error) {
	bytesConsumed, err = unmarshalFixed(buf, &key, "ExtentKeyV1Struct")
	return
}

func MarshalExtentV1(extent ExtentV1Struct) (buf []byte, err error) {
	return marshalFixed(&extent)
}

func UnmarshalExtentV1(buf []byte) (extent ExtentV1Struct, bytesConsumed uint64, err error) {
	bytesConsumed, err = unmarshalFixed(buf, &extent, "ExtentV1Struct")
	return
}

// MarshalForkV1 always writes every slot, used or not.
func MarshalForkV1(fork *ForkV1Struct) (buf []byte, err error) {
	return marshalFixed(fork)
}

func UnmarshalForkV1(buf []byte) (fork *ForkV1Struct, bytesConsumed uint64, err error) {
	fork = &ForkV1Struct{}
	bytesConsumed, err = unmarshalFixed(buf, fork, "ForkV1Struct")
	return
}

func MarshalFileRecordV1(fileRecord *FileRecordV1Struct) (buf []byte, err error) {
	return marshalFixed(fileRecord)
}

func UnmarshalFileRecordV1(buf []byte) (fileRecord *FileRecordV1Struct, bytesConsumed uint64, err error) {
	fileRecord = &FileRecordV1Struct{}
	bytesConsumed, err = unmarshalFixed(buf, fileRecord, "FileRecordV1Struct")
	return
}

func MarshalCatalogKeyV1(key CatalogKeyV1Struct) (buf []byte, err error) {
	var curPos int

	buf = make([]byte, 8+8+len(key.Name))

	curPos, err = lePutUint64ToBuf(buf, 0, key.ParentID)
	if nil != err {
		return
	}

	_, err = lePutStringToBuf(buf, curPos, key.Name)

	return
}

func UnmarshalCatalogKeyV1(buf []byte) (key CatalogKeyV1Struct, bytesConsumed uint64, err error) {
	var curPos int

	key.ParentID, curPos, err = leGetUint64FromBuf(buf, 0)
	if nil != err {
		err = corrupt("CatalogKeyV1Struct", err)
		return
	}

	key.Name, curPos, err = leGetStringFromBuf(buf, curPos)
	if nil != err {
		err = corrupt("CatalogKeyV1Struct", err)
		return
	}

	bytesConsumed = uint64(curPos)

	return
}

func MarshalSuperBlockV1(superBlock *SuperBlockV1Struct) (buf []byte, err error) {
	return marshalFixed(superBlock)
}

// UnmarshalSuperBlockV1 also checks Magic and Version.
func UnmarshalSuperBlockV1(buf []byte) (superBlock *SuperBlockV1Struct, err error) {
	superBlock = &SuperBlockV1Struct{}

	_, err = unmarshalFixed(buf, superBlock, "SuperBlockV1Struct")
	if nil != err {
		return
	}

	err = superBlock.validate()

	return
}

// OrphanName is the catalog name of the orphan entry for inodeNumber: its
// decimal form with no leading zeros.
func OrphanName(inodeNumber uint64) string {
	return strconv.FormatUint(inodeNumber, 10)
}

// ParseOrphanName inverts OrphanName, rejecting any non-canonical form.
func ParseOrphanName(name string) (inodeNumber uint64, err error) {
	inodeNumber, err = strconv.ParseUint(name, 10, 64)
	if nil != err {
		err = corrupt("orphan name", err)
		return
	}
	if OrphanName(inodeNumber) != name {
		err = corrupt("orphan name", errNotCanonical(name))
	}
	return
}

// DeviceID packs a major/minor pair the way the fork Size field stores it.
func DeviceID(major uint32, minor uint32) uint64 {
	return unix.Mkdev(major, minor)
}

func DeviceMajorMinor(deviceID uint64) (major uint32, minor uint32) {
	return unix.Major(deviceID), unix.Minor(deviceID)
}

// IsDevice reports whether mode is a character or block special file.
func IsDevice(mode uint32) bool {
	modeType := mode & ModeTypeMask
	return (ModeCharDev == modeType) || (ModeBlockDev == modeType)
}

// IsRegularOrSymlink reports whether mode may own block extents.
func IsRegularOrSymlink(mode uint32) bool {
	modeType := mode & ModeTypeMask
	return (ModeRegular == modeType) || (ModeSymlink == modeType)
}
