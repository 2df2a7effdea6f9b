// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package inode is the file layer of a served volume: file records and their
// extent forks, runtime block reservations, truncation, hard links and the
// orphan list that makes deferred deletes survive a crash.
//
// A volume is mounted when transitions serves it. Mounting replays the orphan
// list, so every orphan left behind by a crash is reclaimed before the volume
// is handed out by FetchVolumeHandle.
package inode

import (
	"github.com/NVIDIA/vdfs/fsm"
	"github.com/NVIDIA/vdfs/vlayout"
)

// BlockAllocator is the allocator service the file layer consumes.
// *fsm.Manager is the implementation used by a served volume.
type BlockAllocator interface {
	Allocate(count uint32, hint uint64) (firstBlock uint64, got uint32, err error)
	AllocateReserved(count uint32, hint uint64) (firstBlock uint64, got uint32, err error)
	Free(firstBlock uint64, count uint32, flags uint32) (err error)
	Reserve(count uint64) (err error)
	Unreserve(count uint64) (err error)
	AllocCell() (cell uint64, err error)
	FreeCell(cell uint64) (err error)
	AllocInodeNumber() (inodeNumber uint64, err error)
	FreeInodeNumber(inodeNumber uint64) (err error)
	IsAllocated(firstBlock uint64, count uint32) (allocated bool, err error)
	FreeBlockCount() (freeBlockCount uint64)
	FreeCellCount() (freeCellCount uint64)
}

var _ BlockAllocator = (*fsm.Manager)(nil)

// OrphanKind says what an orphan holds and so how it is reclaimed. It is one
// of TinyOrSpecialOrphan, SmallOrphan or RegularOrphan.
type OrphanKind interface {
	orphanKind()
}

// TinyOrSpecialOrphan owns no blocks: tiny files, devices, fifos and the like.
type TinyOrSpecialOrphan struct{}

// SmallOrphan owns one small-file cell.
type SmallOrphan struct {
	Cell uint64
}

// RegularOrphan owns a fork and whatever extent tree records overflowed it.
type RegularOrphan struct {
	Fork *Fork
}

func (TinyOrSpecialOrphan) orphanKind() {}
func (SmallOrphan) orphanKind()         {}
func (RegularOrphan) orphanKind()       {}

// MetadataStruct is a snapshot of an in-memory inode.
type MetadataStruct struct {
	InodeNumber        uint64
	Mode               uint32
	Flags              uint32
	LinkCount          uint32
	OpenCount          uint64
	Size               uint64
	DeviceID           uint64
	Cell               uint64
	Bytes              uint64 // committed blocks times block size
	TotalBlockCount    uint32
	UsedForkExtents    int
	RuntimeBlockCount  uint64
	ReservedBlockCount uint64
	Orphaned           bool
}

// FsckReport is what ValidateVolume found.
type FsckReport struct {
	Files       uint64
	HardLinks   uint64
	Orphans     uint64
	BlocksInUse uint64
	FreeBlocks  uint64
	DataBlocks  uint64
	Problems    []string
}

// VolumeHandle is the file layer of one served volume. Inodes are addressed
// by number once a Create or Lookup has brought them into memory.
type VolumeHandle interface {
	VolumeName() (volumeName string)
	BlockSize() (blockSize uint64)
	FreeSpace() (freeBlockCount uint64, reservedBlockCount uint64, freeCellCount uint64)

	CreateFile(parentID uint64, name string, mode uint32) (inodeNumber uint64, err error)
	CreateSmallFile(parentID uint64, name string, mode uint32) (inodeNumber uint64, err error)
	CreateTinyFile(parentID uint64, name string, mode uint32) (inodeNumber uint64, err error)
	CreateDevice(parentID uint64, name string, mode uint32, major uint32, minor uint32) (inodeNumber uint64, err error)
	Lookup(parentID uint64, name string) (inodeNumber uint64, err error)
	Link(inodeNumber uint64, parentID uint64, name string) (err error)
	Unlink(parentID uint64, name string) (err error)
	Open(inodeNumber uint64) (err error)
	Close(inodeNumber uint64) (err error)
	GetMetadata(inodeNumber uint64) (metadata *MetadataStruct, err error)

	ReserveBlock(inodeNumber uint64, iblock uint64, allocHint uint64) (err error)
	CommitRuntime(inodeNumber uint64) (committedBlockCount uint64, err error)
	MapBlock(inodeNumber uint64, iblock uint64) (physicalBlock uint64, ok bool, err error)
	RuntimeExtents(inodeNumber uint64) (runtimeExtents []RuntimeExtent, err error)
	Truncate(inodeNumber uint64, newSize uint64) (err error)
	Flush(inodeNumber uint64) (err error)

	ArmOrphan(inodeNumber uint64) (err error)
	KillOrphan(inodeNumber uint64) (err error)
	ReclaimOrphans() (reclaimedCount uint64, err error)

	Validate(inodeNumber uint64) (err error)
	ValidateVolume() (report *FsckReport, err error)
}

// FetchVolumeHandle returns the file layer of a served volume.
func FetchVolumeHandle(volumeName string) (volumeHandle VolumeHandle, err error) {
	volumeHandle, err = fetchVolumeHandle(volumeName)
	return
}

// ClassifyOrphan decides how the orphan described by fileRecord is reclaimed.
// Small and tiny flags win over the mode; only regular files and symlinks
// carry a fork worth walking.
func ClassifyOrphan(fileRecord *vlayout.FileRecordV1Struct) (kind OrphanKind, err error) {
	switch {
	case 0 != (fileRecord.Flags & vlayout.FlagSmallFile):
		kind = SmallOrphan{Cell: fileRecord.Cell}
	case 0 != (fileRecord.Flags & vlayout.FlagTinyFile):
		kind = TinyOrSpecialOrphan{}
	case vlayout.IsRegularOrSymlink(fileRecord.Mode):
		var fork *Fork
		fork, _, _, err = ParseFork(&fileRecord.Fork, fileRecord.Mode)
		if nil != err {
			return
		}
		kind = RegularOrphan{Fork: fork}
	default:
		kind = TinyOrSpecialOrphan{}
	}
	return
}
