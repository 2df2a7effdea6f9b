// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package fsm is the free-space manager of a volume: free data blocks,
// free small-file cells and released inode numbers, each kept as a persisted
// tree of free runs. Block reservations for not yet committed writes are
// accounted here too, in memory only.
package fsm

import (
	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/stats"
	"github.com/NVIDIA/vdfs/trackedlock"
	"github.com/NVIDIA/vdfs/vlayout"
)

type Manager struct {
	trackedlock.Mutex
	volumeHandle       headhunter.VolumeHandle
	blocks             *runTree
	cells              *runTree
	inodeNumbers       *runTree
	reservedBlockCount uint64
}

// New opens the free-space trees of the volume. A volume never checkpointed
// starts with every data block and every cell free.
func New(volumeHandle headhunter.VolumeHandle, maxKeysPerNode uint64, cache sortedmap.BPlusTreeCache) (manager *Manager, err error) {
	superBlock := volumeHandle.FetchSuperBlock()

	manager = &Manager{volumeHandle: volumeHandle}

	manager.blocks, err = openRunTree("free blocks", volumeHandle, vlayout.TreeTypeFreeSpace, maxKeysPerNode, cache, superBlock.FirstDataBlock, superBlock.TotalBlocks)
	if nil != err {
		return
	}
	manager.cells, err = openRunTree("free cells", volumeHandle, vlayout.TreeTypeCell, maxKeysPerNode, cache, 0, superBlock.CellCount)
	if nil != err {
		return
	}
	manager.inodeNumbers, err = openRunTree("free inode numbers", volumeHandle, vlayout.TreeTypeFreeInode, maxKeysPerNode, cache, vlayout.FirstUserInodeNumber, ^uint64(0))
	if nil != err {
		return
	}

	if 0 == superBlock.CheckpointCount {
		err = manager.seed(&superBlock)
	}

	return
}

func (manager *Manager) seed(superBlock *vlayout.SuperBlockV1Struct) (err error) {
	isEmpty, err := manager.blocks.empty()
	if (nil != err) || !isEmpty {
		return
	}

	err = manager.blocks.free(superBlock.FirstDataBlock, superBlock.TotalBlocks-superBlock.FirstDataBlock)
	if nil != err {
		return
	}
	if 0 < superBlock.CellCount {
		err = manager.cells.free(0, superBlock.CellCount)
		if nil != err {
			return
		}
	}

	logger.Infof("volume %s: seeded %d free blocks and %d free cells", manager.volumeHandle.FetchVolumeName(), manager.blocks.freeCount, manager.cells.freeCount)

	return
}

// Allocate hands out up to count unreserved blocks, preferring hint. got may
// be less than count; NoSpaceError when nothing is left.
func (manager *Manager) Allocate(count uint32, hint uint64) (first uint64, got uint32, err error) {
	manager.Lock()
	defer manager.Unlock()

	available := manager.blocks.freeCount - manager.reservedBlockCount
	if 0 == available {
		err = blunder.NewError(blunder.NoSpaceError, "no unreserved blocks left")
		return
	}
	if uint64(count) > available {
		count = uint32(available)
	}

	first, got, err = manager.allocate(count, hint)

	return
}

// AllocateReserved hands out up to count blocks against an earlier Reserve.
func (manager *Manager) AllocateReserved(count uint32, hint uint64) (first uint64, got uint32, err error) {
	manager.Lock()
	defer manager.Unlock()

	if uint64(count) > manager.reservedBlockCount {
		err = blunder.NewError(blunder.AllocatorError, "allocation of %d exceeds %d reserved blocks", count, manager.reservedBlockCount)
		stats.IncrementOperations(&stats.AllocatorFailures)
		return
	}

	first, got, err = manager.allocate(count, hint)
	if nil == err {
		manager.reservedBlockCount -= uint64(got)
	}

	return
}

func (manager *Manager) allocate(count uint32, hint uint64) (first uint64, got uint32, err error) {
	first, got64, err := manager.blocks.allocate(uint64(count), hint)
	if nil != err {
		return
	}
	got = uint32(got64)
	stats.IncrementOperationsBy(&stats.AllocatorBlocksAllocated, got64)
	return
}

// Free returns [firstBlock, firstBlock+count) to the free list. flags is
// reserved and must be zero.
func (manager *Manager) Free(firstBlock uint64, count uint32, flags uint32) (err error) {
	manager.Lock()
	defer manager.Unlock()

	if 0 != flags {
		err = blunder.NewError(blunder.InvalidArgError, "Free() flags 0x%X not supported", flags)
		return
	}

	err = manager.blocks.free(firstBlock, uint64(count))
	if nil != err {
		stats.IncrementOperations(&stats.AllocatorFailures)
		logger.ErrorfWithError(err, "volume %s: Free(%d,%d,) failed", manager.volumeHandle.FetchVolumeName(), firstBlock, count)
		return
	}

	stats.IncrementOperationsBy(&stats.AllocatorBlocksFreed, uint64(count))

	return
}

// Reserve sets count free blocks aside for later AllocateReserved calls.
func (manager *Manager) Reserve(count uint64) (err error) {
	manager.Lock()
	defer manager.Unlock()

	if manager.blocks.freeCount-manager.reservedBlockCount < count {
		err = blunder.NewError(blunder.NoSpaceError, "cannot reserve %d blocks: %d free, %d reserved", count, manager.blocks.freeCount, manager.reservedBlockCount)
		return
	}

	manager.reservedBlockCount += count

	return
}

func (manager *Manager) Unreserve(count uint64) (err error) {
	manager.Lock()
	defer manager.Unlock()

	if count > manager.reservedBlockCount {
		err = blunder.NewError(blunder.AllocatorError, "cannot unreserve %d blocks: only %d reserved", count, manager.reservedBlockCount)
		stats.IncrementOperations(&stats.AllocatorFailures)
		return
	}

	manager.reservedBlockCount -= count

	return
}

func (manager *Manager) AllocCell() (cell uint64, err error) {
	manager.Lock()
	defer manager.Unlock()

	cell, _, err = manager.cells.allocate(1, 0)

	return
}

// FreeCell releases cell. Freeing a cell that is already free only warns,
// so a replayed orphan reclaim succeeds.
func (manager *Manager) FreeCell(cell uint64) (err error) {
	manager.Lock()
	defer manager.Unlock()

	alreadyFree, err := manager.cells.overlapsFree(cell, 1)
	if nil != err {
		return
	}
	if alreadyFree {
		logger.Warnf("volume %s: FreeCell(%d) of a free cell", manager.volumeHandle.FetchVolumeName(), cell)
		return
	}

	err = manager.cells.free(cell, 1)
	if nil != err {
		stats.IncrementOperations(&stats.AllocatorFailures)
		return
	}

	stats.IncrementOperations(&stats.AllocatorCellsFreed)

	return
}

// AllocInodeNumber reuses a released inode number if there is one.
func (manager *Manager) AllocInodeNumber() (inodeNumber uint64, err error) {
	manager.Lock()
	defer manager.Unlock()

	if 0 == manager.inodeNumbers.freeCount {
		inodeNumber = manager.volumeHandle.FetchNextInodeNumber()
		return
	}

	inodeNumber, _, err = manager.inodeNumbers.allocate(1, 0)

	return
}

func (manager *Manager) FreeInodeNumber(inodeNumber uint64) (err error) {
	manager.Lock()
	defer manager.Unlock()

	err = manager.inodeNumbers.free(inodeNumber, 1)
	if nil != err {
		stats.IncrementOperations(&stats.AllocatorFailures)
	}

	return
}

// IsAllocated reports whether none of [firstBlock, firstBlock+count) is free.
func (manager *Manager) IsAllocated(firstBlock uint64, count uint32) (allocated bool, err error) {
	manager.Lock()
	defer manager.Unlock()

	overlaps, err := manager.blocks.overlapsFree(firstBlock, uint64(count))
	allocated = !overlaps

	return
}

func (manager *Manager) FreeBlockCount() (freeBlockCount uint64) {
	manager.Lock()
	freeBlockCount = manager.blocks.freeCount
	manager.Unlock()
	return
}

func (manager *Manager) ReservedBlockCount() (reservedBlockCount uint64) {
	manager.Lock()
	reservedBlockCount = manager.reservedBlockCount
	manager.Unlock()
	return
}

func (manager *Manager) FreeCellCount() (freeCellCount uint64) {
	manager.Lock()
	freeCellCount = manager.cells.freeCount
	manager.Unlock()
	return
}
