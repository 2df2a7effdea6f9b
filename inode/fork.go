// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/stats"
	"github.com/NVIDIA/vdfs/vlayout"
)

// Fork is the in-memory form of a file record's inline extents.
//
// Slots [0, UsedExtents) hold extents in ascending IBlock order, the rest are
// zero. Once the fork is full, every further extent of the file lives in the
// extent tree at an IBlock above the fork's last extent, so a file has tree
// extents only while UsedExtents == vlayout.ForkExtentCount.
//
// TotalBlockCount counts the blocks of both fork and tree extents.
type Fork struct {
	TotalBlockCount uint32
	UsedExtents     int
	Extents         [vlayout.ForkExtentCount]vlayout.ForkExtentV1Struct
}

func corruptFork(format string, args ...interface{}) error {
	return blunder.NewError(blunder.CorruptForkError, format, args...)
}

// ParseFork validates onDisk and builds its Fork. For a device mode the Size
// field is returned as deviceID and size is zero.
func ParseFork(onDisk *vlayout.ForkV1Struct, mode uint32) (fork *Fork, size uint64, deviceID uint64, err error) {
	var (
		blockSum uint64
		prevEnd  uint64
	)

	fork = &Fork{TotalBlockCount: onDisk.TotalBlockCount}

	if vlayout.IsDevice(mode) {
		if 0 != onDisk.TotalBlockCount {
			err = corruptFork("device fork has total block count %d", onDisk.TotalBlockCount)
			fork = nil
			return
		}
		for slot := range onDisk.Extents {
			if (vlayout.ForkExtentV1Struct{}) != onDisk.Extents[slot] {
				err = corruptFork("device fork slot %d in use", slot)
				fork = nil
				return
			}
		}
		deviceID = onDisk.Size
		return
	}

	size = onDisk.Size

	for slot, forkExtent := range onDisk.Extents {
		if 0 == forkExtent.Extent.BlockCount {
			if (vlayout.ForkExtentV1Struct{}) != forkExtent {
				err = corruptFork("empty fork slot %d is not zeroed", slot)
				fork = nil
				return
			}
			continue
		}
		if slot != fork.UsedExtents {
			err = corruptFork("fork slot %d used after an empty slot", slot)
			fork = nil
			return
		}
		if (forkExtent.IBlock >= vlayout.IBlockMax) || (forkExtent.IBlock+uint64(forkExtent.Extent.BlockCount) < forkExtent.IBlock) {
			err = corruptFork("fork slot %d iblock %d out of range", slot, forkExtent.IBlock)
			fork = nil
			return
		}
		if forkExtent.Extent.FirstBlock+uint64(forkExtent.Extent.BlockCount) < forkExtent.Extent.FirstBlock {
			err = corruptFork("fork slot %d first block %d wraps", slot, forkExtent.Extent.FirstBlock)
			fork = nil
			return
		}
		if (0 < slot) && (forkExtent.IBlock < prevEnd) {
			err = corruptFork("fork slot %d at iblock %d overlaps or precedes its predecessor", slot, forkExtent.IBlock)
			fork = nil
			return
		}

		fork.Extents[slot] = forkExtent
		fork.UsedExtents++
		blockSum += uint64(forkExtent.Extent.BlockCount)
		prevEnd = forkExtent.IBlock + uint64(forkExtent.Extent.BlockCount)
	}

	if blockSum > uint64(onDisk.TotalBlockCount) {
		err = corruptFork("fork extents hold %d blocks but total block count is %d", blockSum, onDisk.TotalBlockCount)
		fork = nil
		return
	}
	if (vlayout.ForkExtentCount != fork.UsedExtents) && (blockSum != uint64(onDisk.TotalBlockCount)) {
		err = corruptFork("fork is not full yet %d of %d blocks are elsewhere", uint64(onDisk.TotalBlockCount)-blockSum, onDisk.TotalBlockCount)
		fork = nil
		return
	}

	return
}

// ToDisk writes every slot and the total block count. sizeField is the file
// size, or the device id of a device.
func (fork *Fork) ToDisk(sizeField uint64) (onDisk vlayout.ForkV1Struct) {
	onDisk.Size = sizeField
	onDisk.TotalBlockCount = fork.TotalBlockCount
	for slot := 0; slot < vlayout.ForkExtentCount; slot++ {
		if slot < fork.UsedExtents {
			onDisk.Extents[slot] = fork.Extents[slot]
		} else {
			onDisk.Extents[slot] = vlayout.ForkExtentV1Struct{}
		}
	}
	return
}

func (fork *Fork) isFull() bool {
	return vlayout.ForkExtentCount == fork.UsedExtents
}

// blockSum is the number of blocks held by the fork's own slots.
func (fork *Fork) blockSum() (blockSum uint64) {
	for slot := 0; slot < fork.UsedExtents; slot++ {
		blockSum += uint64(fork.Extents[slot].Extent.BlockCount)
	}
	return
}

// lastEnd is one past the last logical block mapped by the fork.
func (fork *Fork) lastEnd() uint64 {
	if 0 == fork.UsedExtents {
		return 0
	}
	last := &fork.Extents[fork.UsedExtents-1]
	return last.IBlock + uint64(last.Extent.BlockCount)
}

// Lookup maps iblock through the fork's slots only.
func (fork *Fork) Lookup(iblock uint64) (physicalBlock uint64, ok bool) {
	for slot := 0; slot < fork.UsedExtents; slot++ {
		forkExtent := &fork.Extents[slot]
		if iblock < forkExtent.IBlock {
			return
		}
		if iblock < forkExtent.IBlock+uint64(forkExtent.Extent.BlockCount) {
			physicalBlock = forkExtent.Extent.FirstBlock + (iblock - forkExtent.IBlock)
			ok = true
			return
		}
	}
	return
}

// predecessorSlot is the slot with the greatest IBlock <= iblock, or -1.
func (fork *Fork) predecessorSlot(iblock uint64) (slot int) {
	slot = -1
	for i := 0; i < fork.UsedExtents; i++ {
		if fork.Extents[i].IBlock > iblock {
			break
		}
		slot = i
	}
	return
}

// insertSlot places forkExtent in IBlock order. The fork must not be full.
func (fork *Fork) insertSlot(forkExtent vlayout.ForkExtentV1Struct) {
	slot := fork.predecessorSlot(forkExtent.IBlock) + 1
	copy(fork.Extents[slot+1:fork.UsedExtents+1], fork.Extents[slot:fork.UsedExtents])
	fork.Extents[slot] = forkExtent
	fork.UsedExtents++
}

// evictLast empties the last slot and returns what it held.
func (fork *Fork) evictLast() (forkExtent vlayout.ForkExtentV1Struct) {
	fork.UsedExtents--
	forkExtent = fork.Extents[fork.UsedExtents]
	fork.Extents[fork.UsedExtents] = vlayout.ForkExtentV1Struct{}
	return
}

// TruncateTo frees every fork block at or beyond newSizeInBlocks, from the
// last slot down. Each span is freed before the fork forgets it, so on error
// freedBlockCount and the fork still agree on what was released.
func (fork *Fork) TruncateTo(newSizeInBlocks uint64, allocator BlockAllocator) (freedBlockCount uint64, err error) {
	for 0 < fork.UsedExtents {
		forkExtent := &fork.Extents[fork.UsedExtents-1]
		blockCount := uint64(forkExtent.Extent.BlockCount)

		if forkExtent.IBlock >= newSizeInBlocks {
			err = allocator.Free(forkExtent.Extent.FirstBlock, forkExtent.Extent.BlockCount, 0)
			if nil != err {
				return
			}
			fork.TotalBlockCount -= forkExtent.Extent.BlockCount
			freedBlockCount += blockCount
			fork.evictLast()
			stats.IncrementOperations(&stats.ForkExtentsFreed)
			continue
		}

		if forkExtent.IBlock+blockCount > newSizeInBlocks {
			delta := forkExtent.IBlock + blockCount - newSizeInBlocks
			err = allocator.Free(forkExtent.Extent.FirstBlock+blockCount-delta, uint32(delta), 0)
			if nil != err {
				return
			}
			forkExtent.Extent.BlockCount -= uint32(delta)
			fork.TotalBlockCount -= uint32(delta)
			freedBlockCount += delta
		}

		break
	}

	return
}
