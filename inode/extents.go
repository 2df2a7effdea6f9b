// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"math"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/exttree"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/stats"
	"github.com/NVIDIA/vdfs/vlayout"
)

// canAppend reports whether [iblock, firstBlock+blockCount) continues the
// extent at predIBlock both logically and physically.
func canAppend(predIBlock uint64, pred vlayout.ExtentV1Struct, iblock uint64, firstBlock uint64, blockCount uint32) bool {
	return (predIBlock+uint64(pred.BlockCount) == iblock) &&
		(pred.FirstBlock+uint64(pred.BlockCount) == firstBlock) &&
		(uint64(pred.BlockCount)+uint64(blockCount) <= math.MaxUint32)
}

// checkUnmappedWhileTreeLocked fails with FileExistsError if any block of
// [iblock, end) is already mapped.
func (volume *volumeStruct) checkUnmappedWhileTreeLocked(inode *inMemoryInodeStruct, iblock uint64, end uint64) (err error) {
	fork := inode.fork

	for slot := 0; slot < fork.UsedExtents; slot++ {
		forkExtent := &fork.Extents[slot]
		if (forkExtent.IBlock < end) && (iblock < forkExtent.IBlock+uint64(forkExtent.Extent.BlockCount)) {
			err = blunder.NewError(blunder.FileExistsError, "inode %d: [%d,%d) overlaps fork slot %d", inode.inodeNumber, iblock, end, slot)
			return
		}
	}

	if !fork.isFull() {
		return
	}

	record, err := volume.extentTree.FindStrictObj(inode.inodeNumber, end-1, ordmap.ReadOnly)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			err = nil
		}
		return
	}
	if record.End() > iblock {
		err = blunder.NewError(blunder.FileExistsError, "inode %d: [%d,%d) overlaps tree extent at %d", inode.inodeNumber, iblock, end, record.IBlock())
	}
	record.Release()

	return
}

// insertExtentWhileTreeLocked maps [iblock, iblock+blockCount) to
// firstBlock. The fork keeps the lowest extents; when it is full, anything
// above its last extent goes to the extent tree, and anything below it
// pushes the fork's last extent out to the tree. A contiguous predecessor is
// grown instead of adding an extent.
func (volume *volumeStruct) insertExtentWhileTreeLocked(inode *inMemoryInodeStruct, iblock uint64, firstBlock uint64, blockCount uint32) (err error) {
	fork := inode.fork
	newExtent := vlayout.ForkExtentV1Struct{
		IBlock: iblock,
		Extent: vlayout.ExtentV1Struct{FirstBlock: firstBlock, BlockCount: blockCount},
	}

	if (0 == blockCount) || (iblock >= vlayout.IBlockMax) || (vlayout.IBlockMax-iblock < uint64(blockCount)) {
		err = blunder.NewError(blunder.InvalidArgError, "inode %d: cannot map [%d+%d]", inode.inodeNumber, iblock, blockCount)
		return
	}

	err = volume.checkUnmappedWhileTreeLocked(inode, iblock, iblock+uint64(blockCount))
	if nil != err {
		return
	}

	if fork.isFull() && (iblock >= fork.lastEnd()) {
		var record *exttree.Record
		record, err = volume.extentTree.FindStrictObj(inode.inodeNumber, iblock, ordmap.ReadWrite)
		switch {
		case nil == err:
			if canAppend(record.IBlock(), record.Extent, iblock, firstBlock, blockCount) {
				record.Extent.BlockCount += blockCount
				err = record.MarkDirty()
				record.Release()
				if nil == err {
					volume.accountInserted(inode, blockCount)
				}
				return
			}
			record.Release()
		case blunder.Is(err, blunder.NotFoundError):
			last := &fork.Extents[fork.UsedExtents-1]
			if canAppend(last.IBlock, last.Extent, iblock, firstBlock, blockCount) {
				last.Extent.BlockCount += blockCount
				volume.accountInserted(inode, blockCount)
				err = nil
				return
			}
		default:
			return
		}

		err = volume.extentTree.Insert(inode.inodeNumber, newExtent)
		if nil == err {
			volume.accountInserted(inode, blockCount)
			stats.IncrementOperations(&stats.ForkExtentsOverflowed)
		}
		return
	}

	slot := fork.predecessorSlot(iblock)
	if (0 <= slot) && canAppend(fork.Extents[slot].IBlock, fork.Extents[slot].Extent, iblock, firstBlock, blockCount) {
		fork.Extents[slot].Extent.BlockCount += blockCount
		volume.accountInserted(inode, blockCount)
		return
	}

	if fork.isFull() {
		evicted := fork.evictLast()
		err = volume.extentTree.Insert(inode.inodeNumber, evicted)
		if nil != err {
			fork.insertSlot(evicted)
			return
		}
		stats.IncrementOperations(&stats.ForkExtentsOverflowed)
	}

	fork.insertSlot(newExtent)
	volume.accountInserted(inode, blockCount)

	return
}

func (volume *volumeStruct) accountInserted(inode *inMemoryInodeStruct, blockCount uint32) {
	inode.fork.TotalBlockCount += blockCount
	inode.accountAdded(uint64(blockCount), volume.blockSize)
}

// mapBlockWhileLocked resolves iblock through the fork, then the tree.
func (volume *volumeStruct) mapBlockWhileLocked(inode *inMemoryInodeStruct, iblock uint64) (physicalBlock uint64, ok bool, err error) {
	physicalBlock, ok = inode.fork.Lookup(iblock)
	if ok || !inode.fork.isFull() || (iblock < inode.fork.lastEnd()) {
		return
	}

	volume.extentTree.RLock()
	defer volume.extentTree.RUnlock()

	record, err := volume.extentTree.FindStrictObj(inode.inodeNumber, iblock, ordmap.ReadOnly)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			err = nil
		}
		return
	}
	if iblock < record.End() {
		physicalBlock = record.Extent.FirstBlock + (iblock - record.IBlock())
		ok = true
	}
	record.Release()

	return
}
