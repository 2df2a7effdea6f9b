// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/stats"
	"github.com/NVIDIA/vdfs/vlayout"
)

func sizeInBlocks(size uint64, blockSize uint64) uint64 {
	return (size + blockSize - 1) / blockSize
}

// Truncate sets the size of a file, releasing every block past the new end:
// runtime reservations first, then extent tree records from the highest
// down, then the fork. Running it again with the same size frees nothing.
func (volume *volumeStruct) Truncate(inodeNumber uint64, newSize uint64) (err error) {
	flog := logger.TraceEnter("args:", inodeNumber, newSize)
	defer func() { flog.TraceExitErr("reply:", err) }()

	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	switch {
	case !vlayout.IsRegularOrSymlink(inode.mode):
		err = blunder.NewError(blunder.InvalidArgError, "inode %d mode 0%o cannot be truncated", inodeNumber, inode.mode)
		return
	case 0 != (inode.flags & vlayout.FlagSmallFile):
		if newSize > volume.cellSize {
			err = blunder.NewError(blunder.InvalidArgError, "small file inode %d cannot grow to %d bytes", inodeNumber, newSize)
			return
		}
	}

	volume.headhunterVolumeHandle.StartTransaction()
	defer volume.stopTransaction(&err)

	if inode.hasBlocks() {
		err = volume.truncateWhileLocked(inode, sizeInBlocks(newSize, volume.blockSize))
	}
	if nil == err {
		inode.size = newSize
	}

	// Whatever was freed before a failure must reach the record too
	flushErr := volume.flushInodeWhileLocked(inode)
	if nil == err {
		err = flushErr
	}

	stats.IncrementOperations(&stats.TruncateOps)

	return
}

func (volume *volumeStruct) truncateWhileLocked(inode *inMemoryInodeStruct, newSizeInBlocks uint64) (err error) {
	err = volume.truncateRuntimeWhileLocked(inode, newSizeInBlocks)
	if nil != err {
		return
	}

	if inode.fork.isFull() {
		err = volume.truncateExtentTreeWhileLocked(inode, newSizeInBlocks)
		if nil != err {
			return
		}
	}

	freed, err := inode.fork.TruncateTo(newSizeInBlocks, volume.allocator)
	inode.accountFreed(freed, volume.blockSize)
	if nil != err {
		logger.ErrorfWithError(err, "volume %s: inode %d fork truncate to %d blocks failed", volume.volumeName, inode.inodeNumber, newSizeInBlocks)
	}

	return
}

// truncateExtentTreeWhileLocked trims the inode's extent tree records, last
// first, until the one at the end lies below newSizeInBlocks. The tree stays
// write locked for the whole walk.
func (volume *volumeStruct) truncateExtentTreeWhileLocked(inode *inMemoryInodeStruct, newSizeInBlocks uint64) (err error) {
	volume.extentTree.Lock()
	defer volume.extentTree.Unlock()

	for {
		record, findErr := volume.extentTree.FindLast(inode.inodeNumber, ordmap.ReadWrite)
		if nil != findErr {
			if blunder.IsNot(findErr, blunder.NotFoundError) {
				err = findErr
			}
			return
		}

		iblock := record.IBlock()
		extent := record.Extent

		if iblock >= newSizeInBlocks {
			err = volume.allocator.Free(extent.FirstBlock, extent.BlockCount, 0)
			record.Release()
			if nil != err {
				logger.ErrorfWithError(err, "volume %s: inode %d free of tree extent at %d failed", volume.volumeName, inode.inodeNumber, iblock)
				return
			}
			err = volume.extentTree.Remove(inode.inodeNumber, iblock)
			if nil != err {
				return
			}
			inode.fork.TotalBlockCount -= extent.BlockCount
			inode.accountFreed(uint64(extent.BlockCount), volume.blockSize)
			stats.IncrementOperations(&stats.ExtentTreeExtentsFreed)
			continue
		}

		if record.End() > newSizeInBlocks {
			delta := record.End() - newSizeInBlocks
			err = volume.allocator.Free(extent.FirstBlock+uint64(extent.BlockCount)-delta, uint32(delta), 0)
			if nil != err {
				record.Release()
				logger.ErrorfWithError(err, "volume %s: inode %d free of tree extent tail at %d failed", volume.volumeName, inode.inodeNumber, iblock)
				return
			}
			record.Extent.BlockCount -= uint32(delta)
			err = record.MarkDirty()
			record.Release()
			if nil != err {
				return
			}
			inode.fork.TotalBlockCount -= uint32(delta)
			inode.accountFreed(delta, volume.blockSize)
			stats.IncrementOperations(&stats.ExtentTreeExtentsSplit)
		} else {
			record.Release()
		}

		return
	}
}
