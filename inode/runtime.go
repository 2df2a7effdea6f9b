// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"github.com/google/btree"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/logger"
)

const runtimeExtentListDegree = 8

// RuntimeExtent is a run of logical blocks reserved in memory but not yet
// backed by a committed extent.
type RuntimeExtent struct {
	IBlock     uint64
	BlockCount uint32
	AllocHint  uint64
}

func (runtimeExtent *RuntimeExtent) end() uint64 {
	return runtimeExtent.IBlock + uint64(runtimeExtent.BlockCount)
}

// Less orders runtime extents by IBlock for the btree.
func (runtimeExtent *RuntimeExtent) Less(than btree.Item) bool {
	return runtimeExtent.IBlock < than.(*RuntimeExtent).IBlock
}

// RuntimeExtentList is the per-inode set of runtime extents. Entries are
// disjoint and never adjacent; an Add next to an entry grows it.
//
// Not safe for concurrent use; the owning inode's lock covers it.
type RuntimeExtentList struct {
	tree  *btree.BTree
	count uint64
}

func NewRuntimeExtentList() (runtimeExtentList *RuntimeExtentList) {
	runtimeExtentList = &RuntimeExtentList{tree: btree.New(runtimeExtentListDegree)}
	return
}

// atOrBefore returns the entry with the greatest IBlock <= iblock, if any.
func (runtimeExtentList *RuntimeExtentList) atOrBefore(iblock uint64) (runtimeExtent *RuntimeExtent) {
	runtimeExtentList.tree.DescendLessOrEqual(&RuntimeExtent{IBlock: iblock}, func(item btree.Item) bool {
		runtimeExtent = item.(*RuntimeExtent)
		return false
	})
	return
}

// after returns the entry with the smallest IBlock > iblock, if any.
func (runtimeExtentList *RuntimeExtentList) after(iblock uint64) (runtimeExtent *RuntimeExtent) {
	if ^uint64(0) == iblock {
		return
	}
	runtimeExtentList.tree.AscendGreaterOrEqual(&RuntimeExtent{IBlock: iblock + 1}, func(item btree.Item) bool {
		runtimeExtent = item.(*RuntimeExtent)
		return false
	})
	return
}

// Add reserves iblock. A point already inside an entry is a FileExistsError.
func (runtimeExtentList *RuntimeExtentList) Add(iblock uint64, allocHint uint64) (err error) {
	predecessor := runtimeExtentList.atOrBefore(iblock)

	if nil != predecessor {
		if iblock < predecessor.end() {
			err = blunder.NewError(blunder.FileExistsError, "runtime block %d already reserved in [%d+%d]", iblock, predecessor.IBlock, predecessor.BlockCount)
			logger.ErrorWithError(err)
			return
		}
		if iblock == predecessor.end() {
			predecessor.BlockCount++
			runtimeExtentList.count++
			successor := runtimeExtentList.after(iblock)
			if (nil != successor) && (predecessor.end() == successor.IBlock) {
				runtimeExtentList.tree.Delete(successor)
				predecessor.BlockCount += successor.BlockCount
			}
			return
		}
	}

	successor := runtimeExtentList.after(iblock)
	if (nil != successor) && (iblock+1 == successor.IBlock) {
		// Rekeyed, so it has to come out and go back in
		runtimeExtentList.tree.Delete(successor)
		successor.IBlock--
		successor.BlockCount++
		runtimeExtentList.tree.ReplaceOrInsert(successor)
		runtimeExtentList.count++
		return
	}

	runtimeExtentList.tree.ReplaceOrInsert(&RuntimeExtent{IBlock: iblock, BlockCount: 1, AllocHint: allocHint})
	runtimeExtentList.count++

	return
}

// Remove releases iblock. The caller must know iblock is reserved; removing
// a point that is not is fatal.
func (runtimeExtentList *RuntimeExtentList) Remove(iblock uint64) {
	runtimeExtent := runtimeExtentList.atOrBefore(iblock)
	if (nil == runtimeExtent) || (iblock >= runtimeExtent.end()) {
		err := blunder.NewError(blunder.NotFoundError, "runtime block %d is not reserved", iblock)
		logger.PanicfWithError(err, "RuntimeExtentList.Remove() contract violation")
	}

	switch iblock {
	case runtimeExtent.IBlock:
		runtimeExtentList.tree.Delete(runtimeExtent)
		if 1 < runtimeExtent.BlockCount {
			runtimeExtent.IBlock++
			runtimeExtent.BlockCount--
			runtimeExtentList.tree.ReplaceOrInsert(runtimeExtent)
		}
	case runtimeExtent.end() - 1:
		runtimeExtent.BlockCount--
	default:
		tail := &RuntimeExtent{
			IBlock:     iblock + 1,
			BlockCount: uint32(runtimeExtent.end() - (iblock + 1)),
			AllocHint:  runtimeExtent.AllocHint,
		}
		runtimeExtent.BlockCount = uint32(iblock - runtimeExtent.IBlock)
		runtimeExtentList.tree.ReplaceOrInsert(tail)
	}

	runtimeExtentList.count--
}

func (runtimeExtentList *RuntimeExtentList) Exists(iblock uint64) bool {
	runtimeExtent := runtimeExtentList.atOrBefore(iblock)
	return (nil != runtimeExtent) && (iblock < runtimeExtent.end())
}

// Count is the number of reserved blocks across every entry.
func (runtimeExtentList *RuntimeExtentList) Count() uint64 {
	return runtimeExtentList.count
}

// CountFrom is the number of reserved blocks at or beyond iblock, which is
// what TruncateTo(iblock) would drop.
func (runtimeExtentList *RuntimeExtentList) CountFrom(iblock uint64) (blockCount uint64) {
	straddler := runtimeExtentList.atOrBefore(iblock)
	if (nil != straddler) && (straddler.IBlock < iblock) && (iblock < straddler.end()) {
		blockCount += straddler.end() - iblock
	}
	runtimeExtentList.tree.AscendGreaterOrEqual(&RuntimeExtent{IBlock: iblock}, func(item btree.Item) bool {
		blockCount += uint64(item.(*RuntimeExtent).BlockCount)
		return true
	})
	return
}

// TruncateTo drops every reserved block at or beyond newSizeInBlocks and
// returns how many were dropped. Releasing the reservations is up to the
// caller.
func (runtimeExtentList *RuntimeExtentList) TruncateTo(newSizeInBlocks uint64) (freedBlockCount uint64) {
	var doomed []*RuntimeExtent

	straddler := runtimeExtentList.atOrBefore(newSizeInBlocks)
	if (nil != straddler) && (straddler.IBlock < newSizeInBlocks) && (newSizeInBlocks < straddler.end()) {
		delta := straddler.end() - newSizeInBlocks
		straddler.BlockCount -= uint32(delta)
		freedBlockCount += delta
	}

	runtimeExtentList.tree.AscendGreaterOrEqual(&RuntimeExtent{IBlock: newSizeInBlocks}, func(item btree.Item) bool {
		doomed = append(doomed, item.(*RuntimeExtent))
		return true
	})
	for _, runtimeExtent := range doomed {
		runtimeExtentList.tree.Delete(runtimeExtent)
		freedBlockCount += uint64(runtimeExtent.BlockCount)
	}

	runtimeExtentList.count -= freedBlockCount

	return
}

// Extents returns a snapshot of the entries in IBlock order.
func (runtimeExtentList *RuntimeExtentList) Extents() (runtimeExtents []RuntimeExtent) {
	runtimeExtents = make([]RuntimeExtent, 0, runtimeExtentList.tree.Len())
	runtimeExtentList.tree.Ascend(func(item btree.Item) bool {
		runtimeExtents = append(runtimeExtents, *item.(*RuntimeExtent))
		return true
	})
	return
}
