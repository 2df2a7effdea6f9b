// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"fmt"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/catalog"
	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/stats"
	"github.com/NVIDIA/vdfs/vlayout"
)

// ArmOrphan moves the record of an inode that has lost its last name into
// the orphan list, where it waits for its last Close or the next mount.
// Arming an orphan twice is a no-op.
func (volume *volumeStruct) ArmOrphan(inodeNumber uint64) (err error) {
	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	if inOrphanList == inode.location {
		return
	}
	if 0 != inode.linkCount {
		err = blunder.NewError(blunder.InvalidArgError, "inode %d still has %d link(s)", inodeNumber, inode.linkCount)
		return
	}

	volume.headhunterVolumeHandle.StartTransaction()
	defer volume.stopTransaction(&err)

	err = volume.armOrphanWhileLocked(inode)

	return
}

// armOrphanWhileLocked takes the record out of wherever it lives and files
// it under the orphan list. Called inside a transaction.
func (volume *volumeStruct) armOrphanWhileLocked(inode *inMemoryInodeStruct) (err error) {
	switch inode.location {
	case inHardLinkTree:
		volume.hardLinkTree.Lock()
		err = volume.hardLinkTree.Remove(inode.inodeNumber)
		volume.hardLinkTree.Unlock()
	case inCatalog:
		volume.catalogTree.Lock()
		err = volume.catalogTree.Remove(inode.parentID, inode.name)
		volume.catalogTree.Unlock()
		if blunder.Is(err, blunder.NotFoundError) {
			// Unlink already took the name away
			err = nil
		}
	}
	if nil != err {
		return
	}

	inode.flags &^= vlayout.FlagHardLink
	inode.location = inOrphanList
	inode.parentID = 0
	inode.name = ""

	volume.catalogTree.Lock()
	err = volume.catalogTree.Insert(vlayout.OrphanInodesInodeNumber, vlayout.OrphanName(inode.inodeNumber), inode.toFileRecord())
	volume.catalogTree.Unlock()
	if nil != err {
		logger.ErrorfWithError(err, "volume %s: arming orphan %d failed", volume.volumeName, inode.inodeNumber)
		return
	}

	stats.IncrementOperations(&stats.OrphanArmOps)

	return
}

// KillOrphan reclaims an armed orphan now, even if it is still open. Handles
// still open on it go stale.
func (volume *volumeStruct) KillOrphan(inodeNumber uint64) (err error) {
	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	if inOrphanList != inode.location {
		err = blunder.NewError(blunder.InvalidArgError, "inode %d is not an orphan", inodeNumber)
		return
	}

	err = volume.killOrphanWhileLocked(inode)

	return
}

func (inode *inMemoryInodeStruct) orphanKind() (kind OrphanKind) {
	switch {
	case 0 != (inode.flags & vlayout.FlagSmallFile):
		kind = SmallOrphan{Cell: inode.cell}
	case inode.hasBlocks():
		kind = RegularOrphan{Fork: inode.fork}
	default:
		kind = TinyOrSpecialOrphan{}
	}
	return
}

func (volume *volumeStruct) killOrphanWhileLocked(inode *inMemoryInodeStruct) (err error) {
	volume.releaseRuntimeWhileLocked(inode)

	err = volume.reclaimOrphan(inode.inodeNumber, inode.orphanKind())
	inode.bytes = uint64(inode.fork.TotalBlockCount) * volume.blockSize
	if nil != err {
		return
	}

	inode.reclaimed = true
	volume.inodeCacheDrop(inode.inodeNumber)

	return
}

// reclaimOrphan releases what the orphan owns, then removes its orphan
// record and frees its inode number, all in one transaction. On failure the
// orphan record is left behind, rewritten to show what is still owned, so a
// later sweep can finish the job.
func (volume *volumeStruct) reclaimOrphan(inodeNumber uint64, kind OrphanKind) (err error) {
	volume.headhunterVolumeHandle.StartTransaction()
	defer volume.stopTransaction(&err)

	switch orphan := kind.(type) {
	case TinyOrSpecialOrphan:
		stats.IncrementOperations(&stats.OrphanReclaimedTinyOps)
	case SmallOrphan:
		err = volume.allocator.FreeCell(orphan.Cell)
		if nil != err {
			logger.ErrorfWithError(err, "volume %s: orphan %d cell %d free failed", volume.volumeName, inodeNumber, orphan.Cell)
			return
		}
		stats.IncrementOperations(&stats.OrphanReclaimedSmallOps)
	case RegularOrphan:
		err = volume.releaseForkAndTree(inodeNumber, orphan.Fork)
		if nil != err {
			logger.ErrorfWithError(err, "volume %s: orphan %d block release failed", volume.volumeName, inodeNumber)
			rewriteErr := volume.rewriteOrphanFork(inodeNumber, orphan.Fork)
			if nil != rewriteErr {
				logger.ErrorfWithError(rewriteErr, "volume %s: orphan %d record rewrite failed", volume.volumeName, inodeNumber)
			}
			return
		}
		stats.IncrementOperations(&stats.OrphanReclaimedRegularOps)
	default:
		err = fmt.Errorf("orphan %d: unknown kind %T", inodeNumber, kind)
		return
	}

	volume.headhunterVolumeHandle.StartTransaction()
	volume.catalogTree.Lock()
	err = volume.catalogTree.Remove(vlayout.OrphanInodesInodeNumber, vlayout.OrphanName(inodeNumber))
	volume.catalogTree.Unlock()
	volume.stopTransaction(&err)
	if nil != err {
		return
	}

	err = volume.allocator.FreeInodeNumber(inodeNumber)

	return
}

// releaseForkAndTree frees every extent tree record of the object, then the
// fork's own extents from the last slot down. fork is updated as it goes.
// Tree records only exist behind a full fork, so the fork keeps all its slots
// until the tree is empty and fork stays parseable at every step.
func (volume *volumeStruct) releaseForkAndTree(inodeNumber uint64, fork *Fork) (err error) {
	err = volume.releaseTreeExtents(inodeNumber, fork)
	if nil != err {
		return
	}

	if uint64(fork.TotalBlockCount) != fork.blockSum() {
		logger.Warnf("volume %s: orphan %d released with %d blocks unaccounted for", volume.volumeName, inodeNumber, uint64(fork.TotalBlockCount)-fork.blockSum())
		fork.TotalBlockCount = uint32(fork.blockSum())
	}

	for 0 < fork.UsedExtents {
		forkExtent := &fork.Extents[fork.UsedExtents-1]
		err = volume.allocator.Free(forkExtent.Extent.FirstBlock, forkExtent.Extent.BlockCount, 0)
		if nil != err {
			return
		}
		fork.TotalBlockCount -= forkExtent.Extent.BlockCount
		fork.evictLast()
		stats.IncrementOperations(&stats.ForkExtentsFreed)
	}

	return
}

// releaseTreeExtents frees the object's extent tree records from the lowest
// up. Each record is freed before it is removed and before fork forgets its
// blocks.
func (volume *volumeStruct) releaseTreeExtents(inodeNumber uint64, fork *Fork) (err error) {
	volume.extentTree.Lock()
	defer volume.extentTree.Unlock()

	for {
		record, findErr := volume.extentTree.FindFirst(inodeNumber, ordmap.ReadWrite)
		if nil != findErr {
			if blunder.IsNot(findErr, blunder.NotFoundError) {
				err = findErr
			}
			return
		}

		iblock := record.IBlock()
		extent := record.Extent
		record.Release()

		treeBlockCount := uint64(fork.TotalBlockCount) - fork.blockSum()
		if 0 == treeBlockCount {
			logger.Warnf("volume %s: orphan %d has extent at %d beyond its total block count; leaving it", volume.volumeName, inodeNumber, iblock)
			return
		}

		err = volume.allocator.Free(extent.FirstBlock, extent.BlockCount, 0)
		if nil != err {
			return
		}
		err = volume.extentTree.Remove(inodeNumber, iblock)
		if nil != err {
			return
		}

		if uint64(extent.BlockCount) > treeBlockCount {
			logger.Warnf("volume %s: orphan %d extent at %d holds %d blocks, more than the %d accounted", volume.volumeName, inodeNumber, iblock, extent.BlockCount, treeBlockCount)
			fork.TotalBlockCount = uint32(fork.blockSum())
		} else {
			fork.TotalBlockCount -= extent.BlockCount
		}
		stats.IncrementOperations(&stats.ExtentTreeExtentsFreed)
	}
}

func (volume *volumeStruct) rewriteOrphanFork(inodeNumber uint64, fork *Fork) (err error) {
	volume.catalogTree.Lock()
	defer volume.catalogTree.Unlock()

	record, err := volume.catalogTree.Find(vlayout.OrphanInodesInodeNumber, vlayout.OrphanName(inodeNumber), ordmap.ReadWrite)
	if nil != err {
		return
	}
	record.FileRecord.Fork = fork.ToDisk(record.FileRecord.Fork.Size)
	err = record.MarkDirty()
	record.Release()

	return
}

// nextOrphan fetches the orphan after cursor, or the first one when cursor
// is empty, copying the record out.
func (volume *volumeStruct) nextOrphan(cursor string) (name string, fileRecord *vlayout.FileRecordV1Struct, err error) {
	var record *catalog.Record

	volume.catalogTree.RLock()
	defer volume.catalogTree.RUnlock()

	if "" == cursor {
		record, err = volume.catalogTree.FirstChild(vlayout.OrphanInodesInodeNumber, ordmap.ReadOnly)
	} else {
		record, err = volume.catalogTree.ChildAfter(vlayout.OrphanInodesInodeNumber, cursor, ordmap.ReadOnly)
	}
	if nil != err {
		return
	}

	name = record.Key.Name
	fileRecord = &vlayout.FileRecordV1Struct{}
	*fileRecord = record.FileRecord
	record.Release()

	return
}

// ReclaimOrphans sweeps the orphan list, reclaiming every orphan that is not
// held open in memory. Each pass either removes an orphan or steps past an
// open one, so the sweep ends. Any failure stops it.
func (volume *volumeStruct) ReclaimOrphans() (reclaimedCount uint64, err error) {
	var (
		cursor      string
		fileRecord  *vlayout.FileRecordV1Struct
		inodeNumber uint64
		kind        OrphanKind
		name        string
	)

	flog := logger.TraceEnter("args:")
	defer func() { flog.TraceExitErr("reply:", err, reclaimedCount) }()

	stats.IncrementOperations(&stats.OrphanSweepOps)

	for {
		name, fileRecord, err = volume.nextOrphan(cursor)
		if nil != err {
			if blunder.Is(err, blunder.NotFoundError) {
				err = nil
			}
			return
		}

		inodeNumber, err = vlayout.ParseOrphanName(name)
		if nil != err {
			return
		}
		if inodeNumber != fileRecord.InodeNumber {
			err = blunder.NewError(blunder.CorruptForkError, "orphan %q holds the record of inode %d", name, fileRecord.InodeNumber)
			return
		}

		inode, cached, cacheErr := volume.inodeCacheFetch(inodeNumber)
		if nil != cacheErr {
			err = cacheErr
			return
		}

		if cached {
			inode.Lock()
			if inode.reclaimed || (0 < inode.openCount) {
				inode.Unlock()
				cursor = name
				continue
			}
			err = volume.killOrphanWhileLocked(inode)
			inode.Unlock()
		} else {
			kind, err = ClassifyOrphan(fileRecord)
			if nil == err {
				err = volume.reclaimOrphan(inodeNumber, kind)
			}
		}
		if nil != err {
			return
		}

		reclaimedCount++
	}
}
