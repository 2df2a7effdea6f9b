// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/catalog"
	"github.com/NVIDIA/vdfs/exttree"
	"github.com/NVIDIA/vdfs/fsm"
	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/hlinktree"
	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/stats"
	"github.com/NVIDIA/vdfs/trackedlock"
	"github.com/NVIDIA/vdfs/vlayout"
)

// recordLocation says which tree holds an inode's file record.
type recordLocation int

const (
	inCatalog      recordLocation = iota // under (parentID, name)
	inHardLinkTree                       // keyed by inode number; catalog names are stubs
	inOrphanList                         // under (OrphanInodesInodeNumber, OrphanName(inodeNumber))
)

type inMemoryInodeStruct struct {
	trackedlock.Mutex
	inodeNumber        uint64
	mode               uint32
	flags              uint32
	linkCount          uint32
	cell               uint64
	size               uint64
	deviceID           uint64
	bytes              uint64
	fork               *Fork
	runtime            *RuntimeExtentList
	reservedBlockCount uint64
	openCount          uint64
	location           recordLocation
	parentID           uint64 // inCatalog only
	name               string // inCatalog only
	reclaimed          bool
}

type volumeStruct struct {
	trackedlock.Mutex
	volumeName             string
	blockSize              uint64
	cellSize               uint64
	headhunterVolumeHandle headhunter.VolumeHandle
	treeCache              sortedmap.BPlusTreeCache
	extentTree             *exttree.Tree
	hardLinkTree           *hlinktree.Tree
	catalogTree            *catalog.Tree
	freeSpace              *fsm.Manager
	allocator              BlockAllocator
	inodeCache             sortedmap.LLRBTree // key == inodeNumber, value == *inMemoryInodeStruct
}

// mountVolume opens every tree of a served volume, then sweeps its orphans.
func mountVolume(volumeName string, headhunterVolumeHandle headhunter.VolumeHandle, maxKeysPerTreeNode uint64, treeCacheLowLimit uint64, treeCacheHighLimit uint64) (volume *volumeStruct, err error) {
	superBlock := headhunterVolumeHandle.FetchSuperBlock()

	volume = &volumeStruct{
		volumeName:             volumeName,
		blockSize:              uint64(superBlock.BlockSize),
		cellSize:               uint64(superBlock.CellSize),
		headhunterVolumeHandle: headhunterVolumeHandle,
		treeCache:              sortedmap.NewBPlusTreeCache(treeCacheLowLimit, treeCacheHighLimit),
	}

	volume.inodeCache = sortedmap.NewLLRBTree(sortedmap.CompareUint64, volume)

	volume.extentTree, err = exttree.New(headhunterVolumeHandle, maxKeysPerTreeNode, volume.treeCache)
	if nil != err {
		return
	}
	volume.hardLinkTree, err = hlinktree.New(headhunterVolumeHandle, maxKeysPerTreeNode, volume.treeCache)
	if nil != err {
		return
	}
	volume.catalogTree, err = catalog.New(headhunterVolumeHandle, maxKeysPerTreeNode, volume.treeCache)
	if nil != err {
		return
	}
	volume.freeSpace, err = fsm.New(headhunterVolumeHandle, maxKeysPerTreeNode, volume.treeCache)
	if nil != err {
		return
	}
	volume.allocator = volume.freeSpace

	reclaimedCount, err := volume.ReclaimOrphans()
	if nil != err {
		logger.ErrorfWithError(err, "volume %s: orphan sweep failed after %d reclaimed", volumeName, reclaimedCount)
		return
	}
	if 0 < reclaimedCount {
		logger.Infof("volume %s: reclaimed %d orphan(s) at mount", volumeName, reclaimedCount)
	}

	return
}

// unmount writes back every cached inode and drops the runtime reservations,
// which only ever lived in memory.
func (volume *volumeStruct) unmount() (err error) {
	var inodes []*inMemoryInodeStruct

	volume.Lock()
	numberOfInodes, err := volume.inodeCache.Len()
	if nil != err {
		volume.Unlock()
		return
	}
	for index := 0; index < numberOfInodes; index++ {
		_, value, ok, getErr := volume.inodeCache.GetByIndex(index)
		if nil != getErr {
			err = getErr
			volume.Unlock()
			return
		}
		if ok {
			inodes = append(inodes, value.(*inMemoryInodeStruct))
		}
	}
	volume.Unlock()

	volume.headhunterVolumeHandle.StartTransaction()
	defer volume.stopTransaction(&err)

	for _, inode := range inodes {
		inode.Lock()
		if !inode.reclaimed {
			volume.releaseRuntimeWhileLocked(inode)
			flushErr := volume.flushInodeWhileLocked(inode)
			if (nil != flushErr) && (nil == err) {
				err = flushErr
			}
		}
		inode.Unlock()
	}

	return
}

func (volume *volumeStruct) stopTransaction(err *error) {
	stopErr := volume.headhunterVolumeHandle.StopTransaction()
	if (nil != stopErr) && (nil == *err) {
		*err = stopErr
	}
}

func (volume *volumeStruct) VolumeName() (volumeName string) {
	return volume.volumeName
}

func (volume *volumeStruct) BlockSize() (blockSize uint64) {
	return volume.blockSize
}

// FreeSpace reports the free space manager's counters. Reserved blocks are
// still counted as free.
func (volume *volumeStruct) FreeSpace() (freeBlockCount uint64, reservedBlockCount uint64, freeCellCount uint64) {
	freeBlockCount = volume.freeSpace.FreeBlockCount()
	reservedBlockCount = volume.freeSpace.ReservedBlockCount()
	freeCellCount = volume.freeSpace.FreeCellCount()
	return
}

func (volume *volumeStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	inodeNumber, ok := key.(uint64)
	if !ok {
		err = fmt.Errorf("inode.volumeStruct.DumpKey() could not parse key as a uint64")
		return
	}
	keyAsString = fmt.Sprintf("0x%016X", inodeNumber)
	return
}

func (volume *volumeStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	inode, ok := value.(*inMemoryInodeStruct)
	if !ok {
		err = fmt.Errorf("inode.volumeStruct.DumpValue() could not parse value as a *inMemoryInodeStruct")
		return
	}
	valueAsString = fmt.Sprintf("%p", inode)
	return
}

func (volume *volumeStruct) makeInMemoryInode(fileRecord *vlayout.FileRecordV1Struct, location recordLocation, parentID uint64, name string) (inode *inMemoryInodeStruct, err error) {
	fork, size, deviceID, err := ParseFork(&fileRecord.Fork, fileRecord.Mode)
	if nil != err {
		err = blunder.AddError(fmt.Errorf("inode %d: %v", fileRecord.InodeNumber, err), blunder.CorruptForkError)
		return
	}

	inode = &inMemoryInodeStruct{
		inodeNumber: fileRecord.InodeNumber,
		mode:        fileRecord.Mode,
		flags:       fileRecord.Flags,
		linkCount:   fileRecord.LinkCount,
		cell:        fileRecord.Cell,
		size:        size,
		deviceID:    deviceID,
		bytes:       uint64(fork.TotalBlockCount) * volume.blockSize,
		fork:        fork,
		runtime:     NewRuntimeExtentList(),
		location:    location,
		parentID:    parentID,
		name:        name,
	}

	return
}

func (inode *inMemoryInodeStruct) toFileRecord() (fileRecord *vlayout.FileRecordV1Struct) {
	sizeField := inode.size
	if vlayout.IsDevice(inode.mode) {
		sizeField = inode.deviceID
	}

	fileRecord = &vlayout.FileRecordV1Struct{
		InodeNumber: inode.inodeNumber,
		Mode:        inode.mode,
		Flags:       inode.flags,
		LinkCount:   inode.linkCount,
		Cell:        inode.cell,
		Fork:        inode.fork.ToDisk(sizeField),
	}

	return
}

// hasBlocks reports whether the inode maps data through its fork.
func (inode *inMemoryInodeStruct) hasBlocks() bool {
	return (0 == (inode.flags & (vlayout.FlagSmallFile | vlayout.FlagTinyFile))) && vlayout.IsRegularOrSymlink(inode.mode)
}

func (inode *inMemoryInodeStruct) accountFreed(blockCount uint64, blockSize uint64) {
	inode.bytes -= blockCount * blockSize
}

func (inode *inMemoryInodeStruct) accountAdded(blockCount uint64, blockSize uint64) {
	inode.bytes += blockCount * blockSize
}

func (volume *volumeStruct) inodeCacheFetchWhileLocked(inodeNumber uint64) (inode *inMemoryInodeStruct, ok bool, err error) {
	value, ok, err := volume.inodeCache.GetByKey(inodeNumber)
	if (nil != err) || !ok {
		return
	}
	inode = value.(*inMemoryInodeStruct)
	return
}

func (volume *volumeStruct) inodeCacheFetch(inodeNumber uint64) (inode *inMemoryInodeStruct, ok bool, err error) {
	volume.Lock()
	inode, ok, err = volume.inodeCacheFetchWhileLocked(inodeNumber)
	volume.Unlock()
	return
}

// inodeCacheAdopt caches inode unless another one with its number already
// is, in which case that one wins and is returned.
func (volume *volumeStruct) inodeCacheAdopt(inode *inMemoryInodeStruct) (canonical *inMemoryInodeStruct, err error) {
	volume.Lock()
	defer volume.Unlock()

	canonical, ok, err := volume.inodeCacheFetchWhileLocked(inode.inodeNumber)
	if (nil != err) || ok {
		return
	}

	_, err = volume.inodeCache.Put(inode.inodeNumber, inode)
	if nil != err {
		return
	}
	canonical = inode

	return
}

func (volume *volumeStruct) inodeCacheDrop(inodeNumber uint64) {
	volume.Lock()
	ok, err := volume.inodeCache.DeleteByKey(inodeNumber)
	volume.Unlock()
	if nil != err {
		logger.ErrorfWithError(err, "volume %s: inode cache drop of %d failed", volume.volumeName, inodeNumber)
	} else if !ok {
		logger.Warnf("volume %s: inode %d was not cached", volume.volumeName, inodeNumber)
	}
}

// fetchInode returns a cached inode. Lookup or Create is what caches one.
func (volume *volumeStruct) fetchInode(inodeNumber uint64) (inode *inMemoryInodeStruct, err error) {
	inode, ok, err := volume.inodeCacheFetch(inodeNumber)
	if nil != err {
		return
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "inode %d is not in memory on volume %s", inodeNumber, volume.volumeName)
		return
	}
	return
}

// lockInode fetches and locks a live inode.
func (volume *volumeStruct) lockInode(inodeNumber uint64) (inode *inMemoryInodeStruct, err error) {
	inode, err = volume.fetchInode(inodeNumber)
	if nil != err {
		return
	}
	inode.Lock()
	if inode.reclaimed {
		inode.Unlock()
		inode = nil
		err = blunder.NewError(blunder.NotFoundError, "inode %d has been reclaimed", inodeNumber)
	}
	return
}

// flushInodeWhileLocked writes the inode's record back to wherever it lives.
// Called inside a transaction with the inode locked.
func (volume *volumeStruct) flushInodeWhileLocked(inode *inMemoryInodeStruct) (err error) {
	fileRecord := inode.toFileRecord()

	switch inode.location {
	case inCatalog:
		err = volume.rewriteCatalogRecord(inode.parentID, inode.name, fileRecord)
	case inOrphanList:
		err = volume.rewriteCatalogRecord(vlayout.OrphanInodesInodeNumber, vlayout.OrphanName(inode.inodeNumber), fileRecord)
	case inHardLinkTree:
		volume.hardLinkTree.Lock()
		var record *hlinktree.Record
		record, err = volume.hardLinkTree.Find(inode.inodeNumber, ordmap.ReadWrite)
		if nil == err {
			record.FileRecord = *fileRecord
			err = record.MarkDirty()
			record.Release()
		}
		volume.hardLinkTree.Unlock()
	}

	if nil != err {
		logger.ErrorfWithError(err, "volume %s: flush of inode %d failed", volume.volumeName, inode.inodeNumber)
		return
	}

	stats.IncrementOperations(&stats.InodeFlushOps)

	return
}

func (volume *volumeStruct) rewriteCatalogRecord(parentID uint64, name string, fileRecord *vlayout.FileRecordV1Struct) (err error) {
	volume.catalogTree.Lock()
	defer volume.catalogTree.Unlock()

	record, err := volume.catalogTree.Find(parentID, name, ordmap.ReadWrite)
	if nil != err {
		return
	}
	record.FileRecord = *fileRecord
	err = record.MarkDirty()
	record.Release()

	return
}

func (volume *volumeStruct) Flush(inodeNumber uint64) (err error) {
	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	volume.headhunterVolumeHandle.StartTransaction()
	defer volume.stopTransaction(&err)

	err = volume.flushInodeWhileLocked(inode)

	return
}

// releaseRuntimeWhileLocked drops every runtime reservation of inode. A
// failure is only logged; the reservations stay on the list.
func (volume *volumeStruct) releaseRuntimeWhileLocked(inode *inMemoryInodeStruct) {
	err := volume.truncateRuntimeWhileLocked(inode, 0)
	if nil != err {
		logger.ErrorfWithError(err, "volume %s: inode %d kept its runtime reservations", volume.volumeName, inode.inodeNumber)
	}
}

// truncateRuntimeWhileLocked gives back the reservations of every runtime
// block at or beyond newSizeInBlocks, then drops them from the list. If the
// allocator refuses, neither the list nor reservedBlockCount changes.
func (volume *volumeStruct) truncateRuntimeWhileLocked(inode *inMemoryInodeStruct, newSizeInBlocks uint64) (err error) {
	doomed := inode.runtime.CountFrom(newSizeInBlocks)
	if 0 == doomed {
		return
	}

	err = volume.allocator.Unreserve(doomed)
	if nil != err {
		logger.ErrorfWithError(err, "volume %s: inode %d could not unreserve %d runtime blocks", volume.volumeName, inode.inodeNumber, doomed)
		return
	}

	released := inode.runtime.TruncateTo(newSizeInBlocks)
	if released != doomed {
		logger.PanicfWithError(blunder.NewError(blunder.CorruptForkError, "counted %d runtime blocks but dropped %d", doomed, released), "inode %d runtime list", inode.inodeNumber)
	}
	inode.reservedBlockCount -= released
	stats.IncrementOperationsBy(&stats.RuntimeBlocksReleased, released)

	return
}
