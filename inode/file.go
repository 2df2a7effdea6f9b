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

func (volume *volumeStruct) CreateFile(parentID uint64, name string, mode uint32) (inodeNumber uint64, err error) {
	if !vlayout.IsRegularOrSymlink(mode) {
		err = blunder.NewError(blunder.InvalidArgError, "CreateFile() of mode 0%o", mode)
		return
	}
	inodeNumber, err = volume.createInode(parentID, name, mode, 0, 0, 0)
	return
}

// CreateSmallFile creates a regular file whose data lives in one cell.
func (volume *volumeStruct) CreateSmallFile(parentID uint64, name string, mode uint32) (inodeNumber uint64, err error) {
	if vlayout.ModeRegular != (mode & vlayout.ModeTypeMask) {
		err = blunder.NewError(blunder.InvalidArgError, "CreateSmallFile() of mode 0%o", mode)
		return
	}

	volume.headhunterVolumeHandle.StartTransaction()
	defer volume.stopTransaction(&err)

	cell, err := volume.allocator.AllocCell()
	if nil != err {
		return
	}

	inodeNumber, err = volume.createInode(parentID, name, mode, vlayout.FlagSmallFile, cell, 0)
	if nil != err {
		freeErr := volume.allocator.FreeCell(cell)
		if nil != freeErr {
			logger.ErrorfWithError(freeErr, "volume %s: could not give back cell %d", volume.volumeName, cell)
		}
	}

	return
}

// CreateTinyFile creates an inode whose data, if any, lives in the record.
// Fifos and sockets are created this way too.
func (volume *volumeStruct) CreateTinyFile(parentID uint64, name string, mode uint32) (inodeNumber uint64, err error) {
	if (vlayout.ModeDir == (mode & vlayout.ModeTypeMask)) || vlayout.IsDevice(mode) {
		err = blunder.NewError(blunder.InvalidArgError, "CreateTinyFile() of mode 0%o", mode)
		return
	}
	inodeNumber, err = volume.createInode(parentID, name, mode, vlayout.FlagTinyFile, 0, 0)
	return
}

func (volume *volumeStruct) CreateDevice(parentID uint64, name string, mode uint32, major uint32, minor uint32) (inodeNumber uint64, err error) {
	if !vlayout.IsDevice(mode) {
		err = blunder.NewError(blunder.InvalidArgError, "CreateDevice() of mode 0%o", mode)
		return
	}
	inodeNumber, err = volume.createInode(parentID, name, mode, 0, 0, vlayout.DeviceID(major, minor))
	return
}

func (volume *volumeStruct) createInode(parentID uint64, name string, mode uint32, flags uint32, cell uint64, deviceID uint64) (inodeNumber uint64, err error) {
	if (vlayout.OrphanInodesInodeNumber == parentID) || ("" == name) {
		err = blunder.NewError(blunder.InvalidArgError, "cannot create %q under parent %d", name, parentID)
		return
	}

	volume.headhunterVolumeHandle.StartTransaction()
	defer volume.stopTransaction(&err)

	inodeNumber, err = volume.allocator.AllocInodeNumber()
	if nil != err {
		return
	}

	inode := &inMemoryInodeStruct{
		inodeNumber: inodeNumber,
		mode:        mode,
		flags:       flags,
		linkCount:   1,
		cell:        cell,
		deviceID:    deviceID,
		fork:        &Fork{},
		runtime:     NewRuntimeExtentList(),
		location:    inCatalog,
		parentID:    parentID,
		name:        name,
	}

	volume.catalogTree.Lock()
	err = volume.catalogTree.Insert(parentID, name, inode.toFileRecord())
	volume.catalogTree.Unlock()
	if nil != err {
		freeErr := volume.allocator.FreeInodeNumber(inodeNumber)
		if nil != freeErr {
			logger.ErrorfWithError(freeErr, "volume %s: could not give back inode number %d", volume.volumeName, inodeNumber)
		}
		inodeNumber = 0
		return
	}

	_, err = volume.inodeCacheAdopt(inode)
	if nil != err {
		return
	}

	stats.IncrementOperations(&stats.InodeCreateOps)

	return
}

// Lookup resolves a name, bringing its inode into memory. Names of a hard
// linked inode are stubs that point into the hard-link tree.
func (volume *volumeStruct) Lookup(parentID uint64, name string) (inodeNumber uint64, err error) {
	volume.catalogTree.RLock()
	record, err := volume.catalogTree.Find(parentID, name, ordmap.ReadOnly)
	if nil != err {
		volume.catalogTree.RUnlock()
		return
	}
	fileRecord := record.FileRecord
	record.Release()
	volume.catalogTree.RUnlock()

	inodeNumber = fileRecord.InodeNumber

	_, cached, err := volume.inodeCacheFetch(inodeNumber)
	if (nil != err) || cached {
		return
	}

	location := inCatalog
	if 0 != (fileRecord.Flags & vlayout.FlagHardLink) {
		location = inHardLinkTree
		volume.hardLinkTree.RLock()
		linkRecord, findErr := volume.hardLinkTree.Find(inodeNumber, ordmap.ReadOnly)
		if nil != findErr {
			volume.hardLinkTree.RUnlock()
			err = blunder.AddError(findErr, blunder.CorruptForkError)
			logger.ErrorfWithError(err, "volume %s: %q under %d is a stub with no hard-link record", volume.volumeName, name, parentID)
			return
		}
		fileRecord = linkRecord.FileRecord
		linkRecord.Release()
		volume.hardLinkTree.RUnlock()
		parentID = 0
		name = ""
	}

	inode, err := volume.makeInMemoryInode(&fileRecord, location, parentID, name)
	if nil != err {
		return
	}
	_, err = volume.inodeCacheAdopt(inode)

	return
}

// Link gives inodeNumber another name. The first extra name moves the file
// record into the hard-link tree and leaves stubs in the catalog.
func (volume *volumeStruct) Link(inodeNumber uint64, parentID uint64, name string) (err error) {
	if vlayout.OrphanInodesInodeNumber == parentID {
		err = blunder.NewError(blunder.InvalidArgError, "cannot link into the orphan list")
		return
	}

	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	if inOrphanList == inode.location {
		err = blunder.NewError(blunder.NotFoundError, "inode %d has no names left", inodeNumber)
		return
	}

	volume.headhunterVolumeHandle.StartTransaction()
	defer volume.stopTransaction(&err)

	stub := &vlayout.FileRecordV1Struct{
		InodeNumber: inodeNumber,
		Mode:        inode.mode,
		Flags:       vlayout.FlagHardLink,
	}

	volume.catalogTree.Lock()
	err = volume.catalogTree.Insert(parentID, name, stub)
	volume.catalogTree.Unlock()
	if nil != err {
		return
	}

	inode.linkCount++

	if inHardLinkTree == inode.location {
		err = volume.flushInodeWhileLocked(inode)
		return
	}

	volume.hardLinkTree.Lock()
	err = volume.hardLinkTree.Insert(inode.toFileRecord())
	volume.hardLinkTree.Unlock()
	if nil != err {
		return
	}

	err = volume.rewriteCatalogRecord(inode.parentID, inode.name, stub)
	if nil != err {
		return
	}

	inode.location = inHardLinkTree
	inode.parentID = 0
	inode.name = ""

	return
}

// Unlink removes a name. Losing the last one arms the inode as an orphan,
// which is reclaimed at once unless it is open.
func (volume *volumeStruct) Unlink(parentID uint64, name string) (err error) {
	inodeNumber, err := volume.Lookup(parentID, name)
	if nil != err {
		return
	}

	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	volume.headhunterVolumeHandle.StartTransaction()
	defer volume.stopTransaction(&err)

	volume.catalogTree.Lock()
	err = volume.catalogTree.Remove(parentID, name)
	volume.catalogTree.Unlock()
	if nil != err {
		return
	}

	if inCatalog == inode.location {
		inode.linkCount = 0
	} else if 0 < inode.linkCount {
		inode.linkCount--
	}

	if 0 < inode.linkCount {
		err = volume.flushInodeWhileLocked(inode)
		return
	}

	err = volume.armOrphanWhileLocked(inode)
	if nil != err {
		return
	}

	if 0 == inode.openCount {
		err = volume.killOrphanWhileLocked(inode)
	}

	return
}

func (volume *volumeStruct) Open(inodeNumber uint64) (err error) {
	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	inode.openCount++
	inode.Unlock()
	return
}

// Close drops a handle. The last Close of an armed orphan reclaims it.
func (volume *volumeStruct) Close(inodeNumber uint64) (err error) {
	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	if 0 == inode.openCount {
		err = blunder.NewError(blunder.InvalidArgError, "inode %d is not open", inodeNumber)
		return
	}

	inode.openCount--

	if (0 == inode.openCount) && (inOrphanList == inode.location) {
		err = volume.killOrphanWhileLocked(inode)
	}

	return
}

func (volume *volumeStruct) GetMetadata(inodeNumber uint64) (metadata *MetadataStruct, err error) {
	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	metadata = &MetadataStruct{
		InodeNumber:        inode.inodeNumber,
		Mode:               inode.mode,
		Flags:              inode.flags,
		LinkCount:          inode.linkCount,
		OpenCount:          inode.openCount,
		Size:               inode.size,
		DeviceID:           inode.deviceID,
		Cell:               inode.cell,
		Bytes:              inode.bytes,
		TotalBlockCount:    inode.fork.TotalBlockCount,
		UsedForkExtents:    inode.fork.UsedExtents,
		RuntimeBlockCount:  inode.runtime.Count(),
		ReservedBlockCount: inode.reservedBlockCount,
		Orphaned:           inOrphanList == inode.location,
	}

	return
}

// ReserveBlock sets one free block aside for iblock without mapping it. The
// reservation lives in memory until CommitRuntime, Truncate or unmount.
func (volume *volumeStruct) ReserveBlock(inodeNumber uint64, iblock uint64, allocHint uint64) (err error) {
	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	if !inode.hasBlocks() {
		err = blunder.NewError(blunder.InvalidArgError, "inode %d does not map blocks", inodeNumber)
		return
	}
	if iblock >= vlayout.IBlockMax {
		err = blunder.NewError(blunder.InvalidArgError, "inode %d: iblock %d out of range", inodeNumber, iblock)
		return
	}

	_, mapped, err := volume.mapBlockWhileLocked(inode, iblock)
	if nil != err {
		return
	}
	if mapped || inode.runtime.Exists(iblock) {
		err = blunder.NewError(blunder.FileExistsError, "inode %d: iblock %d already backed", inodeNumber, iblock)
		return
	}

	err = volume.allocator.Reserve(1)
	if nil != err {
		return
	}

	err = inode.runtime.Add(iblock, allocHint)
	if nil != err {
		unreserveErr := volume.allocator.Unreserve(1)
		if nil != unreserveErr {
			logger.ErrorfWithError(unreserveErr, "volume %s: inode %d could not unreserve", volume.volumeName, inodeNumber)
		}
		return
	}

	inode.reservedBlockCount++

	if (iblock+1)*volume.blockSize > inode.size {
		inode.size = (iblock + 1) * volume.blockSize
	}

	return
}

// CommitRuntime turns every runtime reservation of the inode into mapped
// extents, allocating against the reservations.
func (volume *volumeStruct) CommitRuntime(inodeNumber uint64) (committedBlockCount uint64, err error) {
	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	if !inode.hasBlocks() {
		return
	}

	runtimeExtents := inode.runtime.Extents()
	if 0 == len(runtimeExtents) {
		return
	}

	volume.headhunterVolumeHandle.StartTransaction()
	defer volume.stopTransaction(&err)

	for _, runtimeExtent := range runtimeExtents {
		iblock := runtimeExtent.IBlock
		remaining := runtimeExtent.BlockCount
		hint := runtimeExtent.AllocHint

		for 0 < remaining {
			var (
				firstBlock uint64
				got        uint32
			)

			firstBlock, got, err = volume.allocator.AllocateReserved(remaining, hint)
			if nil != err {
				break
			}

			volume.extentTree.Lock()
			err = volume.insertExtentWhileTreeLocked(inode, iblock, firstBlock, got)
			volume.extentTree.Unlock()
			if nil != err {
				// Put the blocks and their reservation back
				freeErr := volume.allocator.Free(firstBlock, got, 0)
				if nil == freeErr {
					freeErr = volume.allocator.Reserve(uint64(got))
				}
				if nil != freeErr {
					logger.ErrorfWithError(freeErr, "volume %s: inode %d lost %d blocks at %d", volume.volumeName, inodeNumber, got, firstBlock)
				}
				break
			}

			for offset := uint64(0); offset < uint64(got); offset++ {
				inode.runtime.Remove(iblock + offset)
			}
			inode.reservedBlockCount -= uint64(got)
			committedBlockCount += uint64(got)

			iblock += uint64(got)
			remaining -= got
			hint = firstBlock + uint64(got)
		}
		if nil != err {
			break
		}
	}

	if 0 < committedBlockCount {
		flushErr := volume.flushInodeWhileLocked(inode)
		if nil == err {
			err = flushErr
		}
	}

	return
}

func (volume *volumeStruct) MapBlock(inodeNumber uint64, iblock uint64) (physicalBlock uint64, ok bool, err error) {
	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	if !inode.hasBlocks() {
		return
	}

	physicalBlock, ok, err = volume.mapBlockWhileLocked(inode, iblock)

	return
}

func (volume *volumeStruct) RuntimeExtents(inodeNumber uint64) (runtimeExtents []RuntimeExtent, err error) {
	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	runtimeExtents = inode.runtime.Extents()
	inode.Unlock()
	return
}
