// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"fmt"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/exttree"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/vlayout"
)

// Validate checks the accounting of one in-memory inode against its fork and
// its extent tree records.
func (volume *volumeStruct) Validate(inodeNumber uint64) (err error) {
	inode, err := volume.lockInode(inodeNumber)
	if nil != err {
		return
	}
	defer inode.Unlock()

	fork := inode.fork

	if !inode.hasBlocks() {
		if (0 != fork.UsedExtents) || (0 != fork.TotalBlockCount) {
			err = corruptFork("inode %d maps %d blocks but cannot own any", inodeNumber, fork.TotalBlockCount)
		}
		return
	}

	volume.extentTree.RLock()
	extentCount, treeBlockCount, err := volume.extentTree.CountForObject(inodeNumber)
	var firstTreeIBlock uint64
	if (nil == err) && (0 < extentCount) {
		var record *exttree.Record
		record, err = volume.extentTree.FindFirst(inodeNumber, ordmap.ReadOnly)
		if nil == err {
			firstTreeIBlock = record.IBlock()
			record.Release()
		}
	}
	volume.extentTree.RUnlock()
	if nil != err {
		return
	}

	switch {
	case (0 < extentCount) && !fork.isFull():
		err = corruptFork("inode %d has %d tree extents behind a fork with %d used slots", inodeNumber, extentCount, fork.UsedExtents)
	case (0 < extentCount) && (firstTreeIBlock < fork.lastEnd()):
		err = corruptFork("inode %d tree extent at %d lies below the fork end %d", inodeNumber, firstTreeIBlock, fork.lastEnd())
	case fork.blockSum()+treeBlockCount != uint64(fork.TotalBlockCount):
		err = corruptFork("inode %d maps %d+%d blocks but accounts for %d", inodeNumber, fork.blockSum(), treeBlockCount, fork.TotalBlockCount)
	case inode.bytes != uint64(fork.TotalBlockCount)*volume.blockSize:
		err = corruptFork("inode %d bytes %d disagree with %d blocks", inodeNumber, inode.bytes, fork.TotalBlockCount)
	case inode.runtime.Count() != inode.reservedBlockCount:
		err = corruptFork("inode %d holds %d runtime blocks but %d reservations", inodeNumber, inode.runtime.Count(), inode.reservedBlockCount)
	}

	return
}

type catalogEntry struct {
	key        vlayout.CatalogKeyV1Struct
	fileRecord vlayout.FileRecordV1Struct
}

func (volume *volumeStruct) collectCatalog() (entries []catalogEntry, err error) {
	volume.catalogTree.RLock()
	defer volume.catalogTree.RUnlock()

	record, err := volume.catalogTree.First(ordmap.ReadOnly)
	for nil == err {
		entries = append(entries, catalogEntry{key: record.Key, fileRecord: record.FileRecord})
		nextRecord, nextErr := volume.catalogTree.Next(record)
		record.Release()
		record, err = nextRecord, nextErr
	}
	if blunder.Is(err, blunder.NotFoundError) {
		err = nil
	}
	return
}

func (volume *volumeStruct) collectHardLinks() (fileRecords map[uint64]vlayout.FileRecordV1Struct, err error) {
	fileRecords = make(map[uint64]vlayout.FileRecordV1Struct)

	volume.hardLinkTree.RLock()
	defer volume.hardLinkTree.RUnlock()

	record, err := volume.hardLinkTree.Tree.First(ordmap.ReadOnly)
	for nil == err {
		fileRecords[record.Key.(uint64)] = record.Value.(vlayout.FileRecordV1Struct)
		nextRecord, nextErr := volume.hardLinkTree.Tree.Next(record)
		record.Release()
		record, err = nextRecord, nextErr
	}
	if blunder.Is(err, blunder.NotFoundError) {
		err = nil
	}
	return
}

// checkFileRecord parses fileRecord and checks its extents against the
// extent tree and the free-space manager. Returns how many blocks it owns.
func (volume *volumeStruct) checkFileRecord(fileRecord *vlayout.FileRecordV1Struct, cellsInUse map[uint64]struct{}, report *FsckReport) (blockCount uint64) {
	problem := func(format string, args ...interface{}) {
		report.Problems = append(report.Problems, fmt.Sprintf("inode %d: ", fileRecord.InodeNumber)+fmt.Sprintf(format, args...))
	}

	if 0 != (fileRecord.Flags & vlayout.FlagSmallFile) {
		if _, ok := cellsInUse[fileRecord.Cell]; ok {
			problem("cell %d is used twice", fileRecord.Cell)
		}
		cellsInUse[fileRecord.Cell] = struct{}{}
	}

	fork, _, _, err := ParseFork(&fileRecord.Fork, fileRecord.Mode)
	if nil != err {
		problem("%v", err)
		return
	}

	var extents []vlayout.ExtentV1Struct
	for slot := 0; slot < fork.UsedExtents; slot++ {
		extents = append(extents, fork.Extents[slot].Extent)
	}

	volume.extentTree.RLock()
	record, err := volume.extentTree.FindFirst(fileRecord.InodeNumber, ordmap.ReadOnly)
	for nil == err {
		extents = append(extents, record.Extent)
		if !fork.isFull() {
			problem("tree extent at %d behind a fork with %d used slots", record.IBlock(), fork.UsedExtents)
		}
		nextRecord, nextErr := volume.extentTree.Next(record)
		record.Release()
		record, err = nextRecord, nextErr
		if (nil == err) && (fileRecord.InodeNumber != record.ObjectID()) {
			record.Release()
			err = blunder.NewError(blunder.NotFoundError, "end of object")
		}
	}
	volume.extentTree.RUnlock()
	if blunder.IsNot(err, blunder.NotFoundError) {
		problem("extent tree walk: %v", err)
	}

	for _, extent := range extents {
		blockCount += uint64(extent.BlockCount)
		allocated, isAllocatedErr := volume.allocator.IsAllocated(extent.FirstBlock, extent.BlockCount)
		switch {
		case nil != isAllocatedErr:
			problem("extent [%d+%d]: %v", extent.FirstBlock, extent.BlockCount, isAllocatedErr)
		case !allocated:
			problem("extent [%d+%d] overlaps free space", extent.FirstBlock, extent.BlockCount)
		}
	}

	if blockCount != uint64(fork.TotalBlockCount) {
		problem("maps %d blocks but accounts for %d", blockCount, fork.TotalBlockCount)
	}

	return
}

// extentOwners returns every object id found in the extent tree.
func (volume *volumeStruct) extentOwners() (owners map[uint64]struct{}, err error) {
	owners = make(map[uint64]struct{})

	volume.extentTree.RLock()
	defer volume.extentTree.RUnlock()

	record, err := volume.extentTree.First(ordmap.ReadOnly)
	for nil == err {
		owners[record.ObjectID()] = struct{}{}
		nextRecord, nextErr := volume.extentTree.Next(record)
		record.Release()
		record, err = nextRecord, nextErr
	}
	if blunder.Is(err, blunder.NotFoundError) {
		err = nil
	}
	return
}

// ValidateVolume checks every persisted file record of the volume: link
// counts against catalog stubs, orphan names, extents against the free-space
// manager, and block and cell totals. Problems are reported, not fixed; err
// is only set when the walk itself fails.
func (volume *volumeStruct) ValidateVolume() (report *FsckReport, err error) {
	report = &FsckReport{}

	entries, err := volume.collectCatalog()
	if nil != err {
		return
	}
	hardLinks, err := volume.collectHardLinks()
	if nil != err {
		return
	}
	owners, err := volume.extentOwners()
	if nil != err {
		return
	}

	cellsInUse := make(map[uint64]struct{})
	stubCounts := make(map[uint64]uint32)
	known := make(map[uint64]struct{})

	for index := range entries {
		entry := &entries[index]
		fileRecord := &entry.fileRecord

		switch {
		case vlayout.OrphanInodesInodeNumber == entry.key.ParentID:
			report.Orphans++
			inodeNumber, parseErr := vlayout.ParseOrphanName(entry.key.Name)
			if (nil != parseErr) || (inodeNumber != fileRecord.InodeNumber) {
				report.Problems = append(report.Problems, fmt.Sprintf("orphan entry %q holds inode %d", entry.key.Name, fileRecord.InodeNumber))
			}
		case 0 != (fileRecord.Flags & vlayout.FlagHardLink):
			stubCounts[fileRecord.InodeNumber]++
			continue
		default:
			report.Files++
			if 1 != fileRecord.LinkCount {
				report.Problems = append(report.Problems, fmt.Sprintf("inode %d: catalog record with link count %d", fileRecord.InodeNumber, fileRecord.LinkCount))
			}
		}

		known[fileRecord.InodeNumber] = struct{}{}
		report.BlocksInUse += volume.checkFileRecord(fileRecord, cellsInUse, report)
	}

	for inodeNumber, fileRecord := range hardLinks {
		report.Files++
		report.HardLinks++
		if stubCounts[inodeNumber] != fileRecord.LinkCount {
			report.Problems = append(report.Problems, fmt.Sprintf("inode %d: %d names but link count %d", inodeNumber, stubCounts[inodeNumber], fileRecord.LinkCount))
		}
		known[inodeNumber] = struct{}{}
		report.BlocksInUse += volume.checkFileRecord(&fileRecord, cellsInUse, report)
	}

	for inodeNumber := range stubCounts {
		if _, ok := hardLinks[inodeNumber]; !ok {
			report.Problems = append(report.Problems, fmt.Sprintf("inode %d: catalog stubs without a hard-link record", inodeNumber))
		}
	}

	for inodeNumber := range owners {
		if _, ok := known[inodeNumber]; !ok {
			report.Problems = append(report.Problems, fmt.Sprintf("inode %d: extent tree records with no file record", inodeNumber))
		}
	}

	superBlock := volume.headhunterVolumeHandle.FetchSuperBlock()

	report.DataBlocks = superBlock.TotalBlocks - superBlock.FirstDataBlock
	report.FreeBlocks = volume.allocator.FreeBlockCount()
	if report.BlocksInUse+report.FreeBlocks != report.DataBlocks {
		report.Problems = append(report.Problems, fmt.Sprintf("%d blocks in use and %d free, but the volume has %d", report.BlocksInUse, report.FreeBlocks, report.DataBlocks))
	}

	freeCells := volume.allocator.FreeCellCount()
	if uint64(len(cellsInUse))+freeCells != superBlock.CellCount {
		report.Problems = append(report.Problems, fmt.Sprintf("%d cells in use and %d free, but the volume has %d", len(cellsInUse), freeCells, superBlock.CellCount))
	}

	return
}
