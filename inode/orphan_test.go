// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/vlayout"
)

// testReleaseRecorder passes everything through, noting cells and inode
// numbers given back.
type testReleaseRecorder struct {
	BlockAllocator
	freedCells        []uint64
	freedInodeNumbers []uint64
}

func (allocator *testReleaseRecorder) FreeCell(cell uint64) (err error) {
	allocator.freedCells = append(allocator.freedCells, cell)
	return allocator.BlockAllocator.FreeCell(cell)
}

func (allocator *testReleaseRecorder) FreeInodeNumber(inodeNumber uint64) (err error) {
	allocator.freedInodeNumbers = append(allocator.freedInodeNumbers, inodeNumber)
	return allocator.BlockAllocator.FreeInodeNumber(inodeNumber)
}

func testInsertOrphanRecord(t *testing.T, volume *volumeStruct, fileRecord *vlayout.FileRecordV1Struct) {
	volume.headhunterVolumeHandle.StartTransaction()
	volume.catalogTree.Lock()
	err := volume.catalogTree.Insert(vlayout.OrphanInodesInodeNumber, vlayout.OrphanName(fileRecord.InodeNumber), fileRecord)
	volume.catalogTree.Unlock()
	require.NoError(t, volume.headhunterVolumeHandle.StopTransaction())
	require.NoError(t, err)
}

func testOrphanRecordExists(t *testing.T, volume *volumeStruct, inodeNumber uint64) bool {
	volume.catalogTree.RLock()
	defer volume.catalogTree.RUnlock()

	record, err := volume.catalogTree.Find(vlayout.OrphanInodesInodeNumber, vlayout.OrphanName(inodeNumber), ordmap.ReadOnly)
	if blunder.Is(err, blunder.NotFoundError) {
		return false
	}
	require.NoError(t, err)
	record.Release()
	return true
}

func TestReclaimOrphansEmpty(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	reclaimedCount, err := volumeHandle.ReclaimOrphans()
	require.NoError(t, err)
	assert.Zero(t, reclaimedCount)
}

func TestReclaimSmallOrphan(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	volume := testVolume(volumeHandle)

	testInsertOrphanRecord(t, volume, &vlayout.FileRecordV1Struct{
		InodeNumber: 42,
		Mode:        testFileMode,
		Flags:       vlayout.FlagSmallFile,
		Cell:        7,
	})

	recorder := &testReleaseRecorder{BlockAllocator: volume.allocator}
	volume.allocator = recorder

	reclaimedCount, err := volumeHandle.ReclaimOrphans()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reclaimedCount)

	assert.Equal(t, []uint64{7}, recorder.freedCells)
	assert.Equal(t, []uint64{42}, recorder.freedInodeNumbers)
	assert.False(t, testOrphanRecordExists(t, volume, 42))
}

func TestUnlinkReclaimsAtOnce(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	inodeNumber, err := volumeHandle.CreateFile(testRootID, "file", testFileMode)
	require.NoError(t, err)
	testWriteBlocks(t, volumeHandle, inodeNumber, testEvenIBlocks(15)...)

	require.NoError(t, volumeHandle.Unlink(testRootID, "file"))

	_, err = volumeHandle.Lookup(testRootID, "file")
	assert.True(t, blunder.Is(err, blunder.NotFoundError))
	_, err = volumeHandle.GetMetadata(inodeNumber)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	report := testRequireClean(t, volumeHandle)
	assert.Zero(t, report.Orphans)
	assert.Zero(t, report.Files)
	assert.Equal(t, uint64(testDataBlocks), report.FreeBlocks)

	// The number comes back around
	reusedInodeNumber, err := volumeHandle.CreateFile(testRootID, "again", testFileMode)
	require.NoError(t, err)
	assert.Equal(t, inodeNumber, reusedInodeNumber)
}

func TestOpenOrphanLivesUntilClose(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	inodeNumber, err := volumeHandle.CreateFile(testRootID, "file", testFileMode)
	require.NoError(t, err)
	testWriteBlocks(t, volumeHandle, inodeNumber, 0, 1, 2)

	require.NoError(t, volumeHandle.Open(inodeNumber))
	require.NoError(t, volumeHandle.Unlink(testRootID, "file"))

	metadata, err := volumeHandle.GetMetadata(inodeNumber)
	require.NoError(t, err)
	assert.True(t, metadata.Orphaned)
	assert.Zero(t, metadata.LinkCount)

	// Still readable and still growable
	_, ok, err := volumeHandle.MapBlock(inodeNumber, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	testWriteBlocks(t, volumeHandle, inodeNumber, 3)
	require.NoError(t, volumeHandle.Truncate(inodeNumber, testBlockSize))

	report := testRequireClean(t, volumeHandle)
	assert.Equal(t, uint64(1), report.Orphans)
	assert.Equal(t, uint64(1), report.BlocksInUse)

	// Open orphans are left for their last Close
	reclaimedCount, err := volumeHandle.ReclaimOrphans()
	require.NoError(t, err)
	assert.Zero(t, reclaimedCount)

	// Arming again changes nothing
	require.NoError(t, volumeHandle.ArmOrphan(inodeNumber))

	require.NoError(t, volumeHandle.Close(inodeNumber))

	_, err = volumeHandle.GetMetadata(inodeNumber)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))
	report = testRequireClean(t, volumeHandle)
	assert.Zero(t, report.Orphans)
	assert.Equal(t, uint64(testDataBlocks), report.FreeBlocks)
}

func TestCrashedOrphansReclaimedAtMount(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	regularInodeNumber, err := volumeHandle.CreateFile(testRootID, "regular", testFileMode)
	require.NoError(t, err)
	testWriteBlocks(t, volumeHandle, regularInodeNumber, testEvenIBlocks(15)...)
	smallInodeNumber, err := volumeHandle.CreateSmallFile(testRootID, "small", testFileMode)
	require.NoError(t, err)
	tinyInodeNumber, err := volumeHandle.CreateTinyFile(testRootID, "tiny", testFileMode)
	require.NoError(t, err)
	keptInodeNumber, err := volumeHandle.CreateFile(testRootID, "kept", testFileMode)
	require.NoError(t, err)
	testWriteBlocks(t, volumeHandle, keptInodeNumber, 0)

	for name, inodeNumber := range map[string]uint64{"regular": regularInodeNumber, "small": smallInodeNumber, "tiny": tinyInodeNumber} {
		require.NoError(t, volumeHandle.Open(inodeNumber))
		require.NoError(t, volumeHandle.Unlink(testRootID, name))
	}

	report := testRequireClean(t, volumeHandle)
	assert.Equal(t, uint64(3), report.Orphans)

	volumeHandle = testCrashAndRemount(t, confMap)

	report = testRequireClean(t, volumeHandle)
	assert.Zero(t, report.Orphans)
	assert.Equal(t, uint64(1), report.Files)
	assert.Equal(t, uint64(testDataBlocks-1), report.FreeBlocks)

	volume := testVolume(volumeHandle)
	assert.Equal(t, uint64(testCellCount), volume.allocator.FreeCellCount())
	extentCount, _, err := volume.extentTree.CountForObject(regularInodeNumber)
	require.NoError(t, err)
	assert.Zero(t, extentCount)

	keptLookup, err := volumeHandle.Lookup(testRootID, "kept")
	require.NoError(t, err)
	assert.Equal(t, keptInodeNumber, keptLookup)
}

func TestSweepStepsPastOpenOrphans(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	volume := testVolume(volumeHandle)

	openInodeNumber, err := volumeHandle.CreateTinyFile(testRootID, "open", testFileMode)
	require.NoError(t, err)
	require.NoError(t, volumeHandle.Open(openInodeNumber))
	require.NoError(t, volumeHandle.Unlink(testRootID, "open"))

	// "16" sorts before "500"
	testInsertOrphanRecord(t, volume, &vlayout.FileRecordV1Struct{InodeNumber: 500, Mode: vlayout.ModeFIFO | 0600, Flags: vlayout.FlagTinyFile})

	reclaimedCount, err := volumeHandle.ReclaimOrphans()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reclaimedCount)
	assert.True(t, testOrphanRecordExists(t, volume, openInodeNumber))
	assert.False(t, testOrphanRecordExists(t, volume, 500))
}

func TestKillOrphanWhileOpen(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	inodeNumber, err := volumeHandle.CreateSmallFile(testRootID, "small", testFileMode)
	require.NoError(t, err)

	err = volumeHandle.KillOrphan(inodeNumber)
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))
	err = volumeHandle.ArmOrphan(inodeNumber)
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))

	require.NoError(t, volumeHandle.Open(inodeNumber))
	require.NoError(t, volumeHandle.Unlink(testRootID, "small"))
	assert.Equal(t, uint64(testCellCount-1), testVolume(volumeHandle).allocator.FreeCellCount())

	require.NoError(t, volumeHandle.KillOrphan(inodeNumber))
	assert.Equal(t, uint64(testCellCount), testVolume(volumeHandle).allocator.FreeCellCount())

	// The open handle is stale now
	err = volumeHandle.Close(inodeNumber)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	testRequireClean(t, volumeHandle)
}

func TestOrphanReleaseFailureIsRetried(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	inodeNumber, err := volumeHandle.CreateFile(testRootID, "file", testFileMode)
	require.NoError(t, err)
	testWriteBlocks(t, volumeHandle, inodeNumber, 0, 2, 4)
	require.NoError(t, volumeHandle.Open(inodeNumber))
	require.NoError(t, volumeHandle.Unlink(testRootID, "file"))

	volume := testVolume(volumeHandle)
	realAllocator := volume.allocator
	volume.allocator = &testRecordingAllocator{BlockAllocator: realAllocator, failOnFree: 2}

	err = volumeHandle.KillOrphan(inodeNumber)
	assert.True(t, blunder.Is(err, blunder.AllocatorError))
	volume.allocator = realAllocator

	// The orphan record now shows only what is still owned
	assert.True(t, testOrphanRecordExists(t, volume, inodeNumber))
	require.NoError(t, volumeHandle.Validate(inodeNumber))
	report := testRequireClean(t, volumeHandle)
	assert.Equal(t, uint64(2), report.BlocksInUse)

	require.NoError(t, volumeHandle.Close(inodeNumber))
	report = testRequireClean(t, volumeHandle)
	assert.Zero(t, report.Orphans)
	assert.Equal(t, uint64(testDataBlocks), report.FreeBlocks)
}

// A file whose extents overflowed into the extent tree fails to release
// part way, either among its tree records or among its fork slots. The
// orphan record left behind must still parse, so the next mount finishes it.
func TestOrphanPartialReleaseSurvivesCrash(t *testing.T) {
	for _, tc := range []struct {
		name        string
		failOnFree  int
		blocksLeft  uint64
		forkExtents int
		treeExtents uint64
	}{
		{"TreeExtent", 2, 11, vlayout.ForkExtentCount, 2},
		{"ForkExtent", 5, 8, vlayout.ForkExtentCount - 1, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			confMap, volumeHandle := testSetup(t)
			defer testTeardown(t, confMap)

			inodeNumber, err := volumeHandle.CreateFile(testRootID, "file", testFileMode)
			require.NoError(t, err)
			testWriteBlocks(t, volumeHandle, inodeNumber, testEvenIBlocks(12)...)
			require.NoError(t, volumeHandle.Open(inodeNumber))
			require.NoError(t, volumeHandle.Unlink(testRootID, "file"))

			volume := testVolume(volumeHandle)
			realAllocator := volume.allocator
			volume.allocator = &testRecordingAllocator{BlockAllocator: realAllocator, failOnFree: tc.failOnFree}

			err = volumeHandle.KillOrphan(inodeNumber)
			assert.True(t, blunder.Is(err, blunder.AllocatorError))
			volume.allocator = realAllocator

			volume.catalogTree.RLock()
			record, err := volume.catalogTree.Find(vlayout.OrphanInodesInodeNumber, vlayout.OrphanName(inodeNumber), ordmap.ReadOnly)
			require.NoError(t, err)
			fileRecord := record.FileRecord
			record.Release()
			volume.catalogTree.RUnlock()

			kind, err := ClassifyOrphan(&fileRecord)
			require.NoError(t, err)
			regular, ok := kind.(RegularOrphan)
			require.True(t, ok)
			assert.Equal(t, uint32(tc.blocksLeft), regular.Fork.TotalBlockCount)
			assert.Equal(t, tc.forkExtents, regular.Fork.UsedExtents)

			extentCount, _, err := volume.extentTree.CountForObject(inodeNumber)
			require.NoError(t, err)
			assert.Equal(t, tc.treeExtents, extentCount)

			require.NoError(t, volumeHandle.Validate(inodeNumber))
			report := testRequireClean(t, volumeHandle)
			assert.Equal(t, tc.blocksLeft, report.BlocksInUse)
			assert.Equal(t, uint64(1), report.Orphans)

			volumeHandle = testCrashAndRemount(t, confMap)
			report = testRequireClean(t, volumeHandle)
			assert.Zero(t, report.Orphans)
			assert.Equal(t, uint64(testDataBlocks), report.FreeBlocks)
		})
	}
}

func TestClassifyOrphan(t *testing.T) {
	kind, err := ClassifyOrphan(&vlayout.FileRecordV1Struct{Mode: testFileMode, Flags: vlayout.FlagSmallFile, Cell: 3})
	require.NoError(t, err)
	assert.Equal(t, SmallOrphan{Cell: 3}, kind)

	kind, err = ClassifyOrphan(&vlayout.FileRecordV1Struct{Mode: testFileMode, Flags: vlayout.FlagTinyFile})
	require.NoError(t, err)
	assert.Equal(t, TinyOrSpecialOrphan{}, kind)

	kind, err = ClassifyOrphan(&vlayout.FileRecordV1Struct{Mode: vlayout.ModeSocket})
	require.NoError(t, err)
	assert.Equal(t, TinyOrSpecialOrphan{}, kind)

	fileRecord := &vlayout.FileRecordV1Struct{Mode: vlayout.ModeSymlink}
	fileRecord.Fork.TotalBlockCount = 2
	fileRecord.Fork.Extents[0] = testForkExtent(0, 300, 2)
	kind, err = ClassifyOrphan(fileRecord)
	require.NoError(t, err)
	regular, ok := kind.(RegularOrphan)
	require.True(t, ok)
	assert.Equal(t, uint32(2), regular.Fork.TotalBlockCount)

	fileRecord.Fork.TotalBlockCount = 1
	_, err = ClassifyOrphan(fileRecord)
	assert.True(t, blunder.Is(err, blunder.CorruptForkError))
}
