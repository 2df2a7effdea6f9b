// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vdfs/blunder"
)

func testInsertStrayExtent(t *testing.T, volume *volumeStruct, objectID uint64, iblock uint64, blockCount uint32) {
	firstBlock, got, err := volume.allocator.Allocate(blockCount, 0)
	require.NoError(t, err)
	require.Equal(t, blockCount, got)

	volume.headhunterVolumeHandle.StartTransaction()
	volume.extentTree.Lock()
	err = volume.extentTree.Insert(objectID, testForkExtent(iblock, firstBlock, blockCount))
	volume.extentTree.Unlock()
	require.NoError(t, volume.headhunterVolumeHandle.StopTransaction())
	require.NoError(t, err)
}

func TestValidateCatchesTreeExtentBehindShortFork(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	inodeNumber, err := volumeHandle.CreateFile(testRootID, "file", testFileMode)
	require.NoError(t, err)
	testWriteBlocks(t, volumeHandle, inodeNumber, 0)
	require.NoError(t, volumeHandle.Validate(inodeNumber))

	testInsertStrayExtent(t, testVolume(volumeHandle), inodeNumber, 50, 2)

	err = volumeHandle.Validate(inodeNumber)
	assert.True(t, blunder.Is(err, blunder.CorruptForkError))

	report, err := volumeHandle.ValidateVolume()
	require.NoError(t, err)
	assert.NotEmpty(t, report.Problems)
}

func TestValidateCatchesBadAccounting(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	inodeNumber, err := volumeHandle.CreateFile(testRootID, "file", testFileMode)
	require.NoError(t, err)
	testWriteBlocks(t, volumeHandle, inodeNumber, 0, 1)

	inode, err := testVolume(volumeHandle).fetchInode(inodeNumber)
	require.NoError(t, err)

	inode.Lock()
	inode.bytes += testBlockSize
	inode.Unlock()
	err = volumeHandle.Validate(inodeNumber)
	assert.True(t, blunder.Is(err, blunder.CorruptForkError))

	inode.Lock()
	inode.bytes -= testBlockSize
	inode.reservedBlockCount++
	inode.Unlock()
	err = volumeHandle.Validate(inodeNumber)
	assert.True(t, blunder.Is(err, blunder.CorruptForkError))

	inode.Lock()
	inode.reservedBlockCount--
	inode.Unlock()
	require.NoError(t, volumeHandle.Validate(inodeNumber))
}

func TestValidateVolumeCatchesLeaks(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	volume := testVolume(volumeHandle)

	// Blocks gone from free space with nothing owning them
	_, _, err := volume.allocator.Allocate(3, 0)
	require.NoError(t, err)

	report, err := volumeHandle.ValidateVolume()
	require.NoError(t, err)
	require.Len(t, report.Problems, 1)
	assert.Equal(t, uint64(testDataBlocks-3), report.FreeBlocks)
	assert.Zero(t, report.BlocksInUse)

	// Extent tree records for an inode that does not exist
	testInsertStrayExtent(t, volume, 999, 0, 1)

	report, err = volumeHandle.ValidateVolume()
	require.NoError(t, err)
	assert.Len(t, report.Problems, 2)
}
