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

func TestHardLinks(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	inodeNumber, err := volumeHandle.CreateFile(testRootID, "first", testFileMode)
	require.NoError(t, err)
	testWriteBlocks(t, volumeHandle, inodeNumber, 0, 1)

	require.NoError(t, volumeHandle.Link(inodeNumber, testRootID, "second"))
	require.NoError(t, volumeHandle.Link(inodeNumber, 100, "third"))

	err = volumeHandle.Link(inodeNumber, testRootID, "second")
	assert.True(t, blunder.Is(err, blunder.FileExistsError))
	err = volumeHandle.Link(inodeNumber, vlayout.OrphanInodesInodeNumber, "x")
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))

	metadata, err := volumeHandle.GetMetadata(inodeNumber)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), metadata.LinkCount)

	volume := testVolume(volumeHandle)
	volume.catalogTree.RLock()
	record, err := volume.catalogTree.Find(testRootID, "first", ordmap.ReadOnly)
	require.NoError(t, err)
	assert.Equal(t, vlayout.FlagHardLink, record.FileRecord.Flags)
	assert.Equal(t, vlayout.ForkV1Struct{}, record.FileRecord.Fork, "stubs carry no fork")
	record.Release()
	volume.catalogTree.RUnlock()

	report := testRequireClean(t, volumeHandle)
	assert.Equal(t, uint64(1), report.HardLinks)
	assert.Equal(t, uint64(1), report.Files)
	assert.Equal(t, uint64(2), report.BlocksInUse)

	// Every name finds the one record after a remount
	volumeHandle = testCleanRemount(t, confMap)
	for _, name := range []struct {
		parentID uint64
		name     string
	}{{testRootID, "first"}, {testRootID, "second"}, {100, "third"}} {
		lookedUp, lookupErr := volumeHandle.Lookup(name.parentID, name.name)
		require.NoError(t, lookupErr)
		assert.Equal(t, inodeNumber, lookedUp)
	}

	metadata, err = volumeHandle.GetMetadata(inodeNumber)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), metadata.LinkCount)
	assert.Equal(t, uint32(2), metadata.TotalBlockCount)

	// Writes through one name land in the shared record
	testWriteBlocks(t, volumeHandle, inodeNumber, 2)

	require.NoError(t, volumeHandle.Unlink(testRootID, "first"))
	require.NoError(t, volumeHandle.Unlink(100, "third"))
	metadata, err = volumeHandle.GetMetadata(inodeNumber)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), metadata.LinkCount)
	assert.Equal(t, uint32(3), metadata.TotalBlockCount)

	report = testRequireClean(t, volumeHandle)
	assert.Equal(t, uint64(3), report.BlocksInUse)

	require.NoError(t, volumeHandle.Unlink(testRootID, "second"))
	_, err = volumeHandle.GetMetadata(inodeNumber)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	volume = testVolume(volumeHandle)
	volume.hardLinkTree.RLock()
	_, err = volume.hardLinkTree.Find(inodeNumber, ordmap.ReadOnly)
	volume.hardLinkTree.RUnlock()
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	report = testRequireClean(t, volumeHandle)
	assert.Zero(t, report.HardLinks)
	assert.Equal(t, uint64(testDataBlocks), report.FreeBlocks)
}

func TestLinkOfOrphanFails(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	inodeNumber, err := volumeHandle.CreateFile(testRootID, "file", testFileMode)
	require.NoError(t, err)
	require.NoError(t, volumeHandle.Open(inodeNumber))
	require.NoError(t, volumeHandle.Unlink(testRootID, "file"))

	err = volumeHandle.Link(inodeNumber, testRootID, "resurrected")
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	require.NoError(t, volumeHandle.Close(inodeNumber))
	err = volumeHandle.Close(inodeNumber)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))
}

func TestHardLinkedOrphanSurvivesCrash(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	inodeNumber, err := volumeHandle.CreateFile(testRootID, "a", testFileMode)
	require.NoError(t, err)
	testWriteBlocks(t, volumeHandle, inodeNumber, 0)
	require.NoError(t, volumeHandle.Link(inodeNumber, testRootID, "b"))

	require.NoError(t, volumeHandle.Open(inodeNumber))
	require.NoError(t, volumeHandle.Unlink(testRootID, "a"))
	require.NoError(t, volumeHandle.Unlink(testRootID, "b"))

	report := testRequireClean(t, volumeHandle)
	assert.Equal(t, uint64(1), report.Orphans)
	assert.Zero(t, report.HardLinks)

	volumeHandle = testCrashAndRemount(t, confMap)
	report = testRequireClean(t, volumeHandle)
	assert.Zero(t, report.Orphans)
	assert.Equal(t, uint64(testDataBlocks), report.FreeBlocks)
}
