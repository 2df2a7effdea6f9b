// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fsm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/conf"
	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/mkvdfs"
	"github.com/NVIDIA/vdfs/transitions"
	"github.com/NVIDIA/vdfs/vlayout"
)

const (
	testVolumeName     = "TestVolume"
	testTotalBlocks    = 1024
	testFirstDataBlock = 16
	testCellCount      = 4
)

func testSetup(t *testing.T) (confMap conf.ConfMap, volumeHandle headhunter.VolumeHandle, manager *Manager) {
	confStrings := []string{
		"Logging.LogToConsole=false",
		"FSGlobals.VolumeList=" + testVolumeName,
		"Volume:" + testVolumeName + ".DatabasePath=" + filepath.Join(t.TempDir(), "volume.db"),
		"Volume:" + testVolumeName + ".TotalBlocks=1024",
		"Volume:" + testVolumeName + ".FirstDataBlock=16",
		"Volume:" + testVolumeName + ".SmallFileCellCount=4",
		"Volume:" + testVolumeName + ".NoSync=true",
	}

	require.NoError(t, mkvdfs.Format(mkvdfs.ModeNew, testVolumeName, "", confStrings))

	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	require.NoError(t, err)
	require.NoError(t, transitions.Up(confMap))

	volumeHandle, err = headhunter.FetchVolumeHandle(testVolumeName)
	require.NoError(t, err)

	manager, err = New(volumeHandle, 4, nil)
	require.NoError(t, err)

	return
}

func testTeardown(t *testing.T, confMap conf.ConfMap) {
	require.NoError(t, transitions.Down(confMap))
}

func TestSeededAndAllocate(t *testing.T) {
	confMap, _, manager := testSetup(t)
	defer testTeardown(t, confMap)

	assert.Equal(t, uint64(testTotalBlocks-testFirstDataBlock), manager.FreeBlockCount())
	assert.Equal(t, uint64(testCellCount), manager.FreeCellCount())

	first, got, err := manager.Allocate(10, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(testFirstDataBlock), first)
	assert.Equal(t, uint32(10), got)

	// Hint inside the free run is honoured
	first, got, err = manager.Allocate(5, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), first)
	assert.Equal(t, uint32(5), got)

	allocated, err := manager.IsAllocated(100, 5)
	require.NoError(t, err)
	assert.True(t, allocated)
	allocated, err = manager.IsAllocated(99, 2)
	require.NoError(t, err)
	assert.False(t, allocated)

	assert.Equal(t, uint64(testTotalBlocks-testFirstDataBlock-15), manager.FreeBlockCount())

	require.NoError(t, manager.Free(100, 5, 0))
	require.NoError(t, manager.Free(testFirstDataBlock, 10, 0))
	assert.Equal(t, uint64(testTotalBlocks-testFirstDataBlock), manager.FreeBlockCount())

	// Everything coalesced back into one run
	first, got, err = manager.Allocate(testTotalBlocks, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(testFirstDataBlock), first)
	assert.Equal(t, uint32(testTotalBlocks-testFirstDataBlock), got)

	_, _, err = manager.Allocate(1, 0)
	assert.True(t, blunder.Is(err, blunder.NoSpaceError))
}

func TestAllocateFallsBackToLongestRun(t *testing.T) {
	confMap, _, manager := testSetup(t)
	defer testTeardown(t, confMap)

	first, got, err := manager.Allocate(testTotalBlocks-testFirstDataBlock, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(testTotalBlocks-testFirstDataBlock), got)

	require.NoError(t, manager.Free(first+10, 3, 0))
	require.NoError(t, manager.Free(first+100, 7, 0))
	require.NoError(t, manager.Free(first+500, 4, 0))

	// Nothing at or after the hint, so the scan wraps to the first run that fits
	start, got, err := manager.Allocate(4, first+600)
	require.NoError(t, err)
	assert.Equal(t, first+100, start)
	assert.Equal(t, uint32(4), got)

	// No run holds 20; the longest one is handed out whole
	start, got, err = manager.Allocate(20, first+600)
	require.NoError(t, err)
	assert.Equal(t, first+500, start)
	assert.Equal(t, uint32(4), got)

	assert.Equal(t, uint64(6), manager.FreeBlockCount())
}

func TestFreeRejectsDoubleFree(t *testing.T) {
	confMap, _, manager := testSetup(t)
	defer testTeardown(t, confMap)

	first, _, err := manager.Allocate(8, 0)
	require.NoError(t, err)

	require.NoError(t, manager.Free(first, 4, 0))
	assert.True(t, blunder.Is(manager.Free(first, 4, 0), blunder.AllocatorError))
	assert.True(t, blunder.Is(manager.Free(first+2, 4, 0), blunder.AllocatorError))
	assert.True(t, blunder.Is(manager.Free(0, 1, 0), blunder.AllocatorError))
	assert.True(t, blunder.Is(manager.Free(testTotalBlocks, 1, 0), blunder.AllocatorError))
	assert.True(t, blunder.Is(manager.Free(first+4, 4, 1), blunder.InvalidArgError))
	require.NoError(t, manager.Free(first+4, 4, 0))
}

func TestReservations(t *testing.T) {
	confMap, _, manager := testSetup(t)
	defer testTeardown(t, confMap)

	free := manager.FreeBlockCount()

	require.NoError(t, manager.Reserve(free-2))
	assert.True(t, blunder.Is(manager.Reserve(3), blunder.NoSpaceError))

	first, got, err := manager.Allocate(10, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got)

	_, _, err = manager.Allocate(1, 0)
	assert.True(t, blunder.Is(err, blunder.NoSpaceError))

	_, got, err = manager.AllocateReserved(5, first)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got)
	assert.Equal(t, free-7, manager.ReservedBlockCount())

	assert.True(t, blunder.Is(manager.Unreserve(free), blunder.AllocatorError))
	require.NoError(t, manager.Unreserve(free-7))
	assert.Zero(t, manager.ReservedBlockCount())
}

func TestCells(t *testing.T) {
	confMap, _, manager := testSetup(t)
	defer testTeardown(t, confMap)

	cells := make([]uint64, 0, testCellCount)
	for i := 0; i < testCellCount; i++ {
		cell, err := manager.AllocCell()
		require.NoError(t, err)
		cells = append(cells, cell)
	}
	assert.Equal(t, []uint64{0, 1, 2, 3}, cells)

	_, err := manager.AllocCell()
	assert.True(t, blunder.Is(err, blunder.NoSpaceError))

	require.NoError(t, manager.FreeCell(2))
	require.NoError(t, manager.FreeCell(2))
	assert.Equal(t, uint64(1), manager.FreeCellCount())

	assert.True(t, blunder.Is(manager.FreeCell(testCellCount), blunder.AllocatorError))
}

func TestInodeNumbersAndPersistence(t *testing.T) {
	confMap, volumeHandle, manager := testSetup(t)
	defer testTeardown(t, confMap)

	volumeHandle.StartTransaction()
	first, err := manager.AllocInodeNumber()
	require.NoError(t, err)
	second, err := manager.AllocInodeNumber()
	require.NoError(t, err)
	assert.Equal(t, vlayout.FirstUserInodeNumber, first)
	assert.Equal(t, first+1, second)

	require.NoError(t, manager.FreeInodeNumber(first))
	assert.True(t, blunder.Is(manager.FreeInodeNumber(first), blunder.AllocatorError))

	_, _, err = manager.Allocate(100, 0)
	require.NoError(t, err)
	require.NoError(t, volumeHandle.StopTransaction())

	// Reopening from the checkpoint sees the same free state, no reseeding
	reopened, err := New(volumeHandle, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(testTotalBlocks-testFirstDataBlock-100), reopened.FreeBlockCount())

	reused, err := reopened.AllocInodeNumber()
	require.NoError(t, err)
	assert.Equal(t, first, reused)

	fresh, err := reopened.AllocInodeNumber()
	require.NoError(t, err)
	assert.Equal(t, second+1, fresh)
}
