// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package hlinktree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/conf"
	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/mkvdfs"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/transitions"
	"github.com/NVIDIA/vdfs/vlayout"
)

const testVolumeName = "TestVolume"

func testSetup(t *testing.T) (confMap conf.ConfMap, volumeHandle headhunter.VolumeHandle) {
	confStrings := []string{
		"Logging.LogToConsole=false",
		"FSGlobals.VolumeList=" + testVolumeName,
		"Volume:" + testVolumeName + ".DatabasePath=" + filepath.Join(t.TempDir(), "volume.db"),
		"Volume:" + testVolumeName + ".TotalBlocks=4096",
		"Volume:" + testVolumeName + ".NoSync=true",
	}

	require.NoError(t, mkvdfs.Format(mkvdfs.ModeNew, testVolumeName, "", confStrings))

	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	require.NoError(t, err)
	require.NoError(t, transitions.Up(confMap))

	volumeHandle, err = headhunter.FetchVolumeHandle(testVolumeName)
	require.NoError(t, err)

	return
}

func testTeardown(t *testing.T, confMap conf.ConfMap) {
	require.NoError(t, transitions.Down(confMap))
}

func TestHardLinkRecords(t *testing.T) {
	confMap, volumeHandle := testSetup(t)
	defer testTeardown(t, confMap)

	tree, err := New(volumeHandle, 4, nil)
	require.NoError(t, err)

	fileRecord := &vlayout.FileRecordV1Struct{
		InodeNumber: 42,
		Mode:        vlayout.ModeRegular | 0644,
		LinkCount:   2,
	}
	fileRecord.Fork.Size = 8192
	fileRecord.Fork.TotalBlockCount = 2
	fileRecord.Fork.Extents[0] = vlayout.ForkExtentV1Struct{IBlock: 0, Extent: vlayout.ExtentV1Struct{FirstBlock: 300, BlockCount: 2}}

	volumeHandle.StartTransaction()
	tree.Lock()
	require.NoError(t, tree.Insert(fileRecord))
	assert.True(t, blunder.Is(tree.Insert(fileRecord), blunder.FileExistsError))
	tree.Unlock()
	require.NoError(t, volumeHandle.StopTransaction())

	tree.RLock()
	record, err := tree.Find(42, ordmap.ReadOnly)
	require.NoError(t, err)
	assert.Equal(t, *fileRecord, record.FileRecord)
	record.Release()
	_, err = tree.Find(43, ordmap.ReadOnly)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))
	tree.RUnlock()

	volumeHandle.StartTransaction()
	tree.Lock()
	record, err = tree.Find(42, ordmap.ReadWrite)
	require.NoError(t, err)
	record.FileRecord.LinkCount = 1
	require.NoError(t, record.MarkDirty())
	record.Release()
	tree.Unlock()
	require.NoError(t, volumeHandle.StopTransaction())

	// A fresh tree instance reads what the checkpoint wrote
	reopened, err := New(volumeHandle, 4, nil)
	require.NoError(t, err)

	reopened.Lock()
	record, err = reopened.Find(42, ordmap.ReadOnly)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), record.FileRecord.LinkCount)
	assert.Equal(t, uint64(300), record.FileRecord.Fork.Extents[0].Extent.FirstBlock)
	record.Release()

	require.NoError(t, reopened.Remove(42))
	assert.True(t, blunder.Is(reopened.Remove(42), blunder.NotFoundError))
	reopened.Unlock()
}
