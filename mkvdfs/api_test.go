// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package mkvdfs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vdfs/headhunter"
)

func TestFormatModes(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "volume.db")

	confStrings := []string{
		"Logging.LogToConsole=false",
		"Volume:TestVolume.DatabasePath=" + databasePath,
		"Volume:TestVolume.TotalBlocks=256",
		"Volume:TestVolume.BlockSize=1024",
		"Volume:TestVolume.SmallFileCellCount=8",
	}

	exists, err := headhunter.VolumeExists(databasePath)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, Format(ModeNew, "TestVolume", "", confStrings))

	exists, err = headhunter.VolumeExists(databasePath)
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Error(t, Format(ModeNew, "TestVolume", "", confStrings))
	assert.NoError(t, Format(ModeOnlyIfNeeded, "TestVolume", "", confStrings))
	assert.NoError(t, Format(ModeReformat, "TestVolume", "", confStrings))

	assert.Error(t, Format(Mode(7), "TestVolume", "", confStrings))
}

func TestSuperBlockFromConfMapRejectsBadGeometry(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "volume.db")

	for _, bad := range [][]string{
		{"Volume:V.DatabasePath=" + databasePath},
		{"Volume:V.DatabasePath=" + databasePath, "Volume:V.TotalBlocks=64", "Volume:V.BlockSize=1000"},
		{"Volume:V.DatabasePath=" + databasePath, "Volume:V.TotalBlocks=64", "Volume:V.SmallFileCellSize=8192"},
		{"Volume:V.DatabasePath=" + databasePath, "Volume:V.TotalBlocks=8", "Volume:V.FirstDataBlock=8"},
	} {
		err := Format(ModeNew, "V", "", append([]string{"Logging.LogToConsole=false"}, bad...))
		assert.Error(t, err, "%v", bad)
	}

	exists, err := headhunter.VolumeExists(databasePath)
	require.NoError(t, err)
	assert.False(t, exists)
}
