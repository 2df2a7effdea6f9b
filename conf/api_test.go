// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateFromString(t *testing.T) {
	assert := assert.New(t)

	confMap := MakeConfMap()

	assert.NoError(confMap.UpdateFromString("Volume:CommonVolume.BlockSize=4096"))
	assert.NoError(confMap.UpdateFromString("FSGlobals.VolumeList = A, B C"))
	assert.NoError(confMap.UpdateFromString("Logging.TraceLevelLogging :"))

	blockSize, err := confMap.FetchOptionValueUint32("Volume:CommonVolume", "BlockSize")
	assert.NoError(err)
	assert.Equal(uint32(4096), blockSize)

	volumeList, err := confMap.FetchOptionValueStringSlice("FSGlobals", "VolumeList")
	assert.NoError(err)
	assert.Equal([]string{"A", "B", "C"}, volumeList)

	traceList, err := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	assert.NoError(err)
	assert.Empty(traceList)

	_, err = confMap.FetchOptionValueString("FSGlobals", "VolumeList")
	assert.Error(err)

	assert.Error(confMap.UpdateFromString(""))
	assert.Error(confMap.UpdateFromString("NoDotHere=1"))
}

func TestFetchConversions(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"S.Yes=on",
		"S.No=False",
		"S.Bad=maybe",
		"S.Hex=0x10",
		"S.Big=70000",
		"S.Dur=250ms",
		"S.Secs=1.5",
	})
	require.NoError(t, err)

	b, err := confMap.FetchOptionValueBool("S", "Yes")
	assert.NoError(err)
	assert.True(b)
	b, err = confMap.FetchOptionValueBool("S", "No")
	assert.NoError(err)
	assert.False(b)
	_, err = confMap.FetchOptionValueBool("S", "Bad")
	assert.Error(err)

	u64, err := confMap.FetchOptionValueUint64("S", "Hex")
	assert.NoError(err)
	assert.Equal(uint64(16), u64)

	_, err = confMap.FetchOptionValueUint16("S", "Big")
	assert.Error(err)

	d, err := confMap.FetchOptionValueDuration("S", "Dur")
	assert.NoError(err)
	assert.Equal(250*time.Millisecond, d)
	d, err = confMap.FetchOptionValueDuration("S", "Secs")
	assert.NoError(err)
	assert.Equal(1500*time.Millisecond, d)

	_, err = confMap.FetchOptionValueString("Missing", "Option")
	assert.Error(err)
	_, err = confMap.FetchOptionValueString("S", "Missing")
	assert.Error(err)
}

func TestUpdateFromFileWithInclude(t *testing.T) {
	dir := t.TempDir()

	included := filepath.Join(dir, "included.conf")
	require.NoError(t, ioutil.WriteFile(included, []byte("[Volume:Included]\nBlockSize : 512\n"), 0644))

	top := filepath.Join(dir, "top.conf")
	require.NoError(t, ioutil.WriteFile(top, []byte(
		"# comment line\n"+
			"[FSGlobals] ; trailing comment\n"+
			"VolumeList = Included\n"+
			"\n"+
			".include included.conf\n"+
			"[Logging]\n"+
			"LogToConsole = true # trailing comment\n"), 0644))

	confMap, err := MakeConfMapFromFile(top)
	require.NoError(t, err)

	volumeList, err := confMap.FetchOptionValueStringSlice("FSGlobals", "VolumeList")
	assert.NoError(t, err)
	assert.Equal(t, []string{"Included"}, volumeList)

	blockSize, err := confMap.FetchOptionValueUint32("Volume:Included", "BlockSize")
	assert.NoError(t, err)
	assert.Equal(t, uint32(512), blockSize)

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	assert.NoError(t, err)
	assert.True(t, logToConsole)

	noNewline := filepath.Join(dir, "bad.conf")
	require.NoError(t, ioutil.WriteFile(noNewline, []byte("[S]\nO=1"), 0644))
	_, err = MakeConfMapFromFile(noNewline)
	assert.Error(t, err)

	orphanOption := filepath.Join(dir, "orphan.conf")
	require.NoError(t, ioutil.WriteFile(orphanOption, []byte("O=1\n"), 0644))
	_, err = MakeConfMapFromFile(orphanOption)
	assert.Error(t, err)
}
