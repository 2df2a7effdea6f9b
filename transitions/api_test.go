// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vdfs/conf"
)

type testCallbacksStruct struct {
	name string
	log  *[]string
}

var testCallLog []string

func init() {
	Register("testA", &testCallbacksStruct{"A", &testCallLog})
	Register("testB", &testCallbacksStruct{"B", &testCallLog})
}

func (cb *testCallbacksStruct) Up(confMap conf.ConfMap) (err error) {
	*cb.log = append(*cb.log, cb.name+".Up")
	return
}

func (cb *testCallbacksStruct) ServeVolume(confMap conf.ConfMap, volumeName string) (err error) {
	*cb.log = append(*cb.log, fmt.Sprintf("%s.ServeVolume(%s)", cb.name, volumeName))
	return
}

func (cb *testCallbacksStruct) UnserveVolume(confMap conf.ConfMap, volumeName string) (err error) {
	*cb.log = append(*cb.log, fmt.Sprintf("%s.UnserveVolume(%s)", cb.name, volumeName))
	return
}

func (cb *testCallbacksStruct) Down(confMap conf.ConfMap) (err error) {
	*cb.log = append(*cb.log, cb.name+".Down")
	return
}

func TestUpSignaledDown(t *testing.T) {
	testCallLog = nil

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"FSGlobals.VolumeList=V1,V2",
	})
	require.NoError(t, err)

	require.NoError(t, Up(confMap))
	assert.Equal(t, []string{
		"A.Up", "B.Up",
		"A.ServeVolume(V1)", "B.ServeVolume(V1)",
		"A.ServeVolume(V2)", "B.ServeVolume(V2)",
	}, testCallLog)
	assert.Equal(t, []string{"V1", "V2"}, ServedVolumes())

	testCallLog = nil
	require.NoError(t, confMap.UpdateFromString("FSGlobals.VolumeList=V2,V3"))
	require.NoError(t, Signaled(confMap))
	assert.Equal(t, []string{
		"B.UnserveVolume(V1)", "A.UnserveVolume(V1)",
		"A.ServeVolume(V3)", "B.ServeVolume(V3)",
	}, testCallLog)
	assert.Equal(t, []string{"V2", "V3"}, ServedVolumes())

	testCallLog = nil
	require.NoError(t, Down(confMap))
	assert.Equal(t, []string{
		"B.UnserveVolume(V3)", "A.UnserveVolume(V3)",
		"B.UnserveVolume(V2)", "A.UnserveVolume(V2)",
		"B.Down", "A.Down",
	}, testCallLog)
	assert.Empty(t, ServedVolumes())
}

func TestDuplicateVolume(t *testing.T) {
	confMap, err := conf.MakeConfMapFromStrings([]string{
		"FSGlobals.VolumeList=V1,V1",
	})
	require.NoError(t, err)

	assert.Error(t, Up(confMap))
	assert.NoError(t, Down(confMap))
}
