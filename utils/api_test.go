// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetFuncPackage(t *testing.T) {
	fn, pkg, gid := GetFuncPackage(0)

	assert.Equal(t, "TestGetFuncPackage", fn)
	assert.Equal(t, "utils", pkg)
	assert.NotZero(t, gid)

	assert.Equal(t, "utils.TestGetFuncPackage", GetAFnName(0))
}

func TestStopwatch(t *testing.T) {
	sw := NewStopwatch()
	assert.True(t, sw.IsRunning)

	time.Sleep(2 * time.Millisecond)

	elapsed := sw.Stop()
	assert.False(t, sw.IsRunning)
	assert.True(t, elapsed >= 2*time.Millisecond)
	assert.Equal(t, elapsed, sw.Elapsed())
	assert.Equal(t, elapsed, sw.Stop())
}
