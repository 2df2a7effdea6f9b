// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"strings"
	"sync"
)

// LogBuffer holds the most recent log lines. LogEntries[0] is the newest.
type LogBuffer struct {
	sync.Mutex
	LogEntries   []string
	TotalEntries int
}

// LogTarget is an io.Writer capturing recent log lines, for test cases.
type LogTarget struct {
	LogBuf *LogBuffer
}

// Init sizes the target to hold up to nEntry lines.
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{LogEntries: make([]string, nEntry)}
}

func (target LogTarget) Write(p []byte) (n int, err error) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	target.LogBuf.TotalEntries++
	copy(target.LogBuf.LogEntries[1:], target.LogBuf.LogEntries[:len(target.LogBuf.LogEntries)-1])
	target.LogBuf.LogEntries[0] = string(p)

	n = len(p)
	return
}

// Contains reports whether any retained line contains substr.
func (target LogTarget) Contains(substr string) bool {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	for _, entry := range target.LogBuf.LogEntries {
		if "" != entry && strings.Contains(entry, substr) {
			return true
		}
	}
	return false
}
