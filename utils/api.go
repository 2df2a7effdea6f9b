// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides call-stack and timing helpers shared by vdfs
// packages.
package utils

import (
	"bytes"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var (
	trailingPathElementRE = regexp.MustCompile(`[^\/]*$`)
	leadingPkgNameRE      = regexp.MustCompile(`^[^.]*`)
	trailingFnNameRE      = regexp.MustCompile(`[^.]*$`)
)

// GetGID returns the id of the calling goroutine. It is only ever used to
// annotate log entries when chasing locking problems.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// GetAFnName returns "pkg.Func" for the caller level frames above this one.
func GetAFnName(level int) string {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return "unknown.unknown"
	}
	functionObject := runtime.FuncForPC(pc)
	if nil == functionObject {
		return "unknown.unknown"
	}
	return trailingPathElementRE.FindString(functionObject.Name())
}

// GetFuncPackage splits GetAFnName(level+1) into its function and package
// names and adds the goroutine id.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = leadingPkgNameRE.FindString(funcPkg)
	fn = trailingFnNameRE.FindString(funcPkg)
	gid = GetGID()

	return
}

type Stopwatch struct {
	StartTime   time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	if sw.IsRunning {
		sw.ElapsedTime = time.Since(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if !sw.IsRunning {
		return sw.ElapsedTime
	}
	return time.Since(sw.StartTime)
}

func (sw *Stopwatch) ElapsedMs() int64 {
	return int64(sw.Elapsed() / time.Millisecond)
}
