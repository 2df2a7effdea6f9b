// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers on top of
// https://github.com/sirupsen/logrus.
//
// Every entry is annotated with the package, function and goroutine of the
// caller. Trace logging is enabled on a per-package basis via the
// Logging.TraceLevelLogging option.
package logger

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/vdfs/utils"
)

type Level int

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	// TraceLevel entries are emitted at logrus.InfoLevel, and only for
	// packages named in Logging.TraceLevelLogging.
	TraceLevel
)

const (
	packageKey  = "package"
	functionKey = "function"
	errorKey    = "error"
	gidKey      = "goroutine"
)

// Packages eligible for trace logging. Naming a package absent from this
// map in Logging.TraceLevelLogging has no effect.
var packageTraceSettings = map[string]bool{
	"exttree":    false,
	"fsm":        false,
	"headhunter": false,
	"inode":      false,
	"logger":     false,
	"ordmap":     false,
}

var traceLevelEnabled = false

// FuncCtx carries the fields shared by the log calls of one function.
type FuncCtx struct {
	funcContext *log.Entry
}

const backtraceOneLevel = 1

func newFuncCtx(level int, fields log.Fields) (ctx *FuncCtx) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	if nil == fields {
		fields = make(log.Fields)
	}
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}
	return
}

func (ctx *FuncCtx) getPackage() string {
	pkg, _ := ctx.funcContext.Data[packageKey].(string)
	return pkg
}

func traceEnabled(pkg string) bool {
	return packageTraceSettings[pkg]
}

func logEnabled(level Level) bool {
	return (TraceLevel != level) || traceLevelEnabled
}

func logf(level Level, err error, format string, args ...interface{}) {
	var (
		ctx    *FuncCtx
		fields log.Fields
	)

	if !logEnabled(level) {
		return
	}

	if nil != err {
		fields = log.Fields{errorKey: err}
	}

	// Skip logf and the exported wrapper
	ctx = newFuncCtx(backtraceOneLevel+1, fields)
	ctx.log(level, fmt.Sprintf(format, args...))
}

func (ctx FuncCtx) log(level Level, msg string) {
	if (TraceLevel == level) && !traceEnabled(ctx.getPackage()) {
		return
	}

	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(msg)
	case FatalLevel:
		ctx.funcContext.Fatal(msg)
	case ErrorLevel:
		ctx.funcContext.Error(msg)
	case WarnLevel:
		ctx.funcContext.Warn(msg)
	default:
		ctx.funcContext.Info(msg)
	}
}

func Errorf(format string, args ...interface{}) {
	logf(ErrorLevel, nil, format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logf(FatalLevel, nil, format, args...)
}

func Infof(format string, args ...interface{}) {
	logf(InfoLevel, nil, format, args...)
}

func Tracef(format string, args ...interface{}) {
	logf(TraceLevel, nil, format, args...)
}

func Warnf(format string, args ...interface{}) {
	logf(WarnLevel, nil, format, args...)
}

func ErrorWithError(err error, args ...interface{}) {
	logf(ErrorLevel, err, "%s", fmt.Sprint(args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	logf(ErrorLevel, err, format, args...)
}

// PanicfWithError logs and then panics. It is reserved for broken internal
// invariants, never for conditions a caller could handle.
func PanicfWithError(err error, format string, args ...interface{}) {
	logf(PanicLevel, err, format, args...)
}

func WarnfWithError(err error, format string, args ...interface{}) {
	logf(WarnLevel, err, format, args...)
}

// TraceEnter logs entry to the calling function when trace logging is
// enabled for its package. Pair it with a deferred TraceExitErr.
func TraceEnter(argsPrefix string, args ...interface{}) (ctx FuncCtx) {
	ctx = *newFuncCtx(backtraceOneLevel, nil)
	if traceLevelEnabled {
		ctx.log(TraceLevel, fmt.Sprintf(">> called %s %+v", argsPrefix, args))
	}
	return
}

func (ctx *FuncCtx) TraceExitErr(argsPrefix string, err error, args ...interface{}) {
	if traceLevelEnabled {
		ctx.funcContext = ctx.funcContext.WithField(errorKey, err)
		ctx.log(TraceLevel, fmt.Sprintf("<< returning %s %+v", argsPrefix, args))
	}
}
