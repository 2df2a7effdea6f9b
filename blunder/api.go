// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder annotates Go errors with an errno-style FsError value.
//
// It is implemented on top of https://github.com/ansel1/merry, which also
// captures a stack trace at the point the error is created.
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/vdfs/logger"
)

type FsError int

// Errors that map to linux/POSIX errnos.
const (
	NotPermError    FsError = FsError(int(unix.EPERM))
	NotFoundError   FsError = FsError(int(unix.ENOENT))
	IOError         FsError = FsError(int(unix.EIO))
	FileExistsError FsError = FsError(int(unix.EEXIST))
	NotDirError     FsError = FsError(int(unix.ENOTDIR))
	IsDirError      FsError = FsError(int(unix.EISDIR))
	InvalidArgError FsError = FsError(int(unix.EINVAL))
	NoSpaceError    FsError = FsError(int(unix.ENOSPC))
	TooManyLinks    FsError = FsError(int(unix.EMLINK))
	NotEmptyError   FsError = FsError(int(unix.ENOTEMPTY))
	DevBusyError    FsError = FsError(int(unix.EBUSY))
)

// Aliases of the above.
const (
	NotFileError        FsError = IsDirError
	BadMountVolumeError FsError = InvalidArgError
)

const SuccessError FsError = 0

// Errors internal to vdfs with no errno equivalent.
const (
	UnpackError FsError = 1000 + iota
	PackError
	// CorruptForkError reports a persisted fork (or file record) that failed
	// validation. The inode it belongs to cannot be trusted.
	CorruptForkError
	// AllocatorError reports a failure of the free-space manager. Space
	// accounting may no longer match the free list.
	AllocatorError
	CorruptNodeError
)

const (
	successErrno = 0
	failureErrno = -1
)

func (err FsError) Value() int {
	return int(err)
}

func (err FsError) String() string {
	switch err {
	case SuccessError:
		return "SuccessError"
	case UnpackError:
		return "UnpackError"
	case PackError:
		return "PackError"
	case CorruptForkError:
		return "CorruptForkError"
	case AllocatorError:
		return "AllocatorError"
	case CorruptNodeError:
		return "CorruptNodeError"
	}
	return unix.ErrnoName(unix.Errno(err))
}

// NewError creates a merry error carrying errValue.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError attaches errValue to e, creating an error if e is nil.
func AddError(e error, errValue FsError) error {
	if nil == e {
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if (successErrno != prevValue) && (failureErrno != prevValue) && (int(errValue) != prevValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts the FsError value of e as an int. Errors never passed
// through this package yield -1.
func Errno(e error) int {
	if nil == e {
		return successErrno
	}

	errno := failureErrno
	if tmp := merry.Value(e, "errno"); nil != tmp {
		errno = tmp.(int)
	}

	return errno
}

func ErrorString(e error) string {
	if nil == e {
		return ""
	}

	if tmp := merry.Value(e, "errno"); nil != tmp {
		return fmt.Sprintf("%s. Error Value: %v", e.Error(), FsError(tmp.(int)))
	}

	return e.Error()
}

// Is reports whether e carries theError. FsErrors sharing an errno (see the
// aliases above) cannot be told apart.
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// Details returns the error message together with the stack captured when
// it was created.
func Details(e error) string {
	return merry.Details(e)
}
