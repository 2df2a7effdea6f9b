// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package trackedlock provides sync.Mutex and sync.RWMutex work-alikes that
// track how long they are held.
//
// When TrackedLock.LockHoldTimeLimit is non-zero, an Unlock() of a lock held
// longer than the limit logs a warning with the stack of the Lock() call. When
// TrackedLock.LockCheckPeriod is also non-zero, a watcher goroutine wakes up
// each period and logs locks that are still held past the limit, which is
// how a stuck holder gets noticed before it ever unlocks.
//
// Locks may be used before Up() is called. They are simply not tracked until
// the first time they are locked afterwards.
package trackedlock

import (
	"sync"
)

type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      mutexTrack
}

type RWMutex struct {
	wrappedRWMutex sync.RWMutex
	rwTracker      rwMutexTrack
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()
	m.tracker.lockTrack(m, nil)
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)
	m.wrappedMutex.Unlock()
}

func (m *RWMutex) Lock() {
	m.wrappedRWMutex.Lock()
	m.rwTracker.tracker.lockTrack(m, &m.rwTracker)
}

func (m *RWMutex) Unlock() {
	m.rwTracker.tracker.unlockTrack(m)
	m.wrappedRWMutex.Unlock()
}

func (m *RWMutex) RLock() {
	m.wrappedRWMutex.RLock()
	m.rwTracker.rLockTrack(m)
}

func (m *RWMutex) RUnlock() {
	m.rwTracker.rUnlockTrack(m)
	m.wrappedRWMutex.RUnlock()
}

// IsLocked reports whether m is held in exclusive mode.
func (m *RWMutex) IsLocked() bool {
	return m.rwTracker.tracker.locked()
}
