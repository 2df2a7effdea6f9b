// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/utils"
)

type globalsStruct struct {
	mapMutex               sync.Mutex
	mutexMap               map[*mutexTrack]interface{}
	rwMutexMap             map[*rwMutexTrack]interface{}
	lockHoldTimeLimit      time.Duration
	lockCheckPeriod        time.Duration
	lockWatcherLocksLogged int
	lockCheckTicker        *time.Ticker
	stopChan               chan struct{}
	doneChan               chan struct{}
}

var globals globalsStruct

const stackTraceBufSize = 4040

func captureStack() string {
	var buf [stackTraceBufSize]byte
	cnt := runtime.Stack(buf[:], false)
	return string(buf[:cnt])
}

// mutexTrack tracks a Mutex, or an RWMutex held in exclusive mode.
// lockCnt is 0 when unlocked, -1 when held exclusive, and the reader count
// otherwise.
type mutexTrack struct {
	isWatched  bool
	lockCnt    int32
	lockTime   time.Time
	lockerGoID uint64
	lockStack  string
}

type rwMutexTrack struct {
	tracker         mutexTrack
	sharedStateLock sync.Mutex
	rLockTime       map[uint64]time.Time
	rLockStack      map[uint64]string
}

func (mt *mutexTrack) locked() bool {
	return -1 == atomic.LoadInt32(&mt.lockCnt)
}

func (mt *mutexTrack) lockTrack(wrappedLock interface{}, rwmt *rwMutexTrack) {
	mt.lockTime = time.Now()
	atomic.StoreInt32(&mt.lockCnt, -1)

	if 0 == globals.lockHoldTimeLimit {
		return
	}

	mt.lockStack = captureStack()
	mt.lockerGoID = utils.GetGID()

	if !mt.isWatched && (0 != globals.lockCheckPeriod) {
		globals.mapMutex.Lock()
		if nil != rwmt {
			globals.rwMutexMap[rwmt] = wrappedLock
		} else {
			globals.mutexMap[mt] = wrappedLock
		}
		globals.mapMutex.Unlock()
		mt.isWatched = true
	}
}

func (mt *mutexTrack) unlockTrack(wrappedLock interface{}) {
	if 0 != globals.lockHoldTimeLimit {
		held := time.Since(mt.lockTime)
		if held >= globals.lockHoldTimeLimit {
			lockStr := mt.lockStack
			if "" == lockStr {
				lockStr = "locked before lock tracking enabled\n"
			}
			logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to Lock():\n%s stack at Unlock():\n%s",
				wrappedLock, wrappedLock, held.Seconds(), lockStr, captureStack())
		}
	}

	mt.lockStack = ""
	atomic.StoreInt32(&mt.lockCnt, 0)
}

func (rwmt *rwMutexTrack) rLockTrack(wrappedLock interface{}) {
	rwmt.sharedStateLock.Lock()
	defer rwmt.sharedStateLock.Unlock()

	rwmt.tracker.lockTime = time.Now()
	atomic.AddInt32(&rwmt.tracker.lockCnt, 1)

	if 0 == globals.lockHoldTimeLimit {
		return
	}

	if nil == rwmt.rLockTime {
		rwmt.rLockTime = make(map[uint64]time.Time)
		rwmt.rLockStack = make(map[uint64]string)
	}

	goID := utils.GetGID()
	rwmt.rLockTime[goID] = rwmt.tracker.lockTime
	rwmt.rLockStack[goID] = captureStack()

	if !rwmt.tracker.isWatched && (0 != globals.lockCheckPeriod) {
		globals.mapMutex.Lock()
		globals.rwMutexMap[rwmt] = wrappedLock
		globals.mapMutex.Unlock()
		rwmt.tracker.isWatched = true
	}
}

func (rwmt *rwMutexTrack) rUnlockTrack(wrappedLock interface{}) {
	rwmt.sharedStateLock.Lock()
	defer rwmt.sharedStateLock.Unlock()

	atomic.AddInt32(&rwmt.tracker.lockCnt, -1)

	if nil == rwmt.rLockTime {
		return
	}

	goID := utils.GetGID()

	rLockTime, ok := rwmt.rLockTime[goID]
	if !ok {
		// RUnlock() from a different goroutine than RLock()
		return
	}

	if (0 != globals.lockHoldTimeLimit) && (time.Since(rLockTime) >= globals.lockHoldTimeLimit) {
		logger.Warnf("RUnlock(): %T at %p locked for %f sec; stack at call to RLock():\n%s stack at RUnlock():\n%s",
			wrappedLock, wrappedLock, time.Since(rLockTime).Seconds(), rwmt.rLockStack[goID], captureStack())
	}

	delete(rwmt.rLockTime, goID)
	delete(rwmt.rLockStack, goID)
}

type longLockHolder struct {
	lockPtr      interface{}
	lockTime     time.Time
	lockerGoID   uint64
	lockStackStr string
	lockOp       string
}

// scanForLongHolders collects up to lockWatcherLocksLogged holders that have
// exceeded the limit, oldest first. Idle locks not touched for a whole
// period stop being watched.
func scanForLongHolders(now time.Time) (holders []*longLockHolder) {
	globals.mapMutex.Lock()
	defer globals.mapMutex.Unlock()

	for mt, lockPtr := range globals.mutexMap {
		if !mt.locked() {
			if now.Sub(mt.lockTime) >= globals.lockCheckPeriod {
				mt.isWatched = false
				delete(globals.mutexMap, mt)
			}
			continue
		}
		if now.Sub(mt.lockTime) >= globals.lockHoldTimeLimit {
			holders = append(holders, &longLockHolder{lockPtr, mt.lockTime, mt.lockerGoID, mt.lockStack, "Lock()"})
		}
	}

	for rwmt, lockPtr := range globals.rwMutexMap {
		lockCnt := atomic.LoadInt32(&rwmt.tracker.lockCnt)
		switch {
		case 0 == lockCnt:
			if now.Sub(rwmt.tracker.lockTime) >= globals.lockCheckPeriod {
				rwmt.tracker.isWatched = false
				delete(globals.rwMutexMap, rwmt)
			}
		case 0 > lockCnt:
			if now.Sub(rwmt.tracker.lockTime) >= globals.lockHoldTimeLimit {
				holders = append(holders, &longLockHolder{lockPtr, rwmt.tracker.lockTime, rwmt.tracker.lockerGoID, rwmt.tracker.lockStack, "Lock()"})
			}
		default:
			rwmt.sharedStateLock.Lock()
			for goID, rLockTime := range rwmt.rLockTime {
				if now.Sub(rLockTime) >= globals.lockHoldTimeLimit {
					holders = append(holders, &longLockHolder{lockPtr, rLockTime, goID, rwmt.rLockStack[goID], "RLock()"})
				}
			}
			rwmt.sharedStateLock.Unlock()
		}
	}

	sort.Slice(holders, func(i, j int) bool { return holders[i].lockTime.Before(holders[j].lockTime) })
	if len(holders) > globals.lockWatcherLocksLogged {
		holders = holders[:globals.lockWatcherLocksLogged]
	}

	return
}

func lockWatcher() {
	defer close(globals.doneChan)

	for {
		select {
		case <-globals.stopChan:
			logger.Infof("trackedlock lock watcher shutting down")
			return
		case now := <-globals.lockCheckTicker.C:
			for _, holder := range scanForLongHolders(now) {
				logger.Warnf("trackedlock watcher: %T at %p locked for %f sec by goroutine %d; stack at call to %s:\n%s",
					holder.lockPtr, holder.lockPtr, now.Sub(holder.lockTime).Seconds(),
					holder.lockerGoID, holder.lockOp, holder.lockStackStr)
			}
		}
	}
}
