// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"time"

	"github.com/NVIDIA/vdfs/conf"
	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/transitions"
)

func parseConfMap(confMap conf.ConfMap) {
	var err error

	globals.lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		globals.lockHoldTimeLimit = 0
	}
	if (0 != globals.lockHoldTimeLimit) && (time.Second > globals.lockHoldTimeLimit) {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less than 1 sec; defaulting to '40s'")
		globals.lockHoldTimeLimit = 40 * time.Second
	}

	globals.lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if nil != err {
		globals.lockCheckPeriod = 0
	}
	if (0 != globals.lockCheckPeriod) && (time.Second > globals.lockCheckPeriod) {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less than 1 sec; defaulting to '20s'")
		globals.lockCheckPeriod = 20 * time.Second
	}

	globals.lockWatcherLocksLogged = 16
}

type transitionsCallbackInterfaceStruct struct{}

var transitionsCallbackInterface transitionsCallbackInterfaceStruct

func init() {
	transitions.Register("trackedlock", &transitionsCallbackInterface)
}

func (dummy *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	parseConfMap(confMap)
	startTracking()
	return
}

func startTracking() {
	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v  LockCheckPeriod %v",
		globals.lockHoldTimeLimit, globals.lockCheckPeriod)

	globals.mapMutex.Lock()
	globals.mutexMap = make(map[*mutexTrack]interface{})
	globals.rwMutexMap = make(map[*rwMutexTrack]interface{})
	globals.mapMutex.Unlock()

	if (0 == globals.lockCheckPeriod) || (0 == globals.lockHoldTimeLimit) {
		return
	}

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})
	globals.lockCheckTicker = time.NewTicker(globals.lockCheckPeriod)

	go lockWatcher()
}

func (dummy *transitionsCallbackInterfaceStruct) ServeVolume(confMap conf.ConfMap, volumeName string) (err error) {
	return
}

func (dummy *transitionsCallbackInterfaceStruct) UnserveVolume(confMap conf.ConfMap, volumeName string) (err error) {
	return
}

func (dummy *transitionsCallbackInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	stopTracking()
	return
}

func stopTracking() {
	if nil != globals.lockCheckTicker {
		globals.lockCheckTicker.Stop()
		close(globals.stopChan)
		<-globals.doneChan
		globals.lockCheckTicker = nil
	}
	globals.lockHoldTimeLimit = 0
	globals.lockCheckPeriod = 0

	globals.mapMutex.Lock()
	for mt := range globals.mutexMap {
		mt.isWatched = false
	}
	for rwmt := range globals.rwMutexMap {
		rwmt.tracker.isWatched = false
	}
	globals.mutexMap = nil
	globals.rwMutexMap = nil
	globals.mapMutex.Unlock()
}
