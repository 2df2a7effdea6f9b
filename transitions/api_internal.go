// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/vdfs/conf"
	"github.com/NVIDIA/vdfs/logger"
)

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex
	registrationList []*registrationItemStruct
	registrationSet  map[string]*registrationItemStruct // Key: registrationItemStruct.packageName
	upCount          int                                // number of registrationList entries that completed Up()
	servedVolumeList []string
}

var globals globalsStruct

func init() {
	globals.registrationSet = make(map[string]*registrationItemStruct)
}

func register(packageName string, callbacks Callbacks) {
	globals.Lock()
	defer globals.Unlock()

	if _, alreadyRegistered := globals.registrationSet[packageName]; alreadyRegistered {
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
	}

	registrationItem := &registrationItemStruct{packageName, callbacks}
	globals.registrationList = append(globals.registrationList, registrationItem)
	globals.registrationSet[packageName] = registrationItem
}

func fetchVolumeList(confMap conf.ConfMap) (volumeList []string, err error) {
	volumeList, err = confMap.FetchOptionValueStringSlice("FSGlobals", "VolumeList")
	if nil != err {
		// No FSGlobals section simply means no volumes
		volumeList = []string{}
		err = nil
	}

	seen := make(map[string]struct{})
	for _, volumeName := range volumeList {
		if _, dup := seen[volumeName]; dup {
			err = fmt.Errorf("FSGlobals.VolumeList contains %s more than once", volumeName)
			return
		}
		seen[volumeName] = struct{}{}
	}

	return
}

func serveVolume(confMap conf.ConfMap, volumeName string) (err error) {
	for _, registrationItem := range globals.registrationList {
		err = registrationItem.callbacks.ServeVolume(confMap, volumeName)
		if nil != err {
			err = fmt.Errorf("%s.ServeVolume(,%s) failed: %v", registrationItem.packageName, volumeName, err)
			return
		}
	}
	globals.servedVolumeList = append(globals.servedVolumeList, volumeName)
	logger.Infof("transitions: serving volume %s", volumeName)
	return
}

func unserveVolume(confMap conf.ConfMap, volumeName string) (err error) {
	for i := len(globals.registrationList) - 1; i >= 0; i-- {
		registrationItem := globals.registrationList[i]
		err = registrationItem.callbacks.UnserveVolume(confMap, volumeName)
		if nil != err {
			err = fmt.Errorf("%s.UnserveVolume(,%s) failed: %v", registrationItem.packageName, volumeName, err)
			return
		}
	}
	for i, servedVolumeName := range globals.servedVolumeList {
		if servedVolumeName == volumeName {
			globals.servedVolumeList = append(globals.servedVolumeList[:i], globals.servedVolumeList[i+1:]...)
			break
		}
	}
	logger.Infof("transitions: no longer serving volume %s", volumeName)
	return
}

func up(confMap conf.ConfMap) (err error) {
	var volumeList []string

	err = logger.Up(confMap)
	if nil != err {
		return
	}

	defer func() {
		if nil == err {
			logger.Infof("transitions.Up() returning successfully")
		} else {
			logger.Errorf("transitions.Up() returning with failure: %v", err)
		}
	}()

	volumeList, err = fetchVolumeList(confMap)
	if nil != err {
		return
	}

	globals.Lock()
	defer globals.Unlock()

	globals.upCount = 0
	globals.servedVolumeList = []string{}

	for _, registrationItem := range globals.registrationList {
		err = registrationItem.callbacks.Up(confMap)
		if nil != err {
			err = fmt.Errorf("%s.Up() failed: %v", registrationItem.packageName, err)
			return
		}
		globals.upCount++
	}

	for _, volumeName := range volumeList {
		err = serveVolume(confMap, volumeName)
		if nil != err {
			return
		}
	}

	return
}

func signaled(confMap conf.ConfMap) (err error) {
	var (
		newVolumeList []string
		newVolumeSet  = make(map[string]struct{})
		oldVolumeSet  = make(map[string]struct{})
		toUnserve     []string
	)

	newVolumeList, err = fetchVolumeList(confMap)
	if nil != err {
		return
	}

	globals.Lock()
	defer globals.Unlock()

	for _, volumeName := range newVolumeList {
		newVolumeSet[volumeName] = struct{}{}
	}
	for _, volumeName := range globals.servedVolumeList {
		oldVolumeSet[volumeName] = struct{}{}
		if _, ok := newVolumeSet[volumeName]; !ok {
			toUnserve = append(toUnserve, volumeName)
		}
	}

	for i := len(toUnserve) - 1; i >= 0; i-- {
		err = unserveVolume(confMap, toUnserve[i])
		if nil != err {
			return
		}
	}

	for _, volumeName := range newVolumeList {
		if _, ok := oldVolumeSet[volumeName]; !ok {
			err = serveVolume(confMap, volumeName)
			if nil != err {
				return
			}
		}
	}

	return
}

func down(confMap conf.ConfMap) (err error) {
	globals.Lock()

	for 0 < len(globals.servedVolumeList) {
		err = unserveVolume(confMap, globals.servedVolumeList[len(globals.servedVolumeList)-1])
		if nil != err {
			globals.Unlock()
			logger.Errorf("transitions.Down() returning with failure: %v", err)
			return
		}
	}

	for i := globals.upCount - 1; i >= 0; i-- {
		registrationItem := globals.registrationList[i]
		err = registrationItem.callbacks.Down(confMap)
		if nil != err {
			err = fmt.Errorf("%s.Down() failed: %v", registrationItem.packageName, err)
			globals.Unlock()
			logger.Errorf("transitions.Down() returning with failure: %v", err)
			return
		}
	}
	globals.upCount = 0

	globals.Unlock()

	logger.Infof("transitions.Down() returning successfully")

	err = logger.Down()

	return
}
