// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package headhunter

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/vdfs/conf"
	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/transitions"
)

type globalsStruct struct {
	sync.Mutex
	volumeMap map[string]*volumeStruct // key == volumeStruct.volumeName
}

var globals globalsStruct

type transitionsCallbackInterfaceStruct struct{}

var transitionsCallbackInterface transitionsCallbackInterfaceStruct

func init() {
	transitions.Register("headhunter", &transitionsCallbackInterface)
}

func (dummy *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.volumeMap = make(map[string]*volumeStruct)
	globals.Unlock()
	err = nil
	return
}

func (dummy *transitionsCallbackInterfaceStruct) ServeVolume(confMap conf.ConfMap, volumeName string) (err error) {
	var (
		databasePath string
		noSync       bool
		volume       *volumeStruct
	)

	volumeSectionName := "Volume:" + volumeName

	databasePath, err = confMap.FetchOptionValueString(volumeSectionName, "DatabasePath")
	if nil != err {
		return
	}

	noSync, err = confMap.FetchOptionValueBool(volumeSectionName, "NoSync")
	if nil != err {
		noSync = false // default
	}

	globals.Lock()
	_, alreadyServed := globals.volumeMap[volumeName]
	globals.Unlock()
	if alreadyServed {
		err = fmt.Errorf("headhunter: volume %s already served", volumeName)
		return
	}

	volume, err = openVolume(volumeName, databasePath, noSync)
	if nil != err {
		return
	}

	globals.Lock()
	globals.volumeMap[volumeName] = volume
	globals.Unlock()

	return
}

func (dummy *transitionsCallbackInterfaceStruct) UnserveVolume(confMap conf.ConfMap, volumeName string) (err error) {
	globals.Lock()
	volume, ok := globals.volumeMap[volumeName]
	if ok {
		delete(globals.volumeMap, volumeName)
	}
	globals.Unlock()

	if !ok {
		// Already abandoned
		err = nil
		return
	}

	err = volume.close()

	return
}

func (dummy *transitionsCallbackInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	if 0 != len(globals.volumeMap) {
		err = fmt.Errorf("headhunter.Down() called with %d volume(s) still served", len(globals.volumeMap))
		logger.ErrorWithError(err)
		return
	}

	globals.volumeMap = nil
	err = nil
	return
}
