// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/conf"
	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/transitions"
)

const (
	defaultMaxKeysPerTreeNode = uint64(64)
	defaultTreeCacheLowLimit  = uint64(1000)
	defaultTreeCacheHighLimit = uint64(1100)
)

type globalsStruct struct {
	sync.Mutex
	volumeMap map[string]*volumeStruct // key == volumeStruct.volumeName
}

var globals globalsStruct

type transitionsCallbackInterfaceStruct struct{}

var transitionsCallbackInterface transitionsCallbackInterfaceStruct

func init() {
	transitions.Register("inode", &transitionsCallbackInterface)
}

func (dummy *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.volumeMap = make(map[string]*volumeStruct)
	globals.Unlock()
	err = nil
	return
}

func (dummy *transitionsCallbackInterfaceStruct) ServeVolume(confMap conf.ConfMap, volumeName string) (err error) {
	volumeSectionName := "Volume:" + volumeName

	maxKeysPerTreeNode, err := confMap.FetchOptionValueUint64(volumeSectionName, "MaxKeysPerTreeNode")
	if nil != err {
		maxKeysPerTreeNode = defaultMaxKeysPerTreeNode
	}
	if (4 > maxKeysPerTreeNode) || (0 != (maxKeysPerTreeNode % 2)) {
		err = fmt.Errorf("%s.MaxKeysPerTreeNode (%d) must be even and at least 4", volumeSectionName, maxKeysPerTreeNode)
		return
	}

	treeCacheLowLimit, err := confMap.FetchOptionValueUint64(volumeSectionName, "TreeCacheLowLimit")
	if nil != err {
		treeCacheLowLimit = defaultTreeCacheLowLimit
	}
	treeCacheHighLimit, err := confMap.FetchOptionValueUint64(volumeSectionName, "TreeCacheHighLimit")
	if nil != err {
		treeCacheHighLimit = defaultTreeCacheHighLimit
	}
	if treeCacheLowLimit > treeCacheHighLimit {
		err = fmt.Errorf("%s.TreeCacheLowLimit (%d) exceeds TreeCacheHighLimit (%d)", volumeSectionName, treeCacheLowLimit, treeCacheHighLimit)
		return
	}

	headhunterVolumeHandle, err := headhunter.FetchVolumeHandle(volumeName)
	if nil != err {
		return
	}

	volume, err := mountVolume(volumeName, headhunterVolumeHandle, maxKeysPerTreeNode, treeCacheLowLimit, treeCacheHighLimit)
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
		err = nil
		return
	}

	_, err = headhunter.FetchVolumeHandle(volumeName)
	if nil != err {
		// Abandoned underneath us: whatever is in memory is lost, as in a crash
		logger.Warnf("volume %s unserved after its store was abandoned", volumeName)
		err = nil
		return
	}

	err = volume.unmount()

	return
}

func (dummy *transitionsCallbackInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	if 0 != len(globals.volumeMap) {
		err = fmt.Errorf("inode.Down() called with %d volume(s) still served", len(globals.volumeMap))
		logger.ErrorWithError(err)
		return
	}

	globals.volumeMap = nil
	err = nil
	return
}

func fetchVolumeHandle(volumeName string) (volumeHandle VolumeHandle, err error) {
	globals.Lock()
	volume, ok := globals.volumeMap[volumeName]
	globals.Unlock()

	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "inode.FetchVolumeHandle(): volume %s not served", volumeName)
		return
	}

	volumeHandle = volume
	return
}
