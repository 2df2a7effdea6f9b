// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"github.com/NVIDIA/vdfs/conf"
)

// Callbacks is implemented by each package wanting to be told about
// lifecycle changes. Register it from the package's init() func so that
// registration order follows package dependency order.
//
// Up() and ServeVolume() are issued in registration order. UnserveVolume()
// and Down() are issued in reverse registration order.
type Callbacks interface {
	Up(confMap conf.ConfMap) (err error)
	ServeVolume(confMap conf.ConfMap, volumeName string) (err error)
	UnserveVolume(confMap conf.ConfMap, volumeName string) (err error)
	Down(confMap conf.ConfMap) (err error)
}

// Register adds callbacks under packageName. Registering the same name
// twice is fatal.
//
// Package logger is not registered. It is brought up before, and taken down
// after, every registered package.
func Register(packageName string, callbacks Callbacks) {
	register(packageName, callbacks)
}

// Up calls logger.Up(), then each registered Up(), then ServeVolume() for
// every volume named in FSGlobals.VolumeList.
func Up(confMap conf.ConfMap) (err error) {
	return up(confMap)
}

// Signaled reconciles served volumes against a new FSGlobals.VolumeList:
// volumes no longer listed are unserved and newly listed ones are served.
func Signaled(confMap conf.ConfMap) (err error) {
	return signaled(confMap)
}

// Down unserves every served volume, then calls each Down() in reverse
// registration order, then logger.Down().
func Down(confMap conf.ConfMap) (err error) {
	return down(confMap)
}

// ServedVolumes returns the names of currently served volumes in the order
// they were served.
func ServedVolumes() (volumeNameList []string) {
	globals.Lock()
	volumeNameList = append(volumeNameList, globals.servedVolumeList...)
	globals.Unlock()
	return
}
