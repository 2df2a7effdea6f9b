// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// The vdfsck program serves one volume, which replays its orphan list, then
// checks every file record, extent and free run of it.
package main

import (
	"fmt"
	"os"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/conf"
	"github.com/NVIDIA/vdfs/inode"
	_ "github.com/NVIDIA/vdfs/statslogger"
	"github.com/NVIDIA/vdfs/transitions"
)

func usage() {
	fmt.Println("vdfsck -?")
	fmt.Println("   Prints this help text")
	fmt.Println("vdfsck VolumeNameToCheck ConfFile [ConfFileOverrides]*")
	fmt.Println("  VolumeNameToCheck indicates which [Volume:<name>] in ConfFile is to be checked")
	fmt.Println("  ConfFile specifies the .conf file as also passed to mkvdfs")
	fmt.Println("  ConfFileOverrides is an optional list of modifications to ConfFile to apply")
}

func main() {
	if (2 == len(os.Args)) && ("-?" == os.Args[1]) {
		usage()
		os.Exit(0)
	}

	if 3 > len(os.Args) {
		usage()
		os.Exit(1)
	}

	report, err := check(os.Args[1], os.Args[2], os.Args[3:])
	if nil != err {
		fmt.Fprintf(os.Stderr, "vdfsck: %s\n", blunder.ErrorString(err))
		os.Exit(1)
	}

	fmt.Printf("%s: %d file(s), %d hard linked, %d orphan(s)\n", os.Args[1], report.Files, report.HardLinks, report.Orphans)
	fmt.Printf("%s: %d of %d data blocks in use, %d free\n", os.Args[1], report.BlocksInUse, report.DataBlocks, report.FreeBlocks)

	if 0 < len(report.Problems) {
		for _, problem := range report.Problems {
			fmt.Printf("%s: %s\n", os.Args[1], problem)
		}
		fmt.Fprintf(os.Stderr, "vdfsck: %d problem(s) found\n", len(report.Problems))
		os.Exit(1)
	}

	os.Exit(0)
}

func check(volumeName string, confFile string, confStrings []string) (report *inode.FsckReport, err error) {
	confMap, err := conf.MakeConfMapFromFile(confFile)
	if nil != err {
		err = fmt.Errorf("failed to load config: %v", err)
		return
	}

	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("failed to apply config overrides: %v", err)
		return
	}

	// Only the volume being checked is served
	err = confMap.UpdateFromString("FSGlobals.VolumeList=" + volumeName)
	if nil != err {
		return
	}

	err = transitions.Up(confMap)
	if nil != err {
		err = fmt.Errorf("failed to serve %s: %v", volumeName, err)
		return
	}
	defer func() {
		downErr := transitions.Down(confMap)
		if (nil != downErr) && (nil == err) {
			err = downErr
		}
	}()

	volumeHandle, err := inode.FetchVolumeHandle(volumeName)
	if nil != err {
		return
	}

	report, err = volumeHandle.ValidateVolume()

	return
}
