// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// The mkvdfs program is the command line form invoking the mkvdfs package's Format() function.
package main

import (
	"fmt"
	"os"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/mkvdfs"
)

func usage() {
	fmt.Println("mkvdfs -?")
	fmt.Println("   Prints this help text")
	fmt.Println("mkvdfs -N|-I|-F VolumeNameToFormat ConfFile [ConfFileOverrides]*")
	fmt.Println("   -N indicates that VolumeNameToFormat must not already be formatted")
	fmt.Println("   -I indicates that VolumeNameToFormat should only be formatted if necessary")
	fmt.Println("   -F indicates that VolumeNameToFormat should be formatted regardless")
	fmt.Println("  VolumeNameToFormat indicates which [Volume:<name>] in ConfFile is to be formatted")
	fmt.Println("  ConfFile specifies the .conf file as also passed to vdfsck")
	fmt.Println("  ConfFileOverrides is an optional list of modifications to ConfFile to apply")
}

func main() {
	var (
		err  error
		mode mkvdfs.Mode
	)

	if (2 == len(os.Args)) && ("-?" == os.Args[1]) {
		usage()
		os.Exit(0)
	}

	if 4 > len(os.Args) {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "-N":
		mode = mkvdfs.ModeNew
	case "-I":
		mode = mkvdfs.ModeOnlyIfNeeded
	case "-F":
		mode = mkvdfs.ModeReformat
	default:
		usage()
		os.Exit(1)
	}

	err = mkvdfs.Format(mode, os.Args[2], os.Args[3], os.Args[4:])
	if nil == err {
		os.Exit(0)
	} else {
		fmt.Fprintf(os.Stderr, "mkvdfs: Format() returned error: %s\n", blunder.ErrorString(err))
		os.Exit(1)
	}
}
