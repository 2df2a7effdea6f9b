// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package mkvdfs formats the database backing a vdfs volume.
package mkvdfs

import (
	"fmt"

	"github.com/NVIDIA/vdfs/conf"
	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/vlayout"
)

type Mode int

const (
	ModeNew Mode = iota
	ModeOnlyIfNeeded
	ModeReformat
)

const (
	defaultBlockSize          = uint32(4096)
	defaultFirstDataBlock     = uint64(16)
	defaultSmallFileCellSize  = uint32(512)
	defaultSmallFileCellCount = uint64(0)
)

// Format lays down an empty volume for volumeNameToFormat as described by
// its [Volume:<name>] section. An empty confFile means confStrings alone
// describe the volume.
func Format(mode Mode, volumeNameToFormat string, confFile string, confStrings []string) (err error) {
	var (
		confMap      conf.ConfMap
		databasePath string
		exists       bool
		superBlock   *vlayout.SuperBlockV1Struct
	)

	// Valid mode?

	switch mode {
	case ModeNew:
	case ModeOnlyIfNeeded:
	case ModeReformat:
	default:
		err = fmt.Errorf("mode (%v) must be one of ModeNew (%v), ModeOnlyIfNeeded (%v), or ModeReformat (%v)", mode, ModeNew, ModeOnlyIfNeeded, ModeReformat)
		return
	}

	// Load confFile & confStrings (overrides)

	if "" == confFile {
		confMap = conf.MakeConfMap()
	} else {
		confMap, err = conf.MakeConfMapFromFile(confFile)
		if nil != err {
			err = fmt.Errorf("failed to load config: %v", err)
			return
		}
	}

	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("failed to apply config overrides: %v", err)
		return
	}

	err = logger.Up(confMap)
	if nil != err {
		return
	}
	defer func() {
		_ = logger.Down()
	}()

	superBlock, databasePath, err = superBlockFromConfMap(confMap, volumeNameToFormat)
	if nil != err {
		return
	}

	exists, err = headhunter.VolumeExists(databasePath)
	if nil != err {
		err = fmt.Errorf("failed to inspect %v: %v", databasePath, err)
		return
	}

	if exists {
		switch mode {
		case ModeNew:
			err = fmt.Errorf("%v found to be already formatted with mode == ModeNew (%v)", databasePath, ModeNew)
			return
		case ModeOnlyIfNeeded:
			err = nil
			return
		case ModeReformat:
			logger.Infof("reformatting %v for volume %v", databasePath, volumeNameToFormat)
		}
	}

	err = headhunter.FormatVolume(databasePath, superBlock)

	return
}

func superBlockFromConfMap(confMap conf.ConfMap, volumeName string) (superBlock *vlayout.SuperBlockV1Struct, databasePath string, err error) {
	volumeSectionName := "Volume:" + volumeName

	databasePath, err = confMap.FetchOptionValueString(volumeSectionName, "DatabasePath")
	if nil != err {
		return
	}

	superBlock = &vlayout.SuperBlockV1Struct{
		Magic:           vlayout.SuperBlockMagic,
		Version:         vlayout.SuperBlockVersionV1,
		NextInodeNumber: vlayout.FirstUserInodeNumber,
	}

	superBlock.TotalBlocks, err = confMap.FetchOptionValueUint64(volumeSectionName, "TotalBlocks")
	if nil != err {
		return
	}

	superBlock.BlockSize, err = confMap.FetchOptionValueUint32(volumeSectionName, "BlockSize")
	if nil != err {
		superBlock.BlockSize = defaultBlockSize
	}

	superBlock.FirstDataBlock, err = confMap.FetchOptionValueUint64(volumeSectionName, "FirstDataBlock")
	if nil != err {
		superBlock.FirstDataBlock = defaultFirstDataBlock
	}

	superBlock.CellSize, err = confMap.FetchOptionValueUint32(volumeSectionName, "SmallFileCellSize")
	if nil != err {
		superBlock.CellSize = defaultSmallFileCellSize
	}

	superBlock.CellCount, err = confMap.FetchOptionValueUint64(volumeSectionName, "SmallFileCellCount")
	if nil != err {
		superBlock.CellCount = defaultSmallFileCellCount
	}

	if (0 == superBlock.BlockSize) || (0 != (superBlock.BlockSize & (superBlock.BlockSize - 1))) {
		err = fmt.Errorf("[%s]BlockSize (%d) must be a power of two", volumeSectionName, superBlock.BlockSize)
		return
	}
	if superBlock.CellSize > superBlock.BlockSize {
		err = fmt.Errorf("[%s]SmallFileCellSize (%d) must not exceed BlockSize (%d)", volumeSectionName, superBlock.CellSize, superBlock.BlockSize)
		return
	}
	if superBlock.FirstDataBlock >= superBlock.TotalBlocks {
		err = fmt.Errorf("[%s]FirstDataBlock (%d) must be less than TotalBlocks (%d)", volumeSectionName, superBlock.FirstDataBlock, superBlock.TotalBlocks)
		return
	}

	err = nil
	return
}
