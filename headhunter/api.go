// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package headhunter keeps the persisted B+Tree nodes and the superblock of
// every served volume in a bbolt database. Node updates are staged in memory
// and only become durable, together with the new tree roots, at a checkpoint.
// The last completed checkpoint is the state a crashed volume comes back to.
package headhunter

import (
	"fmt"

	"github.com/NVIDIA/vdfs/vlayout"
)

// BPlusTreeFlusher is implemented by every persisted tree of a volume. At
// checkpoint time each registered tree writes its dirty nodes through
// PutBPlusTreeObject and reports where its root now lives.
type BPlusTreeFlusher interface {
	FlushForCheckpoint() (root vlayout.TreeRootV1Struct, err error)
}

// VolumeHandle is used to operate on a given volume's database
type VolumeHandle interface {
	FetchVolumeName() (volumeName string)
	FetchSuperBlock() (superBlock vlayout.SuperBlockV1Struct)
	FetchNonce() (nonce uint64)
	FetchNextInodeNumber() (inodeNumber uint64)
	GetBPlusTreeObject(objectNumber uint64) (value []byte, err error)
	PutBPlusTreeObject(objectNumber uint64, value []byte) (err error)
	DeleteBPlusTreeObject(objectNumber uint64) (err error)
	FetchBPlusTreeRoot(treeType vlayout.TreeType) (root vlayout.TreeRootV1Struct)
	RegisterBPlusTree(treeType vlayout.TreeType, flusher BPlusTreeFlusher)

	// StartTransaction and StopTransaction bracket a crash-atomic unit of
	// work. They nest; the outermost StopTransaction checkpoints. Callers must
	// start the transaction before taking any tree lock.
	StartTransaction()
	StopTransaction() (err error)

	// DoCheckpoint checkpoints now unless a transaction is open, in which
	// case the checkpoint happens when the last one stops.
	DoCheckpoint() (err error)

	// Abandon drops everything staged since the last checkpoint and closes
	// the database, exactly as a process crash would.
	Abandon()
}

// FetchVolumeHandle is used to fetch a VolumeHandle to use when operating on a given volume's database
func FetchVolumeHandle(volumeName string) (volumeHandle VolumeHandle, err error) {
	globals.Lock()
	volume, ok := globals.volumeMap[volumeName]
	globals.Unlock()

	if !ok {
		err = fmt.Errorf("FetchVolumeHandle(\"%v\") unable to find volume", volumeName)
		return
	}

	volumeHandle = volume
	err = nil

	return
}

// FormatVolume creates (or recreates) the database at databasePath holding
// an empty volume described by superBlock.
func FormatVolume(databasePath string, superBlock *vlayout.SuperBlockV1Struct) (err error) {
	return formatVolume(databasePath, superBlock)
}

// VolumeExists reports whether databasePath holds a formatted volume.
func VolumeExists(databasePath string) (exists bool, err error) {
	return volumeExists(databasePath)
}
