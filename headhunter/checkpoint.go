// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package headhunter

import (
	bolt "go.etcd.io/bbolt"

	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/stats"
	"github.com/NVIDIA/vdfs/utils"
	"github.com/NVIDIA/vdfs/vlayout"
)

// putCheckpoint flushes every registered tree, then commits the staged nodes
// and the superblock in a single bbolt transaction. Called with
// checkpointInProgress set, so no transaction can start underneath it.
func (volume *volumeStruct) putCheckpoint() (err error) {
	var (
		flushers   [vlayout.TreeTypeCount]BPlusTreeFlusher
		puts       map[uint64][]byte
		deletes    map[uint64]struct{}
		superBlock vlayout.SuperBlockV1Struct
		treeRoots  [vlayout.TreeTypeCount]vlayout.TreeRootV1Struct
	)

	stopwatch := utils.NewStopwatch()

	volume.Lock()
	flushers = volume.flushers
	treeRoots = volume.superBlock.TreeRoots
	volume.Unlock()

	// Flushing calls back into PutBPlusTreeObject/FetchNonce, so no lock here
	for treeType, flusher := range flushers {
		if nil == flusher {
			continue
		}
		treeRoots[treeType], err = flusher.FlushForCheckpoint()
		if nil != err {
			logger.ErrorfWithError(err, "volume %s: flushing %v tree failed", volume.volumeName, vlayout.TreeType(treeType))
			return
		}
	}

	volume.Lock()
	superBlock = volume.superBlock
	volume.Unlock()

	superBlock.TreeRoots = treeRoots
	superBlock.CheckpointCount++

	volume.stagedMutex.Lock()
	puts = volume.stagedPuts
	deletes = volume.stagedDeletes
	volume.stagedPuts = make(map[uint64][]byte)
	volume.stagedDeletes = make(map[uint64]struct{})
	volume.stagedMutex.Unlock()

	err = volume.db.Update(func(tx *bolt.Tx) (txErr error) {
		objects, txErr := tx.CreateBucketIfNotExists(objectsBucketName)
		if nil != txErr {
			return
		}
		for objectNumber, node := range puts {
			txErr = objects.Put(objectKey(objectNumber), node)
			if nil != txErr {
				return
			}
		}
		for objectNumber := range deletes {
			txErr = objects.Delete(objectKey(objectNumber))
			if nil != txErr {
				return
			}
		}
		txErr = putSuperBlock(tx, &superBlock)
		return
	})
	if nil != err {
		// The volume no longer matches its database; only a remount recovers
		logger.ErrorfWithError(err, "volume %s: checkpoint %d commit failed", volume.volumeName, superBlock.CheckpointCount)
		return
	}

	volume.Lock()
	volume.superBlock.TreeRoots = superBlock.TreeRoots
	volume.superBlock.CheckpointCount = superBlock.CheckpointCount
	volume.Unlock()

	stats.IncrementOperations(&stats.CheckpointOps)
	stats.IncrementOperationsBy(&stats.CheckpointNodesWritten, uint64(len(puts)))

	logger.Tracef("volume %s: checkpoint %d wrote %d nodes, deleted %d, took %v",
		volume.volumeName, superBlock.CheckpointCount, len(puts), len(deletes), stopwatch.Stop())

	return
}
