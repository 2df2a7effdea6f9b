// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package headhunter

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"
	bolt "go.etcd.io/bbolt"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/vlayout"
)

var (
	objectsBucketName    = []byte("objects")
	superBlockBucketName = []byte("superblock")
	superBlockKey        = []byte("superblock")
)

const (
	databaseOpenTimeout = 5 * time.Second
	nodeTrailerSize     = 8
)

type uint64Struct struct {
	U64 uint64
}

type volumeStruct struct {
	sync.Mutex
	volumeName           string
	databasePath         string
	db                   *bolt.DB
	superBlock           vlayout.SuperBlockV1Struct // live copy; TreeRoots match the last checkpoint
	flushers             [vlayout.TreeTypeCount]BPlusTreeFlusher
	transactionDepth     uint64
	checkpointInProgress bool
	checkpointDone       *sync.Cond
	abandoned            bool
	stagedMutex          sync.Mutex
	stagedPuts           map[uint64][]byte   // Key: objectNumber; Value: node bytes including trailer
	stagedDeletes        map[uint64]struct{} // Key: objectNumber
}

// objectKey is big-endian so bbolt iterates objects in number order.
func objectKey(objectNumber uint64) (key []byte) {
	key, err := cstruct.Pack(uint64Struct{U64: objectNumber}, cstruct.BigEndian)
	if nil != err {
		logger.PanicfWithError(err, "cstruct.Pack(objectNumber 0x%016X) failed", objectNumber)
	}
	return
}

func appendTrailer(value []byte) (node []byte) {
	trailer, err := cstruct.Pack(uint64Struct{U64: cityhash.Hash64(value)}, cstruct.LittleEndian)
	if nil != err {
		logger.PanicfWithError(err, "cstruct.Pack(node trailer) failed")
	}
	node = make([]byte, 0, len(value)+nodeTrailerSize)
	node = append(node, value...)
	node = append(node, trailer...)
	return
}

func stripTrailer(objectNumber uint64, node []byte) (value []byte, err error) {
	var trailer uint64Struct

	if len(node) < nodeTrailerSize {
		err = blunder.NewError(blunder.CorruptNodeError, "object 0x%016X too short (%d bytes)", objectNumber, len(node))
		return
	}

	value = node[:len(node)-nodeTrailerSize]

	_, err = cstruct.Unpack(node[len(value):], &trailer, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptNodeError)
		return
	}

	if cityhash.Hash64(value) != trailer.U64 {
		err = blunder.NewError(blunder.CorruptNodeError, "object 0x%016X checksum mismatch", objectNumber)
	}

	return
}

func openDatabase(databasePath string, readOnly bool, noSync bool) (db *bolt.DB, err error) {
	db, err = bolt.Open(databasePath, 0600, &bolt.Options{
		Timeout:  databaseOpenTimeout,
		ReadOnly: readOnly,
		NoSync:   noSync,
	})
	if nil != err {
		err = fmt.Errorf("bolt.Open(\"%s\") failed: %v", databasePath, err)
	}
	return
}

func putSuperBlock(tx *bolt.Tx, superBlock *vlayout.SuperBlockV1Struct) (err error) {
	buf, err := vlayout.MarshalSuperBlockV1(superBlock)
	if nil != err {
		return
	}
	bucket, err := tx.CreateBucketIfNotExists(superBlockBucketName)
	if nil != err {
		return
	}
	err = bucket.Put(superBlockKey, buf)
	return
}

func getSuperBlock(tx *bolt.Tx) (superBlock *vlayout.SuperBlockV1Struct, err error) {
	bucket := tx.Bucket(superBlockBucketName)
	if nil == bucket {
		err = blunder.NewError(blunder.NotFoundError, "no superblock bucket")
		return
	}
	buf := bucket.Get(superBlockKey)
	if nil == buf {
		err = blunder.NewError(blunder.NotFoundError, "no superblock")
		return
	}
	superBlock, err = vlayout.UnmarshalSuperBlockV1(buf)
	return
}

func formatVolume(databasePath string, superBlock *vlayout.SuperBlockV1Struct) (err error) {
	err = os.Remove(databasePath)
	if (nil != err) && !os.IsNotExist(err) {
		return
	}

	db, err := openDatabase(databasePath, false, false)
	if nil != err {
		return
	}

	err = db.Update(func(tx *bolt.Tx) (txErr error) {
		_, txErr = tx.CreateBucketIfNotExists(objectsBucketName)
		if nil != txErr {
			return
		}
		txErr = putSuperBlock(tx, superBlock)
		return
	})
	if nil != err {
		_ = db.Close()
		return
	}

	err = db.Close()
	if nil == err {
		logger.Infof("formatted %s: %d blocks of %d bytes", databasePath, superBlock.TotalBlocks, superBlock.BlockSize)
	}

	return
}

func volumeExists(databasePath string) (exists bool, err error) {
	_, err = os.Stat(databasePath)
	if nil != err {
		if os.IsNotExist(err) {
			err = nil
		}
		return
	}

	db, err := openDatabase(databasePath, true, false)
	if nil != err {
		return
	}
	defer func() { _ = db.Close() }()

	err = db.View(func(tx *bolt.Tx) (txErr error) {
		_, txErr = getSuperBlock(tx)
		return
	})
	if nil == err {
		exists = true
	} else if blunder.Is(err, blunder.NotFoundError) {
		err = nil
	}

	return
}

func openVolume(volumeName string, databasePath string, noSync bool) (volume *volumeStruct, err error) {
	var superBlock *vlayout.SuperBlockV1Struct

	db, err := openDatabase(databasePath, false, noSync)
	if nil != err {
		return
	}

	err = db.View(func(tx *bolt.Tx) (txErr error) {
		superBlock, txErr = getSuperBlock(tx)
		return
	})
	if nil != err {
		_ = db.Close()
		err = fmt.Errorf("volume %s at %s not formatted: %v", volumeName, databasePath, err)
		return
	}

	volume = &volumeStruct{
		volumeName:    volumeName,
		databasePath:  databasePath,
		db:            db,
		superBlock:    *superBlock,
		stagedPuts:    make(map[uint64][]byte),
		stagedDeletes: make(map[uint64]struct{}),
	}
	volume.checkpointDone = sync.NewCond(&volume.Mutex)

	logger.Infof("volume %s opened at checkpoint %d", volumeName, superBlock.CheckpointCount)

	return
}

func (volume *volumeStruct) FetchVolumeName() (volumeName string) {
	volumeName = volume.volumeName
	return
}

func (volume *volumeStruct) FetchSuperBlock() (superBlock vlayout.SuperBlockV1Struct) {
	volume.Lock()
	superBlock = volume.superBlock
	volume.Unlock()
	return
}

func (volume *volumeStruct) FetchNonce() (nonce uint64) {
	volume.Lock()
	volume.superBlock.ReservedToNonce++
	nonce = volume.superBlock.ReservedToNonce
	volume.Unlock()
	return
}

func (volume *volumeStruct) FetchNextInodeNumber() (inodeNumber uint64) {
	volume.Lock()
	if volume.superBlock.NextInodeNumber < vlayout.FirstUserInodeNumber {
		volume.superBlock.NextInodeNumber = vlayout.FirstUserInodeNumber
	}
	inodeNumber = volume.superBlock.NextInodeNumber
	volume.superBlock.NextInodeNumber++
	volume.Unlock()
	return
}

func (volume *volumeStruct) GetBPlusTreeObject(objectNumber uint64) (value []byte, err error) {
	var node []byte

	volume.stagedMutex.Lock()
	staged, ok := volume.stagedPuts[objectNumber]
	volume.stagedMutex.Unlock()

	if ok {
		node = staged
	} else {
		err = volume.db.View(func(tx *bolt.Tx) (txErr error) {
			stored := tx.Bucket(objectsBucketName).Get(objectKey(objectNumber))
			if nil == stored {
				txErr = blunder.NewError(blunder.NotFoundError, "object 0x%016X not found", objectNumber)
				return
			}
			node = make([]byte, len(stored))
			copy(node, stored)
			return
		})
		if nil != err {
			return
		}
	}

	value, err = stripTrailer(objectNumber, node)

	return
}

func (volume *volumeStruct) PutBPlusTreeObject(objectNumber uint64, value []byte) (err error) {
	node := appendTrailer(value)

	volume.stagedMutex.Lock()
	volume.stagedPuts[objectNumber] = node
	delete(volume.stagedDeletes, objectNumber)
	volume.stagedMutex.Unlock()

	return
}

func (volume *volumeStruct) DeleteBPlusTreeObject(objectNumber uint64) (err error) {
	volume.stagedMutex.Lock()
	delete(volume.stagedPuts, objectNumber)
	volume.stagedDeletes[objectNumber] = struct{}{}
	volume.stagedMutex.Unlock()

	return
}

func (volume *volumeStruct) FetchBPlusTreeRoot(treeType vlayout.TreeType) (root vlayout.TreeRootV1Struct) {
	volume.Lock()
	root = volume.superBlock.TreeRoots[treeType]
	volume.Unlock()
	return
}

func (volume *volumeStruct) RegisterBPlusTree(treeType vlayout.TreeType, flusher BPlusTreeFlusher) {
	volume.Lock()
	volume.flushers[treeType] = flusher
	volume.Unlock()
}

func (volume *volumeStruct) StartTransaction() {
	volume.Lock()
	for volume.checkpointInProgress {
		volume.checkpointDone.Wait()
	}
	volume.transactionDepth++
	volume.Unlock()
}

func (volume *volumeStruct) StopTransaction() (err error) {
	volume.Lock()

	if 0 == volume.transactionDepth {
		volume.Unlock()
		err = blunder.NewError(blunder.InvalidArgError, "volume %s: StopTransaction() without StartTransaction()", volume.volumeName)
		logger.PanicfWithError(err, "transaction bracket mismatch")
	}

	volume.transactionDepth--

	if (0 < volume.transactionDepth) || volume.abandoned {
		volume.Unlock()
		return
	}

	volume.checkpointInProgress = true
	volume.Unlock()

	err = volume.putCheckpoint()

	volume.Lock()
	volume.checkpointInProgress = false
	volume.checkpointDone.Broadcast()
	volume.Unlock()

	return
}

func (volume *volumeStruct) DoCheckpoint() (err error) {
	volume.StartTransaction()
	err = volume.StopTransaction()
	return
}

func (volume *volumeStruct) Abandon() {
	globals.Lock()
	if globals.volumeMap[volume.volumeName] == volume {
		delete(globals.volumeMap, volume.volumeName)
	}
	globals.Unlock()

	volume.Lock()
	volume.abandoned = true
	volume.Unlock()

	volume.stagedMutex.Lock()
	logger.Warnf("volume %s abandoned with %d staged puts and %d staged deletes", volume.volumeName, len(volume.stagedPuts), len(volume.stagedDeletes))
	volume.stagedPuts = make(map[uint64][]byte)
	volume.stagedDeletes = make(map[uint64]struct{})
	volume.stagedMutex.Unlock()

	err := volume.db.Close()
	if nil != err {
		logger.WarnfWithError(err, "volume %s: close after abandon failed", volume.volumeName)
	}
}

// close checkpoints whatever is staged and closes the database.
func (volume *volumeStruct) close() (err error) {
	err = volume.DoCheckpoint()
	if nil != err {
		return
	}
	err = volume.db.Close()
	return
}
