// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fsm

import (
	"fmt"

	"github.com/NVIDIA/cstruct"
	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/headhunter"
	"github.com/NVIDIA/vdfs/ordmap"
	"github.com/NVIDIA/vdfs/vlayout"
)

// runTree is a persisted set of free runs, start -> length, over the numbers
// [lowLimit, highLimit). Runs never touch: freeing next to a run coalesces.
type runTree struct {
	name      string
	tree      *ordmap.Tree
	lowLimit  uint64
	highLimit uint64
	freeCount uint64
}

type runCodecStruct struct{}

func (codec *runCodecStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	start, ok := key.(uint64)
	if !ok {
		err = fmt.Errorf("fsm.DumpKey() could not parse key as a uint64")
		return
	}
	keyAsString = fmt.Sprintf("%d", start)
	return
}

func (codec *runCodecStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	length, ok := value.(uint64)
	if !ok {
		err = fmt.Errorf("fsm.DumpValue() could not parse value as a uint64")
		return
	}
	valueAsString = fmt.Sprintf("+%d", length)
	return
}

func (codec *runCodecStruct) PackKey(key sortedmap.Key) (packedKey []byte, err error) {
	packedKey, err = cstruct.Pack(key, cstruct.LittleEndian)
	return
}

func (codec *runCodecStruct) UnpackKey(payloadData []byte) (key sortedmap.Key, bytesConsumed uint64, err error) {
	var start uint64
	bytesConsumed, err = cstruct.Unpack(payloadData, &start, cstruct.LittleEndian)
	key = start
	return
}

func (codec *runCodecStruct) PackValue(value sortedmap.Value) (packedValue []byte, err error) {
	packedValue, err = cstruct.Pack(value, cstruct.LittleEndian)
	return
}

func (codec *runCodecStruct) UnpackValue(payloadData []byte) (value sortedmap.Value, bytesConsumed uint64, err error) {
	var length uint64
	bytesConsumed, err = cstruct.Unpack(payloadData, &length, cstruct.LittleEndian)
	value = length
	return
}

func openRunTree(name string, volumeHandle headhunter.VolumeHandle, treeType vlayout.TreeType, maxKeysPerNode uint64, cache sortedmap.BPlusTreeCache, lowLimit uint64, highLimit uint64) (runs *runTree, err error) {
	tree, err := ordmap.New(volumeHandle, treeType, maxKeysPerNode, sortedmap.CompareUint64, &runCodecStruct{}, cache)
	if nil != err {
		return
	}

	runs = &runTree{
		name:      name,
		tree:      tree,
		lowLimit:  lowLimit,
		highLimit: highLimit,
	}

	err = runs.load()

	return
}

// load recomputes freeCount from the persisted runs.
func (runs *runTree) load() (err error) {
	var nextRecord *ordmap.Record

	runs.tree.RLock()
	defer runs.tree.RUnlock()

	runs.freeCount = 0

	record, err := runs.tree.First(ordmap.ReadOnly)
	for nil == err {
		runs.freeCount += record.Value.(uint64)
		nextRecord, err = runs.tree.Next(record)
		record.Release()
		record = nextRecord
	}
	if blunder.Is(err, blunder.NotFoundError) {
		err = nil
	}

	return
}

func (runs *runTree) empty() (isEmpty bool, err error) {
	runs.tree.RLock()
	numberOfItems, err := runs.tree.Len()
	runs.tree.RUnlock()
	isEmpty = (0 == numberOfItems)
	return
}

func (runs *runTree) allocatorError(format string, args ...interface{}) error {
	return blunder.NewError(blunder.AllocatorError, "%s: "+format, append([]interface{}{runs.name}, args...)...)
}

// take removes [start, start+length) from the run beginning at runStart.
// Called with the tree write-locked.
func (runs *runTree) take(runStart uint64, runLength uint64, start uint64, length uint64) (err error) {
	err = runs.tree.Remove(runStart)
	if nil != err {
		return
	}
	if runStart < start {
		err = runs.tree.Insert(runStart, start-runStart)
		if nil != err {
			return
		}
	}
	if start+length < runStart+runLength {
		err = runs.tree.Insert(start+length, runStart+runLength-(start+length))
		if nil != err {
			return
		}
	}
	runs.freeCount -= length
	return
}

// allocate returns up to count numbers starting at hint if that much is free
// there, else the first run (scanning up from hint, wrapping) holding all
// count, else the longest run found.
func (runs *runTree) allocate(count uint64, hint uint64) (first uint64, got uint64, err error) {
	var (
		bestLength uint64
		bestStart  uint64
		nextRecord *ordmap.Record
		record     *ordmap.Record
	)

	if 0 == count {
		err = blunder.NewError(blunder.InvalidArgError, "%s: allocate of zero", runs.name)
		return
	}

	runs.tree.Lock()
	defer runs.tree.Unlock()

	if 0 == runs.freeCount {
		err = blunder.NewError(blunder.NoSpaceError, "%s: exhausted", runs.name)
		return
	}

	if (hint < runs.lowLimit) || (hint >= runs.highLimit) {
		hint = runs.lowLimit
	}

	record, err = runs.tree.FindLE(hint, ordmap.ReadWrite)
	if nil == err {
		runStart := record.Key.(uint64)
		runLength := record.Value.(uint64)
		record.Release()
		if (hint < runStart+runLength) && (runStart+runLength-hint >= count) {
			err = runs.take(runStart, runLength, hint, count)
			if nil == err {
				first = hint
				got = count
			}
			return
		}
	} else if blunder.IsNot(err, blunder.NotFoundError) {
		return
	}

	record, err = runs.tree.FindGE(hint, ordmap.ReadWrite)
	if blunder.Is(err, blunder.NotFoundError) {
		record, err = runs.tree.First(ordmap.ReadWrite)
	}
	if nil != err {
		return
	}

	scanStart := record.Key.(uint64)

	for {
		runStart := record.Key.(uint64)
		runLength := record.Value.(uint64)

		if runLength >= count {
			record.Release()
			err = runs.take(runStart, runLength, runStart, count)
			if nil == err {
				first = runStart
				got = count
			}
			return
		}
		if runLength > bestLength {
			bestStart = runStart
			bestLength = runLength
		}

		nextRecord, err = runs.tree.Next(record)
		record.Release()
		if blunder.Is(err, blunder.NotFoundError) {
			nextRecord, err = runs.tree.First(ordmap.ReadWrite)
		}
		if nil != err {
			return
		}
		record = nextRecord

		if scanStart == record.Key.(uint64) {
			record.Release()
			break
		}
	}

	err = runs.take(bestStart, bestLength, bestStart, bestLength)
	if nil == err {
		first = bestStart
		got = bestLength
	}

	return
}

// free returns [first, first+count) to the set. Any overlap with what is
// already free is an AllocatorError.
func (runs *runTree) free(first uint64, count uint64) (err error) {
	var (
		newLength uint64
		newStart  uint64
		record    *ordmap.Record
	)

	if (0 == count) || (first < runs.lowLimit) || (first+count > runs.highLimit) || (first+count < first) {
		err = runs.allocatorError("free of [%d+%d] outside [%d,%d)", first, count, runs.lowLimit, runs.highLimit)
		return
	}

	runs.tree.Lock()
	defer runs.tree.Unlock()

	newStart = first
	newLength = count

	record, err = runs.tree.FindLE(first, ordmap.ReadWrite)
	if nil == err {
		prevStart := record.Key.(uint64)
		prevLength := record.Value.(uint64)
		record.Release()
		if prevStart+prevLength > first {
			err = runs.allocatorError("free of [%d+%d] overlaps free run [%d+%d]", first, count, prevStart, prevLength)
			return
		}
		if prevStart+prevLength == first {
			err = runs.tree.Remove(prevStart)
			if nil != err {
				return
			}
			newStart = prevStart
			newLength += prevLength
		}
	} else if blunder.IsNot(err, blunder.NotFoundError) {
		return
	}

	record, err = runs.tree.FindGE(first, ordmap.ReadWrite)
	if nil == err {
		nextStart := record.Key.(uint64)
		nextLength := record.Value.(uint64)
		record.Release()
		if nextStart < first+count {
			err = runs.allocatorError("free of [%d+%d] overlaps free run [%d+%d]", first, count, nextStart, nextLength)
			return
		}
		if nextStart == first+count {
			err = runs.tree.Remove(nextStart)
			if nil != err {
				return
			}
			newLength += nextLength
		}
	} else if blunder.IsNot(err, blunder.NotFoundError) {
		return
	}

	err = runs.tree.Insert(newStart, newLength)
	if nil != err {
		return
	}

	runs.freeCount += count

	return
}

// overlapsFree reports whether any of [first, first+count) is free.
func (runs *runTree) overlapsFree(first uint64, count uint64) (overlaps bool, err error) {
	var record *ordmap.Record

	runs.tree.RLock()
	defer runs.tree.RUnlock()

	record, err = runs.tree.FindLE(first, ordmap.ReadOnly)
	if nil == err {
		overlaps = first < record.Key.(uint64)+record.Value.(uint64)
		record.Release()
		if overlaps {
			return
		}
	} else if blunder.IsNot(err, blunder.NotFoundError) {
		return
	}

	record, err = runs.tree.FindGE(first, ordmap.ReadOnly)
	if nil == err {
		overlaps = record.Key.(uint64) < first+count
		record.Release()
	} else if blunder.Is(err, blunder.NotFoundError) {
		err = nil
	}

	return
}
