// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package inode

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vdfs/blunder"
	"github.com/NVIDIA/vdfs/vlayout"
)

type testFreeCall struct {
	firstBlock uint64
	count      uint32
	flags      uint32
}

// testRecordingAllocator records Free calls and fails the one numbered
// failOnFree (counting from 1), if set. Everything else goes to the embedded
// allocator, which may be nil when unused.
type testRecordingAllocator struct {
	BlockAllocator
	freeCalls  []testFreeCall
	failOnFree int
}

func (allocator *testRecordingAllocator) Free(firstBlock uint64, count uint32, flags uint32) (err error) {
	if len(allocator.freeCalls)+1 == allocator.failOnFree {
		allocator.failOnFree = 0
		err = blunder.NewError(blunder.AllocatorError, "injected Free(%d,%d,%d) failure", firstBlock, count, flags)
		return
	}
	allocator.freeCalls = append(allocator.freeCalls, testFreeCall{firstBlock, count, flags})
	if nil != allocator.BlockAllocator {
		err = allocator.BlockAllocator.Free(firstBlock, count, flags)
	}
	return
}

func testForkExtent(iblock uint64, firstBlock uint64, blockCount uint32) vlayout.ForkExtentV1Struct {
	return vlayout.ForkExtentV1Struct{
		IBlock: iblock,
		Extent: vlayout.ExtentV1Struct{FirstBlock: firstBlock, BlockCount: blockCount},
	}
}

func TestForkTruncateStraddlingExtent(t *testing.T) {
	onDisk := &vlayout.ForkV1Struct{Size: 40960, TotalBlockCount: 10}
	onDisk.Extents[0] = testForkExtent(0, 1000, 10)

	fork, size, _, err := ParseFork(onDisk, vlayout.ModeRegular|0644)
	require.NoError(t, err)
	assert.Equal(t, uint64(40960), size)

	allocator := &testRecordingAllocator{}
	freed, err := fork.TruncateTo(5, allocator)
	require.NoError(t, err)

	assert.Equal(t, uint64(5), freed)
	assert.Equal(t, []testFreeCall{{1005, 5, 0}}, allocator.freeCalls)
	assert.Equal(t, testForkExtent(0, 1000, 5), fork.Extents[0])
	assert.Equal(t, uint32(5), fork.TotalBlockCount)
	assert.Equal(t, 1, fork.UsedExtents)
}

func TestForkTruncateAtExtentStart(t *testing.T) {
	onDisk := &vlayout.ForkV1Struct{TotalBlockCount: 7}
	onDisk.Extents[0] = testForkExtent(0, 100, 4)
	onDisk.Extents[1] = testForkExtent(4, 300, 3)

	fork, _, _, err := ParseFork(onDisk, vlayout.ModeRegular)
	require.NoError(t, err)

	allocator := &testRecordingAllocator{}
	freed, err := fork.TruncateTo(4, allocator)
	require.NoError(t, err)

	// The extent starting at the new end goes entirely
	assert.Equal(t, uint64(3), freed)
	assert.Equal(t, []testFreeCall{{300, 3, 0}}, allocator.freeCalls)
	assert.Equal(t, 1, fork.UsedExtents)
	assert.Equal(t, vlayout.ForkExtentV1Struct{}, fork.Extents[1])

	// Nothing more to do the second time
	freed, err = fork.TruncateTo(4, allocator)
	require.NoError(t, err)
	assert.Zero(t, freed)
	assert.Len(t, allocator.freeCalls, 1)

	freed, err = fork.TruncateTo(0, allocator)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), freed)
	assert.Zero(t, fork.UsedExtents)
	assert.Zero(t, fork.TotalBlockCount)
}

func TestForkTruncateFreeFailure(t *testing.T) {
	onDisk := &vlayout.ForkV1Struct{TotalBlockCount: 3}
	onDisk.Extents[0] = testForkExtent(0, 100, 1)
	onDisk.Extents[1] = testForkExtent(2, 200, 1)
	onDisk.Extents[2] = testForkExtent(4, 300, 1)

	fork, _, _, err := ParseFork(onDisk, vlayout.ModeRegular)
	require.NoError(t, err)

	allocator := &testRecordingAllocator{failOnFree: 2}
	freed, err := fork.TruncateTo(0, allocator)
	assert.True(t, blunder.Is(err, blunder.AllocatorError))

	// What was freed is gone from the fork; the rest is untouched
	assert.Equal(t, uint64(1), freed)
	assert.Equal(t, 2, fork.UsedExtents)
	assert.Equal(t, uint32(2), fork.TotalBlockCount)
	assert.Equal(t, testForkExtent(2, 200, 1), fork.Extents[1])
}

func TestForkRoundTrip(t *testing.T) {
	onDisk := &vlayout.ForkV1Struct{Size: 12345, TotalBlockCount: 30}
	for slot := 0; slot < vlayout.ForkExtentCount; slot++ {
		onDisk.Extents[slot] = testForkExtent(uint64(slot)*10, uint64(slot)*100+16, 2)
	}

	fork, size, deviceID, err := ParseFork(onDisk, vlayout.ModeSymlink)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), size)
	assert.Zero(t, deviceID)
	assert.True(t, fork.isFull())
	assert.Equal(t, uint64(18), fork.blockSum())
	assert.Equal(t, uint64(82), fork.lastEnd())

	assert.Equal(t, *onDisk, fork.ToDisk(12345))

	physicalBlock, ok := fork.Lookup(31)
	assert.True(t, ok)
	assert.Equal(t, uint64(317), physicalBlock)
	_, ok = fork.Lookup(32)
	assert.False(t, ok)

	deviceDisk := &vlayout.ForkV1Struct{Size: vlayout.DeviceID(8, 1)}
	fork, size, deviceID, err = ParseFork(deviceDisk, vlayout.ModeBlockDev)
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Equal(t, vlayout.DeviceID(8, 1), deviceID)
	assert.Equal(t, *deviceDisk, fork.ToDisk(deviceID))
}

func TestParseForkRejects(t *testing.T) {
	testCases := []struct {
		name  string
		mode  uint32
		setup func(onDisk *vlayout.ForkV1Struct)
	}{
		{"device with blocks", vlayout.ModeCharDev, func(onDisk *vlayout.ForkV1Struct) {
			onDisk.TotalBlockCount = 1
		}},
		{"device with slot", vlayout.ModeCharDev, func(onDisk *vlayout.ForkV1Struct) {
			onDisk.Extents[3] = testForkExtent(0, 1, 1)
		}},
		{"dirty empty slot", vlayout.ModeRegular, func(onDisk *vlayout.ForkV1Struct) {
			onDisk.Extents[0].Extent.FirstBlock = 99
		}},
		{"slot after gap", vlayout.ModeRegular, func(onDisk *vlayout.ForkV1Struct) {
			onDisk.TotalBlockCount = 1
			onDisk.Extents[1] = testForkExtent(0, 100, 1)
		}},
		{"iblock out of range", vlayout.ModeRegular, func(onDisk *vlayout.ForkV1Struct) {
			onDisk.TotalBlockCount = 1
			onDisk.Extents[0] = testForkExtent(vlayout.IBlockMax, 100, 1)
		}},
		{"overlap", vlayout.ModeRegular, func(onDisk *vlayout.ForkV1Struct) {
			onDisk.TotalBlockCount = 8
			onDisk.Extents[0] = testForkExtent(0, 100, 4)
			onDisk.Extents[1] = testForkExtent(3, 200, 4)
		}},
		{"more blocks than total", vlayout.ModeRegular, func(onDisk *vlayout.ForkV1Struct) {
			onDisk.TotalBlockCount = 3
			onDisk.Extents[0] = testForkExtent(0, 100, 4)
		}},
		{"short fork with blocks elsewhere", vlayout.ModeRegular, func(onDisk *vlayout.ForkV1Struct) {
			onDisk.TotalBlockCount = 10
			onDisk.Extents[0] = testForkExtent(0, 100, 4)
		}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			onDisk := &vlayout.ForkV1Struct{}
			testCase.setup(onDisk)
			fork, _, _, err := ParseFork(onDisk, testCase.mode)
			assert.Nil(t, fork)
			assert.True(t, blunder.Is(err, blunder.CorruptForkError), fmt.Sprintf("%v", err))
		})
	}
}

// testRandomFork builds a fork of up to ForkExtentCount extents in ascending,
// non-overlapping iblock order. Physical blocks never repeat.
func testRandomFork(rng *rand.Rand) (fork *Fork) {
	var (
		iblock     = uint64(rng.Intn(4))
		firstBlock = uint64(1000)
	)

	fork = &Fork{}
	for slot := rng.Intn(vlayout.ForkExtentCount + 1); 0 < slot; slot-- {
		blockCount := uint32(1 + rng.Intn(8))
		fork.Extents[fork.UsedExtents] = testForkExtent(iblock, firstBlock, blockCount)
		fork.UsedExtents++
		fork.TotalBlockCount += blockCount
		iblock += uint64(blockCount) + uint64(rng.Intn(4))
		firstBlock += uint64(blockCount) + 100
	}
	return
}

// testPhysicalMap maps every logical block of fork to its physical block.
func testPhysicalMap(fork *Fork) (physicalMap map[uint64]uint64) {
	physicalMap = make(map[uint64]uint64)
	for slot := 0; slot < fork.UsedExtents; slot++ {
		forkExtent := &fork.Extents[slot]
		for offset := uint64(0); offset < uint64(forkExtent.Extent.BlockCount); offset++ {
			physicalMap[forkExtent.IBlock+offset] = forkExtent.Extent.FirstBlock + offset
		}
	}
	return
}

// After TruncateTo(n) no extent reaches past n, the total matches what is
// left, exactly the blocks at or past n were freed, and doing it again frees
// nothing.
func TestForkTruncateToInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 500; round++ {
		fork := testRandomFork(rng)
		before := testPhysicalMap(fork)
		newSizeInBlocks := uint64(rng.Intn(int(fork.lastEnd()) + 4))

		allocator := &testRecordingAllocator{}
		freed, err := fork.TruncateTo(newSizeInBlocks, allocator)
		require.NoError(t, err)

		var blockSum uint64
		for slot := 0; slot < fork.UsedExtents; slot++ {
			forkExtent := &fork.Extents[slot]
			require.NotZero(t, forkExtent.Extent.BlockCount, "round %d", round)
			require.LessOrEqual(t, forkExtent.IBlock+uint64(forkExtent.Extent.BlockCount), newSizeInBlocks, "round %d", round)
			blockSum += uint64(forkExtent.Extent.BlockCount)
		}
		for slot := fork.UsedExtents; slot < vlayout.ForkExtentCount; slot++ {
			require.Equal(t, vlayout.ForkExtentV1Struct{}, fork.Extents[slot])
		}
		require.Equal(t, blockSum, uint64(fork.TotalBlockCount), "round %d", round)

		freedPhysical := make(map[uint64]bool)
		for _, freeCall := range allocator.freeCalls {
			for offset := uint64(0); offset < uint64(freeCall.count); offset++ {
				require.False(t, freedPhysical[freeCall.firstBlock+offset], "round %d freed %d twice", round, freeCall.firstBlock+offset)
				freedPhysical[freeCall.firstBlock+offset] = true
			}
		}
		var expectFreed uint64
		for iblock, physicalBlock := range before {
			require.Equal(t, iblock >= newSizeInBlocks, freedPhysical[physicalBlock], "round %d iblock %d", round, iblock)
			if iblock >= newSizeInBlocks {
				expectFreed++
			}
		}
		require.Equal(t, expectFreed, freed)
		require.Equal(t, uint64(len(freedPhysical)), freed)

		onDisk := fork.ToDisk(0)
		_, _, _, err = ParseFork(&onDisk, vlayout.ModeRegular)
		require.NoError(t, err, "round %d", round)

		freeCallCount := len(allocator.freeCalls)
		freed, err = fork.TruncateTo(newSizeInBlocks, allocator)
		require.NoError(t, err)
		require.Zero(t, freed)
		require.Len(t, allocator.freeCalls, freeCallCount)
	}
}
