// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package statslogger periodically writes the stats counters, Go memory
// statistics and the free space of every served volume to the log.
package statslogger

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/NVIDIA/vdfs/conf"
	"github.com/NVIDIA/vdfs/inode"
	"github.com/NVIDIA/vdfs/logger"
	"github.com/NVIDIA/vdfs/stats"
	"github.com/NVIDIA/vdfs/transitions"
)

type volumeSamplesStruct struct {
	freeBlocks     SimpleStats
	reservedBlocks SimpleStats
	freeCells      SimpleStats
}

type globalsStruct struct {
	sync.Mutex
	collectChan    <-chan time.Time // time to sample volume free space
	logChan        <-chan time.Time // time to log statistics
	stopChan       chan bool        // time to shutdown and go home
	doneChan       chan bool        // shutdown complete
	statsLogPeriod time.Duration    // time between statistics logging
	collectTicker  *time.Ticker     // ticker for collectChan (if any)
	logTicker      *time.Ticker     // ticker for logChan (if any)
	volumeSamples  map[string]*volumeSamplesStruct
}

var globals globalsStruct

func init() {
	transitions.Register("statslogger", &globals)
}

func parseConfMap(confMap conf.ConfMap) (err error) {
	globals.statsLogPeriod, err = confMap.FetchOptionValueDuration("StatsLogger", "Period")
	if nil != err {
		logger.Warnf("config variable 'StatsLogger.Period' defaulting to '10m': %v", err)
		globals.statsLogPeriod = 10 * time.Minute
	}

	// statsLogPeriod must be >= 1 sec, except 0 means disabled
	if (globals.statsLogPeriod < time.Second) && (0 != globals.statsLogPeriod) {
		logger.Warnf("config variable 'StatsLogger.Period' value is non-zero and less than 1s; defaulting to '10m'")
		globals.statsLogPeriod = 10 * time.Minute
	}

	err = nil
	return
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	err = parseConfMap(confMap)
	if nil != err {
		return
	}

	globals.Lock()
	globals.volumeSamples = make(map[string]*volumeSamplesStruct)
	globals.Unlock()

	if 0 == globals.statsLogPeriod {
		return
	}

	collectPeriod := time.Second
	if globals.statsLogPeriod < 10*collectPeriod {
		collectPeriod = globals.statsLogPeriod / 10
	}
	globals.collectTicker = time.NewTicker(collectPeriod)
	globals.collectChan = globals.collectTicker.C

	globals.logTicker = time.NewTicker(globals.statsLogPeriod)
	globals.logChan = globals.logTicker.C

	globals.stopChan = make(chan bool)
	globals.doneChan = make(chan bool)

	go statsLogger()

	return
}

func (dummy *globalsStruct) ServeVolume(confMap conf.ConfMap, volumeName string) (err error) {
	globals.Lock()
	globals.volumeSamples[volumeName] = &volumeSamplesStruct{}
	globals.Unlock()
	return nil
}

func (dummy *globalsStruct) UnserveVolume(confMap conf.ConfMap, volumeName string) (err error) {
	globals.Lock()
	delete(globals.volumeSamples, volumeName)
	globals.Unlock()
	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	logger.Infof("statslogger.Down() called")
	if 0 != globals.statsLogPeriod {
		globals.stopChan <- true
		_ = <-globals.doneChan
		globals.collectTicker.Stop()
		globals.logTicker.Stop()
	}

	return
}

// statsLogger samples volume free space every collectChan tick and logs a
// batch of statistics every logChan tick.
func statsLogger() {
	var (
		oldStatsMap = make(map[string]uint64)
		newStatsMap map[string]uint64
		oldMemStats runtime.MemStats
		newMemStats runtime.MemStats
	)

	runtime.ReadMemStats(&oldMemStats)

mainloop:
	for {
		select {
		case <-globals.stopChan:
			break mainloop
		case <-globals.collectChan:
			sampleVolumes()
			continue mainloop
		case <-globals.logChan:
			// fall through to do the logging
		}

		newStatsMap = stats.Dump()
		runtime.ReadMemStats(&newMemStats)

		// an extra sample so every volume has at least one
		sampleVolumes()
		logVolumes()

		logStats("total", &newMemStats, newStatsMap)

		deltaMemStats := memStatsDelta(&oldMemStats, &newMemStats)
		deltaStatsMap := make(map[string]uint64, len(newStatsMap))
		for key, value := range newStatsMap {
			deltaStatsMap[key] = value - oldStatsMap[key]
		}
		logStats("delta", &deltaMemStats, deltaStatsMap)

		oldMemStats = newMemStats
		oldStatsMap = newStatsMap
	}

	globals.doneChan <- true
}

func sampleVolumes() {
	globals.Lock()
	defer globals.Unlock()

	for volumeName, samples := range globals.volumeSamples {
		volumeHandle, err := inode.FetchVolumeHandle(volumeName)
		if nil != err {
			continue
		}
		freeBlockCount, reservedBlockCount, freeCellCount := volumeHandle.FreeSpace()
		samples.freeBlocks.Sample(int64(freeBlockCount))
		samples.reservedBlocks.Sample(int64(reservedBlockCount))
		samples.freeCells.Sample(int64(freeCellCount))
	}
}

// logVolumes writes, then clears, each served volume's samples.
func logVolumes() {
	globals.Lock()
	defer globals.Unlock()

	volumeNames := make([]string, 0, len(globals.volumeSamples))
	for volumeName := range globals.volumeSamples {
		volumeNames = append(volumeNames, volumeName)
	}
	sort.Strings(volumeNames)

	for _, volumeName := range volumeNames {
		samples := globals.volumeSamples[volumeName]
		logger.Infof("Volume %s FreeBlocks: min=%d mean=%d max=%d  ReservedBlocks: min=%d mean=%d max=%d  FreeCells: min=%d mean=%d max=%d",
			volumeName,
			samples.freeBlocks.Min(), samples.freeBlocks.Mean(), samples.freeBlocks.Max(),
			samples.reservedBlocks.Min(), samples.reservedBlocks.Mean(), samples.reservedBlocks.Max(),
			samples.freeCells.Min(), samples.freeCells.Mean(), samples.freeCells.Max())
		samples.freeBlocks.Clear()
		samples.reservedBlocks.Clear()
		samples.freeCells.Clear()
	}
}

func memStatsDelta(oldMemStats *runtime.MemStats, newMemStats *runtime.MemStats) (deltaMemStats runtime.MemStats) {
	deltaMemStats.Sys = newMemStats.Sys - oldMemStats.Sys
	deltaMemStats.TotalAlloc = newMemStats.TotalAlloc - oldMemStats.TotalAlloc
	deltaMemStats.HeapInuse = newMemStats.HeapInuse - oldMemStats.HeapInuse
	deltaMemStats.HeapIdle = newMemStats.HeapIdle - oldMemStats.HeapIdle
	deltaMemStats.HeapReleased = newMemStats.HeapReleased - oldMemStats.HeapReleased
	deltaMemStats.StackSys = newMemStats.StackSys - oldMemStats.StackSys
	deltaMemStats.GCSys = newMemStats.GCSys - oldMemStats.GCSys
	deltaMemStats.OtherSys = newMemStats.OtherSys - oldMemStats.OtherSys
	deltaMemStats.NumGC = newMemStats.NumGC - oldMemStats.NumGC
	deltaMemStats.PauseTotalNs = newMemStats.PauseTotalNs - oldMemStats.PauseTotalNs
	deltaMemStats.NextGC = newMemStats.NextGC
	deltaMemStats.GCCPUFraction = newMemStats.GCCPUFraction
	return
}

// logStats writes statistics in a semi-human readable format. statsType is
// "total" or "delta", saying whether memStats and statsMap are absolute or
// relative to the previous batch.
func logStats(statsType string, memStats *runtime.MemStats, statsMap map[string]uint64) {
	logger.Infof("Memory in Kibyte (%s): Sys=%d StackSys=%d GCSys=%d OtherSys=%d HeapInuse=%d HeapIdle=%d HeapReleased=%d TotalAlloc=%d",
		statsType,
		int64(memStats.Sys)/1024, int64(memStats.StackSys)/1024,
		int64(memStats.GCSys)/1024, int64(memStats.OtherSys)/1024,
		int64(memStats.HeapInuse)/1024, int64(memStats.HeapIdle)/1024,
		int64(memStats.HeapReleased)/1024, int64(memStats.TotalAlloc)/1024)
	logger.Infof("GC Stats (%s): NumGC=%d NextGC=%d KiB PauseTotalMsec=%d GC_CPU=%4.2f%%",
		statsType, memStats.NumGC, int64(memStats.NextGC)/1024,
		memStats.PauseTotalNs/1000000, memStats.GCCPUFraction*100)

	logger.Infof("Allocator (%s): BlocksAllocated=%d BlocksFreed=%d CellsFreed=%d Failures=%d",
		statsType,
		statsMap[stats.AllocatorBlocksAllocated], statsMap[stats.AllocatorBlocksFreed],
		statsMap[stats.AllocatorCellsFreed], statsMap[stats.AllocatorFailures])
	logger.Infof("Truncate (%s): Ops=%d ForkExtentsFreed=%d TreeExtentsFreed=%d TreeExtentsSplit=%d RuntimeBlocksReleased=%d",
		statsType,
		statsMap[stats.TruncateOps], statsMap[stats.ForkExtentsFreed],
		statsMap[stats.ExtentTreeExtentsFreed], statsMap[stats.ExtentTreeExtentsSplit],
		statsMap[stats.RuntimeBlocksReleased])

	reclaimedOps := statsMap[stats.OrphanReclaimedTinyOps] + statsMap[stats.OrphanReclaimedSmallOps] + statsMap[stats.OrphanReclaimedRegularOps]
	logger.Infof("Orphans (%s): Armed=%d Reclaimed=%d (Tiny=%d Small=%d Regular=%d) Sweeps=%d",
		statsType,
		statsMap[stats.OrphanArmOps], reclaimedOps,
		statsMap[stats.OrphanReclaimedTinyOps], statsMap[stats.OrphanReclaimedSmallOps],
		statsMap[stats.OrphanReclaimedRegularOps], statsMap[stats.OrphanSweepOps])
	logger.Infof("Inodes (%s): Created=%d Flushed=%d ForkExtentsOverflowed=%d Checkpoints=%d CheckpointNodesWritten=%d",
		statsType,
		statsMap[stats.InodeCreateOps], statsMap[stats.InodeFlushOps],
		statsMap[stats.ForkExtentsOverflowed], statsMap[stats.CheckpointOps],
		statsMap[stats.CheckpointNodesWritten])
}
