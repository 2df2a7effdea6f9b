// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"net"
	"strconv"
	"time"
)

// sender flushes accumulated increments to statsd every maxLatency, and one
// last time when asked to stop. Send failures are dropped on the floor.
func sender() {
	ticker := time.NewTicker(globals.maxLatency)

	defer func() {
		ticker.Stop()
		close(globals.doneChan)
	}()

	for {
		select {
		case <-globals.stopChan:
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

func flush() {
	deltas := takeDeltas(globals.bufferLength)
	if 0 == len(deltas) {
		return
	}

	udpConn, err := net.DialUDP("udp", nil, globals.udpRAddr)
	if nil != err {
		return
	}
	defer udpConn.Close()

	for statName, statIncrement := range deltas {
		_, _ = udpConn.Write([]byte(statName + ":" + strconv.FormatUint(statIncrement, 10) + "|c"))
	}
}
