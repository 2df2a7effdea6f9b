// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/NVIDIA/vdfs/conf"
	"github.com/NVIDIA/vdfs/transitions"
)

type globalsStruct struct {
	sync.Mutex
	udpRAddr     *net.UDPAddr
	bufferLength int
	maxLatency   time.Duration
	statFullMap  map[string]uint64 // Key is stat name, Value is the sum of all increments
	statDeltaMap map[string]uint64 // Key is stat name, Value is the sum of un-sent increments; nil if not sending
	stopChan     chan struct{}
	doneChan     chan struct{}
}

var globals globalsStruct

type transitionsCallbackInterfaceStruct struct{}

var transitionsCallbackInterface transitionsCallbackInterfaceStruct

func init() {
	transitions.Register("stats", &transitionsCallbackInterface)
}

func (dummy *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	var (
		ipAddr  string
		udpPort uint16
	)

	udpPort, err = confMap.FetchOptionValueUint16("Stats", "UDPPort")
	if nil != err {
		// No statsd to talk to; counters are still kept for Dump()
		err = nil
		return
	}

	ipAddr, err = confMap.FetchOptionValueString("Stats", "IPAddr")
	if nil != err {
		ipAddr = "localhost"
	}

	globals.udpRAddr, err = net.ResolveUDPAddr("udp", net.JoinHostPort(ipAddr, strconv.FormatUint(uint64(udpPort), 10)))
	if nil != err {
		return
	}

	globals.bufferLength = 20
	if bufferLength, bufferLengthErr := confMap.FetchOptionValueUint16("Stats", "BufferLength"); (nil == bufferLengthErr) && (0 < bufferLength) {
		globals.bufferLength = int(bufferLength)
	}

	globals.maxLatency, err = confMap.FetchOptionValueDuration("Stats", "MaxLatency")
	if (nil != err) || (0 == globals.maxLatency) {
		globals.maxLatency = time.Second
		err = nil
	}

	globals.Lock()
	globals.statDeltaMap = make(map[string]uint64, expectedNumberOfDistinctStatNames)
	globals.Unlock()

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})

	go sender()

	return
}

func (dummy *transitionsCallbackInterfaceStruct) ServeVolume(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (dummy *transitionsCallbackInterfaceStruct) UnserveVolume(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (dummy *transitionsCallbackInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	if nil != globals.stopChan {
		close(globals.stopChan)
		<-globals.doneChan
		globals.stopChan = nil
	}

	globals.Lock()
	globals.statDeltaMap = nil
	globals.Unlock()

	return nil
}
