// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/vdfs/conf"
	"github.com/NVIDIA/vdfs/transitions"
)

var testStatName = "vdfs.test.operations"

func TestDumpWithoutStatsd(t *testing.T) {
	before := Dump()[testStatName]

	IncrementOperations(&testStatName)
	IncrementOperationsBy(&testStatName, 4)
	IncrementOperationsBy(&testStatName, 0)

	assert.Equal(t, before+5, Dump()[testStatName])
}

func TestSendToStatsd(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	port := listener.LocalAddr().(*net.UDPAddr).Port

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Stats.IPAddr=127.0.0.1",
		"Stats.UDPPort=" + strconv.Itoa(port),
		"Stats.BufferLength=100",
		"Stats.MaxLatency=10ms",
	})
	require.NoError(t, err)

	require.NoError(t, transitions.Up(confMap))

	IncrementOperationsBy(&testStatName, 3)

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 256)
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), testStatName+":3|c"))

	require.NoError(t, transitions.Down(confMap))
}
