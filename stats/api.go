// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package stats accumulates named counters and, when Stats.UDPPort is
// configured, forwards their increments to a local statsd.
package stats

// Dump returns every counter accumulated since process start.
func Dump() (statMap map[string]uint64) {
	statMap = dump()
	return
}

// IncrementOperations adds one to statName.
func IncrementOperations(statName *string) {
	incrementSomething(statName, 1)
}

// IncrementOperationsBy adds incBy to statName.
func IncrementOperationsBy(statName *string, incBy uint64) {
	incrementSomething(statName, incBy)
}
