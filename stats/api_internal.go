// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stats

const expectedNumberOfDistinctStatNames = 32

func incrementSomething(statName *string, incBy uint64) {
	if 0 == incBy {
		return
	}

	globals.Lock()
	defer globals.Unlock()

	if nil == globals.statFullMap {
		globals.statFullMap = make(map[string]uint64, expectedNumberOfDistinctStatNames)
	}
	globals.statFullMap[*statName] += incBy

	if nil != globals.statDeltaMap {
		globals.statDeltaMap[*statName] += incBy
	}
}

func dump() (statMap map[string]uint64) {
	globals.Lock()
	defer globals.Unlock()

	statMap = make(map[string]uint64, len(globals.statFullMap))
	for statName, statValue := range globals.statFullMap {
		statMap[statName] = statValue
	}

	return
}

// takeDeltas hands back (and forgets) up to max accumulated-but-unsent
// increments.
func takeDeltas(max int) (deltas map[string]uint64) {
	globals.Lock()
	defer globals.Unlock()

	deltas = make(map[string]uint64)
	for statName, statIncrement := range globals.statDeltaMap {
		if len(deltas) == max {
			break
		}
		deltas[statName] = statIncrement
		delete(globals.statDeltaMap, statName)
	}

	return
}
