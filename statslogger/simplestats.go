// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package statslogger

// SimpleStats tracks the min, max, mean and latest value of a gauge sampled
// over an interval. A cleared SimpleStats reports zero for all of them.
type SimpleStats struct {
	min     int64
	max     int64
	last    int64
	total   int64
	samples int64
}

func (sp *SimpleStats) Clear() {
	*sp = SimpleStats{}
}

func (sp *SimpleStats) Sample(value int64) {
	if (0 == sp.samples) || (value < sp.min) {
		sp.min = value
	}
	if (0 == sp.samples) || (value > sp.max) {
		sp.max = value
	}
	sp.last = value
	sp.total += value
	sp.samples++
}

func (sp *SimpleStats) Mean() int64 {
	if 0 == sp.samples {
		return 0
	}
	return sp.total / sp.samples
}

func (sp *SimpleStats) Min() int64     { return sp.min }
func (sp *SimpleStats) Max() int64     { return sp.max }
func (sp *SimpleStats) Last() int64    { return sp.last }
func (sp *SimpleStats) Samples() int64 { return sp.samples }
