// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package remotebwe

import (
	"math"

	"github.com/gammazero/deque"

	"github.com/livekit/mediacore/pkg/sfu/bwe"
)

const (
	minFramePeriodHistoryLength = 60
	deltaCounterMax             = 1000
)

// overuseEstimator is a Kalman filter over the inter-group delay variation
// d = slope*sizeDelta + offset + noise. offset is the queuing delay trend
// that the detector thresholds.
type overuseEstimator struct {
	numOfDeltas  int
	slope        float64
	offset       float64
	prevOffset   float64
	e            [2][2]float64
	processNoise [2]float64
	avgNoise     float64
	varNoise     float64
	tsDeltaHist  deque.Deque[float64]
}

func newOveruseEstimator() *overuseEstimator {
	o := &overuseEstimator{
		slope:        8.0 / 512.0,
		e:            [2][2]float64{{100, 0}, {0, 1e-1}},
		processNoise: [2]float64{1e-13, 1e-3},
		varNoise:     50,
	}
	o.tsDeltaHist.SetBaseCap(minFramePeriodHistoryLength)
	return o
}

func (o *overuseEstimator) update(arrivalDeltaMs float64, tsDeltaMs float64, sizeDelta int, usage bwe.BandwidthUsage) {
	minFramePeriod := o.updateMinFramePeriod(tsDeltaMs)
	tTsDelta := arrivalDeltaMs - tsDeltaMs
	fsDelta := float64(sizeDelta)

	o.numOfDeltas = min(o.numOfDeltas+1, deltaCounterMax)

	o.e[0][0] += o.processNoise[0]
	o.e[1][1] += o.processNoise[1]
	if (usage == bwe.BandwidthUsageOverusing && o.offset < o.prevOffset) ||
		(usage == bwe.BandwidthUsageUnderusing && o.offset > o.prevOffset) {
		o.e[1][1] += 10 * o.processNoise[1]
	}

	h := [2]float64{fsDelta, 1.0}
	eh := [2]float64{
		o.e[0][0]*h[0] + o.e[0][1]*h[1],
		o.e[1][0]*h[0] + o.e[1][1]*h[1],
	}
	residual := tTsDelta - o.slope*h[0] - o.offset

	inStableState := usage == bwe.BandwidthUsageNormal
	maxResidual := 3.0 * math.Sqrt(o.varNoise)
	if math.Abs(residual) < maxResidual {
		o.updateNoiseEstimate(residual, minFramePeriod, inStableState)
	} else {
		o.updateNoiseEstimate(math.Copysign(maxResidual, residual), minFramePeriod, inStableState)
	}

	denom := o.varNoise + h[0]*eh[0] + h[1]*eh[1]
	k := [2]float64{eh[0] / denom, eh[1] / denom}
	ikh := [2][2]float64{
		{1 - k[0]*h[0], -k[0] * h[1]},
		{-k[1] * h[0], 1 - k[1]*h[1]},
	}
	e00 := o.e[0][0]
	e01 := o.e[0][1]
	o.e[0][0] = e00*ikh[0][0] + o.e[1][0]*ikh[0][1]
	o.e[0][1] = e01*ikh[0][0] + o.e[1][1]*ikh[0][1]
	o.e[1][0] = e00*ikh[1][0] + o.e[1][0]*ikh[1][1]
	o.e[1][1] = e01*ikh[1][0] + o.e[1][1]*ikh[1][1]

	o.slope += k[0] * residual
	o.prevOffset = o.offset
	o.offset += k[1] * residual
}

func (o *overuseEstimator) updateMinFramePeriod(tsDeltaMs float64) float64 {
	if o.tsDeltaHist.Len() >= minFramePeriodHistoryLength {
		o.tsDeltaHist.PopFront()
	}
	minFramePeriod := tsDeltaMs
	for i := 0; i < o.tsDeltaHist.Len(); i++ {
		minFramePeriod = min(minFramePeriod, o.tsDeltaHist.At(i))
	}
	o.tsDeltaHist.PushBack(tsDeltaMs)
	return minFramePeriod
}

func (o *overuseEstimator) updateNoiseEstimate(residual float64, tsDeltaMs float64, stableState bool) {
	if !stableState {
		return
	}

	// faster filter during startup to adapt quickly to the jitter level
	alpha := 0.01
	if o.numOfDeltas > 10*30 {
		alpha = 0.002
	}
	beta := math.Pow(1-alpha, tsDeltaMs*30.0/1000.0)
	o.avgNoise = beta*o.avgNoise + (1-beta)*residual
	o.varNoise = beta*o.varNoise + (1-beta)*(o.avgNoise-residual)*(o.avgNoise-residual)
	if o.varNoise < 1 {
		o.varNoise = 1
	}
}
