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
	"time"

	"github.com/samber/lo"

	"github.com/livekit/mediacore/pkg/sfu/bwe"
)

const (
	minNumDeltas = 60
)

type OveruseDetectorConfig struct {
	InitialThreshold float64 `yaml:"initial_threshold,omitempty"`
	MinThreshold     float64 `yaml:"min_threshold,omitempty"`
	MaxThreshold     float64 `yaml:"max_threshold,omitempty"`
	KUp              float64 `yaml:"k_up,omitempty"`
	KDown            float64 `yaml:"k_down,omitempty"`
	// deviations further than this above the threshold do not move it
	MaxAdaptOffset    float64       `yaml:"max_adapt_offset,omitempty"`
	MaxAdaptTimeDelta time.Duration `yaml:"max_adapt_time_delta,omitempty"`
	OverusingTime     time.Duration `yaml:"overusing_time,omitempty"`
	OverusingCount    int           `yaml:"overusing_count,omitempty"`
}

var DefaultOveruseDetectorConfig = OveruseDetectorConfig{
	InitialThreshold:  12.5,
	MinThreshold:      6,
	MaxThreshold:      600,
	KUp:               0.0087,
	KDown:             0.039,
	MaxAdaptOffset:    15,
	MaxAdaptTimeDelta: 100 * time.Millisecond,
	OverusingTime:     150 * time.Millisecond,
	OverusingCount:    3,
}

// overuseDetector compares the scaled delay trend against an adaptive
// threshold. Overuse has to persist for OverusingTime and more than
// OverusingCount samples before it is declared.
type overuseDetector struct {
	config OveruseDetectorConfig

	threshold      float64
	lastUpdate     time.Time
	timeOverUsing  float64
	overuseCounter int
	usage          bwe.BandwidthUsage
}

func applyOveruseDetectorDefaults(config OveruseDetectorConfig) OveruseDetectorConfig {
	d := DefaultOveruseDetectorConfig
	if config.MinThreshold <= 0 {
		config.MinThreshold = d.MinThreshold
	}
	if config.MaxThreshold < config.MinThreshold {
		config.MaxThreshold = max(d.MaxThreshold, config.MinThreshold)
	}
	if config.InitialThreshold <= 0 {
		config.InitialThreshold = d.InitialThreshold
	}
	if config.KUp <= 0 {
		config.KUp = d.KUp
	}
	if config.KDown <= 0 {
		config.KDown = d.KDown
	}
	if config.MaxAdaptOffset <= 0 {
		config.MaxAdaptOffset = d.MaxAdaptOffset
	}
	if config.MaxAdaptTimeDelta <= 0 {
		config.MaxAdaptTimeDelta = d.MaxAdaptTimeDelta
	}
	if config.OverusingTime <= 0 {
		config.OverusingTime = d.OverusingTime
	}
	if config.OverusingCount <= 0 {
		config.OverusingCount = d.OverusingCount
	}
	return config
}

func newOveruseDetector(config OveruseDetectorConfig) *overuseDetector {
	return &overuseDetector{
		config:        config,
		threshold:     config.InitialThreshold,
		timeOverUsing: -1,
	}
}

func (d *overuseDetector) detect(offset float64, tsDeltaMs float64, numOfDeltas int, now time.Time) bwe.BandwidthUsage {
	if numOfDeltas < 2 {
		return bwe.BandwidthUsageNormal
	}

	modifiedOffset := float64(min(numOfDeltas, minNumDeltas)) * offset
	switch {
	case modifiedOffset > d.threshold:
		if d.timeOverUsing == -1 {
			// assume the first sample was in the middle of the overuse period
			d.timeOverUsing = tsDeltaMs / 2
		} else {
			d.timeOverUsing += tsDeltaMs
		}
		d.overuseCounter++
		if d.timeOverUsing > float64(d.config.OverusingTime.Milliseconds()) && d.overuseCounter > d.config.OverusingCount {
			d.usage = bwe.BandwidthUsageOverusing
		} else if d.usage == bwe.BandwidthUsageUnderusing {
			d.usage = bwe.BandwidthUsageNormal
		}

	case modifiedOffset < -d.threshold:
		d.timeOverUsing = -1
		d.overuseCounter = 0
		d.usage = bwe.BandwidthUsageUnderusing

	default:
		d.timeOverUsing = -1
		d.overuseCounter = 0
		d.usage = bwe.BandwidthUsageNormal
	}

	d.updateThreshold(modifiedOffset, now)
	return d.usage
}

func (d *overuseDetector) updateThreshold(modifiedOffset float64, now time.Time) {
	if d.lastUpdate.IsZero() {
		d.lastUpdate = now
	}

	absOffset := math.Abs(modifiedOffset)
	if absOffset > d.threshold+d.config.MaxAdaptOffset {
		// avoid adapting to a spike
		d.lastUpdate = now
		return
	}

	k := d.config.KUp
	if absOffset < d.threshold {
		k = d.config.KDown
	}
	timeDeltaMs := float64(min(now.Sub(d.lastUpdate), d.config.MaxAdaptTimeDelta).Milliseconds())
	d.threshold += k * (absOffset - d.threshold) * timeDeltaMs
	d.threshold = lo.Clamp(d.threshold, d.config.MinThreshold, d.config.MaxThreshold)
	d.lastUpdate = now
}

func (d *overuseDetector) state() bwe.BandwidthUsage {
	return d.usage
}
