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
	"time"

	"github.com/samber/lo"

	"github.com/livekit/mediacore/pkg/sfu/bwe"
)

type RateControllerConfig struct {
	MinBitrate   uint64 `yaml:"min_bitrate,omitempty"`
	MaxBitrate   uint64 `yaml:"max_bitrate,omitempty"`
	StartBitrate uint64 `yaml:"start_bitrate,omitempty"`

	DecreaseFactor            float64 `yaml:"decrease_factor,omitempty"`
	ConsecutiveDecreaseFactor float64 `yaml:"consecutive_decrease_factor,omitempty"`
	IncreaseFactor            float64 `yaml:"increase_factor,omitempty"`
	ConsecutiveIncrease       uint64  `yaml:"consecutive_increase,omitempty"`
	NormalClimbAfter          int     `yaml:"normal_climb_after,omitempty"`
	NormalClimb               uint64  `yaml:"normal_climb,omitempty"`

	// multiplicative changes while a state persists are at least this far apart
	HoldInterval time.Duration `yaml:"hold_interval,omitempty"`
}

var DefaultRateControllerConfig = RateControllerConfig{
	MinBitrate:                150_000,
	MaxBitrate:                3_000_000,
	StartBitrate:              1_000_000,
	DecreaseFactor:            0.85,
	ConsecutiveDecreaseFactor: 0.80,
	IncreaseFactor:            1.05,
	ConsecutiveIncrease:       1_000,
	NormalClimbAfter:          10,
	NormalClimb:               100,
	HoldInterval:              200 * time.Millisecond,
}

// rateController maps detector output to a target bitrate. After an overuse
// the rate it settles at becomes a floor, and after an underuse the rate it
// settles at becomes a ceiling, until the next opposite event.
type rateController struct {
	config RateControllerConfig

	target       uint64
	floor        uint64
	ceiling      uint64
	prev         bwe.BandwidthUsage
	normalCount  int
	lastChangeAt time.Time
}

func applyRateControllerDefaults(config RateControllerConfig) RateControllerConfig {
	d := DefaultRateControllerConfig
	if config.MinBitrate == 0 {
		config.MinBitrate = d.MinBitrate
	}
	if config.MaxBitrate < config.MinBitrate {
		config.MaxBitrate = max(d.MaxBitrate, config.MinBitrate)
	}
	if config.StartBitrate == 0 {
		config.StartBitrate = d.StartBitrate
	}
	if config.DecreaseFactor <= 0 || config.DecreaseFactor >= 1 {
		config.DecreaseFactor = d.DecreaseFactor
	}
	if config.ConsecutiveDecreaseFactor <= 0 || config.ConsecutiveDecreaseFactor >= 1 {
		config.ConsecutiveDecreaseFactor = d.ConsecutiveDecreaseFactor
	}
	if config.IncreaseFactor <= 1 {
		config.IncreaseFactor = d.IncreaseFactor
	}
	if config.NormalClimbAfter <= 0 {
		config.NormalClimbAfter = d.NormalClimbAfter
	}
	if config.NormalClimb == 0 {
		config.NormalClimb = d.NormalClimb
	}
	if config.HoldInterval <= 0 {
		config.HoldInterval = d.HoldInterval
	}
	return config
}

func newRateController(config RateControllerConfig) *rateController {
	r := &rateController{
		config: config,
	}
	r.target = r.clamp(config.StartBitrate)
	return r
}

// update applies one detector sample. measured is the incoming bitrate, 0
// when not known yet.
func (r *rateController) update(usage bwe.BandwidthUsage, measured uint64, now time.Time) uint64 {
	switch usage {
	case bwe.BandwidthUsageOverusing:
		if r.prev != usage || now.Sub(r.lastChangeAt) >= r.config.HoldInterval {
			base := r.target
			if measured != 0 && measured < base {
				base = measured
			}
			factor := r.config.DecreaseFactor
			if r.prev == bwe.BandwidthUsageOverusing {
				factor = r.config.ConsecutiveDecreaseFactor
			}
			r.target = uint64(float64(base) * factor)
			r.lastChangeAt = now
		}
		r.floor = 0
		r.ceiling = 0
		r.normalCount = 0

	case bwe.BandwidthUsageUnderusing:
		if r.prev != usage || now.Sub(r.lastChangeAt) >= r.config.HoldInterval {
			base := max(r.target, measured)
			r.target = uint64(float64(base) * r.config.IncreaseFactor)
			if r.prev == bwe.BandwidthUsageUnderusing {
				r.target += r.config.ConsecutiveIncrease
			}
			r.lastChangeAt = now
		}
		r.ceiling = 0
		r.normalCount = 0

	default:
		switch r.prev {
		case bwe.BandwidthUsageOverusing:
			// hold
			r.floor = r.target
			r.normalCount = 0

		case bwe.BandwidthUsageUnderusing:
			r.ceiling = r.target
			if measured != 0 && measured < r.ceiling {
				r.ceiling = measured
			}
			r.ceiling = max(r.ceiling, r.floor)
			r.normalCount = 0

		default:
			r.normalCount++
			if r.normalCount > r.config.NormalClimbAfter {
				r.target += r.config.NormalClimb
			}
		}
	}

	r.prev = usage
	r.target = r.clamp(r.target)
	return r.target
}

func (r *rateController) clamp(bps uint64) uint64 {
	lower := max(r.config.MinBitrate, r.floor)
	upper := r.config.MaxBitrate
	if r.ceiling != 0 {
		upper = min(upper, r.ceiling)
	}
	upper = max(upper, r.config.MinBitrate)
	lower = min(lower, upper)
	return lo.Clamp(bps, lower, upper)
}

func (r *rateController) reset() {
	*r = rateController{
		config: r.config,
	}
	r.target = r.clamp(r.config.StartBitrate)
}
