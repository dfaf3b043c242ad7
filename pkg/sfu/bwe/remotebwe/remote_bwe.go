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
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/pkg/sfu/bwe"
)

type RemoteBWEConfig struct {
	RateController RateControllerConfig  `yaml:"rate_controller,omitempty"`
	Detector       OveruseDetectorConfig `yaml:"detector,omitempty"`

	BitrateWindow       time.Duration `yaml:"bitrate_window,omitempty"`
	BitrateBucket       time.Duration `yaml:"bitrate_bucket,omitempty"`
	REMBInterval        time.Duration `yaml:"remb_interval,omitempty"`
	StreamTimeout       time.Duration `yaml:"stream_timeout,omitempty"`
	SignificantDecrease float64       `yaml:"significant_decrease,omitempty"`
}

var (
	DefaultRemoteBWEConfig = RemoteBWEConfig{
		RateController:      DefaultRateControllerConfig,
		Detector:            DefaultOveruseDetectorConfig,
		BitrateWindow:       time.Second,
		BitrateBucket:       100 * time.Millisecond,
		REMBInterval:        time.Second,
		StreamTimeout:       2 * time.Second,
		SignificantDecrease: 0.97,
	}
)

// ---------------------------------------------------------------------------

type RemoteBWEParams struct {
	Config     RemoteBWEConfig
	Logger     logger.Logger
	OnEstimate func(estimate bwe.Estimate)
}

// RemoteBWE estimates the bandwidth of the path from a remote sender using
// the abs-send-time stamped on its packets, and produces the bitrate to
// advertise back through REMB.
type RemoteBWE struct {
	params RemoteBWEParams

	lock         sync.RWMutex
	interArrival interArrival
	estimator    *overuseEstimator
	detector     *overuseDetector
	rate         *rateController
	incoming     *incomingBitrate

	ssrcs        map[uint32]time.Time
	usage        bwe.BandwidthUsage
	target       uint64
	lastMeasured uint64

	lastEstimateAt      time.Time
	lastEstimateBitrate uint64
}

func NewRemoteBWE(params RemoteBWEParams) *RemoteBWE {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.Config = applyRemoteBWEDefaults(params.Config)
	r := &RemoteBWE{
		params: params,
	}
	r.resetLocked()
	return r
}

func applyRemoteBWEDefaults(config RemoteBWEConfig) RemoteBWEConfig {
	config.RateController = applyRateControllerDefaults(config.RateController)
	config.Detector = applyOveruseDetectorDefaults(config.Detector)
	if config.BitrateWindow <= 0 {
		config.BitrateWindow = DefaultRemoteBWEConfig.BitrateWindow
	}
	if config.BitrateBucket <= 0 {
		config.BitrateBucket = DefaultRemoteBWEConfig.BitrateBucket
	}
	if config.REMBInterval <= 0 {
		config.REMBInterval = DefaultRemoteBWEConfig.REMBInterval
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = DefaultRemoteBWEConfig.StreamTimeout
	}
	if config.SignificantDecrease <= 0 || config.SignificantDecrease > 1 {
		config.SignificantDecrease = DefaultRemoteBWEConfig.SignificantDecrease
	}
	return config
}

func (r *RemoteBWE) IncomingPacket(ssrc uint32, absSendTime uint32, size int, arrival time.Time) {
	r.lock.Lock()
	r.ssrcs[ssrc] = arrival
	r.incoming.add(size, arrival)

	delta, ok := r.interArrival.update(absSendTime<<absSendTimeShift, arrival, size)
	if !ok {
		r.lock.Unlock()
		return
	}

	tsDeltaMs := float64(delta.timestamp) * timestampToMs
	arrivalDeltaMs := float64(delta.arrival.Microseconds()) / 1000.0
	r.estimator.update(arrivalDeltaMs, tsDeltaMs, delta.size, r.detector.state())
	usage := r.detector.detect(r.estimator.offset, tsDeltaMs, r.estimator.numOfDeltas, arrival)

	measured, _ := r.incoming.bitrate(arrival)
	r.lastMeasured = measured

	prevUsage := r.usage
	prevTarget := r.target
	r.usage = usage
	r.target = r.rate.update(usage, measured, arrival)

	var estimate *bwe.Estimate
	if usage != prevUsage {
		r.params.Logger.Debugw(
			"remote bwe: usage change",
			"from", prevUsage,
			"to", usage,
			"offset", r.estimator.offset,
			"threshold", r.detector.threshold,
			"measured(bps)", measured,
			"old(bps)", prevTarget,
			"new(bps)", r.target,
		)
		estimate = r.estimateLocked(arrival)
	} else if r.target < uint64(float64(r.lastEstimateBitrate)*r.params.Config.SignificantDecrease) {
		// a large drop is not held back until the next periodic report
		estimate = r.estimateLocked(arrival)
	}
	r.lock.Unlock()

	r.notify(estimate)
}

// Tick drops senders that went quiet and repeats the estimate every
// REMBInterval while there are active senders.
func (r *RemoteBWE) Tick(now time.Time) {
	r.lock.Lock()
	for ssrc, lastSeen := range r.ssrcs {
		if now.Sub(lastSeen) > r.params.Config.StreamTimeout {
			delete(r.ssrcs, ssrc)
		}
	}
	if len(r.ssrcs) == 0 {
		if r.incoming.initialized {
			r.params.Logger.Debugw("remote bwe: no active streams, resetting")
			r.resetLocked()
		}
		r.lock.Unlock()
		return
	}

	var estimate *bwe.Estimate
	if now.Sub(r.lastEstimateAt) >= r.params.Config.REMBInterval {
		estimate = r.estimateLocked(now)
	}
	r.lock.Unlock()

	r.notify(estimate)
}

func (r *RemoteBWE) TargetBitrate() uint64 {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.target
}

func (r *RemoteBWE) Usage() bwe.BandwidthUsage {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.usage
}

// SSRCs returns the senders currently covered by the estimate.
func (r *RemoteBWE) SSRCs() []uint32 {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.ssrcsLocked()
}

func (r *RemoteBWE) Reset() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.resetLocked()
}

func (r *RemoteBWE) resetLocked() {
	r.interArrival.reset()
	r.estimator = newOveruseEstimator()
	r.detector = newOveruseDetector(r.params.Config.Detector)
	r.rate = newRateController(r.params.Config.RateController)
	r.incoming = newIncomingBitrate(r.params.Config.BitrateWindow, r.params.Config.BitrateBucket)
	r.ssrcs = make(map[uint32]time.Time)
	r.usage = bwe.BandwidthUsageNormal
	r.target = r.rate.target
	r.lastMeasured = 0
	r.lastEstimateAt = time.Time{}
	r.lastEstimateBitrate = 0
}

func (r *RemoteBWE) ssrcsLocked() []uint32 {
	ssrcs := lo.Keys(r.ssrcs)
	slices.Sort(ssrcs)
	return ssrcs
}

func (r *RemoteBWE) estimateLocked(at time.Time) *bwe.Estimate {
	r.lastEstimateAt = at
	r.lastEstimateBitrate = r.target
	return &bwe.Estimate{
		Bitrate: r.target,
		Usage:   r.usage,
		SSRCs:   r.ssrcsLocked(),
		At:      at,
	}
}

func (r *RemoteBWE) notify(estimate *bwe.Estimate) {
	if estimate == nil || r.params.OnEstimate == nil {
		return
	}
	r.params.OnEstimate(*estimate)
}
