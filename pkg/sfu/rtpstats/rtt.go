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

package rtpstats

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/samber/lo"

	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
)

type RTTConfig struct {
	Default time.Duration `yaml:"default,omitempty"`
	Min     time.Duration `yaml:"min,omitempty"`
	Max     time.Duration `yaml:"max,omitempty"`
	// smoothing weights given to a new sample
	ReceiverReportAlpha float64 `yaml:"receiver_report_alpha,omitempty"`
	ExtendedReportAlpha float64 `yaml:"extended_report_alpha,omitempty"`
}

var DefaultRTTConfig = RTTConfig{
	Default:             70 * time.Millisecond,
	Min:                 5 * time.Millisecond,
	Max:                 150 * time.Millisecond,
	ReceiverReportAlpha: 0.25,
	ExtendedReportAlpha: 0.2,
}

// ---------------------------------------------------------------------

// RTTEstimator smooths round trip samples with an exponentially weighted
// moving average.
type RTTEstimator struct {
	config RTTConfig
	alpha  float64

	smoothed  float64
	hasSample bool
	samples   int
}

func NewRTTEstimator(config RTTConfig, alpha float64) *RTTEstimator {
	config = applyRTTDefaults(config)
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultRTTConfig.ReceiverReportAlpha
	}
	return &RTTEstimator{
		config: config,
		alpha:  alpha,
	}
}

func NewReceiverReportRTTEstimator(config RTTConfig) *RTTEstimator {
	config = applyRTTDefaults(config)
	return NewRTTEstimator(config, config.ReceiverReportAlpha)
}

func NewExtendedReportRTTEstimator(config RTTConfig) *RTTEstimator {
	config = applyRTTDefaults(config)
	return NewRTTEstimator(config, config.ExtendedReportAlpha)
}

func applyRTTDefaults(config RTTConfig) RTTConfig {
	if config.Default <= 0 {
		config.Default = DefaultRTTConfig.Default
	}
	if config.Min <= 0 {
		config.Min = DefaultRTTConfig.Min
	}
	if config.Max < config.Min {
		config.Max = max(DefaultRTTConfig.Max, config.Min)
	}
	if config.ReceiverReportAlpha <= 0 || config.ReceiverReportAlpha > 1 {
		config.ReceiverReportAlpha = DefaultRTTConfig.ReceiverReportAlpha
	}
	if config.ExtendedReportAlpha <= 0 || config.ExtendedReportAlpha > 1 {
		config.ExtendedReportAlpha = DefaultRTTConfig.ExtendedReportAlpha
	}
	return config
}

func (e *RTTEstimator) AddSample(rtt time.Duration) {
	e.samples++
	if !e.hasSample {
		e.smoothed = float64(rtt)
		e.hasSample = true
		return
	}
	e.smoothed += e.alpha * (float64(rtt) - e.smoothed)
}

func (e *RTTEstimator) HasSample() bool {
	return e.hasSample
}

func (e *RTTEstimator) Samples() int {
	return e.samples
}

// Smoothed is the unclamped average, or the configured default before any
// sample arrives.
func (e *RTTEstimator) Smoothed() time.Duration {
	if !e.hasSample {
		return e.config.Default
	}
	return time.Duration(e.smoothed)
}

// RTT is the smoothed value clamped to the configured range, for use in
// retry timing.
func (e *RTTEstimator) RTT() time.Duration {
	return lo.Clamp(e.Smoothed(), e.config.Min, e.config.Max)
}

// ---------------------------------------------------------------------

// RTTFromCompactNTP computes now - LSR - DLSR, all in 1/65536 s units. No
// sample is produced when LSR is zero or the result would be negative, the
// latter meaning clock skew or a stale report.
func RTTFromCompactNTP(now, lsr, dlsr uint32) (time.Duration, bool) {
	if lsr == 0 {
		return 0, false
	}
	if uint64(now) < uint64(lsr)+uint64(dlsr) {
		return 0, false
	}
	return rtpcodec.CompactToDuration(now - lsr - dlsr), true
}

func RTTFromReceptionReport(report rtcp.ReceptionReport, now time.Time) (time.Duration, bool) {
	return RTTFromCompactNTP(rtpcodec.CompactNTPFromTime(now), report.LastSenderReport, report.Delay)
}

// ---------------------------------------------------------------------

// XRTracker runs both halves of the RFC3611 RRT/DLRR exchange. A receive-only
// endpoint that sends no SR uses it to learn its round trip time: it sends
// RRT blocks and times the DLRR echoes, while answering the peer's RRTs with
// DLRR blocks of its own.
type XRTracker struct {
	estimator *RTTEstimator

	peerRRT          map[uint32]uint32
	peerRRTArrivedAt map[uint32]time.Time
}

func NewXRTracker(config RTTConfig) *XRTracker {
	return &XRTracker{
		estimator:        NewExtendedReportRTTEstimator(config),
		peerRRT:          make(map[uint32]uint32),
		peerRRTArrivedAt: make(map[uint32]time.Time),
	}
}

// OnReceiverReferenceTime remembers a peer's RRT so it can be answered.
func (x *XRTracker) OnReceiverReferenceTime(senderSSRC uint32, block *rtcp.ReceiverReferenceTimeReportBlock, arrival time.Time) {
	x.peerRRT[senderSSRC] = rtpcodec.CompactNTP(block.NTPTimestamp)
	x.peerRRTArrivedAt[senderSSRC] = arrival
}

// DLRRReports answers every RRT seen since the last call.
func (x *XRTracker) DLRRReports(now time.Time) []rtcp.DLRRReport {
	if len(x.peerRRT) == 0 {
		return nil
	}

	reports := make([]rtcp.DLRRReport, 0, len(x.peerRRT))
	for ssrc, lrr := range x.peerRRT {
		reports = append(reports, rtcp.DLRRReport{
			SSRC:   ssrc,
			LastRR: lrr,
			DLRR:   rtpcodec.CompactDuration(now.Sub(x.peerRRTArrivedAt[ssrc])),
		})
		delete(x.peerRRT, ssrc)
		delete(x.peerRRTArrivedAt, ssrc)
	}
	return reports
}

// OnDLRR consumes the echo of one of our RRTs.
func (x *XRTracker) OnDLRR(report rtcp.DLRRReport, now time.Time) (time.Duration, bool) {
	rtt, ok := RTTFromCompactNTP(rtpcodec.CompactNTPFromTime(now), report.LastRR, report.DLRR)
	if !ok {
		return 0, false
	}
	x.estimator.AddSample(rtt)
	return rtt, true
}

func (x *XRTracker) Estimator() *RTTEstimator {
	return x.estimator
}
