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
	"math"
	"time"

	"github.com/pion/rtcp"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
)

const (
	maxFractionLost = 255
	maxTotalLost    = 1<<23 - 1
)

type ReceiverStatsSnapshot struct {
	ExtendedHighest uint64
	Expected        uint64
	Received        uint64
	Lost            int64
	Duplicates      uint64
	OutOfOrder      uint64
	Jitter          float64
}

func (r ReceiverStatsSnapshot) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddUint64("ExtendedHighest", r.ExtendedHighest)
	e.AddUint64("Expected", r.Expected)
	e.AddUint64("Received", r.Received)
	e.AddInt64("Lost", r.Lost)
	e.AddUint64("Duplicates", r.Duplicates)
	e.AddUint64("OutOfOrder", r.OutOfOrder)
	e.AddFloat64("Jitter", r.Jitter)
	return nil
}

// ReceiverStats keeps the RFC3550 A.3 loss and A.8 interarrival jitter
// accounting for one incoming stream and turns it into reception reports.
type ReceiverStats struct {
	clockRate uint32

	initialized     bool
	baseExt         uint64
	highestExt      uint64
	received        uint64
	duplicates      uint64
	outOfOrder      uint64
	expectedPrior   uint64
	receivedPrior   uint64
	jitter          float64
	lastTransit     uint32
	hasTransit      bool
	arrivalBase     time.Time
	lastSRCompact   uint32
	lastSRArrivedAt time.Time
}

func NewReceiverStats(clockRate uint32) *ReceiverStats {
	return &ReceiverStats{
		clockRate: clockRate,
	}
}

func (r *ReceiverStats) restart(extSN uint64, arrival time.Time) {
	r.initialized = true
	r.baseExt = extSN
	r.highestExt = extSN
	r.received = 0
	r.duplicates = 0
	r.outOfOrder = 0
	r.expectedPrior = 0
	r.receivedPrior = 0
	r.hasTransit = false
	r.arrivalBase = arrival
}

func (r *ReceiverStats) Update(update SequenceUpdate, rtpTimestamp uint32, arrival time.Time) {
	switch update.Kind {
	case SequenceUpdateRejected:
		return

	case SequenceUpdateFirst, SequenceUpdateResync:
		r.restart(update.ExtendedSequenceNumber, arrival)

	case SequenceUpdateInOrder:
		r.highestExt = update.ExtendedSequenceNumber

	case SequenceUpdateDuplicate:
		r.duplicates++

	case SequenceUpdateOutOfOrder:
		r.outOfOrder++
	}
	r.received++

	if update.Kind == SequenceUpdateFirst || update.Kind == SequenceUpdateResync || update.Kind == SequenceUpdateInOrder {
		r.updateJitter(rtpTimestamp, arrival)
	}
}

func (r *ReceiverStats) updateJitter(rtpTimestamp uint32, arrival time.Time) {
	if r.clockRate == 0 {
		return
	}

	arrivalRTP := uint32(uint64(arrival.Sub(r.arrivalBase).Seconds() * float64(r.clockRate)))
	transit := arrivalRTP - rtpTimestamp
	if r.hasTransit {
		d := math.Abs(float64(int32(transit - r.lastTransit)))
		r.jitter += (d - r.jitter) / 16
	}
	r.lastTransit = transit
	r.hasTransit = true
}

// OnSenderReport records the middle 32 bits of the SR NTP time for LSR/DLSR.
func (r *ReceiverStats) OnSenderReport(sr *rtcp.SenderReport, arrival time.Time) {
	r.lastSRCompact = rtpcodec.CompactNTP(sr.NTPTime)
	r.lastSRArrivedAt = arrival
}

func (r *ReceiverStats) expected() uint64 {
	if !r.initialized {
		return 0
	}
	return r.highestExt - r.baseExt + 1
}

// BuildReceptionReport produces the report block for ssrc. The fraction lost
// covers the interval since the previous call.
func (r *ReceiverStats) BuildReceptionReport(ssrc uint32, now time.Time) (rtcp.ReceptionReport, bool) {
	if !r.initialized {
		return rtcp.ReceptionReport{}, false
	}

	expected := r.expected()
	lost := int64(expected) - int64(r.received)
	lost = max(0, min(lost, maxTotalLost))

	expectedInterval := expected - r.expectedPrior
	receivedInterval := r.received - r.receivedPrior
	r.expectedPrior = expected
	r.receivedPrior = r.received

	fractionLost := uint8(0)
	lostInterval := int64(expectedInterval) - int64(receivedInterval)
	if expectedInterval != 0 && lostInterval > 0 {
		fractionLost = uint8(min((lostInterval<<8)/int64(expectedInterval), maxFractionLost))
	}

	report := rtcp.ReceptionReport{
		SSRC:               ssrc,
		FractionLost:       fractionLost,
		TotalLost:          uint32(lost),
		LastSequenceNumber: uint32(r.highestExt),
		Jitter:             uint32(r.jitter),
	}
	if !r.lastSRArrivedAt.IsZero() {
		report.LastSenderReport = r.lastSRCompact
		report.Delay = rtpcodec.CompactDuration(now.Sub(r.lastSRArrivedAt))
	}
	return report, true
}

func (r *ReceiverStats) Snapshot() ReceiverStatsSnapshot {
	expected := r.expected()
	return ReceiverStatsSnapshot{
		ExtendedHighest: r.highestExt,
		Expected:        expected,
		Received:        r.received,
		Lost:            int64(expected) - int64(r.received),
		Duplicates:      r.duplicates,
		OutOfOrder:      r.outOfOrder,
		Jitter:          r.jitter,
	}
}
