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

package bwe

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// ------------------------------------------------

type BandwidthUsage int

const (
	BandwidthUsageNormal BandwidthUsage = iota
	BandwidthUsageUnderusing
	BandwidthUsageOverusing
)

func (b BandwidthUsage) String() string {
	switch b {
	case BandwidthUsageNormal:
		return "NORMAL"
	case BandwidthUsageUnderusing:
		return "UNDERUSING"
	case BandwidthUsageOverusing:
		return "OVERUSING"
	default:
		return fmt.Sprintf("%d", int(b))
	}
}

// ------------------------------------------------

type Estimate struct {
	Bitrate uint64
	Usage   BandwidthUsage
	SSRCs   []uint32
	At      time.Time
}

func (e Estimate) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("Bitrate", e.Bitrate)
	enc.AddString("Usage", e.Usage.String())
	enc.AddInt("SSRCs", len(e.SSRCs))
	enc.AddTime("At", e.At)
	return nil
}

// ------------------------------------------------

// BWE estimates the bandwidth available on the path from a remote sender,
// driven by arrival times of its packets.
type BWE interface {
	// IncomingPacket takes the 24 bit abs-send-time of a packet.
	IncomingPacket(ssrc uint32, absSendTime uint32, size int, arrival time.Time)
	// Tick runs periodic work such as repeating the current estimate.
	Tick(now time.Time)
	TargetBitrate() uint64
	Usage() BandwidthUsage
	Reset()
}
