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

	"github.com/livekit/mediatransportutil"
	"github.com/pion/rtcp"
)

// SenderStats tracks what went out on one stream so that sender reports can
// map wall clock to RTP time.
type SenderStats struct {
	clockRate uint32

	initialized      bool
	packets          uint32
	octets           uint32
	lastTimestamp    uint32
	lastTimestampAt  time.Time
	retransmits      uint64
	retransmitOctets uint64
}

func NewSenderStats(clockRate uint32) *SenderStats {
	return &SenderStats{
		clockRate: clockRate,
	}
}

func (s *SenderStats) Update(payloadSize int, rtpTimestamp uint32, at time.Time) {
	s.initialized = true
	s.packets++
	s.octets += uint32(payloadSize)
	s.lastTimestamp = rtpTimestamp
	s.lastTimestampAt = at
}

func (s *SenderStats) UpdateRetransmit(size int) {
	s.retransmits++
	s.retransmitOctets += uint64(size)
}

// BuildSenderReport extrapolates the RTP time of now from the last packet sent.
func (s *SenderStats) BuildSenderReport(ssrc uint32, now time.Time) *rtcp.SenderReport {
	if !s.initialized {
		return nil
	}

	rtpTime := s.lastTimestamp
	if s.clockRate != 0 {
		rtpTime += uint32(int64(now.Sub(s.lastTimestampAt).Seconds() * float64(s.clockRate)))
	}
	return &rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     uint64(mediatransportutil.ToNtpTime(now)),
		RTPTime:     rtpTime,
		PacketCount: s.packets,
		OctetCount:  s.octets,
	}
}

func (s *SenderStats) Packets() uint32 {
	return s.packets
}

func (s *SenderStats) Retransmits() uint64 {
	return s.retransmits
}
