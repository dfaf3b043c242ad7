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

package rtpcodec

import (
	"math"
	"time"

	"github.com/livekit/mediatransportutil"
	"github.com/pion/rtcp"
)

const (
	// MaxNackPairsPerPacket keeps a NACK well inside a single MTU.
	MaxNackPairsPerPacket = 64

	nackBitmapSize = 16

	rembMantissaBits = 18
	rembMaxMantissa  = 1<<rembMantissaBits - 1
	rembMaxExponent  = 63
)

// NackPairs packs sequence numbers into RFC4585 generic NACK entries. Input
// must be ascending in send order. Each entry carries a base and a bitmap
// where bit i marks base+i+1 as lost.
func NackPairs(sns []uint16) []rtcp.NackPair {
	var pairs []rtcp.NackPair
	var np rtcp.NackPair
	active := false
	for _, sn := range sns {
		if active {
			diff := sn - np.PacketID
			if diff == 0 {
				continue
			}
			if diff <= nackBitmapSize {
				np.LostPackets |= 1 << (diff - 1)
				continue
			}
			pairs = append(pairs, np)
		}
		np = rtcp.NackPair{PacketID: sn}
		active = true
	}
	if active {
		pairs = append(pairs, np)
	}
	return pairs
}

// NackSequenceNumbers expands NACK entries back into sequence numbers.
func NackSequenceNumbers(pairs []rtcp.NackPair) []uint16 {
	var sns []uint16
	for _, pair := range pairs {
		sns = append(sns, pair.PacketList()...)
	}
	return sns
}

// BuildNacks returns one or more NACK packets covering sns.
func BuildNacks(senderSSRC, mediaSSRC uint32, sns []uint16) []rtcp.Packet {
	pairs := NackPairs(sns)
	if len(pairs) == 0 {
		return nil
	}

	var pkts []rtcp.Packet
	for len(pairs) > 0 {
		n := min(len(pairs), MaxNackPairsPerPacket)
		pkts = append(pkts, &rtcp.TransportLayerNack{
			SenderSSRC: senderSSRC,
			MediaSSRC:  mediaSSRC,
			Nacks:      pairs[:n:n],
		})
		pairs = pairs[n:]
	}
	return pkts
}

func BuildPLI(senderSSRC, mediaSSRC uint32) *rtcp.PictureLossIndication {
	return &rtcp.PictureLossIndication{
		SenderSSRC: senderSSRC,
		MediaSSRC:  mediaSSRC,
	}
}

// QuantizeREMB returns the bitrate a REMB can actually signal for bps, a
// 6 bit exponent over an 18 bit mantissa, rounded down.
func QuantizeREMB(bps uint64) uint64 {
	exp, mantissa := rembExponentMantissa(bps)
	return mantissa << exp
}

func rembExponentMantissa(bps uint64) (uint8, uint64) {
	exp := uint8(0)
	for bps > rembMaxMantissa && exp < rembMaxExponent {
		bps >>= 1
		exp++
	}
	return exp, min(bps, rembMaxMantissa)
}

func BuildREMB(senderSSRC uint32, bps uint64, ssrcs []uint32) *rtcp.ReceiverEstimatedMaximumBitrate {
	return &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: senderSSRC,
		Bitrate:    float32(QuantizeREMB(bps)),
		SSRCs:      ssrcs,
	}
}

// REMBBitrate reads the bitrate out of a decoded REMB.
func REMBBitrate(remb *rtcp.ReceiverEstimatedMaximumBitrate) uint64 {
	if remb.Bitrate <= 0 {
		return 0
	}
	if float64(remb.Bitrate) >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(remb.Bitrate)
}

// CompactNTP is the middle 32 bits of a 64 bit NTP timestamp, as carried in
// LSR, LRR and DLSR fields.
func CompactNTP(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

func CompactNTPFromTime(t time.Time) uint32 {
	return CompactNTP(uint64(mediatransportutil.ToNtpTime(t)))
}

// CompactDuration converts d into units of 1/65536 s.
func CompactDuration(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(uint64(d) * 65536 / uint64(time.Second))
}

// CompactToDuration converts 1/65536 s units into a duration.
func CompactToDuration(v uint32) time.Duration {
	return time.Duration(uint64(v) * uint64(time.Second) / 65536)
}

// BuildRRT returns an XR carrying a receiver reference time block (RFC3611 BT=4).
func BuildRRT(senderSSRC uint32, now time.Time) *rtcp.ExtendedReport {
	return &rtcp.ExtendedReport{
		SenderSSRC: senderSSRC,
		Reports: []rtcp.ReportBlock{
			&rtcp.ReceiverReferenceTimeReportBlock{
				NTPTimestamp: uint64(mediatransportutil.ToNtpTime(now)),
			},
		},
	}
}

// BuildDLRR returns an XR answering receiver reference times (RFC3611 BT=5).
func BuildDLRR(senderSSRC uint32, reports []rtcp.DLRRReport) *rtcp.ExtendedReport {
	return &rtcp.ExtendedReport{
		SenderSSRC: senderSSRC,
		Reports: []rtcp.ReportBlock{
			&rtcp.DLRRReportBlock{
				Reports: reports,
			},
		},
	}
}
