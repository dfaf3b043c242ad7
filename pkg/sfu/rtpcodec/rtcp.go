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
	"github.com/pion/rtcp"
	"github.com/pkg/errors"
)

const (
	rtcpHeaderSize = 4

	rtcpPayloadTypeMin = 192
	rtcpPayloadTypeMax = 223
)

// IsRTCP demultiplexes RTP and RTCP sharing one transport (RFC5761). RTCP
// packet types 192-223 occupy the second byte where RTP carries marker and
// payload type.
func IsRTCP(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	return buf[1] >= rtcpPayloadTypeMin && buf[1] <= rtcpPayloadTypeMax
}

type CompoundOptions struct {
	// RequireReportFirst rejects compounds whose first sub-packet is not SR or
	// RR. Reduced-size RTCP (RFC5506) needs this off.
	RequireReportFirst bool
}

// UnmarshalCompound splits a compound RTCP datagram into decoded
// sub-packets. Every declared length is checked against the bytes left and
// only the final sub-packet may carry padding. Types the decoder does not
// know come back as *rtcp.RawPacket.
func UnmarshalCompound(buf []byte, opts CompoundOptions) ([]rtcp.Packet, error) {
	if len(buf) < rtcpHeaderSize {
		return nil, errors.Wrapf(ErrMalformedPacket, "rtcp needs %d bytes, have %d", rtcpHeaderSize, len(buf))
	}

	var packets []rtcp.Packet
	r := NewReader(buf)
	for r.Remaining() > 0 {
		start := r.Offset()
		hb, err := r.Bytes(rtcpHeaderSize)
		if err != nil {
			return nil, errors.Wrapf(err, "sub-packet %d header", len(packets))
		}
		if version := hb[0] >> 6; version != Version {
			return nil, errors.Wrapf(ErrProtocolViolation, "sub-packet %d has version %d", len(packets), version)
		}

		var h rtcp.Header
		if err := h.Unmarshal(hb); err != nil {
			return nil, errors.Wrapf(ErrMalformedPacket, "sub-packet %d header: %v", len(packets), err)
		}
		if len(packets) == 0 && opts.RequireReportFirst && h.Type != rtcp.TypeSenderReport && h.Type != rtcp.TypeReceiverReport {
			return nil, errors.Wrapf(ErrProtocolViolation, "compound starts with %s", h.Type)
		}

		bodySize := int(h.Length) * 4
		if err := r.Skip(bodySize); err != nil {
			return nil, errors.Wrapf(err, "sub-packet %d declares %d words", len(packets), h.Length)
		}
		if h.Padding && r.Remaining() > 0 {
			return nil, errors.Wrapf(ErrProtocolViolation, "padding on non-final sub-packet %d", len(packets))
		}

		decoded, err := rtcp.Unmarshal(buf[start:r.Offset()])
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedPacket, "sub-packet %d (%s): %v", len(packets), h.Type, err)
		}
		packets = append(packets, decoded...)
	}
	return packets, nil
}

// MarshalCompound serializes sub-packets back to back. Each length field is
// recomputed as (bytes/4)-1.
func MarshalCompound(packets []rtcp.Packet) ([]byte, error) {
	if len(packets) == 0 {
		return nil, nil
	}
	return rtcp.Marshal(packets)
}
