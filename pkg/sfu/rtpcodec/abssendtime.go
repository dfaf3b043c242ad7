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
	"time"

	"github.com/livekit/mediatransportutil"
	"github.com/pkg/errors"
)

const (
	AbsSendTimeURI  = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	AbsSendTimeSize = 3

	// AbsSendTimeFraction is the number of fractional bits in the 6.18 fixed point value.
	AbsSendTimeFraction = 18
)

// AbsSendTime encodes t as a 24 bit 6.18 fixed point count of seconds taken
// from its NTP representation.
func AbsSendTime(t time.Time) uint32 {
	ntp := uint64(mediatransportutil.ToNtpTime(t))
	return uint32(ntp>>14) & 0x00FFFFFF
}

func ParseAbsSendTime(b []byte) (uint32, error) {
	if len(b) != AbsSendTimeSize {
		return 0, errors.Wrapf(ErrExtensionSizeMismatch, "abs-send-time needs %d bytes, have %d", AbsSendTimeSize, len(b))
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func MarshalAbsSendTime(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

// GetAbsSendTime reads the abs-send-time extension registered under id.
func (p *Packet) GetAbsSendTime(id uint8) (uint32, error) {
	b := p.GetExtension(id)
	if b == nil {
		return 0, errors.Wrapf(ErrExtensionNotFound, "abs-send-time extension %d", id)
	}
	return ParseAbsSendTime(b)
}

// SetAbsSendTime stamps the packet in place with the send time t.
func (p *Packet) SetAbsSendTime(id uint8, t time.Time) error {
	return p.SetExtensionInPlace(id, MarshalAbsSendTime(AbsSendTime(t)))
}
