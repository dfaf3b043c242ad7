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
	"encoding/binary"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

const rtxOSNSize = 2

// WrapRTX builds an RFC4588 retransmission of pkt. The original sequence
// number is prepended to the payload and the SSRC, payload type and sequence
// number are replaced with those of the RTX stream. Padding is dropped.
func WrapRTX(pkt *Packet, ssrc uint32, payloadType uint8, sequenceNumber uint16) ([]byte, error) {
	h, err := pkt.Header()
	if err != nil {
		return nil, err
	}
	h.SSRC = ssrc
	h.PayloadType = payloadType
	h.SequenceNumber = sequenceNumber
	h.Padding = false

	payload := make([]byte, rtxOSNSize+len(pkt.Payload))
	binary.BigEndian.PutUint16(payload, pkt.SequenceNumber)
	copy(payload[rtxOSNSize:], pkt.Payload)

	out := rtp.Packet{Header: h, Payload: payload}
	return out.Marshal()
}

// UnwrapRTX restores the original packet carried by an RFC4588
// retransmission. The result owns a pooled buffer and must be released.
func UnwrapRTX(pkt *Packet, ssrc uint32, payloadType uint8) (*Packet, error) {
	if len(pkt.Payload) < rtxOSNSize {
		return nil, errors.Wrapf(ErrNotRTX, "payload of %d bytes has no original sequence number", len(pkt.Payload))
	}

	h, err := pkt.Header()
	if err != nil {
		return nil, err
	}
	h.SSRC = ssrc
	h.PayloadType = payloadType
	h.SequenceNumber = binary.BigEndian.Uint16(pkt.Payload)
	h.Padding = false

	out := rtp.Packet{Header: h, Payload: pkt.Payload[rtxOSNSize:]}
	buf, owned := newBuffer(out.MarshalSize())
	n, err := out.MarshalTo(buf)
	if err != nil {
		if owned != nil {
			bufferPool.Put(owned)
		}
		return nil, err
	}

	res := &Packet{Arrival: pkt.Arrival, owned: owned}
	if err := res.Unmarshal(buf[:n]); err != nil {
		res.Release()
		return nil, err
	}
	return res, nil
}
