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
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

const (
	Version         = 2
	FixedHeaderSize = 12
	MaxPacketSize   = 1500

	ExtensionProfileOneByte = 0xBEDE
	ExtensionProfileTwoByte = 0x1000

	twoByteProfileMask  = 0xFFF0
	oneByteTerminatorID = 0x0F
)

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, MaxPacketSize)
		return &b
	},
}

func newBuffer(size int) ([]byte, *[]byte) {
	if size > MaxPacketSize {
		return make([]byte, size), nil
	}
	owned := bufferPool.Get().(*[]byte)
	return (*owned)[:size], owned
}

// Extension is one RFC5285 header extension element. Value aliases the
// packet buffer.
type Extension struct {
	ID    uint8
	Value []byte
}

// Packet is a parsed view over an RTP datagram. All slices alias the buffer
// passed to Unmarshal, so a Packet obtained on the receive path is only valid
// until that buffer is reused. Clone to keep it longer.
type Packet struct {
	Version        uint8
	Padding        bool
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32

	HasExtension     bool
	ExtensionProfile uint16
	Extensions       []Extension
	// ExtensionPayload is the raw extension body for profiles other than the
	// RFC5285 one-byte and two-byte forms.
	ExtensionPayload []byte

	Payload     []byte
	PaddingSize int

	// HeaderSize covers the fixed header and the CSRC list.
	HeaderSize int
	// ExtensionSize covers the extension block including its 4 byte preamble.
	ExtensionSize int

	Arrival time.Time

	raw   []byte
	owned *[]byte
}

func Unmarshal(buf []byte, arrival time.Time) (*Packet, error) {
	p := &Packet{Arrival: arrival}
	if err := p.Unmarshal(buf); err != nil {
		return nil, err
	}
	return p, nil
}

// Unmarshal parses buf into p, reusing p's CSRC and extension storage.
func (p *Packet) Unmarshal(buf []byte) error {
	csrc := p.CSRC[:0]
	exts := p.Extensions[:0]
	*p = Packet{
		CSRC:       csrc,
		Extensions: exts,
		Arrival:    p.Arrival,
		owned:      p.owned,
	}

	if len(buf) < FixedHeaderSize {
		return errors.Wrapf(ErrMalformedPacket, "rtp header needs %d bytes, have %d", FixedHeaderSize, len(buf))
	}

	p.Version = buf[0] >> 6
	if p.Version != Version {
		return errors.Wrapf(ErrMalformedPacket, "unsupported rtp version %d", p.Version)
	}
	p.Padding = buf[0]&0x20 != 0
	p.HasExtension = buf[0]&0x10 != 0
	csrcCount := int(buf[0] & 0x0F)
	p.Marker = buf[1]&0x80 != 0
	p.PayloadType = buf[1] & 0x7F
	p.SequenceNumber = binary.BigEndian.Uint16(buf[2:4])
	p.Timestamp = binary.BigEndian.Uint32(buf[4:8])
	p.SSRC = binary.BigEndian.Uint32(buf[8:12])

	r := NewReader(buf)
	_ = r.Skip(FixedHeaderSize)
	for i := 0; i < csrcCount; i++ {
		c, err := r.Uint32()
		if err != nil {
			return errors.Wrapf(err, "csrc count %d", csrcCount)
		}
		p.CSRC = append(p.CSRC, c)
	}
	p.HeaderSize = r.Offset()

	if p.HasExtension {
		profile, err := r.Uint16()
		if err != nil {
			return errors.Wrap(err, "extension profile")
		}
		words, err := r.Uint16()
		if err != nil {
			return errors.Wrap(err, "extension length")
		}
		body, err := r.Bytes(int(words) * 4)
		if err != nil {
			return errors.Wrapf(err, "extension length %d words", words)
		}
		p.ExtensionProfile = profile
		p.ExtensionSize = 4 + len(body)
		if err := p.parseExtensions(body); err != nil {
			return err
		}
	}

	end := len(buf)
	if p.Padding {
		remaining := r.Remaining()
		if remaining == 0 {
			return errors.Wrap(ErrMalformedPacket, "padding bit set without padding length")
		}
		padding := int(buf[end-1])
		if padding == 0 {
			return errors.Wrap(ErrMalformedPacket, "zero padding length")
		}
		if padding >= remaining {
			return errors.Wrapf(ErrMalformedPacket, "padding length %d not less than payload length %d", padding, remaining)
		}
		p.PaddingSize = padding
		end -= padding
	}

	p.Payload = buf[r.Offset():end:end]
	p.raw = buf
	return nil
}

func (p *Packet) parseExtensions(body []byte) error {
	switch {
	case p.ExtensionProfile == ExtensionProfileOneByte:
		for i := 0; i < len(body); {
			id := body[i] >> 4
			if id == 0 {
				i++
				continue
			}
			if id == oneByteTerminatorID {
				return nil
			}
			size := int(body[i]&0x0F) + 1
			i++
			if i+size > len(body) {
				return errors.Wrapf(ErrMalformedPacket, "extension %d of %d bytes overruns extension block", id, size)
			}
			p.Extensions = append(p.Extensions, Extension{ID: id, Value: body[i : i+size : i+size]})
			i += size
		}

	case p.ExtensionProfile&twoByteProfileMask == ExtensionProfileTwoByte:
		for i := 0; i < len(body); {
			if body[i] == 0 {
				i++
				continue
			}
			if i+1 >= len(body) {
				return errors.Wrap(ErrMalformedPacket, "truncated two-byte extension header")
			}
			id := body[i]
			size := int(body[i+1])
			i += 2
			if i+size > len(body) {
				return errors.Wrapf(ErrMalformedPacket, "extension %d of %d bytes overruns extension block", id, size)
			}
			p.Extensions = append(p.Extensions, Extension{ID: id, Value: body[i : i+size : i+size]})
			i += size
		}

	default:
		p.ExtensionPayload = body
	}
	return nil
}

// GetExtension returns the value of the first extension element with the given id.
func (p *Packet) GetExtension(id uint8) []byte {
	for _, ext := range p.Extensions {
		if ext.ID == id {
			return ext.Value
		}
	}
	return nil
}

// SetExtensionInPlace overwrites an existing extension value in the packet
// buffer. The new value must have the same size as the old one.
func (p *Packet) SetExtensionInPlace(id uint8, value []byte) error {
	for _, ext := range p.Extensions {
		if ext.ID != id {
			continue
		}
		if len(ext.Value) != len(value) {
			return errors.Wrapf(ErrExtensionSizeMismatch, "extension %d: have %d bytes, got %d", id, len(ext.Value), len(value))
		}
		copy(ext.Value, value)
		return nil
	}
	return errors.Wrapf(ErrExtensionNotFound, "extension %d", id)
}

// Raw returns the datagram p was parsed from.
func (p *Packet) Raw() []byte {
	return p.raw
}

// IsOwned reports whether p holds its own buffer, as opposed to borrowing the
// receive buffer.
func (p *Packet) IsOwned() bool {
	return p.owned != nil
}

func (p *Packet) Header() (rtp.Header, error) {
	h := rtp.Header{
		Version:        p.Version,
		Padding:        p.Padding,
		Marker:         p.Marker,
		PayloadType:    p.PayloadType,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		SSRC:           p.SSRC,
		CSRC:           p.CSRC,
	}
	if !p.HasExtension {
		return h, nil
	}

	h.Extension = true
	h.ExtensionProfile = p.ExtensionProfile
	switch {
	case p.ExtensionProfile == ExtensionProfileOneByte:
	case p.ExtensionProfile&twoByteProfileMask == ExtensionProfileTwoByte:
		// appbits are not carried through serialization
		h.ExtensionProfile = ExtensionProfileTwoByte
	default:
		if err := h.SetExtension(0, p.ExtensionPayload); err != nil {
			return h, errors.Wrap(err, "extension payload")
		}
		return h, nil
	}

	for _, ext := range p.Extensions {
		if err := h.SetExtension(ext.ID, ext.Value); err != nil {
			return h, errors.Wrapf(err, "extension %d", ext.ID)
		}
	}
	return h, nil
}

func (p *Packet) toRTP() (*rtp.Packet, error) {
	h, err := p.Header()
	if err != nil {
		return nil, err
	}
	return &rtp.Packet{
		Header:      h,
		Payload:     p.Payload,
		PaddingSize: byte(p.PaddingSize),
	}, nil
}

// ToRTP converts p into a pion packet for components that consume that form.
// Slices are shared with p.
func (p *Packet) ToRTP() (*rtp.Packet, error) {
	return p.toRTP()
}

func (p *Packet) MarshalSize() int {
	pkt, err := p.toRTP()
	if err != nil {
		return 0
	}
	return pkt.MarshalSize()
}

// MarshalTo serializes p into buf. The extension block is re-laid out and
// padded to a 4 byte boundary with the length field recomputed.
func (p *Packet) MarshalTo(buf []byte) (int, error) {
	pkt, err := p.toRTP()
	if err != nil {
		return 0, err
	}
	if size := pkt.MarshalSize(); len(buf) < size {
		return 0, errors.Wrapf(ErrBufferTooSmall, "need %d bytes, have %d", size, len(buf))
	}
	return pkt.MarshalTo(buf)
}

func (p *Packet) Marshal() ([]byte, error) {
	pkt, err := p.toRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Marshal()
}

// Clone returns a copy of p that owns a pooled buffer. Call Release when done.
func (p *Packet) Clone() (*Packet, error) {
	src := p.raw
	if src == nil {
		var err error
		if src, err = p.Marshal(); err != nil {
			return nil, err
		}
	}

	buf, owned := newBuffer(len(src))
	copy(buf, src)
	c := &Packet{Arrival: p.Arrival, owned: owned}
	if err := c.Unmarshal(buf); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

// Release returns an owned buffer to the pool. p must not be used afterwards.
// It is a no-op for borrowed packets.
func (p *Packet) Release() {
	if p.owned == nil {
		return
	}
	bufferPool.Put(p.owned)
	p.owned = nil
	p.raw = nil
	p.Payload = nil
	p.Extensions = nil
	p.ExtensionPayload = nil
}
