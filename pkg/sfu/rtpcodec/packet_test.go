package rtpcodec

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func marshalRTP(t *testing.T, h rtp.Header, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{Header: h, Payload: payload}
	buf, err := pkt.Marshal()
	require.NoError(t, err)
	return buf
}

func TestPacketUnmarshal(t *testing.T) {
	h := rtp.Header{
		Version:        2,
		Marker:         true,
		PayloadType:    96,
		SequenceNumber: 65535,
		Timestamp:      0xdeadbeef,
		SSRC:           1000,
		CSRC:           []uint32{1, 2},
	}
	require.NoError(t, h.SetExtension(1, []byte{0x01, 0x02, 0x03}))
	h.Extension = true
	h.ExtensionProfile = ExtensionProfileOneByte
	require.NoError(t, h.SetExtension(3, []byte{0xaa}))

	buf := marshalRTP(t, h, []byte{0x10, 0x20, 0x30})
	arrival := time.Now()
	p, err := Unmarshal(buf, arrival)
	require.NoError(t, err)

	require.EqualValues(t, 2, p.Version)
	require.True(t, p.Marker)
	require.EqualValues(t, 96, p.PayloadType)
	require.EqualValues(t, 65535, p.SequenceNumber)
	require.EqualValues(t, 0xdeadbeef, p.Timestamp)
	require.EqualValues(t, 1000, p.SSRC)
	require.Equal(t, []uint32{1, 2}, p.CSRC)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, p.GetExtension(1))
	require.Equal(t, []byte{0xaa}, p.GetExtension(3))
	require.Nil(t, p.GetExtension(2))
	require.Equal(t, []byte{0x10, 0x20, 0x30}, p.Payload)
	require.Equal(t, arrival, p.Arrival)
	require.Equal(t, len(buf), p.HeaderSize+p.ExtensionSize+len(p.Payload)+p.PaddingSize)
}

func TestPacketUnmarshalPadding(t *testing.T) {
	pkt := rtp.Packet{
		Header:      rtp.Header{Version: 2, Padding: true, PayloadType: 111, SequenceNumber: 7, SSRC: 5},
		Payload:     []byte{1, 2, 3, 4},
		PaddingSize: 4,
	}
	buf, err := pkt.Marshal()
	require.NoError(t, err)

	p, err := Unmarshal(buf, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 4, p.PaddingSize)
	require.Equal(t, []byte{1, 2, 3, 4}, p.Payload)
	require.Equal(t, len(buf), p.HeaderSize+p.ExtensionSize+len(p.Payload)+p.PaddingSize)
}

func TestPacketUnmarshalTwoByteExtensions(t *testing.T) {
	body := []byte{
		0x05, 0x02, 0xaa, 0xbb, // id 5, two bytes
		0x00,       // padding
		0x07, 0x00, // id 7, empty
		0x00,
	}
	buf := []byte{
		0x90, 96, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x02,
		0x10, 0x00, 0x00, 0x02,
	}
	buf = append(buf, body...)
	buf = append(buf, 0xff)

	p, err := Unmarshal(buf, time.Time{})
	require.NoError(t, err)
	require.Len(t, p.Extensions, 2)
	require.Equal(t, []byte{0xaa, 0xbb}, p.GetExtension(5))
	require.Equal(t, []byte{}, p.GetExtension(7))
	require.Equal(t, []byte{0xff}, p.Payload)
}

func TestPacketUnmarshalOneByteTerminator(t *testing.T) {
	buf := []byte{
		0x90, 96, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x02,
		0xbe, 0xde, 0x00, 0x02,
		0x10, 0x11, // id 1, one byte
		0xf0, 0x22, 0x33, 0x44, 0x55, 0x66, // terminator, rest ignored
		0x01,
	}
	p, err := Unmarshal(buf, time.Time{})
	require.NoError(t, err)
	require.Len(t, p.Extensions, 1)
	require.Equal(t, []byte{0x11}, p.GetExtension(1))
	require.Equal(t, []byte{0x01}, p.Payload)
}

func TestPacketUnmarshalMalformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{
			name: "short header",
			buf:  []byte{0x80, 96, 0x00, 0x01, 0x00},
		},
		{
			name: "bad version",
			buf:  []byte{0x40, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2},
		},
		{
			name: "csrc count past end",
			buf:  []byte{0x83, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 9},
		},
		{
			name: "extension length past end",
			buf:  []byte{0x90, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2, 0xbe, 0xde, 0x00, 0x03, 0x10, 0x01, 0x00, 0x00},
		},
		{
			name: "one-byte element overruns block",
			buf:  []byte{0x90, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2, 0xbe, 0xde, 0x00, 0x01, 0x00, 0x00, 0x13, 0x01},
		},
		{
			name: "two-byte element overruns block",
			buf:  []byte{0x90, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2, 0x10, 0x00, 0x00, 0x01, 0x01, 0x04, 0x00, 0x00},
		},
		{
			name: "padding equals payload",
			buf:  []byte{0xa0, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2, 0x00, 0x00, 0x00, 0x04},
		},
		{
			name: "padding past payload",
			buf:  []byte{0xa0, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2, 0x01, 0x09},
		},
		{
			name: "zero padding",
			buf:  []byte{0xa0, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2, 0x01, 0x00},
		},
		{
			name: "padding bit without payload",
			buf:  []byte{0xa0, 96, 0, 1, 0, 0, 0, 1, 0, 0, 0, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.buf, time.Time{})
			require.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestPacketGenericExtension(t *testing.T) {
	buf := []byte{
		0x90, 96, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x02,
		0x12, 0x34, 0x00, 0x01,
		0xca, 0xfe, 0xba, 0xbe,
		0x42,
	}
	p, err := Unmarshal(buf, time.Time{})
	require.NoError(t, err)
	require.EqualValues(t, 0x1234, p.ExtensionProfile)
	require.Empty(t, p.Extensions)
	require.Equal(t, []byte{0xca, 0xfe, 0xba, 0xbe}, p.ExtensionPayload)

	out, err := p.Marshal()
	require.NoError(t, err)
	require.Equal(t, buf, out)
}

func TestPacketRoundTrip(t *testing.T) {
	h := rtp.Header{Version: 2, PayloadType: 100, SequenceNumber: 42, Timestamp: 9000, SSRC: 77}
	h.Extension = true
	h.ExtensionProfile = ExtensionProfileOneByte
	require.NoError(t, h.SetExtension(2, []byte{0x01, 0x02, 0x03}))
	buf := marshalRTP(t, h, []byte("payload"))

	p, err := Unmarshal(buf, time.Time{})
	require.NoError(t, err)

	out := make([]byte, p.MarshalSize())
	n, err := p.MarshalTo(out)
	require.NoError(t, err)
	require.Equal(t, buf, out[:n])

	_, err = p.MarshalTo(make([]byte, 4))
	require.ErrorIs(t, err, ErrBufferTooSmall)

	converted, err := p.ToRTP()
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, converted.GetExtension(2))
	require.Equal(t, []byte("payload"), converted.Payload)
}

func TestSetExtensionInPlace(t *testing.T) {
	h := rtp.Header{Version: 2, PayloadType: 100, SequenceNumber: 1, SSRC: 1}
	h.Extension = true
	h.ExtensionProfile = ExtensionProfileOneByte
	require.NoError(t, h.SetExtension(3, []byte{0, 0, 0}))
	buf := marshalRTP(t, h, []byte{1})

	p, err := Unmarshal(buf, time.Time{})
	require.NoError(t, err)

	require.NoError(t, p.SetExtensionInPlace(3, []byte{7, 8, 9}))
	require.Equal(t, []byte{7, 8, 9}, p.GetExtension(3))

	// the datagram itself is rewritten
	reparsed, err := Unmarshal(buf, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []byte{7, 8, 9}, reparsed.GetExtension(3))

	require.ErrorIs(t, p.SetExtensionInPlace(3, []byte{1}), ErrExtensionSizeMismatch)
	require.ErrorIs(t, p.SetExtensionInPlace(4, []byte{1, 2, 3}), ErrExtensionNotFound)
}

func TestPacketCloneRelease(t *testing.T) {
	buf := marshalRTP(t, rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 10, SSRC: 3}, []byte{1, 2, 3})
	arrival := time.Now()
	p, err := Unmarshal(buf, arrival)
	require.NoError(t, err)
	require.False(t, p.IsOwned())

	c, err := p.Clone()
	require.NoError(t, err)
	require.True(t, c.IsOwned())
	require.Equal(t, arrival, c.Arrival)

	// clone survives reuse of the receive buffer
	for i := range buf {
		buf[i] = 0
	}
	require.EqualValues(t, 10, c.SequenceNumber)
	require.Equal(t, []byte{1, 2, 3}, c.Payload)

	c.Release()
	require.False(t, c.IsOwned())
	require.Nil(t, c.Payload)
	c.Release()
}

func TestAbsSendTime(t *testing.T) {
	h := rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1, SSRC: 1}
	h.Extension = true
	h.ExtensionProfile = ExtensionProfileOneByte
	require.NoError(t, h.SetExtension(3, []byte{0x12, 0x34, 0x56}))
	buf := marshalRTP(t, h, []byte{1})

	p, err := Unmarshal(buf, time.Time{})
	require.NoError(t, err)

	v, err := p.GetAbsSendTime(3)
	require.NoError(t, err)
	require.EqualValues(t, 0x123456, v)

	_, err = p.GetAbsSendTime(4)
	require.ErrorIs(t, err, ErrExtensionNotFound)

	now := time.Unix(1_700_000_000, 500_000_000)
	require.NoError(t, p.SetAbsSendTime(3, now))
	v, err = p.GetAbsSendTime(3)
	require.NoError(t, err)
	require.Equal(t, AbsSendTime(now), v)

	// 250 ms later is 0.25 * 2^18 ticks on
	later := AbsSendTime(now.Add(250 * time.Millisecond))
	require.InDelta(t, 1<<16, float64((later-v)&0xFFFFFF), 2)
}

func TestRTXWrapUnwrap(t *testing.T) {
	buf := marshalRTP(t, rtp.Header{Version: 2, Marker: true, PayloadType: 96, SequenceNumber: 500, Timestamp: 1234, SSRC: 1000}, []byte{9, 8, 7})
	p, err := Unmarshal(buf, time.Time{})
	require.NoError(t, err)

	wrapped, err := WrapRTX(p, 2000, 97, 10)
	require.NoError(t, err)
	rtx, err := Unmarshal(wrapped, time.Time{})
	require.NoError(t, err)
	require.EqualValues(t, 2000, rtx.SSRC)
	require.EqualValues(t, 97, rtx.PayloadType)
	require.EqualValues(t, 10, rtx.SequenceNumber)
	require.Equal(t, []byte{0x01, 0xf4, 9, 8, 7}, rtx.Payload)

	orig, err := UnwrapRTX(rtx, 1000, 96)
	require.NoError(t, err)
	defer orig.Release()
	require.True(t, orig.IsOwned())
	require.EqualValues(t, 500, orig.SequenceNumber)
	require.EqualValues(t, 1000, orig.SSRC)
	require.EqualValues(t, 96, orig.PayloadType)
	require.EqualValues(t, 1234, orig.Timestamp)
	require.True(t, orig.Marker)
	require.Equal(t, []byte{9, 8, 7}, orig.Payload)

	short, err := Unmarshal(marshalRTP(t, rtp.Header{Version: 2, PayloadType: 97, SSRC: 2000}, []byte{1}), time.Time{})
	require.NoError(t, err)
	_, err = UnwrapRTX(short, 1000, 96)
	require.ErrorIs(t, err, ErrNotRTX)
}
