package sfu

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
)

type testTransport struct {
	packets [][]byte
}

func (t *testTransport) WritePacket(buf []byte) error {
	t.packets = append(t.packets, append([]byte(nil), buf...))
	return nil
}

func (t *testTransport) WriteRTP(buf []byte) error {
	return t.WritePacket(buf)
}

func (t *testTransport) WriteRTCP(pkts []rtcp.Packet) error {
	buf, err := rtpcodec.MarshalCompound(pkts)
	if err != nil {
		return err
	}
	return t.WritePacket(buf)
}

func (t *testTransport) take() [][]byte {
	packets := t.packets
	t.packets = nil
	return packets
}

func (t *testTransport) rtcp(tb testing.TB) []rtcp.Packet {
	var pkts []rtcp.Packet
	for _, buf := range t.take() {
		require.True(tb, rtpcodec.IsRTCP(buf))
		decoded, err := rtpcodec.UnmarshalCompound(buf, rtpcodec.CompoundOptions{})
		require.NoError(tb, err)
		pkts = append(pkts, decoded...)
	}
	return pkts
}

func buildRTP(tb testing.TB, ssrc uint32, sn uint16, ts uint32, payload []byte) []byte {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: sn,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	buf, err := pkt.Marshal()
	require.NoError(tb, err)
	return buf
}

func parseRTP(tb testing.TB, buf []byte) *rtp.Packet {
	var pkt rtp.Packet
	require.NoError(tb, pkt.Unmarshal(buf))
	return &pkt
}

func buildRTPWithAbsSendTime(tb testing.TB, ssrc uint32, sn uint16, sendTime time.Time) []byte {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: sn,
			Timestamp:      uint32(sn) * 3000,
			SSRC:           ssrc,
		},
		Payload: make([]byte, 1000),
	}
	require.NoError(tb, pkt.Header.SetExtension(3, rtpcodec.MarshalAbsSendTime(rtpcodec.AbsSendTime(sendTime))))
	buf, err := pkt.Marshal()
	require.NoError(tb, err)
	return buf
}
