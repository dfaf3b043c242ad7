package sfu

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
)

func newTestSendStream(stream StreamConfig, writer RTPWriter) *SendStream {
	config := DefaultEndpointConfig
	config.AbsSendTimeExtensionID = 0
	return NewSendStream(SendStreamParams{
		Stream:    stream,
		Config:    config,
		RTPWriter: writer,
	})
}

func nackFor(ssrc uint32, sns ...uint16) *rtcp.TransportLayerNack {
	return &rtcp.TransportLayerNack{
		SenderSSRC: 2,
		MediaSSRC:  ssrc,
		Nacks:      rtpcodec.NackPairs(sns),
	}
}

func TestSendStreamRetransmitThrottle(t *testing.T) {
	transport := &testTransport{}
	s := newTestSendStream(StreamConfig{SSRC: 1000, ClockRate: 90000}, transport)

	now := time.Now()
	for sn := uint16(0); sn < 5; sn++ {
		require.NoError(t, s.WriteRTP(buildRTP(t, 1000, sn, uint32(sn)*3000, []byte{byte(sn)}), now))
	}
	sent := transport.take()
	require.Len(t, sent, 5)

	// two requests within one rtt, one resend
	s.HandleNack(nackFor(1000, 2), now.Add(10*time.Millisecond))
	s.HandleNack(nackFor(1000, 2), now.Add(20*time.Millisecond))
	resent := transport.take()
	require.Len(t, resent, 1)
	require.Equal(t, sent[2], resent[0])
	require.EqualValues(t, 1, s.Stats().Retransmits)
	require.EqualValues(t, 1, s.Stats().Throttled)

	s.HandleNack(nackFor(1000, 2), now.Add(10*time.Millisecond+s.RTT().Smoothed()))
	require.Len(t, transport.take(), 1)
}

func TestSendStreamUnavailable(t *testing.T) {
	transport := &testTransport{}
	var missing []uint16
	s := NewSendStream(SendStreamParams{
		Stream:    StreamConfig{SSRC: 1000, ClockRate: 90000},
		Config:    DefaultEndpointConfig,
		RTPWriter: transport,
		OnUnrecoverableLoss: func(ssrc uint32, sn uint16) {
			missing = append(missing, sn)
		},
	})

	now := time.Now()
	require.NoError(t, s.WriteRTP(buildRTP(t, 1000, 10, 0, []byte{1}), now))
	transport.take()

	s.HandleNack(nackFor(1000, 11, 12), now)
	require.Empty(t, transport.take())
	require.Equal(t, []uint16{11, 12}, missing)
	require.EqualValues(t, 2, s.Stats().Unrecoverable)
}

func TestSendStreamSequenceRestart(t *testing.T) {
	transport := &testTransport{}
	s := newTestSendStream(StreamConfig{SSRC: 1000, ClockRate: 90000}, transport)

	now := time.Now()
	for sn := uint16(100); sn < 105; sn++ {
		require.NoError(t, s.WriteRTP(buildRTP(t, 1000, sn, uint32(sn)*3000, []byte{byte(sn)}), now))
	}
	for sn := uint16(40000); sn < 40005; sn++ {
		require.NoError(t, s.WriteRTP(buildRTP(t, 1000, sn, uint32(sn)*3000, []byte{byte(sn)}), now))
	}
	sent := transport.take()
	require.Len(t, sent, 10)

	s.HandleNack(nackFor(1000, 40002), now)
	resent := transport.take()
	require.Len(t, resent, 1)
	require.Equal(t, sent[7], resent[0])
	require.EqualValues(t, 0, s.Stats().Unrecoverable)
}

func TestSendStreamRTX(t *testing.T) {
	transport := &testTransport{}
	s := newTestSendStream(StreamConfig{
		SSRC:           1000,
		ClockRate:      90000,
		PayloadType:    96,
		RTXSSRC:        1001,
		RTXPayloadType: 97,
	}, transport)

	now := time.Now()
	require.NoError(t, s.WriteRTP(buildRTP(t, 1000, 7, 21000, []byte{7, 7}), now))
	transport.take()

	s.HandleNack(nackFor(1000, 7), now)
	resent := transport.take()
	require.Len(t, resent, 1)

	pkt := parseRTP(t, resent[0])
	require.Equal(t, uint32(1001), pkt.SSRC)
	require.Equal(t, uint8(97), pkt.PayloadType)
	require.Equal(t, uint16(0), pkt.SequenceNumber)
	require.Equal(t, uint32(21000), pkt.Timestamp)
	require.Equal(t, uint16(7), binary.BigEndian.Uint16(pkt.Payload))
	require.Equal(t, []byte{7, 7}, pkt.Payload[2:])
}

func TestSendStreamDuplicateCopies(t *testing.T) {
	transport := &testTransport{}
	s := newTestSendStream(StreamConfig{SSRC: 1000, ClockRate: 90000}, transport)

	now := time.Now()
	require.NoError(t, s.WriteRTP(buildRTP(t, 1000, 1, 0, []byte{1}), now))
	transport.take()

	var copies []int
	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		s.HandleNack(nackFor(1000, 1), now)
		copies = append(copies, len(transport.take()))
	}
	require.Equal(t, []int{1, 1, 1, 2, 2}, copies)
}

func TestSendStreamReceiverReportRTT(t *testing.T) {
	transport := &testTransport{}
	s := newTestSendStream(StreamConfig{SSRC: 1000, ClockRate: 90000}, transport)

	now := time.Now()
	require.NoError(t, s.WriteRTP(buildRTP(t, 1000, 1, 0, []byte{1}), now))
	sr := s.BuildSenderReport(now)
	require.NotNil(t, sr)
	require.EqualValues(t, 1, sr.PacketCount)

	// receiver held the SR for 10 ms, reply arrives 40 ms after it was sent
	s.HandleReceptionReport(rtcp.ReceptionReport{
		SSRC:             1000,
		LastSenderReport: rtpcodec.CompactNTP(sr.NTPTime),
		Delay:            rtpcodec.CompactDuration(10 * time.Millisecond),
	}, now.Add(40*time.Millisecond))
	require.True(t, s.RTT().HasSample())
	require.InDelta(t, float64(30*time.Millisecond), float64(s.Stats().RTT), float64(time.Millisecond))
}
