package sfu

import (
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/pkg/sfu/buffer"
	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
	"github.com/livekit/mediacore/pkg/sfu/rtpstats"
	"github.com/livekit/mediacore/pkg/telemetry/prometheus"
)

type SendStreamParams struct {
	Stream    StreamConfig
	Config    EndpointConfig
	RTPWriter RTPWriter
	Logger    logger.Logger

	OnKeyFrameRequest   func(ssrc uint32)
	OnUnrecoverableLoss func(ssrc uint32, sn uint16)
}

type SendStreamStats struct {
	Packets          uint64
	Bytes            uint64
	NacksReceived    uint64
	Retransmits      uint64
	RetransmitBytes  uint64
	Throttled        uint64
	Unrecoverable    uint64
	KeyFrameRequests uint64
	RTT              time.Duration
}

// SendStream handles one outgoing SSRC: it keeps what was sent for
// retransmission and answers receiver feedback. All methods except Stats must
// be called from the owning endpoint's loop.
type SendStream struct {
	params SendStreamParams

	bucket      *buffer.Bucket
	rtpStats    *rtpstats.SenderStats
	rtt         *rtpstats.RTTEstimator
	rtxSequence uint16

	closed core.Fuse

	packets          atomic.Uint64
	bytes            atomic.Uint64
	nacksReceived    atomic.Uint64
	retransmits      atomic.Uint64
	retransmitBytes  atomic.Uint64
	throttled        atomic.Uint64
	unrecoverable    atomic.Uint64
	keyFrameRequests atomic.Uint64
	rttNanos         atomic.Int64
}

func NewSendStream(params SendStreamParams) *SendStream {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.Logger = params.Logger.WithValues("ssrc", params.Stream.SSRC)

	s := &SendStream{
		params: params,
		bucket: buffer.NewBucket(buffer.BucketParams{
			Config: params.Config.Retransmit,
			Logger: params.Logger,
		}),
		rtpStats: rtpstats.NewSenderStats(params.Stream.ClockRate),
		rtt:      rtpstats.NewReceiverReportRTTEstimator(params.Config.RTT),
	}
	s.rttNanos.Store(int64(s.rtt.RTT()))
	return s
}

func (s *SendStream) SSRC() uint32 {
	return s.params.Stream.SSRC
}

// WriteRTP stamps abs-send-time when the packet carries the extension, keeps
// a copy for retransmission and sends buf. buf is modified in place.
func (s *SendStream) WriteRTP(buf []byte, now time.Time) error {
	if s.closed.IsBroken() {
		return ErrStreamClosed
	}

	pkt, err := rtpcodec.Unmarshal(buf, now)
	if err != nil {
		return err
	}
	if pkt.SSRC != s.params.Stream.SSRC {
		return errors.Wrapf(ErrUnknownSSRC, "ssrc %d on stream %d", pkt.SSRC, s.params.Stream.SSRC)
	}

	if id := s.params.Config.AbsSendTimeExtensionID; id != 0 {
		if err := pkt.SetAbsSendTime(id, now); err != nil && !errors.Is(err, rtpcodec.ErrExtensionNotFound) {
			s.params.Logger.Debugw("could not set abs-send-time", err, "sn", pkt.SequenceNumber)
		}
	}

	if err := s.bucket.Add(pkt); err != nil && !errors.Is(err, buffer.ErrDuplicatePacket) {
		s.params.Logger.Debugw("could not store packet for retransmission", err, "sn", pkt.SequenceNumber)
	}
	s.rtpStats.Update(len(pkt.Payload), pkt.Timestamp, now)

	if err := s.params.RTPWriter.WriteRTP(buf); err != nil {
		return err
	}
	s.packets.Inc()
	s.bytes.Add(uint64(len(pkt.Payload)))
	prometheus.IncrementPackets(prometheus.Outgoing, 1)
	prometheus.IncrementBytes(prometheus.Outgoing, uint64(len(pkt.Payload)))
	return nil
}

// HandleNack resends what is still available. Pacing uses the smoothed RTT
// before clamping.
func (s *SendStream) HandleNack(nack *rtcp.TransportLayerNack, now time.Time) {
	if s.closed.IsBroken() {
		return
	}

	sns := rtpcodec.NackSequenceNumbers(nack.Nacks)
	s.nacksReceived.Add(uint64(len(sns)))
	prometheus.IncrementRTCP(prometheus.Incoming, int32(len(sns)), 0)

	rtt := s.rtt.Smoothed()
	for _, sn := range sns {
		rtx, err := s.bucket.Get(sn, now, rtt)
		switch {
		case err == nil:
			s.retransmit(rtx)

		case errors.Is(err, buffer.ErrRetransmitThrottled):
			s.throttled.Inc()

		case errors.Is(err, buffer.ErrRetransmitLimit):
			s.params.Logger.Debugw("retransmit limit reached", err, "sn", sn)

		default:
			s.unrecoverable.Inc()
			prometheus.IncrementLost(1)
			s.params.Logger.Infow("unrecoverable loss, packet not available", "sn", sn, "reason", err)
			if s.params.OnUnrecoverableLoss != nil {
				s.params.OnUnrecoverableLoss(s.params.Stream.SSRC, sn)
			}
		}
	}
}

func (s *SendStream) retransmit(rtx buffer.Retransmission) {
	for i := 0; i < rtx.Copies; i++ {
		buf := rtx.Packet.Raw()
		if s.params.Stream.HasRTX() {
			var err error
			buf, err = rtpcodec.WrapRTX(rtx.Packet, s.params.Stream.RTXSSRC, s.params.Stream.RTXPayloadType, s.rtxSequence)
			if err != nil {
				s.params.Logger.Warnw("could not build rtx packet", err, "sn", rtx.Packet.SequenceNumber)
				return
			}
			s.rtxSequence++
		}

		if err := s.params.RTPWriter.WriteRTP(buf); err != nil {
			s.params.Logger.Warnw("could not retransmit", err, "sn", rtx.Packet.SequenceNumber)
			return
		}
		s.retransmits.Inc()
		s.retransmitBytes.Add(uint64(len(buf)))
		s.rtpStats.UpdateRetransmit(len(buf))
		prometheus.IncrementRetransmits(1, uint64(len(buf)))
	}
}

// HandleReceptionReport takes the RR block a receiver sent about this stream.
func (s *SendStream) HandleReceptionReport(report rtcp.ReceptionReport, now time.Time) {
	if s.closed.IsBroken() {
		return
	}

	rtt, ok := rtpstats.RTTFromReceptionReport(report, now)
	if !ok {
		return
	}
	s.rtt.AddSample(rtt)
	s.rttNanos.Store(int64(s.rtt.RTT()))
}

func (s *SendStream) HandlePLI() {
	if s.closed.IsBroken() {
		return
	}

	s.keyFrameRequests.Inc()
	prometheus.IncrementRTCP(prometheus.Incoming, 0, 1)
	if s.params.OnKeyFrameRequest != nil {
		s.params.OnKeyFrameRequest(s.params.Stream.SSRC)
	}
}

// BuildSenderReport returns nil until something was sent.
func (s *SendStream) BuildSenderReport(now time.Time) *rtcp.SenderReport {
	if s.closed.IsBroken() {
		return nil
	}
	return s.rtpStats.BuildSenderReport(s.params.Stream.SSRC, now)
}

func (s *SendStream) RTT() *rtpstats.RTTEstimator {
	return s.rtt
}

func (s *SendStream) Stats() SendStreamStats {
	return SendStreamStats{
		Packets:          s.packets.Load(),
		Bytes:            s.bytes.Load(),
		NacksReceived:    s.nacksReceived.Load(),
		Retransmits:      s.retransmits.Load(),
		RetransmitBytes:  s.retransmitBytes.Load(),
		Throttled:        s.throttled.Load(),
		Unrecoverable:    s.unrecoverable.Load(),
		KeyFrameRequests: s.keyFrameRequests.Load(),
		RTT:              time.Duration(s.rttNanos.Load()),
	}
}

func (s *SendStream) Close() {
	if s.closed.IsBroken() {
		return
	}
	s.closed.Break()

	s.bucket.Close()
	s.params.Logger.Debugw("send stream closed", "packets", s.packets.Load(), "retransmits", s.retransmits.Load())
}
