package sfu

import (
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/pkg/sfu/buffer"
	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
	"github.com/livekit/mediacore/pkg/sfu/rtpstats"
	"github.com/livekit/mediacore/pkg/telemetry/prometheus"
)

type ReceiveStreamParams struct {
	Stream     StreamConfig
	Config     EndpointConfig
	LocalSSRC  uint32
	RTCPWriter RTCPWriter
	// RTT returns the round trip estimate used to pace NACKs.
	RTT    func() time.Duration
	Logger logger.Logger

	OnPacket            func(pkt *rtpcodec.Packet, extSN uint64)
	OnStreamReset       func(ssrc uint32, reason buffer.ResetReason)
	OnUnrecoverableLoss func(ssrc uint32, extSNs []uint64)
}

type ReceiveStreamStats struct {
	Packets    uint64
	Bytes      uint64
	RTXPackets uint64
	NacksSent  uint64
	Lost       uint64
	PLIsSent   uint64
	Jitter     buffer.JitterStats
}

// ReceiveStream handles one incoming SSRC: reordering, loss recovery and
// reception statistics. All methods except Stats must be called from the
// owning endpoint's loop.
type ReceiveStream struct {
	params ReceiveStreamParams

	jitter   *buffer.JitterBuffer
	nacks    *buffer.NackQueue
	rtpStats *rtpstats.ReceiverStats

	closed core.Fuse

	packets    atomic.Uint64
	bytes      atomic.Uint64
	rtxPackets atomic.Uint64
	nacksSent  atomic.Uint64
	lost       atomic.Uint64
	plisSent   atomic.Uint64
}

func NewReceiveStream(params ReceiveStreamParams) *ReceiveStream {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.Logger = params.Logger.WithValues("ssrc", params.Stream.SSRC)
	if params.RTT == nil {
		def := params.Config.RTT.Default
		params.RTT = func() time.Duration { return def }
	}

	r := &ReceiveStream{
		params: params,
		nacks: buffer.NewNACKQueue(buffer.NackQueueParams{
			Config: params.Config.Nack,
			Logger: params.Logger,
		}),
		rtpStats: rtpstats.NewReceiverStats(params.Stream.ClockRate),
	}
	r.jitter = buffer.NewJitterBuffer(buffer.JitterBufferParams{
		Config:   params.Config.Jitter,
		Sequence: params.Config.Sequence,
		Logger:   params.Logger,
		OnPacket: r.onOrderedPacket,
		OnReset:  r.onReset,
	})
	return r
}

func (r *ReceiveStream) SSRC() uint32 {
	return r.params.Stream.SSRC
}

func (r *ReceiveStream) StreamConfig() StreamConfig {
	return r.params.Stream
}

// HandlePacket takes a packet whose SSRC is either the stream's or its RTX
// SSRC. pkt is borrowed for the duration of the call.
func (r *ReceiveStream) HandlePacket(pkt *rtpcodec.Packet, now time.Time) error {
	if r.closed.IsBroken() {
		return ErrStreamClosed
	}

	if r.params.Stream.HasRTX() && pkt.SSRC == r.params.Stream.RTXSSRC {
		if len(pkt.Payload) == 0 {
			// padding only probe on the repair stream
			return nil
		}
		orig, err := rtpcodec.UnwrapRTX(pkt, r.params.Stream.SSRC, r.params.Stream.PayloadType)
		if err != nil {
			r.params.Logger.Debugw("could not unwrap rtx", err, "sn", pkt.SequenceNumber)
			return err
		}
		defer orig.Release()

		r.rtxPackets.Inc()
		pkt = orig
	}

	r.packets.Inc()
	r.bytes.Add(uint64(len(pkt.Payload)))
	prometheus.IncrementPackets(prometheus.Incoming, 1)
	prometheus.IncrementBytes(prometheus.Incoming, uint64(len(pkt.Payload)))

	update := r.jitter.Push(pkt, now)
	if !update.Accepted() {
		return nil
	}
	r.rtpStats.Update(update, pkt.Timestamp, pkt.Arrival)

	if update.Kind == rtpstats.SequenceUpdateResync {
		r.nacks.Reset()
	}
	r.nacks.Update(update.ExtendedSequenceNumber, now)
	return nil
}

// OnNackTimer requests due retransmissions and gives up on entries that ran
// out of retries.
func (r *ReceiveStream) OnNackTimer(now time.Time) {
	if r.closed.IsBroken() {
		return
	}

	due, lost := r.nacks.Pairs(now, r.params.RTT())
	if len(due) != 0 {
		pkts := rtpcodec.BuildNacks(r.params.LocalSSRC, r.params.Stream.SSRC, due)
		if err := r.params.RTCPWriter.WriteRTCP(pkts); err != nil {
			r.params.Logger.Warnw("could not send nack", err)
		} else {
			r.nacksSent.Add(uint64(len(due)))
			prometheus.IncrementRTCP(prometheus.Outgoing, int32(len(due)), 0)
		}
	}

	if len(lost) != 0 {
		r.lost.Add(uint64(len(lost)))
		prometheus.IncrementLost(uint64(len(lost)))
		r.params.Logger.Infow("unrecoverable loss", "count", len(lost), "first", lost[0])
		if r.params.OnUnrecoverableLoss != nil {
			r.params.OnUnrecoverableLoss(r.params.Stream.SSRC, lost)
		}
	}
}

func (r *ReceiveStream) OnJitterTimer(now time.Time) {
	if r.closed.IsBroken() {
		return
	}
	r.jitter.Sweep(now)
}

func (r *ReceiveStream) OnSenderReport(sr *rtcp.SenderReport, arrival time.Time) {
	if r.closed.IsBroken() {
		return
	}
	r.rtpStats.OnSenderReport(sr, arrival)
}

// ReceptionReport returns the RR block for this stream, false until the
// first packet.
func (r *ReceiveStream) ReceptionReport(now time.Time) (rtcp.ReceptionReport, bool) {
	if r.closed.IsBroken() {
		return rtcp.ReceptionReport{}, false
	}
	return r.rtpStats.BuildReceptionReport(r.params.Stream.SSRC, now)
}

func (r *ReceiveStream) Stats() ReceiveStreamStats {
	return ReceiveStreamStats{
		Packets:    r.packets.Load(),
		Bytes:      r.bytes.Load(),
		RTXPackets: r.rtxPackets.Load(),
		NacksSent:  r.nacksSent.Load(),
		Lost:       r.lost.Load(),
		PLIsSent:   r.plisSent.Load(),
		Jitter:     r.jitter.Stats(),
	}
}

func (r *ReceiveStream) Close() {
	if r.closed.IsBroken() {
		return
	}
	r.closed.Break()

	r.jitter.Close()
	r.nacks.Reset()
	r.params.Logger.Debugw("receive stream closed", "output", r.jitter.Stats().Output, "stats", r.rtpStats.Snapshot())
}

func (r *ReceiveStream) onOrderedPacket(pkt *rtpcodec.Packet, extSN uint64) {
	if r.params.OnPacket != nil {
		r.params.OnPacket(pkt, extSN)
	}
}

// onReset runs at most once per reset throttle, so the PLI is throttled the
// same way.
func (r *ReceiveStream) onReset(reason buffer.ResetReason) {
	r.params.Logger.Infow("stream reset, requesting key frame", "reason", reason)
	prometheus.IncrementStreamResets(reason.String())

	pli := rtpcodec.BuildPLI(r.params.LocalSSRC, r.params.Stream.SSRC)
	if err := r.params.RTCPWriter.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		r.params.Logger.Warnw("could not send pli", err)
	} else {
		r.plisSent.Inc()
		prometheus.IncrementRTCP(prometheus.Outgoing, 0, 1)
	}

	if r.params.OnStreamReset != nil {
		r.params.OnStreamReset(r.params.Stream.SSRC, reason)
	}
}
