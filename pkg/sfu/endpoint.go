package sfu

import (
	"cmp"
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/pkg/sfu/buffer"
	"github.com/livekit/mediacore/pkg/sfu/bwe"
	"github.com/livekit/mediacore/pkg/sfu/bwe/remotebwe"
	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
	"github.com/livekit/mediacore/pkg/sfu/rtpstats"
	"github.com/livekit/mediacore/pkg/telemetry/prometheus"
)

const (
	maxReportsPerRR = 31
)

// Transport is the secure channel below the endpoint. Bytes handed to it are
// plaintext RTP or RTCP ready for encryption.
type Transport interface {
	WritePacket(buf []byte) error
}

type EndpointParams struct {
	Config    EndpointConfig
	LocalSSRC uint32
	Transport Transport
	Logger    logger.Logger

	// OnUnknownSSRC may return a stream to create for media from an SSRC
	// that has none.
	OnUnknownSSRC func(ssrc uint32) (StreamConfig, bool)

	OnPacket                func(ssrc uint32, pkt *rtpcodec.Packet, extSN uint64)
	OnStreamReset           func(ssrc uint32, reason buffer.ResetReason)
	OnUnrecoverableLoss     func(ssrc uint32, extSNs []uint64)
	OnRetransmitUnavailable func(ssrc uint32, sn uint16)
	OnKeyFrameRequest       func(ssrc uint32)
	OnEstimate              func(estimate bwe.Estimate)
	OnRemoteEstimate        func(bps uint64, ssrcs []uint32)
}

type EndpointStats struct {
	Datagrams      uint64
	Malformed      uint64
	UnknownSSRC    uint64
	Dropped        uint64
	Estimate       uint64
	RemoteEstimate uint64

	Receive map[uint32]ReceiveStreamStats
	Send    map[uint32]SendStreamStats
}

type datagram struct {
	buf []byte
	at  time.Time
}

// Endpoint runs everything for one transport on a single goroutine: inbound
// datagrams, outbound media and the NACK, jitter and report timers. Other
// goroutines hand it work through Deliver and SendRTP.
type Endpoint struct {
	params EndpointParams

	streamsLock sync.RWMutex
	receivers   map[uint32]*ReceiveStream
	senders     map[uint32]*SendStream

	xr  *rtpstats.XRTracker
	bwe bwe.BWE

	inbound  chan datagram
	outbound chan datagram

	closed       core.Fuse
	running      atomic.Bool
	teardownOnce sync.Once

	datagrams      atomic.Uint64
	malformed      atomic.Uint64
	unknownSSRC    atomic.Uint64
	dropped        atomic.Uint64
	remoteEstimate atomic.Uint64
}

func NewEndpoint(params EndpointParams) *Endpoint {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config.Nack.Interval <= 0 {
		params.Config.Nack.Interval = buffer.DefaultNackConfig.Interval
	}
	if params.Config.Jitter.SweepInterval <= 0 {
		params.Config.Jitter.SweepInterval = buffer.DefaultJitterConfig.SweepInterval
	}
	if params.Config.ReportInterval <= 0 {
		params.Config.ReportInterval = DefaultEndpointConfig.ReportInterval
	}
	if params.Config.QueueSize <= 0 {
		params.Config.QueueSize = DefaultEndpointConfig.QueueSize
	}

	e := &Endpoint{
		params:    params,
		receivers: make(map[uint32]*ReceiveStream),
		senders:   make(map[uint32]*SendStream),
		xr:        rtpstats.NewXRTracker(params.Config.RTT),
		inbound:   make(chan datagram, params.Config.QueueSize),
		outbound:  make(chan datagram, params.Config.QueueSize),
	}
	if params.Config.AbsSendTimeExtensionID != 0 {
		e.bwe = remotebwe.NewRemoteBWE(remotebwe.RemoteBWEParams{
			Config:     params.Config.BWE,
			Logger:     params.Logger,
			OnEstimate: e.onEstimate,
		})
	} else {
		e.bwe = &bwe.NullBWE{}
	}
	return e
}

func (e *Endpoint) AddReceiveStream(stream StreamConfig) (*ReceiveStream, error) {
	if e.closed.IsBroken() {
		return nil, ErrEndpointClosed
	}

	e.streamsLock.Lock()
	defer e.streamsLock.Unlock()

	if _, ok := e.receivers[stream.SSRC]; ok {
		return nil, errors.Wrapf(ErrStreamExists, "ssrc %d", stream.SSRC)
	}
	if _, ok := e.receivers[stream.RTXSSRC]; stream.HasRTX() && ok {
		return nil, errors.Wrapf(ErrStreamExists, "rtx ssrc %d", stream.RTXSSRC)
	}

	r := NewReceiveStream(ReceiveStreamParams{
		Stream:              stream,
		Config:              e.params.Config,
		LocalSSRC:           e.params.LocalSSRC,
		RTCPWriter:          e,
		RTT:                 e.RTT,
		Logger:              e.params.Logger,
		OnPacket:            e.onPacketFunc(stream.SSRC),
		OnStreamReset:       e.params.OnStreamReset,
		OnUnrecoverableLoss: e.params.OnUnrecoverableLoss,
	})
	e.receivers[stream.SSRC] = r
	if stream.HasRTX() {
		e.receivers[stream.RTXSSRC] = r
	}
	e.params.Logger.Debugw("receive stream added", "ssrc", stream.SSRC, "rtxSSRC", stream.RTXSSRC)
	return r, nil
}

func (e *Endpoint) AddSendStream(stream StreamConfig) (*SendStream, error) {
	if e.closed.IsBroken() {
		return nil, ErrEndpointClosed
	}

	e.streamsLock.Lock()
	defer e.streamsLock.Unlock()

	if _, ok := e.senders[stream.SSRC]; ok {
		return nil, errors.Wrapf(ErrStreamExists, "ssrc %d", stream.SSRC)
	}

	s := NewSendStream(SendStreamParams{
		Stream:              stream,
		Config:              e.params.Config,
		RTPWriter:           e,
		Logger:              e.params.Logger,
		OnKeyFrameRequest:   e.params.OnKeyFrameRequest,
		OnUnrecoverableLoss: e.params.OnRetransmitUnavailable,
	})
	e.senders[stream.SSRC] = s
	e.params.Logger.Debugw("send stream added", "ssrc", stream.SSRC, "rtxSSRC", stream.RTXSSRC)
	return s, nil
}

func (e *Endpoint) RemoveReceiveStream(ssrc uint32) {
	e.streamsLock.Lock()
	r, ok := e.receivers[ssrc]
	if ok {
		delete(e.receivers, r.SSRC())
		if cfg := r.StreamConfig(); cfg.HasRTX() {
			delete(e.receivers, cfg.RTXSSRC)
		}
	}
	e.streamsLock.Unlock()

	if ok {
		r.Close()
	}
}

func (e *Endpoint) RemoveSendStream(ssrc uint32) {
	e.streamsLock.Lock()
	s, ok := e.senders[ssrc]
	delete(e.senders, ssrc)
	e.streamsLock.Unlock()

	if ok {
		s.Close()
	}
}

func (e *Endpoint) GetReceiveStream(ssrc uint32) *ReceiveStream {
	e.streamsLock.RLock()
	defer e.streamsLock.RUnlock()

	return e.receivers[ssrc]
}

func (e *Endpoint) GetSendStream(ssrc uint32) *SendStream {
	e.streamsLock.RLock()
	defer e.streamsLock.RUnlock()

	return e.senders[ssrc]
}

// Deliver queues a decrypted datagram for the loop. buf is copied.
func (e *Endpoint) Deliver(buf []byte, at time.Time) error {
	return e.enqueue(e.inbound, buf, at)
}

// SendRTP queues outgoing media for the send stream matching its SSRC. buf
// is copied.
func (e *Endpoint) SendRTP(buf []byte) error {
	return e.enqueue(e.outbound, buf, time.Time{})
}

func (e *Endpoint) enqueue(ch chan datagram, buf []byte, at time.Time) error {
	if e.closed.IsBroken() {
		e.dropped.Inc()
		prometheus.IncrementDropped("closed")
		return ErrEndpointClosed
	}

	select {
	case ch <- datagram{buf: append([]byte(nil), buf...), at: at}:
		return nil
	default:
		e.dropped.Inc()
		prometheus.IncrementDropped("queue_full")
		return ErrQueueFull
	}
}

// Run processes queued work and timers until ctx is done or Close is called.
// Streams are closed after the timers have stopped.
func (e *Endpoint) Run(ctx context.Context) error {
	if e.closed.IsBroken() {
		return ErrEndpointClosed
	}
	e.running.Store(true)
	defer e.teardown()

	nackTicker := time.NewTicker(e.params.Config.Nack.Interval)
	defer nackTicker.Stop()
	jitterTicker := time.NewTicker(e.params.Config.Jitter.SweepInterval)
	defer jitterTicker.Stop()
	reportTicker := time.NewTicker(e.params.Config.ReportInterval)
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.closed.Break()
			return ctx.Err()

		case <-e.closed.Watch():
			return nil

		case d := <-e.inbound:
			e.ProcessDatagram(d.buf, d.at)

		case d := <-e.outbound:
			e.writeMedia(d.buf, time.Now())

		case now := <-nackTicker.C:
			e.OnNackTimer(now)

		case now := <-jitterTicker.C:
			e.OnJitterTimer(now)

		case now := <-reportTicker.C:
			e.OnReportTimer(now)
		}
	}
}

func (e *Endpoint) Close() {
	if e.closed.IsBroken() {
		return
	}
	e.closed.Break()

	if !e.running.Load() {
		e.teardown()
	}
}

func (e *Endpoint) Closed() <-chan struct{} {
	return e.closed.Watch()
}

func (e *Endpoint) teardown() {
	e.teardownOnce.Do(func() {
		e.streamsLock.Lock()
		receivers := e.receivers
		senders := e.senders
		e.receivers = make(map[uint32]*ReceiveStream)
		e.senders = make(map[uint32]*SendStream)
		e.streamsLock.Unlock()

		for _, r := range receivers {
			r.Close()
		}
		for _, s := range senders {
			s.Close()
		}

		for {
			select {
			case <-e.inbound:
				e.dropped.Inc()
			case <-e.outbound:
				e.dropped.Inc()
			default:
				e.params.Logger.Debugw("endpoint closed", "dropped", e.dropped.Load())
				return
			}
		}
	})
}

// ProcessDatagram demultiplexes and handles one datagram synchronously. It
// must only be called from the loop, or in place of it.
func (e *Endpoint) ProcessDatagram(buf []byte, at time.Time) {
	if e.closed.IsBroken() {
		e.dropped.Inc()
		return
	}

	e.datagrams.Inc()
	if rtpcodec.IsRTCP(buf) {
		e.handleRTCP(buf, at)
	} else {
		e.handleRTP(buf, at)
	}
}

func (e *Endpoint) handleRTP(buf []byte, at time.Time) {
	pkt, err := rtpcodec.Unmarshal(buf, at)
	if err != nil {
		e.malformed.Inc()
		prometheus.IncrementMalformed("rtp")
		e.params.Logger.Debugw("dropping malformed rtp", err, "size", len(buf))
		return
	}

	r := e.GetReceiveStream(pkt.SSRC)
	if r == nil {
		if r = e.createReceiveStream(pkt.SSRC); r == nil {
			e.unknownSSRC.Inc()
			return
		}
	}

	if id := e.params.Config.AbsSendTimeExtensionID; id != 0 {
		if ast, err := pkt.GetAbsSendTime(id); err == nil {
			e.bwe.IncomingPacket(r.SSRC(), ast, len(buf), at)
		}
	}

	if err := r.HandlePacket(pkt, at); err != nil {
		e.params.Logger.Debugw("could not handle packet", err, "ssrc", pkt.SSRC, "sn", pkt.SequenceNumber)
	}
}

func (e *Endpoint) createReceiveStream(ssrc uint32) *ReceiveStream {
	if e.params.OnUnknownSSRC == nil {
		return nil
	}
	stream, ok := e.params.OnUnknownSSRC(ssrc)
	if !ok {
		return nil
	}
	if stream.SSRC != ssrc && stream.RTXSSRC != ssrc {
		e.params.Logger.Warnw("stream does not cover ssrc", nil, "ssrc", ssrc, "stream", stream.SSRC)
		return nil
	}

	r, err := e.AddReceiveStream(stream)
	if err != nil {
		e.params.Logger.Warnw("could not create receive stream", err, "ssrc", ssrc)
		return nil
	}
	return r
}

func (e *Endpoint) handleRTCP(buf []byte, at time.Time) {
	pkts, err := rtpcodec.UnmarshalCompound(buf, rtpcodec.CompoundOptions{
		RequireReportFirst: e.params.Config.RequireReportFirst,
	})
	if err != nil {
		e.malformed.Inc()
		prometheus.IncrementMalformed("rtcp")
		e.params.Logger.Debugw("dropping malformed rtcp", err, "size", len(buf))
		return
	}

	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.SenderReport:
			if r := e.GetReceiveStream(p.SSRC); r != nil {
				r.OnSenderReport(p, at)
			}
			e.handleReceptionReports(p.Reports, at)

		case *rtcp.ReceiverReport:
			e.handleReceptionReports(p.Reports, at)

		case *rtcp.TransportLayerNack:
			if s := e.GetSendStream(p.MediaSSRC); s != nil {
				s.HandleNack(p, at)
			}

		case *rtcp.PictureLossIndication:
			if s := e.GetSendStream(p.MediaSSRC); s != nil {
				s.HandlePLI()
			}

		case *rtcp.ReceiverEstimatedMaximumBitrate:
			bps := rtpcodec.REMBBitrate(p)
			e.remoteEstimate.Store(bps)
			if e.params.OnRemoteEstimate != nil {
				e.params.OnRemoteEstimate(bps, p.SSRCs)
			}

		case *rtcp.ExtendedReport:
			e.handleExtendedReport(p, at)
		}
	}
}

func (e *Endpoint) handleReceptionReports(reports []rtcp.ReceptionReport, at time.Time) {
	for _, report := range reports {
		if s := e.GetSendStream(report.SSRC); s != nil {
			s.HandleReceptionReport(report, at)
		}
	}
}

func (e *Endpoint) handleExtendedReport(xr *rtcp.ExtendedReport, at time.Time) {
	for _, block := range xr.Reports {
		switch b := block.(type) {
		case *rtcp.ReceiverReferenceTimeReportBlock:
			e.xr.OnReceiverReferenceTime(xr.SenderSSRC, b, at)

		case *rtcp.DLRRReportBlock:
			for _, report := range b.Reports {
				if report.SSRC != e.params.LocalSSRC {
					continue
				}
				if rtt, ok := e.xr.OnDLRR(report, at); ok {
					e.params.Logger.Debugw("xr rtt sample", "rtt", rtt, "smoothed", e.xr.Estimator().RTT())
				}
			}
		}
	}
}

func (e *Endpoint) writeMedia(buf []byte, now time.Time) {
	pkt, err := rtpcodec.Unmarshal(buf, now)
	if err != nil {
		e.params.Logger.Warnw("dropping malformed outgoing rtp", err)
		return
	}
	s := e.GetSendStream(pkt.SSRC)
	if s == nil {
		e.params.Logger.Debugw("no send stream for outgoing rtp", "ssrc", pkt.SSRC)
		return
	}
	if err := s.WriteRTP(buf, now); err != nil {
		e.params.Logger.Warnw("could not send rtp", err, "ssrc", pkt.SSRC)
	}
}

func (e *Endpoint) OnNackTimer(now time.Time) {
	for _, r := range e.receiveStreams() {
		r.OnNackTimer(now)
	}
}

func (e *Endpoint) OnJitterTimer(now time.Time) {
	for _, r := range e.receiveStreams() {
		r.OnJitterTimer(now)
	}
	e.bwe.Tick(now)
}

// OnReportTimer sends one compound with sender reports, reception reports
// and the XR round trip blocks.
func (e *Endpoint) OnReportTimer(now time.Time) {
	var pkts []rtcp.Packet
	for _, s := range e.sendStreams() {
		if sr := s.BuildSenderReport(now); sr != nil {
			pkts = append(pkts, sr)
		}
	}

	receivers := e.receiveStreams()
	var reports []rtcp.ReceptionReport
	for _, r := range receivers {
		if report, ok := r.ReceptionReport(now); ok {
			reports = append(reports, report)
		}
	}
	for _, chunk := range lo.Chunk(reports, maxReportsPerRR) {
		pkts = append(pkts, &rtcp.ReceiverReport{
			SSRC:    e.params.LocalSSRC,
			Reports: chunk,
		})
	}

	var xrs []rtcp.Packet
	if len(receivers) != 0 {
		xrs = append(xrs, rtpcodec.BuildRRT(e.params.LocalSSRC, now))
	}
	if dlrr := e.xr.DLRRReports(now); len(dlrr) != 0 {
		xrs = append(xrs, rtpcodec.BuildDLRR(e.params.LocalSSRC, dlrr))
	}
	if len(xrs) != 0 && len(pkts) == 0 {
		pkts = append(pkts, &rtcp.ReceiverReport{SSRC: e.params.LocalSSRC})
	}
	pkts = append(pkts, xrs...)

	if len(pkts) == 0 {
		return
	}
	if err := e.WriteRTCP(pkts); err != nil {
		e.params.Logger.Warnw("could not send reports", err)
	}
}

// RTT prefers the XR estimate, then any sender side estimate.
func (e *Endpoint) RTT() time.Duration {
	if est := e.xr.Estimator(); est.HasSample() {
		return est.RTT()
	}
	for _, s := range e.sendStreams() {
		if est := s.RTT(); est.HasSample() {
			return est.RTT()
		}
	}
	return e.xr.Estimator().RTT()
}

func (e *Endpoint) BWE() bwe.BWE {
	return e.bwe
}

func (e *Endpoint) WriteRTP(buf []byte) error {
	if e.closed.IsBroken() {
		return ErrEndpointClosed
	}
	return e.params.Transport.WritePacket(buf)
}

func (e *Endpoint) WriteRTCP(pkts []rtcp.Packet) error {
	if e.closed.IsBroken() {
		return ErrEndpointClosed
	}

	buf, err := rtpcodec.MarshalCompound(pkts)
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	return e.params.Transport.WritePacket(buf)
}

// Stats is safe to call from any goroutine.
func (e *Endpoint) Stats() EndpointStats {
	stats := EndpointStats{
		Datagrams:      e.datagrams.Load(),
		Malformed:      e.malformed.Load(),
		UnknownSSRC:    e.unknownSSRC.Load(),
		Dropped:        e.dropped.Load(),
		Estimate:       e.bwe.TargetBitrate(),
		RemoteEstimate: e.remoteEstimate.Load(),
		Receive:        make(map[uint32]ReceiveStreamStats),
		Send:           make(map[uint32]SendStreamStats),
	}
	for _, r := range e.receiveStreams() {
		stats.Receive[r.SSRC()] = r.Stats()
	}
	for _, s := range e.sendStreams() {
		stats.Send[s.SSRC()] = s.Stats()
	}
	return stats
}

func (e *Endpoint) onPacketFunc(ssrc uint32) func(pkt *rtpcodec.Packet, extSN uint64) {
	if e.params.OnPacket == nil {
		return nil
	}
	return func(pkt *rtpcodec.Packet, extSN uint64) {
		e.params.OnPacket(ssrc, pkt, extSN)
	}
}

func (e *Endpoint) onEstimate(estimate bwe.Estimate) {
	prometheus.SetBandwidthEstimate(estimate.Bitrate)
	e.params.Logger.Debugw("bandwidth estimate", "estimate", estimate)

	remb := rtpcodec.BuildREMB(e.params.LocalSSRC, estimate.Bitrate, estimate.SSRCs)
	if err := e.WriteRTCP([]rtcp.Packet{remb}); err != nil {
		e.params.Logger.Warnw("could not send remb", err)
	}
	if e.params.OnEstimate != nil {
		e.params.OnEstimate(estimate)
	}
}

// receiveStreams returns each stream once, ordered by SSRC.
func (e *Endpoint) receiveStreams() []*ReceiveStream {
	e.streamsLock.RLock()
	defer e.streamsLock.RUnlock()

	streams := make([]*ReceiveStream, 0, len(e.receivers))
	for ssrc, r := range e.receivers {
		if ssrc == r.SSRC() {
			streams = append(streams, r)
		}
	}
	slices.SortFunc(streams, func(a, b *ReceiveStream) int {
		return cmp.Compare(a.SSRC(), b.SSRC())
	})
	return streams
}

func (e *Endpoint) sendStreams() []*SendStream {
	e.streamsLock.RLock()
	defer e.streamsLock.RUnlock()

	streams := lo.Values(e.senders)
	slices.SortFunc(streams, func(a, b *SendStream) int {
		return cmp.Compare(a.SSRC(), b.SSRC())
	})
	return streams
}
