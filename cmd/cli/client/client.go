package client

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/pkg/sfu"
	"github.com/livekit/mediacore/pkg/sfu/bwe"
	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
)

type ProbeParams struct {
	Address string
	Config  sfu.EndpointConfig
	Track   TrackWriterParams
	// fraction of outgoing RTP datagrams discarded before the socket
	LossRate float64
	// time given to loss recovery after the last packet is written
	Linger time.Duration
	Seed   int64
	Logger logger.Logger
}

type ProbeStats struct {
	Written        int
	Discarded      uint64
	Reflected      uint64
	Estimate       uint64
	RemoteEstimate uint64
	Send           sfu.SendStreamStats
	Receive        sfu.ReceiveStreamStats
}

// ProbeClient sends synthetic media to a reflecting server and measures what
// comes back, with loss recovery active in both directions.
type ProbeClient struct {
	params   ProbeParams
	conn     net.Conn
	endpoint *sfu.Endpoint

	lock sync.Mutex
	rand *rand.Rand

	discarded      atomic.Uint64
	reflected      atomic.Uint64
	remoteEstimate atomic.Uint64
}

func NewProbeClient(params ProbeParams) (*ProbeClient, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	conn, err := net.Dial("udp", params.Address)
	if err != nil {
		return nil, err
	}

	c := &ProbeClient{
		params: params,
		conn:   conn,
		rand:   rand.New(rand.NewSource(params.Seed)),
	}
	params.Config.AbsSendTimeExtensionID = params.Track.AbsSendTimeExtensionID
	c.endpoint = sfu.NewEndpoint(sfu.EndpointParams{
		Config:    params.Config,
		LocalSSRC: params.Track.SSRC + 1,
		Transport: c,
		Logger:    params.Logger,
		OnPacket: func(ssrc uint32, pkt *rtpcodec.Packet, extSN uint64) {
			c.reflected.Inc()
		},
		OnRemoteEstimate: func(bps uint64, ssrcs []uint32) {
			c.remoteEstimate.Store(bps)
		},
		OnEstimate: func(estimate bwe.Estimate) {
			params.Logger.Debugw("estimate", "estimate", estimate)
		},
	})

	stream := sfu.StreamConfig{
		SSRC:        params.Track.SSRC,
		ClockRate:   params.Track.ClockRate,
		PayloadType: params.Track.PayloadType,
	}
	if _, err := c.endpoint.AddSendStream(stream); err != nil {
		_ = conn.Close()
		return nil, err
	}
	// the server echoes on the same SSRC
	if _, err := c.endpoint.AddReceiveStream(stream); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// WritePacket discards RTP at the configured loss rate. RTCP always goes out.
func (c *ProbeClient) WritePacket(buf []byte) error {
	if !rtpcodec.IsRTCP(buf) && c.lose() {
		c.discarded.Inc()
		return nil
	}
	_, err := c.conn.Write(buf)
	return err
}

func (c *ProbeClient) lose() bool {
	if c.params.LossRate <= 0 {
		return false
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.rand.Float64() < c.params.LossRate
}

// Run sends for duration, waits for recovery to settle and returns totals.
func (c *ProbeClient) Run(ctx context.Context, duration time.Duration) (ProbeStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		if err := c.endpoint.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		c.readWorker()
		return nil
	})

	sendCtx, sendCancel := context.WithTimeout(ctx, duration)
	writer := NewTrackWriter(c.params.Track, c.endpoint.SendRTP, c.params.Logger)
	written := writer.Run(sendCtx)
	sendCancel()

	select {
	case <-ctx.Done():
	case <-time.After(c.params.Linger):
	}

	stats := c.Stats()
	stats.Written = written

	c.endpoint.Close()
	_ = c.conn.Close()
	return stats, g.Wait()
}

func (c *ProbeClient) Stats() ProbeStats {
	es := c.endpoint.Stats()
	ssrc := c.params.Track.SSRC
	return ProbeStats{
		Discarded:      c.discarded.Load(),
		Reflected:      c.reflected.Load(),
		Estimate:       es.Estimate,
		RemoteEstimate: c.remoteEstimate.Load(),
		Send:           es.Send[ssrc],
		Receive:        es.Receive[ssrc],
	}
}

func (c *ProbeClient) readWorker() {
	buf := make([]byte, 1500)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		if err := c.endpoint.Deliver(buf[:n], time.Now()); errors.Is(err, sfu.ErrEndpointClosed) {
			return
		}
	}
}
