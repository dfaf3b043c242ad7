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

package service

import (
	"context"
	"net"
	"time"

	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/pkg/config"
	"github.com/livekit/mediacore/pkg/sfu"
	"github.com/livekit/mediacore/pkg/sfu/buffer"
	"github.com/livekit/mediacore/pkg/sfu/bwe"
	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
)

// udpTransport sends on the socket a session was first seen on.
type udpTransport struct {
	conn net.PacketConn
	addr net.Addr
}

func (t *udpTransport) WritePacket(buf []byte) error {
	_, err := t.conn.WriteTo(buf, t.addr)
	return err
}

// ---------------------------------------------------------------------

type session struct {
	username string
	endpoint *sfu.Endpoint
	logger   logger.Logger

	lastSeen atomic.Int64
	done     chan struct{}
}

func newSession(conf *config.Config, conn net.PacketConn, addr net.Addr) *session {
	s := &session{
		username: addr.String(),
		done:     make(chan struct{}),
	}
	s.logger = logger.GetLogger().WithValues("remote", s.username)

	s.endpoint = sfu.NewEndpoint(sfu.EndpointParams{
		Config:    conf.RTC.EndpointConfig,
		LocalSSRC: conf.RTC.LocalSSRC,
		Transport: &udpTransport{conn: conn, addr: addr},
		Logger:    s.logger,
		OnUnknownSSRC: func(ssrc uint32) (sfu.StreamConfig, bool) {
			return s.onUnknownSSRC(conf, ssrc)
		},
		OnPacket: func(ssrc uint32, pkt *rtpcodec.Packet, extSN uint64) {
			if conf.Session.Reflect {
				s.reflect(pkt)
			}
		},
		OnStreamReset: func(ssrc uint32, reason buffer.ResetReason) {
			s.logger.Infow("stream reset", "ssrc", ssrc, "reason", reason)
		},
		OnUnrecoverableLoss: func(ssrc uint32, extSNs []uint64) {
			s.logger.Debugw("packets lost", "ssrc", ssrc, "count", len(extSNs))
		},
		OnRetransmitUnavailable: func(ssrc uint32, sn uint16) {
			s.logger.Debugw("retransmission unavailable", "ssrc", ssrc, "sn", sn)
		},
		OnKeyFrameRequest: func(ssrc uint32) {
			s.logger.Debugw("key frame requested", "ssrc", ssrc)
		},
		OnEstimate: func(estimate bwe.Estimate) {
			s.logger.Debugw("sending estimate", "estimate", estimate)
		},
		OnRemoteEstimate: func(bps uint64, ssrcs []uint32) {
			s.logger.Debugw("received estimate", "bitrate", bps, "ssrcs", ssrcs)
		},
	})
	return s
}

func (s *session) onUnknownSSRC(conf *config.Config, ssrc uint32) (sfu.StreamConfig, bool) {
	stream := sfu.StreamConfig{
		SSRC:        ssrc,
		ClockRate:   conf.RTC.Stream.ClockRate,
		PayloadType: conf.RTC.Stream.PayloadType,
	}
	if conf.Session.Reflect {
		// echo on the same SSRC, retransmitting on request
		send := stream
		send.RTXSSRC = conf.RTC.Stream.RTXSSRC
		send.RTXPayloadType = conf.RTC.Stream.RTXPayloadType
		if _, err := s.endpoint.AddSendStream(send); err != nil {
			s.logger.Warnw("could not add reflected stream", err, "ssrc", ssrc)
		}
	}
	s.logger.Infow("new stream", "ssrc", ssrc)
	return stream, true
}

func (s *session) reflect(pkt *rtpcodec.Packet) {
	buf, err := pkt.Marshal()
	if err != nil {
		s.logger.Warnw("could not marshal reflected packet", err, "ssrc", pkt.SSRC)
		return
	}
	if err := s.endpoint.SendRTP(buf); err != nil {
		s.logger.Debugw("could not reflect packet", "error", err, "ssrc", pkt.SSRC)
	}
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)

	if err := s.endpoint.Run(ctx); err != nil && err != context.Canceled {
		s.logger.Warnw("session ended", err)
		return
	}
	s.logger.Infow("session ended")
}

func (s *session) touch(at time.Time) {
	s.lastSeen.Store(at.UnixNano())
}

func (s *session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}
