package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/frostbyte73/core"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/pkg/config"
	"github.com/livekit/mediacore/pkg/sfu"
	"github.com/livekit/mediacore/pkg/telemetry"
	"github.com/livekit/mediacore/pkg/telemetry/prometheus"
)

const (
	maxDatagramSize = 1500
	reapInterval    = time.Second

	minReadBackoff = 10 * time.Millisecond
	maxReadBackoff = time.Second
)

// MediaServer terminates plain RTP/RTCP over UDP. Every remote address gets
// its own endpoint, bound in the registry under the address string.
type MediaServer struct {
	config   *config.Config
	registry *sfu.Registry

	conns      []net.PacketConn
	httpServer *http.Server

	lock     sync.Mutex
	sessions map[string]*session

	running atomic.Bool
	closed  core.Fuse
	wg      sync.WaitGroup
}

func NewMediaServer(conf *config.Config) *MediaServer {
	s := &MediaServer{
		config:   conf,
		registry: sfu.NewRegistry(),
		sessions: make(map[string]*session),
	}

	if conf.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		n := negroni.New(negroni.NewRecovery())
		n.UseHandler(mux)
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: n,
		}
	}
	return s
}

func (s *MediaServer) IsRunning() bool {
	return s.running.Load()
}

// Start binds the media sockets and returns once they are being served.
func (s *MediaServer) Start() error {
	if s.running.Swap(true) {
		return ErrAlreadyRunning
	}

	addresses := s.config.BindAddresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}
	for _, addr := range addresses {
		conn, err := net.ListenPacket("udp", net.JoinHostPort(addr, fmt.Sprint(s.config.Port)))
		if err != nil {
			s.closeConns()
			s.running.Store(false)
			return err
		}
		s.conns = append(s.conns, telemetry.NewPacketConn(conn))
	}
	if len(s.conns) == 0 {
		s.running.Store(false)
		return ErrNoListenAddress
	}

	if s.httpServer != nil {
		ln, err := net.Listen("tcp", s.httpServer.Addr)
		if err != nil {
			s.closeConns()
			s.running.Store(false)
			return err
		}
		go func() {
			logger.Infow("serving metrics", "address", s.httpServer.Addr)
			if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Errorw("metrics server failed", err)
			}
		}()
	}

	for _, conn := range s.conns {
		logger.Infow("starting media server", "address", conn.LocalAddr().String())
		s.wg.Add(1)
		go s.readWorker(conn)
	}
	s.wg.Add(1)
	go s.housekeepingWorker()
	return nil
}

// Stop closes every session and waits for workers to exit.
func (s *MediaServer) Stop() {
	if !s.running.Load() || s.closed.IsBroken() {
		return
	}
	s.closed.Break()

	s.closeConns()
	s.wg.Wait()

	if s.config.StatsFile != "" {
		if err := s.writeStatsFile(s.config.StatsFile); err != nil {
			logger.Warnw("could not write stats", err, "file", s.config.StatsFile)
		}
	}

	s.registry.CloseAll()
	s.lock.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.lock.Unlock()
	for _, sess := range sessions {
		<-sess.done
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	s.running.Store(false)
}

// LocalAddrs returns the bound media addresses.
func (s *MediaServer) LocalAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.conns))
	for _, conn := range s.conns {
		addrs = append(addrs, conn.LocalAddr())
	}
	return addrs
}

func (s *MediaServer) Registry() *sfu.Registry {
	return s.registry
}

func (s *MediaServer) closeConns() {
	for _, conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *MediaServer) readWorker(conn net.PacketConn) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	backoff := minReadBackoff
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if s.closed.IsBroken() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Warnw("listener closed", err, "local", conn.LocalAddr())
				return
			}
			logger.Warnw("could not read datagram", err, "backoff", backoff)
			select {
			case <-s.closed.Watch():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, maxReadBackoff)
			continue
		}
		backoff = minReadBackoff

		now := time.Now()
		sess, err := s.getOrCreateSession(conn, addr, now)
		if err != nil {
			prometheus.IncrementDropped("session")
			logger.Debugw("dropping datagram", "error", err, "remote", addr.String())
			continue
		}
		sess.touch(now)
		if err := sess.endpoint.Deliver(buf[:n], now); err != nil {
			sess.logger.Debugw("could not deliver datagram", "error", err)
		}
	}
}

func (s *MediaServer) getOrCreateSession(conn net.PacketConn, addr net.Addr, now time.Time) (*session, error) {
	username := addr.String()

	s.lock.Lock()
	defer s.lock.Unlock()

	if sess, ok := s.sessions[username]; ok {
		return sess, nil
	}
	if limit := s.config.Session.MaxSessions; limit > 0 && len(s.sessions) >= limit {
		return nil, ErrTooManySessions
	}

	sess := newSession(s.config, conn, addr)
	if err := s.registry.Bind(username, sess.endpoint); err != nil {
		return nil, err
	}
	sess.touch(now)
	s.sessions[username] = sess

	go sess.run(context.Background())
	sess.logger.Infow("session started")
	return sess, nil
}

func (s *MediaServer) housekeepingWorker() {
	defer s.wg.Done()

	reapTicker := time.NewTicker(reapInterval)
	defer reapTicker.Stop()
	statsTicker := time.NewTicker(config.StatsUpdateInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-s.closed.Watch():
			return

		case now := <-reapTicker.C:
			s.reapIdleSessions(now)

		case <-statsTicker.C:
			if err := prometheus.UpdateNodeStats(); err != nil {
				logger.Warnw("could not update node stats", err)
			}
		}
	}
}

func (s *MediaServer) reapIdleSessions(now time.Time) {
	timeout := s.config.Session.IdleTimeout
	if timeout <= 0 {
		return
	}

	s.lock.Lock()
	var idle []*session
	for username, sess := range s.sessions {
		if sess.idleSince(now) > timeout {
			idle = append(idle, sess)
			delete(s.sessions, username)
		}
	}
	s.lock.Unlock()

	for _, sess := range idle {
		sess.logger.Infow("removing idle session", "idle", sess.idleSince(now))
		s.registry.Remove(sess.username)
	}
}

func (s *MediaServer) writeStatsFile(name string) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	return s.WriteStats(f)
}

// WriteStats renders one row per stream of every bound session.
func (s *MediaServer) WriteStats(w io.Writer) error {
	if !s.running.Load() {
		return ErrServerNotStarted
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Session",
		"Direction",
		"SSRC",
		"Packets",
		"Bytes",
		"Lost",
		"NACKs",
		"Retransmits",
		"RTT",
		"Estimate",
	})

	for _, username := range s.registry.Usernames() {
		endpoint, ok := s.registry.Get(username)
		if !ok {
			continue
		}
		stats := endpoint.Stats()
		estimate := "-"
		if stats.Estimate > 0 {
			estimate = humanize.SI(float64(stats.Estimate), "bps")
		}

		for _, ssrc := range sortedKeys(stats.Receive) {
			rs := stats.Receive[ssrc]
			table.Append([]string{
				username,
				"receive",
				fmt.Sprint(ssrc),
				fmt.Sprint(rs.Packets),
				humanize.Bytes(rs.Bytes),
				fmt.Sprint(rs.Lost),
				fmt.Sprint(rs.NacksSent),
				fmt.Sprint(rs.RTXPackets),
				"-",
				estimate,
			})
		}
		for _, ssrc := range sortedKeys(stats.Send) {
			ss := stats.Send[ssrc]
			table.Append([]string{
				username,
				"send",
				fmt.Sprint(ssrc),
				fmt.Sprint(ss.Packets),
				humanize.Bytes(ss.Bytes),
				fmt.Sprint(ss.Unrecoverable),
				fmt.Sprint(ss.NacksReceived),
				fmt.Sprint(ss.Retransmits),
				ss.RTT.String(),
				"-",
			})
		}
	}

	table.Render()
	return nil
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
