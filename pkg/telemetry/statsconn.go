package telemetry

import (
	"net"

	"github.com/livekit/mediacore/pkg/telemetry/prometheus"
)

// PacketConn counts datagrams in both directions.
type PacketConn struct {
	net.PacketConn
}

func NewPacketConn(c net.PacketConn) *PacketConn {
	return &PacketConn{PacketConn: c}
}

func (c *PacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	n, addr, err = c.PacketConn.ReadFrom(p)
	if n > 0 {
		prometheus.IncrementDatagrams(prometheus.Incoming, n)
	}
	return
}

func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	n, err = c.PacketConn.WriteTo(p, addr)
	if n > 0 {
		prometheus.IncrementDatagrams(prometheus.Outgoing, n)
	}
	return
}
