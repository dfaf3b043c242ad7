package telemetry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacketConnPassThrough(t *testing.T) {
	if testing.Short() {
		t.Skip("binds udp sockets")
	}

	a, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	ca := NewPacketConn(a)
	cb := NewPacketConn(b)

	n, err := ca.WriteTo([]byte{1, 2, 3}, cb.LocalAddr())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, cb.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, addr, err := cb.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, buf[:n])
	require.Equal(t, ca.LocalAddr().String(), addr.String())
}
