package buffer

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
)

func newTestPacket(t *testing.T, sn uint16, ts uint32) *rtpcodec.Packet {
	t.Helper()
	buf, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: sn, Timestamp: ts, SSRC: 1000},
		Payload: []byte{byte(sn), byte(sn >> 8), 0xaa},
	}).Marshal()
	require.NoError(t, err)

	pkt, err := rtpcodec.Unmarshal(buf, time.Time{})
	require.NoError(t, err)
	return pkt
}

func TestBucketGet(t *testing.T) {
	b := NewBucket(BucketParams{Config: DefaultRetransmitConfig})
	now := time.Now()

	for _, sn := range []uint16{1, 3, 4, 6, 7, 10} {
		require.NoError(t, b.Add(newTestPacket(t, sn, uint32(sn)*90)))
	}

	r, err := b.Get(6, now, 50*time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 6, r.Packet.SequenceNumber)
	require.EqualValues(t, 540, r.Packet.Timestamp)
	require.Equal(t, []byte{6, 0, 0xaa}, r.Packet.Payload)
	require.Equal(t, 1, r.Copies)

	_, err = b.Get(5, now, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrPacketNotFound)

	_, err = b.Get(11, now, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrPacketNotFound)

	require.ErrorIs(t, b.Add(newTestPacket(t, 10, 900)), ErrDuplicatePacket)
}

func TestBucketThrottle(t *testing.T) {
	b := NewBucket(BucketParams{Config: DefaultRetransmitConfig})
	now := time.Now()
	rtt := 50 * time.Millisecond
	require.NoError(t, b.Add(newTestPacket(t, 100, 0)))

	_, err := b.Get(100, now, rtt)
	require.NoError(t, err)

	_, err = b.Get(100, now.Add(10*time.Millisecond), rtt)
	require.ErrorIs(t, err, ErrRetransmitThrottled)

	_, err = b.Get(100, now.Add(rtt), rtt)
	require.NoError(t, err)

	// unreliable round trip estimates do not throttle
	_, err = b.Get(100, now.Add(rtt), 200*time.Millisecond)
	require.NoError(t, err)
}

func TestBucketRetransmitLimit(t *testing.T) {
	b := NewBucket(BucketParams{Config: DefaultRetransmitConfig})
	now := time.Now()
	rtt := 10 * time.Millisecond
	require.NoError(t, b.Add(newTestPacket(t, 100, 0)))

	var copies []int
	for i := 0; i < DefaultRetransmitConfig.MaxCount; i++ {
		r, err := b.Get(100, now.Add(time.Duration(i)*rtt), rtt)
		require.NoError(t, err)
		copies = append(copies, r.Copies)
	}
	require.Equal(t, []int{1, 1, 1, 2, 2}, copies[:5])

	_, err := b.Get(100, now.Add(time.Hour), rtt)
	require.ErrorIs(t, err, ErrRetransmitLimit)
}

func TestBucketWrapAndAge(t *testing.T) {
	config := DefaultRetransmitConfig
	config.Size = 8
	b := NewBucket(BucketParams{Config: config})
	now := time.Now()

	for sn := uint16(65530); sn != 4; sn++ {
		require.NoError(t, b.Add(newTestPacket(t, sn, uint32(sn))))
	}
	require.EqualValues(t, 65539, b.HeadSequenceNumber())

	r, err := b.Get(2, now, time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 2, r.Packet.SequenceNumber)

	r, err = b.Get(65534, now, time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 65534, r.Packet.SequenceNumber)

	_, err = b.Get(65531, now, time.Millisecond)
	require.ErrorIs(t, err, ErrPacketTooOld)

	require.ErrorIs(t, b.Add(newTestPacket(t, 65530, 0)), ErrPacketTooOld)

	// a jump invalidates the skipped slots
	require.NoError(t, b.Add(newTestPacket(t, 10, 10)))
	_, err = b.Get(3, now, time.Millisecond)
	require.NoError(t, err)
	_, err = b.Get(5, now, time.Millisecond)
	require.ErrorIs(t, err, ErrPacketNotFound)

	b.Close()
	_, err = b.Get(10, now, time.Millisecond)
	require.ErrorIs(t, err, ErrBufferClosed)
	require.ErrorIs(t, b.Add(newTestPacket(t, 11, 11)), ErrBufferClosed)
}

func TestBucketSequenceRestart(t *testing.T) {
	b := NewBucket(BucketParams{Config: DefaultRetransmitConfig})
	now := time.Now()

	for sn := uint16(100); sn < 110; sn++ {
		require.NoError(t, b.Add(newTestPacket(t, sn, uint32(sn))))
	}
	for sn := uint16(40000); sn < 40010; sn++ {
		require.NoError(t, b.Add(newTestPacket(t, sn, uint32(sn))))
	}
	require.EqualValues(t, 65536+40009, b.HeadSequenceNumber())

	r, err := b.Get(40005, now, time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 40005, r.Packet.SequenceNumber)
	require.EqualValues(t, 40005, r.Packet.Timestamp)

	_, err = b.Get(105, now, time.Millisecond)
	require.Error(t, err)

	// restart further back than the window
	for sn := uint16(20000); sn < 20005; sn++ {
		require.NoError(t, b.Add(newTestPacket(t, sn, uint32(sn)+1)))
	}
	require.EqualValues(t, 2*65536+20004, b.HeadSequenceNumber())

	r, err = b.Get(20002, now, time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 20003, r.Packet.Timestamp)

	_, err = b.Get(40005, now, time.Millisecond)
	require.Error(t, err)
}

func TestBucketZeroConfig(t *testing.T) {
	b := NewBucket(BucketParams{})
	now := time.Now()
	require.NoError(t, b.Add(newTestPacket(t, 7, 700)))

	var copies []int
	for i := 0; i < 5; i++ {
		r, err := b.Get(7, now.Add(time.Duration(i)*time.Second), 50*time.Millisecond)
		require.NoError(t, err)
		copies = append(copies, r.Copies)
	}
	require.Equal(t, []int{1, 1, 1, 2, 2}, copies)

	// above the unreliable threshold requests are not paced
	_, err := b.Get(7, now.Add(5*time.Second), 200*time.Millisecond)
	require.NoError(t, err)
	_, err = b.Get(7, now.Add(5*time.Second), 200*time.Millisecond)
	require.NoError(t, err)
}

func TestBucketTwoRequestsWithinRTT(t *testing.T) {
	b := NewBucket(BucketParams{Config: DefaultRetransmitConfig})
	now := time.Now()
	rtt := 80 * time.Millisecond
	require.NoError(t, b.Add(newTestPacket(t, 42, 4200)))

	sent := 0
	for _, at := range []time.Duration{0, 30 * time.Millisecond} {
		if _, err := b.Get(42, now.Add(at), rtt); err == nil {
			sent++
		}
	}
	require.Equal(t, 1, sent)
}
