package buffer

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
	"github.com/livekit/mediacore/pkg/sfu/rtpstats"
)

type jitterHarness struct {
	jb     *JitterBuffer
	out    []uint16
	outExt []uint64
	resets []ResetReason
}

func newJitterHarness(config JitterConfig) *jitterHarness {
	h := &jitterHarness{}
	h.jb = NewJitterBuffer(JitterBufferParams{
		Config:   config,
		Sequence: rtpstats.DefaultSequenceTrackerConfig,
		OnPacket: func(pkt *rtpcodec.Packet, extSN uint64) {
			h.out = append(h.out, pkt.SequenceNumber)
			h.outExt = append(h.outExt, extSN)
		},
		OnReset: func(reason ResetReason) {
			h.resets = append(h.resets, reason)
		},
	})
	return h
}

func (h *jitterHarness) push(t *testing.T, sn uint16, at time.Time) rtpstats.SequenceUpdate {
	t.Helper()
	buf, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: sn, Timestamp: uint32(sn) * 3000, SSRC: 1000},
		Payload: []byte{byte(sn)},
	}).Marshal()
	require.NoError(t, err)

	pkt, err := rtpcodec.Unmarshal(buf, at)
	require.NoError(t, err)
	update := h.jb.Push(pkt, at)

	// the receive buffer is reused after Push returns
	for i := range buf {
		buf[i] = 0
	}
	return update
}

func TestJitterBufferInOrder(t *testing.T) {
	h := newJitterHarness(DefaultJitterConfig)
	now := time.Now()
	for sn := uint16(0); sn < 5; sn++ {
		h.push(t, sn, now)
	}
	require.Equal(t, []uint16{0, 1, 2, 3, 4}, h.out)
	require.Zero(t, h.jb.Len())
}

func TestJitterBufferReorder(t *testing.T) {
	h := newJitterHarness(DefaultJitterConfig)
	now := time.Now()

	h.push(t, 2, now)
	for _, sn := range []uint16{5, 3, 4, 6} {
		h.push(t, sn, now)
	}
	require.Equal(t, []uint16{2, 3, 4, 5, 6}, h.out)
	require.Zero(t, h.jb.Len())
	require.Empty(t, h.resets)
}

func TestJitterBufferStaleAndDuplicate(t *testing.T) {
	h := newJitterHarness(DefaultJitterConfig)
	now := time.Now()

	h.push(t, 10, now)
	h.push(t, 12, now)
	h.push(t, 12, now)
	h.push(t, 10, now)
	h.push(t, 9, now)
	h.push(t, 11, now)

	require.Equal(t, []uint16{10, 11, 12}, h.out)
	require.EqualValues(t, 3, h.jb.Stats().Stale)
}

func TestJitterBufferTimeout(t *testing.T) {
	h := newJitterHarness(DefaultJitterConfig)
	now := time.Now()

	h.push(t, 1, now)
	h.push(t, 3, now)
	h.push(t, 4, now.Add(50*time.Millisecond))
	h.push(t, 7, now.Add(100*time.Millisecond))
	require.Equal(t, []uint16{1}, h.out)

	h.jb.Sweep(now.Add(599 * time.Millisecond))
	require.Equal(t, []uint16{1}, h.out)

	h.jb.Sweep(now.Add(650 * time.Millisecond))
	require.Equal(t, []uint16{1, 3, 4}, h.out)
	require.Equal(t, []ResetReason{ResetReasonTimeout}, h.resets)
	require.Equal(t, 1, h.jb.Len())

	// a late 2 is stale now
	h.push(t, 2, now.Add(660*time.Millisecond))
	require.Equal(t, []uint16{1, 3, 4}, h.out)

	// the gap in front of 7 is skipped without a second notification
	h.jb.Sweep(now.Add(700 * time.Millisecond))
	require.Equal(t, []uint16{1, 3, 4, 7}, h.out)
	require.Len(t, h.resets, 1)
	require.EqualValues(t, 1, h.jb.Stats().Suppressed)
	require.EqualValues(t, 3, h.jb.Stats().Skipped)

	// and notifications resume once the throttle has passed
	h.push(t, 9, now.Add(800*time.Millisecond))
	h.jb.Sweep(now.Add(1400 * time.Millisecond))
	require.Equal(t, []uint16{1, 3, 4, 7, 9}, h.out)
	require.Equal(t, []ResetReason{ResetReasonTimeout, ResetReasonTimeout}, h.resets)
}

func TestJitterBufferResync(t *testing.T) {
	h := newJitterHarness(DefaultJitterConfig)
	now := time.Now()

	h.push(t, 100, now)
	h.push(t, 102, now)

	require.Equal(t, rtpstats.SequenceUpdateRejected, h.push(t, 20000, now).Kind)
	u := h.push(t, 20001, now)
	require.Equal(t, rtpstats.SequenceUpdateResync, u.Kind)

	require.Equal(t, []uint16{100, 20001}, h.out)
	require.Zero(t, h.jb.Len())
	require.Equal(t, []ResetReason{ResetReasonResync}, h.resets)

	h.push(t, 20002, now)
	require.Equal(t, []uint16{100, 20001, 20002}, h.out)
}

func TestJitterBufferWrap(t *testing.T) {
	h := newJitterHarness(DefaultJitterConfig)
	now := time.Now()

	for _, sn := range []uint16{65534, 0, 65535, 1} {
		h.push(t, sn, now)
	}
	require.Equal(t, []uint16{65534, 65535, 0, 1}, h.out)
	require.Equal(t, []uint64{65534, 65535, 65536, 65537}, h.outExt)
}

func TestJitterBufferOverflow(t *testing.T) {
	config := DefaultJitterConfig
	config.MaxPackets = 3
	h := newJitterHarness(config)
	now := time.Now()

	h.push(t, 1, now)
	for _, sn := range []uint16{3, 4, 6, 8} {
		h.push(t, sn, now)
	}
	require.Equal(t, []uint16{1, 3, 4}, h.out)
	require.Equal(t, 2, h.jb.Len())
	require.Equal(t, []ResetReason{ResetReasonOverflow}, h.resets)

	h.jb.Close()
	require.Zero(t, h.jb.Len())
}
