package rtpstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReceiverStatsLoss(t *testing.T) {
	now := time.Now()
	tracker := NewSequenceTracker(DefaultSequenceTrackerConfig)
	stats := NewReceiverStats(90000)

	_, ok := stats.BuildReceptionReport(1000, now)
	require.False(t, ok)

	for sn := uint16(0); sn < 10; sn++ {
		if sn == 3 || sn == 7 {
			continue
		}
		stats.Update(tracker.Update(sn), uint32(sn)*3000, now.Add(time.Duration(sn)*33*time.Millisecond))
	}

	report, ok := stats.BuildReceptionReport(1000, now)
	require.True(t, ok)
	require.EqualValues(t, 1000, report.SSRC)
	require.EqualValues(t, 2, report.TotalLost)
	require.EqualValues(t, 9, report.LastSequenceNumber)
	require.EqualValues(t, (2<<8)/10, report.FractionLost)
	require.Zero(t, report.LastSenderReport)
	require.Zero(t, report.Delay)

	// late arrival of 3 recovers it
	stats.Update(tracker.Update(3), 9000, now.Add(400*time.Millisecond))
	report, _ = stats.BuildReceptionReport(1000, now)
	require.EqualValues(t, 1, report.TotalLost)
	require.Zero(t, report.FractionLost)

	snap := stats.Snapshot()
	require.EqualValues(t, 10, snap.Expected)
	require.EqualValues(t, 9, snap.Received)
	require.EqualValues(t, 1, snap.OutOfOrder)
}

func TestReceiverStatsJitter(t *testing.T) {
	now := time.Now()
	tracker := NewSequenceTracker(DefaultSequenceTrackerConfig)
	stats := NewReceiverStats(90000)

	// perfectly paced
	for sn := uint16(0); sn < 50; sn++ {
		stats.Update(tracker.Update(sn), uint32(sn)*900, now.Add(time.Duration(sn)*10*time.Millisecond))
	}
	require.Less(t, stats.Snapshot().Jitter, 1.0)

	// alternating 5 ms early and late
	for sn := uint16(50); sn < 200; sn++ {
		offset := 5 * time.Millisecond
		if sn%2 == 0 {
			offset = -offset
		}
		stats.Update(tracker.Update(sn), uint32(sn)*900, now.Add(time.Duration(sn)*10*time.Millisecond+offset))
	}
	// |D| is 10 ms, 900 units at 90 kHz
	require.InDelta(t, 900, stats.Snapshot().Jitter, 50)
}
