package remotebwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/mediacore/pkg/sfu/bwe"
)

func TestOveruseDetector(t *testing.T) {
	t.Run("needs two deltas", func(t *testing.T) {
		d := newOveruseDetector(DefaultOveruseDetectorConfig)
		require.Equal(t, bwe.BandwidthUsageNormal, d.detect(10, 10, 1, time.Now()))
	})

	t.Run("underuse is immediate", func(t *testing.T) {
		d := newOveruseDetector(DefaultOveruseDetectorConfig)
		require.Equal(t, bwe.BandwidthUsageUnderusing, d.detect(-1, 10, 60, time.Now()))
	})

	t.Run("overuse must be sustained", func(t *testing.T) {
		d := newOveruseDetector(DefaultOveruseDetectorConfig)
		now := time.Now()
		usages := make([]bwe.BandwidthUsage, 0, 20)
		for i := 0; i < 20; i++ {
			now = now.Add(10 * time.Millisecond)
			usages = append(usages, d.detect(1, 10, 60, now))
		}
		// time over using starts at 5 ms and grows 10 ms per sample
		for i := 0; i < 15; i++ {
			require.Equal(t, bwe.BandwidthUsageNormal, usages[i], "sample %d", i)
		}
		require.Equal(t, bwe.BandwidthUsageOverusing, usages[15])
		require.Equal(t, bwe.BandwidthUsageOverusing, usages[19])
	})

	t.Run("threshold adapts within bounds", func(t *testing.T) {
		d := newOveruseDetector(DefaultOveruseDetectorConfig)
		now := time.Now()
		for i := 0; i < 1000; i++ {
			now = now.Add(100 * time.Millisecond)
			d.detect(0, 10, 60, now)
		}
		require.Equal(t, DefaultOveruseDetectorConfig.MinThreshold, d.threshold)

		d = newOveruseDetector(DefaultOveruseDetectorConfig)
		now = time.Now()
		d.detect(0.3, 10, 60, now)
		threshold := d.threshold
		now = now.Add(10 * time.Millisecond)
		d.detect(0.3, 10, 60, now)
		require.Greater(t, d.threshold, threshold, "grows toward |T| when above")
	})

	t.Run("spikes do not move threshold", func(t *testing.T) {
		d := newOveruseDetector(DefaultOveruseDetectorConfig)
		now := time.Now()
		d.detect(0, 10, 60, now)
		threshold := d.threshold
		d.detect(100, 10, 60, now.Add(10*time.Millisecond))
		require.Equal(t, threshold, d.threshold)
	})
}
