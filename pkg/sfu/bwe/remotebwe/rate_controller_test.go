package remotebwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/mediacore/pkg/sfu/bwe"
)

type rateStep struct {
	usage    bwe.BandwidthUsage
	measured uint64
	after    time.Duration
	want     uint64
}

func TestRateController(t *testing.T) {
	hold := DefaultRateControllerConfig.HoldInterval

	tests := []struct {
		name  string
		steps []rateStep
	}{
		{
			name: "overuse decreases from measured",
			steps: []rateStep{
				{usage: bwe.BandwidthUsageOverusing, measured: 800_000, want: 680_000},
			},
		},
		{
			name: "overuse without measurement decreases from target",
			steps: []rateStep{
				{usage: bwe.BandwidthUsageOverusing, want: 850_000},
			},
		},
		{
			name: "consecutive overuse is harsher and held",
			steps: []rateStep{
				{usage: bwe.BandwidthUsageOverusing, measured: 800_000, want: 680_000},
				{usage: bwe.BandwidthUsageOverusing, measured: 800_000, after: 10 * time.Millisecond, want: 680_000},
				{usage: bwe.BandwidthUsageOverusing, measured: 800_000, after: hold, want: 544_000},
			},
		},
		{
			name: "underuse increases",
			steps: []rateStep{
				{usage: bwe.BandwidthUsageUnderusing, measured: 1_200_000, want: 1_260_000},
				{usage: bwe.BandwidthUsageUnderusing, measured: 1_200_000, after: hold, want: 1_324_000},
			},
		},
		{
			name: "clamped to bounds",
			steps: []rateStep{
				{usage: bwe.BandwidthUsageOverusing, measured: 100_000, want: 150_000},
				{usage: bwe.BandwidthUsageUnderusing, measured: 5_000_000, want: 3_000_000},
			},
		},
		{
			name: "normal after overuse holds and sets floor",
			steps: []rateStep{
				{usage: bwe.BandwidthUsageOverusing, measured: 800_000, want: 680_000},
				{usage: bwe.BandwidthUsageNormal, measured: 500_000, want: 680_000},
			},
		},
		{
			name: "normal after underuse caps at measured",
			steps: []rateStep{
				{usage: bwe.BandwidthUsageUnderusing, want: 1_050_000},
				{usage: bwe.BandwidthUsageNormal, measured: 900_000, want: 900_000},
				{usage: bwe.BandwidthUsageNormal, measured: 900_000, want: 900_000},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := newRateController(DefaultRateControllerConfig)
			now := time.Now()
			for i, step := range tt.steps {
				now = now.Add(step.after)
				got := r.update(step.usage, step.measured, now)
				require.InDelta(t, step.want, got, 1, "step %d", i)
			}
		})
	}
}

func TestRateControllerNormalClimb(t *testing.T) {
	r := newRateController(DefaultRateControllerConfig)
	now := time.Now()

	for i := 0; i < DefaultRateControllerConfig.NormalClimbAfter; i++ {
		require.Equal(t, DefaultRateControllerConfig.StartBitrate, r.update(bwe.BandwidthUsageNormal, 0, now))
	}
	require.Equal(t, DefaultRateControllerConfig.StartBitrate+DefaultRateControllerConfig.NormalClimb, r.update(bwe.BandwidthUsageNormal, 0, now))
	require.Equal(t, DefaultRateControllerConfig.StartBitrate+2*DefaultRateControllerConfig.NormalClimb, r.update(bwe.BandwidthUsageNormal, 0, now))

	r.reset()
	require.Equal(t, DefaultRateControllerConfig.StartBitrate, r.target)
}
