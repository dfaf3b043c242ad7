package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/livekit/mediacore/pkg/config/configtest"
	"github.com/livekit/mediacore/pkg/sfu"
)

func TestConfig_Defaults(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)

	require.Equal(t, uint32(7882), conf.Port)
	require.Equal(t, sfu.DefaultEndpointConfig, conf.RTC.EndpointConfig)
	require.Equal(t, uint32(90000), conf.RTC.Stream.ClockRate)
	require.True(t, conf.Session.Reflect)
}

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `rtc:
  nack:
    max_retries: 5
  report_interval: 500ms
session:
  idle_timeout: 10s`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 5, conf.RTC.Nack.MaxRetries)
	require.Equal(t, sfu.DefaultEndpointConfig.Nack.Interval, conf.RTC.Nack.Interval)
	require.Equal(t, 500*time.Millisecond, conf.RTC.ReportInterval)
	require.Equal(t, 10*time.Second, conf.Session.IdleTimeout)
	require.Equal(t, DefaultConfig.Session.MaxSessions, conf.Session.MaxSessions)
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
rtc:
  queue_size: 10`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	conf, err := NewConfig(content, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 10, conf.RTC.QueueSize)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no port", "port: 0"},
		{"no clock rate", "rtc:\n  stream:\n    clock_rate: 0"},
		{"bad extension id", "rtc:\n  abs_send_time_extension_id: 15"},
		{"bad queue size", "rtc:\n  queue_size: -1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(tc.content, true, nil, nil)
			require.Error(t, err)
		})
	}
}

func TestGeneratedFlags(t *testing.T) {
	generatedFlags, err := GenerateCLIFlags(nil, false)
	require.NoError(t, err)

	app := cli.NewApp()
	app.Flags = append(app.Flags, generatedFlags...)

	set := flag.NewFlagSet("test", 0)
	set.Uint("prometheus_port", 0, "")
	set.Bool("rtc.sequence.immediate_resync", false, "")
	set.Int("rtc.nack.max_retries", 0, "")
	set.Float64("rtc.bwe.significant_decrease", 0, "")
	set.Int64("session.idle_timeout", 0, "")
	require.NoError(t, set.Parse([]string{
		"--prometheus_port=9999",             // uint32
		"--rtc.sequence.immediate_resync",    // inline bool
		"--rtc.nack.max_retries=3",           // nested int
		"--rtc.bwe.significant_decrease=0.9", // float
		"--session.idle_timeout=1000000000",  // duration
	}))

	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig("", true, c, nil)
	require.NoError(t, err)

	require.Equal(t, uint32(9999), conf.PrometheusPort)
	require.True(t, conf.RTC.Sequence.ImmediateResync)
	require.Equal(t, 3, conf.RTC.Nack.MaxRetries)
	require.Equal(t, 0.9, conf.RTC.BWE.SignificantDecrease)
	require.Equal(t, time.Second, conf.Session.IdleTimeout)
	require.Equal(t, DefaultConfig.RTC.QueueSize, conf.RTC.QueueSize)
}

func TestYAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(Config{}))
}
