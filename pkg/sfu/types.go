package sfu

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/livekit/mediacore/pkg/sfu/buffer"
	"github.com/livekit/mediacore/pkg/sfu/bwe/remotebwe"
	"github.com/livekit/mediacore/pkg/sfu/rtpstats"
)

// RTPWriter takes outgoing RTP, ready for encryption.
type RTPWriter interface {
	WriteRTP(buf []byte) error
}

// RTCPWriter takes outgoing RTCP. A single call is sent as one compound
// packet.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// StreamConfig describes one media stream as negotiated by signaling.
type StreamConfig struct {
	SSRC           uint32 `yaml:"ssrc,omitempty"`
	ClockRate      uint32 `yaml:"clock_rate,omitempty"`
	PayloadType    uint8  `yaml:"payload_type,omitempty"`
	RTXSSRC        uint32 `yaml:"rtx_ssrc,omitempty"`
	RTXPayloadType uint8  `yaml:"rtx_payload_type,omitempty"`
}

func (s StreamConfig) HasRTX() bool {
	return s.RTXSSRC != 0
}

type EndpointConfig struct {
	Sequence   rtpstats.SequenceTrackerConfig `yaml:"sequence,omitempty"`
	Jitter     buffer.JitterConfig            `yaml:"jitter,omitempty"`
	Nack       buffer.NackConfig              `yaml:"nack,omitempty"`
	Retransmit buffer.RetransmitConfig        `yaml:"retransmit,omitempty"`
	RTT        rtpstats.RTTConfig             `yaml:"rtt,omitempty"`
	BWE        remotebwe.RemoteBWEConfig      `yaml:"bwe,omitempty"`

	// 0 disables bandwidth estimation
	AbsSendTimeExtensionID uint8         `yaml:"abs_send_time_extension_id,omitempty"`
	ReportInterval         time.Duration `yaml:"report_interval,omitempty"`
	QueueSize              int           `yaml:"queue_size,omitempty"`
	RequireReportFirst     bool          `yaml:"require_report_first,omitempty"`
}

var DefaultEndpointConfig = EndpointConfig{
	Sequence:               rtpstats.DefaultSequenceTrackerConfig,
	Jitter:                 buffer.DefaultJitterConfig,
	Nack:                   buffer.DefaultNackConfig,
	Retransmit:             buffer.DefaultRetransmitConfig,
	RTT:                    rtpstats.DefaultRTTConfig,
	BWE:                    remotebwe.DefaultRemoteBWEConfig,
	AbsSendTimeExtensionID: 3,
	ReportInterval:         time.Second,
	QueueSize:              1024,
}
