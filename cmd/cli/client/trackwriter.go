package client

import (
	"context"
	"time"

	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
)

type TrackWriterParams struct {
	SSRC        uint32
	PayloadType uint8
	ClockRate   uint32
	PacketRate  int
	PayloadSize int
	// reserve a zeroed abs-send-time slot for the send stream to stamp
	AbsSendTimeExtensionID uint8
}

// TrackWriter paces synthetic RTP at a fixed packet rate. Payloads carry the
// sequence number so reflected packets can be checked.
type TrackWriter struct {
	params TrackWriterParams
	write  func(buf []byte) error
	logger logger.Logger

	sn uint16
	ts uint32
}

func NewTrackWriter(params TrackWriterParams, write func(buf []byte) error, l logger.Logger) *TrackWriter {
	if params.PacketRate <= 0 {
		params.PacketRate = 50
	}
	if params.PayloadSize < 2 {
		params.PayloadSize = 2
	}
	return &TrackWriter{
		params: params,
		write:  write,
		logger: l,
	}
}

// Run writes until ctx is done and returns the number of packets written.
func (w *TrackWriter) Run(ctx context.Context) int {
	interval := time.Second / time.Duration(w.params.PacketRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tsStep := uint32(uint64(w.params.ClockRate) / uint64(w.params.PacketRate))
	written := 0
	for {
		select {
		case <-ctx.Done():
			return written
		case <-ticker.C:
		}

		buf, err := w.nextPacket()
		if err != nil {
			w.logger.Errorw("could not build packet", err)
			return written
		}
		if err := w.write(buf); err != nil {
			w.logger.Debugw("could not write packet", "error", err, "sn", w.sn)
		} else {
			written++
		}
		w.sn++
		w.ts += tsStep
	}
}

func (w *TrackWriter) nextPacket() ([]byte, error) {
	payload := make([]byte, w.params.PayloadSize)
	payload[0] = byte(w.sn >> 8)
	payload[1] = byte(w.sn)

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    w.params.PayloadType,
			SequenceNumber: w.sn,
			Timestamp:      w.ts,
			SSRC:           w.params.SSRC,
		},
		Payload: payload,
	}
	if id := w.params.AbsSendTimeExtensionID; id != 0 {
		if err := pkt.Header.SetExtension(id, rtpcodec.MarshalAbsSendTime(0)); err != nil {
			return nil, err
		}
	}
	return pkt.Marshal()
}
