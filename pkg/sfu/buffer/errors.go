package buffer

import "errors"

var (
	ErrPacketNotFound      = errors.New("packet not found in cache")
	ErrPacketTooOld        = errors.New("packet too old")
	ErrDuplicatePacket     = errors.New("packet already stored")
	ErrRetransmitLimit     = errors.New("retransmit limit reached")
	ErrRetransmitThrottled = errors.New("retransmit throttled")
	ErrBufferClosed        = errors.New("buffer closed")
)
