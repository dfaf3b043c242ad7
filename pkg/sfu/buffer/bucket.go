package buffer

import (
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
	"github.com/livekit/mediacore/pkg/sfu/rtpstats"
)

type RetransmitConfig struct {
	Size     int `yaml:"size,omitempty"`
	MaxCount int `yaml:"max_count,omitempty"`
	// after DuplicateAfter resends of a packet every further request is
	// answered with DuplicateCopies copies
	DuplicateAfter  int `yaml:"duplicate_after,omitempty"`
	DuplicateCopies int `yaml:"duplicate_copies,omitempty"`
	// UnreliableRTT disables resend throttling when the round trip estimate
	// is above it.
	UnreliableRTT time.Duration `yaml:"unreliable_rtt,omitempty"`
}

var DefaultRetransmitConfig = RetransmitConfig{
	Size:            2000,
	MaxCount:        20,
	DuplicateAfter:  3,
	DuplicateCopies: 2,
	UnreliableRTT:   150 * time.Millisecond,
}

type BucketParams struct {
	Config RetransmitConfig
	Logger logger.Logger
}

type slot struct {
	pkt          *rtpcodec.Packet
	extSN        uint64
	resendCount  int
	lastResendAt time.Time
}

type Retransmission struct {
	// Packet is owned by the bucket and valid until the next Add.
	Packet *rtpcodec.Packet
	Copies int
}

// Bucket keeps recently sent packets for retransmission in a ring indexed by
// extended sequence number modulo its size.
type Bucket struct {
	params BucketParams

	slots       []slot
	initialized bool
	headSN      uint64
	closed      bool
}

func NewBucket(params BucketParams) *Bucket {
	if params.Config.Size <= 0 {
		params.Config.Size = DefaultRetransmitConfig.Size
	}
	if params.Config.MaxCount <= 0 {
		params.Config.MaxCount = DefaultRetransmitConfig.MaxCount
	}
	if params.Config.DuplicateAfter <= 0 {
		params.Config.DuplicateAfter = DefaultRetransmitConfig.DuplicateAfter
	}
	if params.Config.DuplicateCopies <= 0 {
		params.Config.DuplicateCopies = DefaultRetransmitConfig.DuplicateCopies
	}
	if params.Config.UnreliableRTT <= 0 {
		params.Config.UnreliableRTT = DefaultRetransmitConfig.UnreliableRTT
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	return &Bucket{
		params: params,
		slots:  make([]slot, params.Config.Size),
	}
}

func (b *Bucket) size() uint64 {
	return uint64(len(b.slots))
}

// extend places sn relative to the newest stored sequence number. Anything
// more than half the sequence space ahead is taken as behind.
func (b *Bucket) extend(sn uint16) (uint64, bool) {
	diff := int64(int16(sn - uint16(b.headSN)))
	ext := int64(b.headSN) + diff
	if ext < 0 {
		return 0, false
	}
	return uint64(ext), true
}

// Add stores a copy of an outgoing packet.
func (b *Bucket) Add(pkt *rtpcodec.Packet) error {
	if b.closed {
		return ErrBufferClosed
	}

	var extSN uint64
	if !b.initialized {
		b.initialized = true
		extSN = uint64(pkt.SequenceNumber)
		b.headSN = extSN
	} else {
		if behind := uint64(uint16(b.headSN) - pkt.SequenceNumber); behind < 1<<15 && behind >= b.restartGap() {
			b.restart(pkt.SequenceNumber)
		}

		var ok bool
		if extSN, ok = b.extend(pkt.SequenceNumber); !ok {
			return ErrPacketTooOld
		}
	}

	switch {
	case extSN > b.headSN:
		// invalidate slots skipped over
		for sn := max(b.headSN+1, extSN-min(extSN, b.size()-1)); sn < extSN; sn++ {
			b.release(&b.slots[sn%b.size()])
		}
		b.headSN = extSN

	case b.headSN-extSN >= b.size():
		return ErrPacketTooOld
	}

	s := &b.slots[extSN%b.size()]
	if s.pkt != nil && s.extSN == extSN && s.pkt.Timestamp == pkt.Timestamp {
		return ErrDuplicatePacket
	}
	b.release(s)

	clone, err := pkt.Clone()
	if err != nil {
		return err
	}
	*s = slot{pkt: clone, extSN: extSN}
	return nil
}

// Get looks up sn for a resend at now. The first resend of a packet always
// goes out; later ones must be at least rtt apart unless rtt is above the
// unreliable threshold.
func (b *Bucket) Get(sn uint16, now time.Time, rtt time.Duration) (Retransmission, error) {
	if b.closed {
		return Retransmission{}, ErrBufferClosed
	}
	if !b.initialized {
		return Retransmission{}, ErrPacketNotFound
	}

	extSN, ok := b.extend(sn)
	if !ok || extSN > b.headSN {
		return Retransmission{}, ErrPacketNotFound
	}
	if b.headSN-extSN >= b.size() {
		return Retransmission{}, ErrPacketTooOld
	}

	s := &b.slots[extSN%b.size()]
	if s.pkt == nil || s.extSN != extSN {
		return Retransmission{}, ErrPacketNotFound
	}
	if s.resendCount >= b.params.Config.MaxCount {
		return Retransmission{}, ErrRetransmitLimit
	}
	if s.resendCount > 0 && rtt <= b.params.Config.UnreliableRTT && now.Sub(s.lastResendAt) < rtt {
		return Retransmission{}, ErrRetransmitThrottled
	}

	s.resendCount++
	s.lastResendAt = now

	copies := 1
	if s.resendCount > b.params.Config.DuplicateAfter {
		copies = b.params.Config.DuplicateCopies
	}
	return Retransmission{Packet: s.pkt, Copies: copies}, nil
}

// restartGap is how far behind the head a sequence number has to be before it
// is taken as a sender restart rather than a stale packet.
func (b *Bucket) restartGap() uint64 {
	return max(b.size(), rtpstats.DefaultMaxDropout)
}

// restart drops everything stored and re-anchors the ring on sn. The head
// moves forward a full cycle so extended numbers stay increasing.
func (b *Bucket) restart(sn uint16) {
	b.params.Logger.Debugw("retransmit store restarted", "from", uint16(b.headSN), "to", sn)
	for i := range b.slots {
		b.release(&b.slots[i])
	}
	b.headSN = (b.headSN>>16+1)<<16 | uint64(sn)
}

func (b *Bucket) release(s *slot) {
	if s.pkt != nil {
		s.pkt.Release()
	}
	*s = slot{}
}

func (b *Bucket) HeadSequenceNumber() uint64 {
	return b.headSN
}

func (b *Bucket) Close() {
	b.closed = true
	for i := range b.slots {
		b.release(&b.slots[i])
	}
}
