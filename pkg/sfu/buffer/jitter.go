package buffer

import (
	"time"

	"github.com/huandu/skiplist"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/pkg/sfu/rtpcodec"
	"github.com/livekit/mediacore/pkg/sfu/rtpstats"
)

type JitterConfig struct {
	// Timeout is how long a packet may wait for its predecessors.
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
	// ResetThrottle is the minimum spacing between reset notifications.
	ResetThrottle time.Duration `yaml:"reset_throttle,omitempty"`
	MaxPackets    int           `yaml:"max_packets,omitempty"`
}

var DefaultJitterConfig = JitterConfig{
	Timeout:       600 * time.Millisecond,
	SweepInterval: 100 * time.Millisecond,
	ResetThrottle: 500 * time.Millisecond,
	MaxPackets:    1000,
}

type ResetReason int

const (
	ResetReasonResync ResetReason = iota
	ResetReasonTimeout
	ResetReasonOverflow
)

func (r ResetReason) String() string {
	switch r {
	case ResetReasonResync:
		return "RESYNC"
	case ResetReasonTimeout:
		return "TIMEOUT"
	case ResetReasonOverflow:
		return "OVERFLOW"
	default:
		return "UNKNOWN"
	}
}

type JitterBufferParams struct {
	Config   JitterConfig
	Sequence rtpstats.SequenceTrackerConfig
	Logger   logger.Logger

	// OnPacket receives packets in sequence order. The packet is only valid
	// for the duration of the call.
	OnPacket func(pkt *rtpcodec.Packet, extSN uint64)
	// OnReset is called when output skipped ahead, at most once per
	// ResetThrottle.
	OnReset func(reason ResetReason)
}

type JitterStats struct {
	Output     uint64
	Buffered   int
	Stale      uint64
	Rejected   uint64
	Skipped    uint64
	Resets     uint64
	Suppressed uint64
}

type jitterEntry struct {
	pkt   *rtpcodec.Packet
	extSN uint64
}

// JitterBuffer reorders one incoming stream. In-order packets pass straight
// through; a packet ahead of a gap waits until the gap fills or until it has
// been held for Timeout, at which point output skips the gap.
type JitterBuffer struct {
	params JitterBufferParams

	tracker     *rtpstats.SequenceTracker
	entries     *skiplist.SkipList
	initialized bool
	lastOutput  uint64
	lastResetAt time.Time

	output     atomic.Uint64
	stale      atomic.Uint64
	rejected   atomic.Uint64
	skipped    atomic.Uint64
	resets     atomic.Uint64
	suppressed atomic.Uint64
	buffered   atomic.Int64
}

func NewJitterBuffer(params JitterBufferParams) *JitterBuffer {
	if params.Config.Timeout <= 0 {
		params.Config.Timeout = DefaultJitterConfig.Timeout
	}
	if params.Config.MaxPackets <= 0 {
		params.Config.MaxPackets = DefaultJitterConfig.MaxPackets
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	return &JitterBuffer{
		params:  params,
		tracker: rtpstats.NewSequenceTracker(params.Sequence),
		entries: skiplist.New(skiplist.Uint64),
	}
}

// Push accepts a packet from the network and returns how the sequence
// tracker classified it, which drives loss detection. pkt is borrowed; it is
// cloned only if it has to wait.
func (j *JitterBuffer) Push(pkt *rtpcodec.Packet, now time.Time) rtpstats.SequenceUpdate {
	update := j.tracker.Update(pkt.SequenceNumber)
	extSN := update.ExtendedSequenceNumber

	switch update.Kind {
	case rtpstats.SequenceUpdateRejected:
		j.rejected.Inc()
		return update

	case rtpstats.SequenceUpdateFirst:
		j.initialized = true
		j.emit(pkt, extSN)
		return update

	case rtpstats.SequenceUpdateResync:
		j.params.Logger.Infow("stream resynchronized", "from", update.PreExtendedHighest, "to", pkt.SequenceNumber, "dropped", j.entries.Len())
		j.clear()
		j.emit(pkt, extSN)
		j.notifyReset(now, ResetReasonResync)
		return update
	}

	switch {
	case extSN <= j.lastOutput:
		j.stale.Inc()

	case extSN == j.lastOutput+1:
		j.emit(pkt, extSN)
		j.drain()

	default:
		if j.entries.Get(extSN) != nil {
			j.stale.Inc()
			break
		}
		clone, err := pkt.Clone()
		if err != nil {
			j.params.Logger.Warnw("could not buffer packet", err, "sn", pkt.SequenceNumber)
			break
		}
		j.entries.Set(extSN, &jitterEntry{pkt: clone, extSN: extSN})
		j.buffered.Store(int64(j.entries.Len()))

		if j.entries.Len() > j.params.Config.MaxPackets {
			j.flushThrough(j.entries.Front().Key().(uint64), now, ResetReasonOverflow)
			j.drain()
		}
	}
	return update
}

// Sweep releases everything up to the newest packet that has waited longer
// than Timeout, skipping the gaps in front of it.
func (j *JitterBuffer) Sweep(now time.Time) {
	var cutoff uint64
	found := false
	for el := j.entries.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*jitterEntry)
		if now.Sub(entry.pkt.Arrival) >= j.params.Config.Timeout {
			cutoff = entry.extSN
			found = true
		}
	}
	if !found {
		return
	}

	j.flushThrough(cutoff, now, ResetReasonTimeout)
	j.drain()
}

func (j *JitterBuffer) flushThrough(cutoff uint64, now time.Time, reason ResetReason) {
	skipped := false
	for el := j.entries.Front(); el != nil && el.Key().(uint64) <= cutoff; el = j.entries.Front() {
		j.entries.RemoveFront()
		entry := el.Value.(*jitterEntry)
		if entry.extSN <= j.lastOutput {
			entry.pkt.Release()
			continue
		}
		if entry.extSN != j.lastOutput+1 {
			j.skipped.Add(entry.extSN - j.lastOutput - 1)
			skipped = true
		}
		j.emit(entry.pkt, entry.extSN)
		entry.pkt.Release()
	}
	j.buffered.Store(int64(j.entries.Len()))

	if skipped {
		j.notifyReset(now, reason)
	}
}

func (j *JitterBuffer) drain() {
	for el := j.entries.Front(); el != nil; el = j.entries.Front() {
		entry := el.Value.(*jitterEntry)
		if entry.extSN > j.lastOutput+1 {
			break
		}
		j.entries.RemoveFront()
		if entry.extSN == j.lastOutput+1 {
			j.emit(entry.pkt, entry.extSN)
		}
		entry.pkt.Release()
	}
	j.buffered.Store(int64(j.entries.Len()))
}

func (j *JitterBuffer) emit(pkt *rtpcodec.Packet, extSN uint64) {
	j.lastOutput = extSN
	j.output.Inc()
	if j.params.OnPacket != nil {
		j.params.OnPacket(pkt, extSN)
	}
}

func (j *JitterBuffer) notifyReset(now time.Time, reason ResetReason) {
	if !j.lastResetAt.IsZero() && now.Sub(j.lastResetAt) < j.params.Config.ResetThrottle {
		j.suppressed.Inc()
		return
	}
	j.lastResetAt = now
	j.resets.Inc()
	if j.params.OnReset != nil {
		j.params.OnReset(reason)
	}
}

func (j *JitterBuffer) clear() {
	for el := j.entries.Front(); el != nil; el = el.Next() {
		el.Value.(*jitterEntry).pkt.Release()
	}
	j.entries = skiplist.New(skiplist.Uint64)
	j.buffered.Store(0)
}

// Close releases buffered packets without emitting them.
func (j *JitterBuffer) Close() {
	j.clear()
}

func (j *JitterBuffer) Len() int {
	return j.entries.Len()
}

func (j *JitterBuffer) LastOutput() uint64 {
	return j.lastOutput
}

func (j *JitterBuffer) SequenceTracker() *rtpstats.SequenceTracker {
	return j.tracker
}

// Stats may be read from any goroutine.
func (j *JitterBuffer) Stats() JitterStats {
	return JitterStats{
		Output:     j.output.Load(),
		Buffered:   int(j.buffered.Load()),
		Stale:      j.stale.Load(),
		Rejected:   j.rejected.Load(),
		Skipped:    j.skipped.Load(),
		Resets:     j.resets.Load(),
		Suppressed: j.suppressed.Load(),
	}
}
