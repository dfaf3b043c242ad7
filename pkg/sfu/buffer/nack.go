package buffer

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/exp/slices"

	"github.com/livekit/protocol/logger"
)

type NackConfig struct {
	// Interval is how often the queue is checked for due entries.
	Interval time.Duration `yaml:"interval,omitempty"`
	// InitialDelay holds off the first request to allow for reordering.
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	MaxRetries   int           `yaml:"max_retries,omitempty"`
	Capacity     int           `yaml:"capacity,omitempty"`
}

var DefaultNackConfig = NackConfig{
	Interval:     10 * time.Millisecond,
	InitialDelay: 10 * time.Millisecond,
	MaxRetries:   20,
	Capacity:     2000,
}

type NackQueueParams struct {
	Config NackConfig
	Logger logger.Logger
}

type nack struct {
	extSN     uint64
	tries     int
	createdAt time.Time
	lastNack  time.Time
}

// NackQueue tracks sequence numbers missing from an incoming stream and
// decides when each should be requested again. Entries beyond Capacity push
// out the oldest.
type NackQueue struct {
	params NackQueueParams

	nacks       *simplelru.LRU[uint64, *nack]
	initialized bool
	highest     uint64
	evicted     int
}

func NewNACKQueue(params NackQueueParams) *NackQueue {
	if params.Config.Capacity <= 0 {
		params.Config.Capacity = DefaultNackConfig.Capacity
	}
	if params.Config.MaxRetries <= 0 {
		params.Config.MaxRetries = DefaultNackConfig.MaxRetries
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	n := &NackQueue{
		params: params,
	}
	n.nacks, _ = simplelru.NewLRU[uint64, *nack](params.Config.Capacity, nil)
	return n
}

// Reset forgets all state, used when the stream resynchronizes.
func (n *NackQueue) Reset() {
	n.nacks.Purge()
	n.initialized = false
	n.highest = 0
}

// Update is called for every accepted packet. A jump past the highest
// sequence number queues the gap, an older sequence number clears its entry.
func (n *NackQueue) Update(extSN uint64, now time.Time) {
	if !n.initialized {
		n.initialized = true
		n.highest = extSN
		return
	}

	switch {
	case extSN > n.highest:
		start := n.highest + 1
		if gap := extSN - start; gap > uint64(n.params.Config.Capacity) {
			n.params.Logger.Infow("loss burst exceeds nack capacity", "gap", gap, "capacity", n.params.Config.Capacity)
			start = extSN - uint64(n.params.Config.Capacity)
		}
		for sn := start; sn < extSN; sn++ {
			if n.nacks.Add(sn, &nack{extSN: sn, createdAt: now}) {
				n.evicted++
			}
		}
		n.highest = extSN

	case extSN < n.highest:
		if n.nacks.Remove(extSN) {
			n.params.Logger.Debugw("recovered", "sn", extSN)
		}
	}
}

// Pairs returns the sequence numbers due for a request at now, in ascending
// order, and the extended sequence numbers that ran out of retries.
func (n *NackQueue) Pairs(now time.Time, rtt time.Duration) ([]uint16, []uint64) {
	if n.nacks.Len() == 0 {
		return nil, nil
	}

	keys := n.nacks.Keys()
	slices.Sort(keys)

	var due []uint16
	var lost []uint64
	for _, extSN := range keys {
		nk, ok := n.nacks.Peek(extSN)
		if !ok {
			continue
		}

		if nk.tries == 0 {
			if now.Sub(nk.createdAt) < n.params.Config.InitialDelay {
				continue
			}
		} else if now.Sub(nk.lastNack) < rtt {
			continue
		}

		if nk.tries >= n.params.Config.MaxRetries {
			n.nacks.Remove(extSN)
			lost = append(lost, extSN)
			continue
		}

		nk.tries++
		nk.lastNack = now
		due = append(due, uint16(extSN))
	}
	return due, lost
}

func (n *NackQueue) Len() int {
	return n.nacks.Len()
}

func (n *NackQueue) Evicted() int {
	return n.evicted
}
