// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rtpstats

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

const (
	DefaultMaxDropout  = 3000
	DefaultMaxMisorder = 100

	seqMod = 1 << 16
)

type SequenceTrackerConfig struct {
	MaxDropout  uint16 `yaml:"max_dropout,omitempty"`
	MaxMisorder uint16 `yaml:"max_misorder,omitempty"`
	// ImmediateResync accepts a large jump as a new sequence on the first
	// packet instead of waiting for a confirming successor.
	ImmediateResync bool `yaml:"immediate_resync,omitempty"`
}

var DefaultSequenceTrackerConfig = SequenceTrackerConfig{
	MaxDropout:  DefaultMaxDropout,
	MaxMisorder: DefaultMaxMisorder,
}

// ---------------------------------------------------------------------

type SequenceUpdateKind int

const (
	SequenceUpdateFirst SequenceUpdateKind = iota
	SequenceUpdateInOrder
	SequenceUpdateDuplicate
	SequenceUpdateOutOfOrder
	SequenceUpdateRejected
	SequenceUpdateResync
)

func (s SequenceUpdateKind) String() string {
	switch s {
	case SequenceUpdateFirst:
		return "FIRST"
	case SequenceUpdateInOrder:
		return "IN_ORDER"
	case SequenceUpdateDuplicate:
		return "DUPLICATE"
	case SequenceUpdateOutOfOrder:
		return "OUT_OF_ORDER"
	case SequenceUpdateRejected:
		return "REJECTED"
	case SequenceUpdateResync:
		return "RESYNC"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

type SequenceUpdate struct {
	Kind SequenceUpdateKind
	// ExtendedSequenceNumber is not meaningful for rejected packets.
	ExtendedSequenceNumber uint64
	// PreExtendedHighest is the highest extended sequence number before this
	// update, valid when Kind is neither FIRST nor RESYNC.
	PreExtendedHighest uint64
	Wrapped            bool
}

// Accepted reports whether the packet should flow on to buffering.
func (s SequenceUpdate) Accepted() bool {
	return s.Kind != SequenceUpdateRejected
}

func (s SequenceUpdate) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("Kind", s.Kind.String())
	e.AddUint64("ExtendedSequenceNumber", s.ExtendedSequenceNumber)
	e.AddUint64("PreExtendedHighest", s.PreExtendedHighest)
	e.AddBool("Wrapped", s.Wrapped)
	return nil
}

// ---------------------------------------------------------------------

// SequenceTracker extends 16 bit RTP sequence numbers and validates the
// source following RFC3550 appendix A.1. A jump larger than MaxDropout is
// treated as a new sequence only once the next packet confirms it.
type SequenceTracker struct {
	config SequenceTrackerConfig

	initialized bool
	baseSeq     uint16
	maxSeq      uint16
	cycles      uint64
	badSeq      uint32
}

func NewSequenceTracker(config SequenceTrackerConfig) *SequenceTracker {
	if config.MaxDropout == 0 {
		config.MaxDropout = DefaultMaxDropout
	}
	if config.MaxMisorder == 0 {
		config.MaxMisorder = DefaultMaxMisorder
	}
	return &SequenceTracker{
		config: config,
		badSeq: seqMod + 1,
	}
}

func (s *SequenceTracker) init(seq uint16) {
	s.initialized = true
	s.baseSeq = seq
	s.maxSeq = seq
	s.cycles = 0
	s.badSeq = seqMod + 1
}

func (s *SequenceTracker) Update(seq uint16) SequenceUpdate {
	if !s.initialized {
		s.init(seq)
		return SequenceUpdate{
			Kind:                   SequenceUpdateFirst,
			ExtendedSequenceNumber: uint64(seq),
		}
	}

	update := SequenceUpdate{
		PreExtendedHighest: s.ExtendedHighest(),
	}
	udelta := seq - s.maxSeq
	switch {
	case udelta == 0:
		update.Kind = SequenceUpdateDuplicate
		update.ExtendedSequenceNumber = update.PreExtendedHighest

	case udelta < s.config.MaxDropout:
		// in order, with permissible gap
		if seq < s.maxSeq {
			s.cycles += seqMod
			update.Wrapped = true
		}
		s.maxSeq = seq
		s.badSeq = seqMod + 1
		update.Kind = SequenceUpdateInOrder
		update.ExtendedSequenceNumber = s.ExtendedHighest()

	case uint32(udelta) <= seqMod-uint32(s.config.MaxMisorder):
		// the sequence number made a very large jump
		if uint32(seq) == s.badSeq || s.config.ImmediateResync {
			// two sequential packets, assume the other side restarted
			s.init(seq)
			return SequenceUpdate{
				Kind:                   SequenceUpdateResync,
				ExtendedSequenceNumber: uint64(seq),
				PreExtendedHighest:     update.PreExtendedHighest,
			}
		}
		s.badSeq = (uint32(seq) + 1) & (seqMod - 1)
		update.Kind = SequenceUpdateRejected

	default:
		// duplicate or reordered packet
		update.Kind = SequenceUpdateOutOfOrder
		update.ExtendedSequenceNumber = s.extendOlder(seq)
	}
	return update
}

// extendOlder places a sequence number at or behind maxSeq into the extended
// space. One that precedes the very first packet across a wrap has no place
// and maps to 0.
func (s *SequenceTracker) extendOlder(seq uint16) uint64 {
	if seq <= s.maxSeq {
		return s.cycles + uint64(seq)
	}
	if s.cycles == 0 {
		return 0
	}
	return s.cycles - seqMod + uint64(seq)
}

func (s *SequenceTracker) Initialized() bool {
	return s.initialized
}

func (s *SequenceTracker) BaseSequenceNumber() uint16 {
	return s.baseSeq
}

func (s *SequenceTracker) HighestSequenceNumber() uint16 {
	return s.maxSeq
}

// Cycles is the count of sequence number wraps, shifted left by 16.
func (s *SequenceTracker) Cycles() uint64 {
	return s.cycles
}

func (s *SequenceTracker) ExtendedHighest() uint64 {
	return s.cycles + uint64(s.maxSeq)
}

func (s *SequenceTracker) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if s == nil {
		return nil
	}

	e.AddBool("initialized", s.initialized)
	e.AddUint16("baseSeq", s.baseSeq)
	e.AddUint16("maxSeq", s.maxSeq)
	e.AddUint64("cycles", s.cycles)
	return nil
}
