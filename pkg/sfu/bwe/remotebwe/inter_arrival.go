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

package remotebwe

import (
	"time"
)

const (
	// abs-send-time is 24 bits of 6.18 fixed point seconds, shifted up so
	// that wraps line up with uint32 arithmetic
	absSendTimeShift    = 8
	interArrivalShift   = 18 + absSendTimeShift
	timestampToMs       = 1000.0 / float64(1<<interArrivalShift)
	groupLengthTicks    = uint32(5 * (1 << interArrivalShift) / 1000)
	reorderedResetLimit = 3
)

type timestampGroup struct {
	valid          bool
	size           int
	firstTimestamp uint32
	timestamp      uint32
	firstArrival   time.Time
	lastArrival    time.Time
}

// interArrival groups packets sent within 5 ms of each other and reports
// send and arrival deltas between consecutive groups.
type interArrival struct {
	current  timestampGroup
	prev     timestampGroup
	complete bool

	numConsecutiveReordered int
}

type groupDelta struct {
	timestamp uint32
	arrival   time.Duration
	size      int
}

// update takes a timestamp already shifted into the 32 bit domain. A delta
// is produced when a packet opens a new group and two complete groups exist.
func (ia *interArrival) update(timestamp uint32, arrival time.Time, size int) (groupDelta, bool) {
	var delta groupDelta
	ok := false

	switch {
	case !ia.current.valid:
		ia.current = timestampGroup{
			valid:          true,
			firstTimestamp: timestamp,
			timestamp:      timestamp,
			firstArrival:   arrival,
		}

	case !ia.inOrder(timestamp):
		return delta, false

	case ia.newGroup(timestamp):
		if ia.complete {
			delta.timestamp = ia.current.timestamp - ia.prev.timestamp
			delta.arrival = ia.current.lastArrival.Sub(ia.prev.lastArrival)
			if delta.arrival < 0 {
				// arrival clock went backwards or groups swapped on the wire
				ia.numConsecutiveReordered++
				if ia.numConsecutiveReordered >= reorderedResetLimit {
					ia.reset()
				}
				return groupDelta{}, false
			}
			ia.numConsecutiveReordered = 0
			delta.size = ia.current.size - ia.prev.size
			ok = true
		}
		ia.prev = ia.current
		ia.complete = true
		ia.current = timestampGroup{
			valid:          true,
			firstTimestamp: timestamp,
			timestamp:      timestamp,
			firstArrival:   arrival,
		}

	default:
		if int32(timestamp-ia.current.timestamp) > 0 {
			ia.current.timestamp = timestamp
		}
	}

	ia.current.size += size
	ia.current.lastArrival = arrival
	return delta, ok
}

func (ia *interArrival) inOrder(timestamp uint32) bool {
	return int32(timestamp-ia.current.firstTimestamp) >= 0
}

func (ia *interArrival) newGroup(timestamp uint32) bool {
	return timestamp-ia.current.firstTimestamp > groupLengthTicks
}

func (ia *interArrival) reset() {
	*ia = interArrival{}
}
