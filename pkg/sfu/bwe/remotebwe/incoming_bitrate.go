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

	"github.com/gammazero/deque"
)

type bitrateWindow struct {
	start time.Time
	bytes int
}

// incomingBitrate measures the received bitrate over a sliding window built
// from fixed size buckets.
type incomingBitrate struct {
	duration       time.Duration
	windowDuration time.Duration

	windows deque.Deque[bitrateWindow]
	active  bitrateWindow

	initialized bool
	bytes       int
	start       time.Time
}

func newIncomingBitrate(duration time.Duration, window time.Duration) *incomingBitrate {
	windowCnt := int((duration + (window - 1)) / window)
	if windowCnt == 0 {
		windowCnt = 1
	}
	c := &incomingBitrate{
		duration:       duration,
		windowDuration: window,
	}
	c.windows.SetBaseCap(windowCnt + 1)
	return c
}

func (c *incomingBitrate) add(bytes int, at time.Time) {
	if !c.initialized {
		c.initialized = true
		c.start = at
		c.active = bitrateWindow{start: at}
	}

	if at.Sub(c.active.start) >= c.windowDuration {
		c.windows.PushBack(c.active)
		c.active = bitrateWindow{start: at}

		for c.windows.Len() > 0 {
			// pop expired windows
			if w := c.windows.Front(); at.Sub(w.start) > c.duration+c.windowDuration {
				c.bytes -= w.bytes
				c.windows.PopFront()
			} else {
				c.start = w.start
				break
			}
		}
		if c.windows.Len() == 0 {
			c.start = at
			c.bytes = 0
		}
	}
	c.bytes += bytes
	c.active.bytes += bytes
}

// bitrate returns bits per second, not available until a full bucket has
// been observed.
func (c *incomingBitrate) bitrate(at time.Time) (uint64, bool) {
	if !c.initialized {
		return 0, false
	}
	duration := at.Sub(c.start)
	if duration < c.windowDuration {
		return 0, false
	}
	return uint64(c.bytes) * 8 * 1000 / uint64(duration.Milliseconds()), true
}

func (c *incomingBitrate) reset() {
	c.windows.Clear()
	c.active = bitrateWindow{}
	c.initialized = false
	c.bytes = 0
	c.start = time.Time{}
}
