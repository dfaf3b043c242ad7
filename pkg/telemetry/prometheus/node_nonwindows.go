//go:build !windows

/*
 * Copyright 2023 LiveKit, Inc
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package prometheus

import (
	"sync"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/loadavg"
)

type cpuSampler struct {
	lock      sync.Mutex
	lastTotal uint64
	lastIdle  uint64
}

// load is the busy fraction since the previous call, 0 on the first.
func (c *cpuSampler) load() (float64, error) {
	stats, err := cpu.Get()
	if err != nil {
		return 0, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	var busy float64
	if c.lastTotal > 0 && c.lastTotal < stats.Total {
		busy = 1 - float64(stats.Idle-c.lastIdle)/float64(stats.Total-c.lastTotal)
	}
	c.lastTotal = stats.Total
	c.lastIdle = stats.Idle
	return busy, nil
}

func getLoadAvg() (*loadavg.Stats, error) {
	return loadavg.Get()
}
