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

package bwe

import "time"

// NullBWE is used when the sender does not stamp abs-send-time.
type NullBWE struct {
}

func (n *NullBWE) IncomingPacket(_ssrc uint32, _absSendTime uint32, _size int, _arrival time.Time) {}

func (n *NullBWE) Tick(_now time.Time) {}

func (n *NullBWE) TargetBitrate() uint64 {
	return 0
}

func (n *NullBWE) Usage() BandwidthUsage {
	return BandwidthUsageNormal
}

func (n *NullBWE) Reset() {}
