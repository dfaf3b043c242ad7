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

package rtpcodec

import (
	"errors"
)

var (
	// ErrMalformedPacket is returned for input that cannot be parsed, truncated
	// headers and lengths that point past the end of the buffer included.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrProtocolViolation is returned for input that parses but breaks a
	// framing rule, such as padding on a non-final RTCP sub-packet.
	ErrProtocolViolation = errors.New("protocol violation")

	ErrExtensionNotFound     = errors.New("header extension not found")
	ErrExtensionSizeMismatch = errors.New("header extension size mismatch")
	ErrBufferTooSmall        = errors.New("buffer too small")
	ErrNotRTX                = errors.New("packet is not a retransmission")
)
