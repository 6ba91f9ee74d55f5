// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

package peerwire

import "time"

// Config tunes the peer wire protocol's timeouts and pipelining.
type Config struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReceiveTimeout   time.Duration `yaml:"receive_timeout"`
	MinRequestTimeout time.Duration `yaml:"min_request_timeout"`

	// MaxRequestLength bounds an individual request message's len field;
	// larger requests are a protocol error.
	MaxRequestLength int `yaml:"max_request_length"`

	// MaxPacketLength bounds any single message payload; larger messages
	// are a protocol error.
	MaxPacketLength int `yaml:"max_packet_length"`

	MinQueueDepth int `yaml:"min_queue_depth"`
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// SnubThreshold is the number of consecutive request timeouts after
	// which a peer is downgraded to one outstanding request at a time.
	SnubThreshold int `yaml:"snub_threshold"`

	// BanThreshold is the trust_points floor; reaching it disconnects and
	// blacklists the peer.
	BanThreshold int16 `yaml:"ban_threshold"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = 120 * time.Second
	}
	if c.MinRequestTimeout == 0 {
		c.MinRequestTimeout = 10 * time.Second
	}
	if c.MaxRequestLength == 0 {
		c.MaxRequestLength = 32 * 1024
	}
	if c.MaxPacketLength == 0 {
		c.MaxPacketLength = 1 << 20
	}
	if c.MinQueueDepth == 0 {
		c.MinQueueDepth = 1
	}
	if c.MaxQueueDepth == 0 {
		c.MaxQueueDepth = 500
	}
	if c.SnubThreshold == 0 {
		c.SnubThreshold = 3
	}
	if c.BanThreshold == 0 {
		c.BanThreshold = -5
	}
	return c
}

// TargetQueueDepth computes the request pipelining target D from the
// observed download rate (bytes/sec) and round-trip time, clamped to
// [MinQueueDepth, MaxQueueDepth].
func (c Config) TargetQueueDepth(targetRateBytesPerSec float64, rtt time.Duration) int {
	c = c.applyDefaults()
	d := int(targetRateBytesPerSec * rtt.Seconds() / 16384)
	if d < c.MinQueueDepth {
		d = c.MinQueueDepth
	}
	if d > c.MaxQueueDepth {
		d = c.MaxQueueDepth
	}
	return d
}
