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

package bandwidth

import "time"

// Config configures a Limiter. A zero Config, once defaulted, imposes the
// same floor/ceiling rules as the reference engine while leaving the
// throttle itself unbounded.
type Config struct {
	// ThrottleBytesPerSec is the channel's throughput cap. Zero means
	// unbounded.
	ThrottleBytesPerSec int64 `yaml:"throttle_bytes_per_sec"`

	// WindowSize is the sliding window grants expire after.
	WindowSize time.Duration `yaml:"window_size"`

	// MinBlockSize is the floor on the target block a finite throttle
	// grants (R/10 is raised to it). A grant can still be smaller when the
	// request, the ceiling, or the window's remaining quota is smaller.
	MinBlockSize int64 `yaml:"min_block_size"`

	// MaxBlockSize is the ceiling on any single grant when the throttle is
	// finite.
	MaxBlockSize int64 `yaml:"max_block_size"`
}

func (c Config) applyDefaults() Config {
	if c.WindowSize == 0 {
		c.WindowSize = time.Second
	}
	if c.MinBlockSize == 0 {
		c.MinBlockSize = 400
	}
	if c.MaxBlockSize == 0 {
		c.MaxBlockSize = 33 * 1024
	}
	return c
}
