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

package piecepicker

// Config tunes the piece picker's bucketing and selection behavior.
type Config struct {
	// SequentialThreshold clamps availability when computing a piece's
	// bucket: pieces at or above this many peers fall into the same
	// highest-availability bucket and are then walked in piece-index
	// order rather than shuffled, per §4.2's sequential-download mode.
	SequentialThreshold int `yaml:"sequential_threshold"`
}

func (c Config) applyDefaults() Config {
	if c.SequentialThreshold == 0 {
		c.SequentialThreshold = 20
	}
	return c
}
