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

// Package httptracker implements the BEP-3 HTTP/HTTPS tracker protocol.
package httptracker

import "time"

// Config tunes the HTTP tracker client.
type Config struct {
	// CompleteTimeout (T_c) bounds the whole request including redirects.
	CompleteTimeout time.Duration `yaml:"complete_timeout"`

	// ReadTimeout (T_r) bounds reading the whole response body, not each
	// single read.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	MaxRedirects int `yaml:"max_redirects"`
}

func (c Config) applyDefaults() Config {
	if c.CompleteTimeout == 0 {
		c.CompleteTimeout = 60 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 5
	}
	return c
}
