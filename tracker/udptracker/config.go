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

// Package udptracker implements the BEP-15 UDP tracker protocol.
package udptracker

import "time"

// Config tunes the UDP tracker client's retry and timeout behavior.
type Config struct {
	// ConnectRetries and AnnounceRetries bound the exponential backoff
	// retry loop for each phase of the protocol.
	ConnectRetries  int `yaml:"connect_retries"`
	AnnounceRetries int `yaml:"announce_retries"`

	// BaseTimeout is the "15" in the BEP-15 15*2^n backoff schedule.
	BaseTimeout time.Duration `yaml:"base_timeout"`

	// ConnectionIDTTL is how long a connection id remains valid before a
	// fresh connect round is required.
	ConnectionIDTTL time.Duration `yaml:"connection_id_ttl"`
}

func (c Config) applyDefaults() Config {
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 4
	}
	if c.AnnounceRetries == 0 {
		c.AnnounceRetries = 15
	}
	if c.BaseTimeout == 0 {
		c.BaseTimeout = 15 * time.Second
	}
	if c.ConnectionIDTTL == 0 {
		c.ConnectionIDTTL = 60 * time.Second
	}
	return c
}
