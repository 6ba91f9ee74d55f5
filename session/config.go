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

// Package session implements the torrent controller and session-wide glue
// (C7): the per-torrent event loop, peer uniqueness and tick processing,
// and the Session type that wires the rate limiter, DHT routing table,
// and the active torrent controllers together.
package session

import "time"

// Config tunes the session-wide behavior shared by every torrent.
type Config struct {
	// TickInterval is the cadence of each torrent's tick loop: bandwidth
	// window expiry, optimistic-unchoke advance, tracker/DHT processing,
	// HAVE flush, and snub reaping.
	TickInterval time.Duration `yaml:"tick_interval"`

	// AllowMultipleConnectionsPerIP disables the one-connection-per-IP
	// uniqueness rule a torrent controller otherwise enforces.
	AllowMultipleConnectionsPerIP bool `yaml:"allow_multiple_connections_per_ip"`

	// MaxPeersPerTorrent bounds how many peer sessions one torrent keeps
	// open at once; zero means unbounded.
	MaxPeersPerTorrent int `yaml:"max_peers_per_torrent"`

	// NumWant is the number of peers requested per tracker announce and
	// DHT get_peers traversal.
	NumWant int32 `yaml:"num_want"`

	// PeerIDPrefix is shared by every torrent a Session manages, per
	// §5's "all torrents ... use the same peer-id prefix" rule.
	PeerIDPrefix string `yaml:"peer_id_prefix"`

	// EmitStatsAlert enables the periodic stats_alert posted on each
	// tick, per §4.7.
	EmitStatsAlert bool `yaml:"emit_stats_alert"`
}

func (c Config) applyDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.NumWant == 0 {
		c.NumWant = 50
	}
	if c.PeerIDPrefix == "" {
		c.PeerIDPrefix = "-TE0001-"
	}
	return c
}
