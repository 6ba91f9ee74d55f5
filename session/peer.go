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

package session

import (
	"net"
	"strconv"
	"time"

	"github.com/torrentengine/core/core"
	"github.com/torrentengine/core/peerwire"
)

func portString(p uint16) string {
	return strconv.Itoa(int(p))
}

// peerCandidate is an endpoint a tracker or DHT lookup returned, not yet
// dialed.
type peerCandidate struct {
	PeerID core.PeerID
	IP     string
	Port   uint16
}

func (c peerCandidate) endpoint() string {
	return net.JoinHostPort(c.IP, portString(c.Port))
}

// peerConn pairs one peer's wire-level Conn (read/write goroutines and
// egress metering) with its protocol state machine, plus the interval
// byte counters the choker's PeerStats needs.
type peerConn struct {
	endpoint  string
	ip        string
	torrentID string
	conn      *peerwire.Conn
	sess      *peerwire.Session
	connected time.Time
	priority  int
	closing   bool

	downloadedThisInterval int64
	uploadedThisInterval   int64
	downloadRate           float64
	uploadRate             float64
	uploadedSinceUnchoke   int64
	lastUnchoke            time.Time
}

// tickRates converts this interval's byte counters into bytes/sec and
// resets them, called once per Torrent tick.
func (p *peerConn) tickRates(interval time.Duration) {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	p.downloadRate = float64(p.downloadedThisInterval) / secs
	p.uploadRate = float64(p.uploadedThisInterval) / secs
	p.downloadedThisInterval = 0
	p.uploadedThisInterval = 0
}

// ID implements bandwidth.Consumer.
func (p *peerConn) ID() string { return p.endpoint }

// TorrentID implements bandwidth.Consumer.
func (p *peerConn) TorrentID() string { return p.torrentID }

// Disconnecting implements bandwidth.Consumer.
func (p *peerConn) Disconnecting() bool { return p.closing }
