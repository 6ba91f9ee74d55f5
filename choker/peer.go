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

package choker

import (
	"time"

	"github.com/torrentengine/core/core"
)

// PeerStats is the per-peer input the choker reads each interval. Callers
// (the torrent controller) populate this from the peer wire session and
// its sliding-window rate counters.
type PeerStats struct {
	PeerID core.PeerID

	// DownloadRate is how fast this peer has been sending us payload
	// data, in bytes/sec, over the last interval.
	DownloadRate float64

	// UploadRate is how fast we have been sending this peer payload data
	// over the last interval.
	UploadRate float64

	Interested bool
	Choked     bool

	// Priority is a configurable per-peer tie-breaker; higher wins.
	Priority int

	LastUnchoke time.Time
	ConnectedAt time.Time

	// UploadedSinceUnchoke is total payload bytes sent to this peer since
	// it was last unchoked, used by the round_robin seed regime's quota
	// check.
	UploadedSinceUnchoke int64

	// HaveFraction is the fraction of the torrent this peer has, used by
	// the anti_leech seed regime.
	HaveFraction float64

	// UnderAdmissionControl excludes this peer from receiving an unchoke
	// slot this interval (e.g. a connection rate limiter has it on
	// probation).
	UnderAdmissionControl bool

	// IsNew marks a peer that connected within roughly one unchoke
	// interval, weighted more heavily for the optimistic unchoke slot.
	IsNew bool
}

// Decision is the choker's output for one interval.
type Decision struct {
	Unchoke       []core.PeerID
	Choke         []core.PeerID
	Optimistic    core.PeerID
	HasOptimistic bool
}
