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

// Package tracker implements the HTTP/HTTPS and UDP tracker clients (C5):
// BEP-3 announce/scrape over HTTP, BEP-15 over UDP, and the tier
// scheduling that sits above both.
package tracker

import (
	"errors"
	"fmt"

	"github.com/torrentengine/core/core"
)

// Event is the announce event field.
type Event int

const (
	None Event = iota
	Completed
	Started
	Stopped
)

func (e Event) String() string {
	switch e {
	case Completed:
		return "completed"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return ""
	}
}

// AnnounceRequest is the set of fields sent in an announce, common to both
// the HTTP and UDP wire formats.
type AnnounceRequest struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int32
	Key        uint32
}

// AnnounceResponse is the tracker's reply, normalized across HTTP and UDP.
type AnnounceResponse struct {
	Interval    int
	MinInterval int
	Leechers    int
	Seeders     int
	Peers       []core.PeerInfo
}

// ScrapeResult is one infohash's worth of a scrape reply.
type ScrapeResult struct {
	Complete   int
	Downloaded int
	Incomplete int
}

// ErrTrackerFailure wraps a tracker-reported `failure reason` or
// equivalent UDP error response. The tier logic keeps the tracker in
// rotation and tries the next URL in the tier.
type ErrTrackerFailure struct {
	Reason string
}

func (e *ErrTrackerFailure) Error() string {
	return fmt.Sprintf("tracker failure: %s", e.Reason)
}

// ErrBadTransaction is returned when a UDP reply's transaction id or
// source endpoint does not match the outstanding request. The UDP client
// discards the packet and moves to its next attempt, which resends the
// request and counts against the retry budget.
var ErrBadTransaction = errors.New("tracker: transaction id or source endpoint mismatch")

// Client announces and scrapes against a single tracker URL.
type Client interface {
	Announce(req AnnounceRequest) (*AnnounceResponse, error)
	Scrape(hashes ...core.InfoHash) (map[core.InfoHash]ScrapeResult, error)
	Close() error
}
