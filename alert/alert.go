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

// Package alert defines the structured events the core posts to the
// application: the EventSink interface and the Alert payloads delivered
// through it, always in the order the session thread produced them.
package alert

import (
	"time"

	"github.com/torrentengine/core/core"
)

// Kind identifies the type of Alert, so consumers can type-switch without
// reflecting on the payload.
type Kind int

const (
	PeerConnected Kind = iota
	PeerDisconnected
	TorrentFinished
	TrackerReply
	TrackerError
	DHTReply
	HashFailed
	FileError
	PerformanceWarning
	BlockDownloading
	BlockFinished
	PieceFailedHash
	ListenFailed
	StatsAlert
)

func (k Kind) String() string {
	switch k {
	case PeerConnected:
		return "peer_connected"
	case PeerDisconnected:
		return "peer_disconnected"
	case TorrentFinished:
		return "torrent_finished"
	case TrackerReply:
		return "tracker_reply"
	case TrackerError:
		return "tracker_error"
	case DHTReply:
		return "dht_reply"
	case HashFailed:
		return "hash_failed"
	case FileError:
		return "file_error"
	case PerformanceWarning:
		return "performance_warning"
	case BlockDownloading:
		return "block_downloading"
	case BlockFinished:
		return "block_finished"
	case PieceFailedHash:
		return "piece_failed_hash"
	case ListenFailed:
		return "listen_failed"
	case StatsAlert:
		return "stats_alert"
	default:
		return "unknown"
	}
}

// Alert is a single structured event posted by the core to the application.
type Alert struct {
	Kind      Kind
	Timestamp time.Time
	InfoHash  core.InfoHash
	PeerID    core.PeerID
	Piece     int
	Message   string
	Err       error
}

// EventSink receives alerts posted by the session thread. Implementations
// must not block: the core delivers alerts synchronously from its single
// event loop goroutine.
type EventSink interface {
	Post(a Alert)
}

// Discard is an EventSink that drops every alert. Useful in tests and for
// callers that do not care about observability.
type Discard struct{}

// Post implements EventSink.
func (Discard) Post(Alert) {}

// Recorder is an EventSink that appends every alert to an in-memory slice,
// for use in tests that assert on the sequence of posted events.
type Recorder struct {
	alerts []Alert
}

// Post implements EventSink.
func (r *Recorder) Post(a Alert) {
	r.alerts = append(r.alerts, a)
}

// Alerts returns every alert recorded so far, in post order.
func (r *Recorder) Alerts() []Alert {
	return r.alerts
}
