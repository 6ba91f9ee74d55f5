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
	"errors"
	"time"

	"github.com/torrentengine/core/peerwire"
)

// ErrTorrentStopped is returned by send when the torrent's event loop has
// already exited.
var ErrTorrentStopped = errors.New("session: torrent event loop stopped")

// event describes a single external occurrence that mutates a Torrent's
// state. While apply runs, it is guaranteed to be the only accessor of
// that state, per §5's "all mutations happen on the session thread" rule.
type event interface {
	apply(*Torrent)
}

// eventLoop is a serialized queue of events draining into the goroutine
// that owns one Torrent's state, the same shape as the reference engine's
// scheduler event loop.
type eventLoop struct {
	events chan event
	done   chan struct{}
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		events: make(chan event),
		done:   make(chan struct{}),
	}
}

// send enqueues e. Must never be called from within an apply method of
// the same loop, or it deadlocks. Returns false if the loop already
// stopped.
func (l *eventLoop) send(e event) bool {
	select {
	case l.events <- e:
		return true
	case <-l.done:
		return false
	}
}

// run drains events into t until stop is called.
func (l *eventLoop) run(t *Torrent) {
	for {
		select {
		case e := <-l.events:
			e.apply(t)
		case <-l.done:
			return
		}
	}
}

func (l *eventLoop) stop() {
	close(l.done)
}

// tickEvent drives one pass of the tick loop described in §4.7.
type tickEvent struct{}

func (tickEvent) apply(t *Torrent) { t.onTick() }

// peerConnectedEvent registers a newly handshaked peer connection.
type peerConnectedEvent struct {
	conn *peerConn
}

func (e peerConnectedEvent) apply(t *Torrent) { t.onPeerConnected(e.conn) }

// peerMessageEvent delivers one post-handshake wire message from a peer.
type peerMessageEvent struct {
	endpoint string
	msg      *peerwire.Message
}

func (e peerMessageEvent) apply(t *Torrent) { t.onPeerMessage(e.endpoint, e.msg) }

// peerClosedEvent occurs when a peer's connection tears down, whether by
// transport error, protocol error, or local choice.
type peerClosedEvent struct {
	endpoint string
	err      error
}

func (e peerClosedEvent) apply(t *Torrent) { t.onPeerClosed(e.endpoint, e.err) }

// announceResultEvent delivers a tracker or DHT peer list.
type announceResultEvent struct {
	peers []peerCandidate
	err   error
}

func (e announceResultEvent) apply(t *Torrent) { t.onAnnounceResult(e.peers, e.err) }

// announceNowEvent forces the next tick to treat every tier as due.
type announceNowEvent struct{}

func (announceNowEvent) apply(t *Torrent) { t.nextAnnounce = time.Time{} }

// queryEvent runs an arbitrary read-only closure on the session thread,
// used by accessors that report Torrent state to callers outside the
// event loop.
type queryEvent struct {
	fn func(*Torrent)
}

func (e queryEvent) apply(t *Torrent) { e.fn(t) }
