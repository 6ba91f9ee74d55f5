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

package peerwire

import (
	"errors"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/torrentengine/core/bitfield"
	"github.com/torrentengine/core/core"
)

// Direction records which side initiated the connection.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// ErrAlreadyChoked is returned when a request is enqueued while we have
// the peer choked.
var ErrAlreadyChoked = errors.New("peer is choked")

// ErrBitfieldAlreadySet is returned if a bitfield message arrives after
// the peer has already sent one, or after any other message.
var ErrBitfieldAlreadySet = errors.New("bitfield already received or arrived out of order")

type outstandingRequest struct {
	block  core.PieceBlock
	sentAt time.Time
}

// Session is the per-peer state machine described in §4.3 and its choke
// subsystem diagram: choke/interest booleans, the remote
// bitfield, serve-side and outstanding request queues, trust points, and
// timeout/snub bookkeeping.
type Session struct {
	config    Config
	clk       clock.Clock
	PeerID    core.PeerID
	Direction Direction

	WeChokedThem   bool
	TheyChokedUs   bool
	WeInterested   bool
	TheyInterested bool

	TheirBitfield *bitfield.Bitfield

	theirRequests []RequestPayload
	ourRequests   []outstandingRequest
	announceQueue []int

	TrustPoints int16

	consecutiveTimeouts int
	snubbed             bool

	receivedAnyMessage bool
	receivedBitfield   bool

	lastRecv time.Time
	rtt      time.Duration
}

// NewSession returns a Session in the initial not-interested/choked state
// on both sides, per §4.3's state diagram.
func NewSession(config Config, clk clock.Clock, peerID core.PeerID, direction Direction, numPieces int) *Session {
	return &Session{
		config:        config.applyDefaults(),
		clk:           clk,
		PeerID:        peerID,
		Direction:     direction,
		WeChokedThem:  true,
		TheyChokedUs:  true,
		TheirBitfield: bitfield.New(numPieces),
		lastRecv:      clk.Now(),
		rtt:           time.Second,
	}
}

func (s *Session) markMessageReceived() {
	s.receivedAnyMessage = true
	s.lastRecv = s.clk.Now()
}

// HandleChoke processes a choke message: we_choked_them... no -- a choke
// message received means the remote peer choked us, i.e. they_choked_us
// becomes true and our outstanding requests to them are moot.
func (s *Session) HandleChoke() {
	s.markMessageReceived()
	s.TheyChokedUs = true
}

// HandleUnchoke processes an unchoke message from the remote peer.
func (s *Session) HandleUnchoke() {
	s.markMessageReceived()
	s.TheyChokedUs = false
}

// HandleInterested processes an interested message.
func (s *Session) HandleInterested() {
	s.markMessageReceived()
	s.TheyInterested = true
}

// HandleNotInterested processes a not_interested message.
func (s *Session) HandleNotInterested() {
	s.markMessageReceived()
	s.TheyInterested = false
}

// HandleHave updates the remote bitfield for piece and returns true if the
// bit was newly set (the caller should inc_refcount the piece picker in
// that case).
func (s *Session) HandleHave(piece int) bool {
	s.markMessageReceived()
	if s.TheirBitfield.Has(piece) {
		return false
	}
	s.TheirBitfield.Set(piece)
	return true
}

// HandleBitfield replaces the remote bitfield wholesale. Valid only before
// any other message has been processed, per §4.3.
func (s *Session) HandleBitfield(payload []byte, numPieces int) error {
	if s.receivedAnyMessage {
		return ErrBitfieldAlreadySet
	}
	bf, err := bitfield.FromWire(payload, numPieces)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProtocol, err)
	}
	s.markMessageReceived()
	s.receivedBitfield = true
	s.TheirBitfield = bf
	return nil
}

// HandleRequest enqueues a serve-side request if we have not choked the
// peer and the request does not exceed the configured max length.
func (s *Session) HandleRequest(req RequestPayload) error {
	s.markMessageReceived()
	if s.WeChokedThem {
		return ErrAlreadyChoked
	}
	if int(req.Length) > s.config.MaxRequestLength {
		return fmt.Errorf("%w: request length %d exceeds max %d", ErrProtocol, req.Length, s.config.MaxRequestLength)
	}
	s.theirRequests = append(s.theirRequests, req)
	return nil
}

// HandleCancel removes a matching entry from the serve queue, if present.
func (s *Session) HandleCancel(req RequestPayload) {
	s.markMessageReceived()
	for i, r := range s.theirRequests {
		if r == req {
			s.theirRequests = append(s.theirRequests[:i], s.theirRequests[i+1:]...)
			return
		}
	}
}

// TheirRequests returns the pending serve-side request queue.
func (s *Session) TheirRequests() []RequestPayload {
	return s.theirRequests
}

// PopServedRequest removes and returns the oldest serve-side request, used
// once its payload has been sent.
func (s *Session) PopServedRequest() (RequestPayload, bool) {
	if len(s.theirRequests) == 0 {
		return RequestPayload{}, false
	}
	r := s.theirRequests[0]
	s.theirRequests = s.theirRequests[1:]
	return r, true
}

// DropServeQueue clears all pending serve-side requests, per §4.4's
// cancellation rule for a peer transitioning to choked.
func (s *Session) DropServeQueue() {
	s.theirRequests = nil
}

// TargetQueueDepth computes D for this peer from its observed rate and
// round-trip time.
func (s *Session) TargetQueueDepth(targetRateBytesPerSec float64) int {
	if s.snubbed {
		return 1
	}
	return s.config.TargetQueueDepth(targetRateBytesPerSec, s.rtt)
}

// QueueOutstandingRequest records a block we have requested from the
// remote peer.
func (s *Session) QueueOutstandingRequest(b core.PieceBlock) {
	s.ourRequests = append(s.ourRequests, outstandingRequest{block: b, sentAt: s.clk.Now()})
}

// OutstandingCount returns the number of requests currently in flight to
// this peer.
func (s *Session) OutstandingCount() int {
	return len(s.ourRequests)
}

// PendingRequests returns every block currently requested from this
// peer, without removing them. Used when tearing down a connection to
// release the picker's bookkeeping for blocks that will never arrive.
func (s *Session) PendingRequests() []core.PieceBlock {
	out := make([]core.PieceBlock, len(s.ourRequests))
	for i, r := range s.ourRequests {
		out[i] = r.block
	}
	return out
}

// ReceiveBlock removes a matching outstanding request upon delivery and
// resets the consecutive timeout counter.
func (s *Session) ReceiveBlock(b core.PieceBlock) bool {
	s.markMessageReceived()
	for i, r := range s.ourRequests {
		if r.block == b {
			s.ourRequests = append(s.ourRequests[:i], s.ourRequests[i+1:]...)
			s.consecutiveTimeouts = 0
			return true
		}
	}
	return false
}

// requestTimeout derives the per-request timeout from rtt, floored at
// MinRequestTimeout.
func (s *Session) requestTimeout() time.Duration {
	t := s.rtt * 4
	if t < s.config.MinRequestTimeout {
		t = s.config.MinRequestTimeout
	}
	return t
}

// ExpireRequests removes and returns outstanding requests older than the
// derived request timeout. After SnubThreshold consecutive expiries with
// no intervening delivery, the peer is downgraded to a single outstanding
// request (snubbed).
func (s *Session) ExpireRequests() []core.PieceBlock {
	now := s.clk.Now()
	timeout := s.requestTimeout()

	var expired []core.PieceBlock
	var remaining []outstandingRequest
	for _, r := range s.ourRequests {
		if now.Sub(r.sentAt) >= timeout {
			expired = append(expired, r.block)
		} else {
			remaining = append(remaining, r)
		}
	}
	s.ourRequests = remaining
	if len(expired) > 0 {
		s.consecutiveTimeouts++
		if s.consecutiveTimeouts >= s.config.SnubThreshold {
			s.snubbed = true
		}
	}
	return expired
}

// Snubbed reports whether this peer is currently downgraded to a single
// outstanding request.
func (s *Session) Snubbed() bool {
	return s.snubbed
}

// Unsnub clears the snub state, e.g. after a fresh block is delivered
// quickly.
func (s *Session) Unsnub() {
	s.snubbed = false
	s.consecutiveTimeouts = 0
}

// TimedOutReceive reports whether no bytes have been received within the
// configured receive timeout.
func (s *Session) TimedOutReceive() bool {
	return s.clk.Now().Sub(s.lastRecv) >= s.config.ReceiveTimeout
}

// OnHashSuccess rewards a peer for contributing to a piece that passed
// hash verification. The reference algorithm only penalizes failures, but
// mirroring the increment direction documented in §3 keeps trust_points
// meaningful over a long session.
func (s *Session) OnHashSuccess() {
	s.TrustPoints++
}

// OnHashFailure penalizes a peer that contributed to a piece that failed
// hash verification.
func (s *Session) OnHashFailure() {
	s.TrustPoints--
}

// Banned reports whether trust points have fallen to the ban threshold.
func (s *Session) Banned() bool {
	return s.TrustPoints <= s.config.BanThreshold
}

// QueueHave marks piece for a HAVE message to be flushed to the peer.
func (s *Session) QueueHave(piece int) {
	s.announceQueue = append(s.announceQueue, piece)
}

// FlushAnnounceQueue returns and clears the pending HAVE pieces.
func (s *Session) FlushAnnounceQueue() []int {
	q := s.announceQueue
	s.announceQueue = nil
	return q
}
