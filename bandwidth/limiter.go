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

// Package bandwidth implements the session and per-torrent rate limiter
// (C1): a FIFO queue of pending byte requests, dispatched against a
// sliding-window throttle with fair block sizing.
package bandwidth

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Consumer is a channel participant requesting a byte grant -- typically a
// peer connection requesting egress quota to send a piece payload.
type Consumer interface {
	// ID uniquely identifies the consumer for queue bookkeeping.
	ID() string
	// TorrentID scopes prioritization: a prioritized request only bubbles
	// past non-prioritized requests belonging to the same torrent.
	TorrentID() string
	// Disconnecting reports whether the consumer is tearing down. A grant
	// due to a disconnecting consumer is forfeited and retried against the
	// next queued request.
	Disconnecting() bool
}

// Grant is the outcome of a dispatched request: amount bytes were assigned
// to consumer.
type Grant struct {
	Consumer Consumer
	Amount   int64
}

type grantRecord struct {
	at     time.Time
	amount int64
}

type queuedRequest struct {
	consumer    Consumer
	maxBlock    int64
	prioritized bool
}

// Limiter implements the C1 rate limiter for a single channel (up or down)
// of a session or torrent.
type Limiter struct {
	mu     sync.Mutex
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger
	stats  tally.Scope

	window      []grantRecord
	windowQuota int64

	queue []*queuedRequest

	dispatching bool
}

// Option configures optional Limiter dependencies.
type Option func(*Limiter)

// WithLogger overrides the limiter's logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock overrides the limiter's clock, for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) { l.clk = clk }
}

// WithStats overrides the limiter's metrics scope.
func WithStats(stats tally.Scope) Option {
	return func(l *Limiter) { l.stats = stats }
}

// NewLimiter returns a Limiter enforcing config's throttle.
func NewLimiter(config Config, opts ...Option) *Limiter {
	config = config.applyDefaults()
	l := &Limiter{
		config: config,
		clk:    clock.New(),
		logger: zap.NewNop().Sugar(),
		stats:  tally.NoopScope,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Request attempts to obtain up to maxBlock bytes for consumer immediately.
// Returns the granted amount and true on success. If the channel has no
// spare capacity this tick, the request is queued (prioritized requests
// ahead of non-prioritized ones within the same torrent) and Request
// returns (0, false); the caller will receive its grant on a later Tick.
func (l *Limiter) Request(consumer Consumer, maxBlock int64, prioritized bool) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req := &queuedRequest{consumer: consumer, maxBlock: maxBlock, prioritized: prioritized}
	l.enqueue(req)

	if l.dispatching {
		// Reentrant call from within a dispatch loop (e.g. a consumer that
		// synchronously re-requests upon being granted). Queue it and let
		// the outer dispatch loop pick it up on its next pass.
		return 0, false
	}
	return l.dispatch(req)
}

// Tick expires stale grants and retries queued requests against newly
// freed capacity. Callers should invoke Tick on a regular interval no
// coarser than the configured window size.
func (l *Limiter) Tick() []Grant {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dispatching {
		return nil
	}
	l.dispatching = true
	defer func() { l.dispatching = false }()

	l.expireWindow()

	var grants []Grant
	remaining := l.queue[:0:0]
	for i, req := range l.queue {
		if req.consumer.Disconnecting() {
			continue
		}
		amount, ok := l.tryGrant(req)
		if !ok {
			// Stop dispatching the moment one request can't clear the
			// half-target floor, preserving FIFO/prioritization order:
			// a later, smaller request must never be serviced ahead of
			// an earlier one that was deferred this pass. The rest of
			// the queue, unexamined, carries over to the next Tick.
			remaining = append(remaining, l.queue[i:]...)
			break
		}
		grants = append(grants, Grant{Consumer: req.consumer, Amount: amount})
	}
	l.queue = remaining
	return grants
}

// Stats reports the limiter's current bookkeeping, for metrics and
// testing.
type Stats struct {
	QueueDepth int
	Quota      int64
	Throttle   int64
}

// Stats returns a snapshot of the limiter's internal state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireWindow()
	return Stats{
		QueueDepth: len(l.queue),
		Quota:      l.windowQuota,
		Throttle:   l.config.ThrottleBytesPerSec,
	}
}

// dispatch attempts to grant req immediately; if it cannot, it remains
// queued for the next Tick.
func (l *Limiter) dispatch(req *queuedRequest) (int64, bool) {
	l.dispatching = true
	defer func() { l.dispatching = false }()

	l.expireWindow()

	if req.consumer.Disconnecting() {
		l.remove(req)
		return 0, false
	}

	amount, ok := l.tryGrant(req)
	if ok {
		l.remove(req)
	}
	return amount, ok
}

// tryGrant computes the grant policy block size for req and, if it clears
// the half-target floor, records it in the sliding window.
func (l *Limiter) tryGrant(req *queuedRequest) (int64, bool) {
	R := l.config.ThrottleBytesPerSec

	block := req.maxBlock
	if R > 0 {
		if tenth := max(R/10, l.config.MinBlockSize); tenth < block {
			block = tenth
		}
		if assignable := R - l.windowQuota; assignable < block {
			block = assignable
		}
		ceiling := l.ceiling()
		if ceiling < block {
			block = ceiling
		}
	}

	if block <= 0 || (R > 0 && block < min(req.maxBlock, max(R/10, l.config.MinBlockSize), l.ceiling())/2) {
		// Computed amount is less than half the target block: defer
		// rather than starve the consumer with a tiny grant.
		return 0, false
	}

	l.window = append(l.window, grantRecord{at: l.clk.Now(), amount: block})
	l.windowQuota += block
	return block, true
}

// ceiling computes the per-grant ceiling that keeps the throttle evenly
// divisible, per §4.1.
func (l *Limiter) ceiling() int64 {
	R := l.config.ThrottleBytesPerSec
	if R <= 0 {
		return 1<<63 - 1
	}
	units := R / l.config.MaxBlockSize
	if units < 1 {
		units = 1
	}
	return R / units
}

func (l *Limiter) expireWindow() {
	now := l.clk.Now()
	cutoff := now.Add(-l.config.WindowSize)
	i := 0
	for ; i < len(l.window); i++ {
		if l.window[i].at.After(cutoff) {
			break
		}
		l.windowQuota -= l.window[i].amount
	}
	l.window = l.window[i:]
	if l.windowQuota < 0 {
		l.windowQuota = 0
	}
}

func (l *Limiter) enqueue(req *queuedRequest) {
	if !req.prioritized {
		l.queue = append(l.queue, req)
		return
	}
	for i, q := range l.queue {
		if q.consumer.TorrentID() == req.consumer.TorrentID() && !q.prioritized {
			l.queue = append(l.queue, nil)
			copy(l.queue[i+1:], l.queue[i:])
			l.queue[i] = req
			return
		}
	}
	l.queue = append(l.queue, req)
}

func (l *Limiter) remove(target *queuedRequest) {
	for i, q := range l.queue {
		if q == target {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

// Hierarchical composes a child Limiter (typically per-torrent) whose
// grants additionally consume from a parent Limiter (typically
// session-wide), per §5's "torrent limiters subtract from their parent"
// rule.
type Hierarchical struct {
	parent *Limiter
	child  *Limiter
}

// NewHierarchical returns a Hierarchical limiter layering child beneath
// parent.
func NewHierarchical(parent, child *Limiter) *Hierarchical {
	return &Hierarchical{parent: parent, child: child}
}

// Request reserves maxBlock against the child first, then caps the result
// against the parent's own remaining capacity.
func (h *Hierarchical) Request(consumer Consumer, maxBlock int64, prioritized bool) (int64, bool) {
	childAmount, ok := h.child.Request(consumer, maxBlock, prioritized)
	if !ok {
		return 0, false
	}
	parentAmount, ok := h.parent.Request(consumer, childAmount, prioritized)
	if !ok {
		return 0, false
	}
	return parentAmount, true
}
