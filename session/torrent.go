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
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/torrentengine/core/alert"
	"github.com/torrentengine/core/bandwidth"
	"github.com/torrentengine/core/bitfield"
	"github.com/torrentengine/core/choker"
	"github.com/torrentengine/core/core"
	"github.com/torrentengine/core/metainfo"
	"github.com/torrentengine/core/peerwire"
	"github.com/torrentengine/core/piecepicker"
	"github.com/torrentengine/core/storage"
	"github.com/torrentengine/core/tracker"
)

// Torrent is the per-swarm controller described in §4.7: it owns the
// piece picker, the peer sessions (keyed by endpoint, one per IP unless
// AllowMultipleConnectionsPerIP), the tracker tier list, and the
// torrent-scoped rate limiters, and drives all of it from a single
// goroutine via the event loop.
type Torrent struct {
	config Config
	pwConfig peerwire.Config
	clk    clock.Clock
	logger *zap.SugaredLogger
	stats  tally.Scope
	sink   alert.EventSink

	meta  metainfo.Metainfo
	store storage.Storage

	localPeerID core.PeerID
	listenPort  uint16

	picker      *piecepicker.Picker
	chk         *choker.Choker
	downLimiter *bandwidth.Limiter
	upLimiter   *bandwidth.Limiter

	have *bitfield.Bitfield

	tiers        *tracker.TierList
	newClient    func(url string) (tracker.Client, error)
	nextAnnounce time.Time
	announcing   bool

	peersByEndpoint map[string]*peerConn
	peersByIP       map[string]int

	loop   *eventLoop
	ticker clock.Ticker
	wg     sync.WaitGroup
	done   chan struct{}
}

// TorrentOption configures optional Torrent dependencies.
type TorrentOption func(*Torrent)

// WithTorrentLogger overrides the torrent's logger.
func WithTorrentLogger(logger *zap.SugaredLogger) TorrentOption {
	return func(t *Torrent) { t.logger = logger }
}

// WithTorrentStats overrides the torrent's metrics scope.
func WithTorrentStats(stats tally.Scope) TorrentOption {
	return func(t *Torrent) { t.stats = stats }
}

// WithTorrentSink overrides the torrent's event sink.
func WithTorrentSink(sink alert.EventSink) TorrentOption {
	return func(t *Torrent) { t.sink = sink }
}

// WithTorrentClock overrides the torrent's clock.
func WithTorrentClock(clk clock.Clock) TorrentOption {
	return func(t *Torrent) { t.clk = clk }
}

// WithTrackerClientFactory overrides how a tracker URL is turned into a
// tracker.Client; tests supply an in-memory fake.
func WithTrackerClientFactory(f func(url string) (tracker.Client, error)) TorrentOption {
	return func(t *Torrent) { t.newClient = f }
}

// NewTorrent constructs a Torrent ready to Start. downLimiter/upLimiter
// are plain *bandwidth.Limiter values; Session.AddTorrent passes each
// torrent its own unthrottled pair, not layered under the session-wide
// limiters, so session-wide limits do not bound a torrent's grants.
func NewTorrent(
	config Config,
	meta metainfo.Metainfo,
	store storage.Storage,
	localPeerID core.PeerID,
	listenPort uint16,
	downLimiter, upLimiter *bandwidth.Limiter,
	opts ...TorrentOption,
) *Torrent {
	config = config.applyDefaults()
	numPieces := meta.NumPieces()
	lastLen := 0
	if numPieces > 0 {
		lastLen = meta.PieceLength(numPieces - 1)
	}

	t := &Torrent{
		config:          config,
		pwConfig:        peerwire.Config{},
		clk:             clock.New(),
		logger:          zap.NewNop().Sugar(),
		stats:           tally.NoopScope,
		sink:            alert.Discard{},
		meta:            meta,
		store:           store,
		localPeerID:     localPeerID,
		listenPort:      listenPort,
		picker:          piecepicker.New(piecepicker.Config{}, numPieces, meta.PieceLength(0), lastLen),
		chk:             choker.New(choker.Config{}),
		downLimiter:     downLimiter,
		upLimiter:       upLimiter,
		have:            bitfield.New(numPieces),
		peersByEndpoint: make(map[string]*peerConn),
		peersByIP:       make(map[string]int),
		loop:            newEventLoop(),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.tiers = tracker.NewTierList(tracker.TierConfig{}, meta.AnnounceList(), rand.New(rand.NewSource(time.Now().UnixNano())))
	if t.newClient == nil {
		t.newClient = func(url string) (tracker.Client, error) {
			return nil, fmt.Errorf("no tracker client factory configured for %s", url)
		}
	}
	return t
}

// Start begins the event loop and the tick ticker.
func (t *Torrent) Start() {
	t.ticker = t.clk.Ticker(t.config.TickInterval)
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.loop.run(t)
	}()
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.ticker.C:
				t.loop.send(tickEvent{})
			case <-t.done:
				return
			}
		}
	}()
}

// Stop tears down the event loop, the ticker, and every peer connection.
func (t *Torrent) Stop() {
	close(t.done)
	t.ticker.Stop()
	t.loop.stop()
	t.wg.Wait()
	for _, pc := range t.peersByEndpoint {
		pc.conn.Close()
	}
}

// InfoHash returns the torrent's identity.
func (t *Torrent) InfoHash() core.InfoHash { return t.meta.InfoHash() }

// NumPeers reports how many peer sessions are currently open.
func (t *Torrent) NumPeers() int {
	return t.syncQuery(func(t *Torrent) int { return len(t.peersByEndpoint) })
}

// syncQuery runs fn on the event loop goroutine and returns its result,
// used by read-only accessors so callers never touch Torrent state from
// outside the session thread.
func (t *Torrent) syncQuery(fn func(*Torrent) int) int {
	result := make(chan int, 1)
	t.loop.send(queryEvent{func(t *Torrent) { result <- fn(t) }})
	return <-result
}

// AnnounceNow forces an immediate tracker announce on the next tick.
func (t *Torrent) AnnounceNow() {
	t.loop.send(announceNowEvent{})
}

// Deliver hands candidate peer endpoints discovered out of band (tracker
// announce response, DHT get_peers result) to the torrent for dialing.
func (t *Torrent) Deliver(peers []core.PeerInfo, err error) {
	cands := make([]peerCandidate, len(peers))
	for i, p := range peers {
		cands[i] = peerCandidate{PeerID: p.PeerID, IP: p.IP, Port: p.Port}
	}
	t.loop.send(announceResultEvent{peers: cands, err: err})
}

// AcceptInbound completes a server-side handshake on nc and, on success,
// registers the resulting peer session. Runs off the session thread
// (network I/O is a suspension point per §5) and reports the outcome
// back via the event loop.
func (t *Torrent) AcceptInbound(nc net.Conn) {
	go t.handshakeAndRegister(nc, peerwire.Inbound, core.PeerID{}, false)
}

// ConnectOutbound dials and handshakes candidate, registering the
// resulting peer session on success.
func (t *Torrent) ConnectOutbound(c peerCandidate) {
	go func() {
		nc, err := net.DialTimeout("tcp", c.endpoint(), t.pwConfig.HandshakeTimeout)
		if err != nil {
			return
		}
		t.handshakeAndRegister(nc, peerwire.Outbound, c.PeerID, true)
	}()
}

func (t *Torrent) handshakeAndRegister(nc net.Conn, dir peerwire.Direction, remote core.PeerID, sendFirst bool) {
	deadline := t.clk.Now().Add(t.pwConfig.HandshakeTimeout + 30*time.Second)
	nc.SetDeadline(deadline)

	local := peerwire.Handshake{InfoHash: t.meta.InfoHash(), PeerID: t.localPeerID}
	if sendFirst {
		if _, err := nc.Write(local.Encode()); err != nil {
			nc.Close()
			return
		}
	}
	remoteHS, err := peerwire.DecodeHandshake(nc)
	if err != nil {
		nc.Close()
		return
	}
	if err := remoteHS.Validate(t.meta.InfoHash(), t.localPeerID); err != nil {
		nc.Close()
		return
	}
	if !sendFirst {
		if _, err := nc.Write(local.Encode()); err != nil {
			nc.Close()
			return
		}
	}
	nc.SetDeadline(time.Time{})

	conn := peerwire.NewConn(t.pwConfig, t.clk, nc, 0)
	sess := peerwire.NewSession(t.pwConfig, t.clk, remoteHS.PeerID, dir, t.meta.NumPieces())

	host, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	pc := &peerConn{
		endpoint:  nc.RemoteAddr().String(),
		ip:        host,
		torrentID: t.meta.InfoHash().Hex(),
		conn:      conn,
		sess:      sess,
		connected: t.clk.Now(),
	}
	t.loop.send(peerConnectedEvent{pc})
	t.pumpPeer(pc)
}

// pumpPeer forwards a peer's inbound messages and transport errors into
// the event loop until its Conn closes.
func (t *Torrent) pumpPeer(pc *peerConn) {
	for {
		select {
		case msg, ok := <-pc.conn.Receiver():
			if !ok {
				t.loop.send(peerClosedEvent{endpoint: pc.endpoint, err: fmt.Errorf("connection closed")})
				return
			}
			t.loop.send(peerMessageEvent{endpoint: pc.endpoint, msg: msg})
		case err := <-pc.conn.SendError():
			t.loop.send(peerClosedEvent{endpoint: pc.endpoint, err: err})
			return
		}
	}
}

// onPeerConnected applies §4.7's peer uniqueness rule and, once
// admitted, sends our bitfield.
func (t *Torrent) onPeerConnected(pc *peerConn) {
	if !t.config.AllowMultipleConnectionsPerIP && t.peersByIP[pc.ip] > 0 {
		pc.conn.Close()
		return
	}
	if t.config.MaxPeersPerTorrent > 0 && len(t.peersByEndpoint) >= t.config.MaxPeersPerTorrent {
		pc.conn.Close()
		return
	}
	t.peersByEndpoint[pc.endpoint] = pc
	t.peersByIP[pc.ip]++

	pc.conn.Send(&peerwire.Message{ID: peerwire.Bitfield, Payload: t.have.ToWire()})
	t.sink.Post(alert.Alert{Kind: alert.PeerConnected, Timestamp: t.clk.Now(), InfoHash: t.meta.InfoHash(), PeerID: pc.sess.PeerID})
}

func (t *Torrent) onPeerClosed(endpoint string, err error) {
	pc, ok := t.peersByEndpoint[endpoint]
	if !ok {
		return
	}
	pc.closing = true
	for _, b := range pc.sess.PendingRequests() {
		t.picker.AbortDownload(b)
	}
	delete(t.peersByEndpoint, endpoint)
	t.peersByIP[pc.ip]--
	if t.peersByIP[pc.ip] <= 0 {
		delete(t.peersByIP, pc.ip)
	}
	pc.conn.Close()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.sink.Post(alert.Alert{Kind: alert.PeerDisconnected, Timestamp: t.clk.Now(), InfoHash: t.meta.InfoHash(), PeerID: pc.sess.PeerID, Message: msg})
}
