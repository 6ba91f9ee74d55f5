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
	"time"

	"github.com/torrentengine/core/alert"
	"github.com/torrentengine/core/choker"
	"github.com/torrentengine/core/core"
	"github.com/torrentengine/core/peerwire"
	"github.com/torrentengine/core/tracker"
)

// defaultAnnounceInterval is the fixed delay before the next announce
// after every announce result; the interval a tracker returns is not
// consulted.
const defaultAnnounceInterval = 30 * time.Minute

// onTick runs one pass of §4.7's tick loop: expire bandwidth windows,
// advance the optimistic-unchoke counter, process announce-due
// trackers, flush HAVE batches, expire timed-out requests, disconnect
// receive-timed-out and banned peers (snubbed peers stay connected), and
// optionally emit a stats_alert.
func (t *Torrent) onTick() {
	t.tickBandwidth()
	t.tickChoker()
	t.tickTracker()
	t.tickHaves()
	t.tickSnubs()
	if t.config.EmitStatsAlert {
		t.emitStatsAlert()
	}
}

// tickBandwidth expires the upload limiter's sliding window, dispatching any
// newly freed upload grants to peers queued since a previous tick, then
// requests bandwidth for this interval's newly queued serve requests.
func (t *Torrent) tickBandwidth() {
	for _, pc := range t.peersByEndpoint {
		pc.tickRates(t.config.TickInterval)
	}
	for _, grant := range t.upLimiter.Tick() {
		if pc, ok := grant.Consumer.(*peerConn); ok {
			t.serveOneBlock(pc, grant.Amount)
		}
	}
	for _, pc := range t.peersByEndpoint {
		reqs := pc.sess.TheirRequests()
		if len(reqs) == 0 {
			continue
		}
		if amount, ok := t.upLimiter.Request(pc, int64(reqs[0].Length), false); ok {
			t.serveOneBlock(pc, amount)
		}
	}
}

// serveOneBlock reads and sends the oldest queued serve-side request,
// bounded by amount bytes granted by the limiter.
func (t *Torrent) serveOneBlock(pc *peerConn, amount int64) {
	req, ok := pc.sess.PopServedRequest()
	if !ok {
		return
	}
	length := int(req.Length)
	if int64(length) > amount {
		length = int(amount)
	}
	data, err := t.store.ReadBlock(int(req.Piece), int(req.Offset), length)
	if err != nil {
		t.sink.Post(alert.Alert{Kind: alert.FileError, Timestamp: t.clk.Now(), InfoHash: t.meta.InfoHash(), Piece: int(req.Piece), Err: err})
		return
	}
	pc.conn.Send(peerwire.EncodePiece(peerwire.PiecePayload{Piece: req.Piece, Offset: req.Offset, Block: data}))
	pc.uploadedThisInterval += int64(len(data))
	pc.uploadedSinceUnchoke += int64(len(data))
}

// tickChoker runs the choke/unchoke decision for the interval and pushes
// any resulting Choke/Unchoke messages.
func (t *Torrent) tickChoker() {
	stats := make([]*choker.PeerStats, 0, len(t.peersByEndpoint))
	byID := make(map[core.PeerID]*peerConn, len(t.peersByEndpoint))
	for _, pc := range t.peersByEndpoint {
		byID[pc.sess.PeerID] = pc
		haveFraction := 0.0
		if pc.sess.TheirBitfield != nil && pc.sess.TheirBitfield.Len() > 0 {
			haveFraction = float64(pc.sess.TheirBitfield.Count()) / float64(pc.sess.TheirBitfield.Len())
		}
		stats = append(stats, &choker.PeerStats{
			PeerID:               pc.sess.PeerID,
			DownloadRate:         pc.downloadRate,
			UploadRate:           pc.uploadRate,
			Interested:           pc.sess.TheyInterested,
			Choked:               pc.sess.WeChokedThem,
			Priority:             pc.priority,
			LastUnchoke:          pc.lastUnchoke,
			ConnectedAt:          pc.connected,
			UploadedSinceUnchoke: pc.uploadedSinceUnchoke,
			HaveFraction:         haveFraction,
			IsNew:                t.clk.Now().Sub(pc.connected) < t.config.TickInterval*10,
		})
	}

	decision := t.chk.Run(stats, t.have.Complete())
	for _, id := range decision.Unchoke {
		pc, ok := byID[id]
		if !ok || !pc.sess.WeChokedThem {
			continue
		}
		pc.sess.WeChokedThem = false
		pc.lastUnchoke = t.clk.Now()
		pc.uploadedSinceUnchoke = 0
		pc.conn.Send(&peerwire.Message{ID: peerwire.Unchoke})
	}
	for _, id := range decision.Choke {
		pc, ok := byID[id]
		if !ok || pc.sess.WeChokedThem {
			continue
		}
		pc.sess.WeChokedThem = true
		pc.conn.Send(&peerwire.Message{ID: peerwire.Choke})
		pc.sess.DropServeQueue()
	}
}

// tickTracker dispatches a tracker-tier announce when the next-announce
// deadline has passed, off the session thread, reporting results back
// via announceResultEvent. No DHT announce is made here.
func (t *Torrent) tickTracker() {
	if t.announcing || t.clk.Now().Before(t.nextAnnounce) {
		return
	}
	t.announcing = true
	req := tracker.AnnounceRequest{
		InfoHash: t.meta.InfoHash(),
		PeerID:   t.localPeerID,
		Port:     t.listenPort,
		Left:     t.meta.TotalSize(),
		NumWant:  t.config.NumWant,
	}
	go func() {
		results := t.tiers.Announce(req, t.newClient)
		var peers []core.PeerInfo
		var firstErr error
		for _, r := range results {
			if r.Err != nil {
				if firstErr == nil {
					firstErr = r.Err
				}
				continue
			}
			peers = append(peers, r.Response.Peers...)
		}
		t.loop.send(announceResultEvent{peers: toCandidates(peers), err: firstErr})
	}()
}

func toCandidates(peers []core.PeerInfo) []peerCandidate {
	out := make([]peerCandidate, len(peers))
	for i, p := range peers {
		out[i] = peerCandidate{PeerID: p.PeerID, IP: p.IP, Port: p.Port}
	}
	return out
}

// onAnnounceResult handles a tracker or DHT peer list, dialing any new
// candidates and posting the corresponding alert.
func (t *Torrent) onAnnounceResult(peers []peerCandidate, err error) {
	t.announcing = false
	t.nextAnnounce = t.clk.Now().Add(defaultAnnounceInterval)

	if err != nil {
		t.sink.Post(alert.Alert{Kind: alert.TrackerError, Timestamp: t.clk.Now(), InfoHash: t.meta.InfoHash(), Err: err})
		return
	}
	t.sink.Post(alert.Alert{Kind: alert.TrackerReply, Timestamp: t.clk.Now(), InfoHash: t.meta.InfoHash(), Message: fmt.Sprintf("%d peers", len(peers))})

	for _, c := range peers {
		if t.config.MaxPeersPerTorrent > 0 && len(t.peersByEndpoint) >= t.config.MaxPeersPerTorrent {
			return
		}
		if _, ok := t.peersByEndpoint[c.endpoint()]; ok {
			continue
		}
		t.ConnectOutbound(c)
	}
}

// tickHaves flushes each peer's batched HAVE announce queue.
func (t *Torrent) tickHaves() {
	for _, pc := range t.peersByEndpoint {
		for _, piece := range pc.sess.FlushAnnounceQueue() {
			pc.conn.Send(peerwire.EncodeHave(uint32(piece)))
		}
	}
}

// tickSnubs expires timed-out requests and disconnects peers that have
// gone silent past the receive timeout, per §4.3's timeout semantics.
func (t *Torrent) tickSnubs() {
	for endpoint, pc := range t.peersByEndpoint {
		for _, b := range pc.sess.ExpireRequests() {
			t.picker.AbortDownload(b)
		}
		if pc.sess.TimedOutReceive() {
			t.loop.send(peerClosedEvent{endpoint: endpoint, err: fmt.Errorf("receive timeout")})
		}
		if pc.sess.Banned() {
			t.loop.send(peerClosedEvent{endpoint: endpoint, err: fmt.Errorf("trust points exhausted")})
		}
	}
}

func (t *Torrent) emitStatsAlert() {
	full, _ := t.picker.DistributedCopies()
	t.sink.Post(alert.Alert{
		Kind:      alert.StatsAlert,
		Timestamp: t.clk.Now(),
		InfoHash:  t.meta.InfoHash(),
		Message:   fmt.Sprintf("peers=%d distributed_copies=%d", len(t.peersByEndpoint), full),
	})
}
