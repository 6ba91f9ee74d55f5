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
	"github.com/torrentengine/core/alert"
	"github.com/torrentengine/core/core"
	"github.com/torrentengine/core/peerwire"
	"github.com/torrentengine/core/piecepicker"
)

// onPeerMessage applies one post-handshake wire message to the owning
// peer's state machine and drives the resulting picker/storage work, per
// §4.3's message table.
func (t *Torrent) onPeerMessage(endpoint string, msg *peerwire.Message) {
	pc, ok := t.peersByEndpoint[endpoint]
	if !ok || msg == nil || msg.IsKeepAlive {
		return
	}
	sess := pc.sess

	switch msg.ID {
	case peerwire.Choke:
		sess.HandleChoke()
	case peerwire.Unchoke:
		sess.HandleUnchoke()
		t.fillRequestQueue(pc)
	case peerwire.Interested:
		sess.HandleInterested()
	case peerwire.NotInterested:
		sess.HandleNotInterested()
	case peerwire.Have:
		piece, err := peerwire.DecodeHave(msg)
		if err != nil {
			t.disconnectProtocolError(pc, err)
			return
		}
		if sess.HandleHave(int(piece)) {
			t.picker.IncRefcount(int(piece))
			t.updateInterest(pc)
		}
	case peerwire.Bitfield:
		if err := sess.HandleBitfield(msg.Payload, t.meta.NumPieces()); err != nil {
			t.disconnectProtocolError(pc, err)
			return
		}
		for i := 0; i < sess.TheirBitfield.Len(); i++ {
			if sess.TheirBitfield.Has(i) {
				t.picker.IncRefcount(i)
			}
		}
		t.updateInterest(pc)
	case peerwire.Request:
		req, err := peerwire.DecodeRequest(msg)
		if err != nil {
			t.disconnectProtocolError(pc, err)
			return
		}
		if err := sess.HandleRequest(req); err != nil {
			t.disconnectProtocolError(pc, err)
		}
	case peerwire.Cancel:
		req, err := peerwire.DecodeRequest(msg)
		if err == nil {
			sess.HandleCancel(req)
		}
	case peerwire.Piece:
		t.onPieceMessage(pc, msg)
	default:
		// Fast-extension and extended (id 20) messages are not handled:
		// they are ignored and the connection stays open.
	}
}

func (t *Torrent) disconnectProtocolError(pc *peerConn, err error) {
	t.loop.send(peerClosedEvent{endpoint: pc.endpoint, err: err})
}

// updateInterest recomputes WeInterested from whether the peer's
// bitfield covers any piece we still want, sending Interested or
// NotInterested on a transition.
func (t *Torrent) updateInterest(pc *peerConn) {
	if pc.sess.TheirBitfield == nil {
		return
	}
	want := false
	for i := 0; i < t.meta.NumPieces(); i++ {
		if pc.sess.TheirBitfield.Has(i) && !t.have.Has(i) {
			want = true
			break
		}
	}
	if want == pc.sess.WeInterested {
		return
	}
	pc.sess.WeInterested = want
	id := peerwire.NotInterested
	if want {
		id = peerwire.Interested
	}
	pc.conn.Send(&peerwire.Message{ID: id})
	if want {
		t.fillRequestQueue(pc)
	}
}

// fillRequestQueue tops up pc's outstanding request queue up to its
// target depth, per §4.3's pipelining rule.
func (t *Torrent) fillRequestQueue(pc *peerConn) {
	if pc.sess.TheyChokedUs || !pc.sess.WeInterested || pc.sess.TheirBitfield == nil {
		return
	}
	depth := pc.sess.TargetQueueDepth(pc.downloadRate)
	n := depth - pc.sess.OutstandingCount()
	if n <= 0 {
		return
	}
	blocks := t.picker.Pick(pc.sess.TheirBitfield, n, 4, pc.sess.PeerID, piecepicker.SpeedSlow, true, pc.sess.Snubbed(), nil)
	for _, b := range blocks {
		if err := t.picker.MarkRequesting(b, pc.sess.PeerID, piecepicker.SpeedSlow); err != nil {
			continue
		}
		pc.sess.QueueOutstandingRequest(b)
		pc.conn.Send(peerwire.EncodeRequest(peerwire.Request, peerwire.RequestPayload{
			Piece: uint32(b.Piece), Offset: uint32(b.Offset), Length: uint32(b.Length),
		}))
	}
}

// onPieceMessage writes a delivered block to storage and, once every
// block in the piece has arrived, verifies its hash.
func (t *Torrent) onPieceMessage(pc *peerConn, msg *peerwire.Message) {
	p, err := peerwire.DecodePiece(msg)
	if err != nil {
		t.disconnectProtocolError(pc, err)
		return
	}
	block := core.PieceBlock{Piece: int(p.Piece), Offset: int(p.Offset), Length: len(p.Block)}
	if !pc.sess.ReceiveBlock(block) {
		// Unrequested or duplicate block: ignore rather than tear down
		// the connection, since a cancel/request race is not a protocol
		// violation.
		return
	}
	pc.downloadedThisInterval += int64(len(p.Block))
	pc.sess.Unsnub()

	if err := t.store.WriteBlock(block.Piece, block.Offset, p.Block); err != nil {
		t.sink.Post(alert.Alert{Kind: alert.FileError, Timestamp: t.clk.Now(), InfoHash: t.meta.InfoHash(), Piece: block.Piece, Err: err})
		t.picker.AbortDownload(block)
		return
	}
	t.picker.MarkWriting(block, pc.sess.PeerID)
	complete, err := t.picker.MarkFinished(block, pc.sess.PeerID)
	if err != nil {
		return
	}
	t.sink.Post(alert.Alert{Kind: alert.BlockFinished, Timestamp: t.clk.Now(), InfoHash: t.meta.InfoHash(), PeerID: pc.sess.PeerID, Piece: block.Piece})
	t.fillRequestQueue(pc)

	if !complete {
		return
	}
	t.onPieceComplete(block.Piece, pc.sess.PeerID)
}

func (t *Torrent) onPieceComplete(piece int, contributor core.PeerID) {
	got, err := t.store.HashPiece(piece)
	if err != nil || got != t.meta.PieceHash(piece) {
		t.sink.Post(alert.Alert{Kind: alert.PieceFailedHash, Timestamp: t.clk.Now(), InfoHash: t.meta.InfoHash(), Piece: piece, Err: err})
		t.picker.RestorePiece(piece)
		if pc := t.peerByID(contributor); pc != nil {
			pc.sess.OnHashFailure()
		}
		return
	}

	t.picker.WeHave(piece)
	t.have.Set(piece)
	if pc := t.peerByID(contributor); pc != nil {
		pc.sess.OnHashSuccess()
	}
	for _, pc := range t.peersByEndpoint {
		pc.sess.QueueHave(piece)
	}
	if t.have.Complete() {
		t.sink.Post(alert.Alert{Kind: alert.TorrentFinished, Timestamp: t.clk.Now(), InfoHash: t.meta.InfoHash()})
	}
}

func (t *Torrent) peerByID(id core.PeerID) *peerConn {
	for _, pc := range t.peersByEndpoint {
		if pc.sess.PeerID == id {
			return pc
		}
	}
	return nil
}
