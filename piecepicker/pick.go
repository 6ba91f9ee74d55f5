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

package piecepicker

import (
	"sort"

	"github.com/torrentengine/core/bitfield"
	"github.com/torrentengine/core/core"
)

// Pick selects up to n blocks the peer identified by their bitfield can
// serve, per §4.2's selection algorithm: buckets are walked lowest (most
// wanted) to highest, currently-downloading pieces are finished before new
// ones are started, a peer on parole is restricted to pieces that are
// already downloading, and an underfilled result falls back to busy
// (end-game) blocks. Every eligible block of a chosen piece is taken
// before the next piece is tried; preferWholePieces does not change the
// selection, and a pick never extends into the next sequential piece.
func (p *Picker) Pick(
	their *bitfield.Bitfield,
	n int,
	preferWholePieces int,
	peer core.PeerID,
	speed SpeedClass,
	rarestFirst bool,
	onParole bool,
	suggested []int,
) []core.PieceBlock {

	p.mu.Lock()
	defer p.mu.Unlock()

	var result []core.PieceBlock
	whole := preferWholePieces

	addBlocks := func(piece int) {
		e := &p.pieces[piece]
		if e.downloading != nil {
			dp := e.downloading
			for idx := range dp.blocks {
				if len(result) >= n {
					return
				}
				b := &dp.blocks[idx]
				if b.state == blockRequested && b.numPeers <= 1 {
					result = append(result, blockAt(piece, idx, e.length))
				}
			}
			for idx := range dp.blocks {
				if len(result) >= n {
					return
				}
				b := &dp.blocks[idx]
				if b.state == blockNone {
					result = append(result, blockAt(piece, idx, e.length))
				}
			}
			return
		}
		if onParole {
			return
		}
		for idx := 0; idx < e.numBlocks; idx++ {
			if len(result) >= n {
				return
			}
			result = append(result, blockAt(piece, idx, e.length))
		}
	}

	tryPiece := func(piece int) {
		if len(result) >= n {
			return
		}
		if piece < 0 || piece >= len(p.pieces) {
			return
		}
		e := &p.pieces[piece]
		if e.state == stateHave || e.priority == PriorityFiltered {
			return
		}
		if !their.Has(piece) {
			return
		}
		if onParole && e.downloading == nil {
			return
		}
		before := len(result)
		addBlocks(piece)
		if whole > 0 && len(result) > before {
			whole--
		}
	}

	for _, s := range suggested {
		tryPiece(s)
	}

	keys := make([]int, 0, len(p.buckets))
	for k := range p.buckets {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	for _, bk := range keys {
		if len(result) >= n {
			break
		}
		candidates := append([]int(nil), p.buckets[bk]...)
		if rarestFirst {
			p.rnd.Shuffle(len(candidates), func(i, j int) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			})
		}
		for _, piece := range candidates {
			tryPiece(piece)
		}
	}

	if len(result) < n {
		result = append(result, p.endGameBackup(their, n-len(result), result)...)
	}

	return result
}

func blockAt(piece, idx, pieceLength int) core.PieceBlock {
	return core.PieceBlock{
		Piece:  piece,
		Offset: idx * core.BlockSize,
		Length: core.BlockLength(pieceLength, idx),
	}
}

// endGameBackup returns up to want busy blocks (Requested, num_peers >= 1)
// that are not already present in exclude, for redundant end-game
// requests.
func (p *Picker) endGameBackup(their *bitfield.Bitfield, want int, exclude []core.PieceBlock) []core.PieceBlock {
	excluded := make(map[core.PieceBlock]bool, len(exclude))
	for _, b := range exclude {
		excluded[b] = true
	}

	var backup []core.PieceBlock
	for piece := range p.pieces {
		if len(backup) >= want {
			break
		}
		e := &p.pieces[piece]
		if e.downloading == nil || !their.Has(piece) {
			continue
		}
		for idx, b := range e.downloading.blocks {
			if len(backup) >= want {
				break
			}
			if b.state != blockRequested || b.numPeers < 1 {
				continue
			}
			blk := blockAt(piece, idx, e.length)
			if excluded[blk] {
				continue
			}
			backup = append(backup, blk)
		}
	}
	return backup
}
