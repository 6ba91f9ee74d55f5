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
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/torrentengine/core/bitfield"
	"github.com/torrentengine/core/core"
)

func fullBitfield(n int) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestPickFromEmptyPeerReturnsNothing(t *testing.T) {
	p := New(Config{}, 4, core.BlockSize*4, core.BlockSize*4)
	empty := bitfield.New(4)

	result := p.Pick(empty, 10, 0, core.PeerID{}, SpeedMedium, true, false, nil)
	require.Empty(t, result)
}

func TestPickWhenAllHaveReturnsNothing(t *testing.T) {
	p := New(Config{}, 4, core.BlockSize*4, core.BlockSize*4)
	for i := 0; i < 4; i++ {
		require.NoError(t, p.WeHave(i))
	}

	result := p.Pick(fullBitfield(4), 10, 0, core.PeerID{}, SpeedMedium, true, false, nil)
	require.Empty(t, result)
	require.False(t, p.IsDownloading(core.PieceBlock{Piece: 0}))
}

func TestMarkRequestingThenAbortRestoresState(t *testing.T) {
	require := require.New(t)

	p := New(Config{}, 1, core.BlockSize*2, core.BlockSize*2)
	peer := core.PeerID{1}
	blk := core.PieceBlock{Piece: 0, Offset: 0, Length: core.BlockSize}

	require.NoError(p.MarkRequesting(blk, peer, SpeedMedium))
	require.True(p.IsDownloading(blk))
	require.False(p.IsFinished(blk))

	require.NoError(p.AbortDownload(blk))
	require.False(p.IsDownloading(blk), "picker should return to its pre-request state")
}

func TestMarkFinishedReportsPieceCompleteOnLastBlock(t *testing.T) {
	require := require.New(t)

	p := New(Config{}, 1, core.BlockSize*2, core.BlockSize*2)
	peer := core.PeerID{1}
	b0 := core.PieceBlock{Piece: 0, Offset: 0, Length: core.BlockSize}
	b1 := core.PieceBlock{Piece: 0, Offset: core.BlockSize, Length: core.BlockSize}

	require.NoError(p.MarkRequesting(b0, peer, SpeedMedium))
	require.NoError(p.MarkRequesting(b1, peer, SpeedMedium))
	require.NoError(p.MarkWriting(b0, peer))
	require.NoError(p.MarkWriting(b1, peer))

	complete, err := p.MarkFinished(b0, peer)
	require.NoError(err)
	require.False(complete)

	complete, err = p.MarkFinished(b1, peer)
	require.NoError(err)
	require.True(complete)
}

func TestRestorePieceReturnsBlocksToNone(t *testing.T) {
	require := require.New(t)

	p := New(Config{}, 1, core.BlockSize, core.BlockSize)
	peer := core.PeerID{1}
	blk := core.PieceBlock{Piece: 0, Offset: 0, Length: core.BlockSize}

	require.NoError(p.MarkRequesting(blk, peer, SpeedMedium))
	require.NoError(p.MarkWriting(blk, peer))
	_, err := p.MarkFinished(blk, peer)
	require.NoError(err)

	require.NoError(p.RestorePiece(0))
	require.False(p.IsDownloading(blk))

	result := p.Pick(fullBitfield(1), 1, 0, peer, SpeedMedium, true, false, nil)
	require.Len(result, 1)
}

func TestSetPriorityFilteredExcludesFromPick(t *testing.T) {
	require := require.New(t)

	p := New(Config{}, 2, core.BlockSize, core.BlockSize)
	crossed, err := p.SetPriority(0, PriorityFiltered)
	require.NoError(err)
	require.True(crossed)

	result := p.Pick(fullBitfield(2), 10, 0, core.PeerID{}, SpeedMedium, true, false, nil)
	for _, b := range result {
		require.NotEqual(0, b.Piece)
	}
}

func TestParoleRestrictsToDownloadingPieces(t *testing.T) {
	require := require.New(t)

	p := New(Config{}, 2, core.BlockSize, core.BlockSize)
	peer := core.PeerID{1}
	blk := core.PieceBlock{Piece: 0, Offset: 0, Length: core.BlockSize}
	require.NoError(p.MarkRequesting(blk, peer, SpeedMedium))

	result := p.Pick(fullBitfield(2), 10, 0, peer, SpeedMedium, true, true, nil)
	for _, b := range result {
		require.Equal(0, b.Piece)
	}
}

func TestOnParoleReachesRemainingNoneBlocksOfADownloadingPiece(t *testing.T) {
	require := require.New(t)

	// A single 4-block piece: one peer requests its first block, leaving
	// 3 None blocks. The piece must stay bucketized so a second, on-parole
	// peer can reach those 3 blocks through the normal bucket walk, not
	// only via the busy (end-game) fallback.
	p := New(Config{}, 1, core.BlockSize*4, core.BlockSize*4)
	first := core.PeerID{1}
	blk := core.PieceBlock{Piece: 0, Offset: 0, Length: core.BlockSize}
	require.NoError(p.MarkRequesting(blk, first, SpeedMedium))

	second := core.PeerID{2}
	result := p.Pick(fullBitfield(1), 3, 0, second, SpeedMedium, true, true, nil)
	require.Len(result, 3, "bug: an unbucketized Downloading piece is unreachable except via the end-game path, which yields only 1 (the already-requested block)")

	var noneBlocks int
	for _, b := range result {
		require.Equal(0, b.Piece)
		if b.Offset != blk.Offset {
			noneBlocks++
		}
	}
	require.Equal(2, noneBlocks, "the piece's remaining None blocks must be reachable through the normal bucket walk")
}

func TestEndGameReturnsBusyBlocksWhenUnderfilled(t *testing.T) {
	require := require.New(t)

	p := New(Config{}, 1, core.BlockSize, core.BlockSize)
	first := core.PeerID{1}
	blk := core.PieceBlock{Piece: 0, Offset: 0, Length: core.BlockSize}
	require.NoError(p.MarkRequesting(blk, first, SpeedMedium))

	second := core.PeerID{2}
	result := p.Pick(fullBitfield(1), 1, 0, second, SpeedMedium, true, false, nil)
	require.Len(result, 1)
	require.Equal(blk, result[0])
	require.Equal(1, p.NumPeers(blk))
}

func TestDistributedCopiesReflectsMinimumAvailability(t *testing.T) {
	require := require.New(t)

	p := New(Config{}, 3, core.BlockSize, core.BlockSize)
	p.IncRefcount(0)
	p.IncRefcount(0)
	p.IncRefcount(1)

	full, _ := p.DistributedCopies()
	require.Equal(0, full, "piece 2 has zero availability, bounding the distributed copy count")
}

func TestLastPieceBlockCountMatchesLength(t *testing.T) {
	require := require.New(t)

	p := New(Config{}, 2, core.BlockSize*2, 1)
	require.Equal(1, p.pieces[1].numBlocks)
}
