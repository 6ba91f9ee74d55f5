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

// Package piecepicker implements the priority-bucket block selection
// policy (C2): rarest-first and sequential modes, end-game backup
// requests, parole restriction, and hash-failure recovery.
package piecepicker

import (
	"errors"
	"math/rand"
	"sort"
	"sync"

	"github.com/torrentengine/core/bitfield"
	"github.com/torrentengine/core/core"
)

// SpeedClass buckets a piece's observed download speed. A piece's class
// only ever moves toward Fast as faster peers contribute to it.
type SpeedClass int

const (
	SpeedSlow SpeedClass = iota
	SpeedMedium
	SpeedFast
)

type pieceRuntimeState int

const (
	stateMissing pieceRuntimeState = iota
	stateDownloading
	stateHave
)

type blockState int

const (
	blockNone blockState = iota
	blockRequested
	blockWriting
	blockFinished
)

type blockInfo struct {
	peer     core.PeerID
	numPeers int
	state    blockState
}

type downloadingPiece struct {
	blocks []blockInfo
	speed  SpeedClass
}

func (d *downloadingPiece) nonNoneBlocks() int {
	n := 0
	for _, b := range d.blocks {
		if b.state != blockNone {
			n++
		}
	}
	return n
}

type pieceEntry struct {
	priority     Priority
	availability int
	state        pieceRuntimeState
	length       int
	numBlocks    int
	downloading  *downloadingPiece
	bucket       int // current registered bucket, or -1 if unbucketed
}

// Errors returned by the picker's public operations.
var (
	ErrUnknownPiece = errors.New("unknown piece index")
	ErrPieceHave    = errors.New("piece already have")
	ErrBlockState   = errors.New("block in unexpected state")
)

// Picker is the per-torrent piece picker.
type Picker struct {
	mu sync.Mutex

	config Config

	pieces  []pieceEntry
	buckets map[int][]int // bucket -> piece indices

	lastBucketHint int

	rnd *rand.Rand
}

// New returns a Picker for a torrent with the given number of pieces, each
// pieceLength bytes except the last, which is lastPieceLength bytes.
func New(config Config, numPieces, pieceLength, lastPieceLength int) *Picker {
	config = config.applyDefaults()
	p := &Picker{
		config:  config,
		pieces:  make([]pieceEntry, numPieces),
		buckets: make(map[int][]int),
		rnd:     rand.New(rand.NewSource(1)),
	}
	for i := range p.pieces {
		length := pieceLength
		if i == numPieces-1 {
			length = lastPieceLength
		}
		p.pieces[i] = pieceEntry{
			priority:  PriorityNormal,
			state:     stateMissing,
			length:    length,
			numBlocks: core.NumBlocks(length),
			bucket:    -1,
		}
	}
	for i := range p.pieces {
		p.bucketize(i)
	}
	return p
}

func (p *Picker) bucketForLocked(i int) int {
	e := &p.pieces[i]
	if e.priority == PriorityFiltered || e.state == stateHave {
		return -1
	}
	return effectivePriority(e.priority, e.availability, p.config.SequentialThreshold)
}

// bucketize removes piece i from its current bucket (if any) and
// re-inserts it into the bucket its current priority/availability/state
// implies.
func (p *Picker) bucketize(i int) {
	e := &p.pieces[i]
	if e.bucket >= 0 {
		p.removeFromBucket(e.bucket, i)
		e.bucket = -1
	}
	b := p.bucketForLocked(i)
	if b < 0 {
		return
	}
	e.bucket = b
	if e.availability >= p.config.SequentialThreshold {
		// Sequential mode: keep piece-index order within the bucket.
		lst := p.buckets[b]
		idx := sort.SearchInts(lst, i)
		lst = append(lst, 0)
		copy(lst[idx+1:], lst[idx:])
		lst[idx] = i
		p.buckets[b] = lst
	} else {
		p.buckets[b] = append(p.buckets[b], i)
	}
}

func (p *Picker) removeFromBucket(b, i int) {
	lst := p.buckets[b]
	for idx, v := range lst {
		if v == i {
			lst = append(lst[:idx], lst[idx+1:]...)
			break
		}
	}
	if len(lst) == 0 {
		delete(p.buckets, b)
	} else {
		p.buckets[b] = lst
	}
}

func (p *Picker) checkIndex(piece int) error {
	if piece < 0 || piece >= len(p.pieces) {
		return ErrUnknownPiece
	}
	return nil
}

// IncRefcount moves piece to the next-higher availability bucket, recorded
// when a peer announces it via HAVE or an initial bitfield.
func (p *Picker) IncRefcount(piece int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkIndex(piece) != nil {
		return
	}
	p.pieces[piece].availability++
	p.bucketize(piece)
}

// DecRefcount is the inverse of IncRefcount. No-op if the piece is Have.
func (p *Picker) DecRefcount(piece int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkIndex(piece) != nil {
		return
	}
	e := &p.pieces[piece]
	if e.state == stateHave {
		return
	}
	if e.availability > 0 {
		e.availability--
	}
	p.bucketize(piece)
}

// WeHave removes piece from all buckets and frees any in-flight download
// record, because the local peer now holds a verified copy.
func (p *Picker) WeHave(piece int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkIndex(piece); err != nil {
		return err
	}
	e := &p.pieces[piece]
	if e.bucket >= 0 {
		p.removeFromBucket(e.bucket, piece)
		e.bucket = -1
	}
	e.state = stateHave
	e.downloading = nil
	return nil
}

// SetPriority rebuckets piece under level and reports whether this crossed
// the filtered/unfiltered boundary.
func (p *Picker) SetPriority(piece int, level Priority) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkIndex(piece); err != nil {
		return false, err
	}
	e := &p.pieces[piece]
	crossed := (e.priority == PriorityFiltered) != (level == PriorityFiltered)
	e.priority = level
	p.bucketize(piece)
	return crossed, nil
}

// IsFinished reports whether block's state is Finished.
func (p *Picker) IsFinished(b core.PieceBlock) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	bi, ok := p.blockInfo(b)
	return ok && bi.state == blockFinished
}

// IsDownloading reports whether piece b.Piece currently has a
// DownloadingPiece record.
func (p *Picker) IsDownloading(b core.PieceBlock) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkIndex(b.Piece) != nil {
		return false
	}
	return p.pieces[b.Piece].downloading != nil
}

// NumPeers returns the number of peers currently requesting block b.
func (p *Picker) NumPeers(b core.PieceBlock) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	bi, ok := p.blockInfo(b)
	if !ok {
		return 0
	}
	return bi.numPeers
}

func (p *Picker) blockIndex(b core.PieceBlock) int {
	return b.Offset / core.BlockSize
}

func (p *Picker) blockInfo(b core.PieceBlock) (*blockInfo, bool) {
	if p.checkIndex(b.Piece) != nil {
		return nil, false
	}
	e := &p.pieces[b.Piece]
	if e.downloading == nil {
		return nil, false
	}
	bi := p.blockIndex(b)
	if bi < 0 || bi >= len(e.downloading.blocks) {
		return nil, false
	}
	return &e.downloading.blocks[bi], true
}

func (p *Picker) ensureDownloading(piece int) *downloadingPiece {
	e := &p.pieces[piece]
	if e.downloading == nil {
		e.downloading = &downloadingPiece{
			blocks: make([]blockInfo, e.numBlocks),
		}
		e.state = stateDownloading
		// A Downloading piece stays bucketized: bucketForLocked only
		// excludes Have/Filtered pieces, so other peers can still reach
		// this piece's remaining None blocks through the normal bucket
		// walk, per §4.2's "buckets partition exactly the non-Have,
		// non-Filtered pieces" invariant.
	}
	return e.downloading
}

// MarkRequesting transitions block from None to Requested, creating the
// piece's DownloadingPiece record on first request and bumping the
// piece's speed class toward speed (monotonically, never downgrading).
func (p *Picker) MarkRequesting(b core.PieceBlock, peer core.PeerID, speed SpeedClass) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkIndex(b.Piece); err != nil {
		return err
	}
	e := &p.pieces[b.Piece]
	if e.state == stateHave {
		return ErrPieceHave
	}
	dp := p.ensureDownloading(b.Piece)
	idx := p.blockIndex(b)
	if idx < 0 || idx >= len(dp.blocks) {
		return ErrBlockState
	}
	bi := &dp.blocks[idx]
	if bi.state == blockNone {
		bi.state = blockRequested
	}
	bi.peer = peer
	bi.numPeers++
	if speed > dp.speed {
		dp.speed = speed
	}
	return nil
}

// MarkWriting transitions block from Requested to Writing.
func (p *Picker) MarkWriting(b core.PieceBlock, peer core.PeerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	bi, ok := p.blockInfo(b)
	if !ok {
		return ErrBlockState
	}
	bi.state = blockWriting
	bi.peer = peer
	return nil
}

// MarkFinished transitions block from Writing to Finished. If every block
// in the piece is now Finished, the piece awaits hash verification by the
// caller (the picker itself never hashes).
func (p *Picker) MarkFinished(b core.PieceBlock, peer core.PeerID) (pieceComplete bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bi, ok := p.blockInfo(b)
	if !ok {
		return false, ErrBlockState
	}
	bi.state = blockFinished
	bi.peer = peer

	dp := p.pieces[b.Piece].downloading
	for _, blk := range dp.blocks {
		if blk.state != blockFinished {
			return false, nil
		}
	}
	return true, nil
}

// AbortDownload reverts block from Requested back to None, keeping the
// piece's DownloadingPiece record if other blocks remain non-None.
func (p *Picker) AbortDownload(b core.PieceBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	bi, ok := p.blockInfo(b)
	if !ok {
		return ErrBlockState
	}
	bi.state = blockNone
	bi.numPeers = 0
	bi.peer = core.PeerID{}

	dp := p.pieces[b.Piece].downloading
	if dp.nonNoneBlocks() == 0 {
		p.pieces[b.Piece].downloading = nil
		p.bucketize(b.Piece)
	}
	return nil
}

// RestorePiece drops piece's DownloadingPiece record entirely, returning
// all of its blocks to None and the piece itself to the picker's buckets.
// Used on hash-check failure.
func (p *Picker) RestorePiece(piece int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkIndex(piece); err != nil {
		return err
	}
	p.pieces[piece].downloading = nil
	p.bucketize(piece)
	return nil
}

// DistributedCopies estimates how many complete copies of the torrent
// exist in the visible swarm: the minimum availability across unfiltered
// pieces, plus the fraction of unfiltered pieces whose availability is
// above that minimum.
func (p *Picker) DistributedCopies() (full int, fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	min := -1
	total := 0
	for _, e := range p.pieces {
		if e.priority == PriorityFiltered {
			continue
		}
		total++
		if min < 0 || e.availability < min {
			min = e.availability
		}
	}
	if total == 0 || min < 0 {
		return 0, 0
	}
	above := 0
	for _, e := range p.pieces {
		if e.priority == PriorityFiltered {
			continue
		}
		if e.availability > min {
			above++
		}
	}
	return min, float64(above) / float64(total)
}
