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
	"crypto/sha1"
	"sync"

	"github.com/torrentengine/core/core"
)

// fakeMetainfo is a minimal in-memory Metainfo for tests: every piece is
// the same length except a short final piece, and hashes are computed
// lazily from whatever fakeStorage holds so a round-tripped block always
// verifies.
type fakeMetainfo struct {
	hash        core.InfoHash
	numPieces   int
	pieceLength int
	lastLength  int
	announce    [][]string
	store       *fakeStorage
}

func (m *fakeMetainfo) InfoHash() core.InfoHash { return m.hash }
func (m *fakeMetainfo) NumPieces() int          { return m.numPieces }

func (m *fakeMetainfo) PieceLength(i int) int {
	if i == m.numPieces-1 && m.lastLength > 0 {
		return m.lastLength
	}
	return m.pieceLength
}

func (m *fakeMetainfo) PieceHash(i int) core.PieceHash {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return sha1.Sum(m.store.data[i])
}

func (m *fakeMetainfo) TotalSize() int64 {
	return int64(m.pieceLength*(m.numPieces-1) + m.PieceLength(m.numPieces-1))
}

func (m *fakeMetainfo) AnnounceList() [][]string { return m.announce }

// fakeStorage is an in-memory Storage backed by one byte slice per piece.
type fakeStorage struct {
	mu   sync.Mutex
	data map[int][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{data: make(map[int][]byte)}
}

func (s *fakeStorage) ReadBlock(piece, offset, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.data[piece]
	if offset+length > len(buf) {
		return nil, errShortRead
	}
	out := make([]byte, length)
	copy(out, buf[offset:offset+length])
	return out, nil
}

func (s *fakeStorage) WriteBlock(piece, offset int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.data[piece]
	need := offset + len(data)
	if len(buf) < need {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	s.data[piece] = buf
	return nil
}

func (s *fakeStorage) HashPiece(piece int) (core.PieceHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sha1.Sum(s.data[piece]), nil
}

var errShortRead = shortReadError{}

type shortReadError struct{}

func (shortReadError) Error() string { return "fakeStorage: short read" }

func newTestPeerID(tag byte) core.PeerID {
	var id core.PeerID
	copy(id[:], "-TE0001-")
	id[19] = tag
	return id
}

func newTestInfoHash(tag byte) core.InfoHash {
	var h core.InfoHash
	h[0] = tag
	return h
}
