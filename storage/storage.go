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

// Package storage declares the narrow collaborator interface the core
// consumes to read and write piece data and verify piece hashes. On-disk
// layout, file allocation, caching, and the hashing pipeline itself are
// explicitly out of scope; callers supply their own Storage implementation.
package storage

import "github.com/torrentengine/core/core"

// Storage is consulted by the torrent controller on behalf of the peer wire
// protocol (serving blocks) and the piece picker (persisting finished
// blocks and verifying completed pieces). Per §9's design note, storage
// collaborators expose only sparse/full allocation; legacy compact
// on-finish rearrangement is rejected by the core.
type Storage interface {
	ReadBlock(piece, offset, length int) ([]byte, error)
	WriteBlock(piece, offset int, data []byte) error
	HashPiece(piece int) (core.PieceHash, error)
}
