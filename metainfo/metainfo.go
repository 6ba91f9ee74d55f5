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

// Package metainfo declares the narrow collaborator interface the core
// consumes for torrent metadata. Parsing the .torrent bencode format is
// explicitly out of scope; callers supply their own Metainfo implementation.
package metainfo

import "github.com/torrentengine/core/core"

// Metainfo exposes the static facts about a torrent that the core needs in
// order to drive the piece picker, wire protocol, and tracker client. It
// never exposes the raw bencode dictionary or file layout.
type Metainfo interface {
	InfoHash() core.InfoHash
	NumPieces() int
	PieceLength(i int) int
	PieceHash(i int) core.PieceHash
	TotalSize() int64

	// AnnounceList returns the tracker tiers in priority order, each tier
	// itself an ordered list of tracker URLs.
	AnnounceList() [][]string
}
