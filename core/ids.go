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

// Package core defines the identifiers shared across every subsystem of the
// engine: infohashes, peer ids, DHT node ids, and peer endpoints.
package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const idLength = 20

// InfoHash identifies a torrent. Equality is by value.
type InfoHash [idLength]byte

// NewInfoHashFromHex parses a 40-character hex string into an InfoHash.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	var h InfoHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hex: %s", err)
	}
	if len(b) != idLength {
		return h, fmt.Errorf("invalid info hash length: %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// NewInfoHashFromBytes copies 20 raw bytes into an InfoHash.
func NewInfoHashFromBytes(b []byte) (InfoHash, error) {
	var h InfoHash
	if len(b) != idLength {
		return h, fmt.Errorf("invalid info hash length: %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Bytes returns the raw 20 bytes of h.
func (h InfoHash) Bytes() []byte { return h[:] }

// Hex returns the lowercase hex encoding of h.
func (h InfoHash) Hex() string { return hex.EncodeToString(h[:]) }

func (h InfoHash) String() string { return h.Hex() }

// PeerID identifies a peer within the swarm. It is distinct from a DHT
// NodeID even though both are 20 bytes: a client may use unrelated
// derivations for each.
type PeerID [idLength]byte

// RandomPeerID generates a PeerID from a cryptographically random source.
func RandomPeerID() (PeerID, error) {
	var p PeerID
	if _, err := rand.Read(p[:]); err != nil {
		return p, fmt.Errorf("rand: %s", err)
	}
	return p, nil
}

// NewPeerIDFromBytes copies 20 raw bytes into a PeerID.
func NewPeerIDFromBytes(b []byte) (PeerID, error) {
	var p PeerID
	if len(b) != idLength {
		return p, fmt.Errorf("invalid peer id length: %d", len(b))
	}
	copy(p[:], b)
	return p, nil
}

// NewPeerIDFromHex parses a 40-character hex string into a PeerID.
func NewPeerIDFromHex(s string) (PeerID, error) {
	var p PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("decode hex: %s", err)
	}
	return NewPeerIDFromBytes(b)
}

// Bytes returns the raw 20 bytes of p.
func (p PeerID) Bytes() []byte { return p[:] }

// Hex returns the lowercase hex encoding of p.
func (p PeerID) Hex() string { return hex.EncodeToString(p[:]) }

func (p PeerID) String() string { return p.Hex() }

// LessThan provides a total order over PeerIDs, used to break symmetry when
// two peers dial each other simultaneously.
func (p PeerID) LessThan(o PeerID) bool {
	for i := range p {
		if p[i] != o[i] {
			return p[i] < o[i]
		}
	}
	return false
}

// NodeID identifies a node in the DHT's 160-bit keyspace.
type NodeID [idLength]byte

// NewNodeIDFromBytes copies 20 raw bytes into a NodeID.
func NewNodeIDFromBytes(b []byte) (NodeID, error) {
	var n NodeID
	if len(b) != idLength {
		return n, fmt.Errorf("invalid node id length: %d", len(b))
	}
	copy(n[:], b)
	return n, nil
}

// RandomNodeID generates a NodeID from a cryptographically random source.
func RandomNodeID() (NodeID, error) {
	var n NodeID
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("rand: %s", err)
	}
	return n, nil
}

// Bytes returns the raw 20 bytes of n.
func (n NodeID) Bytes() []byte { return n[:] }

// Hex returns the lowercase hex encoding of n.
func (n NodeID) Hex() string { return hex.EncodeToString(n[:]) }

func (n NodeID) String() string { return n.Hex() }

// Distance returns the XOR distance between n and o, itself a valid NodeID
// in the same 160-bit space.
func (n NodeID) Distance(o NodeID) NodeID {
	var d NodeID
	for i := range n {
		d[i] = n[i] ^ o[i]
	}
	return d
}

// LeadingZeros returns the number of leading zero bits of n, i.e. the
// k-bucket index a node at this distance falls into.
func (n NodeID) LeadingZeros() int {
	for i, b := range n {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return len(n) * 8
}

// Less reports whether n is closer to the origin than o under the standard
// big-endian byte ordering used to keep result sets sorted by distance.
func (n NodeID) Less(o NodeID) bool {
	for i := range n {
		if n[i] != o[i] {
			return n[i] < o[i]
		}
	}
	return false
}
