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

// Package bitfield implements the BEP-3 piece bitfield: one bit per piece,
// packed LSB-first within each byte on the wire, backed by willf/bitset for
// the in-memory representation.
package bitfield

import (
	"fmt"
	"sync"

	"github.com/willf/bitset"
)

// Bitfield tracks which pieces of a torrent a peer (local or remote) has.
// It is safe for concurrent use.
type Bitfield struct {
	mu   sync.RWMutex
	bits *bitset.BitSet
	n    uint
}

// New returns a Bitfield sized for n pieces, with no bits set.
func New(n int) *Bitfield {
	return &Bitfield{
		bits: bitset.New(uint(n)),
		n:    uint(n),
	}
}

// Len returns the number of pieces the bitfield covers.
func (b *Bitfield) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.n)
}

// Has reports whether piece i is set.
func (b *Bitfield) Has(i int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || uint(i) >= b.n {
		return false
	}
	return b.bits.Test(uint(i))
}

// Set marks piece i as present.
func (b *Bitfield) Set(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || uint(i) >= b.n {
		return
	}
	b.bits.Set(uint(i))
}

// Clear marks piece i as absent.
func (b *Bitfield) Clear(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || uint(i) >= b.n {
		return
	}
	b.bits.Clear(uint(i))
}

// Count returns the number of set bits.
func (b *Bitfield) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.bits.Count())
}

// Complete reports whether every piece in the bitfield is set.
func (b *Bitfield) Complete() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bits.Count() == b.n
}

// IntersectionCount returns the number of pieces set in both b and o.
func (b *Bitfield) IntersectionCount(o *Bitfield) int {
	b.mu.RLock()
	o.mu.RLock()
	defer b.mu.RUnlock()
	defer o.mu.RUnlock()
	return int(b.bits.IntersectionCardinality(o.bits))
}

// ToWire encodes the bitfield into its on-wire layout: ceil(n/8) bytes,
// LSB-first within each byte, high-order bits of the final byte padded
// with zero.
func (b *Bitfield) ToWire() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, (b.n+7)/8)
	for i := uint(0); i < b.n; i++ {
		if b.bits.Test(i) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// FromWire decodes a bitfield message payload into a Bitfield sized for n
// pieces. Returns an error if buf's length does not match ceil(n/8), or if
// any padding bit beyond piece n-1 is set.
func FromWire(buf []byte, n int) (*Bitfield, error) {
	want := (n + 7) / 8
	if len(buf) != want {
		return nil, fmt.Errorf("bitfield length %d, want %d for %d pieces", len(buf), want, n)
	}
	bf := New(n)
	for i := 0; i < n; i++ {
		if buf[i/8]&(1<<uint(i%8)) != 0 {
			bf.bits.Set(uint(i))
		}
	}
	for i := n; i < want*8; i++ {
		if buf[i/8]&(1<<uint(i%8)) != 0 {
			return nil, fmt.Errorf("bitfield padding bit %d set", i)
		}
	}
	return bf, nil
}

// Clone returns an independent copy of b.
func (b *Bitfield) Clone() *Bitfield {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &Bitfield{bits: b.bits.Clone(), n: b.n}
}
