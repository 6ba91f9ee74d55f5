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

package dht

import (
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/torrentengine/core/core"
)

// NodeState tracks a routing-table entry's health.
type NodeState int

const (
	StateQuestionable NodeState = iota
	StateGood
	StateBad
)

// Node is one routing-table entry.
type Node struct {
	core.NodeInfo
	LastSeen      time.Time
	FailedQueries int
	State         NodeState
}

// Bucket holds up to K live nodes plus a replacement cache of
// candidates waiting for a slot to free up.
type Bucket struct {
	clk         clock.Clock
	nodes       []*Node
	replacement []*Node
	lastChanged time.Time
}

func newBucket(clk clock.Clock) *Bucket {
	return &Bucket{clk: clk, lastChanged: clk.Now()}
}

func (b *Bucket) find(id core.NodeID) *Node {
	for _, n := range b.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// insert adds or refreshes a node. Returns true if the routing table
// gained a new entry (used by the RPC manager's node_seen bookkeeping).
func (b *Bucket) insert(n *Node) bool {
	if existing := b.find(n.ID); existing != nil {
		existing.IP = n.IP
		existing.Port = n.Port
		existing.LastSeen = b.clk.Now()
		existing.State = StateGood
		b.lastChanged = b.clk.Now()
		return false
	}

	if len(b.nodes) < K {
		b.nodes = append(b.nodes, n)
		b.lastChanged = b.clk.Now()
		return true
	}

	// Bucket full: evict a bad node if one exists, else queue in the
	// replacement cache for when a slot frees up.
	for i, existing := range b.nodes {
		if existing.State == StateBad {
			b.nodes[i] = n
			b.lastChanged = b.clk.Now()
			return true
		}
	}
	b.replacement = append(b.replacement, n)
	if len(b.replacement) > K {
		b.replacement = b.replacement[len(b.replacement)-K:]
	}
	return false
}

func (b *Bucket) remove(id core.NodeID) {
	for i, n := range b.nodes {
		if n.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			if len(b.replacement) > 0 {
				b.nodes = append(b.nodes, b.replacement[len(b.replacement)-1])
				b.replacement = b.replacement[:len(b.replacement)-1]
			}
			return
		}
	}
}

func (b *Bucket) markFailed(id core.NodeID) {
	n := b.find(id)
	if n == nil {
		return
	}
	n.FailedQueries++
	if n.FailedQueries >= 3 {
		n.State = StateBad
	}
}

func (b *Bucket) all() []*Node {
	out := make([]*Node, len(b.nodes))
	copy(out, b.nodes)
	return out
}

func (b *Bucket) needsRefresh() bool {
	return len(b.nodes) > 0 && b.clk.Now().Sub(b.lastChanged) > 15*time.Minute
}
