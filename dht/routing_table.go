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
	"sort"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/torrentengine/core/core"
)

// RoutingTable is a Kademlia routing table over the fixed 160-bit
// keyspace. Rather than splitting a single root bucket on demand, it
// keeps one bucket per possible XOR-distance leading-zero-count
// (0..159) — the bucket our own id would fall in is effectively split
// down to a single bit, same end state a splitting implementation
// converges to, without the splitting bookkeeping.
type RoutingTable struct {
	localID core.NodeID
	buckets [KeyspaceBits]*Bucket
}

// NewRoutingTable returns an empty table centered on localID.
func NewRoutingTable(localID core.NodeID, clk clock.Clock) *RoutingTable {
	rt := &RoutingTable{localID: localID}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(clk)
	}
	return rt
}

func (rt *RoutingTable) bucketIndex(id core.NodeID) int {
	idx := rt.localID.Distance(id).LeadingZeros()
	if idx >= KeyspaceBits {
		idx = KeyspaceBits - 1
	}
	return idx
}

// NodeSeen promotes id to "alive", updating its last-seen time. Returns
// true if the routing table gained a new entry.
func (rt *RoutingTable) NodeSeen(id core.NodeID, ip string, port uint16) bool {
	if id == rt.localID {
		return false
	}
	b := rt.buckets[rt.bucketIndex(id)]
	return b.insert(&Node{
		NodeInfo: core.NodeInfo{ID: id, IP: ip, Port: port},
		LastSeen: b.clk.Now(),
		State:    StateGood,
	})
}

// MarkFailed records a failed query against id, eventually evicting it
// after repeated failures.
func (rt *RoutingTable) MarkFailed(id core.NodeID) {
	rt.buckets[rt.bucketIndex(id)].markFailed(id)
}

// Remove evicts id, promoting a replacement-cache entry if one exists.
func (rt *RoutingTable) Remove(id core.NodeID) {
	rt.buckets[rt.bucketIndex(id)].remove(id)
}

// ClosestK returns up to k nodes sorted by XOR distance to target,
// searching outward from target's own bucket when it is underfull.
func (rt *RoutingTable) ClosestK(target core.NodeID, k int) []*Node {
	idx := rt.bucketIndex(target)

	var candidates []*Node
	candidates = append(candidates, rt.buckets[idx].all()...)
	for radius := 1; len(candidates) < k && (idx-radius >= 0 || idx+radius < KeyspaceBits); radius++ {
		if idx-radius >= 0 {
			candidates = append(candidates, rt.buckets[idx-radius].all()...)
		}
		if idx+radius < KeyspaceBits {
			candidates = append(candidates, rt.buckets[idx+radius].all()...)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return target.Distance(candidates[i].ID).Less(target.Distance(candidates[j].ID))
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// Size returns the total number of live entries across all buckets.
func (rt *RoutingTable) Size() int {
	n := 0
	for _, b := range rt.buckets {
		n += len(b.nodes)
	}
	return n
}

// BucketsNeedingRefresh returns the indices of buckets whose last
// activity exceeds the refresh interval.
func (rt *RoutingTable) BucketsNeedingRefresh(interval time.Duration) []int {
	var out []int
	for i, b := range rt.buckets {
		if len(b.nodes) > 0 && b.clk.Now().Sub(b.lastChanged) > interval {
			out = append(out, i)
		}
	}
	return out
}
