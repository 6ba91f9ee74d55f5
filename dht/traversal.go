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
	"net"
	"sort"
	"sync"

	"github.com/torrentengine/core/core"
	"golang.org/x/sync/semaphore"
)

// Specialization is implemented once per traversal kind (find_node,
// get_peers, announce_peer, put_item, get_item, sample_infohashes) and
// drives the generic walk in Traversal.
type Specialization interface {
	// Method is the KRPC query name to send.
	Method() string

	// BuildQuery constructs the query arguments sent to candidate.
	BuildQuery(candidate core.NodeInfo) *Message

	// HandleReply extracts further nodes to traverse and records any
	// result-bearing payload (peers, values) found in the reply.
	HandleReply(from core.NodeInfo, msg *Message) (furtherNodes []core.NodeInfo)
}

// candidateEntry is one node in a traversal's sorted result set.
type candidateEntry struct {
	node    core.NodeInfo
	queried bool
	alive   bool

	// slotReleased marks that this candidate's branch-factor semaphore
	// permit has already been given back, either by a short timeout
	// bump or by the query's terminal event -- whichever happens
	// first -- so the other one does not release it a second time.
	slotReleased bool
}

// Stats exposes branch-factor/invoke-count bookkeeping for tests and
// operational dashboards.
type Stats struct {
	InvokeCount         int
	OutstandingRequests int
	BranchFactor        int
	ResultSetSize       int
}

// Traversal runs the generic Kademlia lookup algorithm against a
// target id using a Specialization to drive the per-node query/reply.
// Since RPCManager.Invoke is callback-driven, a Traversal makes
// progress from three places: the initial kick in Run, each onReply,
// and each onTimeout -- every one of them calls progress() to fill any
// branch-factor slots a completed or timed-out query just freed.
type Traversal struct {
	config Config
	rpc    *RPCManager
	table  *RoutingTable
	target core.NodeID
	spec   Specialization

	sem *semaphore.Weighted

	mu          sync.Mutex
	candidates  []*candidateEntry
	invokeCount int
	outstanding int
	aborted     bool

	doneCh chan struct{}
	once   sync.Once
}

// NewTraversal seeds the result set from the routing table (injecting
// bootstrap nodes if it holds fewer than MinRoutingTableNodes) and
// returns a Traversal ready to Run.
func NewTraversal(config Config, rpc *RPCManager, table *RoutingTable, target core.NodeID, spec Specialization) *Traversal {
	config = config.applyDefaults()
	t := &Traversal{
		config: config,
		rpc:    rpc,
		table:  table,
		target: target,
		spec:   spec,
		sem:    semaphore.NewWeighted(int64(config.BranchFactor)),
		doneCh: make(chan struct{}),
	}

	seeds := table.ClosestK(target, K)
	for _, n := range seeds {
		t.addCandidateLocked(n.NodeInfo)
	}
	if len(seeds) < MinRoutingTableNodes {
		for _, addr := range config.BootstrapNodes {
			t.addCandidateLocked(core.NodeInfo{IP: hostOf(addr), Port: portOf(addr)})
		}
	}
	return t
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func portOf(addr string) uint16 {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var p int
	for _, c := range port {
		if c < '0' || c > '9' {
			return 0
		}
		p = p*10 + int(c-'0')
	}
	return uint16(p)
}

// addCandidateLocked inserts n into the sorted, deduplicated, spoof-
// filtered result set. Callers must hold t.mu.
func (t *Traversal) addCandidateLocked(n core.NodeInfo) {
	if t.config.RestrictSearchIPs && t.sharesSubnetLocked(n.IP) {
		return
	}
	for _, c := range t.candidates {
		if c.node.Addr() == n.Addr() {
			return
		}
	}
	t.candidates = append(t.candidates, &candidateEntry{node: n})
	sort.Slice(t.candidates, func(i, j int) bool {
		di := t.target.Distance(t.candidates[i].node.ID)
		dj := t.target.Distance(t.candidates[j].node.ID)
		return di.Less(dj)
	})
	if len(t.candidates) > MaxResultSetSize {
		t.candidates = t.candidates[:MaxResultSetSize]
	}
}

// sharesSubnetLocked implements §4.6's spoof-resistance rule: reject
// nodes whose IP shares the high CIDR bits (/4 v4, /64 v6) with an
// existing result-set entry. Callers must hold t.mu.
func (t *Traversal) sharesSubnetLocked(ip string) bool {
	candidate := net.ParseIP(ip)
	if candidate == nil {
		return false
	}
	for _, c := range t.candidates {
		existing := net.ParseIP(c.node.IP)
		if existing == nil {
			continue
		}
		if v4 := candidate.To4(); v4 != nil {
			if e4 := existing.To4(); e4 != nil && v4[0]&0xF0 == e4[0]&0xF0 {
				return true
			}
		} else if v6 := candidate.To16(); v6 != nil {
			if e6 := existing.To16(); e6 != nil && sameHighBits(v6, e6, 64) {
				return true
			}
		}
	}
	return false
}

func sameHighBits(a, b []byte, bits int) bool {
	n := bits / 8
	for i := 0; i < n && i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Run drives the traversal to completion and returns the closest K
// alive nodes found.
func (t *Traversal) Run() []core.NodeInfo {
	t.progress()
	<-t.doneCh
	return t.ClosestAlive(K)
}

// progress acquires as many branch-factor semaphore slots as available
// unqueried candidates allow, invoking each, then signals completion if
// the traversal has nothing left to do.
func (t *Traversal) progress() {
	for {
		t.mu.Lock()
		if t.doneLocked() {
			t.mu.Unlock()
			t.finish()
			return
		}
		next := t.nextUnqueriedLocked()
		t.mu.Unlock()
		if next == nil {
			return
		}
		if !t.sem.TryAcquire(1) {
			return
		}
		t.invoke(next)
	}
}

func (t *Traversal) nextUnqueriedLocked() *candidateEntry {
	if t.aborted {
		return nil
	}
	for _, c := range t.candidates {
		if !c.queried {
			return c
		}
	}
	return nil
}

func (t *Traversal) invoke(c *candidateEntry) {
	t.mu.Lock()
	c.queried = true
	t.invokeCount++
	t.outstanding++
	t.mu.Unlock()

	q := t.spec.BuildQuery(c.node)
	_, err := t.rpc.Invoke(q, c.node.Addr(), 0,
		func(msg *Message, from string) { t.onReply(c, msg, from) },
		func(short bool) { t.onTimeout(c, short) },
	)
	if err != nil {
		t.mu.Lock()
		t.outstanding--
		c.slotReleased = true
		t.mu.Unlock()
		t.sem.Release(1)
		t.progress()
	}
}

func (t *Traversal) onReply(c *candidateEntry, msg *Message, from string) {
	t.mu.Lock()
	c.alive = true
	t.outstanding--
	release := !c.slotReleased
	c.slotReleased = true
	t.mu.Unlock()
	if release {
		t.sem.Release(1)
	}

	further := t.spec.HandleReply(c.node, msg)
	for _, n := range further {
		t.table.NodeSeen(n.ID, n.IP, n.Port)
		t.mu.Lock()
		t.addCandidateLocked(n)
		t.mu.Unlock()
	}

	t.progress()
}

func (t *Traversal) onTimeout(c *candidateEntry, short bool) {
	if short {
		// A short timeout signals a branch-factor bump: one more slot
		// opens up so a fresh candidate can be tried while the slow
		// node's reply, if it ever arrives, is still accepted by
		// onReply (which will see slotReleased already set and skip
		// releasing a second time).
		t.mu.Lock()
		release := !c.slotReleased
		c.slotReleased = true
		t.mu.Unlock()
		if release {
			t.sem.Release(1)
		}
		t.progress()
		return
	}

	t.mu.Lock()
	t.outstanding--
	release := !c.slotReleased
	c.slotReleased = true
	t.mu.Unlock()
	if release {
		t.sem.Release(1)
	}
	t.table.MarkFailed(c.node.ID)
	t.progress()
}

// doneLocked implements §4.6 step 6: done once k responses are alive
// with none outstanding, or there is nothing left to invoke. Callers
// must hold t.mu.
func (t *Traversal) doneLocked() bool {
	if t.aborted && t.outstanding == 0 {
		return true
	}
	if t.outstanding > 0 {
		return false
	}
	alive := 0
	for _, c := range t.candidates {
		if c.alive {
			alive++
		}
	}
	if alive >= K {
		return true
	}
	for _, c := range t.candidates {
		if !c.queried {
			return false
		}
	}
	return true
}

// Abort sets num_target_nodes=0; completion is reassessed on the next
// progress() call triggered by an in-flight reply or timeout.
func (t *Traversal) Abort() {
	t.mu.Lock()
	t.aborted = true
	done := t.doneLocked()
	t.mu.Unlock()
	if done {
		t.finish()
	}
}

func (t *Traversal) finish() {
	t.once.Do(func() { close(t.doneCh) })
}

// ClosestAlive returns up to n alive candidates sorted by distance.
func (t *Traversal) ClosestAlive(n int) []core.NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []core.NodeInfo
	for _, c := range t.candidates {
		if c.alive {
			out = append(out, c.node)
		}
		if len(out) >= n {
			break
		}
	}
	return out
}

// Stats reports the traversal's current bookkeeping for the
// `outstanding_requests <= branch_factor + short_timeout`-style tests.
func (t *Traversal) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		InvokeCount:         t.invokeCount,
		OutstandingRequests: t.outstanding,
		BranchFactor:        t.config.BranchFactor,
		ResultSetSize:       len(t.candidates),
	}
}
