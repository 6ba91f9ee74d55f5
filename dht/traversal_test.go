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
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/torrentengine/core/core"
)

// fakeNode answers every find_node query it receives with an empty
// node list, simulating a leaf of the tree with nothing further to
// offer.
func fakeNode(t *testing.T) (addr string, id core.NodeID, stop func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	id, err = core.RandomNodeID()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			pc.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				select {
				case <-done:
					return
				default:
					continue
				}
			}
			msg, err := DecodeMessage(buf[:n])
			if err != nil {
				continue
			}
			reply := &Message{
				TxID: msg.TxID,
				Type: Response,
				Values: map[string]interface{}{
					"id": string(id.Bytes()),
				},
			}
			encoded, _ := reply.Encode()
			pc.WriteTo(encoded, from)
		}
	}()

	return pc.LocalAddr().String(), id, func() { close(done); pc.Close() }
}

func TestTraversalFindNodeCompletesAgainstLiveNodes(t *testing.T) {
	local, err := core.RandomNodeID()
	require.NoError(t, err)
	target, err := core.RandomNodeID()
	require.NoError(t, err)

	rt := NewRoutingTable(local, clock.NewMock())
	var stoppers []func()
	for i := 0; i < 3; i++ {
		addr, id, stop := fakeNode(t)
		stoppers = append(stoppers, stop)
		host, portStr, _ := net.SplitHostPort(addr)
		var port int
		for _, c := range portStr {
			port = port*10 + int(c-'0')
		}
		rt.NodeSeen(id, host, uint16(port))
	}
	defer func() {
		for _, s := range stoppers {
			s()
		}
	}()

	rpc, err := NewRPCManager(Config{}, clock.New(), "127.0.0.1:0")
	require.NoError(t, err)
	rpc.Run()
	defer rpc.Close()

	spec := &FindNodeSpec{Target: target, SelfID: local}
	trav := NewTraversal(Config{BranchFactor: 3}, rpc, rt, target, spec)

	done := make(chan []core.NodeInfo, 1)
	go func() { done <- trav.Run() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("traversal did not complete")
	}

	stats := trav.Stats()
	require.Equal(t, 3, stats.InvokeCount)
	require.Equal(t, 0, stats.OutstandingRequests)
}

func TestTraversalWithEmptyRoutingTableUsesBootstrapNodes(t *testing.T) {
	local, err := core.RandomNodeID()
	require.NoError(t, err)
	target, err := core.RandomNodeID()
	require.NoError(t, err)

	addr, id, stop := fakeNode(t)
	defer stop()

	rt := NewRoutingTable(local, clock.NewMock())
	rpc, err := NewRPCManager(Config{}, clock.New(), "127.0.0.1:0")
	require.NoError(t, err)
	rpc.Run()
	defer rpc.Close()

	spec := &FindNodeSpec{Target: target, SelfID: local}
	trav := NewTraversal(Config{BranchFactor: 3, BootstrapNodes: []string{addr}}, rpc, rt, target, spec)

	done := make(chan []core.NodeInfo, 1)
	go func() { done <- trav.Run() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("traversal did not complete")
	}

	stats := trav.Stats()
	require.Equal(t, 1, stats.InvokeCount)
	_ = id
}

func TestTraversalWithNoCandidatesCompletesImmediately(t *testing.T) {
	local, err := core.RandomNodeID()
	require.NoError(t, err)
	target, err := core.RandomNodeID()
	require.NoError(t, err)

	rt := NewRoutingTable(local, clock.NewMock())
	rpc, err := NewRPCManager(Config{}, clock.New(), "127.0.0.1:0")
	require.NoError(t, err)
	rpc.Run()
	defer rpc.Close()

	spec := &FindNodeSpec{Target: target, SelfID: local}
	trav := NewTraversal(Config{BranchFactor: 3}, rpc, rt, target, spec)

	var result []core.NodeInfo
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); result = trav.Run() }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("traversal with no candidates should complete immediately")
	}
	require.Empty(t, result)
}

func TestTraversalAbortForcesCompletion(t *testing.T) {
	local, err := core.RandomNodeID()
	require.NoError(t, err)
	target, err := core.RandomNodeID()
	require.NoError(t, err)
	unreachable, err := core.RandomNodeID()
	require.NoError(t, err)

	rt := NewRoutingTable(local, clock.NewMock())
	// Nothing listens on this endpoint: the query never gets a reply,
	// so the traversal only completes once Abort drains it via the
	// hard timeout.
	rt.NodeSeen(unreachable, "127.0.0.1", 1)

	rpc, err := NewRPCManager(Config{ShortTimeout: 50 * time.Millisecond, HardTimeout: 200 * time.Millisecond}, clock.New(), "127.0.0.1:0")
	require.NoError(t, err)
	rpc.Run()
	defer rpc.Close()

	spec := &FindNodeSpec{Target: target, SelfID: local}
	trav := NewTraversal(Config{BranchFactor: 3}, rpc, rt, target, spec)

	done := make(chan []core.NodeInfo, 1)
	go func() { done <- trav.Run() }()
	time.Sleep(20 * time.Millisecond)
	trav.Abort()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("aborted traversal did not complete")
	}
}
