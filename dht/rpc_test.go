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
)

func TestRPCManagerInvokeRoundTrip(t *testing.T) {
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	go func() {
		buf := make([]byte, 4096)
		n, from, err := peer.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := DecodeMessage(buf[:n])
		if err != nil {
			return
		}
		reply := &Message{TxID: msg.TxID, Type: Response, Values: map[string]interface{}{"id": "x"}}
		encoded, _ := reply.Encode()
		peer.WriteTo(encoded, from)
	}()

	m, err := NewRPCManager(Config{}, clock.New(), "127.0.0.1:0")
	require.NoError(t, err)
	m.Run()
	defer m.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var got *Message
	_, err = m.Invoke(&Message{Type: Query, Query: MethodPing}, peer.LocalAddr().String(), 0,
		func(msg *Message, from string) {
			got = msg
			wg.Done()
		},
		func(short bool) {},
	)
	require.NoError(t, err)

	wg.Wait()
	require.NotNil(t, got)
	require.Equal(t, Response, got.Type)
}

func TestRPCManagerDropsReplyFromWrongSourceEndpoint(t *testing.T) {
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	spoofer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer spoofer.Close()

	m, err := NewRPCManager(Config{}, clock.New(), "127.0.0.1:0")
	require.NoError(t, err)
	m.Run()
	defer m.Close()

	go func() {
		buf := make([]byte, 4096)
		n, _, err := peer.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := DecodeMessage(buf[:n])
		if err != nil {
			return
		}
		reply := &Message{TxID: msg.TxID, Type: Response}
		encoded, _ := reply.Encode()
		// Reply comes from a different socket than the one queried.
		spoofer.WriteTo(encoded, m.LocalAddr())
	}()

	replied := make(chan struct{}, 1)
	_, err = m.Invoke(&Message{Type: Query, Query: MethodPing}, peer.LocalAddr().String(), 0,
		func(msg *Message, from string) { replied <- struct{}{} },
		func(short bool) {},
	)
	require.NoError(t, err)

	select {
	case <-replied:
		t.Fatal("reply from spoofed source endpoint should have been dropped")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRPCManagerSweepTimeoutsFiresShortThenHard(t *testing.T) {
	clk := clock.NewMock()
	m, err := NewRPCManager(Config{ShortTimeout: time.Second, HardTimeout: 3 * time.Second}, clk, "127.0.0.1:0")
	require.NoError(t, err)
	defer m.conn.Close()

	var shortFired, hardFired bool
	_, err = m.Invoke(&Message{Type: Query, Query: MethodPing}, "127.0.0.1:1", 0,
		func(msg *Message, from string) {},
		func(short bool) {
			if short {
				shortFired = true
			} else {
				hardFired = true
			}
		},
	)
	require.NoError(t, err)

	clk.Add(2 * time.Second)
	m.sweepTimeouts()
	require.True(t, shortFired)
	require.False(t, hardFired)

	clk.Add(2 * time.Second)
	m.sweepTimeouts()
	require.True(t, hardFired)
	require.Equal(t, 0, m.OutstandingCount())
}
