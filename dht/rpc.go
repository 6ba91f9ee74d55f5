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
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/torrentengine/core/core"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ObserverFlags mirrors the reference engine's per-RPC bookkeeping bits.
type ObserverFlags uint8

const (
	FlagQueried ObserverFlags = 1 << iota
	FlagInitial
	FlagNoID
	FlagShortTimeout
	FlagFailed
	FlagAlive
	FlagDone
)

// Observer tracks one outstanding RPC, keyed by 16-bit transaction id.
type Observer struct {
	TxID           uint16
	TargetEndpoint string
	TargetID       core.NodeID
	HasTargetID    bool
	SentAt         time.Time
	Flags          ObserverFlags

	onReply   func(*Message, string)
	onTimeout func(short bool)
}

func (o *Observer) hasFlag(f ObserverFlags) bool { return o.Flags&f != 0 }
func (o *Observer) setFlag(f ObserverFlags)       { o.Flags |= f }

// RPCManager owns the map from transaction id to Observer and the
// socket used to send and receive KRPC messages.
type RPCManager struct {
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger
	stats  tally.Scope
	conn   net.PacketConn

	mu        sync.Mutex
	observers map[uint16]*Observer
	nextTxID  *atomic.Uint32

	done chan struct{}
	wg   sync.WaitGroup
}

// RPCOption configures optional RPCManager dependencies.
type RPCOption func(*RPCManager)

// WithRPCLogger overrides the manager's logger.
func WithRPCLogger(logger *zap.SugaredLogger) RPCOption {
	return func(m *RPCManager) { m.logger = logger }
}

// WithRPCStats overrides the manager's metrics scope.
func WithRPCStats(stats tally.Scope) RPCOption {
	return func(m *RPCManager) { m.stats = stats }
}

// NewRPCManager binds a UDP socket at listenAddr and returns a manager
// ready to have Run called on it.
func NewRPCManager(config Config, clk clock.Clock, listenAddr string, opts ...RPCOption) (*RPCManager, error) {
	config = config.applyDefaults()
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %s", listenAddr, err)
	}
	m := &RPCManager{
		config:    config,
		clk:       clk,
		logger:    zap.NewNop().Sugar(),
		stats:     tally.NoopScope,
		conn:      conn,
		observers: make(map[uint16]*Observer),
		nextTxID:  atomic.NewUint32(rand.Uint32()),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// LocalAddr returns the bound socket address.
func (m *RPCManager) LocalAddr() net.Addr { return m.conn.LocalAddr() }

// Run starts the receive loop and the timeout sweep. Call Close to stop
// both and release the socket.
func (m *RPCManager) Run() {
	m.wg.Add(2)
	go m.receiveLoop()
	go m.timeoutLoop()
}

// Close stops the manager's goroutines and closes the socket.
func (m *RPCManager) Close() error {
	close(m.done)
	err := m.conn.Close()
	m.wg.Wait()
	return err
}

// Invoke sends q to addr, registering an Observer that calls onReply on
// a matched response or onTimeout(true) at the short timeout and
// onTimeout(false) at the hard timeout (the observer is removed after
// the hard timeout fires).
func (m *RPCManager) Invoke(q *Message, addr string, flags ObserverFlags, onReply func(*Message, string), onTimeout func(short bool)) (*Observer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %s", addr, err)
	}

	txID := uint16(m.nextTxID.Inc())
	q.TxID = string([]byte{byte(txID >> 8), byte(txID)})

	obs := &Observer{
		TxID:           txID,
		TargetEndpoint: addr,
		SentAt:         m.clk.Now(),
		Flags:          flags | FlagQueried,
		onReply:        onReply,
		onTimeout:      onTimeout,
	}

	m.mu.Lock()
	m.observers[txID] = obs
	m.mu.Unlock()

	payload, err := q.Encode()
	if err != nil {
		m.mu.Lock()
		delete(m.observers, txID)
		m.mu.Unlock()
		return nil, err
	}

	if _, err := m.conn.WriteTo(payload, udpAddr); err != nil {
		m.mu.Lock()
		delete(m.observers, txID)
		m.mu.Unlock()
		return nil, fmt.Errorf("write to %s: %s", addr, err)
	}

	m.stats.Counter("dht.rpc.invoke").Inc(1)
	return obs, nil
}

func txIDFromWire(s string) (uint16, bool) {
	if len(s) != 2 {
		return 0, false
	}
	return uint16(s[0])<<8 | uint16(s[1]), true
}

func (m *RPCManager) receiveLoop() {
	defer m.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, from, err := m.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-m.done:
				return
			default:
				continue
			}
		}

		msg, err := DecodeMessage(buf[:n])
		if err != nil {
			continue
		}
		txID, ok := txIDFromWire(msg.TxID)
		if !ok {
			continue
		}

		m.mu.Lock()
		obs, ok := m.observers[txID]
		if ok {
			// Responses are matched by (txid, source endpoint); packets
			// from the wrong source are dropped.
			if obs.TargetEndpoint != from.String() {
				m.mu.Unlock()
				continue
			}
			delete(m.observers, txID)
		}
		m.mu.Unlock()
		if !ok || obs.hasFlag(FlagDone) {
			continue
		}

		obs.setFlag(FlagAlive)
		obs.setFlag(FlagDone)
		m.stats.Counter("dht.rpc.reply").Inc(1)
		if obs.onReply != nil {
			obs.onReply(msg, from.String())
		}
	}
}

func (m *RPCManager) timeoutLoop() {
	defer m.wg.Done()

	ticker := m.clk.Ticker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweepTimeouts()
		}
	}
}

func (m *RPCManager) sweepTimeouts() {
	now := m.clk.Now()

	var shortFired, hardFired []*Observer
	m.mu.Lock()
	for txID, obs := range m.observers {
		age := now.Sub(obs.SentAt)
		if age >= m.config.HardTimeout {
			obs.setFlag(FlagFailed)
			obs.setFlag(FlagDone)
			delete(m.observers, txID)
			hardFired = append(hardFired, obs)
			continue
		}
		if age >= m.config.ShortTimeout && !obs.hasFlag(FlagShortTimeout) {
			obs.setFlag(FlagShortTimeout)
			shortFired = append(shortFired, obs)
		}
	}
	m.mu.Unlock()

	for _, obs := range shortFired {
		m.stats.Counter("dht.rpc.short_timeout").Inc(1)
		if obs.onTimeout != nil {
			obs.onTimeout(true)
		}
	}
	for _, obs := range hardFired {
		m.stats.Counter("dht.rpc.hard_timeout").Inc(1)
		m.logger.Debugw("dht rpc hard timeout", "target", obs.TargetEndpoint)
		if obs.onTimeout != nil {
			obs.onTimeout(false)
		}
	}
}

// OutstandingCount returns the number of in-flight observers, used by
// the traversal's branch-factor accounting.
func (m *RPCManager) OutstandingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers)
}
