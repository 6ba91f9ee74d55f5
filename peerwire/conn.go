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

package peerwire

import (
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"golang.org/x/time/rate"
)

// Conn wraps an established, post-handshake net.Conn with a dedicated
// read/write goroutine pair and a per-connection egress rate limiter,
// following the reference engine's conn.go readLoop/writeLoop shape.
type Conn struct {
	config Config
	clk    clock.Clock
	nc     net.Conn

	egressLimiter *rate.Limiter

	sender   chan *Message
	receiver chan *Message
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	sendErr chan error
}

// NewConn wraps nc, whose handshake has already completed, for framed
// message exchange. egressBytesPerSec bounds outbound piece payload
// throughput for this connection; zero means unbounded.
func NewConn(config Config, clk clock.Clock, nc net.Conn, egressBytesPerSec int) *Conn {
	config = config.applyDefaults()

	limit := rate.Inf
	burst := config.MaxPacketLength
	if egressBytesPerSec > 0 {
		limit = rate.Limit(egressBytesPerSec)
	}

	c := &Conn{
		config:        config,
		clk:           clk,
		nc:            nc,
		egressLimiter: rate.NewLimiter(limit, burst),
		sender:        make(chan *Message),
		receiver:      make(chan *Message),
		done:          make(chan struct{}),
		sendErr:       make(chan error, 1),
	}
	c.start()
	return c
}

func (c *Conn) start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		m, err := ReadMessage(c.nc, c.config.MaxPacketLength)
		if err != nil {
			close(c.receiver)
			return
		}
		select {
		case c.receiver <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case m, ok := <-c.sender:
			if !ok {
				return
			}
			if err := c.sendMessage(m); err != nil {
				select {
				case c.sendErr <- err:
				default:
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

// sendMessage rate-limits Piece payloads through egressLimiter (reserving
// tokens and sleeping for the reservation delay, exactly as the reference
// engine's conn.go does for payload sends) and writes every other message
// type unmetered.
func (c *Conn) sendMessage(m *Message) error {
	if m.ID == Piece && len(m.Payload) > 0 {
		r := c.egressLimiter.ReserveN(c.clk.Now(), len(m.Payload))
		if !r.OK() {
			return fmt.Errorf("egress payload of %d bytes exceeds limiter burst", len(m.Payload))
		}
		c.clk.Sleep(r.DelayFrom(c.clk.Now()))
	}
	return WriteMessage(c.nc, m)
}

// Send enqueues m for the write loop. Blocks until accepted or the
// connection is closing.
func (c *Conn) Send(m *Message) error {
	select {
	case c.sender <- m:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
}

// Receiver returns the channel of inbound messages. It is closed when the
// read loop encounters an error or EOF.
func (c *Conn) Receiver() <-chan *Message {
	return c.receiver
}

// SendError returns a channel that receives at most one error if the
// write loop fails.
func (c *Conn) SendError() <-chan error {
	return c.sendErr
}

// SetEgressBandwidthLimit adjusts the connection's per-second egress cap.
func (c *Conn) SetEgressBandwidthLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		c.egressLimiter.SetLimit(rate.Inf)
		return
	}
	c.egressLimiter.SetLimit(rate.Limit(bytesPerSec))
}

// Close tears down the connection and its goroutines exactly once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.nc.Close()
		c.wg.Wait()
	})
	return err
}
