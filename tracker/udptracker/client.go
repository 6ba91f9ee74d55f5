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

package udptracker

import (
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/torrentengine/core/core"
	"github.com/torrentengine/core/tracker"
)

// Client is a tracker.Client for a single UDP tracker, implementing
// BEP-15's two-round connect/announce protocol with connection-id
// caching and txid/source validation.
type Client struct {
	config Config
	clk    clock.Clock
	addr   string

	mu         sync.Mutex
	conn       net.Conn
	connID     uint64
	connIDSet  time.Time
	haveConnID bool
}

// New returns a Client for the UDP tracker at announceURL (a udp:// URL).
func New(config Config, clk clock.Clock, announceURL string) (*Client, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %s", err)
	}
	return &Client{config: config.applyDefaults(), clk: clk, addr: u.Host}, nil
}

func (c *Client) dial() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.Dial("udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %s", c.addr, err)
	}
	c.conn = conn
	return conn, nil
}

// connectionID returns a valid connection id, performing a fresh
// connect round if none is cached or the cached one has expired.
func (c *Client) connectionID() (uint64, error) {
	c.mu.Lock()
	if c.haveConnID && c.clk.Now().Sub(c.connIDSet) < c.config.ConnectionIDTTL {
		id := c.connID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	id, err := c.connect()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.connID = id
	c.connIDSet = c.clk.Now()
	c.haveConnID = true
	c.mu.Unlock()
	return id, nil
}

func (c *Client) connect() (uint64, error) {
	conn, err := c.dial()
	if err != nil {
		return 0, err
	}

	bo := newFixedSequenceBackOff(c.config.BaseTimeout, c.config.ConnectRetries)
	var lastErr error
	for {
		timeout := bo.NextBackOff()
		if timeout < 0 {
			if lastErr == nil {
				lastErr = fmt.Errorf("connect: exhausted retries")
			}
			return 0, lastErr
		}

		txid := rand.Uint32()
		if _, err := conn.Write(encodeConnectRequest(txid)); err != nil {
			lastErr = err
			continue
		}

		conn.SetReadDeadline(c.clk.Now().Add(timeout))
		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		if err != nil {
			lastErr = err
			continue
		}

		id, err := decodeConnectResponse(buf[:n], txid)
		if err != nil {
			lastErr = err
			continue
		}
		return id, nil
	}
}

// Announce performs a UDP announce, reconnecting first if necessary.
func (c *Client) Announce(req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	connID, err := c.connectionID()
	if err != nil {
		return nil, err
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}

	bo := newFixedSequenceBackOff(c.config.BaseTimeout, c.config.AnnounceRetries)
	var lastErr error
	for {
		timeout := bo.NextBackOff()
		if timeout < 0 {
			if lastErr == nil {
				lastErr = fmt.Errorf("announce: exhausted retries")
			}
			return nil, lastErr
		}

		txid := rand.Uint32()
		if _, err := conn.Write(encodeAnnounceRequest(connID, txid, req)); err != nil {
			lastErr = err
			continue
		}

		conn.SetReadDeadline(c.clk.Now().Add(timeout))
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := decodeAnnounceResponse(buf[:n], txid)
		if err != nil {
			if err == tracker.ErrBadTransaction {
				lastErr = err
				continue
			}
			return nil, err
		}
		return resp, nil
	}
}

// Scrape performs a UDP scrape for the given infohashes.
func (c *Client) Scrape(hashes ...core.InfoHash) (map[core.InfoHash]tracker.ScrapeResult, error) {
	connID, err := c.connectionID()
	if err != nil {
		return nil, err
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}

	bo := newFixedSequenceBackOff(c.config.BaseTimeout, c.config.AnnounceRetries)
	var lastErr error
	for {
		timeout := bo.NextBackOff()
		if timeout < 0 {
			if lastErr == nil {
				lastErr = fmt.Errorf("scrape: exhausted retries")
			}
			return nil, lastErr
		}

		txid := rand.Uint32()
		if _, err := conn.Write(encodeScrapeRequest(connID, txid, hashes)); err != nil {
			lastErr = err
			continue
		}

		conn.SetReadDeadline(c.clk.Now().Add(timeout))
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			lastErr = err
			continue
		}

		res, err := decodeScrapeResponse(buf[:n], txid, hashes)
		if err != nil {
			if err == tracker.ErrBadTransaction {
				lastErr = err
				continue
			}
			return nil, err
		}
		return res, nil
	}
}

// Close releases the underlying UDP socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.haveConnID = false
	return err
}
