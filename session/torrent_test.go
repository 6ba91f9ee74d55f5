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

package session

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/torrentengine/core/bandwidth"
	"github.com/torrentengine/core/peerwire"
)

func newTestTorrent(t *testing.T, config Config) (*Torrent, *clock.Mock) {
	store := newFakeStorage()
	meta := &fakeMetainfo{
		hash:        newTestInfoHash(1),
		numPieces:   4,
		pieceLength: 16 * 1024,
		store:       store,
	}
	fc := clock.NewMock()
	tr := NewTorrent(
		config,
		meta,
		store,
		newTestPeerID(1),
		6881,
		bandwidth.NewLimiter(bandwidth.Config{}),
		bandwidth.NewLimiter(bandwidth.Config{}),
		WithTorrentClock(fc),
	)
	return tr, fc
}

func newConnectedPeer(t *testing.T, endpoint, ip string) *peerConn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	sess := peerwire.NewSession(peerwire.Config{}, clock.NewMock(), newTestPeerID(2), peerwire.Inbound, 4)
	return &peerConn{
		endpoint:  endpoint,
		ip:        ip,
		torrentID: "t",
		conn:      peerwire.NewConn(peerwire.Config{}, clock.NewMock(), server, 0),
		sess:      sess,
	}
}

func TestOnPeerConnectedRejectsSecondConnectionFromSameIP(t *testing.T) {
	require := require.New(t)

	tr, _ := newTestTorrent(t, Config{})
	tr.onPeerConnected(newConnectedPeer(t, "1.2.3.4:1000", "1.2.3.4"))
	require.Len(tr.peersByEndpoint, 1)

	tr.onPeerConnected(newConnectedPeer(t, "1.2.3.4:2000", "1.2.3.4"))
	require.Len(tr.peersByEndpoint, 1, "second connection from the same IP must be rejected")
}

func TestOnPeerConnectedAllowsMultiplePerIPWhenConfigured(t *testing.T) {
	require := require.New(t)

	tr, _ := newTestTorrent(t, Config{AllowMultipleConnectionsPerIP: true})
	tr.onPeerConnected(newConnectedPeer(t, "1.2.3.4:1000", "1.2.3.4"))
	tr.onPeerConnected(newConnectedPeer(t, "1.2.3.4:2000", "1.2.3.4"))
	require.Len(tr.peersByEndpoint, 2)
}

func TestOnPeerConnectedEnforcesMaxPeers(t *testing.T) {
	require := require.New(t)

	tr, _ := newTestTorrent(t, Config{MaxPeersPerTorrent: 1})
	tr.onPeerConnected(newConnectedPeer(t, "1.1.1.1:1", "1.1.1.1"))
	tr.onPeerConnected(newConnectedPeer(t, "2.2.2.2:1", "2.2.2.2"))
	require.Len(tr.peersByEndpoint, 1)
}

func TestOnPeerClosedReleasesIPSlot(t *testing.T) {
	require := require.New(t)

	tr, _ := newTestTorrent(t, Config{})
	pc := newConnectedPeer(t, "1.2.3.4:1000", "1.2.3.4")
	tr.onPeerConnected(pc)
	require.Equal(1, tr.peersByIP["1.2.3.4"])

	tr.onPeerClosed(pc.endpoint, nil)
	require.Len(tr.peersByEndpoint, 0)
	require.Equal(0, tr.peersByIP["1.2.3.4"])
}

func TestStartAndStopRunsEventLoopAndTicker(t *testing.T) {
	require := require.New(t)

	tr, fc := newTestTorrent(t, Config{TickInterval: time.Second})
	tr.Start()
	defer tr.Stop()

	require.Equal(0, tr.NumPeers())

	fc.Add(time.Second)
	// onTick ran on the event loop; querying NumPeers again proves the
	// loop is still alive and serialized after a tick.
	require.Equal(0, tr.NumPeers())
}

func TestAnnounceNowClearsNextAnnounceDeadline(t *testing.T) {
	require := require.New(t)

	tr, fc := newTestTorrent(t, Config{})
	tr.Start()
	defer tr.Stop()

	tr.loop.send(queryEvent{func(tr *Torrent) { tr.nextAnnounce = fc.Now().Add(time.Hour) }})
	tr.AnnounceNow()

	zero := make(chan bool, 1)
	tr.loop.send(queryEvent{func(tr *Torrent) { zero <- tr.nextAnnounce.IsZero() }})
	require.True(<-zero)
}
