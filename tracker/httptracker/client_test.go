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

package httptracker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/torrentengine/core/core"
	"github.com/torrentengine/core/tracker"
)

func testAnnounceRequest(t *testing.T) tracker.AnnounceRequest {
	infoHash, err := core.NewInfoHashFromBytes(make([]byte, 20))
	require.NoError(t, err)
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	return tracker.AnnounceRequest{InfoHash: infoHash, PeerID: peerID, Port: 6881, Left: 100}
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	require := require.New(t)

	compact := string([]byte{127, 0, 0, 1, 0x1A, 0xE1}) // 127.0.0.1:6881
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d8:intervali1800e5:peers" + "6:" + compact + "e"))
	}))
	defer srv.Close()

	c := New(Config{}, srv.URL+"/announce")
	resp, err := c.Announce(testAnnounceRequest(t))
	require.NoError(err)
	require.Equal(1800, resp.Interval)
	require.Len(resp.Peers, 1)
	require.Equal("127.0.0.1", resp.Peers[0].IP)
	require.Equal(6881, resp.Peers[0].Port)
}

func TestAnnounceSurfacesFailureReason(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason17:torrent not founde"))
	}))
	defer srv.Close()

	c := New(Config{}, srv.URL+"/announce")
	_, err := c.Announce(testAnnounceRequest(t))
	require.Error(err)
	var failure *tracker.ErrTrackerFailure
	require.ErrorAs(err, &failure)
	require.Equal("torrent not found", failure.Reason)
}

func TestBuildURLPercentEncodesBinaryFields(t *testing.T) {
	require := require.New(t)

	infoHash, _ := core.NewInfoHashFromBytes(append([]byte{0x00, 0x20, 0xff}, make([]byte, 17)...))
	peerID, _ := core.RandomPeerID()
	req := tracker.AnnounceRequest{InfoHash: infoHash, PeerID: peerID, Port: 1, Event: tracker.Started}

	c := New(Config{}, "http://tracker.example/announce")
	u := c.buildURL(req)
	require.Contains(u, "%00%20%FF")
	require.Contains(u, "&event=started")
	require.Contains(u, "compact=1")
}

func TestScrapeURLReplacesAnnounceSegment(t *testing.T) {
	require := require.New(t)

	u, err := scrapeURLFor("http://tracker.example/announce")
	require.NoError(err)
	require.Equal("http://tracker.example/scrape", u)

	_, err = scrapeURLFor("http://tracker.example/noannounce-path")
	require.Error(err)
}
