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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/torrentengine/core/core"
	"github.com/torrentengine/core/tracker"
)

// Client is a tracker.Client for a single HTTP or HTTPS announce URL.
type Client struct {
	config Config
	url    string
	httpc  *http.Client
}

// New returns a Client announcing to url.
func New(config Config, announceURL string) *Client {
	config = config.applyDefaults()
	return &Client{
		config: config,
		url:    announceURL,
		httpc: &http.Client{
			Timeout: config.CompleteTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= config.MaxRedirects {
					return fmt.Errorf("stopped after %d redirects", config.MaxRedirects)
				}
				return nil
			},
		},
	}
}

// percentEncodeBytes percent-encodes raw bytes per BEP-3: only
// unreserved characters (ALPHA / DIGIT / "-" / "." / "_" / "~") are left
// unescaped, everything else becomes %XX. This differs from
// url.QueryEscape, which turns a literal space into "+" rather than
// "%20" and is not safe for arbitrary 20-byte binary fields.
func percentEncodeBytes(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

func eventName(e tracker.Event) string {
	switch e {
	case tracker.Started:
		return "started"
	case tracker.Stopped:
		return "stopped"
	case tracker.Completed:
		return "completed"
	default:
		return ""
	}
}

func (c *Client) buildURL(req tracker.AnnounceRequest) string {
	var sb strings.Builder
	sb.WriteString(c.url)
	if strings.Contains(c.url, "?") {
		sb.WriteByte('&')
	} else {
		sb.WriteByte('?')
	}
	fmt.Fprintf(&sb, "info_hash=%s&peer_id=%s&port=%d&uploaded=%d&downloaded=%d&left=%d&compact=1&numwant=%d",
		percentEncodeBytes(req.InfoHash.Bytes()),
		percentEncodeBytes(req.PeerID.Bytes()),
		req.Port, req.Uploaded, req.Downloaded, req.Left, req.NumWant)
	if ev := eventName(req.Event); ev != "" {
		sb.WriteString("&event=")
		sb.WriteString(ev)
	}
	if req.Key != 0 {
		sb.WriteString("&key=")
		sb.WriteString(strconv.FormatUint(uint64(req.Key), 10))
	}
	return sb.String()
}

// Announce performs a single GET+bencode announce against the tracker.
func (c *Client) Announce(req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	u := c.buildURL(req)

	httpReq, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %s", err)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http get: %s", err)
	}
	defer resp.Body.Close()

	body, err := readWithDeadline(resp.Body, c.config.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("read body: %s", err)
	}

	var head wireAnnounceHead
	if err := bencode.Unmarshal(bytes.NewReader(body), &head); err != nil {
		return nil, fmt.Errorf("unmarshal announce response: %s", err)
	}
	if head.FailureReason != "" {
		return nil, &tracker.ErrTrackerFailure{Reason: head.FailureReason}
	}

	out := &tracker.AnnounceResponse{
		Interval:    head.Interval,
		MinInterval: head.MinInterval,
		Leechers:    head.Incomplete,
		Seeders:     head.Complete,
	}

	peers, err := decodePeers(body)
	if err != nil {
		return nil, err
	}
	out.Peers = peers
	return out, nil
}

// wireAnnounceHead is the subset of the bencoded dict BEP-3 defines that
// decodes regardless of which shape "peers" takes.
type wireAnnounceHead struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	MinInterval   int    `bencode:"min interval"`
	Complete      int    `bencode:"complete"`
	Incomplete    int    `bencode:"incomplete"`
}

type wireCompactPeers struct {
	Peers  string `bencode:"peers"`
	Peers6 string `bencode:"peers6"`
}

type wireDictPeer struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

type wireListPeers struct {
	Peers []wireDictPeer `bencode:"peers"`
}

// decodePeers always requests compact=1, but parses the legacy
// list-of-dicts shape too, since some trackers reply that way anyway.
func decodePeers(body []byte) ([]core.PeerInfo, error) {
	var compact wireCompactPeers
	if err := bencode.Unmarshal(bytes.NewReader(body), &compact); err == nil && (compact.Peers != "" || compact.Peers6 != "") {
		return decodeCompactPeers(compact.Peers, compact.Peers6)
	}

	var list wireListPeers
	if err := bencode.Unmarshal(bytes.NewReader(body), &list); err != nil {
		return nil, fmt.Errorf("unmarshal peers: %s", err)
	}
	out := make([]core.PeerInfo, 0, len(list.Peers))
	for _, p := range list.Peers {
		var peerID core.PeerID
		if len(p.PeerID) == 20 {
			copy(peerID[:], p.PeerID)
		}
		out = append(out, core.PeerInfo{PeerID: peerID, IP: p.IP, Port: p.Port})
	}
	return out, nil
}

func decodeCompactPeers(compact4, compact6 string) ([]core.PeerInfo, error) {
	var out []core.PeerInfo

	b4 := []byte(compact4)
	if len(b4)%6 != 0 {
		return nil, fmt.Errorf("peers field length %d not a multiple of 6", len(b4))
	}
	for i := 0; i+6 <= len(b4); i += 6 {
		ip := net.IP(b4[i : i+4])
		port := binary.BigEndian.Uint16(b4[i+4 : i+6])
		out = append(out, core.PeerInfo{IP: ip.String(), Port: int(port)})
	}

	b6 := []byte(compact6)
	if len(b6)%18 != 0 {
		return nil, fmt.Errorf("peers6 field length %d not a multiple of 18", len(b6))
	}
	for i := 0; i+18 <= len(b6); i += 18 {
		ip := net.IP(b6[i : i+16])
		port := binary.BigEndian.Uint16(b6[i+16 : i+18])
		out = append(out, core.PeerInfo{IP: ip.String(), Port: int(port)})
	}

	return out, nil
}

// Scrape queries /scrape for each hash's stats. Per BEP-48, the scrape
// URL is derived by replacing the final "/announce" path segment with
// "/scrape"; trackers not supporting scrape simply fail the request.
func (c *Client) Scrape(hashes ...core.InfoHash) (map[core.InfoHash]tracker.ScrapeResult, error) {
	scrapeURL, err := scrapeURLFor(c.url)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(scrapeURL)
	sb.WriteByte('?')
	for i, h := range hashes {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString("info_hash=")
		sb.WriteString(percentEncodeBytes(h.Bytes()))
	}

	resp, err := c.httpc.Get(sb.String())
	if err != nil {
		return nil, fmt.Errorf("http get: %s", err)
	}
	defer resp.Body.Close()

	body, err := readWithDeadline(resp.Body, c.config.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("read body: %s", err)
	}

	var wire struct {
		Files map[string]struct {
			Complete   int `bencode:"complete"`
			Downloaded int `bencode:"downloaded"`
			Incomplete int `bencode:"incomplete"`
		} `bencode:"files"`
	}
	if err := bencode.Unmarshal(bytes.NewReader(body), &wire); err != nil {
		return nil, fmt.Errorf("unmarshal scrape response: %s", err)
	}

	out := make(map[core.InfoHash]tracker.ScrapeResult, len(hashes))
	for _, h := range hashes {
		if f, ok := wire.Files[string(h.Bytes())]; ok {
			out[h] = tracker.ScrapeResult{
				Complete:   f.Complete,
				Downloaded: f.Downloaded,
				Incomplete: f.Incomplete,
			}
		}
	}
	return out, nil
}

func scrapeURLFor(announceURL string) (string, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return "", fmt.Errorf("parse announce url: %s", err)
	}
	idx := strings.LastIndex(u.Path, "/announce")
	if idx < 0 {
		return "", fmt.Errorf("tracker does not support scrape: %s", announceURL)
	}
	u.Path = u.Path[:idx] + "/scrape"
	return u.String(), nil
}

// Close is a no-op; the underlying http.Client owns no persistent
// connection this client must release eagerly.
func (c *Client) Close() error { return nil }

func readWithDeadline(r io.Reader, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(r)
		ch <- result{data, err}
	}()
	select {
	case res := <-ch:
		return res.data, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("read timed out after %s", timeout)
	}
}
