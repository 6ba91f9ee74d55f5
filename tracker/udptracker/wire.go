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
	"encoding/binary"
	"fmt"
	"net"

	"github.com/torrentengine/core/core"
	"github.com/torrentengine/core/tracker"
)

const (
	protocolMagic = 0x41727101980

	actionConnect  = 0
	actionAnnounce = 1
	actionScrape   = 2
	actionError    = 3
)

func encodeConnectRequest(txid uint32) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], protocolMagic)
	binary.BigEndian.PutUint32(buf[8:12], actionConnect)
	binary.BigEndian.PutUint32(buf[12:16], txid)
	return buf
}

func decodeConnectResponse(buf []byte, wantTxid uint32) (connID uint64, err error) {
	if len(buf) < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", len(buf))
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	txid := binary.BigEndian.Uint32(buf[4:8])
	if txid != wantTxid {
		return 0, tracker.ErrBadTransaction
	}
	if action == actionError {
		return 0, &tracker.ErrTrackerFailure{Reason: string(buf[8:])}
	}
	if action != actionConnect {
		return 0, fmt.Errorf("unexpected action %d in connect response", action)
	}
	return binary.BigEndian.Uint64(buf[8:16]), nil
}

func encodeAnnounceRequest(connID uint64, txid uint32, req tracker.AnnounceRequest) []byte {
	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], txid)
	copy(buf[16:36], req.InfoHash.Bytes())
	copy(buf[36:56], req.PeerID.Bytes())
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], uint32(req.Event))
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip = 0, let tracker infer from source
	binary.BigEndian.PutUint32(buf[88:92], req.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(req.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	return buf
}

func decodeAnnounceResponse(buf []byte, wantTxid uint32) (*tracker.AnnounceResponse, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("announce response too short: %d bytes", len(buf))
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	txid := binary.BigEndian.Uint32(buf[4:8])
	if txid != wantTxid {
		return nil, tracker.ErrBadTransaction
	}
	if action == actionError {
		return nil, &tracker.ErrTrackerFailure{Reason: string(buf[8:])}
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("unexpected action %d in announce response", action)
	}
	if len(buf) < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", len(buf))
	}

	resp := &tracker.AnnounceResponse{
		Interval: int(binary.BigEndian.Uint32(buf[8:12])),
		Leechers: int(binary.BigEndian.Uint32(buf[12:16])),
		Seeders:  int(binary.BigEndian.Uint32(buf[16:20])),
	}

	rest := buf[20:]
	if len(rest)%6 != 0 {
		return nil, fmt.Errorf("trailing peer bytes %d not a multiple of 6", len(rest))
	}
	for i := 0; i+6 <= len(rest); i += 6 {
		ip := net.IP(rest[i : i+4])
		port := binary.BigEndian.Uint16(rest[i+4 : i+6])
		resp.Peers = append(resp.Peers, core.PeerInfo{IP: ip.String(), Port: int(port)})
	}
	return resp, nil
}

func encodeScrapeRequest(connID uint64, txid uint32, hashes []core.InfoHash) []byte {
	buf := make([]byte, 16+20*len(hashes))
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], actionScrape)
	binary.BigEndian.PutUint32(buf[12:16], txid)
	for i, h := range hashes {
		copy(buf[16+i*20:16+(i+1)*20], h.Bytes())
	}
	return buf
}

func decodeScrapeResponse(buf []byte, wantTxid uint32, hashes []core.InfoHash) (map[core.InfoHash]tracker.ScrapeResult, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("scrape response too short: %d bytes", len(buf))
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	txid := binary.BigEndian.Uint32(buf[4:8])
	if txid != wantTxid {
		return nil, tracker.ErrBadTransaction
	}
	if action == actionError {
		return nil, &tracker.ErrTrackerFailure{Reason: string(buf[8:])}
	}
	if action != actionScrape {
		return nil, fmt.Errorf("unexpected action %d in scrape response", action)
	}

	rest := buf[8:]
	if len(rest) != 12*len(hashes) {
		return nil, fmt.Errorf("scrape response has %d bytes, want %d for %d hashes", len(rest), 12*len(hashes), len(hashes))
	}
	out := make(map[core.InfoHash]tracker.ScrapeResult, len(hashes))
	for i, h := range hashes {
		off := i * 12
		out[h] = tracker.ScrapeResult{
			Complete:   int(binary.BigEndian.Uint32(rest[off : off+4])),
			Downloaded: int(binary.BigEndian.Uint32(rest[off+4 : off+8])),
			Incomplete: int(binary.BigEndian.Uint32(rest[off+8 : off+12])),
		}
	}
	return out, nil
}
