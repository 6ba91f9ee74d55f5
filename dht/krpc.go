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
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	bencode "github.com/jackpal/bencode-go"
	"github.com/torrentengine/core/core"
)

// MessageType is the KRPC "y" field.
type MessageType string

const (
	Query    MessageType = "q"
	Response MessageType = "r"
	ErrorMsg MessageType = "e"
)

// Query method names, used in the "q" field and to dispatch specializations.
const (
	MethodPing             = "ping"
	MethodFindNode         = "find_node"
	MethodGetPeers         = "get_peers"
	MethodAnnouncePeer     = "announce_peer"
	MethodGet              = "get"
	MethodPut              = "put"
	MethodSampleInfohashes = "sample_infohashes"
)

// Message is the generic KRPC envelope. Arguments and response fields
// are decoded into loosely typed maps since the specific key set
// varies per method.
type Message struct {
	TxID   string                 `bencode:"t"`
	Type   MessageType            `bencode:"y"`
	Query  string                 `bencode:"q,omitempty"`
	Args   map[string]interface{} `bencode:"a,omitempty"`
	Values map[string]interface{} `bencode:"r,omitempty"`
	Error  []interface{}          `bencode:"e,omitempty"`
}

// Encode bencodes m for transmission over UDP.
func (m *Message) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, *m); err != nil {
		return nil, fmt.Errorf("marshal krpc message: %s", err)
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses a raw KRPC packet.
func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := bencode.Unmarshal(bytes.NewReader(b), &m); err != nil {
		return nil, fmt.Errorf("unmarshal krpc message: %s", err)
	}
	return &m, nil
}

// EncodeCompactNodeInfo packs a single node's id, IPv4, and port into
// the 26-byte "compact node info" format.
func EncodeCompactNodeInfo(id core.NodeID, ip net.IP, port uint16) []byte {
	buf := make([]byte, 26)
	copy(buf[0:20], id.Bytes())
	copy(buf[20:24], ip.To4())
	binary.BigEndian.PutUint16(buf[24:26], port)
	return buf
}

// DecodeCompactNodeInfoList unpacks a concatenated list of 26-byte
// compact node info entries.
func DecodeCompactNodeInfoList(b []byte) ([]core.NodeInfo, error) {
	if len(b)%26 != 0 {
		return nil, fmt.Errorf("compact node info length %d not a multiple of 26", len(b))
	}
	var out []core.NodeInfo
	for i := 0; i+26 <= len(b); i += 26 {
		id, err := core.NewNodeIDFromBytes(b[i : i+20])
		if err != nil {
			return nil, err
		}
		ip := net.IP(b[i+20 : i+24])
		port := binary.BigEndian.Uint16(b[i+24 : i+26])
		out = append(out, core.NodeInfo{ID: id, IP: ip.String(), Port: port})
	}
	return out, nil
}

// EncodeCompactPeerInfo packs a peer's IPv4 and port into the 6-byte
// compact peer format used by get_peers "values".
func EncodeCompactPeerInfo(ip net.IP, port uint16) []byte {
	buf := make([]byte, 6)
	copy(buf[0:4], ip.To4())
	binary.BigEndian.PutUint16(buf[4:6], port)
	return buf
}

// DecodeCompactPeerInfo unpacks a single 6-byte compact peer entry.
func DecodeCompactPeerInfo(b []byte) (core.PeerInfo, error) {
	if len(b) != 6 {
		return core.PeerInfo{}, fmt.Errorf("compact peer info length %d != 6", len(b))
	}
	ip := net.IP(b[0:4])
	port := binary.BigEndian.Uint16(b[4:6])
	return core.PeerInfo{IP: ip.String(), Port: port}, nil
}
