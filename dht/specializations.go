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
	"github.com/torrentengine/core/core"
)

// FindNodeSpec implements the find_node specialization: pure routing
// table maintenance, no payload other than closer nodes.
type FindNodeSpec struct {
	Target core.NodeID
	SelfID core.NodeID
}

func (s *FindNodeSpec) Method() string { return MethodFindNode }

func (s *FindNodeSpec) BuildQuery(candidate core.NodeInfo) *Message {
	return &Message{
		Type:  Query,
		Query: MethodFindNode,
		Args: map[string]interface{}{
			"id":     string(s.SelfID.Bytes()),
			"target": string(s.Target.Bytes()),
		},
	}
}

func (s *FindNodeSpec) HandleReply(from core.NodeInfo, msg *Message) []core.NodeInfo {
	return nodesFromReply(msg)
}

// GetPeersSpec walks toward an infohash, collecting a token per
// responding node (needed by a later announce_peer) and any peers
// found along the way.
type GetPeersSpec struct {
	InfoHash core.InfoHash
	SelfID   core.NodeID

	Peers  []core.PeerInfo
	Tokens map[string]string // endpoint -> token
}

func NewGetPeersSpec(infoHash core.InfoHash, selfID core.NodeID) *GetPeersSpec {
	return &GetPeersSpec{InfoHash: infoHash, SelfID: selfID, Tokens: make(map[string]string)}
}

func (s *GetPeersSpec) Method() string { return MethodGetPeers }

func (s *GetPeersSpec) BuildQuery(candidate core.NodeInfo) *Message {
	return &Message{
		Type:  Query,
		Query: MethodGetPeers,
		Args: map[string]interface{}{
			"id":        string(s.SelfID.Bytes()),
			"info_hash": string(s.InfoHash.Bytes()),
		},
	}
}

func (s *GetPeersSpec) HandleReply(from core.NodeInfo, msg *Message) []core.NodeInfo {
	if msg.Values == nil {
		return nil
	}
	if tok, ok := msg.Values["token"].(string); ok && tok != "" {
		s.Tokens[from.Addr()] = tok
	}
	if values, ok := msg.Values["values"].([]interface{}); ok {
		for _, v := range values {
			raw, ok := v.(string)
			if !ok || len(raw) != 6 {
				continue
			}
			if p, err := DecodeCompactPeerInfo([]byte(raw)); err == nil {
				s.Peers = append(s.Peers, p)
			}
		}
	}
	return nodesFromReply(msg)
}

// AnnouncePeerSpec sends announce_peer to the k closest nodes found by
// a prior get_peers traversal, each carrying the token that node
// issued.
type AnnouncePeerSpec struct {
	InfoHash core.InfoHash
	SelfID   core.NodeID
	Port     uint16
	Implied  bool
	Tokens   map[string]string
}

func (s *AnnouncePeerSpec) Method() string { return MethodAnnouncePeer }

func (s *AnnouncePeerSpec) BuildQuery(candidate core.NodeInfo) *Message {
	args := map[string]interface{}{
		"id":        string(s.SelfID.Bytes()),
		"info_hash": string(s.InfoHash.Bytes()),
		"port":      int64(s.Port),
		"token":     s.Tokens[candidate.Addr()],
	}
	if s.Implied {
		args["implied_port"] = int64(1)
	}
	return &Message{Type: Query, Query: MethodAnnouncePeer, Args: args}
}

func (s *AnnouncePeerSpec) HandleReply(from core.NodeInfo, msg *Message) []core.NodeInfo {
	return nil
}

// PutItemSpec stores an immutable or mutable item at the k closest
// nodes to its target id, reusing tokens collected by a prior get
// traversal over the same target.
type PutItemSpec struct {
	Target core.NodeID
	SelfID core.NodeID
	Value  []byte
	Seq    int64
	Salt   []byte
	Key    []byte // mutable items: public key
	Sig    []byte // mutable items: signature over (salt, seq, value)
	Cas    *int64
	Tokens map[string]string
}

func (s *PutItemSpec) Method() string { return MethodPut }

func (s *PutItemSpec) BuildQuery(candidate core.NodeInfo) *Message {
	args := map[string]interface{}{
		"id":    string(s.SelfID.Bytes()),
		"token": s.Tokens[candidate.Addr()],
		"v":     string(s.Value),
	}
	if len(s.Key) > 0 {
		args["k"] = string(s.Key)
		args["sig"] = string(s.Sig)
		args["seq"] = s.Seq
		if len(s.Salt) > 0 {
			args["salt"] = string(s.Salt)
		}
		if s.Cas != nil {
			args["cas"] = *s.Cas
		}
	}
	return &Message{Type: Query, Query: MethodPut, Args: args}
}

func (s *PutItemSpec) HandleReply(from core.NodeInfo, msg *Message) []core.NodeInfo {
	return nil
}

// GetItemSpec retrieves a put_item value or mutable-item envelope from
// the nodes closest to target, recording each node's token for a
// subsequent put (republish / cas update).
type GetItemSpec struct {
	Target core.NodeID
	SelfID core.NodeID
	Salt   []byte

	Values []map[string]interface{}
	Tokens map[string]string
}

func NewGetItemSpec(target core.NodeID, selfID core.NodeID) *GetItemSpec {
	return &GetItemSpec{Target: target, SelfID: selfID, Tokens: make(map[string]string)}
}

func (s *GetItemSpec) Method() string { return MethodGet }

func (s *GetItemSpec) BuildQuery(candidate core.NodeInfo) *Message {
	args := map[string]interface{}{
		"id":     string(s.SelfID.Bytes()),
		"target": string(s.Target.Bytes()),
	}
	if len(s.Salt) > 0 {
		args["salt"] = string(s.Salt)
	}
	return &Message{Type: Query, Query: MethodGet, Args: args}
}

func (s *GetItemSpec) HandleReply(from core.NodeInfo, msg *Message) []core.NodeInfo {
	if msg.Values == nil {
		return nil
	}
	if tok, ok := msg.Values["token"].(string); ok && tok != "" {
		s.Tokens[from.Addr()] = tok
	}
	if _, ok := msg.Values["v"]; ok {
		s.Values = append(s.Values, msg.Values)
	}
	return nodesFromReply(msg)
}

// SampleInfohashesSpec implements BEP-51: sampling a random subset of
// infohashes a node is currently tracking, used to discover swarms
// without a prior keyword.
type SampleInfohashesSpec struct {
	Target core.NodeID
	SelfID core.NodeID

	Samples []core.InfoHash
	Total   int
}

func (s *SampleInfohashesSpec) Method() string { return MethodSampleInfohashes }

func (s *SampleInfohashesSpec) BuildQuery(candidate core.NodeInfo) *Message {
	return &Message{
		Type:  Query,
		Query: MethodSampleInfohashes,
		Args: map[string]interface{}{
			"id":     string(s.SelfID.Bytes()),
			"target": string(s.Target.Bytes()),
		},
	}
}

func (s *SampleInfohashesSpec) HandleReply(from core.NodeInfo, msg *Message) []core.NodeInfo {
	if msg.Values == nil {
		return nil
	}
	if num, ok := msg.Values["num"].(int64); ok {
		s.Total += int(num)
	}
	if raw, ok := msg.Values["samples"].(string); ok {
		for i := 0; i+20 <= len(raw); i += 20 {
			if h, err := core.NewInfoHashFromBytes([]byte(raw[i : i+20])); err == nil {
				s.Samples = append(s.Samples, h)
			}
		}
	}
	return nodesFromReply(msg)
}

// nodesFromReply extracts the "nodes" compact node info list common to
// find_node, get_peers, and get replies.
func nodesFromReply(msg *Message) []core.NodeInfo {
	if msg.Values == nil {
		return nil
	}
	raw, ok := msg.Values["nodes"].(string)
	if !ok || raw == "" {
		return nil
	}
	nodes, err := DecodeCompactNodeInfoList([]byte(raw))
	if err != nil {
		return nil
	}
	return nodes
}
