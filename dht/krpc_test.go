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
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/torrentengine/core/core"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	id, err := core.RandomNodeID()
	require.NoError(t, err)

	msg := &Message{
		TxID:  "aa",
		Type:  Query,
		Query: MethodPing,
		Args: map[string]interface{}{
			"id": string(id.Bytes()),
		},
	}
	encoded, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, msg.TxID, decoded.TxID)
	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.Query, decoded.Query)
}

func TestCompactNodeInfoRoundTrip(t *testing.T) {
	id, err := core.RandomNodeID()
	require.NoError(t, err)
	ip := net.ParseIP("10.0.0.5")

	encoded := EncodeCompactNodeInfo(id, ip, 6881)
	require.Len(t, encoded, 26)

	nodes, err := DecodeCompactNodeInfoList(append(encoded, encoded...))
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, id, nodes[0].ID)
	require.Equal(t, "10.0.0.5", nodes[0].IP)
	require.EqualValues(t, 6881, nodes[0].Port)
}

func TestCompactNodeInfoListRejectsBadLength(t *testing.T) {
	_, err := DecodeCompactNodeInfoList(make([]byte, 25))
	require.Error(t, err)
}

func TestCompactPeerInfoRoundTrip(t *testing.T) {
	ip := net.ParseIP("203.0.113.9")
	encoded := EncodeCompactPeerInfo(ip, 51413)
	require.Len(t, encoded, 6)

	peer, err := DecodeCompactPeerInfo(encoded)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", peer.IP)
	require.EqualValues(t, 51413, peer.Port)
}
