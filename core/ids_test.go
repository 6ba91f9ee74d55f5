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

package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfoHashHexRoundTrip(t *testing.T) {
	require := require.New(t)

	h1, err := RandomNodeID()
	require.NoError(err)

	h2, err := NewInfoHashFromHex(h1.Hex())
	require.NoError(err)
	require.Equal(h1.Bytes(), h2.Bytes())
}

func TestInfoHashFromBytesRejectsWrongLength(t *testing.T) {
	_, err := NewInfoHashFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestPeerIDLessThanIsTotalOrder(t *testing.T) {
	require := require.New(t)

	a := PeerID{0, 0, 1}
	b := PeerID{0, 0, 2}

	require.True(a.LessThan(b))
	require.False(b.LessThan(a))
	require.False(a.LessThan(a))
}

func TestNodeIDDistanceIsSymmetric(t *testing.T) {
	require := require.New(t)

	a, err := RandomNodeID()
	require.NoError(err)
	b, err := RandomNodeID()
	require.NoError(err)

	require.Equal(a.Distance(b), b.Distance(a))
}

func TestNodeIDLeadingZeros(t *testing.T) {
	tests := []struct {
		name string
		id   NodeID
		want int
	}{
		{"all zero", NodeID{}, 160},
		{"msb set", NodeID{0x80}, 0},
		{"first byte zero", NodeID{0x00, 0x01}, 15},
		{"one bit in second nibble", NodeID{0x08}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.id.LeadingZeros())
		})
	}
}

func TestNodeIDLessOrdersByMagnitude(t *testing.T) {
	require := require.New(t)

	a := NodeID{0, 1}
	b := NodeID{0, 2}
	require.True(a.Less(b))
	require.False(b.Less(a))
}
