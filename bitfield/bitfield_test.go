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

package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetHasClear(t *testing.T) {
	require := require.New(t)

	bf := New(10)
	require.False(bf.Has(3))
	bf.Set(3)
	require.True(bf.Has(3))
	bf.Clear(3)
	require.False(bf.Has(3))
}

func TestWireRoundTrip(t *testing.T) {
	require := require.New(t)

	bf := New(13)
	for _, i := range []int{0, 1, 5, 12} {
		bf.Set(i)
	}
	wire := bf.ToWire()
	require.Len(wire, 2)

	decoded, err := FromWire(wire, 13)
	require.NoError(err)
	for i := 0; i < 13; i++ {
		require.Equal(bf.Has(i), decoded.Has(i), "piece %d", i)
	}
}

func TestFromWireRejectsWrongLength(t *testing.T) {
	_, err := FromWire([]byte{0, 0, 0}, 13)
	require.Error(t, err)
}

func TestFromWireRejectsPaddingBits(t *testing.T) {
	// 13 pieces -> 2 bytes, bits 13..15 are padding.
	_, err := FromWire([]byte{0x00, 1 << 5}, 13)
	require.Error(t, err)
}

func TestCompleteAndCount(t *testing.T) {
	require := require.New(t)

	bf := New(3)
	require.False(bf.Complete())
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	require.True(bf.Complete())
	require.Equal(3, bf.Count())
}

func TestIntersectionCount(t *testing.T) {
	require := require.New(t)

	a := New(5)
	a.Set(0)
	a.Set(1)
	a.Set(2)

	b := New(5)
	b.Set(1)
	b.Set(2)
	b.Set(3)

	require.Equal(2, a.IntersectionCount(b))
}
