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

package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	orig := EncodeRequest(Request, RequestPayload{Piece: 3, Offset: 16384, Length: 16384})
	require.NoError(WriteMessage(&buf, orig))

	decoded, err := ReadMessage(&buf, 1<<20)
	require.NoError(err)
	require.Equal(Request, decoded.ID)

	payload, err := DecodeRequest(decoded)
	require.NoError(err)
	require.Equal(RequestPayload{Piece: 3, Offset: 16384, Length: 16384}, payload)
}

func TestKeepAliveRoundTrip(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteMessage(&buf, &Message{IsKeepAlive: true}))

	decoded, err := ReadMessage(&buf, 1<<20)
	require.NoError(err)
	require.True(decoded.IsKeepAlive)
}

func TestReadMessageRejectsOversizedPacket(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	m := EncodePiece(PiecePayload{Piece: 0, Offset: 0, Block: make([]byte, 100)})
	require.NoError(WriteMessage(&buf, m))

	_, err := ReadMessage(&buf, 50)
	require.ErrorIs(err, ErrProtocol)
}

func TestPiecePayloadRoundTrip(t *testing.T) {
	require := require.New(t)

	block := []byte("hello world")
	m := EncodePiece(PiecePayload{Piece: 7, Offset: 1024, Block: block})
	p, err := DecodePiece(m)
	require.NoError(err)
	require.Equal(uint32(7), p.Piece)
	require.Equal(uint32(1024), p.Offset)
	require.Equal(block, p.Block)
}

func TestHaveRoundTrip(t *testing.T) {
	require := require.New(t)

	m := EncodeHave(42)
	piece, err := DecodeHave(m)
	require.NoError(err)
	require.EqualValues(42, piece)
}
