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
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/torrentengine/core/core"
)

func newTestSession(t *testing.T) (*Session, *clock.Mock) {
	fc := clock.NewMock()
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	s := NewSession(Config{}, fc, peerID, Outbound, 13)
	return s, fc
}

func TestInitialStateIsChokedAndNotInterested(t *testing.T) {
	s, _ := newTestSession(t)
	require.True(t, s.WeChokedThem)
	require.True(t, s.TheyChokedUs)
	require.False(t, s.WeInterested)
	require.False(t, s.TheyInterested)
}

func TestHandshakeThenBitfieldThenHaveLeavesBitSet(t *testing.T) {
	require := require.New(t)

	s, _ := newTestSession(t)
	bf := make([]byte, 2)
	require.NoError(s.HandleBitfield(bf, 13))
	require.True(s.HandleHave(5))
	require.True(s.TheirBitfield.Has(5))
}

func TestBitfieldRejectedAfterOtherMessage(t *testing.T) {
	s, _ := newTestSession(t)
	s.HandleInterested()
	err := s.HandleBitfield(make([]byte, 2), 13)
	require.ErrorIs(t, err, ErrBitfieldAlreadySet)
}

func TestHandleRequestRejectedWhenWeChokeThem(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.HandleRequest(RequestPayload{Piece: 0, Offset: 0, Length: 16384})
	require.ErrorIs(t, err, ErrAlreadyChoked)
}

func TestHandleRequestEnqueuesWhenUnchoked(t *testing.T) {
	require := require.New(t)

	s, _ := newTestSession(t)
	s.WeChokedThem = false
	require.NoError(s.HandleRequest(RequestPayload{Piece: 0, Offset: 0, Length: 16384}))
	require.Len(s.TheirRequests(), 1)
}

func TestHandleRequestRejectsOversizedLength(t *testing.T) {
	s, _ := newTestSession(t)
	s.WeChokedThem = false
	err := s.HandleRequest(RequestPayload{Piece: 0, Offset: 0, Length: 1 << 20})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestCancelRemovesMatchingServeEntry(t *testing.T) {
	require := require.New(t)

	s, _ := newTestSession(t)
	s.WeChokedThem = false
	req := RequestPayload{Piece: 1, Offset: 0, Length: 16384}
	require.NoError(s.HandleRequest(req))
	s.HandleCancel(req)
	require.Empty(s.TheirRequests())
}

func TestDropServeQueueOnChoke(t *testing.T) {
	require := require.New(t)

	s, _ := newTestSession(t)
	s.WeChokedThem = false
	require.NoError(s.HandleRequest(RequestPayload{Piece: 1, Offset: 0, Length: 16384}))
	s.DropServeQueue()
	require.Empty(s.TheirRequests())
}

func TestExpireRequestsSnubsAfterThreshold(t *testing.T) {
	require := require.New(t)

	fc := clock.NewMock()
	peerID, _ := core.RandomPeerID()
	s := NewSession(Config{SnubThreshold: 2, MinRequestTimeout: time.Second}, fc, peerID, Outbound, 1)

	blk := core.PieceBlock{Piece: 0, Offset: 0, Length: 16384}
	for i := 0; i < 2; i++ {
		s.QueueOutstandingRequest(blk)
		fc.Add(5 * time.Second)
		expired := s.ExpireRequests()
		require.Len(expired, 1)
	}
	require.True(s.Snubbed())
}

func TestReceiveBlockClearsOutstandingRequest(t *testing.T) {
	require := require.New(t)

	s, fc := newTestSession(t)
	blk := core.PieceBlock{Piece: 0, Offset: 0, Length: 16384}
	s.QueueOutstandingRequest(blk)
	fc.Add(100 * time.Millisecond)
	require.True(s.ReceiveBlock(blk))
	require.Equal(0, s.OutstandingCount())
}

func TestTrustPointsBanThreshold(t *testing.T) {
	s, _ := newTestSession(t)
	for i := 0; i < 5; i++ {
		s.OnHashFailure()
	}
	require.True(t, s.Banned())
}

func TestReceiveTimeoutFiresAfterConfiguredWindow(t *testing.T) {
	require := require.New(t)

	fc := clock.NewMock()
	peerID, _ := core.RandomPeerID()
	s := NewSession(Config{ReceiveTimeout: 10 * time.Second}, fc, peerID, Inbound, 1)

	require.False(s.TimedOutReceive())
	fc.Add(11 * time.Second)
	require.True(s.TimedOutReceive())
}

func TestAnnounceQueueFlush(t *testing.T) {
	require := require.New(t)

	s, _ := newTestSession(t)
	s.QueueHave(1)
	s.QueueHave(2)
	require.Equal([]int{1, 2}, s.FlushAnnounceQueue())
	require.Empty(s.FlushAnnounceQueue())
}
