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

package choker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/torrentengine/core/core"
)

func mustPeerID(t *testing.T) core.PeerID {
	id, err := core.RandomPeerID()
	require.NoError(t, err)
	return id
}

func TestLeecherRegimeUnchokesHighestRatePeersWithinSlotBudget(t *testing.T) {
	require := require.New(t)

	c := New(Config{InitialThreshold: 1000, ThresholdStep: 1000, MaxSlots: 100})
	peers := []*PeerStats{
		{PeerID: mustPeerID(t), Interested: true, Choked: true, DownloadRate: 5000, UploadRate: 5000},
		{PeerID: mustPeerID(t), Interested: true, Choked: true, DownloadRate: 3000, UploadRate: 3000},
		{PeerID: mustPeerID(t), Interested: true, Choked: true, DownloadRate: 500, UploadRate: 500},
	}

	d := c.Run(peers, false)
	require.Len(d.Unchoke, 2)
	require.Contains(d.Unchoke, peers[0].PeerID)
	require.Contains(d.Unchoke, peers[1].PeerID)
}

func TestLeecherRegimeExcludesUninterestedAndAdmissionControlled(t *testing.T) {
	require := require.New(t)

	c := New(Config{InitialThreshold: 100, ThresholdStep: 100, MaxSlots: 100})
	peers := []*PeerStats{
		{PeerID: mustPeerID(t), Interested: false, DownloadRate: 9000},
		{PeerID: mustPeerID(t), Interested: true, DownloadRate: 9000, UnderAdmissionControl: true},
		{PeerID: mustPeerID(t), Interested: true, DownloadRate: 500},
	}

	d := c.Run(peers, false)
	require.Contains(d.Unchoke, peers[2].PeerID)
	require.NotContains(d.Unchoke, peers[0].PeerID)
	require.NotContains(d.Unchoke, peers[1].PeerID)
}

func TestOptimisticRotationGivesEveryPeerATurn(t *testing.T) {
	require := require.New(t)

	c := New(Config{
		InitialThreshold:        1 << 30, // nobody clears the leecher threshold
		ThresholdStep:           1 << 30,
		MaxSlots:                4,
		OptimisticRotationEvery: 1,
		NewPeerWeight:           1,
	})

	const numPeers = 10
	peers := make([]*PeerStats, numPeers)
	for i := range peers {
		peers[i] = &PeerStats{
			PeerID:     mustPeerID(t),
			Interested: true,
			Choked:     true,
		}
	}

	seen := make(map[core.PeerID]bool, numPeers)
	for i := 0; i < 30; i++ {
		d := c.Run(peers, false)
		require.True(d.HasOptimistic)
		seen[d.Optimistic] = true
	}

	for _, p := range peers {
		require.True(seen[p.PeerID], "peer %x never received an optimistic unchoke", p.PeerID)
	}
}

func TestSeedRegimeRoundRobinDeprioritizesOverQuotaPeers(t *testing.T) {
	require := require.New(t)

	c := New(Config{SeedRegime: RoundRobin, MinSlots: 1, SeedingPieceQuota: 1})
	underQuota := &PeerStats{PeerID: mustPeerID(t), Interested: true, UploadedSinceUnchoke: 0}
	overQuota := &PeerStats{PeerID: mustPeerID(t), Interested: true, UploadedSinceUnchoke: 1 << 20}

	d := c.Run([]*PeerStats{overQuota, underQuota}, true)
	require.Equal([]core.PeerID{underQuota.PeerID}, d.Unchoke)
}

func TestSeedRegimeFastestUploadRanksByUploadRate(t *testing.T) {
	require := require.New(t)

	c := New(Config{SeedRegime: FastestUpload, MinSlots: 1})
	slow := &PeerStats{PeerID: mustPeerID(t), Interested: true, UploadRate: 100}
	fast := &PeerStats{PeerID: mustPeerID(t), Interested: true, UploadRate: 9000}

	d := c.Run([]*PeerStats{slow, fast}, true)
	require.Equal([]core.PeerID{fast.PeerID}, d.Unchoke)
}

func TestSeedRegimeAntiLeechPrefersExtremeHaveFractions(t *testing.T) {
	require := require.New(t)

	c := New(Config{SeedRegime: AntiLeech, MinSlots: 1})
	middling := &PeerStats{PeerID: mustPeerID(t), Interested: true, HaveFraction: 0.5}
	nearlyDone := &PeerStats{PeerID: mustPeerID(t), Interested: true, HaveFraction: 0.98}

	d := c.Run([]*PeerStats{middling, nearlyDone}, true)
	require.Equal([]core.PeerID{nearlyDone.PeerID}, d.Unchoke)
}

func TestTieBreakPrefersHigherPriorityThenOlderLastUnchoke(t *testing.T) {
	require := require.New(t)

	now := time.Now()
	a := &PeerStats{Priority: 1, LastUnchoke: now}
	b := &PeerStats{Priority: 1, LastUnchoke: now.Add(-time.Hour)}
	c := &PeerStats{Priority: 5, LastUnchoke: now}

	require.True(tieBreak(b, a), "older last-unchoke wins among equal priority")
	require.True(tieBreak(c, a), "higher priority wins regardless of last-unchoke")
}
