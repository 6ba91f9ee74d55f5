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
	"math"
	"math/rand"
	"sort"

	"github.com/torrentengine/core/core"
)

// Choker runs the periodic upload-slot assignment across all peers of one
// torrent (or, for the session-wide optimistic rotation, across peers of
// every torrent the caller chooses to pool together).
type Choker struct {
	config Config
	rnd    *rand.Rand

	intervalCount int
}

// New returns a Choker with the given configuration.
func New(config Config) *Choker {
	return &Choker{
		config: config.applyDefaults(),
		rnd:    rand.New(rand.NewSource(1)),
	}
}

// Run computes the next interval's unchoke/choke decision. complete
// selects the seed regime; otherwise the leecher (rate-reciprocation)
// regime runs.
func (c *Choker) Run(peers []*PeerStats, complete bool) Decision {
	c.intervalCount++

	eligible := make([]*PeerStats, 0, len(peers))
	for _, p := range peers {
		if !p.UnderAdmissionControl {
			eligible = append(eligible, p)
		}
	}

	var regular []*PeerStats
	if complete {
		regular = c.seedRegime(eligible)
	} else {
		regular = c.leecherRegime(eligible)
	}

	unchokeSet := make(map[core.PeerID]bool, len(regular))
	for _, p := range regular {
		unchokeSet[p.PeerID] = true
	}

	var d Decision
	if !complete && c.intervalCount%c.config.OptimisticRotationEvery == 0 {
		if opt, ok := c.pickOptimistic(eligible, unchokeSet); ok {
			unchokeSet[opt] = true
			d.Optimistic = opt
			d.HasOptimistic = true
		}
	}

	for _, p := range peers {
		if unchokeSet[p.PeerID] {
			d.Unchoke = append(d.Unchoke, p.PeerID)
		} else {
			d.Choke = append(d.Choke, p.PeerID)
		}
	}
	return d
}

// rateBasedSlots implements libtorrent's unchoke_sort rate-based slot
// count: walk peers in descending rate, admitting a slot each time the
// next peer's rate still clears an ever-rising threshold.
func (c *Choker) rateBasedSlots(sorted []*PeerStats, rateOf func(*PeerStats) float64) int {
	threshold := c.config.InitialThreshold
	slots := 0
	for _, p := range sorted {
		if rateOf(p) < threshold {
			break
		}
		slots++
		threshold += c.config.ThresholdStep
	}
	if slots < c.config.MinSlots {
		slots = c.config.MinSlots
	}
	if slots > c.config.MaxSlots {
		slots = c.config.MaxSlots
	}
	if slots > len(sorted) {
		slots = len(sorted)
	}
	return slots
}

// leecherRegime selects the top-S peers by recent download rate
// (tit-for-tat reciprocation), where S is computed by the rate-based
// policy applied to peers' upload rate, per §4.4 and the reference
// engine's rate_based_choker (which sorts by upload_rate_compare to
// derive the slot count).
func (c *Choker) leecherRegime(peers []*PeerStats) []*PeerStats {
	interested := make([]*PeerStats, 0, len(peers))
	for _, p := range peers {
		if p.Interested {
			interested = append(interested, p)
		}
	}

	byUpload := append([]*PeerStats(nil), interested...)
	sort.SliceStable(byUpload, func(i, j int) bool {
		return compareByRateThenTieBreak(byUpload[i], byUpload[j], func(p *PeerStats) float64 {
			return p.UploadRate
		})
	})
	slots := c.rateBasedSlots(byUpload, func(p *PeerStats) float64 { return p.UploadRate })

	sort.SliceStable(interested, func(i, j int) bool {
		return compareByRateThenTieBreak(interested[i], interested[j], func(p *PeerStats) float64 {
			return p.DownloadRate
		})
	})
	if slots > len(interested) {
		slots = len(interested)
	}
	return interested[:slots]
}

// seedRegime dispatches to the configured seed policy, then applies the
// same rate-based slot count every policy shares, per the reference
// engine's upload_slots/slots being computed once and applied
// identically across round_robin/fastest_upload/anti_leech.
func (c *Choker) seedRegime(peers []*PeerStats) []*PeerStats {
	interested := make([]*PeerStats, 0, len(peers))
	for _, p := range peers {
		if p.Interested {
			interested = append(interested, p)
		}
	}

	byUpload := append([]*PeerStats(nil), interested...)
	sort.SliceStable(byUpload, func(i, j int) bool {
		return compareByRateThenTieBreak(byUpload[i], byUpload[j], func(p *PeerStats) float64 {
			return p.UploadRate
		})
	})
	slots := c.rateBasedSlots(byUpload, func(p *PeerStats) float64 { return p.UploadRate })

	switch c.config.SeedRegime {
	case FastestUpload:
		sort.SliceStable(interested, func(i, j int) bool {
			return compareByRateThenTieBreak(interested[i], interested[j], func(p *PeerStats) float64 {
				return p.UploadRate
			})
		})
	case AntiLeech:
		sort.SliceStable(interested, func(i, j int) bool {
			return compareByRateThenTieBreak(interested[i], interested[j], antiLeechScore)
		})
	default: // RoundRobin
		sort.SliceStable(interested, func(i, j int) bool {
			a, b := interested[i], interested[j]
			aOverQuota := a.UploadedSinceUnchoke > int64(c.config.SeedingPieceQuota)*16*1024
			bOverQuota := b.UploadedSinceUnchoke > int64(c.config.SeedingPieceQuota)*16*1024
			if aOverQuota != bOverQuota {
				return !aOverQuota
			}
			return tieBreak(a, b)
		})
	}

	if slots > len(interested) {
		slots = len(interested)
	}
	return interested[:slots]
}

// antiLeechScore implements §4.4's |have - total/2| * 2000 / total
// formula on the [0,1] HaveFraction, so peers nearly empty and peers
// nearly done both score high.
func antiLeechScore(p *PeerStats) float64 {
	return math.Abs(p.HaveFraction-0.5) * 2000
}

func compareByRateThenTieBreak(a, b *PeerStats, rateOf func(*PeerStats) float64) bool {
	ra, rb := rateOf(a), rateOf(b)
	if ra != rb {
		return ra > rb
	}
	return tieBreak(a, b)
}

// tieBreak orders by peer priority (higher first), then by older
// last-unchoke timestamp first, per §4.4.
func tieBreak(a, b *PeerStats) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.LastUnchoke.Before(b.LastUnchoke)
}

// pickOptimistic rotates the optimistic unchoke slot among choked,
// interested peers not already receiving a regular unchoke, weighting
// newly connected peers 3x (or Config.NewPeerWeight).
func (c *Choker) pickOptimistic(peers []*PeerStats, alreadyUnchoked map[core.PeerID]bool) (core.PeerID, bool) {
	var candidates []*PeerStats
	for _, p := range peers {
		if !p.Choked || !p.Interested || alreadyUnchoked[p.PeerID] {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return core.PeerID{}, false
	}

	weights := make([]int, len(candidates))
	total := 0
	for i, p := range candidates {
		w := 1
		if p.IsNew {
			w = c.config.NewPeerWeight
		}
		weights[i] = w
		total += w
	}

	pick := c.rnd.Intn(total)
	for i, w := range weights {
		if pick < w {
			return candidates[i].PeerID, true
		}
		pick -= w
	}
	return candidates[len(candidates)-1].PeerID, true
}
