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

// Package choker implements the periodic upload-slot assignment (C4):
// the rate-based leecher policy, optimistic unchoke rotation, and the
// three seed regimes translated from libtorrent's choker.cpp.
package choker

import "time"

// SeedRegime selects the policy used once a torrent is complete.
type SeedRegime int

const (
	RoundRobin SeedRegime = iota
	FastestUpload
	AntiLeech
)

// Config tunes the choker's cadence and rate-based slot computation.
type Config struct {
	UnchokeInterval time.Duration `yaml:"unchoke_interval"`

	// OptimisticRotationEvery is the number of intervals between
	// optimistic unchoke rotations.
	OptimisticRotationEvery int `yaml:"optimistic_rotation_every"`

	// NewPeerWeight multiplies a newly connected peer's odds of winning
	// the optimistic unchoke slot.
	NewPeerWeight int `yaml:"new_peer_weight"`

	// InitialThreshold is the starting rate (bytes/sec) the rate-based
	// slot computation requires of the Nth peer.
	InitialThreshold float64 `yaml:"initial_threshold"`

	// ThresholdStep is added to the threshold per additional slot.
	ThresholdStep float64 `yaml:"threshold_step"`

	// MinSlots and MaxSlots bound the rate-based slot computation.
	MinSlots int `yaml:"min_slots"`
	MaxSlots int `yaml:"max_slots"`

	SeedRegime SeedRegime `yaml:"seed_regime"`

	// SeedingPieceQuota sets the round_robin seed regime's
	// de-prioritization threshold: a peer whose UploadedSinceUnchoke
	// exceeds SeedingPieceQuota x 16 KiB is ordered after peers under it.
	// The count runs from the peer's last unchoke; it is not limited to a
	// one-minute window, and the torrent's piece length is not used.
	SeedingPieceQuota int `yaml:"seeding_piece_quota"`
}

func (c Config) applyDefaults() Config {
	if c.UnchokeInterval == 0 {
		c.UnchokeInterval = 10 * time.Second
	}
	if c.OptimisticRotationEvery == 0 {
		c.OptimisticRotationEvery = 3
	}
	if c.NewPeerWeight == 0 {
		c.NewPeerWeight = 3
	}
	if c.InitialThreshold == 0 {
		c.InitialThreshold = 2048
	}
	if c.ThresholdStep == 0 {
		c.ThresholdStep = 2048
	}
	if c.MinSlots == 0 {
		c.MinSlots = 1
	}
	if c.MaxSlots == 0 {
		c.MaxSlots = 100
	}
	if c.SeedingPieceQuota == 0 {
		c.SeedingPieceQuota = 50
	}
	return c
}
