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

package tracker

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/semaphore"
)

// TierConfig controls the ordered-tier announce strategy.
type TierConfig struct {
	// AnnounceToAllTiers disables the "stop at first tier with a
	// successful response" optimization.
	AnnounceToAllTiers bool `yaml:"announce_to_all_tiers"`

	// AnnounceToAllTrackers disables the "stop at first successful
	// tracker within a tier" optimization.
	AnnounceToAllTrackers bool `yaml:"announce_to_all_trackers"`

	// MaxConcurrentAnnounces bounds how many tracker announces within a
	// tier run in flight at once when AnnounceToAllTrackers is set; tiers
	// are announced one after another.
	MaxConcurrentAnnounces int64 `yaml:"max_concurrent_announces"`
}

func (c TierConfig) applyDefaults() TierConfig {
	if c.MaxConcurrentAnnounces == 0 {
		c.MaxConcurrentAnnounces = 4
	}
	return c
}

// TierList holds an ordered list of tracker tiers (each a list of
// announce URLs) and implements the BEP-12 multi-tracker shuffle and
// move-to-front rules.
type TierList struct {
	config  TierConfig
	tiers   [][]string
	clients map[string]Client
}

// NewTierList builds a TierList from the announce-list groups found in a
// torrent's metainfo, shuffling each tier once (per §4.5's "shuffled
// once per torrent" rule).
func NewTierList(config TierConfig, announceList [][]string, rnd *rand.Rand) *TierList {
	config = config.applyDefaults()
	tiers := make([][]string, len(announceList))
	for i, tier := range announceList {
		cp := append([]string(nil), tier...)
		rnd.Shuffle(len(cp), func(a, b int) { cp[a], cp[b] = cp[b], cp[a] })
		tiers[i] = cp
	}
	return &TierList{config: config, tiers: tiers, clients: make(map[string]Client)}
}

// Result pairs a tracker URL with the response or error it produced.
type Result struct {
	URL      string
	Response *AnnounceResponse
	Err      error
}

// Announce walks the tiers in order, stopping at the first tier that
// produces a successful response unless AnnounceToAllTiers is set.
// newClient builds (or reuses) the Client for a given URL.
func (tl *TierList) Announce(req AnnounceRequest, newClient func(url string) (Client, error)) []Result {
	var all []Result
	for _, tier := range tl.tiers {
		results := tl.announceTier(tier, req, newClient)
		all = append(all, results...)
		if !tl.config.AnnounceToAllTiers && tierSucceeded(results) {
			tl.promoteSuccessful(tier, results)
			break
		}
		tl.promoteSuccessful(tier, results)
	}
	return all
}

func (tl *TierList) announceTier(tier []string, req AnnounceRequest, newClient func(string) (Client, error)) []Result {
	if !tl.config.AnnounceToAllTrackers {
		for _, url := range tier {
			c, err := tl.clientFor(url, newClient)
			if err != nil {
				continue
			}
			resp, err := c.Announce(req)
			if err == nil {
				return []Result{{URL: url, Response: resp}}
			}
		}
		if len(tier) == 0 {
			return nil
		}
		c, err := tl.clientFor(tier[0], newClient)
		if err != nil {
			return []Result{{URL: tier[0], Err: err}}
		}
		resp, err := c.Announce(req)
		return []Result{{URL: tier[0], Response: resp, Err: err}}
	}

	sem := semaphore.NewWeighted(tl.config.MaxConcurrentAnnounces)
	results := make([]Result, len(tier))
	ctx := context.Background()
	done := make(chan struct{}, len(tier))
	for i, url := range tier {
		i, url := i, url
		sem.Acquire(ctx, 1)
		go func() {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()
			c, err := tl.clientFor(url, newClient)
			if err != nil {
				results[i] = Result{URL: url, Err: err}
				return
			}
			resp, err := c.Announce(req)
			results[i] = Result{URL: url, Response: resp, Err: err}
		}()
	}
	for range tier {
		<-done
	}
	return results
}

func (tl *TierList) clientFor(url string, newClient func(string) (Client, error)) (Client, error) {
	if c, ok := tl.clients[url]; ok {
		return c, nil
	}
	c, err := newClient(url)
	if err != nil {
		return nil, fmt.Errorf("build client for %s: %s", url, err)
	}
	tl.clients[url] = c
	return c, nil
}

func tierSucceeded(results []Result) bool {
	for _, r := range results {
		if r.Err == nil {
			return true
		}
	}
	return false
}

// promoteSuccessful moves the first successful tracker in a tier to the
// front, per §4.5's "on success, the successful tracker is moved to the
// front" rule.
func (tl *TierList) promoteSuccessful(tier []string, results []Result) {
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		idx := -1
		for i, u := range tier {
			if u == r.URL {
				idx = i
				break
			}
		}
		if idx > 0 {
			copy(tier[1:idx+1], tier[0:idx])
			tier[0] = r.URL
		}
		return
	}
}
