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

// Package dht implements a Kademlia node (C6): the k-bucket routing
// table, the RPC manager with observer-based timeout handling, and the
// generic traversal algorithm behind find_node/get_peers/announce_peer/
// put_item/get_item/sample_infohashes.
package dht

import "time"

const (
	// K is the bucket size (Kademlia's k).
	K = 8

	// KeyspaceBits is the keyspace width in bits (sha1/160-bit node ids).
	KeyspaceBits = 160

	// MaxResultSetSize caps a traversal's sorted candidate list.
	MaxResultSetSize = 100
)

// Config tunes RPC timeouts, traversal branch factor, and spoof
// resistance.
type Config struct {
	// ShortTimeout triggers a branch-factor bump so new candidates can
	// be tried while a late reply is still accepted.
	ShortTimeout time.Duration `yaml:"short_timeout"`

	// HardTimeout marks an observer failed and notifies the traversal.
	HardTimeout time.Duration `yaml:"hard_timeout"`

	// BranchFactor is the default number of outstanding queries a
	// traversal keeps in flight.
	BranchFactor int `yaml:"branch_factor"`

	// Aggressive is not read by Traversal: every traversal keeps at most
	// BranchFactor queries outstanding in total (plus those past their
	// short timeout), and no top-of-list mode exists.
	Aggressive bool `yaml:"aggressive"`

	// RestrictSearchIPs rejects new result-set entries that share the
	// high CIDR bits (/4 v4, /64 v6) with an existing entry.
	RestrictSearchIPs bool `yaml:"restrict_search_ips"`

	// EnforceNodeID is not read by RPCManager: replies are matched by
	// transaction id and source endpoint only, and no BEP-42
	// id-derivation check is made.
	EnforceNodeID bool `yaml:"enforce_node_id"`

	// BucketRefreshInterval is how long a bucket may go without
	// activity before it needs a refresh lookup.
	BucketRefreshInterval time.Duration `yaml:"bucket_refresh_interval"`

	// BootstrapNodes seeds a traversal when the routing table holds
	// fewer than MinRoutingTableNodes candidates.
	BootstrapNodes []string `yaml:"bootstrap_nodes"`
}

// MinRoutingTableNodes is the floor below which a traversal injects
// bootstrap nodes (flagged `initial`) before it can make progress.
const MinRoutingTableNodes = 3

func (c Config) applyDefaults() Config {
	if c.ShortTimeout == 0 {
		c.ShortTimeout = time.Second
	}
	if c.HardTimeout == 0 {
		c.HardTimeout = 15 * time.Second
	}
	if c.BranchFactor == 0 {
		c.BranchFactor = 3
	}
	if c.BucketRefreshInterval == 0 {
		c.BucketRefreshInterval = 15 * time.Minute
	}
	return c
}
