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

import "fmt"

// PeerInfo is an endpoint returned by a tracker or DHT lookup: enough
// information to dial a peer, plus whatever identity it already announced.
type PeerInfo struct {
	PeerID PeerID
	IP     string
	Port   uint16
}

// Addr renders the dialable "ip:port" form of p.
func (p PeerInfo) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// NodeInfo is a DHT routing table entry: an id paired with its UDP endpoint.
type NodeInfo struct {
	ID   NodeID
	IP   string
	Port uint16
}

// Addr renders the dialable "ip:port" form of n.
func (n NodeInfo) Addr() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}
