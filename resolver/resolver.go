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

// Package resolver declares the narrow collaborator interface the core
// consumes for DNS resolution of tracker hostnames.
package resolver

// Family selects the address family DNS resolution should prefer, matching
// the local listener's address family.
type Family int

const (
	// IPv4 resolves A records.
	IPv4 Family = iota
	// IPv6 resolves AAAA records.
	IPv6
)

// Resolver resolves a tracker hostname into dialable IP addresses.
type Resolver interface {
	Resolve(name string, family Family) ([]string, error)
}
