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

// Package portmap declares the narrow collaborator interface the core
// consumes for external port mapping. UPnP/NAT-PMP implementations are
// explicitly out of scope.
package portmap

// Protocol identifies the transport a mapping request is for.
type Protocol int

const (
	// TCP maps the peer wire listen port.
	TCP Protocol = iota
	// UDP maps the DHT / UDP tracker listen port.
	UDP
)

// Handle identifies an active mapping so it can later be released.
type Handle interface{}

// Mapper requests and releases external port mappings on behalf of the
// session's listen sockets.
type Mapper interface {
	Map(port int, proto Protocol) (externalPort int, handle Handle, err error)
	Unmap(handle Handle) error
}
