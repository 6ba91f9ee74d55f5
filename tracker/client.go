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
	"fmt"
	"strings"

	"github.com/andres-erbsen/clock"
	"github.com/torrentengine/core/tracker/httptracker"
	"github.com/torrentengine/core/tracker/udptracker"
)

// ClientConfig bundles the per-protocol configs used to build a Client
// for a given announce URL.
type ClientConfig struct {
	HTTP httptracker.Config `yaml:"http"`
	UDP  udptracker.Config  `yaml:"udp"`
}

// NewClient builds a Client for announceURL, selecting the HTTP or UDP
// implementation by URL scheme.
func NewClient(config ClientConfig, clk clock.Clock, announceURL string) (Client, error) {
	switch {
	case strings.HasPrefix(announceURL, "http://"), strings.HasPrefix(announceURL, "https://"):
		return httptracker.New(config.HTTP, announceURL), nil
	case strings.HasPrefix(announceURL, "udp://"):
		return udptracker.New(config.UDP, clk, announceURL)
	default:
		return nil, fmt.Errorf("unsupported tracker scheme: %s", announceURL)
	}
}
