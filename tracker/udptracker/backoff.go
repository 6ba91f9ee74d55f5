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

package udptracker

import (
	"time"

	"github.com/cenkalti/backoff"
)

// fixedSequenceBackOff implements backoff.BackOff with BEP-15's exact
// retry schedule: timeout after attempt n is base*2^n, up to maxRetries
// attempts, rather than cenkalti/backoff's default 1.5x jittered growth.
type fixedSequenceBackOff struct {
	base       time.Duration
	maxRetries int
	attempt    int
}

func newFixedSequenceBackOff(base time.Duration, maxRetries int) *fixedSequenceBackOff {
	return &fixedSequenceBackOff{base: base, maxRetries: maxRetries}
}

func (b *fixedSequenceBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.maxRetries {
		return backoff.Stop
	}
	d := b.base * (1 << uint(b.attempt))
	b.attempt++
	return d
}

func (b *fixedSequenceBackOff) Reset() {
	b.attempt = 0
}

var _ backoff.BackOff = (*fixedSequenceBackOff)(nil)
