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

package piecepicker

// Priority is the 8-level priority a piece can be assigned. Filtered
// removes a piece from selection entirely; the remaining seven levels
// order pieces within a bucket walk, highest first.
type Priority int

const (
	PriorityFiltered Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityHigher
	Priority4
	Priority5
	Priority6
	PriorityMax
)

// effectivePriority computes the bucket a piece belongs in, given its
// priority level and its availability clamped to the sequential threshold.
// Buckets are walked lowest-to-highest by pick, so a lower return value
// means higher selection priority. Normal pieces bucket purely by rarity
// (2k); High sits one bucket ahead of Normal (2k-1, at least 1); the remaining
// levels compress progressively toward bucket 1 as priority approaches
// Max, matching §4.2's "successively lower bucket numbers down to 1".
func effectivePriority(level Priority, availability, seqThreshold int) int {
	k := availability
	if k > seqThreshold {
		k = seqThreshold
	}
	if k < 0 {
		k = 0
	}

	switch level {
	case PriorityNormal:
		return 2 * k
	case PriorityHigh:
		v := 2*k - 1
		if v < 1 {
			v = 1
		}
		return v
	default:
		// PriorityHigher through PriorityMax: linearly compress toward 1
		// as level increases.
		steps := int(PriorityMax - PriorityHigher)
		above := int(level - PriorityHigher)
		v := k - above
		if steps > 0 {
			// Guarantee PriorityMax always resolves to bucket 1 regardless
			// of availability.
			if level == PriorityMax {
				v = 1
			}
		}
		if v < 1 {
			v = 1
		}
		return v
	}
}
