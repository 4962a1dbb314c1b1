/*
Copyright 2026 The Ciruela Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package peers

import (
	"sync"
	"time"
)

// failure records a key's retry backoff state: how many consecutive
// failures in a row, and when the last one happened.
type failure struct {
	subsequent uint32
	last       time.Time
}

// Policy decides whether a key with the given failure history may be
// retried now.
type Policy interface {
	CanTry(f failure, now time.Time) bool
}

// LinearPolicy implements "now - last >= unit * subsequent" — the default
// connection-manager policy (unit=1s) and the "slow" policy (unit=10s)
// from spec.md §4.5 and §5.
type LinearPolicy struct {
	Unit time.Duration
}

func (p LinearPolicy) CanTry(f failure, now time.Time) bool {
	if f.subsequent == 0 {
		return true
	}
	return now.Sub(f.last) >= p.Unit*time.Duration(f.subsequent)
}

// FailureTracker tracks reachability backoff per key (typically a peer
// address), grounded on original_source/src/daemon/failure_tracker.rs.
type FailureTracker[K comparable] struct {
	mu     sync.Mutex
	items  map[K]failure
	policy Policy
}

// NewFailureTracker returns a tracker using the default 1-second linear
// policy (spec.md §4.5: "failure records suppress retries for 1 s ×
// subsequent_failures").
func NewFailureTracker[K comparable]() *FailureTracker[K] {
	return NewFailureTrackerWithPolicy[K](LinearPolicy{Unit: time.Second})
}

// NewSlowFailureTracker returns a tracker using the 10-second "slow"
// policy (spec.md §4.5: "slow policy: 10 s ×").
func NewSlowFailureTracker[K comparable]() *FailureTracker[K] {
	return NewFailureTrackerWithPolicy[K](LinearPolicy{Unit: 10 * time.Second})
}

func NewFailureTrackerWithPolicy[K comparable](p Policy) *FailureTracker[K] {
	return &FailureTracker[K]{items: make(map[K]failure), policy: p}
}

// AddFailure records a failure for key, incrementing its subsequent count.
func (t *FailureTracker[K]) AddFailure(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.items[key]
	f.subsequent++
	f.last = time.Now()
	t.items[key] = f
}

// Reset clears key's failure history, e.g. on a successful handshake or
// request (spec.md §4.10: "Reset on any successful handshake or request").
func (t *FailureTracker[K]) Reset(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, key)
}

// CanTry reports whether key may be retried now.
func (t *FailureTracker[K]) CanTry(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.items[key]
	if !ok {
		return true
	}
	return t.policy.CanTry(f, time.Now())
}
