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

package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnexpectedTermination is delivered to a waiter whose request's
// deadline expired before a response arrived (spec.md §4.5: "on timeout
// the slot is removed and the waiter signaled with
// UnexpectedTermination").
var ErrUnexpectedTermination = errors.New("wire: " + TagUnexpectedTermination)

// result is what a pending slot resolves to: either a decoded payload
// or one of the fixed error tags.
type result struct {
	frame *Frame
	err   error
}

type slot struct {
	ch chan result
}

// Registry correlates outbound requests with their eventual responses
// by a monotonically allocated request id, one per connection (spec.md
// §4.5).
type Registry struct {
	nextID  uint64
	mu      sync.Mutex
	pending map[uint64]*slot
}

// NewRegistry returns an empty request registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[uint64]*slot)}
}

// NewRequestID allocates the next request id for this connection.
func (r *Registry) NewRequestID() uint64 {
	return atomic.AddUint64(&r.nextID, 1)
}

// Await registers reqID as awaiting a reply and blocks until the reply
// arrives, ctx is canceled, or timeout elapses, returning the reply frame
// or the error that ended the wait.
func (r *Registry) Await(ctx context.Context, reqID uint64, timeout time.Duration) (*Frame, error) {
	s := &slot{ch: make(chan result, 1)}
	r.mu.Lock()
	r.pending[reqID] = s
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-s.ch:
		return res.frame, res.err
	case <-timer.C:
		r.remove(reqID)
		return nil, ErrUnexpectedTermination
	case <-ctx.Done():
		r.remove(reqID)
		return nil, ctx.Err()
	}
}

func (r *Registry) remove(reqID uint64) {
	r.mu.Lock()
	delete(r.pending, reqID)
	r.mu.Unlock()
}

// Resolve delivers an incoming response frame to the waiter registered
// for its ReqID. It reports false if there was no such waiter (an
// unsolicited reply, logged and dropped by the caller).
func (r *Registry) Resolve(f *Frame) bool {
	r.mu.Lock()
	s, ok := r.pending[f.ReqID]
	if ok {
		delete(r.pending, f.ReqID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if f.IsError() {
		s.ch <- result{err: fmt.Errorf("wire: remote error: %s", f.ErrorTag)}
	} else {
		s.ch <- result{frame: f}
	}
	return true
}

// FailAll signals every currently pending request with
// ErrUnexpectedTermination — used when the underlying connection drops
// (spec.md §4.5 invariant: a lost connection must not hang waiters).
func (r *Registry) FailAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]*slot)
	r.mu.Unlock()
	for _, s := range pending {
		s.ch <- result{err: ErrUnexpectedTermination}
	}
}
