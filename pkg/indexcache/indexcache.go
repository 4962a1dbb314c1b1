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

// Package indexcache implements the in-memory index cache: at most one
// concurrent fetch per image id, shared by every VPath that references
// it, with a weak reference held once fetched so an idle index can be
// garbage collected instead of pinned forever (spec.md §4.9), grounded
// on original_source/src/daemon/tracking/fetch_index.rs.
package indexcache

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
	"weak"

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/index"
	"github.com/tailhook/ciruela/pkg/peers"
	"github.com/tailhook/ciruela/pkg/vpath"
)

// RetryFor bounds how long a fetch will keep retrying before giving up
// entirely: "if there's no place to download the image it's safe to
// cancel it, as not much work has started" (original_source comment).
const RetryFor = 90 * time.Second

// RetryTimeout is how long Get waits for a new candidate peer to show up
// before re-polling.
const RetryTimeout = time.Second

// ErrDeadline is returned when no peer served the index within RetryFor.
var ErrDeadline = errors.New("indexcache: no peer served the index before the deadline")

// PeerFinder resolves a connected peer advertising the index bit for id,
// preferring ones not currently in backoff.
type PeerFinder interface {
	FindIndexPeer(path vpath.VPath, id hashid.ImageID, failures *peers.FailureTracker[string]) (addr string, ok bool)
}

// Fetcher performs the actual GetIndex request against addr.
type Fetcher interface {
	FetchIndex(ctx context.Context, addr string, id hashid.ImageID, hint vpath.VPath) ([]byte, error)
}

// Store persists and recalls indexes from the metadata store, consulted
// before any network fetch is attempted.
type Store interface {
	ReadIndex(id hashid.ImageID) (*index.Index, error)
	StoreIndex(id hashid.ImageID, raw []byte) error
}

type entry struct {
	weakPtr weak.Pointer[index.Index]
	pending *inProgress
}

// inProgress is one in-flight fetch, shared by every caller that asks
// for the same image id while it is running.
type inProgress struct {
	mu       sync.Mutex
	paths    []vpath.VPath
	wake     chan struct{}
	failures *peers.FailureTracker[string]

	done   chan struct{}
	result *index.Index
	err    error
}

func newInProgress(path vpath.VPath) *inProgress {
	return &inProgress{
		paths:    []vpath.VPath{path},
		wake:     make(chan struct{}),
		failures: peers.NewFailureTracker[string](),
		done:     make(chan struct{}),
	}
}

// addPath records an additional VPath interested in this fetch and wakes
// the fetch loop in case a new candidate host just became reachable
// through it.
func (p *inProgress) addPath(path vpath.VPath) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.paths {
		if existing == path {
			return
		}
	}
	p.paths = append(p.paths, path)
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *inProgress) randomPath() vpath.VPath {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paths[rand.Intn(len(p.paths))]
}

func (p *inProgress) waitChan() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wake
}

func (p *inProgress) finish(idx *index.Index, err error) {
	p.result = idx
	p.err = err
	close(p.done)
}

// Cache is the process-wide index cache.
type Cache struct {
	mu       sync.Mutex
	registry map[hashid.ImageID]*entry

	finder  PeerFinder
	fetcher Fetcher
	store   Store
}

// New returns an empty cache that resolves peers, fetches, and persists
// through the given collaborators.
func New(finder PeerFinder, fetcher Fetcher, store Store) *Cache {
	return &Cache{
		registry: make(map[hashid.ImageID]*entry),
		finder:   finder,
		fetcher:  fetcher,
		store:    store,
	}
}

// Get returns the index for id, blocking until it is available locally,
// read from the store, or fetched from a peer reachable via path. A
// second Get for the same id while a fetch is already running shares
// that fetch rather than starting a new one (spec.md §4.9: "identical
// concurrent requests for the same image id are coalesced").
func (c *Cache) Get(ctx context.Context, path vpath.VPath, id hashid.ImageID) (*index.Index, error) {
	c.mu.Lock()
	e, ok := c.registry[id]
	if ok {
		if e.pending != nil {
			pending := e.pending
			c.mu.Unlock()
			pending.addPath(path)
			return waitFor(ctx, pending)
		}
		if idx := e.weakPtr.Value(); idx != nil {
			c.mu.Unlock()
			return idx, nil
		}
		// weak pointer expired: fall through and refetch.
	}
	pending := newInProgress(path)
	c.registry[id] = &entry{pending: pending}
	c.mu.Unlock()

	go c.run(id, pending)
	return waitFor(ctx, pending)
}

func waitFor(ctx context.Context, p *inProgress) (*index.Index, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run drives one fetch to completion: try the metadata store first, then
// poll for a reachable peer and issue GetIndex, retrying on failure
// until RetryFor elapses.
func (c *Cache) run(id hashid.ImageID, pending *inProgress) {
	if c.store != nil {
		if idx, err := c.store.ReadIndex(id); err == nil {
			c.complete(id, pending, idx, nil)
			return
		}
	}

	deadline := time.Now().Add(RetryFor)
	for {
		if time.Now().After(deadline) {
			c.abandon(id)
			pending.finish(nil, ErrDeadline)
			return
		}

		path := pending.randomPath()
		addr, ok := c.finder.FindIndexPeer(path, id, pending.failures)
		if !ok {
			select {
			case <-pending.waitChan():
			case <-time.After(RetryTimeout):
			}
			continue
		}

		data, err := c.fetcher.FetchIndex(context.Background(), addr, id, path)
		if err != nil {
			pending.failures.AddFailure(addr)
			continue
		}
		var idx index.Index
		if err := index.Unmarshal(data, &idx); err != nil {
			pending.failures.AddFailure(addr)
			continue
		}
		if c.store != nil {
			c.store.StoreIndex(id, data)
		}
		c.complete(id, pending, &idx, nil)
		return
	}
}

func (c *Cache) complete(id hashid.ImageID, pending *inProgress, idx *index.Index, err error) {
	c.mu.Lock()
	c.registry[id] = &entry{weakPtr: weak.Make(idx)}
	c.mu.Unlock()
	pending.finish(idx, err)
}

func (c *Cache) abandon(id hashid.ImageID) {
	c.mu.Lock()
	delete(c.registry, id)
	c.mu.Unlock()
}

// Len reports how many image ids the registry currently tracks, counting
// in-progress entries and cached entries, including cached entries whose
// weakly held index has already been collected (used for the metrics
// gauges original_source keeps as INDEXES/FETCHING).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registry)
}
