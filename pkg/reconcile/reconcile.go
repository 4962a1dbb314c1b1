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

// Package reconcile implements the reconciliation engine: given a
// (VPath, remote summary hash) pair learned from gossip or a peer push,
// it fetches the peer's view of that directory, verifies it against the
// claimed hash, and diffs it against local state to discover missing or
// stale entries (spec.md §4.7), grounded on
// original_source/src/daemon/tracking/reconciliation.rs.
package reconcile

import (
	"context"
	"log"
	"net"
	"sync"

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/peers"
	"github.com/tailhook/ciruela/pkg/state"
	"github.com/tailhook/ciruela/pkg/vpath"
	"github.com/tailhook/ciruela/pkg/wire"
)

// Transport fetches a peer's view of a base directory.
type Transport interface {
	GetBaseDir(ctx context.Context, addr string, path vpath.VPath) (*wire.GetBaseDirResponse, error)
}

// LocalScanner exposes this node's own committed state for a directory,
// for diffing against a peer's.
type LocalScanner interface {
	ScanDir(path vpath.VPath) (map[string]state.State, error)
}

// Downloader receives directory entries this node is missing or behind
// on, to be fetched exactly as a client-initiated upload would be
// (spec.md §4.7 step 4: "fed into the Upload Coordinator exactly as
// client-initiated ones, with source peer pre-populated").
type Downloader interface {
	ScheduleFromPeer(path vpath.VPath, remote state.State, sourceAddr string)
}

// candidateKey identifies one in-progress reconciliation run.
type candidateKey struct {
	path string
	hash hashid.Hash
}

type candidate struct {
	addr string
	id   hashid.MachineID
}

// Engine drives reconciliation runs, grounded on the Rust source's
// `state.reconciling: HashMap<(VPath, Hash), HashSet<(addr, mid)>>`.
type Engine struct {
	registry   *peers.Registry
	transport  Transport
	local      LocalScanner
	downloader Downloader
	logger     *log.Logger

	mu          sync.Mutex
	reconciling map[candidateKey]map[candidate]bool
}

// New returns a reconciliation Engine.
func New(registry *peers.Registry, transport Transport, local LocalScanner, downloader Downloader) *Engine {
	return &Engine{
		registry:    registry,
		transport:   transport,
		local:       local,
		downloader:  downloader,
		logger:      log.New(log.Writer(), "reconcile: ", log.LstdFlags),
		reconciling: make(map[candidateKey]map[candidate]bool),
	}
}

// Reconcile is the engine's entry point (spec.md §4.7: "reconcile(path,
// remote_hash, initial_peer)"). It runs asynchronously; callers do not
// block on convergence.
func (e *Engine) Reconcile(path vpath.VPath, remoteHash hashid.Hash, source net.Addr, sourceMachine hashid.MachineID) {
	go e.run(context.Background(), path, remoteHash, candidate{addr: source.String(), id: sourceMachine})
}

func (e *Engine) run(ctx context.Context, path vpath.VPath, remoteHash hashid.Hash, initial candidate) {
	key := candidateKey{path: path.String(), hash: remoteHash}
	e.seedCandidates(key, path, initial)

	cur := initial
	for {
		resp, err := e.transport.GetBaseDir(ctx, cur.addr, path)
		if err == nil {
			summary := state.BaseDirState{
				Path:         path.Key(),
				ConfigHash:   resp.ConfigHash,
				KeepListHash: resp.KeepListHash,
				Dirs:         resp.Dirs,
			}
			hash, hashErr := summary.Hash()
			if hashErr == nil && hash == remoteHash {
				e.clearCandidates(key)
				e.diff(path, resp.Dirs, cur.addr)
				return
			}
		} else {
			e.logger.Printf("error fetching %s from %s: %v", remoteHash, cur.addr, err)
		}

		next, ok := e.removeAndPickNext(key, cur)
		if !ok {
			// All known hosts have presumably already converged past
			// this hash; nothing more to do.
			return
		}
		cur = next
	}
}

func (e *Engine) seedCandidates(key candidateKey, path vpath.VPath, initial candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.reconciling[key]
	if !ok {
		set = make(map[candidate]bool)
		e.reconciling[key] = set
	}
	set[initial] = true
	for _, id := range e.registry.DirCandidates(path.Key()) {
		p, ok := e.registry.Get(id)
		if !ok || p.PrimaryAddr == nil {
			continue
		}
		set[candidate{addr: p.PrimaryAddr.String(), id: id}] = true
	}
}

func (e *Engine) removeAndPickNext(key candidateKey, failed candidate) (candidate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.reconciling[key]
	if !ok {
		return candidate{}, false
	}
	delete(set, failed)
	for c := range set {
		delete(set, c)
		return c, true
	}
	delete(e.reconciling, key)
	return candidate{}, false
}

func (e *Engine) clearCandidates(key candidateKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reconciling, key)
}

// diff compares the peer's directory view against the local one and
// schedules downloads for every entry the peer has that is newer than
// what we have (spec.md §4.7 step 3).
func (e *Engine) diff(path vpath.VPath, remote map[string]state.State, sourceAddr string) {
	local, err := e.local.ScanDir(path)
	if err != nil {
		e.logger.Printf("scanning local state for %s: %v", path, err)
		return
	}
	for name, remoteState := range remote {
		localState, haveLocal := local[name]
		if !haveLocal {
			if len(remoteState.Signatures) > 0 {
				e.scheduleEntry(path, name, remoteState, sourceAddr)
			}
			continue
		}
		if localState.ImageID == remoteState.ImageID {
			continue
		}
		if maxTimestamp(remoteState.Signatures) > maxTimestamp(localState.Signatures) {
			e.scheduleEntry(path, name, remoteState, sourceAddr)
		}
		// Otherwise we are ahead or even; the peer will learn via gossip.
	}
	// Names present locally but absent remotely beyond the keep_recent
	// window are handled by the Cleanup/Retention component (spec.md
	// §4.11), not here.
}

func (e *Engine) scheduleEntry(path vpath.VPath, name string, remoteState state.State, sourceAddr string) {
	entryPath, err := path.Parent().Join(name)
	if err != nil {
		e.logger.Printf("building entry path for %s/%s: %v", path, name, err)
		return
	}
	e.downloader.ScheduleFromPeer(entryPath, remoteState, sourceAddr)
}

func maxTimestamp(entries []state.SignatureEntry) uint64 {
	var max uint64
	for _, e := range entries {
		if e.Timestamp > max {
			max = e.Timestamp
		}
	}
	return max
}
