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

// Package peers implements the peer registry, the per-VPath directory
// index used by reconciliation, and the linear-backoff failure tracker
// (spec.md §4.10), grounded on
// original_source/src/daemon/{failure_tracker,mask,peers/two_way_map}.rs.
package peers

import (
	"net"
	"sync"

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/syncutil"
)

// Peer is one known cluster member.
type Peer struct {
	MachineID   hashid.MachineID
	PrimaryAddr net.Addr
	Hostname    string
}

// Registry is the authoritative peer table plus the by-base-dir index
// reconciliation uses to find candidate peers for a VPath key (spec.md
// §4.10: "peers: map<MachineId, Peer>", "by_dir: map<VPath, set<MachineId>>").
type Registry struct {
	mu     syncutil.Mutex
	byID   map[hashid.MachineID]Peer
	byDir  map[string]map[hashid.MachineID]bool // keyed by VPath.Key()
}

// NewRegistry returns an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:    *syncutil.NewMutex("peers"),
		byID:  make(map[hashid.MachineID]Peer),
		byDir: make(map[string]map[hashid.MachineID]bool),
	}
}

// Upsert adds or updates a peer.
func (r *Registry) Upsert(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.MachineID] = p
}

// Get returns the peer with the given machine id, if known.
func (r *Registry) Get(id hashid.MachineID) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	return p, ok
}

// All returns a snapshot of every known peer.
func (r *Registry) All() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

// AddDirCandidate records that machine id is a candidate source for the
// base directory named by dirKey (a VPath's Key()).
func (r *Registry) AddDirCandidate(dirKey string, id hashid.MachineID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byDir[dirKey]
	if !ok {
		set = make(map[hashid.MachineID]bool)
		r.byDir[dirKey] = set
	}
	set[id] = true
}

// DirCandidates returns the machine ids known to have claimed a hash for
// dirKey.
func (r *Registry) DirCandidates(dirKey string) []hashid.MachineID {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byDir[dirKey]
	out := make([]hashid.MachineID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Mask is the per-connection advertised capability bitmask: which images
// a peer has locally available (for block serving) and whether it holds
// an up-to-date index for a given image (spec.md §4.4 step 1: "a peer
// connection whose advertised mask says 'has index'"), grounded on
// original_source/src/daemon/mask.rs.
type Mask uint32

const (
	// MaskIndex is set when the peer can serve GetIndex for the image.
	MaskIndex Mask = 1 << iota
	// MaskBlocks is set when the peer can serve GetBlock for the image.
	MaskBlocks
)

func (m Mask) HasIndex() bool  { return m&MaskIndex != 0 }
func (m Mask) HasBlocks() bool { return m&MaskBlocks != 0 }

// ImageMasks tracks, per image id, which connected peers have advertised
// which capability bits, guarded by its own mutex (spec.md §5: "the image
// registry ... guarded by their own named mutex").
type ImageMasks struct {
	mu   sync.Mutex
	byID map[hashid.ImageID]map[hashid.MachineID]Mask
}

func NewImageMasks() *ImageMasks {
	return &ImageMasks{byID: make(map[hashid.ImageID]map[hashid.MachineID]Mask)}
}

func (m *ImageMasks) Set(img hashid.ImageID, peer hashid.MachineID, mask Mask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers, ok := m.byID[img]
	if !ok {
		peers = make(map[hashid.MachineID]Mask)
		m.byID[img] = peers
	}
	peers[peer] |= mask
}

// Candidates returns the peers advertising every bit in want for img.
func (m *ImageMasks) Candidates(img hashid.ImageID, want Mask) []hashid.MachineID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hashid.MachineID
	for id, mask := range m.byID[img] {
		if mask&want == want {
			out = append(out, id)
		}
	}
	return out
}

// TwoWayMap is a machine-id <-> (address, hostname) lookup. The daemon
// fills it from ReceivedImage notifications and consults it to find which
// machine a connection's PublishImage came from; pkg/upload keeps its own
// "done" bookkeeping. Grounded on
// original_source/src/daemon/peers/two_way_map.rs.
type TwoWayMap struct {
	mu        sync.Mutex
	byID      map[hashid.MachineID]string
	byAddr    map[string]hashid.MachineID
	byHost    map[string]hashid.MachineID
}

func NewTwoWayMap() *TwoWayMap {
	return &TwoWayMap{
		byID:   make(map[hashid.MachineID]string),
		byAddr: make(map[string]hashid.MachineID),
		byHost: make(map[string]hashid.MachineID),
	}
}

// Associate records that id is reachable at addr under hostname.
func (t *TwoWayMap) Associate(id hashid.MachineID, addr, hostname string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[id] = hostname
	t.byAddr[addr] = id
	t.byHost[hostname] = id
}

// Resolve returns id itself when it is non-zero; otherwise it looks up
// addr, then hostname, and reports whether either is known.
func (t *TwoWayMap) Resolve(id hashid.MachineID, addr, hostname string) (hashid.MachineID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !id.IsZero() {
		return id, true
	}
	if addr != "" {
		if found, ok := t.byAddr[addr]; ok {
			return found, true
		}
	}
	if hostname != "" {
		if found, ok := t.byHost[hostname]; ok {
			return found, true
		}
	}
	return hashid.MachineID{}, false
}
