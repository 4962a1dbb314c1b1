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

// Package upload implements the per-image upload coordinator: the
// client- or reconciliation-driven push of one image to a set of peers,
// with early-success and deadline semantics (spec.md §4.8), grounded on
// original_source/src/cluster/{set,upload,config}.rs.
package upload

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/tailhook/ciruela/pkg/connmgr"
	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/sigs"
	"github.com/tailhook/ciruela/pkg/vpath"
	"github.com/tailhook/ciruela/pkg/wire"
)

// ErrDeadlineReached is returned when MaximumTimeout elapses before the
// early-exit condition is met (spec.md §4.8: "on deadline_timer expiry
// without early-exit, fail with DeadlineReached").
var ErrDeadlineReached = errors.New("upload: deadline reached")

// Config holds the per-cluster tunables from original_source's
// cluster::Config (defaults there: initial_connections=3, early_hosts=3,
// early_fraction=0.75, early_timeout=10s, maximum_timeout=30m).
type Config struct {
	InitialConnections int
	EarlyHosts         int
	EarlyFraction      float64
	EarlyTimeout       time.Duration
	MaximumTimeout     time.Duration
}

// DefaultConfig returns the defaults original_source/src/cluster/config.rs
// ships.
func DefaultConfig() Config {
	return Config{
		InitialConnections: 3,
		EarlyHosts:         3,
		EarlyFraction:      0.75,
		EarlyTimeout:       10 * time.Second,
		MaximumTimeout:     30 * time.Minute,
	}
}

// Params describes one image push.
type Params struct {
	Path         vpath.VPath
	Image        hashid.ImageID
	Replace      bool
	OldImage     *hashid.ImageID
	Timestamp    uint64
	Signatures   []sigs.Signature
	InitialAddrs []string
}

// Result reports the outcome of a completed (early-exited) push.
type Result struct {
	AcceptingHosts int
	DoneHosts      int
}

type jobKey struct {
	image hashid.ImageID
	path  string
}

// job is the live bookkeeping for one in-flight push, grounded on
// original_source/src/cluster/upload.rs's Stats/Bookkeeping (done/aborted
// tracked by address, machine id, and hostname simultaneously).
type job struct {
	mu         sync.Mutex
	doneIDs    map[hashid.MachineID]bool
	doneAddrs  map[string]bool
	doneHosts  map[string]bool
	abortedIDs map[hashid.MachineID]string
	wake       chan struct{}
}

func newJob() *job {
	return &job{
		doneIDs:    make(map[hashid.MachineID]bool),
		doneAddrs:  make(map[string]bool),
		doneHosts:  make(map[string]bool),
		abortedIDs: make(map[hashid.MachineID]string),
		wake:       make(chan struct{}, 1),
	}
}

func (j *job) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *job) receivedImage(addr string, n wire.ReceivedImage) {
	j.mu.Lock()
	if !n.Forwarded {
		j.doneAddrs[addr] = true
	}
	j.doneIDs[n.MachineID] = true
	j.doneHosts[n.Hostname] = true
	j.mu.Unlock()
	j.signal()
}

func (j *job) abortedImage(n wire.AbortedImage) {
	j.mu.Lock()
	j.abortedIDs[n.MachineID] = n.Reason
	j.mu.Unlock()
	j.signal()
}

func (j *job) doneCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.doneIDs)
}

// Coordinator dispatches pushes over a shared connmgr.Manager and routes
// ReceivedImage/AbortedImage notifications to the matching in-flight job
// (spec.md §4.8: "ReceivedImage from peer P marks P done").
type Coordinator struct {
	mgr    *connmgr.Manager
	config Config

	mu   sync.Mutex
	jobs map[jobKey]*job
}

// NewCoordinator returns a Coordinator pushing over mgr. The caller must
// wire the daemon's connmgr.NotificationHandler to call
// HandleReceivedImage/HandleAbortedImage for incoming notifications.
func NewCoordinator(mgr *connmgr.Manager, config Config) *Coordinator {
	return &Coordinator{mgr: mgr, config: config, jobs: make(map[jobKey]*job)}
}

// HandleReceivedImage implements the ReceivedImage side of
// connmgr.NotificationHandler.
func (co *Coordinator) HandleReceivedImage(c *connmgr.Conn, n wire.ReceivedImage) {
	if j := co.lookup(n.ID, n.Path); j != nil {
		j.receivedImage(c.Addr, n)
	}
}

// HandleAbortedImage implements the AbortedImage side of
// connmgr.NotificationHandler.
func (co *Coordinator) HandleAbortedImage(c *connmgr.Conn, n wire.AbortedImage) {
	if j := co.lookup(n.ID, vpath.VPath{}); j != nil {
		j.abortedImage(n)
	}
}

// HandlePublishImage is a no-op: connmgr.Conn already records the
// advertised image bit for its own peer-mask bookkeeping.
func (co *Coordinator) HandlePublishImage(c *connmgr.Conn, n wire.PublishImage) {}

func (co *Coordinator) lookup(image hashid.ImageID, path vpath.VPath) *job {
	co.mu.Lock()
	defer co.mu.Unlock()
	if j, ok := co.jobs[jobKey{image: image, path: path.String()}]; ok {
		return j
	}
	// AbortedImage carries no path in some call sites; fall back to a
	// scan over active jobs matching by image id alone.
	for k, j := range co.jobs {
		if k.image == image {
			return j
		}
	}
	return nil
}

// Push drives one image to a cluster, returning once the early-exit
// condition is satisfied or failing with ErrDeadlineReached.
func (co *Coordinator) Push(ctx context.Context, params Params) (*Result, error) {
	key := jobKey{image: params.Image, path: params.Path.String()}
	j := newJob()
	co.mu.Lock()
	co.jobs[key] = j
	co.mu.Unlock()
	defer func() {
		co.mu.Lock()
		delete(co.jobs, key)
		co.mu.Unlock()
	}()

	var connMu sync.Mutex
	connections := make(map[string]bool)
	attempted := make(map[string]bool)
	accepting := make(map[string]bool)

	dialAndAnnounce := func(addr string) {
		conn, err := co.mgr.Dial(ctx, addr)
		if err != nil {
			j.signal()
			return
		}
		connMu.Lock()
		connections[addr] = true
		connMu.Unlock()

		conn.Notify(wire.TypePublishImage, wire.PublishImage{ID: params.Image})

		var typeName string
		var body interface{}
		if params.Replace {
			typeName = wire.TypeReplaceDir
			body = wire.ReplaceDir{
				Path: params.Path, Image: params.Image, OldImage: params.OldImage,
				Timestamp: params.Timestamp, Signatures: params.Signatures,
			}
		} else {
			typeName = wire.TypeAppendDir
			body = wire.AppendDir{
				Path: params.Path, Image: params.Image,
				Timestamp: params.Timestamp, Signatures: params.Signatures,
			}
		}
		f, err := conn.Request(ctx, typeName, body)
		if err != nil {
			j.signal()
			return
		}
		accepted := false
		if params.Replace {
			var ack wire.ReplaceDirAck
			if f.DecodePayload(&ack) == nil {
				accepted = ack.Accepted
			}
		} else {
			var ack wire.AppendDirAck
			if f.DecodePayload(&ack) == nil {
				accepted = ack.Accepted
			}
		}
		if accepted {
			connMu.Lock()
			accepting[addr] = true
			connMu.Unlock()
		}
		j.signal()
	}

	pickAndDial := func() {
		connMu.Lock()
		need := co.config.InitialConnections - len(connections)
		var candidates []string
		for _, addr := range params.InitialAddrs {
			if !attempted[addr] {
				candidates = append(candidates, addr)
			}
		}
		connMu.Unlock()
		if need <= 0 {
			return
		}
		rand.Shuffle(len(candidates), func(i, k int) { candidates[i], candidates[k] = candidates[k], candidates[i] })
		if need > len(candidates) {
			need = len(candidates)
		}
		for i := 0; i < need; i++ {
			addr := candidates[i]
			attempted[addr] = true
			go dialAndAnnounce(addr)
		}
	}
	pickAndDial()

	earlyTimer := time.NewTimer(co.config.EarlyTimeout)
	deadlineTimer := time.NewTimer(co.config.MaximumTimeout)
	defer earlyTimer.Stop()
	defer deadlineTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-j.wake:
			pickAndDial()
		case <-earlyTimer.C:
			connMu.Lock()
			acceptingHosts := len(accepting)
			connMu.Unlock()
			done := j.doneCount()
			if done >= earlyThreshold(acceptingHosts, co.config) {
				return &Result{AcceptingHosts: acceptingHosts, DoneHosts: done}, nil
			}
		case <-deadlineTimer.C:
			return nil, ErrDeadlineReached
		}
	}
}

// earlyThreshold implements spec.md §4.8's
// `max(early_hosts, ceil(fraction × accepting_hosts))`.
func earlyThreshold(acceptingHosts int, cfg Config) int {
	fractional := int(math.Ceil(float64(acceptingHosts) * cfg.EarlyFraction))
	if cfg.EarlyHosts > fractional {
		return cfg.EarlyHosts
	}
	return fractional
}
