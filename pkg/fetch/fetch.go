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

// Package fetch implements the inbound content-fetching path: once a
// directory upload has been locally accepted, resolve its index, pull
// every content block from a candidate peer, write it to a staging
// directory, and commit-or-abort (spec.md §4.9), grounded on
// original_source/src/daemon/tracking/fetch_blocks.rs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tailhook/ciruela/pkg/disk"
	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/index"
	"github.com/tailhook/ciruela/pkg/peers"
	"github.com/tailhook/ciruela/pkg/vpath"
)

// MaxConcurrentBlocks bounds the number of in-flight GetBlock requests
// for a single directory fetch (spec.md §4.9 step 3: "bounded to 10
// concurrent in-flight requests").
const MaxConcurrentBlocks = 10

// IndexResolver turns an ImageId into its parsed directory listing,
// typically backed by the Index Cache (spec.md §4.4).
type IndexResolver interface {
	ResolveIndex(ctx context.Context, path vpath.VPath, id hashid.ImageID) (*index.Index, error)
}

// CandidateSource lists the addresses of peers currently known to be
// able to serve blocks for an image.
type CandidateSource interface {
	CandidateAddrs(id hashid.ImageID) []string
}

// BlockTransport fetches one content block by hash from addr.
type BlockTransport interface {
	GetBlock(ctx context.Context, addr string, hash hashid.Hash) ([]byte, error)
}

// DiskWriter hands blocks and the final commit to the Disk Engine.
type DiskWriter interface {
	WriteBlock(ctx context.Context, dir, relPath string, offset int64, data []byte) error
	CommitImage(ctx context.Context, p disk.CommitParams) error
}

// MetadataStore promotes or discards the pending upload's on-disk state
// once the fetch has concluded (spec.md §4.2, §4.9 step 4-5).
type MetadataStore interface {
	CommitDir(v vpath.VPath) error
	AbortDir(v vpath.VPath) error
}

// Notifier broadcasts the terminal outcome of a fetch to the cluster.
type Notifier interface {
	NotifyReceived(path vpath.VPath, id hashid.ImageID)
	NotifyAborted(path vpath.VPath, id hashid.ImageID, reason string)
}

// Fetcher drives one inbound directory fetch to completion.
type Fetcher struct {
	index     IndexResolver
	sources   CandidateSource
	transport BlockTransport
	disk      DiskWriter
	metadata  MetadataStore
	notifier  Notifier
}

// New returns a Fetcher wired to the given collaborators.
func New(index IndexResolver, sources CandidateSource, transport BlockTransport, disk DiskWriter, metadata MetadataStore, notifier Notifier) *Fetcher {
	return &Fetcher{
		index:     index,
		sources:   sources,
		transport: transport,
		disk:      disk,
		metadata:  metadata,
		notifier:  notifier,
	}
}

// blockJob is one block this fetch still needs to retrieve and write.
type blockJob struct {
	entryPath string
	offset    int64
	hash      hashid.Hash
}

// Fetch resolves id's index, downloads every block into a staging
// directory under parentDir, and commits it as path's final name. On any
// failure it aborts the pending upload and broadcasts the reason.
func (f *Fetcher) Fetch(ctx context.Context, path vpath.VPath, id hashid.ImageID, parentDir string) error {
	idx, err := f.index.ResolveIndex(ctx, path, id)
	if err != nil {
		return f.abort(path, id, fmt.Sprintf("resolving index: %v", err))
	}

	var jobs []blockJob
	for _, e := range idx.Entries {
		if e.Kind != index.KindFile {
			continue
		}
		for i, h := range e.Hashes {
			jobs = append(jobs, blockJob{
				entryPath: e.Path,
				offset:    int64(i) * idx.BlockSize,
				hash:      h,
			})
		}
	}

	tempDir, err := os.MkdirTemp(parentDir, ".tmp.fetch.")
	if err != nil {
		return f.abort(path, id, fmt.Sprintf("allocating staging directory: %v", err))
	}

	if err := f.fetchBlocks(ctx, id, tempDir, jobs); err != nil {
		os.RemoveAll(tempDir)
		return f.abort(path, id, err.Error())
	}

	err = f.disk.CommitImage(ctx, disk.CommitParams{
		TempDir:   tempDir,
		ParentDir: parentDir,
		FinalName: path.FinalName(),
		Index:     idx,
	})
	if err != nil {
		os.RemoveAll(tempDir)
		return f.abort(path, id, fmt.Sprintf("commit: %v", err))
	}

	if err := f.metadata.CommitDir(path); err != nil {
		return f.abort(path, id, fmt.Sprintf("promoting state: %v", err))
	}
	f.notifier.NotifyReceived(path, id)
	return nil
}

func (f *Fetcher) abort(path vpath.VPath, id hashid.ImageID, reason string) error {
	f.metadata.AbortDir(path)
	f.notifier.NotifyAborted(path, id, reason)
	return errors.New("fetch: " + reason)
}

// fetchBlocks runs every job on a pool bounded to MaxConcurrentBlocks,
// retrying a failed block against the next round-robin candidate until
// the candidate set is exhausted.
func (f *Fetcher) fetchBlocks(ctx context.Context, id hashid.ImageID, tempDir string, jobs []blockJob) error {
	addrs := f.sources.CandidateAddrs(id)
	if len(addrs) == 0 {
		return errors.New("no candidate peers advertise this image")
	}
	picker := newCandidatePicker(addrs)

	sem := semaphore.NewWeighted(MaxConcurrentBlocks)
	var wg sync.WaitGroup
	var firstErrOnce sync.Once
	var firstErr error

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fail := func(err error) {
		firstErrOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for _, job := range jobs {
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(job blockJob) {
			defer wg.Done()
			defer sem.Release(1)
			if err := f.fetchOne(runCtx, picker, job, tempDir); err != nil {
				fail(err)
			}
		}(job)
	}
	wg.Wait()
	return firstErr
}

// fetchOne retries job against successive candidates, skipping ones
// currently in failure backoff, until one succeeds or the candidate set
// is exhausted (spec.md §4.9: "round-robin across the candidate set,
// skipping peers with current failures").
func (f *Fetcher) fetchOne(ctx context.Context, picker *candidatePicker, job blockJob, tempDir string) error {
	for {
		addr, ok := picker.pick()
		if !ok {
			return fmt.Errorf("block %s: no reachable candidate left", job.hash)
		}
		data, err := f.transport.GetBlock(ctx, addr, job.hash)
		if err != nil {
			picker.failures.AddFailure(addr)
			continue
		}
		got := hashid.Sum(data)
		if got != job.hash {
			picker.failures.AddFailure(addr)
			continue
		}
		if err := f.disk.WriteBlock(ctx, tempDir, job.entryPath, job.offset, data); err != nil {
			return fmt.Errorf("writing block for %q: %w", job.entryPath, err)
		}
		picker.failures.Reset(addr)
		return nil
	}
}

// candidatePicker hands out peer addresses in round-robin order, skipping
// any currently suppressed by the failure tracker.
type candidatePicker struct {
	mu       sync.Mutex
	addrs    []string
	next     int
	failures *peers.FailureTracker[string]
}

func newCandidatePicker(addrs []string) *candidatePicker {
	return &candidatePicker{addrs: addrs, failures: peers.NewFailureTracker[string]()}
}

func (p *candidatePicker) pick() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < len(p.addrs); i++ {
		idx := (p.next + i) % len(p.addrs)
		if p.failures.CanTry(p.addrs[idx]) {
			p.next = idx + 1
			return p.addrs[idx], true
		}
	}
	return "", false
}
