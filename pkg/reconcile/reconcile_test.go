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

package reconcile

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/peers"
	"github.com/tailhook/ciruela/pkg/sigs"
	"github.com/tailhook/ciruela/pkg/state"
	"github.com/tailhook/ciruela/pkg/vpath"
	"github.com/tailhook/ciruela/pkg/wire"
)

type fakeTransport struct {
	mu    sync.Mutex
	resps map[string]*wire.GetBaseDirResponse
	errs  map[string]error
	calls []string
}

func (f *fakeTransport) GetBaseDir(ctx context.Context, addr string, path vpath.VPath) (*wire.GetBaseDirResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, addr)
	f.mu.Unlock()
	if err, ok := f.errs[addr]; ok {
		return nil, err
	}
	return f.resps[addr], nil
}

type fakeScanner struct {
	dirs map[string]state.State
}

func (f *fakeScanner) ScanDir(path vpath.VPath) (map[string]state.State, error) {
	return f.dirs, nil
}

type fakeDownloader struct {
	mu        sync.Mutex
	scheduled []vpath.VPath
	done      chan struct{}
}

func (f *fakeDownloader) ScheduleFromPeer(path vpath.VPath, remote state.State, sourceAddr string) {
	f.mu.Lock()
	f.scheduled = append(f.scheduled, path)
	f.mu.Unlock()
	if f.done != nil {
		select {
		case f.done <- struct{}{}:
		default:
		}
	}
}

func sigEntry(ts uint64) state.SignatureEntry {
	return state.SignatureEntry{Timestamp: ts, Signature: sigs.Signature{Scheme: "ed25519", Bytes: []byte{1, 2, 3}}}
}

func TestReconcileSchedulesMissingEntry(t *testing.T) {
	path := vpath.MustParse("/dir1/a/1")
	remoteState := state.State{ImageID: hashid.Sum([]byte("img")), Signatures: []state.SignatureEntry{sigEntry(100)}}
	dirs := map[string]state.State{"1": remoteState}
	summary := state.BaseDirState{Path: "dir1", Dirs: dirs}
	remoteHash, err := summary.Hash()
	if err != nil {
		t.Fatal(err)
	}

	transport := &fakeTransport{
		resps: map[string]*wire.GetBaseDirResponse{
			"peerA": {Dirs: dirs},
		},
	}
	scanner := &fakeScanner{dirs: map[string]state.State{}}
	downloader := &fakeDownloader{done: make(chan struct{}, 1)}

	e := New(peers.NewRegistry(), transport, scanner, downloader)
	e.Reconcile(path, remoteHash, dummyAddr("peerA"), hashid.MachineID{1})

	select {
	case <-downloader.done:
	case <-time.After(2 * time.Second):
		t.Fatal("download was never scheduled")
	}

	downloader.mu.Lock()
	defer downloader.mu.Unlock()
	if len(downloader.scheduled) != 1 || downloader.scheduled[0] != path {
		t.Fatalf("unexpected scheduled entries: %+v", downloader.scheduled)
	}
}

func TestReconcileSkipsWhenLocalIsNewer(t *testing.T) {
	path := vpath.MustParse("/dir1/a/1")
	remoteState := state.State{ImageID: hashid.Sum([]byte("old")), Signatures: []state.SignatureEntry{sigEntry(50)}}
	dirs := map[string]state.State{"1": remoteState}
	summary := state.BaseDirState{Path: "dir1", Dirs: dirs}
	remoteHash, _ := summary.Hash()

	transport := &fakeTransport{resps: map[string]*wire.GetBaseDirResponse{"peerA": {Dirs: dirs}}}
	localState := state.State{ImageID: hashid.Sum([]byte("new")), Signatures: []state.SignatureEntry{sigEntry(200)}}
	scanner := &fakeScanner{dirs: map[string]state.State{"1": localState}}
	downloader := &fakeDownloader{}

	e := New(peers.NewRegistry(), transport, scanner, downloader)
	e.run(context.Background(), path, remoteHash, candidate{addr: "peerA", id: hashid.MachineID{1}})

	downloader.mu.Lock()
	defer downloader.mu.Unlock()
	if len(downloader.scheduled) != 0 {
		t.Fatalf("expected no schedule when local is newer, got %+v", downloader.scheduled)
	}
}

func TestReconcileTriesNextCandidateOnMismatch(t *testing.T) {
	path := vpath.MustParse("/dir1/a/1")
	goodDirs := map[string]state.State{"1": {ImageID: hashid.Sum([]byte("img"))}}
	summary := state.BaseDirState{Path: "dir1", Dirs: goodDirs}
	remoteHash, _ := summary.Hash()

	registry := peers.NewRegistry()
	registry.Upsert(peers.Peer{MachineID: hashid.MachineID{2}, PrimaryAddr: dummyAddr("peerB")})
	registry.AddDirCandidate("dir1", hashid.MachineID{2})

	transport := &fakeTransport{
		resps: map[string]*wire.GetBaseDirResponse{
			"peerA": {Dirs: map[string]state.State{"1": {ImageID: hashid.Sum([]byte("stale"))}}},
			"peerB": {Dirs: goodDirs},
		},
	}
	scanner := &fakeScanner{dirs: map[string]state.State{}}
	downloader := &fakeDownloader{done: make(chan struct{}, 1)}

	e := New(registry, transport, scanner, downloader)
	e.run(context.Background(), path, remoteHash, candidate{addr: "peerA", id: hashid.MachineID{1}})

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.calls) < 2 {
		t.Fatalf("expected a retry against another candidate, calls=%v", transport.calls)
	}
}

type dummyAddr string

func (d dummyAddr) Network() string { return "tcp" }
func (d dummyAddr) String() string  { return string(d) }
