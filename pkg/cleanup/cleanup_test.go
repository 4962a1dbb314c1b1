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

package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tailhook/ciruela/pkg/config"
	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/state"
	"github.com/tailhook/ciruela/pkg/vpath"
)

func img(name string, ts uint64) Image {
	return Image{Name: name, State: state.State{
		ImageID:    hashid.Sum([]byte(name)),
		Signatures: []state.SignatureEntry{{Timestamp: ts}},
	}}
}

func TestSortOutKeepMinShortCircuitsEverything(t *testing.T) {
	cfg := config.Directory{KeepMinDirectories: 5, KeepMaxDirectories: 1}
	images := []Image{img("a", 1), img("b", 2)}
	got := SortOut(cfg, time.Now(), images, nil)
	if len(got.Used) != 2 || len(got.Unused) != 0 {
		t.Fatalf("expected everything kept under keep_min, got %+v", got)
	}
}

func TestSortOutKeepListNamesAlwaysUsed(t *testing.T) {
	cfg := config.Directory{KeepMinDirectories: 0, KeepMaxDirectories: 0, KeepRecent: 0}
	images := []Image{img("old", 1), img("pinned", 2)}
	got := SortOut(cfg, time.UnixMilli(1000), images, []string{"/some/path/pinned"})

	var usedNames []string
	for _, i := range got.Used {
		usedNames = append(usedNames, i.Name)
	}
	found := false
	for _, n := range usedNames {
		if n == "pinned" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected keep-listed name to survive, used=%+v", usedNames)
	}
}

func TestSortOutKeepsWithinRecentWindow(t *testing.T) {
	cfg := config.Directory{KeepMinDirectories: 0, KeepMaxDirectories: 0, KeepRecent: time.Hour}
	now := time.UnixMilli(10_000_000)
	recent := img("recent", uint64(now.Add(-time.Minute).UnixMilli()))
	stale := img("stale", uint64(now.Add(-2*time.Hour).UnixMilli()))

	got := SortOut(cfg, now, []Image{recent, stale}, nil)
	if len(got.Used) != 1 || got.Used[0].Name != "recent" {
		t.Fatalf("expected only the recent entry kept, got %+v", got.Used)
	}
	if len(got.Unused) != 1 || got.Unused[0].Name != "stale" {
		t.Fatalf("expected the stale entry dropped, got %+v", got.Unused)
	}
}

func TestSortOutKeepsNewestUntilMax(t *testing.T) {
	cfg := config.Directory{KeepMinDirectories: 0, KeepMaxDirectories: 2, KeepRecent: 0}
	now := time.UnixMilli(10_000_000)
	a := img("a", uint64(now.Add(-1*time.Minute).UnixMilli()))
	b := img("b", uint64(now.Add(-2*time.Minute).UnixMilli()))
	c := img("c", uint64(now.Add(-3*time.Minute).UnixMilli()))

	got := SortOut(cfg, now, []Image{c, a, b}, nil)
	if len(got.Used) != 2 {
		t.Fatalf("expected exactly keep_max entries kept, got %+v", got.Used)
	}
	if got.Used[0].Name != "a" || got.Used[1].Name != "b" {
		t.Fatalf("expected the two newest kept in order, got %+v", got.Used)
	}
	if len(got.Unused) != 1 || got.Unused[0].Name != "c" {
		t.Fatalf("expected the oldest dropped, got %+v", got.Unused)
	}
}

func TestRemoveTreeRenamesThenDeletes(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "mydir")
	if err := os.MkdirAll(filepath.Join(target, "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := RemoveTree(base, "mydir"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be gone, stat err=%v", target, err)
	}
}

func TestRemoveTreeToleratesMissingDir(t *testing.T) {
	base := t.TempDir()
	if err := RemoveTree(base, "nonexistent"); err != nil {
		t.Fatalf("expected no error removing a missing tree, got %v", err)
	}
}

type fakeScanner struct{ dirs map[string]state.State }

func (f *fakeScanner) ScanDir(path vpath.VPath) (map[string]state.State, error) {
	return f.dirs, nil
}

type fakeKeepLists struct{ names []string }

func (f *fakeKeepLists) ReadKeepList(ctx context.Context, path string) ([]string, error) {
	return f.names, nil
}

type fakeRemover struct {
	mu      sync.Mutex
	removed []vpath.VPath
}

func (f *fakeRemover) RemoveState(v vpath.VPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, v)
	return nil
}

func TestSweepDryRunDoesNotRemoveAnything(t *testing.T) {
	scanner := &fakeScanner{dirs: map[string]state.State{
		"old": {ImageID: hashid.Sum([]byte("old")), Signatures: []state.SignatureEntry{{Timestamp: 1}}},
	}}
	remover := &fakeRemover{}
	e := New(scanner, &fakeKeepLists{}, remover)

	contentDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(contentDir, "old"), 0755); err != nil {
		t.Fatal(err)
	}
	d := BaseDir{
		Path:       vpath.MustParse("/dir1/a"),
		Config:     config.Directory{KeepMinDirectories: 0, KeepMaxDirectories: 0},
		ContentDir: contentDir,
	}
	e.Sweep(context.Background(), d)

	remover.mu.Lock()
	defer remover.mu.Unlock()
	if len(remover.removed) != 0 {
		t.Fatalf("expected no removal during the dry-run grace period, got %+v", remover.removed)
	}
}

func TestSweepRemovesUnusedAfterGracePeriod(t *testing.T) {
	scanner := &fakeScanner{dirs: map[string]state.State{
		"old": {ImageID: hashid.Sum([]byte("old")), Signatures: []state.SignatureEntry{{Timestamp: 1}}},
	}}
	remover := &fakeRemover{}
	e := New(scanner, &fakeKeepLists{}, remover)
	e.startedAt = time.Now().Add(-DryRunGrace - time.Second)

	contentDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(contentDir, "old"), 0755); err != nil {
		t.Fatal(err)
	}
	d := BaseDir{
		Path:       vpath.MustParse("/dir1/a"),
		Config:     config.Directory{KeepMinDirectories: 0, KeepMaxDirectories: 0},
		ContentDir: contentDir,
	}
	e.Sweep(context.Background(), d)

	deadline := time.Now().Add(2 * time.Second)
	for {
		remover.mu.Lock()
		n := len(remover.removed)
		remover.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected RemoveState to be called for the unused entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
