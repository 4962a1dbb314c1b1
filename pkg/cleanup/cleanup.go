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

// Package cleanup implements retention: per base directory, decide which
// committed final-name entries are still "used" and remove the rest
// (spec.md §4.11), grounded on
// original_source/src/daemon/cleanup/calc.rs and
// src/daemon/tracking/cleanup.rs.
package cleanup

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tailhook/ciruela/pkg/config"
	"github.com/tailhook/ciruela/pkg/state"
	"github.com/tailhook/ciruela/pkg/vpath"
)

// Interval is how often each base directory is re-evaluated (spec.md
// §4.11: "Loop schedules each base dir every 10 s").
const Interval = 10 * time.Second

// DryRunGrace is how long after startup unused entries are logged but
// not deleted (spec.md §4.11: "A 'dry run' grace (10 min from startup)
// logs but does not delete").
const DryRunGrace = 10 * time.Minute

// Image is one committed final-name entry under a base directory.
type Image struct {
	Name  string
	State state.State
}

// Sorted partitions a base directory's entries into those still
// referenced and those eligible for removal.
type Sorted struct {
	Used   []Image
	Unused []Image
}

// SortOut implements spec.md §4.11's sort_out: a keep_min short-circuit,
// keep_list names always kept, ordering by newest-signature-timestamp,
// a keep_recent time window, then a keep_max trim of whatever is left.
func SortOut(cfg config.Directory, now time.Time, images []Image, keepList []string) Sorted {
	if len(images) <= cfg.KeepMinDirectories {
		return Sorted{Used: images}
	}

	keep := make(map[string]bool, len(keepList))
	for _, p := range keepList {
		keep[filepath.Base(p)] = true
	}

	var sorted Sorted
	var remaining []Image
	for _, img := range images {
		if keep[img.Name] {
			sorted.Used = append(sorted.Used, img)
		} else {
			remaining = append(remaining, img)
		}
	}

	sort.Slice(remaining, func(i, j int) bool {
		return newestSignature(remaining[i].State) > newestSignature(remaining[j].State)
	})

	cutoff := now.Add(-cfg.KeepRecent)
	kept := len(sorted.Used)
	for _, img := range remaining {
		switch {
		case time.UnixMilli(int64(newestSignature(img.State))).After(cutoff):
			sorted.Used = append(sorted.Used, img)
			kept++
		case kept < cfg.KeepMaxDirectories:
			sorted.Used = append(sorted.Used, img)
			kept++
		default:
			sorted.Unused = append(sorted.Unused, img)
		}
	}
	return sorted
}

func newestSignature(s state.State) uint64 {
	var max uint64
	for _, e := range s.Signatures {
		if e.Timestamp > max {
			max = e.Timestamp
		}
	}
	return max
}

// RemoveTree deletes name from under baseDir by renaming it out of the
// way first, then recursively unlinking the renamed tree, so a crash
// mid-delete leaves a `.tmp.old.`-prefixed name that a future pass can
// finish rather than a half-deleted live directory (spec.md §4.11:
// "rename-then-walk to tolerate crashes mid-delete").
func RemoveTree(baseDir, name string) error {
	from := filepath.Join(baseDir, name)
	to := filepath.Join(baseDir, ".tmp.old."+name)
	if err := os.Rename(from, to); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.RemoveAll(to)
}

// StateScanner exposes a base directory's committed final-name -> State
// map, backed by the metadata store.
type StateScanner interface {
	ScanDir(path vpath.VPath) (map[string]state.State, error)
}

// KeepListReader loads a base directory's keep-list file, backed by the
// Disk Engine.
type KeepListReader interface {
	ReadKeepList(ctx context.Context, path string) ([]string, error)
}

// StateRemover deletes a committed entry's ".state" file, backed by the
// metadata store.
type StateRemover interface {
	RemoveState(v vpath.VPath) error
}

// BaseDir is one configured base directory the Engine sweeps: its
// virtual path, its retention configuration, and the filesystem
// directory its committed final-name directories live under.
type BaseDir struct {
	Path       vpath.VPath
	Config     config.Directory
	ContentDir string
}

// Engine drives the periodic retention sweep across every registered
// base directory.
type Engine struct {
	scanner   StateScanner
	keepLists KeepListReader
	remover   StateRemover
	logger    *log.Logger
	startedAt time.Time
}

// New returns an Engine whose dry-run grace period starts now.
func New(scanner StateScanner, keepLists KeepListReader, remover StateRemover) *Engine {
	return &Engine{
		scanner:   scanner,
		keepLists: keepLists,
		remover:   remover,
		logger:    log.New(log.Writer(), "cleanup: ", log.LstdFlags),
		startedAt: time.Now(),
	}
}

// Run sweeps every base directory in dirs once per Interval until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context, dirs []BaseDir) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range dirs {
				e.Sweep(ctx, d)
			}
		}
	}
}

// Sweep evaluates and, grace period permitting, applies retention for
// one base directory. Exported so callers can also trigger an immediate
// out-of-band sweep (e.g. right after a commit).
func (e *Engine) Sweep(ctx context.Context, d BaseDir) {
	entries, err := e.scanner.ScanDir(d.Path)
	if err != nil {
		e.logger.Printf("scanning %s: %v", d.Path, err)
		return
	}
	images := make([]Image, 0, len(entries))
	for name, st := range entries {
		images = append(images, Image{Name: name, State: st})
	}

	keepList, err := e.keepLists.ReadKeepList(ctx, d.Config.KeepListFile)
	if err != nil {
		e.logger.Printf("reading keep list for %s: %v", d.Path, err)
		keepList = nil
	}

	sorted := SortOut(d.Config, time.Now(), images, keepList)
	if len(sorted.Unused) == 0 {
		return
	}

	dryRun := time.Since(e.startedAt) < DryRunGrace
	if dryRun {
		e.logger.Printf("dry run: %d of %d entries under %s would be removed",
			len(sorted.Unused), len(images), d.Path)
		return
	}

	e.logger.Printf("removing %d of %d entries under %s", len(sorted.Unused), len(images), d.Path)
	for _, img := range sorted.Unused {
		entryPath, err := d.Path.Join(img.Name)
		if err != nil {
			e.logger.Printf("building entry path for %s/%s: %v", d.Path, img.Name, err)
			continue
		}
		if err := e.remover.RemoveState(entryPath); err != nil {
			e.logger.Printf("removing state for %s: %v", entryPath, err)
			continue
		}
		go func(name string) {
			if err := RemoveTree(d.ContentDir, name); err != nil {
				e.logger.Printf("removing tree %s/%s: %v", d.ContentDir, name, err)
			}
		}(img.Name)
	}
}
