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

package metadata

import (
	"fmt"
	"os"
	"strings"

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/state"
)

// ErrCollectionNotRunning names the state where no FullCollection is in
// progress (mirrors the source's IndexGcInterrupted case). Nothing in this
// package returns it: MarkUsed outside a collection is a silent no-op.
var ErrCollectionNotRunning = fmt.Errorf("metadata: no collection in progress")

// MarkUsed records that image id is referenced by some committed or
// in-flight state, protecting it from FullCollection's sweep (spec.md
// §4.2). It is a no-op outside of an active collection.
func (s *Store) MarkUsed(id hashid.ImageID) {
	s.collectMu.Lock()
	defer s.collectMu.Unlock()
	if s.collecting != nil {
		s.collecting[id] = true
	}
}

// FullCollection performs the mark-and-sweep GC: walk every configured
// base directory down to its configured depth, read every ".state" file
// to mark its image used, then delete any indexes/**/*.ds1 whose id was
// never marked (spec.md §4.2: "scan every .state to build the used-set,
// then delete any indexes/**/*.ds1 whose id is absent").
func (s *Store) FullCollection() error {
	s.collectMu.Lock()
	s.collecting = make(map[hashid.ImageID]bool)
	s.collectMu.Unlock()

	defer func() {
		s.collectMu.Lock()
		s.collecting = nil
		s.collectMu.Unlock()
	}()

	for key, cfg := range s.Cluster.Dirs {
		if err := s.scanForGC(key, cfg.NumLevels); err != nil {
			return err
		}
	}

	shards, err := s.listIndexShards()
	if err != nil {
		return err
	}
	for _, shard := range shards {
		shardDir := s.BaseDir + "/indexes/" + shard
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".ds1") {
				continue
			}
			id, err := hashid.ParseHash(strings.TrimSuffix(name, ".ds1"))
			if err != nil {
				continue
			}
			s.collectMu.Lock()
			used := s.collecting[id]
			s.collectMu.Unlock()
			if !used {
				os.Remove(shardDir + "/" + name)
			}
		}
	}
	return nil
}

// scanForGC walks one base directory's tree, keyed by key, down through
// its configured number of levels, marking every State's image used.
func (s *Store) scanForGC(key string, levels int) error {
	dirs := []string{s.BaseDir + "/signatures/" + key}
	for i := 0; i < levels-1; i++ {
		var next []string
		for _, d := range dirs {
			entries, err := os.ReadDir(d)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.IsDir() {
					next = append(next, d+"/"+e.Name())
				}
			}
		}
		dirs = next
	}
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".state") || strings.HasSuffix(name, ".new.state") {
				continue
			}
			data, err := os.ReadFile(d + "/" + name)
			if err != nil {
				return err
			}
			st, err := state.Decode(data)
			if err != nil {
				return err
			}
			s.MarkUsed(st.ImageID)
		}
	}
	return nil
}
