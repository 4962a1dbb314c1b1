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
	"os"
	"path/filepath"
	"strings"

	"github.com/tailhook/ciruela/pkg/vpath"
)

// leafPlaceholder stands in for an entry-level VPath's final component
// when a representative path is needed for a whole directory of entries
// rather than one entry in particular: Key() and ParentRel() (the only
// accessors ScanDir and signaturesDir consult) never read it.
const leafPlaceholder = "_"

// EnumerateLeaves walks a base directory's tree, keyed by key, down
// through its configured number of levels, returning one representative
// VPath per real leaf directory — the directory that directly holds
// ".state" files. A base directory nested more than one level deep can
// have many such leaves (one per real, user-chosen path prefix), each
// gossiped and retention-swept independently (spec.md §4.6, §4.11).
// Grounded on original_source/src/daemon/metadata/first_scan.rs's
// scan_dir, which performs the identical num_levels-bounded descent.
func (s *Store) EnumerateLeaves(key string, numLevels int) ([]vpath.VPath, error) {
	if numLevels < 1 {
		return nil, nil
	}
	root := filepath.Join(s.BaseDir, "signatures", key)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	chains := [][]string{{}}
	for i := 0; i < numLevels-1; i++ {
		var next [][]string
		for _, chain := range chains {
			dir := filepath.Join(append([]string{root}, chain...)...)
			entries, err := os.ReadDir(dir)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				if e.IsDir() {
					next = append(next, append(append([]string{}, chain...), e.Name()))
				}
			}
		}
		chains = next
	}

	out := make([]vpath.VPath, 0, len(chains))
	for _, chain := range chains {
		parts := append([]string{key}, chain...)
		parts = append(parts, leafPlaceholder)
		v, err := vpath.Parse("/" + strings.Join(parts, "/"))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
