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

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/index"
)

// ErrIndexNotFound is returned by ReadIndex when no blob is stored for
// the given id.
var ErrIndexNotFound = fmt.Errorf("metadata: index not found")

// StoreIndex persists the raw bytes of an index, sharded by the first
// two hex characters of its id (spec.md §4.2: "sharded by first two hex
// chars of id").
func (s *Store) StoreIndex(id hashid.ImageID, data []byte) error {
	return replaceFile(s.indexShardDir(id), indexFile(id), data)
}

// ReadIndex loads and parses the index stored for id.
func (s *Store) ReadIndex(id hashid.ImageID) (*index.Index, error) {
	path := s.indexShardDir(id) + "/" + indexFile(id)
	data, found, err := readFileIfExists(path)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrIndexNotFound
	}
	var idx index.Index
	if err := index.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("metadata: parse index %s: %w", id, err)
	}
	return &idx, nil
}

// listIndexShards enumerates the indexes/<shard> directories present on
// disk, used by FullCollection to walk every stored index blob.
func (s *Store) listIndexShards() ([]string, error) {
	root := s.BaseDir + "/indexes"
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
