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

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/vpath"
)

// signaturesDir returns the directory holding v's ".state"/".new.state"
// files: signatures/<key>/<parent-rel>.
func (s *Store) signaturesDir(v vpath.VPath) string {
	return filepath.Join(s.BaseDir, "signatures", v.Key(), filepath.FromSlash(v.ParentRel()))
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func stateFile(v vpath.VPath) string    { return v.FinalName() + ".state" }
func newStateFile(v vpath.VPath) string { return v.FinalName() + ".new.state" }

// indexShardDir returns the two-hex-char shard directory an image id's
// index blob lives under: indexes/<id[:2]>.
func (s *Store) indexShardDir(id hashid.ImageID) string {
	return filepath.Join(s.BaseDir, "indexes", hashid.ShardPrefix(id))
}

func indexFile(id hashid.ImageID) string {
	return id.String() + ".ds1"
}

// replaceFile writes data to name atomically: write to a ".tmp" sibling,
// fsync not attempted (out of scope), then rename over the destination.
func replaceFile(dir, name string, data []byte) error {
	if err := ensureDir(dir); err != nil {
		return err
	}
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// readFileIfExists returns (nil, false, nil) when path doesn't exist.
func readFileIfExists(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
