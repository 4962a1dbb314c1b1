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
	"strings"

	"github.com/tailhook/ciruela/pkg/state"
	"github.com/tailhook/ciruela/pkg/vpath"
)

// ScanDir reads every ".state" file directly under v's signatures
// directory, returning the final-name -> State map (spec.md §4.2:
// "reads all *.state files under signatures/<key>/<suffix-parent>/").
func (s *Store) ScanDir(v vpath.VPath) (map[string]state.State, error) {
	dir := s.signaturesDir(v)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]state.State{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]state.State)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".state") || strings.HasSuffix(name, ".new.state") {
			continue
		}
		data, err := os.ReadFile(dir + "/" + name)
		if err != nil {
			return nil, err
		}
		st, err := state.Decode(data)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(name, ".state")] = st
	}
	return out, nil
}
