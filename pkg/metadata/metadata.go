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

// Package metadata implements the metadata store: durable,
// sharded-on-disk storage of per-directory state records and per-image
// index blobs, the upload acceptance state machine, and the used-set
// garbage collector, grounded on
// original_source/src/daemon/metadata/{mod,upload,store_index,read_index,index_gc}.rs.
package metadata

import (
	"fmt"
	"sync"

	"github.com/tailhook/ciruela/pkg/config"
	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/state"
	"github.com/tailhook/ciruela/pkg/syncutil"
	"github.com/tailhook/ciruela/pkg/vpath"
)

// Error wraps the fixed set of failure modes the store reports outside
// the Upload/Reject outcome (spec.md §4.2), distinguished from ordinary
// *PathError-wrapped I/O failures.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("metadata: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrPathNotFound is returned when a VPath's key names no configured
// base directory.
var ErrPathNotFound = fmt.Errorf("metadata: destination path is not configured")

// ErrResumeConflict is returned by ResumeUpload when a Writing record
// already exists for the VPath.
var ErrResumeConflict = fmt.Errorf("metadata: resume conflicts with an in-progress upload")

// ErrResumeNoFile is returned by ResumeUpload when neither a ".state"
// nor a ".new.state" file exists to resume from.
var ErrResumeNoFile = fmt.Errorf("metadata: nothing to resume")

// Store is the metadata root: signatures/ and indexes/ subtrees beneath
// BaseDir, plus the in-memory "writing" and "collecting" guards
// (spec.md §4.2, §5: "serialized under a process-wide writing mutex").
type Store struct {
	BaseDir string
	Cluster *config.Cluster

	mu      syncutil.Mutex
	writing map[string]*state.Writing // keyed by VPath.String()

	collectMu  sync.Mutex
	collecting map[hashid.ImageID]bool // nil when no collection is running
}

// New returns a Store rooted at baseDir.
func New(baseDir string, cluster *config.Cluster) *Store {
	return &Store{
		BaseDir: baseDir,
		Cluster: cluster,
		mu:      *syncutil.NewMutex("writing"),
		writing: make(map[string]*state.Writing),
	}
}

// dirConfig resolves the configured Directory for v's key. It does not
// check v's level; callers check that invariant themselves.
func (s *Store) dirConfig(v vpath.VPath) (*config.Directory, bool) {
	cfg, ok := s.Cluster.Dirs[v.Key()]
	return cfg, ok
}
