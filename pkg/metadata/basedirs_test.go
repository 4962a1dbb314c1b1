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
	"sort"
	"testing"

	"github.com/tailhook/ciruela/pkg/config"
	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/vpath"
)

func TestEnumerateLeavesFindsEveryRealLeaf(t *testing.T) {
	line, key := genUploadKey(t)
	s := newTestStore(t, line)

	for _, name := range []string{"a", "b"} {
		v := vpath.MustParse("/dir1/" + name + "/1")
		image := hashid.Sum([]byte(name))
		if _, err := s.StartAppend(AppendParams{Path: v, Image: image, Timestamp: 1, Signatures: sign(t, v, image, 1, key)}); err != nil {
			t.Fatal(err)
		}
		if err := s.CommitDir(v); err != nil {
			t.Fatal(err)
		}
	}

	leaves, err := s.EnumerateLeaves("dir1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(leaves) != 2 {
		t.Fatalf("expected 2 leaves, got %d: %v", len(leaves), leaves)
	}
	var rels []string
	for _, v := range leaves {
		if v.Key() != "dir1" {
			t.Fatalf("unexpected key %q", v.Key())
		}
		rels = append(rels, v.ParentRel())
	}
	sort.Strings(rels)
	if rels[0] != "a" || rels[1] != "b" {
		t.Fatalf("unexpected parent-rel set %v", rels)
	}

	// Each leaf's representative path must actually resolve ScanDir back
	// to the entry committed under it.
	for _, v := range leaves {
		states, err := s.ScanDir(v)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := states["1"]; !ok {
			t.Fatalf("ScanDir(%s) missing committed entry: %+v", v, states)
		}
	}
}

func TestEnumerateLeavesSingleLevel(t *testing.T) {
	line, key := genUploadKey(t)
	cluster := &config.Cluster{
		Dirs: map[string]*config.Directory{
			"dir1": {Directory: "dir1", NumLevels: 1, UploadKeys: []string{line}},
		},
	}
	s := New(t.TempDir(), cluster)
	v := vpath.MustParse("/dir1/1")
	image := hashid.Sum([]byte("x"))
	if _, err := s.StartAppend(AppendParams{Path: v, Image: image, Timestamp: 1, Signatures: sign(t, v, image, 1, key)}); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitDir(v); err != nil {
		t.Fatal(err)
	}

	leaves, err := s.EnumerateLeaves("dir1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(leaves) != 1 {
		t.Fatalf("expected 1 leaf, got %d: %v", len(leaves), leaves)
	}
	if rel := leaves[0].ParentRel(); rel != "" {
		t.Fatalf("expected empty parent-rel at num_levels 1, got %q", rel)
	}
}

func TestEnumerateLeavesNeverUsedKeyIsEmpty(t *testing.T) {
	s := New(t.TempDir(), &config.Cluster{Dirs: map[string]*config.Directory{}})
	leaves, err := s.EnumerateLeaves("never-touched", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(leaves) != 0 {
		t.Fatalf("expected no leaves, got %v", leaves)
	}
}
