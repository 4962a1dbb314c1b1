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

package index

import (
	"testing"

	"github.com/tailhook/ciruela/pkg/hashid"
)

func sampleIndex() *Index {
	return &Index{
		HashAlgorithm: "blake2b",
		BlockSize:     4096,
		Entries: []Entry{
			{Kind: KindDir, Path: ""},
			{Kind: KindDir, Path: "a"},
			{Kind: KindFile, Path: "a/empty", Size: 0},
			{Kind: KindFile, Path: "a/one-block", Size: 10, Hashes: []hashid.Hash{hashid.Sum([]byte("block0"))}},
			{Kind: KindSymlink, Path: "a/link", Target: "one-block"},
		},
	}
}

func TestBlockCount(t *testing.T) {
	cases := []struct {
		size, blockSize int64
		want            int
	}{
		{0, 4096, 0},
		{1, 4096, 1},
		{4096, 4096, 1},
		{4097, 4096, 2},
		{8192, 4096, 2},
	}
	for _, c := range cases {
		if got := BlockCount(c.size, c.blockSize); got != c.want {
			t.Errorf("BlockCount(%d, %d) = %d, want %d", c.size, c.blockSize, got, c.want)
		}
	}
}

func TestTotalBlocks(t *testing.T) {
	idx := sampleIndex()
	if got := TotalBlocks(idx); got != 1 {
		t.Errorf("TotalBlocks() = %d, want 1", got)
	}
}

func TestValidate(t *testing.T) {
	idx := sampleIndex()
	if err := idx.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingParent(t *testing.T) {
	idx := &Index{
		HashAlgorithm: "blake2b",
		BlockSize:     4096,
		Entries: []Entry{
			{Kind: KindFile, Path: "a/orphan", Size: 0},
		},
	}
	if err := idx.Validate(); err == nil {
		t.Fatal("expected error for file with no preceding parent dir entry")
	}
}

func TestValidateRejectsWrongHashCount(t *testing.T) {
	idx := &Index{
		HashAlgorithm: "blake2b",
		BlockSize:     4096,
		Entries: []Entry{
			{Kind: KindFile, Path: "bad", Size: 8192, Hashes: []hashid.Hash{{}}},
		},
	}
	if err := idx.Validate(); err == nil {
		t.Fatal("expected error for mismatched block hash count")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	idx := sampleIndex()
	data, err := Marshal(idx)
	if err != nil {
		t.Fatal(err)
	}
	var got Index
	if err := Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != len(idx.Entries) {
		t.Fatalf("entry count mismatch: %d != %d", len(got.Entries), len(idx.Entries))
	}
	id1, err := idx.ID()
	if err != nil {
		t.Fatal(err)
	}
	id2, err := got.ID()
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatal("ID() not stable across marshal/unmarshal round trip")
	}
}

func TestIDIsDeterministic(t *testing.T) {
	a, err := sampleIndex().ID()
	if err != nil {
		t.Fatal(err)
	}
	b, err := sampleIndex().ID()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("ID() must be deterministic for identical content")
	}
}
