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

package state

import (
	"testing"

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/sigs"
)

func sigEntry(ts uint64, b byte) SignatureEntry {
	return SignatureEntry{
		Timestamp: ts,
		Signature: sigs.Signature{Scheme: sigs.Scheme, Bytes: []byte{b}},
	}
}

func TestMergeSignaturesUnionSortedDeduped(t *testing.T) {
	old := []SignatureEntry{sigEntry(5, 1), sigEntry(1, 9)}
	add := []SignatureEntry{sigEntry(5, 1), sigEntry(3, 2)} // first is a dup
	merged := MergeSignatures(old, add)
	if len(merged) != 3 {
		t.Fatalf("expected 3 entries after dedup, got %d", len(merged))
	}
	for i := 1; i < len(merged); i++ {
		if merged[i].Less(merged[i-1]) {
			t.Fatalf("merged signatures not sorted: %+v", merged)
		}
	}
}

func TestMergeSignaturesIdempotent(t *testing.T) {
	a := []SignatureEntry{sigEntry(5, 1), sigEntry(1, 9)}
	once := MergeSignatures(nil, a)
	twice := MergeSignatures(once, a)
	if len(once) != len(twice) {
		t.Fatalf("merge not idempotent: %d != %d", len(once), len(twice))
	}
}

func TestStateEncodeDecodeRoundTrip(t *testing.T) {
	s := State{
		ImageID:    hashid.Sum([]byte("image")),
		Signatures: []SignatureEntry{sigEntry(5, 1)},
	}
	data, err := Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ImageID != s.ImageID {
		t.Fatalf("ImageID mismatch after round trip")
	}
	if len(got.Signatures) != 1 || !got.Signatures[0].Equal(s.Signatures[0]) {
		t.Fatalf("signatures mismatch after round trip")
	}
}

func TestBaseDirStateHashEqualForEqualContent(t *testing.T) {
	mkState := func() *BaseDirState {
		return &BaseDirState{
			Path:         "/dir1",
			ConfigHash:   hashid.Sum([]byte("cfg")),
			KeepListHash: hashid.Sum([]byte("keep")),
			Dirs: map[string]State{
				"1": {ImageID: hashid.Sum([]byte("a"))},
				"2": {ImageID: hashid.Sum([]byte("b"))},
			},
		}
	}
	h1, err := mkState().Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := mkState().Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("expected equal summary hashes for identical BaseDirState content")
	}
}

func TestBaseDirStateHashDiffersOnContentChange(t *testing.T) {
	a := &BaseDirState{Path: "/dir1", Dirs: map[string]State{"1": {ImageID: hashid.Sum([]byte("a"))}}}
	b := &BaseDirState{Path: "/dir1", Dirs: map[string]State{"1": {ImageID: hashid.Sum([]byte("b"))}}}
	ha, err := a.Hash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if ha == hb {
		t.Fatal("expected different summary hashes for different content")
	}
}
