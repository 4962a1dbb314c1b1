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

// Package state defines the persistent State record (image + authorizing
// signatures) associated with a committed virtual path, the transient
// Writing record for an in-flight upload, and the BaseDirState gossip
// payload, together with the signature merge rules from spec.md §3/§4.2.
package state

import (
	"bytes"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/sigs"
)

// SignatureEntry pairs a signature with the timestamp it was signed
// under, the unit State and Writing sort and deduplicate on.
type SignatureEntry struct {
	_         struct{} `cbor:",toarray"`
	Timestamp uint64
	Signature sigs.Signature
}

// Less orders entries by (timestamp_ms, signature_bytes), the order
// spec.md §4.2 specifies for the signature union.
func (a SignatureEntry) Less(b SignatureEntry) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return bytes.Compare(a.Signature.Bytes, b.Signature.Bytes) < 0
}

func (a SignatureEntry) Equal(b SignatureEntry) bool {
	return a.Timestamp == b.Timestamp &&
		a.Signature.Scheme == b.Signature.Scheme &&
		bytes.Equal(a.Signature.Bytes, b.Signature.Bytes)
}

// SortSignatures sorts entries in place by (timestamp_ms, signature_bytes).
func SortSignatures(entries []SignatureEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Less(entries[j]) })
}

// MergeSignatures returns the union of old and add, sorted and
// deduplicated, per spec.md §4.2 ("Merging signatures is a union ordered
// by (timestamp_ms, signature_bytes); duplicates removed").
func MergeSignatures(old, add []SignatureEntry) []SignatureEntry {
	out := make([]SignatureEntry, len(old), len(old)+len(add))
	copy(out, old)
	for _, s := range add {
		found := false
		for _, o := range out {
			if o.Equal(s) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	SortSignatures(out)
	return out
}

// State is the persistent record associating a committed image with the
// signatures that authorized it.
type State struct {
	_          struct{} `cbor:",toarray"`
	ImageID    hashid.ImageID
	Signatures []SignatureEntry
}

// Encode returns the CBOR encoding of s, the format ".state"/".new.state"
// files are stored in (spec.md §6).
func Encode(s State) ([]byte, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(s)
}

// Decode parses the bytes of a ".state" or ".new.state" file.
func Decode(data []byte) (State, error) {
	var s State
	err := cbor.Unmarshal(data, &s)
	return s, err
}

// Writing is the transient, in-memory record of an in-flight upload. It
// prevents concurrent conflicting uploads to the same VPath and is lost
// on restart; resumption reconstructs it from ".new.state" (spec.md §3).
type Writing struct {
	ImageID    hashid.ImageID
	Signatures []SignatureEntry
	Replacing  bool
}

// BaseDirState is the gossip/reconciliation payload for one base
// directory: its configuration/keep-list fences and the committed state
// of every final name beneath it (spec.md §3).
type BaseDirState struct {
	Path         string
	ConfigHash   hashid.Hash
	KeepListHash hashid.Hash
	Dirs         map[string]State // final_name -> State
}

// Hash computes the base directory's summary hash: the content hash of
// its canonical CBOR encoding. Two peers that have converged on the same
// VPath must compute equal summary hashes (spec.md §8).
func (b *BaseDirState) Hash() (hashid.Hash, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return hashid.Hash{}, err
	}
	// Sort final names explicitly: CBOR canonical map-key ordering is
	// already deterministic, but encoding through a slice keeps the
	// summary hash stable even if a future encoder changes map handling.
	names := make([]string, 0, len(b.Dirs))
	for n := range b.Dirs {
		names = append(names, n)
	}
	sort.Strings(names)
	wire := struct {
		_            struct{} `cbor:",toarray"`
		Path         string
		ConfigHash   hashid.Hash
		KeepListHash hashid.Hash
		Names        []string
		States       []State
	}{
		Path:         b.Path,
		ConfigHash:   b.ConfigHash,
		KeepListHash: b.KeepListHash,
		Names:        names,
	}
	for _, n := range names {
		wire.States = append(wire.States, b.Dirs[n])
	}
	data, err := em.Marshal(wire)
	if err != nil {
		return hashid.Hash{}, err
	}
	return hashid.Sum(data), nil
}
