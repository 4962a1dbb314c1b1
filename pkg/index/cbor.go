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
	"github.com/fxamacker/cbor/v2"
	"github.com/tailhook/ciruela/pkg/hashid"
)

// wireEntry is the on-the-wire shape of an Entry, encoded as a CBOR array.
// A directory or symlink entry's nil Hashes list is encoded as CBOR null
// and decodes back to nil.
type wireEntry struct {
	_      struct{} `cbor:",toarray"`
	Kind   EntryKind
	Path   string
	Size   int64
	Exe    bool
	Hashes []hashid.Hash
	Target string
}

type wireIndex struct {
	_             struct{} `cbor:",toarray"`
	HashAlgorithm string
	BlockSize     int64
	Entries       []wireEntry
}

// Marshal produces the canonical CBOR encoding of idx, whose hash is the
// index's ImageID (spec.md §3).
func Marshal(idx *Index) ([]byte, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	w := wireIndex{
		HashAlgorithm: idx.HashAlgorithm,
		BlockSize:     idx.BlockSize,
		Entries:       make([]wireEntry, len(idx.Entries)),
	}
	for i, e := range idx.Entries {
		w.Entries[i] = wireEntry{
			Kind:   e.Kind,
			Path:   e.Path,
			Size:   e.Size,
			Exe:    e.Exe,
			Hashes: e.Hashes,
			Target: e.Target,
		}
	}
	return em.Marshal(w)
}

// Unmarshal parses the bytes produced by Marshal back into idx.
func Unmarshal(data []byte, idx *Index) error {
	var w wireIndex
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	idx.HashAlgorithm = w.HashAlgorithm
	idx.BlockSize = w.BlockSize
	idx.Entries = make([]Entry, len(w.Entries))
	for i, we := range w.Entries {
		idx.Entries[i] = Entry{
			Kind:   we.Kind,
			Path:   we.Path,
			Size:   we.Size,
			Exe:    we.Exe,
			Hashes: we.Hashes,
			Target: we.Target,
		}
	}
	return nil
}
