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

// Package index defines the parsed, in-memory representation of an
// on-disk directory tree: the entries produced by the out-of-core
// "indexer" (spec.md §1), plus the block-set helpers the Upload
// Coordinator and Content Fetching path need.
package index

import (
	"fmt"

	"github.com/tailhook/ciruela/pkg/hashid"
)

// EntryKind discriminates the three entry shapes an Index can carry.
type EntryKind int

const (
	KindDir EntryKind = iota
	KindFile
	KindSymlink
)

// Entry is one record of a directory listing. Exactly one of the
// kind-specific fields is meaningful, selected by Kind.
type Entry struct {
	Kind EntryKind
	Path string // slash-separated, relative to the image root

	// File-only fields.
	Size   int64
	Exe    bool
	Hashes []hashid.Hash // one per block, in order; empty for size==0

	// Symlink-only field.
	Target string
}

// Index is the parsed representation of one committed directory. Entries
// are sorted such that a file's parent Dir entry precedes it.
type Index struct {
	HashAlgorithm string // e.g. "blake2b"
	BlockSize     int64
	Entries       []Entry
}

// ID computes the ImageID of idx: the content hash of its canonical CBOR
// encoding.
func (idx *Index) ID() (hashid.ImageID, error) {
	enc, err := Marshal(idx)
	if err != nil {
		return hashid.ImageID{}, err
	}
	return hashid.Sum(enc), nil
}

// BlockHashes returns the block hashes recorded for a File entry, as
// stored; it does not check their count against `ceil(size/block_size)`
// (BlockCount computes that figure) (spec.md §4.9 step 2).
func (idx *Index) BlockHashes(e *Entry) []hashid.Hash {
	return e.Hashes
}

// BlockCount returns ceil(size/blockSize), the number of blocks a file of
// the given size is expected to contribute. A zero-size file has zero
// blocks.
func BlockCount(size, blockSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + blockSize - 1) / blockSize)
}

// TotalBlocks sums BlockCount across every File entry in idx — the total
// block set an inbound transfer must fetch (spec.md §4.9 step 2).
func TotalBlocks(idx *Index) int {
	n := 0
	for _, e := range idx.Entries {
		if e.Kind == KindFile {
			n += BlockCount(e.Size, idx.BlockSize)
		}
	}
	return n
}

// Validate checks the structural invariants from spec.md §3: a file's
// parent directory entry precedes it, every file carries the hash count
// its size implies, and empty files carry none.
func (idx *Index) Validate() error {
	seenDirs := map[string]bool{"": true} // the image root is always present
	for _, e := range idx.Entries {
		switch e.Kind {
		case KindDir:
			seenDirs[e.Path] = true
		case KindFile, KindSymlink:
			if !seenDirs[parentOf(e.Path)] {
				return fmt.Errorf("index: entry %q has no preceding parent directory entry", e.Path)
			}
			if e.Kind == KindFile {
				want := BlockCount(e.Size, idx.BlockSize)
				if len(e.Hashes) != want {
					return fmt.Errorf("index: entry %q has %d block hashes, want %d", e.Path, len(e.Hashes), want)
				}
			}
		}
	}
	return nil
}

func parentOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return ""
}
