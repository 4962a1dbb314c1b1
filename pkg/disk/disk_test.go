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

package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/index"
)

func TestWriteBlockIdempotent(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(2)
	ctx := context.Background()
	data := []byte("hello")
	if err := e.WriteBlock(ctx, dir, "a/file", 0, data); err != nil {
		t.Fatal(err)
	}
	if err := e.WriteBlock(ctx, dir, "a/file", 0, data); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "a/file"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected contents %q", got)
	}
}

func TestCommitImageVerifiesAndRenames(t *testing.T) {
	tempDir := t.TempDir()
	parentDir := t.TempDir()
	e := NewEngine(2)
	ctx := context.Background()

	block := []byte("0123456789")
	if err := e.WriteBlock(ctx, tempDir, "file.bin", 0, block); err != nil {
		t.Fatal(err)
	}
	if err := e.WriteBlock(ctx, tempDir, "exe.sh", 0, []byte("#!/bin/sh\n")); err != nil {
		t.Fatal(err)
	}

	idx := &index.Index{
		BlockSize: 4096,
		Entries: []index.Entry{
			{Kind: index.KindDir, Path: ""},
			{Kind: index.KindFile, Path: "file.bin", Size: int64(len(block)), Hashes: []hashid.Hash{hashid.Sum(block)}},
			{Kind: index.KindFile, Path: "exe.sh", Size: 10, Exe: true, Hashes: []hashid.Hash{hashid.Sum([]byte("#!/bin/sh\n"))}},
			{Kind: index.KindFile, Path: "empty.txt", Size: 0},
			{Kind: index.KindSymlink, Path: "link", Target: "file.bin"},
		},
	}

	err := e.CommitImage(ctx, CommitParams{
		TempDir:   tempDir,
		ParentDir: parentDir,
		FinalName: "1",
		Index:     idx,
	})
	if err != nil {
		t.Fatal(err)
	}

	final := filepath.Join(parentDir, "1")
	info, err := os.Stat(filepath.Join(final, "exe.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0755 {
		t.Fatalf("expected exe bit set, got %v", info.Mode())
	}
	if _, err := os.Stat(filepath.Join(final, "empty.txt")); err != nil {
		t.Fatalf("expected empty file to exist: %v", err)
	}
	target, err := os.Readlink(filepath.Join(final, "link"))
	if err != nil || target != "file.bin" {
		t.Fatalf("unexpected symlink target %q err=%v", target, err)
	}
}

func TestCommitImageRejectsChecksumMismatch(t *testing.T) {
	tempDir := t.TempDir()
	parentDir := t.TempDir()
	e := NewEngine(2)
	ctx := context.Background()

	if err := e.WriteBlock(ctx, tempDir, "file.bin", 0, []byte("corrupted")); err != nil {
		t.Fatal(err)
	}

	idx := &index.Index{
		BlockSize: 4096,
		Entries: []index.Entry{
			{Kind: index.KindDir, Path: ""},
			{Kind: index.KindFile, Path: "file.bin", Size: 9, Hashes: []hashid.Hash{hashid.Sum([]byte("original!"))}},
		},
	}

	err := e.CommitImage(ctx, CommitParams{TempDir: tempDir, ParentDir: parentDir, FinalName: "1", Index: idx})
	if err == nil {
		t.Fatal("expected checksum error")
	}
	var ce *ChecksumError
	if !isChecksumError(err, &ce) {
		t.Fatalf("expected *ChecksumError, got %v (%T)", err, err)
	}
}

func isChecksumError(err error, target **ChecksumError) bool {
	ce, ok := err.(*ChecksumError)
	if ok {
		*target = ce
	}
	return ok
}

func TestReadBlockServesCommittedBlocks(t *testing.T) {
	tempDir := t.TempDir()
	parentDir := t.TempDir()
	e := NewEngine(2)
	ctx := context.Background()

	blockA := []byte("aaaaaaaaaa")
	blockB := []byte("bbbbbbbbbb")
	content := append(append([]byte{}, blockA...), blockB...)
	if err := e.WriteBlock(ctx, tempDir, "file.bin", 0, content); err != nil {
		t.Fatal(err)
	}

	idx := &index.Index{
		BlockSize: 10,
		Entries: []index.Entry{
			{Kind: index.KindDir, Path: ""},
			{
				Kind:   index.KindFile,
				Path:   "file.bin",
				Size:   int64(len(content)),
				Hashes: []hashid.Hash{hashid.Sum(blockA), hashid.Sum(blockB)},
			},
		},
	}

	err := e.CommitImage(ctx, CommitParams{TempDir: tempDir, ParentDir: parentDir, FinalName: "1", Index: idx})
	if err != nil {
		t.Fatal(err)
	}

	got, err := e.ReadBlock(ctx, hashid.Sum(blockA))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(blockA) {
		t.Fatalf("unexpected block A contents %q", got)
	}

	got, err = e.ReadBlock(ctx, hashid.Sum(blockB))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(blockB) {
		t.Fatalf("unexpected block B contents %q", got)
	}
}

func TestReadBlockUnknownHash(t *testing.T) {
	e := NewEngine(2)
	_, err := e.ReadBlock(context.Background(), hashid.Sum([]byte("never committed")))
	if err != ErrBlockNotFound {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestReadKeepListEmptyWhenAbsent(t *testing.T) {
	e := NewEngine(2)
	out, err := e.ReadKeepList(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty list, got %v", out)
	}
}

func TestReadKeepListParsesLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keep.txt")
	if err := os.WriteFile(path, []byte("a\nb\n\nc\n"), 0644); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(2)
	out, err := e.ReadKeepList(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 entries, got %v", out)
	}
}
