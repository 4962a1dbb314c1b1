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

package main

import (
	"testing"
	"time"

	"github.com/tailhook/ciruela/pkg/config"
	"github.com/tailhook/ciruela/pkg/sigs"
	"github.com/tailhook/ciruela/pkg/state"
)

func TestConfigHashStableAcrossEqualConfigs(t *testing.T) {
	a := config.Directory{Directory: "/data/a", NumLevels: 2, KeepMaxDirectories: 5, KeepRecent: time.Hour}
	b := a
	if configHash(a) != configHash(b) {
		t.Fatal("equal configs hashed differently")
	}
	b.NumLevels = 3
	if configHash(a) == configHash(b) {
		t.Fatal("differing configs hashed the same")
	}
}

func TestKeepListHashIgnoresOrder(t *testing.T) {
	h1 := keepListHash([]string{"a", "b", "c"})
	h2 := keepListHash([]string{"c", "a", "b"})
	if h1 != h2 {
		t.Fatal("keep list hash should be order-independent")
	}
	h3 := keepListHash([]string{"a", "b"})
	if h1 == h3 {
		t.Fatal("differing keep lists hashed the same")
	}
}

func TestMaxTimestampPicksNewest(t *testing.T) {
	entries := []state.SignatureEntry{
		{Timestamp: 5, Signature: sigs.Signature{Scheme: sigs.Scheme}},
		{Timestamp: 9, Signature: sigs.Signature{Scheme: sigs.Scheme}},
		{Timestamp: 3, Signature: sigs.Signature{Scheme: sigs.Scheme}},
	}
	if got := maxTimestamp(entries); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}
}

func TestMaxTimestampEmpty(t *testing.T) {
	if got := maxTimestamp(nil); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
