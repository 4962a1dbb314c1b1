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

package hashid

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestSumAndString(t *testing.T) {
	h := Sum([]byte("hello"))
	s := h.String()
	if len(s) != Size*2 {
		t.Fatalf("expected %d hex chars, got %d (%s)", Size*2, len(s), s)
	}
	h2, err := ParseHash(s)
	if err != nil {
		t.Fatal(err)
	}
	if h2 != h {
		t.Fatalf("round trip mismatch: %s != %s", h2, h)
	}
}

func TestHasherIncremental(t *testing.T) {
	want := Sum([]byte("helloworld"))
	hsr := NewHasher()
	hsr.Write([]byte("hello"))
	hsr.Write([]byte("world"))
	if got := hsr.Sum(); got != want {
		t.Fatalf("incremental hash mismatch: %s != %s", got, want)
	}
}

func TestHashCBORRoundTrip(t *testing.T) {
	h := Sum([]byte("block-data"))
	data, err := cbor.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	// Binary marshaling must produce a CBOR byte string, i.e. 32 raw
	// bytes plus a short header, not an array of 32 elements.
	if len(data) > Size+3 {
		t.Fatalf("expected compact byte-string encoding, got %d bytes", len(data))
	}
	var out Hash
	if err := cbor.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != h {
		t.Fatalf("cbor round trip mismatch: %s != %s", out, h)
	}
}

func TestParseHashInvalid(t *testing.T) {
	if _, err := ParseHash("not-hex"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := ParseHash("ab"); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestMachineIDRoundTrip(t *testing.T) {
	m, err := ParseMachineID("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	if m.String() != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("unexpected string form: %s", m)
	}
	data, err := cbor.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var out MachineID
	if err := cbor.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != m {
		t.Fatalf("cbor round trip mismatch: %s != %s", out, m)
	}
}
