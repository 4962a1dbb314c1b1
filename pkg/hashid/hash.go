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

// Package hashid defines the fixed-size content hashes and host/image
// identifiers shared across the daemon: block hashes, image ids and
// machine ids.
package hashid

import (
	"bytes"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// Size is the length in bytes of a Hash.
const Size = 32

// Hash is a Blake2b-256 digest, used for block hashes, configuration
// hashes, keep-list hashes and base-directory summary hashes.
//
// It is a value type: it supports == and can be used as a map key.
type Hash [Size]byte

// Sum returns the Blake2b-256 hash of data.
func Sum(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// NewHasher returns a fresh incremental Blake2b-256 hasher.
func NewHasher() *Hasher {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for a bad key, and we pass none.
		panic(err)
	}
	return &Hasher{h: h}
}

// Hasher wraps hash.Hash to yield a Hash instead of raw bytes.
type Hasher struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
		Reset()
	}
}

func (w *Hasher) Write(p []byte) (int, error) { return w.h.Write(p) }

// Sum returns the current Hash without resetting the hasher.
func (w *Hasher) Sum() Hash {
	var out Hash
	copy(out[:], w.h.Sum(nil))
	return out
}

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a lowercase hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != Size {
		return h, errors.New("hashid: wrong hash length")
	}
	copy(h[:], b)
	return h, nil
}

// Less gives Hash a byte-wise total order, used for ImageID ordering.
func (h Hash) Less(o Hash) bool {
	return bytes.Compare(h[:], o[:]) < 0
}

// MarshalBinary implements encoding.BinaryMarshaler so hashes are
// serialized as raw bytes in CBOR frames rather than as an array of
// small integers.
func (h Hash) MarshalBinary() ([]byte, error) {
	return h[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *Hash) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return errors.New("hashid: wrong hash length")
	}
	copy(h[:], data)
	return nil
}

// ImageID uniquely identifies an image's content: the hash of its
// canonical index blob. It is an alias of Hash, so the compiler does not
// tell the two apart.
type ImageID = Hash

// ShardPrefix returns the first two hex characters of the id, used to
// shard index blobs on disk (indexes/<hex[0:2]>/<hex>.ds1).
func ShardPrefix(id ImageID) string {
	return id.String()[:2]
}

// MachineIDSize is the length in bytes of a MachineID.
const MachineIDSize = 16

// MachineID is a stable per-host identifier read from the host OS
// (/etc/machine-id, 32 hex chars decoding to 16 bytes).
type MachineID [MachineIDSize]byte

func (m MachineID) String() string {
	return hex.EncodeToString(m[:])
}

func (m MachineID) IsZero() bool {
	return m == MachineID{}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m MachineID) MarshalBinary() ([]byte, error) {
	return m[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *MachineID) UnmarshalBinary(data []byte) error {
	if len(data) != MachineIDSize {
		return errors.New("hashid: wrong machine id length")
	}
	copy(m[:], data)
	return nil
}

// ParseMachineID parses a 32-hex-char machine id.
func ParseMachineID(s string) (MachineID, error) {
	var m MachineID
	b, err := hex.DecodeString(s)
	if err != nil {
		return m, err
	}
	if len(b) != MachineIDSize {
		return m, errors.New("hashid: wrong machine id length")
	}
	copy(m[:], b)
	return m, nil
}
