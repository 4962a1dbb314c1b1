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

// Package sigs implements the signature service: producing and verifying
// Ed25519 signatures over the canonical (path, image, timestamp) tuple
// that authorizes an upload.
package sigs

import (
	"crypto/ed25519"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/ssh"
)

// Scheme is the only signature scheme this daemon accepts, matching the
// wire format in spec.md §3.
const Scheme = "ssh-ed25519"

// SigData is the tuple that gets signed: a virtual path, the image bytes
// (the canonical index blob, or its id — callers decide what "image"
// means at their layer), and a millisecond timestamp.
type SigData struct {
	_     struct{} `cbor:",toarray"`
	Path  string
	Image []byte
	Time  uint64 // timestamp_ms
}

// Signature is a detached Ed25519 signature together with its scheme tag.
type Signature struct {
	Scheme string `cbor:"scheme"`
	Bytes  []byte `cbor:"bytes"`
}

// PrivateKey is an Ed25519 signing key, as produced by ed25519.GenerateKey
// or parsed from an SSH private key file (out of scope; see spec.md §1).
type PrivateKey ed25519.PrivateKey

// PublicKey is an Ed25519 verification key, typically parsed from an
// "ssh-ed25519 AAAA..." authorized_keys line.
type PublicKey ed25519.PublicKey

// canonicalBytes returns the CBOR encoding of (path, image, timestamp_ms)
// in exactly that order, used as the signing/verification input. Multiple
// independent implementations must produce byte-identical output for the
// same tuple, so this uses CBOR's canonical (deterministic) encoding mode.
func canonicalBytes(d SigData) ([]byte, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(d)
}

// Sign produces one signature per key over d.
func Sign(d SigData, keys []PrivateKey) ([]Signature, error) {
	msg, err := canonicalBytes(d)
	if err != nil {
		return nil, fmt.Errorf("sigs: encode sig data: %w", err)
	}
	out := make([]Signature, len(keys))
	for i, k := range keys {
		out[i] = Signature{
			Scheme: Scheme,
			Bytes:  ed25519.Sign(ed25519.PrivateKey(k), msg),
		}
	}
	return out, nil
}

// Verify reports whether sig validates d against any key in allowed.
func Verify(d SigData, sig Signature, allowed []PublicKey) bool {
	if sig.Scheme != Scheme {
		return false
	}
	msg, err := canonicalBytes(d)
	if err != nil {
		return false
	}
	for _, k := range allowed {
		if len(k) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(k), msg, sig.Bytes) {
			return true
		}
	}
	return false
}

// VerifyAny reports whether at least one of sigs validates d against any
// key in allowed — the acceptance rule used by the Metadata Store
// (spec.md §4.1: "at least one signature to verify").
func VerifyAny(d SigData, sigList []Signature, allowed []PublicKey) bool {
	for _, s := range sigList {
		if Verify(d, s, allowed) {
			return true
		}
	}
	return false
}

// ParseAuthorizedKey parses one "ssh-ed25519 AAAA... comment" line, the
// format used by the upload_keys/download_keys key files (spec.md §6).
// SSH key-file parsing at the filesystem level is out of scope (spec.md
// §1); this is the per-line parser those out-of-scope loaders call into.
func ParseAuthorizedKey(line []byte) (PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(line)
	if err != nil {
		return nil, fmt.Errorf("sigs: parse authorized key: %w", err)
	}
	cryptoPub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("sigs: key type %q has no crypto.PublicKey", pub.Type())
	}
	edPub, ok := cryptoPub.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("sigs: key type %q is not ed25519", pub.Type())
	}
	return PublicKey(edPub), nil
}
