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

package sigs

import (
	"crypto/ed25519"
	"testing"
)

func genKey(t *testing.T) (PublicKey, PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return PublicKey(pub), PrivateKey(priv)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := genKey(t)
	d := SigData{Path: "/dir1/a/1", Image: []byte("hello"), Time: 1700000000000}
	sigList, err := Sign(d, []PrivateKey{priv})
	if err != nil {
		t.Fatal(err)
	}
	if len(sigList) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(sigList))
	}
	if !Verify(d, sigList[0], []PublicKey{pub}) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv := genKey(t)
	otherPub, _ := genKey(t)
	d := SigData{Path: "/dir1/a/1", Image: []byte("hello"), Time: 1}
	sigList, err := Sign(d, []PrivateKey{priv})
	if err != nil {
		t.Fatal(err)
	}
	if Verify(d, sigList[0], []PublicKey{otherPub}) {
		t.Fatal("expected signature to fail against an unrelated key")
	}
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	pub, priv := genKey(t)
	d := SigData{Path: "/dir1/a/1", Image: []byte("hello"), Time: 1}
	sigList, err := Sign(d, []PrivateKey{priv})
	if err != nil {
		t.Fatal(err)
	}
	d2 := d
	d2.Time = 2
	if Verify(d2, sigList[0], []PublicKey{pub}) {
		t.Fatal("expected signature to fail after tuple changed")
	}
}

func TestVerifyAnyAcceptsAtLeastOneValid(t *testing.T) {
	pubA, privA := genKey(t)
	pubB, _ := genKey(t)
	d := SigData{Path: "/dir1/a/1", Image: []byte("x"), Time: 5}
	sigList, err := Sign(d, []PrivateKey{privA})
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyAny(d, sigList, []PublicKey{pubB, pubA}) {
		t.Fatal("expected VerifyAny to succeed when any allowed key matches")
	}
}

func TestCanonicalEncodingIsDeterministic(t *testing.T) {
	d := SigData{Path: "/dir1/a/1", Image: []byte("hello"), Time: 1700000000000}
	a, err := canonicalBytes(d)
	if err != nil {
		t.Fatal(err)
	}
	b, err := canonicalBytes(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatal("expected identical bytes for identical input")
	}
}
