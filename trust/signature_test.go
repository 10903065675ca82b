// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"path/filepath"
	"strings"
	"testing"
)

var testRootKey = []byte("unit-test root key material")

func TestSignatureRoundTrip(t *testing.T) {
	lockHash := HashBytes([]byte("lockfile body"))

	sig, err := SignLockfile(lockHash, testRootKey, "key-2026")
	if err != nil {
		t.Fatalf("SignLockfile: %v", err)
	}
	if sig.Algo != SignatureAlgo {
		t.Errorf("Algo = %q, want %q", sig.Algo, SignatureAlgo)
	}
	if err := sig.Verify(lockHash, testRootKey); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestSignatureRejectsWrongKey(t *testing.T) {
	lockHash := HashBytes([]byte("lockfile body"))
	sig, err := SignLockfile(lockHash, testRootKey, "key-2026")
	if err != nil {
		t.Fatalf("SignLockfile: %v", err)
	}
	if err := sig.Verify(lockHash, []byte("some other root key")); err == nil {
		t.Error("Verify accepted a signature made with a different key")
	}
}

func TestSignatureRejectsTamperedLockfile(t *testing.T) {
	sig, err := SignLockfile(HashBytes([]byte("original")), testRootKey, "key-2026")
	if err != nil {
		t.Fatalf("SignLockfile: %v", err)
	}
	err = sig.Verify(HashBytes([]byte("tampered")), testRootKey)
	if err == nil {
		t.Fatal("Verify accepted a different lockfile hash")
	}
	if !strings.Contains(err.Error(), "covers lockfile") {
		t.Errorf("error %q does not name the hash binding", err)
	}
}

func TestSignatureRejectsUnknownAlgo(t *testing.T) {
	lockHash := HashBytes([]byte("x"))
	sig, err := SignLockfile(lockHash, testRootKey, "k")
	if err != nil {
		t.Fatalf("SignLockfile: %v", err)
	}
	sig.Algo = "ed25519"
	if err := sig.Verify(lockHash, testRootKey); err == nil {
		t.Error("Verify accepted an unknown algorithm")
	}
}

func TestDeriveSigningKeyVariesByKeyID(t *testing.T) {
	a, err := DeriveSigningKey(testRootKey, "key-a")
	if err != nil {
		t.Fatalf("DeriveSigningKey: %v", err)
	}
	b, err := DeriveSigningKey(testRootKey, "key-b")
	if err != nil {
		t.Fatalf("DeriveSigningKey: %v", err)
	}
	if string(a) == string(b) {
		t.Error("different key ids derived identical keys")
	}
	if _, err := DeriveSigningKey(nil, "k"); err == nil {
		t.Error("empty root key accepted")
	}
}

func TestSignatureFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.lock.sig.json")
	sig, err := SignLockfile(HashBytes([]byte("body")), testRootKey, "key-2026")
	if err != nil {
		t.Fatalf("SignLockfile: %v", err)
	}
	if err := WriteSignature(path, sig); err != nil {
		t.Fatalf("WriteSignature: %v", err)
	}
	loaded, err := ReadSignature(path)
	if err != nil {
		t.Fatalf("ReadSignature: %v", err)
	}
	if *loaded != *sig {
		t.Errorf("ReadSignature = %+v, want %+v", loaded, sig)
	}
}
