// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/tessera-dev/tessera/lib/statefile"
)

// SignatureAlgo is the only signature algorithm the lockfile format
// supports.
const SignatureAlgo = "hmac-sha256"

// signingKeyInfo is the HKDF info string separating lockfile signing
// keys from any other derivation of the same root key material.
// Changing it invalidates every existing signature.
var signingKeyInfo = []byte("tessera.lockfile.signature.v1")

// Signature is the detached lockfile signature document. It binds a
// specific lockfile content hash; verifying a signature against a
// lockfile whose bytes have changed fails on the hash check before
// any key material is touched.
type Signature struct {
	Algo           string `json:"algo"`
	KeyID          string `json:"key_id"`
	LockfileSHA256 string `json:"lockfile_sha256"`
	SignatureHex   string `json:"signature_hex"`
}

// DeriveSigningKey derives the 32-byte HMAC key from root key
// material via HKDF-SHA256, salted with the key id.
func DeriveSigningKey(rootKey []byte, keyID string) ([]byte, error) {
	if len(rootKey) == 0 {
		return nil, fmt.Errorf("trust: empty signing root key")
	}
	reader := hkdf.New(sha256.New, rootKey, []byte(keyID), signingKeyInfo)
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("trust: deriving signing key: %w", err)
	}
	return key, nil
}

// SignLockfile produces a Signature over the lockfile hash (the hex
// SHA-256 returned by WriteLockfile or ReadLockfile), keyed from
// rootKey under keyID.
func SignLockfile(lockfileSHA256 string, rootKey []byte, keyID string) (*Signature, error) {
	digest, err := hex.DecodeString(lockfileSHA256)
	if err != nil {
		return nil, fmt.Errorf("trust: malformed lockfile hash: %w", err)
	}
	key, err := DeriveSigningKey(rootKey, keyID)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(digest)
	return &Signature{
		Algo:           SignatureAlgo,
		KeyID:          keyID,
		LockfileSHA256: lockfileSHA256,
		SignatureHex:   hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

// Verify checks the signature against a lockfile content hash.
// Any failure (unknown algorithm, hash not matching the signed
// lockfile, MAC mismatch) is fatal for lockfile loading as a whole,
// not per plugin.
func (s *Signature) Verify(lockfileSHA256 string, rootKey []byte) error {
	if s.Algo != SignatureAlgo {
		return fmt.Errorf("trust: unsupported signature algorithm %q", s.Algo)
	}
	if s.LockfileSHA256 != lockfileSHA256 {
		return fmt.Errorf("trust: signature covers lockfile %s, have %s",
			s.LockfileSHA256, lockfileSHA256)
	}

	expected, err := SignLockfile(lockfileSHA256, rootKey, s.KeyID)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(s.SignatureHex)
	if err != nil {
		return fmt.Errorf("trust: malformed signature hex: %w", err)
	}
	want, _ := hex.DecodeString(expected.SignatureHex)
	if !hmac.Equal(got, want) {
		return fmt.Errorf("trust: lockfile signature mismatch for key %s", s.KeyID)
	}
	return nil
}

// ReadSignature loads a detached signature file.
func ReadSignature(path string) (*Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signature file: %w", err)
	}
	var sig Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("decoding signature file %s: %w", path, err)
	}
	return &sig, nil
}

// WriteSignature writes a detached signature file atomically.
func WriteSignature(path string, sig *Signature) error {
	return statefile.Save(path, sig)
}
