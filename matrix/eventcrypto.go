// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"
)

// A KeyID identifies an ed25519 signing key, e.g. "ed25519:auto".
type KeyID string

// JSONSigner signs canonical JSON on behalf of a server. The concrete
// implementation owns the private key material; the event code only ever
// sees the resulting signature block.
type JSONSigner interface {
	SignJSON(serverName string, keyID KeyID, message []byte) ([]byte, error)
}

// JSONVerifier checks a signature previously produced by a remote server's
// signing key. Fetching remote keys from notaries is the implementation's
// problem, not the event model's.
type JSONVerifier interface {
	VerifyJSON(ctx context.Context, serverName string, keyID KeyID, message, signature []byte) error
}

// contentHashOfEvent computes the sha256 content hash: the event with the
// signatures, unsigned and hashes keys removed, canonicalised.
func contentHashOfEvent(eventJSON []byte) ([32]byte, error) {
	var hash [32]byte
	unhashable, err := withoutKeys(eventJSON, "signatures", "unsigned", "hashes")
	if err != nil {
		return hash, err
	}
	canonical, err := CanonicalJSON(unhashable)
	if err != nil {
		return hash, err
	}
	return sha256.Sum256(canonical), nil
}

// referenceOfEvent computes the reference hash the event ID is derived from:
// sha256 over the redacted event with signatures and unsigned removed.
func referenceOfEvent(eventJSON []byte, verImpl RoomVersionImpl) ([32]byte, error) {
	var hash [32]byte
	redacted, err := verImpl.RedactEventJSON(eventJSON)
	if err != nil {
		return hash, err
	}
	hashable, err := withoutKeys(redacted, "signatures", "unsigned")
	if err != nil {
		return hash, err
	}
	canonical, err := CanonicalJSON(hashable)
	if err != nil {
		return hash, err
	}
	return sha256.Sum256(canonical), nil
}

// eventIDOfEvent derives the content-addressed event ID: "$" followed by the
// URL-safe unpadded base64 of the reference hash.
func eventIDOfEvent(eventJSON []byte, verImpl RoomVersionImpl) (string, error) {
	reference, err := referenceOfEvent(eventJSON, verImpl)
	if err != nil {
		return "", err
	}
	return "$" + base64.RawURLEncoding.EncodeToString(reference[:]), nil
}

// addContentHashesToEvent sets the hashes.sha256 key, replacing any hash the
// builder may have carried over.
func addContentHashesToEvent(eventJSON []byte) ([]byte, error) {
	hash, err := contentHashOfEvent(eventJSON)
	if err != nil {
		return nil, err
	}
	encoded := base64.RawStdEncoding.EncodeToString(hash[:])
	return sjson.SetBytes(eventJSON, "hashes.sha256", encoded)
}

// checkEventContentHash verifies that the hashes.sha256 key matches the
// event content. A mismatch means the event was modified in transit and must
// be treated as its redacted form.
func checkEventContentHash(eventJSON []byte) error {
	claimed := gjson.GetBytes(eventJSON, "hashes.sha256").Str
	if claimed == "" {
		return fmt.Errorf("matrix: missing sha256 content hash")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(claimed)
	if err != nil {
		return fmt.Errorf("matrix: invalid base64 in content hash: %w", err)
	}
	computed, err := contentHashOfEvent(eventJSON)
	if err != nil {
		return err
	}
	if !bytes.Equal(decoded, computed[:]) {
		return fmt.Errorf("matrix: content hash mismatch")
	}
	return nil
}

// SignEvent adds the content hash and the origin server's signature to a
// built event, producing the bytes that go out over federation.
func SignEvent(signer JSONSigner, serverName string, keyID KeyID, eventJSON []byte, verImpl RoomVersionImpl) ([]byte, error) {
	eventJSON, err := addContentHashesToEvent(eventJSON)
	if err != nil {
		return nil, err
	}
	redacted, err := verImpl.RedactEventJSON(eventJSON)
	if err != nil {
		return nil, err
	}
	unsigned, err := withoutKeys(redacted, "signatures", "unsigned")
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(unsigned)
	if err != nil {
		return nil, err
	}
	signature, err := signer.SignJSON(serverName, keyID, canonical)
	if err != nil {
		return nil, err
	}
	encoded := base64.RawStdEncoding.EncodeToString(signature)
	return sjson.SetBytes(eventJSON, fmt.Sprintf("signatures.%s.%s", escapeJSONPath(serverName), escapeJSONPath(string(keyID))), encoded)
}

// VerifyEventSignature checks the origin server's signature over the redacted
// event. The verifier resolves the named key; a signature by any one of the
// keys the event claims for that server is sufficient.
func VerifyEventSignature(ctx context.Context, verifier JSONVerifier, serverName string, eventJSON []byte, verImpl RoomVersionImpl) error {
	redacted, err := verImpl.RedactEventJSON(eventJSON)
	if err != nil {
		return err
	}
	sigs := gjson.GetBytes(eventJSON, "signatures."+escapeJSONPath(serverName))
	if !sigs.IsObject() {
		return fmt.Errorf("matrix: no signatures from %q", serverName)
	}
	unsigned, err := withoutKeys(redacted, "signatures", "unsigned")
	if err != nil {
		return err
	}
	canonical, err := CanonicalJSON(unsigned)
	if err != nil {
		return err
	}
	type claimedSig struct {
		keyID     KeyID
		signature []byte
	}
	var claimed []claimedSig
	sigs.ForEach(func(key, value gjson.Result) bool {
		signature, decodeErr := base64.RawStdEncoding.DecodeString(value.Str)
		if decodeErr != nil {
			return true
		}
		claimed = append(claimed, claimedSig{KeyID(key.Str), signature})
		return true
	})
	if len(claimed) == 0 {
		return fmt.Errorf("matrix: no decodable signatures from %q", serverName)
	}
	var lastErr error
	for _, sig := range claimed {
		if lastErr = verifier.VerifyJSON(ctx, serverName, sig.keyID, canonical, sig.signature); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func withoutKeys(input []byte, keys ...string) ([]byte, error) {
	var err error
	for _, key := range keys {
		if input, err = sjson.DeleteBytes(input, key); err != nil {
			return nil, err
		}
	}
	return input, nil
}

// escapeJSONPath escapes dots in server names and key IDs so sjson/gjson do
// not treat them as path separators.
func escapeJSONPath(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' || key[i] == '*' || key[i] == '?' {
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

// PublicKeyNotExpired is the ExpiredTS value for keys that are still valid.
const PublicKeyNotExpired = int64(0)

// PublicKeyLookupResult is a fetched signing key for a remote server,
// cacheable until ValidUntilTS.
type PublicKeyLookupResult struct {
	Key ed25519.PublicKey `json:"key"`
	// The unix epoch in milliseconds when this key expired, or
	// PublicKeyNotExpired if the key has not been replaced.
	ExpiredTS int64 `json:"expired_ts"`
	// The unix epoch in milliseconds until when the key can be treated as
	// valid without refetching it.
	ValidUntilTS int64 `json:"valid_until_ts"`
}

// WasValidAt reports whether the key is trustworthy for an event originating
// at the given timestamp.
func (r PublicKeyLookupResult) WasValidAt(atTS int64, strictValidityChecking bool) bool {
	if r.ExpiredTS != PublicKeyNotExpired && atTS >= r.ExpiredTS {
		return false
	}
	if strictValidityChecking && r.ValidUntilTS != 0 && atTS > r.ValidUntilTS {
		return false
	}
	return true
}

// SigningIdentity binds a server name to the key it signs events with. A
// server has one identity per virtual host.
type SigningIdentity struct {
	ServerName string
	KeyID      KeyID
	PrivateKey ed25519.PrivateKey
}

// Signer returns a JSONSigner backed by this identity's private key.
func (id *SigningIdentity) Signer() *LocalSigner {
	return &LocalSigner{PrivateKey: id.PrivateKey}
}

// LocalSigner is the in-process JSONSigner used for events this server
// originates. Remote verification goes through a full key ring instead.
type LocalSigner struct {
	PrivateKey ed25519.PrivateKey
}

func (s *LocalSigner) SignJSON(serverName string, keyID KeyID, message []byte) ([]byte, error) {
	if len(s.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("matrix: signing key for %q is not an ed25519 private key", serverName)
	}
	return ed25519.Sign(s.PrivateKey, message), nil
}

// StaticKeyRing verifies signatures against a fixed in-memory key set. Used
// in tests and for self-signed local events; production deployments plug in
// a verifier that fetches and caches remote keys.
type StaticKeyRing struct {
	PublicKeys map[string]map[KeyID]ed25519.PublicKey
}

func (k *StaticKeyRing) VerifyJSON(ctx context.Context, serverName string, keyID KeyID, message, signature []byte) error {
	keys, ok := k.PublicKeys[serverName]
	if !ok {
		return fmt.Errorf("matrix: no known keys for server %q", serverName)
	}
	publicKey, ok := keys[keyID]
	if !ok {
		return fmt.Errorf("matrix: unknown key %q for server %q", keyID, serverName)
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return fmt.Errorf("matrix: invalid signature by %q key %q", serverName, keyID)
	}
	return nil
}
