// Copyright 2025 James Ross
// Package signing verifies Ed25519 manifest signatures of the form
// "ed25519:<key-id>:<base64(64B)>" against a set of trust roots loaded at
// startup, not compiled into the binary.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/flyingrobots/pluginhost/internal/canonjson"
)

var (
	ErrSignatureFormat  = errors.New("signing: malformed signature string")
	ErrPublicKeyNotFound = errors.New("signing: public key not found for key id")
	ErrSignatureInvalid  = errors.New("signing: signature verification failed")
)

// TrustStore holds the public keys the verifier trusts, keyed by key id.
// internal/host builds the production store at startup from an
// operator-supplied trusted-keys file; RegisterKey exists so tests and that
// loader can add further keys without rebuilding the store from scratch.
type TrustStore struct {
	keys map[string]ed25519.PublicKey
}

// NewTrustStore returns a store seeded with one trust root.
func NewTrustStore(productionKeyID string, productionKey ed25519.PublicKey) *TrustStore {
	ts := &TrustStore{keys: map[string]ed25519.PublicKey{}}
	if productionKeyID != "" {
		ts.keys[productionKeyID] = productionKey
	}
	return ts
}

// RegisterKey adds a trusted key. internal/host uses it for every entry of
// the trusted-keys file after the first; tests use it to add test-vector
// keys.
func (ts *TrustStore) RegisterKey(keyID string, key ed25519.PublicKey) {
	ts.keys[keyID] = key
}

// ParsedSignature is the decoded form of "ed25519:<key-id>:<base64>".
type ParsedSignature struct {
	KeyID string
	Sig   []byte
}

// ParseSignature parses and strictly validates the signature string shape.
func ParseSignature(s string) (*ParsedSignature, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "ed25519" || parts[1] == "" {
		return nil, ErrSignatureFormat
	}
	sig, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureFormat, err)
	}
	if len(sig) != ed25519.SignatureSize {
		// Strict-verify: reject any signature that isn't exactly 64 bytes,
		// closing off malleable or truncated/padded encodings.
		return nil, ErrSignatureFormat
	}
	return &ParsedSignature{KeyID: parts[1], Sig: sig}, nil
}

// VerifyManifest verifies sigString against the canonical-for-signing bytes
// of manifest, using a public key looked up by the signature's key id.
func (ts *TrustStore) VerifyManifest(manifest interface{}, sigString string) error {
	parsed, err := ParseSignature(sigString)
	if err != nil {
		return err
	}
	pub, ok := ts.keys[parsed.KeyID]
	if !ok {
		return ErrPublicKeyNotFound
	}
	msg, err := canonjson.CanonicalizeForSigning(manifest)
	if err != nil {
		return fmt.Errorf("signing: canonicalize: %w", err)
	}
	if !ed25519.Verify(pub, msg, parsed.Sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign produces a "ed25519:<key-id>:<base64>" signature string over the
// canonical-for-signing bytes of manifest. Used by test fixtures and the
// manifest-generation tooling, not by the runtime's verification path.
func Sign(manifest interface{}, keyID string, priv ed25519.PrivateKey) (string, error) {
	msg, err := canonjson.CanonicalizeForSigning(manifest)
	if err != nil {
		return "", fmt.Errorf("signing: canonicalize: %w", err)
	}
	sig := ed25519.Sign(priv, msg)
	return fmt.Sprintf("ed25519:%s:%s", keyID, base64.StdEncoding.EncodeToString(sig)), nil
}
