// Copyright 2025 James Ross
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func testManifest() map[string]interface{} {
	return map[string]interface{}{
		"id":         "claude-usage",
		"name":       "Claude Usage",
		"version":    "1.0.0",
		"apiVersion": "1.0",
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ts := NewTrustStore("test-key", pub)

	sig, err := Sign(testManifest(), "test-key", priv)
	require.NoError(t, err)

	require.NoError(t, ts.VerifyManifest(testManifest(), sig))
}

func TestVerifyFlippedContentByteFails(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ts := NewTrustStore("test-key", pub)

	sig, err := Sign(testManifest(), "test-key", priv)
	require.NoError(t, err)

	tampered := testManifest()
	tampered["name"] = "Claude Usag3"
	require.ErrorIs(t, ts.VerifyManifest(tampered, sig), ErrSignatureInvalid)
}

func TestVerifyFlippedSignatureByteFails(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ts := NewTrustStore("test-key", pub)

	sig, err := Sign(testManifest(), "test-key", priv)
	require.NoError(t, err)

	parsed, err := ParseSignature(sig)
	require.NoError(t, err)
	parsed.Sig[0] ^= 0xff
	tampered := "ed25519:test-key:" + base64.StdEncoding.EncodeToString(parsed.Sig)
	require.ErrorIs(t, ts.VerifyManifest(testManifest(), tampered), ErrSignatureInvalid)
}

func TestVerifyUnknownKeyID(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = pub
	ts := NewTrustStore("prod-key", pub)

	sig, err := Sign(testManifest(), "other-key", priv)
	require.NoError(t, err)

	require.ErrorIs(t, ts.VerifyManifest(testManifest(), sig), ErrPublicKeyNotFound)
}

func TestParseSignatureRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"ed25519:missing-sig",
		"rsa:key1:AAAA",
		":key1:AAAA",
		"ed25519::AAAA",
		"ed25519:key1:not-base64!!",
		"ed25519:key1:AAAA", // too short to decode to 64 bytes
	}
	for _, c := range cases {
		_, err := ParseSignature(c)
		require.Error(t, err, c)
	}
}

func TestProductionTrustStoreHasNoTestKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	ts := NewTrustStore("production-2025", pub)
	require.Len(t, ts.keys, 1)
	_, ok := ts.keys["test-vector"]
	require.False(t, ok)
}
