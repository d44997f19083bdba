package auth

import (
	"errors"
	"testing"
)

func TestEventVerifierAcceptsOwnDigest(t *testing.T) {
	verifier, err := NewEventVerifier("secret")
	if err != nil {
		t.Fatalf("verifier construction failed: %v", err)
	}
	digest := verifier.Digest("game-1", "nonce-1", 1700000000000, "token-1")
	if err := verifier.Verify("game-1", "nonce-1", 1700000000000, "token-1", digest); err != nil {
		t.Fatalf("expected digest to verify: %v", err)
	}
}

func TestEventVerifierRejectsTampering(t *testing.T) {
	verifier, err := NewEventVerifier("secret")
	if err != nil {
		t.Fatalf("verifier construction failed: %v", err)
	}
	digest := verifier.Digest("game-1", "nonce-1", 1700000000000, "token-1")

	cases := []struct {
		name        string
		game, nonce string
		timestamp   int64
		token       string
	}{
		{"different session", "game-2", "nonce-1", 1700000000000, "token-1"},
		{"different nonce", "game-1", "nonce-2", 1700000000000, "token-1"},
		{"edited timestamp", "game-1", "nonce-1", 1700000000001, "token-1"},
		{"different token", "game-1", "nonce-1", 1700000000000, "token-2"},
	}
	for _, tc := range cases {
		if err := verifier.Verify(tc.game, tc.nonce, tc.timestamp, tc.token, digest); !errors.Is(err, ErrDigestMismatch) {
			t.Fatalf("%s: expected ErrDigestMismatch, got %v", tc.name, err)
		}
	}
}

func TestEventVerifierRejectsEmptyDigest(t *testing.T) {
	verifier, err := NewEventVerifier("secret")
	if err != nil {
		t.Fatalf("verifier construction failed: %v", err)
	}
	if err := verifier.Verify("game-1", "nonce-1", 0, "token-1", "  "); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestNewEventVerifierRequiresSecret(t *testing.T) {
	if _, err := NewEventVerifier("   "); err == nil {
		t.Fatal("expected an error for a blank secret")
	}
}
