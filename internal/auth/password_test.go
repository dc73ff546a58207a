package auth

import (
	"strings"
	"testing"
)

func testHasher() *Hasher {
	return NewHasher(HashParams{Memory: 1024, Iterations: 1, Parallelism: 1})
}

func TestHasherRoundTrip(t *testing.T) {
	h := testHasher()
	digest, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(digest, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Fatalf("unexpected digest format: %s", digest)
	}
	if !h.Verify("correct horse battery staple", digest) {
		t.Fatalf("expected password to verify")
	}
	if h.Verify("correct horse battery stapl", digest) {
		t.Fatalf("expected wrong password to fail")
	}
}

func TestHasherSaltsEveryDigest(t *testing.T) {
	h := testHasher()
	a, err := h.Hash("password1")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := h.Hash("password1")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct digests for the same password")
	}
}

func TestHasherMalformedDigest(t *testing.T) {
	h := testHasher()
	for _, digest := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$aGFzaA",
		"$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$",
		"$2a$10$abcdefghijklmnopqrstuv",
	} {
		if h.Verify("password", digest) {
			t.Fatalf("digest %q should never verify", digest)
		}
	}
}

func TestHasherRejectsEmptyPassword(t *testing.T) {
	if _, err := testHasher().Hash(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
}

func TestHasherNeedsRehash(t *testing.T) {
	weak := testHasher()
	digest, err := weak.Hash("password1")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if weak.NeedsRehash(digest) {
		t.Fatalf("digest from the same params should not need rehash")
	}
	stronger := NewHasher(HashParams{Memory: 2048, Iterations: 1, Parallelism: 1})
	if !stronger.NeedsRehash(digest) {
		t.Fatalf("expected rehash after parameter change")
	}
	if !stronger.Verify("password1", digest) {
		t.Fatalf("old digest must still verify under new params")
	}
	if !stronger.NeedsRehash("garbage") {
		t.Fatalf("malformed digest should need rehash")
	}
}
