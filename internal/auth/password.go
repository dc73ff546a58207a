package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// HashParams are the argon2id cost parameters embedded in every digest.
type HashParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
	SaltLength  uint32
}

// DefaultHashParams is used when a Hasher is built without explicit params.
var DefaultHashParams = HashParams{
	Memory:      64 * 1024,
	Iterations:  2,
	Parallelism: 1,
	KeyLength:   32,
	SaltLength:  16,
}

var errMalformedDigest = errors.New("malformed password digest")

// Hasher produces and checks argon2id digests in PHC string form:
// $argon2id$v=19$m=65536,t=2,p=1$<salt>$<hash>
type Hasher struct {
	params HashParams
	dummy  string
}

// NewHasher returns a hasher using params. Zero fields fall back to defaults.
func NewHasher(params HashParams) *Hasher {
	if params.Memory == 0 {
		params.Memory = DefaultHashParams.Memory
	}
	if params.Iterations == 0 {
		params.Iterations = DefaultHashParams.Iterations
	}
	if params.Parallelism == 0 {
		params.Parallelism = DefaultHashParams.Parallelism
	}
	if params.KeyLength == 0 {
		params.KeyLength = DefaultHashParams.KeyLength
	}
	if params.SaltLength == 0 {
		params.SaltLength = DefaultHashParams.SaltLength
	}
	h := &Hasher{params: params}
	// The dummy digest is verified against when a stored digest is corrupt, so
	// both failure paths pay for one derivation.
	h.dummy, _ = h.Hash("dummy-password")
	return h
}

// Hash derives a digest from plain with a fresh random salt.
func (h *Hasher) Hash(plain string) (string, error) {
	if plain == "" {
		return "", fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plain), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plain matches digest. A malformed digest never
// matches and never errors.
func (h *Hasher) Verify(plain, digest string) bool {
	salt, key, params, err := decodeDigest(digest)
	if err != nil {
		h.burn(plain)
		return false
	}
	candidate := argon2.IDKey([]byte(plain), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(key, candidate) == 1
}

// NeedsRehash reports whether digest was produced with different parameters
// than the hasher currently uses.
func (h *Hasher) NeedsRehash(digest string) bool {
	_, key, params, err := decodeDigest(digest)
	if err != nil {
		return true
	}
	return params.Memory != h.params.Memory ||
		params.Iterations != h.params.Iterations ||
		params.Parallelism != h.params.Parallelism ||
		uint32(len(key)) != h.params.KeyLength
}

func (h *Hasher) burn(plain string) {
	salt, key, params, err := decodeDigest(h.dummy)
	if err != nil {
		return
	}
	_ = argon2.IDKey([]byte(plain), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(key)))
}

func decodeDigest(encoded string) (salt, key []byte, params HashParams, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, nil, params, errMalformedDigest
	}
	if parts[1] != "argon2id" {
		return nil, nil, params, fmt.Errorf("%w: unsupported algorithm %q", errMalformedDigest, parts[1])
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, params, errMalformedDigest
	}
	if version != argon2.Version {
		return nil, nil, params, fmt.Errorf("%w: unsupported version %d", errMalformedDigest, version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return nil, nil, params, errMalformedDigest
	}
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return nil, nil, params, errMalformedDigest
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return nil, nil, params, errMalformedDigest
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return nil, nil, params, errMalformedDigest
	}
	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))
	return salt, key, params, nil
}
