package security

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const argon2Version = 19 // argon2.Version (0x13)

// ErrInvalidArgon2idParams is returned by NewArgon2idDigester for out-of-range parameters.
var ErrInvalidArgon2idParams = errors.New("invalid argon2id parameters")

// Argon2idParams controls Argon2id cost. MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2idParams returns a baseline sized for per-token digests (19 MiB, t=2, p=1).
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		MemoryKiB:   19 * 1024,
		Iterations:  2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Argon2idDigester digests secrets with Argon2id.
//
// Encoding: $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<key_b64>
type Argon2idDigester struct {
	Params Argon2idParams
}

// NewArgon2idDigester validates p and returns a digester using it.
func NewArgon2idDigester(p Argon2idParams) (*Argon2idDigester, error) {
	if p.MemoryKiB < 8 || p.Iterations == 0 || p.Parallelism == 0 {
		return nil, ErrInvalidArgon2idParams
	}
	if p.SaltLength < 8 || p.SaltLength > 64 || p.KeyLength < 16 || p.KeyLength > 128 {
		return nil, ErrInvalidArgon2idParams
	}
	return &Argon2idDigester{Params: p}, nil
}

// Issue returns the encoded Argon2id digest of secret under a fresh salt.
func (d *Argon2idDigester) Issue(secret []byte) (string, error) {
	salt, err := newSalt(int(d.Params.SaltLength))
	if err != nil {
		return "", err
	}
	key := argon2.IDKey(secret, salt, d.Params.Iterations, d.Params.MemoryKiB, d.Params.Parallelism, d.Params.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version,
		d.Params.MemoryKiB,
		d.Params.Iterations,
		d.Params.Parallelism,
		b64.EncodeToString(salt),
		b64.EncodeToString(key),
	), nil
}

// Verify recomputes the key with the digest's embedded parameters and compares in constant time.
// Digests whose parameters exceed twice the configured ones are rejected without hashing.
func (d *Argon2idDigester) Verify(secret []byte, digest string) bool {
	params, salt, expected, ok := decodeArgon2id(digest)
	if !ok || !withinBounds(params, d.Params) {
		return false
	}
	key := argon2.IDKey(secret, salt, params.Iterations, params.MemoryKiB, params.Parallelism, uint32(len(expected))) // #nosec G115 -- bounded by decodeArgon2id
	return subtle.ConstantTimeCompare(key, expected) == 1
}

func withinBounds(got, limits Argon2idParams) bool {
	if got.MemoryKiB > limits.MemoryKiB*2 || got.Iterations > limits.Iterations*2 {
		return false
	}
	if uint32(got.Parallelism) > uint32(limits.Parallelism)*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 || got.KeyLength < 16 || got.KeyLength > 128 {
		return false
	}
	return true
}

func decodeArgon2id(encoded string) (Argon2idParams, []byte, []byte, bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" || parts[2] != "v=19" {
		return Argon2idParams{}, nil, nil, false
	}
	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return Argon2idParams{}, nil, nil, false
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Argon2idParams{}, nil, nil, false
	}
	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Argon2idParams{}, nil, nil, false
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return Argon2idParams{}, nil, nil, false
	}
	return Argon2idParams{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),
		SaltLength:  uint32(len(salt)), // #nosec G115
		KeyLength:   uint32(len(key)),  // #nosec G115
	}, salt, key, true
}
