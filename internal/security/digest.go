package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownAlgorithm is returned by NewDigester for an unsupported algorithm name.
	ErrUnknownAlgorithm = errors.New("unknown digest algorithm")
)

// Digester turns token secrets into one-way digests that are safe to persist and checks
// presented secrets against them. Each digest embeds the salt and parameters needed to verify it,
// so two digests of the same secret differ.
//
// Verify never fails on caller input: a mismatch or a malformed digest is reported as false.
type Digester interface {
	Issue(secret []byte) (string, error)
	Verify(secret []byte, digest string) bool
}

// Algorithm names accepted by NewDigester.
const (
	AlgorithmSHA256   = "sha256"
	AlgorithmArgon2id = "argon2id"
	AlgorithmBcrypt   = "bcrypt"
)

// DigestOptions carries the tunables for the algorithms that have any.
type DigestOptions struct {
	BcryptCost int
	Argon2id   Argon2idParams
}

// NewDigester returns the Digester registered under algorithm (case-insensitive).
// An empty name selects SHA-256.
func NewDigester(algorithm string, opts DigestOptions) (Digester, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", AlgorithmSHA256:
		return SHA256Digester{}, nil
	case AlgorithmArgon2id:
		p := opts.Argon2id
		if p == (Argon2idParams{}) {
			p = DefaultArgon2idParams()
		}
		return NewArgon2idDigester(p)
	case AlgorithmBcrypt:
		return NewBcryptDigester(opts.BcryptCost), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

func newSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	return salt, nil
}
