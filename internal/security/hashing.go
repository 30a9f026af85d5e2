package security

import (
	"golang.org/x/crypto/bcrypt"
)

func clampBcryptCost(cost int) int {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return cost
}

// Hasher hashes and verifies user passwords using bcrypt. Callers must not log or
// persist plaintext passwords.
type Hasher struct {
	Cost int
}

// NewHasher returns a Hasher with the given bcrypt cost (4–31). Cost 12 is a
// reasonable default for interactive login.
func NewHasher(cost int) *Hasher {
	return &Hasher{Cost: clampBcryptCost(cost)}
}

// Hash produces a bcrypt hash of password suitable for storage.
func (h *Hasher) Hash(password []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(password, h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare verifies password against the stored hash. Returns nil if they match;
// returns an error (including bcrypt.ErrMismatchedHashAndPassword) if they do not or on invalid hash.
func (h *Hasher) Compare(hash string, password []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), password)
}

// BcryptDigester is a Digester backed by bcrypt. bcrypt reads at most 72 bytes of
// secret, so secrets longer than that are rejected by Issue.
type BcryptDigester struct {
	Cost int
}

// NewBcryptDigester returns a BcryptDigester with the cost clamped to bcrypt's range.
func NewBcryptDigester(cost int) *BcryptDigester {
	return &BcryptDigester{Cost: clampBcryptCost(cost)}
}

// Issue returns the bcrypt hash of secret. The salt is embedded in the hash.
func (d *BcryptDigester) Issue(secret []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(secret, d.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify reports whether secret matches digest.
func (d *BcryptDigester) Verify(secret []byte, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), secret) == nil
}
