package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

const (
	sha256Prefix     = "sha256s"
	sha256SaltLength = 16
)

// SHA256Digester digests secrets as SHA-256(salt || secret) with a fresh 16-byte salt.
// It is meant for high-entropy random token secrets, not passwords.
//
// Encoding: $sha256s$<salt_b64>$<sum_b64>
type SHA256Digester struct{}

// Issue returns the encoded salted digest of secret.
func (SHA256Digester) Issue(secret []byte) (string, error) {
	salt, err := newSalt(sha256SaltLength)
	if err != nil {
		return "", err
	}
	sum := saltedSum(salt, secret)
	b64 := base64.RawStdEncoding
	return "$" + sha256Prefix + "$" + b64.EncodeToString(salt) + "$" + b64.EncodeToString(sum[:]), nil
}

// Verify performs a constant-time comparison of secret's salted sum with the stored one.
func (SHA256Digester) Verify(secret []byte, digest string) bool {
	parts := strings.Split(digest, "$")
	if len(parts) != 4 || parts[0] != "" || parts[1] != sha256Prefix {
		return false
	}
	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[2])
	if err != nil || len(salt) == 0 {
		return false
	}
	want, err := b64.DecodeString(parts[3])
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got := saltedSum(salt, secret)
	return subtle.ConstantTimeCompare(got[:], want) == 1
}

func saltedSum(salt, secret []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(secret)
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
