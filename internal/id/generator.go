// Package id generates random 64-bit and 128-bit identifiers for sessions, tokens and users.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Generator produces identifiers drawn uniformly from the full 64-bit or 128-bit range.
// Implementations hold no state between calls and are safe for concurrent use.
type Generator interface {
	NewU64() uint64
	NewU128() U128
}

// Random is a Generator backed by an entropy source. The zero value reads from crypto/rand.
// Collisions are not detected here; storage rejects duplicate ids on insert.
type Random struct {
	Source io.Reader
}

// NewRandom returns a Generator reading from crypto/rand.
func NewRandom() Random {
	return Random{}
}

// NewU64 returns a random uint64. It panics if the entropy source fails.
func (r Random) NewU64() uint64 {
	var b [8]byte
	r.fill(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// NewU128 returns a random 128-bit value. It panics if the entropy source fails.
func (r Random) NewU128() U128 {
	var u U128
	r.fill(u[:])
	return u
}

func (r Random) fill(b []byte) {
	src := r.Source
	if src == nil {
		src = rand.Reader
	}
	if _, err := io.ReadFull(src, b); err != nil {
		panic(fmt.Sprintf("id: entropy source failed: %v", err))
	}
}

// U128 is a 128-bit identifier stored big-endian.
type U128 [16]byte

// Hi returns the upper 64 bits.
func (u U128) Hi() uint64 { return binary.BigEndian.Uint64(u[:8]) }

// Lo returns the lower 64 bits.
func (u U128) Lo() uint64 { return binary.BigEndian.Uint64(u[8:]) }

// String renders u in the canonical 8-4-4-4-12 hex form.
func (u U128) String() string {
	return uuid.UUID(u).String()
}

// ParseU128 parses the output of U128.String (any form accepted by uuid.Parse).
func ParseU128(s string) (U128, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return U128{}, fmt.Errorf("id: parse u128: %w", err)
	}
	return U128(v), nil
}
