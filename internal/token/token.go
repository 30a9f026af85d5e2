// Package token issues and invalidates authentication tokens bound to a session.
//
// A token moves from valid to invalid exactly once and is never revived. Only a digest of
// its secret is stored; the plaintext is handed to the caller once, on issuance.
package token

import (
	"fmt"
	"strconv"
	"time"

	"sessioncore/internal/storage"
)

// Field names used when persisting tokens.
const (
	FieldID           = storage.IDField
	FieldSessionID    = "session_id"
	FieldSecretDigest = "secret_digest"
	FieldValid        = "valid"
	FieldCreatedAt    = "created_at"
)

// Fields is the full set of persisted token fields.
var Fields = []string{FieldID, FieldSessionID, FieldSecretDigest, FieldValid, FieldCreatedAt}

// AuthToken is the persisted record of an issued token.
type AuthToken struct {
	id           uint64
	sessionID    uint64
	secretDigest string
	valid        bool
	createdAt    time.Time
}

// ID returns the token identifier.
func (t *AuthToken) ID() uint64 { return t.id }

// SessionID returns the id of the owning session.
func (t *AuthToken) SessionID() uint64 { return t.sessionID }

// SecretDigest returns the encoded one-way digest of the token secret.
func (t *AuthToken) SecretDigest() string { return t.secretDigest }

// Valid reports the validity flag as of the last read or write through the Manager.
// Use Manager.IsValid for the persisted value.
func (t *AuthToken) Valid() bool { return t.valid }

// CreatedAt returns the issuance time.
func (t *AuthToken) CreatedAt() time.Time { return t.createdAt }

// RecordID implements storage.Record.
func (t *AuthToken) RecordID() uint64 { return t.id }

// IntoRow implements storage.Record.
func (t *AuthToken) IntoRow(fields []string) ([]string, error) {
	out := make([]string, len(fields))
	for i, f := range fields {
		switch f {
		case FieldID:
			out[i] = storage.FormatID(t.id)
		case FieldSessionID:
			out[i] = storage.FormatID(t.sessionID)
		case FieldSecretDigest:
			out[i] = t.secretDigest
		case FieldValid:
			out[i] = strconv.FormatBool(t.valid)
		case FieldCreatedAt:
			out[i] = t.createdAt.UTC().Format(time.RFC3339Nano)
		default:
			return nil, fmt.Errorf("%w: token has no field %q", storage.ErrInvalidField, f)
		}
	}
	return out, nil
}

// Decode rebuilds an AuthToken from stored values. It is the storage.Decoder for tokens.
func Decode(fields, values []string) (*AuthToken, error) {
	t := &AuthToken{}
	for i, f := range fields {
		v := values[i]
		var err error
		switch f {
		case FieldID:
			t.id, err = storage.ParseID(v)
		case FieldSessionID:
			t.sessionID, err = storage.ParseID(v)
		case FieldSecretDigest:
			t.secretDigest = v
		case FieldValid:
			t.valid, err = strconv.ParseBool(v)
		case FieldCreatedAt:
			if v != "" {
				t.createdAt, err = time.Parse(time.RFC3339Nano, v)
			}
		default:
			err = fmt.Errorf("%w: token has no field %q", storage.ErrInvalidField, f)
		}
		if err != nil {
			return nil, fmt.Errorf("token: decode %s: %w", f, err)
		}
	}
	return t, nil
}

// Issued is a freshly issued token together with its plaintext secret.
// The secret exists nowhere else; hand it to the client and drop it.
type Issued struct {
	Token  *AuthToken
	Secret string
}
