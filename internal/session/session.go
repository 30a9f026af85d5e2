// Package session creates sessions and rotates the authentication token each session points at.
package session

import (
	"fmt"
	"time"

	"sessioncore/internal/storage"
)

// Field names of the default persisted session columns. The refresh_token column holds the
// id of the session's current token.
const (
	FieldID           = storage.IDField
	FieldUserID       = "user_id"
	FieldExpires      = "expires"
	FieldRefreshToken = "refresh_token"
)

// DefaultFields are the columns persisted for every session.
var DefaultFields = []string{FieldID, FieldUserID, FieldExpires, FieldRefreshToken}

// Attr is a value for an extra configured session field.
type Attr struct {
	Name  string
	Value string
}

// Session is one sign-in episode of a user.
//
// It only has getters; the current token changes only through Manager.RefreshSessionToken.
type Session struct {
	id             uint64
	userID         uint64
	currentTokenID uint64
	expiresAt      time.Time
	attrs          map[string]string
}

// ID returns the session identifier.
func (s *Session) ID() uint64 { return s.id }

// UserID returns the id of the user the session belongs to.
func (s *Session) UserID() uint64 { return s.userID }

// CurrentTokenID returns the id of the token currently considered live for the session.
func (s *Session) CurrentTokenID() uint64 { return s.currentTokenID }

// ExpiresAt returns when the session stops being usable. Zero means no expiry was recorded.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// Expired reports whether the session has an expiry at or before now.
func (s *Session) Expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && !now.Before(s.expiresAt)
}

// Attr returns the value of an extra field.
func (s *Session) Attr(name string) (string, bool) {
	v, ok := s.attrs[name]
	return v, ok
}

// RecordID implements storage.Record.
func (s *Session) RecordID() uint64 { return s.id }

// IntoRow implements storage.Record. Extra fields without a value are written as "".
func (s *Session) IntoRow(fields []string) ([]string, error) {
	out := make([]string, len(fields))
	for i, f := range fields {
		switch f {
		case FieldID:
			out[i] = storage.FormatID(s.id)
		case FieldUserID:
			out[i] = storage.FormatID(s.userID)
		case FieldExpires:
			if !s.expiresAt.IsZero() {
				out[i] = s.expiresAt.UTC().Format(time.RFC3339Nano)
			}
		case FieldRefreshToken:
			out[i] = storage.FormatID(s.currentTokenID)
		default:
			out[i] = s.attrs[f]
		}
	}
	return out, nil
}

// Decode rebuilds a Session from stored values. Unknown fields become attributes.
func Decode(fields, values []string) (*Session, error) {
	s := &Session{}
	for i, f := range fields {
		v := values[i]
		var err error
		switch f {
		case FieldID:
			s.id, err = storage.ParseID(v)
		case FieldUserID:
			s.userID, err = storage.ParseID(v)
		case FieldExpires:
			if v != "" {
				s.expiresAt, err = time.Parse(time.RFC3339Nano, v)
			}
		case FieldRefreshToken:
			s.currentTokenID, err = storage.ParseID(v)
		default:
			if s.attrs == nil {
				s.attrs = make(map[string]string)
			}
			s.attrs[f] = v
		}
		if err != nil {
			return nil, fmt.Errorf("session: decode %s: %w", f, err)
		}
	}
	return s, nil
}
