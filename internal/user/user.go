// Package user manages the user records sessions belong to.
package user

import (
	"fmt"
	"time"

	"sessioncore/internal/storage"
)

// Field names of the persisted user columns.
const (
	FieldID           = storage.IDField
	FieldName         = "name"
	FieldRole         = "role"
	FieldPasswordHash = "password_hash"
	FieldCreatedAt    = "created_at"
)

// Fields are the persisted user columns.
var Fields = []string{FieldID, FieldName, FieldRole, FieldPasswordHash, FieldCreatedAt}

// Role is an application-defined user role.
type Role string

// Built-in roles. Any non-empty Role is accepted.
const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// User is a person who can sign in. The password hash never leaves the package.
type User struct {
	id           uint64
	name         string
	role         Role
	passwordHash string
	createdAt    time.Time
}

// ID returns the user identifier.
func (u *User) ID() uint64 { return u.id }

// Name returns the display name given at creation.
func (u *User) Name() string { return u.name }

// Role returns the user's role.
func (u *User) Role() Role { return u.role }

// CreatedAt returns when the user was created, in UTC.
func (u *User) CreatedAt() time.Time { return u.createdAt }

// RecordID implements storage.Record.
func (u *User) RecordID() uint64 { return u.id }

// IntoRow implements storage.Record.
func (u *User) IntoRow(fields []string) ([]string, error) {
	out := make([]string, len(fields))
	for i, f := range fields {
		switch f {
		case FieldID:
			out[i] = storage.FormatID(u.id)
		case FieldName:
			out[i] = u.name
		case FieldRole:
			out[i] = string(u.role)
		case FieldPasswordHash:
			out[i] = u.passwordHash
		case FieldCreatedAt:
			out[i] = u.createdAt.UTC().Format(time.RFC3339Nano)
		default:
			return nil, fmt.Errorf("%w: user has no field %q", storage.ErrInvalidField, f)
		}
	}
	return out, nil
}

// Decode rebuilds a User from stored values.
func Decode(fields, values []string) (*User, error) {
	u := &User{}
	for i, f := range fields {
		v := values[i]
		var err error
		switch f {
		case FieldID:
			u.id, err = storage.ParseID(v)
		case FieldName:
			u.name = v
		case FieldRole:
			u.role = Role(v)
		case FieldPasswordHash:
			u.passwordHash = v
		case FieldCreatedAt:
			u.createdAt, err = time.Parse(time.RFC3339Nano, v)
		default:
			err = fmt.Errorf("%w: %q", storage.ErrInvalidField, f)
		}
		if err != nil {
			return nil, fmt.Errorf("user: decode %s: %w", f, err)
		}
	}
	return u, nil
}
