// Package storage defines the persistence capability the session core depends on.
//
// Records cross the boundary as ordered lists of string values, one per named field,
// so relational, key-value and in-memory backends all serialize them the same way.
// The "id" field always holds the record's decimal identifier.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// IDField is the field every record is keyed by.
const IDField = "id"

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicate is returned by Insert when a record with the same id already exists.
	ErrDuplicate = errors.New("storage: duplicate id")
	// ErrStorage wraps backend I/O failures. Retry policy belongs to the caller.
	ErrStorage = errors.New("storage: backend failure")
	// ErrInvalidField is returned for field names that are empty, unknown to the record or unsafe as column names.
	ErrInvalidField = errors.New("storage: invalid field")
)

// Record is a value that can be persisted through a Store.
type Record interface {
	// RecordID returns the identifier the record is stored under.
	RecordID() uint64
	// IntoRow returns the string encoding of each named field, in the order of fields.
	IntoRow(fields []string) ([]string, error)
}

// Decoder rebuilds a record from the values of fields, as produced by IntoRow.
type Decoder[R Record] func(fields, values []string) (R, error)

// Store persists records of one kind.
type Store[R Record] interface {
	// Insert writes a new record. fields must include IDField.
	Insert(ctx context.Context, rec R, fields []string) error
	// FindByID loads the named fields of the record with the given id.
	FindByID(ctx context.Context, id uint64, fields []string) (R, error)
	// UpdateByID overwrites the named fields of an existing record.
	UpdateByID(ctx context.Context, rec R, fields []string) error
	// DeleteByID removes the record with the given id.
	DeleteByID(ctx context.Context, id uint64) error
}

var fieldName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidateFields checks that every name is a safe lower-case identifier and appears once.
// When requireID is set, IDField must be among them.
func ValidateFields(fields []string, requireID bool) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidField)
	}
	seen := make(map[string]struct{}, len(fields))
	hasID := false
	for _, f := range fields {
		if !fieldName.MatchString(f) {
			return fmt.Errorf("%w: %q", ErrInvalidField, f)
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("%w: %q listed twice", ErrInvalidField, f)
		}
		seen[f] = struct{}{}
		if f == IDField {
			hasID = true
		}
	}
	if requireID && !hasID {
		return fmt.Errorf("%w: %q is required", ErrInvalidField, IDField)
	}
	return nil
}

// WithoutID returns fields minus IDField, preserving order.
func WithoutID(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != IDField {
			out = append(out, f)
		}
	}
	return out
}

// MergeFields appends the names in extra that are not already in base.
func MergeFields(base []string, extra ...string) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]struct{}, len(out))
	for _, f := range out {
		seen[f] = struct{}{}
	}
	for _, f := range extra {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// FormatID encodes a record id the way it is stored.
func FormatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// ParseID decodes a stored record id.
func ParseID(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("storage: parse id %q: %w", s, err)
	}
	return v, nil
}

// Failure wraps a backend error with the operation and collection it happened on.
// The result matches ErrStorage and the original error under errors.Is.
func Failure(op, collection string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrStorage, op, collection, err)
}
