// Package memory is an in-process storage backend, used for tests and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"sessioncore/internal/storage"
)

// Store keeps rows in a map guarded by a mutex. Fields never written read back as "".
type Store[R storage.Record] struct {
	mu     sync.RWMutex
	rows   map[uint64]map[string]string
	decode storage.Decoder[R]
}

// New returns an empty Store that rebuilds records with decode.
func New[R storage.Record](decode storage.Decoder[R]) *Store[R] {
	return &Store[R]{rows: make(map[uint64]map[string]string), decode: decode}
}

// Insert stores rec under its id. Returns storage.ErrDuplicate if the id is taken.
func (s *Store[R]) Insert(ctx context.Context, rec R, fields []string) error {
	if err := storage.ValidateFields(fields, true); err != nil {
		return err
	}
	values, err := rec.IntoRow(fields)
	if err != nil {
		return err
	}
	id := rec.RecordID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; ok {
		return fmt.Errorf("%w: %d", storage.ErrDuplicate, id)
	}
	row := make(map[string]string, len(fields))
	for i, f := range fields {
		row[f] = values[i]
	}
	s.rows[id] = row
	return nil
}

// FindByID returns the record with the given id, or storage.ErrNotFound.
func (s *Store[R]) FindByID(ctx context.Context, id uint64, fields []string) (R, error) {
	var zero R
	if err := storage.ValidateFields(fields, false); err != nil {
		return zero, err
	}
	s.mu.RLock()
	row, ok := s.rows[id]
	var values []string
	if ok {
		values = make([]string, len(fields))
		for i, f := range fields {
			values[i] = row[f]
		}
	}
	s.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return s.decode(fields, values)
}

// UpdateByID overwrites fields of an existing record. The id itself is never rewritten.
func (s *Store[R]) UpdateByID(ctx context.Context, rec R, fields []string) error {
	if err := storage.ValidateFields(fields, false); err != nil {
		return err
	}
	fields = storage.WithoutID(fields)
	values, err := rec.IntoRow(fields)
	if err != nil {
		return err
	}
	id := rec.RecordID()
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	for i, f := range fields {
		row[f] = values[i]
	}
	return nil
}

// DeleteByID removes the record with the given id, or returns storage.ErrNotFound.
func (s *Store[R]) DeleteByID(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	delete(s.rows, id)
	return nil
}

// Len returns the number of stored records.
func (s *Store[R]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
