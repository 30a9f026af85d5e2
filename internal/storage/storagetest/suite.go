// Package storagetest holds a conformance suite that every storage backend runs against.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"sessioncore/internal/storage"
)

// Item is the record type the suite stores.
type Item struct {
	ID    uint64
	Name  string
	Count int
}

// Fields is the full field list for Item.
var Fields = []string{"id", "name", "count"}

// RecordID implements storage.Record.
func (i *Item) RecordID() uint64 { return i.ID }

// IntoRow implements storage.Record.
func (i *Item) IntoRow(fields []string) ([]string, error) {
	out := make([]string, len(fields))
	for n, f := range fields {
		switch f {
		case "id":
			out[n] = storage.FormatID(i.ID)
		case "name":
			out[n] = i.Name
		case "count":
			out[n] = strconv.Itoa(i.Count)
		default:
			return nil, fmt.Errorf("%w: %q", storage.ErrInvalidField, f)
		}
	}
	return out, nil
}

// DecodeItem is the storage.Decoder for Item.
func DecodeItem(fields, values []string) (*Item, error) {
	it := &Item{}
	for n, f := range fields {
		v := values[n]
		switch f {
		case "id":
			id, err := storage.ParseID(v)
			if err != nil {
				return nil, err
			}
			it.ID = id
		case "name":
			it.Name = v
		case "count":
			if v == "" {
				continue
			}
			c, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("count: %w", err)
			}
			it.Count = c
		}
	}
	return it, nil
}

// Run exercises the storage.Store contract. newStore must return an empty store each call.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store[*Item]) {
	t.Helper()
	ctx := context.Background()

	t.Run("insert and find", func(t *testing.T) {
		s := newStore(t)
		in := &Item{ID: 18446744073709551615, Name: "max", Count: 7}
		if err := s.Insert(ctx, in, Fields); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		got, err := s.FindByID(ctx, in.ID, Fields)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if *got != *in {
			t.Errorf("FindByID = %+v, want %+v", *got, *in)
		}
	})

	t.Run("find subset of fields", func(t *testing.T) {
		s := newStore(t)
		if err := s.Insert(ctx, &Item{ID: 1, Name: "a", Count: 3}, Fields); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		got, err := s.FindByID(ctx, 1, []string{"id", "count"})
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if got.ID != 1 || got.Count != 3 || got.Name != "" {
			t.Errorf("FindByID subset = %+v", *got)
		}
	})

	t.Run("insert without id field", func(t *testing.T) {
		s := newStore(t)
		err := s.Insert(ctx, &Item{ID: 2}, []string{"name"})
		if !errors.Is(err, storage.ErrInvalidField) {
			t.Errorf("Insert without id err = %v, want ErrInvalidField", err)
		}
	})

	t.Run("unsafe field name", func(t *testing.T) {
		s := newStore(t)
		err := s.Insert(ctx, &Item{ID: 3}, []string{"id", `name"; DROP TABLE x; --`})
		if !errors.Is(err, storage.ErrInvalidField) {
			t.Errorf("Insert with unsafe field err = %v, want ErrInvalidField", err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := newStore(t)
		if err := s.Insert(ctx, &Item{ID: 4, Name: "first"}, Fields); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		err := s.Insert(ctx, &Item{ID: 4, Name: "second"}, Fields)
		if !errors.Is(err, storage.ErrDuplicate) {
			t.Fatalf("second Insert err = %v, want ErrDuplicate", err)
		}
		got, err := s.FindByID(ctx, 4, Fields)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if got.Name != "first" {
			t.Errorf("Name = %q after rejected insert, want %q", got.Name, "first")
		}
	})

	t.Run("find missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByID(ctx, 404, Fields)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("FindByID missing err = %v, want ErrNotFound", err)
		}
		if errors.Is(err, storage.ErrStorage) {
			t.Error("not-found must not be reported as a backend failure")
		}
	})

	t.Run("update", func(t *testing.T) {
		s := newStore(t)
		if err := s.Insert(ctx, &Item{ID: 5, Name: "before", Count: 1}, Fields); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := s.UpdateByID(ctx, &Item{ID: 5, Name: "ignored", Count: 2}, []string{"count"}); err != nil {
			t.Fatalf("UpdateByID: %v", err)
		}
		got, err := s.FindByID(ctx, 5, Fields)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if got.Count != 2 || got.Name != "before" {
			t.Errorf("after update = %+v, want count 2 and name unchanged", *got)
		}
	})

	t.Run("update missing", func(t *testing.T) {
		s := newStore(t)
		for _, fields := range [][]string{{"count"}, {"id"}} {
			err := s.UpdateByID(ctx, &Item{ID: 6, Count: 1}, fields)
			if !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("UpdateByID(%v) missing err = %v, want ErrNotFound", fields, err)
			}
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		if err := s.Insert(ctx, &Item{ID: 7, Name: "gone"}, Fields); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := s.DeleteByID(ctx, 7); err != nil {
			t.Fatalf("DeleteByID: %v", err)
		}
		if _, err := s.FindByID(ctx, 7, Fields); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("FindByID after delete err = %v, want ErrNotFound", err)
		}
		if err := s.DeleteByID(ctx, 7); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("second DeleteByID err = %v, want ErrNotFound", err)
		}
	})

	t.Run("concurrent insert and find", func(t *testing.T) {
		s := newStore(t)
		const workers = 16
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for w := 1; w <= workers; w++ {
			wg.Add(1)
			go func(id uint64) {
				defer wg.Done()
				in := &Item{ID: id, Name: "w" + storage.FormatID(id), Count: int(id)}
				if err := s.Insert(ctx, in, Fields); err != nil {
					errs <- fmt.Errorf("Insert(%d): %w", id, err)
					return
				}
				got, err := s.FindByID(ctx, id, Fields)
				if err != nil {
					errs <- fmt.Errorf("FindByID(%d): %w", id, err)
					return
				}
				if *got != *in {
					errs <- fmt.Errorf("FindByID(%d) = %+v, want %+v", id, *got, *in)
				}
			}(uint64(w))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}
		for w := uint64(1); w <= workers; w++ {
			if _, err := s.FindByID(ctx, w, Fields); err != nil {
				t.Errorf("FindByID(%d) after all inserts: %v", w, err)
			}
		}
	})
}
