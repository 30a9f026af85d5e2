// Package sqlite stores records in SQLite tables (modernc.org/sqlite, no cgo) with one TEXT
// column per field.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"sessioncore/internal/storage"
)

// Open opens the SQLite database at dsn (e.g. "file:sessions.db" or ":memory:") and pings it.
// The pool is limited to one connection so in-memory databases are shared by all callers.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureTable creates table if it does not exist and adds any column in fields it lacks.
func EnsureTable(ctx context.Context, db *sql.DB, table string, fields []string) error {
	if err := storage.ValidateFields([]string{table}, false); err != nil {
		return err
	}
	if err := storage.ValidateFields(fields, true); err != nil {
		return err
	}
	cols := []string{`"id" TEXT PRIMARY KEY`}
	for _, f := range storage.WithoutID(fields) {
		cols = append(cols, quote(f)+" TEXT")
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(table), strings.Join(cols, ", "))); err != nil {
		return err
	}

	existing, err := columns(ctx, db, table)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if _, ok := existing[f]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", quote(table), quote(f))); err != nil {
			return err
		}
	}
	return nil
}

func columns(ctx context.Context, db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

// Store implements storage.Store over one SQLite table.
type Store[R storage.Record] struct {
	db     *sql.DB
	table  string
	decode storage.Decoder[R]
}

// New returns a Store over table. Call EnsureTable first.
func New[R storage.Record](db *sql.DB, table string, decode storage.Decoder[R]) *Store[R] {
	return &Store[R]{db: db, table: table, decode: decode}
}

// Insert writes rec. A primary key conflict is reported as storage.ErrDuplicate.
func (s *Store[R]) Insert(ctx context.Context, rec R, fields []string) error {
	if err := storage.ValidateFields(fields, true); err != nil {
		return err
	}
	values, err := rec.IntoRow(fields)
	if err != nil {
		return err
	}
	cols := make([]string, len(fields))
	args := make([]any, len(values))
	for i, f := range fields {
		cols[i] = quote(f)
		args[i] = values[i]
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(s.table), strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(fields)), ", "))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("%w: %d", storage.ErrDuplicate, rec.RecordID())
		}
		return storage.Failure("insert", s.table, err)
	}
	return nil
}

// FindByID loads fields of the row with the given id.
func (s *Store[R]) FindByID(ctx context.Context, id uint64, fields []string) (R, error) {
	var zero R
	if err := storage.ValidateFields(fields, false); err != nil {
		return zero, err
	}
	exprs := make([]string, len(fields))
	for i, f := range fields {
		exprs[i] = "COALESCE(" + quote(f) + ", '')"
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(exprs, ", "), quote(s.table))

	values := make([]string, len(fields))
	dest := make([]any, len(fields))
	for i := range values {
		dest[i] = &values[i]
	}
	err := s.db.QueryRowContext(ctx, q, storage.FormatID(id)).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	if err != nil {
		return zero, storage.Failure("find", s.table, err)
	}
	return s.decode(fields, values)
}

// UpdateByID overwrites fields of an existing row.
func (s *Store[R]) UpdateByID(ctx context.Context, rec R, fields []string) error {
	if err := storage.ValidateFields(fields, false); err != nil {
		return err
	}
	fields = storage.WithoutID(fields)
	id := storage.FormatID(rec.RecordID())
	if len(fields) == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", quote(s.table)), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
		if err != nil {
			return storage.Failure("update", s.table, err)
		}
		return nil
	}
	values, err := rec.IntoRow(fields)
	if err != nil {
		return err
	}
	sets := make([]string, len(fields))
	args := make([]any, 0, len(fields)+1)
	for i, f := range fields {
		sets[i] = quote(f) + " = ?"
		args = append(args, values[i])
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quote(s.table), strings.Join(sets, ", ")), args...)
	if err != nil {
		return storage.Failure("update", s.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Failure("update", s.table, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

// DeleteByID removes the row with the given id.
func (s *Store[R]) DeleteByID(ctx context.Context, id uint64) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", quote(s.table)), storage.FormatID(id))
	if err != nil {
		return storage.Failure("delete", s.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Failure("delete", s.table, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return nil
}

// quote wraps a validated identifier in double quotes.
func quote(ident string) string {
	return `"` + ident + `"`
}

// isUniqueConstraintErr reports a primary key or unique index violation.
// The driver enables extended result codes, so the specific constraint is visible in Code.
func isUniqueConstraintErr(err error) bool {
	var sqlErr *msqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
