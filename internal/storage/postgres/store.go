// Package postgres stores records in PostgreSQL tables whose columns are all TEXT,
// one column per field, keyed by the "id" column.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"sessioncore/internal/storage"
)

// DB is the subset of pgxpool.Pool (and pgx.Tx) the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements storage.Store over one table.
type Store[R storage.Record] struct {
	db     DB
	table  string
	quoted string
	decode storage.Decoder[R]
}

// New returns a Store over table. The table must already exist with a column per field
// (see the migrations in internal/db).
func New[R storage.Record](db DB, table string, decode storage.Decoder[R]) *Store[R] {
	return &Store[R]{
		db:     db,
		table:  table,
		quoted: pgx.Identifier{table}.Sanitize(),
		decode: decode,
	}
}

// WithDB returns a copy of s bound to db, e.g. a transaction.
func (s *Store[R]) WithDB(db DB) *Store[R] {
	c := *s
	c.db = db
	return &c
}

// Insert writes rec. A unique violation on the id is reported as storage.ErrDuplicate.
func (s *Store[R]) Insert(ctx context.Context, rec R, fields []string) error {
	if err := storage.ValidateFields(fields, true); err != nil {
		return err
	}
	values, err := rec.IntoRow(fields)
	if err != nil {
		return err
	}
	args := make([]any, len(values))
	placeholders := make([]string, len(values))
	for i, v := range values {
		args[i] = v
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.quoted, columnList(fields), strings.Join(placeholders, ", "))
	if _, err := s.db.Exec(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %d", storage.ErrDuplicate, rec.RecordID())
		}
		return storage.Failure("insert", s.table, err)
	}
	return nil
}

// FindByID loads fields of the row with the given id. NULL columns read back as "".
func (s *Store[R]) FindByID(ctx context.Context, id uint64, fields []string) (R, error) {
	var zero R
	if err := storage.ValidateFields(fields, false); err != nil {
		return zero, err
	}
	exprs := make([]string, len(fields))
	for i, f := range fields {
		exprs[i] = "COALESCE(" + pgx.Identifier{f}.Sanitize() + ", '')"
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", strings.Join(exprs, ", "), s.quoted)

	values := make([]string, len(fields))
	dest := make([]any, len(fields))
	for i := range values {
		dest[i] = &values[i]
	}
	err := s.db.QueryRow(ctx, q, storage.FormatID(id)).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	if err != nil {
		return zero, storage.Failure("find", s.table, err)
	}
	return s.decode(fields, values)
}

// UpdateByID overwrites fields of an existing row. Returns storage.ErrNotFound when no row matched.
func (s *Store[R]) UpdateByID(ctx context.Context, rec R, fields []string) error {
	if err := storage.ValidateFields(fields, false); err != nil {
		return err
	}
	fields = storage.WithoutID(fields)
	id := storage.FormatID(rec.RecordID())
	if len(fields) == 0 {
		var one int
		err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1", s.quoted), id).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
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
	args = append(args, id)
	for i, f := range fields {
		sets[i] = pgx.Identifier{f}.Sanitize() + " = $" + strconv.Itoa(i+2)
		args = append(args, values[i])
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = $1", s.quoted, strings.Join(sets, ", "))
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return storage.Failure("update", s.table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

// DeleteByID removes the row with the given id.
func (s *Store[R]) DeleteByID(ctx context.Context, id uint64) error {
	tag, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.quoted), storage.FormatID(id))
	if err != nil {
		return storage.Failure("delete", s.table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return nil
}

// EnsureColumns adds a nullable TEXT column to table for each field it lacks.
// The table itself comes from the migrations; this covers configured extra fields.
func EnsureColumns(ctx context.Context, db DB, table string, fields []string) error {
	if err := storage.ValidateFields(fields, false); err != nil {
		return err
	}
	quoted := pgx.Identifier{table}.Sanitize()
	for _, f := range storage.WithoutID(fields) {
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT", quoted, pgx.Identifier{f}.Sanitize())
		if _, err := db.Exec(ctx, q); err != nil {
			return storage.Failure("alter", table, err)
		}
	}
	return nil
}

func columnList(fields []string) string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = pgx.Identifier{f}.Sanitize()
	}
	return strings.Join(cols, ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
