// Package redis stores each record as a Redis hash at <prefix>:<collection>:<id>.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"sessioncore/internal/storage"
)

// HSET only when the key is absent, so concurrent inserts of the same id cannot merge.
var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// HSET only when the key is present, so updates never resurrect deleted records.
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

var errNilClient = errors.New("redis client is nil")

// Store implements storage.Store over Redis hashes.
type Store[R storage.Record] struct {
	client     redis.UniversalClient
	prefix     string
	collection string
	decode     storage.Decoder[R]
}

// New returns a Store for collection. An empty prefix defaults to "sess".
func New[R storage.Record](client redis.UniversalClient, prefix, collection string, decode storage.Decoder[R]) *Store[R] {
	if prefix == "" {
		prefix = "sess"
	}
	return &Store[R]{client: client, prefix: prefix, collection: collection, decode: decode}
}

func (s *Store[R]) key(id uint64) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, s.collection, id)
}

// Insert writes rec as a new hash. Returns storage.ErrDuplicate if the key exists.
func (s *Store[R]) Insert(ctx context.Context, rec R, fields []string) error {
	if s.client == nil {
		return storage.Failure("insert", s.collection, errNilClient)
	}
	if err := storage.ValidateFields(fields, true); err != nil {
		return err
	}
	args, err := hashArgs(rec, fields)
	if err != nil {
		return err
	}
	n, err := insertScript.Run(ctx, s.client, []string{s.key(rec.RecordID())}, args...).Int()
	if err != nil {
		return storage.Failure("insert", s.collection, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", storage.ErrDuplicate, rec.RecordID())
	}
	return nil
}

// FindByID reads fields of the hash for id. Missing hash fields read back as "".
func (s *Store[R]) FindByID(ctx context.Context, id uint64, fields []string) (R, error) {
	var zero R
	if s.client == nil {
		return zero, storage.Failure("find", s.collection, errNilClient)
	}
	if err := storage.ValidateFields(fields, false); err != nil {
		return zero, err
	}
	key := s.key(id)
	pipe := s.client.TxPipeline()
	exists := pipe.Exists(ctx, key)
	vals := pipe.HMGet(ctx, key, fields...)
	if _, err := pipe.Exec(ctx); err != nil {
		return zero, storage.Failure("find", s.collection, err)
	}
	if exists.Val() == 0 {
		return zero, fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	values := make([]string, len(fields))
	for i, v := range vals.Val() {
		if str, ok := v.(string); ok {
			values[i] = str
		}
	}
	return s.decode(fields, values)
}

// UpdateByID overwrites fields of an existing hash.
func (s *Store[R]) UpdateByID(ctx context.Context, rec R, fields []string) error {
	if s.client == nil {
		return storage.Failure("update", s.collection, errNilClient)
	}
	if err := storage.ValidateFields(fields, false); err != nil {
		return err
	}
	fields = storage.WithoutID(fields)
	key := s.key(rec.RecordID())
	if len(fields) == 0 {
		n, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return storage.Failure("update", s.collection, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %d", storage.ErrNotFound, rec.RecordID())
		}
		return nil
	}
	args, err := hashArgs(rec, fields)
	if err != nil {
		return err
	}
	n, err := updateScript.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return storage.Failure("update", s.collection, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, rec.RecordID())
	}
	return nil
}

// DeleteByID removes the hash for id.
func (s *Store[R]) DeleteByID(ctx context.Context, id uint64) error {
	if s.client == nil {
		return storage.Failure("delete", s.collection, errNilClient)
	}
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return storage.Failure("delete", s.collection, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return nil
}

// hashArgs flattens the record into field/value pairs for HSET.
func hashArgs(rec storage.Record, fields []string) ([]interface{}, error) {
	values, err := rec.IntoRow(fields)
	if err != nil {
		return nil, err
	}
	args := make([]interface{}, 0, 2*len(fields))
	for i, f := range fields {
		args = append(args, f, values[i])
	}
	return args, nil
}
