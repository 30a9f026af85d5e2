// Package app builds the user, session and token managers over the configured storage backend.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"sessioncore/internal/config"
	"sessioncore/internal/db"
	"sessioncore/internal/id"
	"sessioncore/internal/security"
	"sessioncore/internal/session"
	"sessioncore/internal/storage"
	"sessioncore/internal/storage/memory"
	"sessioncore/internal/storage/postgres"
	"sessioncore/internal/storage/redis"
	"sessioncore/internal/storage/sqlite"
	"sessioncore/internal/telemetry"
	"sessioncore/internal/token"
	"sessioncore/internal/user"
)

// Collection (table) names shared by every backend.
const (
	UsersCollection    = "users"
	SessionsCollection = "sessions"
	TokensCollection   = "auth_tokens"
)

// Deps holds optional collaborators for New. Nil fields get no-op or default implementations.
type Deps struct {
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	IDs            id.Generator
	Events         telemetry.EventEmitter
}

// App holds the managers built over one storage backend.
type App struct {
	Users    *user.Manager
	Sessions *session.Manager
	Tokens   *token.Manager

	log     *slog.Logger
	closers []func() error
}

// New connects the configured backend and builds the managers. Close releases the backend.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*App, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.TracerProvider == nil {
		deps.TracerProvider = tracenoop.NewTracerProvider()
	}
	if deps.MeterProvider == nil {
		deps.MeterProvider = metricnoop.NewMeterProvider()
	}
	if deps.IDs == nil {
		deps.IDs = id.NewRandom()
	}
	if deps.Events == nil {
		deps.Events = telemetry.Nop{}
	}

	digester, err := security.NewDigester(cfg.DigestAlgorithm, security.DigestOptions{BcryptCost: cfg.BcryptCost})
	if err != nil {
		return nil, err
	}

	sessionCfg := session.DefaultConfig().WithFields(cfg.SessionExtraFieldsList()...)
	sessionCfg.IDs = deps.IDs
	sessionCfg.TTL = cfg.SessionTTL()
	sessionCfg.InvalidateOnRefresh = cfg.InvalidateOnRefresh
	sessionCfg.Logger = deps.Logger
	sessionCfg.Events = deps.Events
	if err := storage.ValidateFields(sessionCfg.Fields, true); err != nil {
		return nil, fmt.Errorf("app: SESSION_EXTRA_FIELDS: %w", err)
	}

	a := &App{log: deps.Logger}
	b, err := a.openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	users, err := newStore(ctx, b, UsersCollection, user.Fields, user.Decode, deps)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	sessions, err := newStore(ctx, b, SessionsCollection, sessionCfg.Fields, session.Decode, deps)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	tokens, err := newStore(ctx, b, TokensCollection, token.Fields, token.Decode, deps)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Tokens = token.NewManager(token.Config{
		IDs:         deps.IDs,
		Digester:    digester,
		SecretBytes: cfg.TokenSecretBytes,
		Logger:      deps.Logger,
		Events:      deps.Events,
	}, tokens)
	a.Sessions = session.NewManager(sessionCfg, sessions, a.Tokens)
	a.Users = user.NewManager(user.Config{
		IDs:        deps.IDs,
		BcryptCost: cfg.BcryptCost,
		Logger:     deps.Logger,
		Events:     deps.Events,
	}, users)

	deps.Logger.InfoContext(ctx, "session core ready",
		"storage_backend", cfg.StorageBackend,
		"digest_algorithm", cfg.DigestAlgorithm,
		"invalidate_on_refresh", cfg.InvalidateOnRefresh,
		"session_ttl", sessionCfg.TTL.String())
	return a, nil
}

// Close releases the storage backend connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// backend is the connection shared by the three stores. At most one connection is set.
type backend struct {
	kind   string
	pool   *pgxpool.Pool
	sqlDB  *sql.DB
	rdb    goredis.UniversalClient
	prefix string
}

func (a *App) openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{kind: cfg.StorageBackend}
	switch cfg.StorageBackend {
	case config.BackendMemory:
	case config.BackendPostgres:
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: postgres: %w", err)
		}
		b.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
	case config.BackendSQLite:
		sqlDB, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("app: sqlite: %w", err)
		}
		b.sqlDB = sqlDB
		a.closers = append(a.closers, sqlDB.Close)
	case config.BackendRedis:
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("app: redis: %w", err)
		}
		b.rdb = rdb
		b.prefix = cfg.RedisPrefix
		a.closers = append(a.closers, rdb.Close)
	default:
		return nil, fmt.Errorf("app: unknown storage backend %q", cfg.StorageBackend)
	}
	return b, nil
}

func newStore[R storage.Record](ctx context.Context, b *backend, collection string, fields []string, decode storage.Decoder[R], deps Deps) (storage.Store[R], error) {
	var s storage.Store[R]
	switch b.kind {
	case config.BackendMemory:
		s = memory.New(decode)
	case config.BackendPostgres:
		if err := postgres.EnsureColumns(ctx, b.pool, collection, fields); err != nil {
			return nil, err
		}
		s = postgres.New(b.pool, collection, decode)
	case config.BackendSQLite:
		if err := sqlite.EnsureTable(ctx, b.sqlDB, collection, fields); err != nil {
			return nil, fmt.Errorf("app: sqlite table %s: %w", collection, err)
		}
		s = sqlite.New(b.sqlDB, collection, decode)
	case config.BackendRedis:
		s = redis.New(b.rdb, b.prefix, collection, decode)
	}
	return storage.Instrument(s, collection, deps.TracerProvider, deps.MeterProvider)
}
