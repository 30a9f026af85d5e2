package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sessioncore/internal/id"
	"sessioncore/internal/security"
	"sessioncore/internal/storage"
	"sessioncore/internal/telemetry"
)

var (
	ErrInvalidUser        = errors.New("user: invalid user")
	ErrInvalidCredentials = errors.New("user: invalid credentials")
)

const maxIDAttempts = 3

// Config configures a Manager.
type Config struct {
	IDs        id.Generator
	BcryptCost int
	Logger     *slog.Logger
	Now        func() time.Time
	// Events receives user.created; nil drops it.
	Events telemetry.EventEmitter
}

// Manager creates users and checks their passwords.
type Manager struct {
	ids    id.Generator
	hasher *security.Hasher
	store  storage.Store[*User]
	log    *slog.Logger
	now    func() time.Time
	events telemetry.EventEmitter
}

// NewManager returns a Manager persisting users through store.
func NewManager(cfg Config, store storage.Store[*User]) *Manager {
	m := &Manager{
		ids:    cfg.IDs,
		hasher: security.NewHasher(cfg.BcryptCost),
		store:  store,
		log:    cfg.Logger,
		now:    cfg.Now,
		events: cfg.Events,
	}
	if m.events == nil {
		m.events = telemetry.Nop{}
	}
	if m.ids == nil {
		m.ids = id.NewRandom()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "user")
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// NewUser creates and persists a user. Only the bcrypt hash of password is stored.
func (m *Manager) NewUser(ctx context.Context, name string, role Role, password string) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidUser)
	}
	if role == "" {
		return nil, fmt.Errorf("%w: role is required", ErrInvalidUser)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidUser)
	}
	hash, err := m.hasher.Hash([]byte(password))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUser, err)
	}
	u := &User{name: name, role: role, passwordHash: hash, createdAt: m.now().UTC()}
	for attempt := 1; ; attempt++ {
		u.id = m.ids.NewU64()
		err := m.store.Insert(ctx, u, Fields)
		if err == nil {
			m.log.DebugContext(ctx, "user created", "user_id", u.id, "role", string(role))
			ev := telemetry.Event{Type: telemetry.EventUserCreated, UserID: u.id, At: u.createdAt}
			if err := m.events.Emit(ctx, ev); err != nil {
				m.log.WarnContext(ctx, "event emit failed", "event_type", string(ev.Type), "error", err)
			}
			return u, nil
		}
		if !errors.Is(err, storage.ErrDuplicate) || attempt == maxIDAttempts {
			return nil, err
		}
	}
}

// Get loads the user with the given id.
func (m *Manager) Get(ctx context.Context, userID uint64) (*User, error) {
	return m.store.FindByID(ctx, userID, Fields)
}

// CheckPassword loads the user and compares password with the stored hash.
// A wrong password returns ErrInvalidCredentials; an unknown user returns storage.ErrNotFound.
func (m *Manager) CheckPassword(ctx context.Context, userID uint64, password string) (*User, error) {
	u, err := m.store.FindByID(ctx, userID, Fields)
	if err != nil {
		return nil, err
	}
	if err := m.hasher.Compare(u.passwordHash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("user: compare password: %w", err)
	}
	return u, nil
}
