package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"sessioncore/internal/id"
	"sessioncore/internal/security"
	"sessioncore/internal/storage"
	"sessioncore/internal/telemetry"
)

var (
	// ErrGeneration is returned when the secret or its digest could not be produced.
	// It is not retried.
	ErrGeneration = errors.New("token: generation failure")
	// ErrNilToken is returned when a nil token is passed to the Manager.
	ErrNilToken = errors.New("token: nil token")
)

// maxIDAttempts bounds retries when storage reports an id collision.
const maxIDAttempts = 3

// Config configures a Manager. Start from DefaultConfig.
type Config struct {
	IDs      id.Generator
	Digester security.Digester
	// SecretBytes is the number of random bytes in each secret before base64url encoding.
	SecretBytes int
	// Entropy is the source of secret bytes; nil means crypto/rand.
	Entropy io.Reader
	Logger  *slog.Logger
	// Events receives token.issued and token.invalidated; nil drops them.
	Events telemetry.EventEmitter
	Now    func() time.Time
}

// DefaultConfig returns random ids, salted SHA-256 digests and 32-byte secrets.
func DefaultConfig() Config {
	return Config{
		IDs:         id.NewRandom(),
		Digester:    security.SHA256Digester{},
		SecretBytes: 32,
	}
}

// Manager issues, invalidates and checks tokens. It does not know which token is current
// for a session; rotation policy belongs to the session manager.
type Manager struct {
	cfg   Config
	store storage.Store[*AuthToken]
	log   *slog.Logger
}

// NewManager returns a Manager persisting through store. Zero fields of cfg take their defaults.
func NewManager(cfg Config, store storage.Store[*AuthToken]) *Manager {
	def := DefaultConfig()
	if cfg.IDs == nil {
		cfg.IDs = def.IDs
	}
	if cfg.Digester == nil {
		cfg.Digester = def.Digester
	}
	if cfg.SecretBytes <= 0 {
		cfg.SecretBytes = def.SecretBytes
	}
	if cfg.Entropy == nil {
		cfg.Entropy = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = telemetry.Nop{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, store: store, log: log.With("component", "token")}
}

// NextToken issues a new valid token for sessionID and persists its digest.
// Earlier tokens of the session are left untouched.
func (m *Manager) NextToken(ctx context.Context, sessionID uint64) (Issued, error) {
	raw := make([]byte, m.cfg.SecretBytes)
	if _, err := io.ReadFull(m.cfg.Entropy, raw); err != nil {
		return Issued{}, fmt.Errorf("%w: secret: %w", ErrGeneration, err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	digest, err := m.cfg.Digester.Issue([]byte(secret))
	if err != nil {
		return Issued{}, fmt.Errorf("%w: digest: %w", ErrGeneration, err)
	}

	tok := &AuthToken{
		sessionID:    sessionID,
		secretDigest: digest,
		valid:        true,
		createdAt:    m.cfg.Now().UTC(),
	}
	for attempt := 1; ; attempt++ {
		tok.id = m.cfg.IDs.NewU64()
		err = m.store.Insert(ctx, tok, Fields)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrDuplicate) || attempt == maxIDAttempts {
			return Issued{}, err
		}
	}
	m.log.DebugContext(ctx, "token issued", "token_id", tok.id, "session_id", sessionID)
	m.emit(ctx, telemetry.Event{Type: telemetry.EventTokenIssued, SessionID: sessionID, TokenID: tok.id})
	return Issued{Token: tok, Secret: secret}, nil
}

// Invalidate marks tok invalid and persists the change. Invalidating an invalid token is a no-op.
// tok is updated only after the write succeeds.
func (m *Manager) Invalidate(ctx context.Context, tok *AuthToken) error {
	if tok == nil {
		return ErrNilToken
	}
	if !tok.valid {
		return nil
	}
	next := *tok
	next.valid = false
	if err := m.store.UpdateByID(ctx, &next, []string{FieldValid}); err != nil {
		return err
	}
	tok.valid = false
	m.log.DebugContext(ctx, "token invalidated", "token_id", tok.id, "session_id", tok.sessionID)
	m.emit(ctx, telemetry.Event{Type: telemetry.EventTokenInvalidated, SessionID: tok.sessionID, TokenID: tok.id})
	return nil
}

// Get loads the token with the given id.
func (m *Manager) Get(ctx context.Context, tokenID uint64) (*AuthToken, error) {
	return m.store.FindByID(ctx, tokenID, Fields)
}

// IsValid reads the persisted validity flag. It does not check any secret.
// A false result means the token is invalid; an error means validity could not be determined.
func (m *Manager) IsValid(ctx context.Context, tokenID uint64) (bool, error) {
	tok, err := m.store.FindByID(ctx, tokenID, []string{FieldID, FieldValid})
	if err != nil {
		return false, err
	}
	return tok.valid, nil
}

// Verify reports whether secret belongs to the token with the given id and that token is still valid.
// Unknown ids return storage.ErrNotFound.
func (m *Manager) Verify(ctx context.Context, tokenID uint64, secret string) (bool, error) {
	tok, err := m.Get(ctx, tokenID)
	if err != nil {
		return false, err
	}
	if !tok.valid {
		return false, nil
	}
	return m.cfg.Digester.Verify([]byte(secret), tok.secretDigest), nil
}

func (m *Manager) emit(ctx context.Context, ev telemetry.Event) {
	ev.At = m.cfg.Now().UTC()
	if err := m.cfg.Events.Emit(ctx, ev); err != nil {
		m.log.WarnContext(ctx, "event emit failed", "event_type", string(ev.Type), "error", err)
	}
}
