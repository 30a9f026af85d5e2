package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sessioncore/internal/id"
	"sessioncore/internal/storage"
	"sessioncore/internal/telemetry"
	"sessioncore/internal/token"
)

// ErrNilSession is returned when a nil session is passed to the Manager.
var ErrNilSession = errors.New("session: nil session")

const maxIDAttempts = 3

// Tokens is the part of the token manager the session manager needs.
type Tokens interface {
	NextToken(ctx context.Context, sessionID uint64) (token.Issued, error)
	Get(ctx context.Context, tokenID uint64) (*token.AuthToken, error)
	Invalidate(ctx context.Context, tok *token.AuthToken) error
}

// Config configures a Manager. Start from DefaultConfig and extend with WithFields.
type Config struct {
	IDs id.Generator
	// TTL sets each new session's expiry. Zero records no expiry.
	TTL time.Duration
	// Fields lists the persisted session columns. DefaultFields are always included.
	Fields []string
	// InvalidateOnRefresh makes RefreshSessionToken invalidate the superseded token.
	// When false, rotation only moves the session's pointer and the old token stays valid
	// until the caller invalidates it.
	InvalidateOnRefresh bool
	Logger              *slog.Logger
	Now                 func() time.Time
	// Events receives session.created, session.rotated and session.ended; nil drops them.
	Events telemetry.EventEmitter
}

// DefaultConfig returns random ids, a 7-day TTL and the default fields.
func DefaultConfig() Config {
	return Config{
		IDs:    id.NewRandom(),
		TTL:    168 * time.Hour,
		Fields: append([]string(nil), DefaultFields...),
	}
}

// WithFields returns a copy of c that also persists the given extra fields.
func (c Config) WithFields(extra ...string) Config {
	c.Fields = storage.MergeFields(c.Fields, extra...)
	return c
}

// Manager creates sessions and rotates their tokens.
type Manager struct {
	cfg    Config
	store  storage.Store[*Session]
	tokens Tokens
	log    *slog.Logger
}

// NewManager returns a Manager persisting sessions through store and issuing tokens through tokens.
func NewManager(cfg Config, store storage.Store[*Session], tokens Tokens) *Manager {
	if cfg.IDs == nil {
		cfg.IDs = id.NewRandom()
	}
	cfg.Fields = storage.MergeFields(DefaultFields, cfg.Fields...)
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
	return &Manager{cfg: cfg, store: store, tokens: tokens, log: log.With("component", "session")}
}

// Fields returns the persisted session columns.
func (m *Manager) Fields() []string {
	return append([]string(nil), m.cfg.Fields...)
}

// NewSession starts a session for userID with a fresh token as its current token.
// The token is persisted before the session. attrs fill extra configured fields.
func (m *Manager) NewSession(ctx context.Context, userID uint64, attrs ...Attr) (*Session, token.Issued, error) {
	s := &Session{userID: userID}
	if m.cfg.TTL > 0 {
		s.expiresAt = m.cfg.Now().UTC().Add(m.cfg.TTL)
	}
	if len(attrs) > 0 {
		s.attrs = make(map[string]string, len(attrs))
		for _, a := range attrs {
			s.attrs[a.Name] = a.Value
		}
	}

	for attempt := 1; ; attempt++ {
		s.id = m.cfg.IDs.NewU64()
		issued, err := m.tokens.NextToken(ctx, s.id)
		if err != nil {
			return nil, token.Issued{}, err
		}
		s.currentTokenID = issued.Token.ID()

		err = m.store.Insert(ctx, s, m.cfg.Fields)
		if err == nil {
			m.log.DebugContext(ctx, "session created", "session_id", s.id, "user_id", userID, "token_id", s.currentTokenID)
			m.emit(ctx, telemetry.Event{Type: telemetry.EventSessionCreated, UserID: userID, SessionID: s.id, TokenID: s.currentTokenID})
			return s, issued, nil
		}
		// The token issued for the rejected id is orphaned; make sure it cannot be used.
		if invErr := m.tokens.Invalidate(ctx, issued.Token); invErr != nil {
			m.log.WarnContext(ctx, "orphaned token left valid",
				"token_id", issued.Token.ID(), "session_id", s.id, "error", invErr)
			err = errors.Join(err, fmt.Errorf("session: invalidate orphaned token %d: %w", issued.Token.ID(), invErr))
		}
		if !errors.Is(err, storage.ErrDuplicate) || attempt == maxIDAttempts {
			return nil, token.Issued{}, err
		}
	}
}

// RefreshSessionToken issues a new token for s and makes it the session's current token.
//
// The new token is persisted before the session's pointer is updated, so a crash in between
// leaves the session pointing at its previous, still existing token. s is updated only after
// the pointer is persisted. Unless InvalidateOnRefresh is set, the superseded token stays valid.
//
// Concurrent refreshes of one session are not serialized: the last write wins and the other
// call's token is left valid but unreferenced.
func (m *Manager) RefreshSessionToken(ctx context.Context, s *Session) (token.Issued, error) {
	if s == nil {
		return token.Issued{}, ErrNilSession
	}
	issued, err := m.tokens.NextToken(ctx, s.id)
	if err != nil {
		return token.Issued{}, err
	}

	next := *s
	next.currentTokenID = issued.Token.ID()
	if err := m.store.UpdateByID(ctx, &next, []string{FieldRefreshToken}); err != nil {
		return token.Issued{}, err
	}
	prev := s.currentTokenID
	s.currentTokenID = next.currentTokenID
	m.log.DebugContext(ctx, "session token rotated", "session_id", s.id, "token_id", s.currentTokenID, "previous_token_id", prev)
	m.emit(ctx, telemetry.Event{
		Type:            telemetry.EventSessionRotated,
		UserID:          s.userID,
		SessionID:       s.id,
		TokenID:         s.currentTokenID,
		PreviousTokenID: prev,
	})

	if m.cfg.InvalidateOnRefresh {
		if err := m.invalidateToken(ctx, prev); err != nil {
			return issued, fmt.Errorf("session: invalidate superseded token %d: %w", prev, err)
		}
	}
	return issued, nil
}

// Get loads the session with the given id.
func (m *Manager) Get(ctx context.Context, sessionID uint64) (*Session, error) {
	return m.store.FindByID(ctx, sessionID, m.cfg.Fields)
}

// End signs the session out: its current token is invalidated, then the session record is deleted.
func (m *Manager) End(ctx context.Context, s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	if err := m.invalidateToken(ctx, s.currentTokenID); err != nil {
		return err
	}
	if err := m.store.DeleteByID(ctx, s.id); err != nil {
		return err
	}
	m.log.DebugContext(ctx, "session ended", "session_id", s.id, "user_id", s.userID)
	m.emit(ctx, telemetry.Event{Type: telemetry.EventSessionEnded, UserID: s.userID, SessionID: s.id, TokenID: s.currentTokenID})
	return nil
}

func (m *Manager) invalidateToken(ctx context.Context, tokenID uint64) error {
	tok, err := m.tokens.Get(ctx, tokenID)
	if err != nil {
		return err
	}
	return m.tokens.Invalidate(ctx, tok)
}

func (m *Manager) emit(ctx context.Context, ev telemetry.Event) {
	ev.At = m.cfg.Now().UTC()
	if err := m.cfg.Events.Emit(ctx, ev); err != nil {
		m.log.WarnContext(ctx, "event emit failed", "event_type", string(ev.Type), "error", err)
	}
}
