package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"sessioncore/internal/id"
	"sessioncore/internal/storage"
	"sessioncore/internal/storage/memory"
	"sessioncore/internal/telemetry"
	"sessioncore/internal/token"
)

type fixture struct {
	sessions *memory.Store[*Session]
	tokens   *token.Manager
	mgr      *Manager
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	f := fixture{
		sessions: memory.New(Decode),
		tokens:   token.NewManager(token.DefaultConfig(), memory.New(token.Decode)),
	}
	f.mgr = NewManager(cfg, f.sessions, f.tokens)
	return f
}

func mustValid(t *testing.T, tokens *token.Manager, tokenID uint64) bool {
	t.Helper()
	ok, err := tokens.IsValid(context.Background(), tokenID)
	if err != nil {
		t.Fatalf("IsValid(%d): %v", tokenID, err)
	}
	return ok
}

// fixedIDs returns the queued values in order, then repeats the last one.
type fixedIDs struct {
	vals []uint64
}

func (g *fixedIDs) NewU64() uint64 {
	v := g.vals[0]
	if len(g.vals) > 1 {
		g.vals = g.vals[1:]
	}
	return v
}

func (g *fixedIDs) NewU128() id.U128 { return id.U128{} }

// failingUpdates lets inserts and reads through and fails every update.
type failingUpdates struct {
	storage.Store[*Session]
	err error
}

func (s failingUpdates) UpdateByID(context.Context, *Session, []string) error { return s.err }

func TestNewSession_PointsAtIssuedToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	s, issued, err := f.mgr.NewSession(ctx, 42)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.UserID() != 42 {
		t.Errorf("UserID = %d, want 42", s.UserID())
	}
	if s.CurrentTokenID() != issued.Token.ID() {
		t.Errorf("CurrentTokenID = %d, want issued token %d", s.CurrentTokenID(), issued.Token.ID())
	}
	if issued.Token.SessionID() != s.ID() {
		t.Errorf("token SessionID = %d, want %d", issued.Token.SessionID(), s.ID())
	}
	if issued.Secret == "" {
		t.Error("issued secret is empty")
	}

	got, err := f.mgr.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID() != 42 || got.CurrentTokenID() != s.CurrentTokenID() {
		t.Errorf("stored session = (user %d, token %d), want (42, %d)", got.UserID(), got.CurrentTokenID(), s.CurrentTokenID())
	}
	if !got.ExpiresAt().Equal(s.ExpiresAt()) {
		t.Errorf("stored ExpiresAt = %v, want %v", got.ExpiresAt(), s.ExpiresAt())
	}
}

func TestScenario_User42TokenLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	s, _, err := f.mgr.NewSession(ctx, 42)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.UserID() != 42 {
		t.Fatalf("UserID = %d, want 42", s.UserID())
	}

	issued, err := f.tokens.NextToken(ctx, s.ID())
	if err != nil {
		t.Fatalf("NextToken: %v", err)
	}
	if !mustValid(t, f.tokens, issued.Token.ID()) {
		t.Fatal("fresh token should be valid")
	}
	if err := f.tokens.Invalidate(ctx, issued.Token); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if mustValid(t, f.tokens, issued.Token.ID()) {
		t.Fatal("token should be invalid after Invalidate")
	}
	if err := f.tokens.Invalidate(ctx, issued.Token); err != nil {
		t.Fatalf("second Invalidate: %v", err)
	}
	if mustValid(t, f.tokens, issued.Token.ID()) {
		t.Fatal("token should stay invalid")
	}
}

func TestRefreshSessionToken_LeavesOldTokenValidByDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	s, first, err := f.mgr.NewSession(ctx, 7)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	next, err := f.mgr.RefreshSessionToken(ctx, s)
	if err != nil {
		t.Fatalf("RefreshSessionToken: %v", err)
	}
	if s.CurrentTokenID() != next.Token.ID() {
		t.Errorf("CurrentTokenID = %d, want %d", s.CurrentTokenID(), next.Token.ID())
	}
	if s.CurrentTokenID() == first.Token.ID() {
		t.Error("CurrentTokenID did not change")
	}
	if next.Token.SecretDigest() == first.Token.SecretDigest() {
		t.Error("rotated token reused the secret digest")
	}
	if !mustValid(t, f.tokens, first.Token.ID()) {
		t.Error("superseded token should stay valid when InvalidateOnRefresh is off")
	}
	if !mustValid(t, f.tokens, next.Token.ID()) {
		t.Error("new token should be valid")
	}

	stored, err := f.mgr.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.CurrentTokenID() != next.Token.ID() {
		t.Errorf("stored CurrentTokenID = %d, want %d", stored.CurrentTokenID(), next.Token.ID())
	}

	// The caller can still revoke the old token explicitly.
	if err := f.tokens.Invalidate(ctx, first.Token); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if mustValid(t, f.tokens, first.Token.ID()) {
		t.Error("explicitly invalidated token is still valid")
	}
}

func TestRefreshSessionToken_InvalidateOnRefresh(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.InvalidateOnRefresh = true
	f := newFixture(t, cfg)

	s, first, err := f.mgr.NewSession(ctx, 7)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	next, err := f.mgr.RefreshSessionToken(ctx, s)
	if err != nil {
		t.Fatalf("RefreshSessionToken: %v", err)
	}
	if mustValid(t, f.tokens, first.Token.ID()) {
		t.Error("superseded token should be invalidated")
	}
	if !mustValid(t, f.tokens, next.Token.ID()) {
		t.Error("new token should be valid")
	}
}

func TestRefreshSessionToken_UpdateFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	sessions := memory.New(Decode)
	tokens := token.NewManager(token.DefaultConfig(), memory.New(token.Decode))
	seed := NewManager(DefaultConfig(), sessions, tokens)
	s, first, err := seed.NewSession(ctx, 1)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	boom := storage.Failure("update", "sessions", errors.New("disk full"))
	mgr := NewManager(DefaultConfig(), failingUpdates{Store: sessions, err: boom}, tokens)
	if _, err := mgr.RefreshSessionToken(ctx, s); !errors.Is(err, storage.ErrStorage) {
		t.Fatalf("RefreshSessionToken err = %v, want ErrStorage", err)
	}
	if s.CurrentTokenID() != first.Token.ID() {
		t.Error("session mutated although the update failed")
	}
	stored, err := seed.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.CurrentTokenID() != first.Token.ID() {
		t.Error("stored pointer changed although the update failed")
	}
	if !mustValid(t, tokens, stored.CurrentTokenID()) {
		t.Error("stored pointer must reference a valid token")
	}
}

func TestRefreshSessionToken_MissingSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	s, _, err := f.mgr.NewSession(ctx, 1)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := f.sessions.DeleteByID(ctx, s.ID()); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}
	if _, err := f.mgr.RefreshSessionToken(ctx, s); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := f.mgr.RefreshSessionToken(ctx, nil); !errors.Is(err, ErrNilSession) {
		t.Errorf("nil session err = %v, want ErrNilSession", err)
	}
}

func TestNewSession_RetriesOnIDCollision(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	ids := &fixedIDs{vals: []uint64{100, 100, 200}}
	cfg.IDs = ids
	f := newFixture(t, cfg)

	a, _, err := f.mgr.NewSession(ctx, 1)
	if err != nil {
		t.Fatalf("first NewSession: %v", err)
	}
	b, issued, err := f.mgr.NewSession(ctx, 2)
	if err != nil {
		t.Fatalf("second NewSession: %v", err)
	}
	if a.ID() != 100 || b.ID() != 200 {
		t.Errorf("ids = %d, %d, want 100, 200", a.ID(), b.ID())
	}
	if f.sessions.Len() != 2 {
		t.Errorf("stored sessions = %d, want 2", f.sessions.Len())
	}
	if issued.Token.SessionID() != 200 {
		t.Errorf("token SessionID = %d, want 200", issued.Token.SessionID())
	}
}

func TestNewSession_GivesUpAfterRepeatedCollisions(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.IDs = &fixedIDs{vals: []uint64{5}}
	f := newFixture(t, cfg)

	if _, _, err := f.mgr.NewSession(ctx, 1); err != nil {
		t.Fatalf("first NewSession: %v", err)
	}
	if _, _, err := f.mgr.NewSession(ctx, 2); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestNewSession_ExtraFieldsAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig().WithFields("ip_address", "user_agent")
	cfg.TTL = time.Hour
	cfg.Now = func() time.Time { return now }
	f := newFixture(t, cfg)

	s, _, err := f.mgr.NewSession(ctx, 3, Attr{Name: "ip_address", Value: "10.0.0.1"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if want := now.Add(time.Hour); !s.ExpiresAt().Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt(), want)
	}
	if s.Expired(now) {
		t.Error("session expired immediately")
	}
	if !s.Expired(now.Add(time.Hour)) {
		t.Error("session should be expired at its expiry")
	}

	got, err := f.mgr.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v, _ := got.Attr("ip_address"); v != "10.0.0.1" {
		t.Errorf("ip_address = %q", v)
	}
	if v, ok := got.Attr("user_agent"); !ok || v != "" {
		t.Errorf("user_agent = %q, %v, want empty and present", v, ok)
	}
	if n := len(f.mgr.Fields()); n != 6 {
		t.Errorf("Fields() has %d entries, want 6", n)
	}
}

func TestNewSession_NoTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = 0
	f := newFixture(t, cfg)
	s, _, err := f.mgr.NewSession(context.Background(), 9)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if !s.ExpiresAt().IsZero() || s.Expired(time.Now().Add(100*365*24*time.Hour)) {
		t.Error("session without TTL should never expire")
	}
	got, err := f.mgr.Get(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.ExpiresAt().IsZero() {
		t.Errorf("stored ExpiresAt = %v, want zero", got.ExpiresAt())
	}
}

func TestEnd_InvalidatesTokenAndDeletesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	s, issued, err := f.mgr.NewSession(ctx, 11)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := f.mgr.End(ctx, s); err != nil {
		t.Fatalf("End: %v", err)
	}
	if mustValid(t, f.tokens, issued.Token.ID()) {
		t.Error("current token still valid after End")
	}
	if _, err := f.mgr.Get(ctx, s.ID()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after End err = %v, want ErrNotFound", err)
	}
	if err := f.mgr.End(ctx, s); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second End err = %v, want ErrNotFound", err)
	}
}

func TestDecode_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		fields []string
		values []string
	}{
		{"id", []string{FieldID}, []string{"x"}},
		{"user", []string{FieldUserID}, []string{"-1"}},
		{"expires", []string{FieldExpires}, []string{"yesterday"}},
		{"token", []string{FieldRefreshToken}, []string{""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.fields, tc.values); err == nil {
				t.Error("Decode should fail")
			}
		})
	}
}

// failingInvalidate issues real tokens and fails every Invalidate.
type failingInvalidate struct {
	*token.Manager
	err error
}

func (f failingInvalidate) Invalidate(context.Context, *token.AuthToken) error { return f.err }

func TestNewSession_OrphanedTokenInvalidateFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	cfg := DefaultConfig()
	cfg.IDs = &fixedIDs{vals: []uint64{5, 5, 6}}
	cfg.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	sessions := memory.New(Decode)
	tokens := failingInvalidate{
		Manager: token.NewManager(token.DefaultConfig(), memory.New(token.Decode)),
		err:     errors.New("token store down"),
	}
	mgr := NewManager(cfg, sessions, tokens)

	if _, _, err := mgr.NewSession(ctx, 1); err != nil {
		t.Fatalf("first NewSession: %v", err)
	}
	s, _, err := mgr.NewSession(ctx, 2)
	if err != nil {
		t.Fatalf("second NewSession should retry past the collision: %v", err)
	}
	if s.ID() != 6 {
		t.Errorf("session id = %d, want 6", s.ID())
	}
	if !strings.Contains(logs.String(), "orphaned token left valid") {
		t.Errorf("logs = %s, want orphaned token warning", logs.String())
	}
}

func TestNewSession_FinalAttemptReportsInvalidateFailure(t *testing.T) {
	ctx := context.Background()
	invErr := errors.New("token store down")
	cfg := DefaultConfig()
	cfg.IDs = &fixedIDs{vals: []uint64{5}}
	cfg.Logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	mgr := NewManager(cfg, memory.New(Decode), failingInvalidate{
		Manager: token.NewManager(token.DefaultConfig(), memory.New(token.Decode)),
		err:     invErr,
	})

	if _, _, err := mgr.NewSession(ctx, 1); err != nil {
		t.Fatalf("first NewSession: %v", err)
	}
	_, _, err := mgr.NewSession(ctx, 2)
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
	if !errors.Is(err, invErr) {
		t.Errorf("err = %v, want the invalidate failure joined in", err)
	}
}

// recordedEvents collects emitted events.
type recordedEvents struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordedEvents) Emit(_ context.Context, ev telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestManager_EmitsLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	events := &recordedEvents{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Events = events
	cfg.Now = func() time.Time { return now }
	f := newFixture(t, cfg)

	s, first, err := f.mgr.NewSession(ctx, 42)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	next, err := f.mgr.RefreshSessionToken(ctx, s)
	if err != nil {
		t.Fatalf("RefreshSessionToken: %v", err)
	}
	if err := f.mgr.End(ctx, s); err != nil {
		t.Fatalf("End: %v", err)
	}

	want := []telemetry.Event{
		{Type: telemetry.EventSessionCreated, UserID: 42, SessionID: s.ID(), TokenID: first.Token.ID(), At: now},
		{Type: telemetry.EventSessionRotated, UserID: 42, SessionID: s.ID(), TokenID: next.Token.ID(), PreviousTokenID: first.Token.ID(), At: now},
		{Type: telemetry.EventSessionEnded, UserID: 42, SessionID: s.ID(), TokenID: next.Token.ID(), At: now},
	}
	if len(events.events) != len(want) {
		t.Fatalf("events = %+v, want %+v", events.events, want)
	}
	for i := range want {
		if events.events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events.events[i], want[i])
		}
	}
}

func TestRefreshSessionToken_ConcurrentRefreshesOfOneSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	s, first, err := f.mgr.NewSession(ctx, 7)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		issued = map[uint64]bool{}
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := *s
			got, err := f.mgr.RefreshSessionToken(ctx, &cp)
			if err != nil {
				t.Errorf("RefreshSessionToken: %v", err)
				return
			}
			mu.Lock()
			issued[got.Token.ID()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(issued) != workers {
		t.Fatalf("issued %d distinct tokens, want %d", len(issued), workers)
	}
	stored, err := f.mgr.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !issued[stored.CurrentTokenID()] {
		t.Errorf("stored CurrentTokenID %d is not one of the issued tokens", stored.CurrentTokenID())
	}
	if !mustValid(t, f.tokens, first.Token.ID()) {
		t.Error("initial token should stay valid when InvalidateOnRefresh is off")
	}
	for tokID := range issued {
		if !mustValid(t, f.tokens, tokID) {
			t.Errorf("token %d should stay valid", tokID)
		}
	}
}
