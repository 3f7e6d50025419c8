package runner

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"worldline/internal/models"
	"worldline/internal/notify"
	"worldline/internal/provider"
	"worldline/internal/storage"
	"worldline/internal/timeline"

	_ "github.com/mattn/go-sqlite3"
)

// fakeGen is a scriptable Generator. Each call consumes the next step;
// past the script it repeats the final step.
type fakeGen struct {
	mu    sync.Mutex
	steps []error
	calls int
	gate  chan struct{}
}

func (g *fakeGen) GenerateNext(ctx context.Context, sessionID string) (*models.Message, error) {
	g.mu.Lock()
	g.calls++
	idx := g.calls - 1
	if idx >= len(g.steps) {
		idx = len(g.steps) - 1
	}
	var stepErr error
	if idx >= 0 {
		stepErr = g.steps[idx]
	}
	gate := g.gate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if stepErr != nil {
		return nil, stepErr
	}
	return &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleSystemReport,
		Content:   "generated",
	}, nil
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// recorder captures broadcast events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Broadcast(_ context.Context, _ string, ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) hasErrorCode(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Event == "error" && ev.Code == code {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, gen Generator, notifier notify.Notifier) (*Manager, *timeline.Store, string) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := timeline.New(db)

	ctx := context.Background()
	sessionID := uuid.New().String()
	branchID := uuid.New().String()
	if _, err := store.CreateSession(ctx, models.Session{
		ID:              sessionID,
		Title:           "runner test",
		WorldPreset:     "a lunar colony",
		TickLabel:       "1 month",
		PostGenDelaySec: 0,
		ActiveBranchID:  branchID,
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.CreateBranch(ctx, models.Branch{
		ID:        branchID,
		SessionID: sessionID,
		Name:      "main",
	}); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	m := NewManager(store, gen, notifier)
	t.Cleanup(m.Shutdown)
	return m, store, sessionID
}

func sessionRunning(t *testing.T, store *timeline.Store, sessionID string) bool {
	t.Helper()
	session, err := store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return session.Running
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func useFastBackoff(t *testing.T) {
	t.Helper()
	saved := backoffDelays
	backoffDelays = []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	t.Cleanup(func() { backoffDelays = saved })
}

func TestStartGeneratesUntilPaused(t *testing.T) {
	gen := &fakeGen{}
	m, store, sessionID := newTestManager(t, gen, nil)
	ctx := context.Background()

	if err := m.Start(ctx, sessionID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "several rounds", func() bool { return gen.callCount() >= 3 })

	if err := m.Pause(ctx, sessionID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitFor(t, "loop to observe pause", func() bool { return !m.IsGenerating(sessionID) && !sessionRunning(t, store, sessionID) })

	settled := gen.callCount()
	time.Sleep(50 * time.Millisecond)
	if after := gen.callCount(); after > settled+1 {
		t.Fatalf("loop kept generating after pause: %d then %d", settled, after)
	}
}

func TestStartUnknownSession(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeGen{}, nil)
	err := m.Start(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func TestNonRetryableErrorPausesSession(t *testing.T) {
	rec := &recorder{}
	gen := &fakeGen{steps: []error{&provider.Error{Code: provider.CodeProviderBadStatus, Message: "bad key"}}}
	m, store, sessionID := newTestManager(t, gen, rec)

	if err := m.Start(context.Background(), sessionID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "error stop", func() bool { return !sessionRunning(t, store, sessionID) })
	waitFor(t, "error event", func() bool { return rec.hasErrorCode(provider.CodeProviderBadStatus) })

	if gen.callCount() != 1 {
		t.Fatalf("non-retryable error retried: %d calls", gen.callCount())
	}
}

func TestRetryableErrorsExhaustBackoff(t *testing.T) {
	useFastBackoff(t)
	rec := &recorder{}
	upstream := &provider.Error{Code: provider.CodeProviderUpstream, Message: "down", Retryable: true}
	gen := &fakeGen{steps: []error{upstream}}
	m, store, sessionID := newTestManager(t, gen, rec)

	if err := m.Start(context.Background(), sessionID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "backoff exhaustion", func() bool { return rec.hasErrorCode("ERROR_BACKOFF") })
	waitFor(t, "session paused", func() bool { return !sessionRunning(t, store, sessionID) })

	// Initial failure plus one retry per backoff step.
	if got := gen.callCount(); got != len(backoffDelays)+1 {
		t.Fatalf("%d generation attempts, want %d", got, len(backoffDelays)+1)
	}
}

func TestRetryableErrorThenRecovery(t *testing.T) {
	useFastBackoff(t)
	rec := &recorder{}
	upstream := &provider.Error{Code: provider.CodeProviderUpstream, Message: "blip", Retryable: true}
	gen := &fakeGen{steps: []error{upstream, nil}}
	m, store, sessionID := newTestManager(t, gen, rec)
	ctx := context.Background()

	if err := m.Start(ctx, sessionID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "recovery after transient failure", func() bool { return gen.callCount() >= 3 })
	if !sessionRunning(t, store, sessionID) {
		t.Fatal("session paused after a recoverable blip")
	}
	if rec.hasErrorCode("ERROR_BACKOFF") {
		t.Fatal("backoff exhausted despite recovery")
	}
	if err := m.Pause(ctx, sessionID); err != nil {
		t.Fatalf("pause: %v", err)
	}
}

func TestTryExclusiveWhileRoundInFlight(t *testing.T) {
	gate := make(chan struct{})
	gen := &fakeGen{gate: gate}
	m, _, sessionID := newTestManager(t, gen, nil)
	ctx := context.Background()

	// No loop yet: the slot is free.
	release, ok := m.TryExclusive(sessionID)
	if !ok {
		t.Fatal("slot busy before any loop exists")
	}
	release()

	if err := m.Start(ctx, sessionID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "round in flight", func() bool { return m.IsGenerating(sessionID) })

	if _, ok := m.TryExclusive(sessionID); ok {
		t.Fatal("slot granted while a round is in flight")
	}

	if err := m.Pause(ctx, sessionID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	close(gate)
	waitFor(t, "round to finish", func() bool { return !m.IsGenerating(sessionID) })

	release, ok = m.TryExclusive(sessionID)
	if !ok {
		t.Fatal("slot still busy after round finished")
	}
	release()
}

func TestResumeRestartsLoop(t *testing.T) {
	gen := &fakeGen{}
	m, store, sessionID := newTestManager(t, gen, nil)
	ctx := context.Background()

	if err := m.Start(ctx, sessionID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first rounds", func() bool { return gen.callCount() >= 1 })
	if err := m.Pause(ctx, sessionID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitFor(t, "loop exit", func() bool { return !sessionRunning(t, store, sessionID) && !m.IsGenerating(sessionID) })

	before := gen.callCount()
	if err := m.Resume(ctx, sessionID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "rounds after resume", func() bool { return gen.callCount() > before })
	if err := m.Pause(ctx, sessionID); err != nil {
		t.Fatalf("pause again: %v", err)
	}
}
