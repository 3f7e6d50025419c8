package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"worldline/internal/notify"
	"worldline/internal/provider"
	"worldline/internal/timeline"
)

var backoffDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// ErrSessionNotFound is returned when start/pause targets an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// handle tracks one session's loop goroutine. genMu is held for the
// duration of each generation round; branch operations probe it through
// TryExclusive.
type handle struct {
	genMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns per-session generation loops. The persisted running flag
// is the source of truth: the loop re-reads it every round and exits when
// it turns false, so pause survives restarts.
type Manager struct {
	store    *timeline.Store
	sim      Generator
	notifier notify.Notifier

	mu      sync.Mutex
	handles map[string]*handle
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

func NewManager(store *timeline.Store, sim Generator, notifier notify.Notifier) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		sim:      sim,
		notifier: notifier,
		handles:  make(map[string]*handle),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Start flips the session to running and ensures its loop goroutine is
// alive. Starting an already running session is a no-op beyond the state
// broadcast.
func (m *Manager) Start(ctx context.Context, sessionID string) error {
	if err := m.setRunning(ctx, sessionID, true); err != nil {
		return err
	}
	m.ensureLoop(sessionID)
	m.notifier.Broadcast(ctx, sessionID, notify.SessionState(true, ""))
	return nil
}

// Pause flips the session's running flag off; the loop observes it before
// its next round and exits. A round already in flight completes first.
func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	if err := m.setRunning(ctx, sessionID, false); err != nil {
		return err
	}
	m.notifier.Broadcast(ctx, sessionID, notify.SessionState(false, ""))
	return nil
}

// Resume is Start; the loop picks up from the persisted timeline.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	return m.Start(ctx, sessionID)
}

// IsGenerating reports whether a round is mid-flight right now. Advisory
// only: the answer can be stale by the time the caller acts on it.
func (m *Manager) IsGenerating(sessionID string) bool {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok || loopDone(h) {
		return false
	}
	if h.genMu.TryLock() {
		h.genMu.Unlock()
		return false
	}
	return true
}

// TryExclusive grabs the session's generation slot without blocking. It
// reports false while a round holds the slot. The returned release must
// be called exactly once.
func (m *Manager) TryExclusive(sessionID string) (func(), bool) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return func() {}, true
	}
	if !h.genMu.TryLock() {
		return nil, false
	}
	return h.genMu.Unlock, true
}

// Shutdown stops every loop and waits for in-flight rounds to finish.
func (m *Manager) Shutdown() {
	m.stop()
	m.wg.Wait()
}

func (m *Manager) setRunning(ctx context.Context, sessionID string, running bool) error {
	_, err := m.store.UpdateRunning(ctx, sessionID, running)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

func (m *Manager) ensureLoop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.handles[sessionID]; ok && !loopDone(existing) {
		return
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.handles[sessionID] = h
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(h.done)
		m.runLoop(ctx, sessionID, h)
	}()
}

func (m *Manager) runLoop(ctx context.Context, sessionID string, h *handle) {
	backoffAttempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		delay, ok := m.postDelay(ctx, sessionID)
		if !ok {
			return
		}

		h.genMu.Lock()
		msg, err := m.sim.GenerateNext(ctx, sessionID)
		h.genMu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !m.handleRoundError(ctx, sessionID, err, &backoffAttempt) {
				return
			}
			continue
		}
		backoffAttempt = 0

		m.notifier.Broadcast(ctx, sessionID, notify.MessageCreated(msg))
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// handleRoundError reports whether the loop should keep going. Retryable
// provider errors back off 1s, 2s, 4s; the fourth consecutive failure, or
// any non-retryable error, pauses the session.
func (m *Manager) handleRoundError(ctx context.Context, sessionID string, err error, attempt *int) bool {
	var pe *provider.Error
	if errors.As(err, &pe) {
		if !pe.Retryable {
			m.stopWithError(ctx, sessionID, pe.Code, pe.Message)
			return false
		}
		if *attempt >= len(backoffDelays) {
			m.stopWithError(ctx, sessionID, "ERROR_BACKOFF",
				"provider failed repeatedly; runner paused, resume to retry")
			return false
		}
		retryDelay := backoffDelays[*attempt]
		*attempt++
		m.notifier.Broadcast(ctx, sessionID, notify.ErrorEvent(pe.Code,
			fmt.Sprintf("%s; retrying in %s", pe.Message, retryDelay)))
		return sleepCtx(ctx, retryDelay)
	}
	m.stopWithError(ctx, sessionID, "RUNNER_FAILED", err.Error())
	return false
}

// postDelay re-reads the session each round; a cleared running flag or a
// missing session ends the loop.
func (m *Manager) postDelay(ctx context.Context, sessionID string) (time.Duration, bool) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			log.Printf("runner: load session %s: %v", sessionID, err)
		}
		return 0, false
	}
	if !session.Running {
		return 0, false
	}
	return time.Duration(session.PostGenDelaySec) * time.Second, true
}

func (m *Manager) stopWithError(ctx context.Context, sessionID, code, message string) {
	if err := m.setRunning(ctx, sessionID, false); err != nil && ctx.Err() == nil {
		log.Printf("runner: pause session %s after error: %v", sessionID, err)
	}
	m.notifier.Broadcast(ctx, sessionID, notify.ErrorEvent(code, message))
	m.notifier.Broadcast(ctx, sessionID, notify.SessionState(false, ""))
}

func loopDone(h *handle) bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
