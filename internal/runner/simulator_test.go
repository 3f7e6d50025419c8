package runner

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"worldline/internal/models"
	"worldline/internal/prompt"
	"worldline/internal/provider"
	"worldline/internal/storage"
	"worldline/internal/timeline"

	_ "github.com/mattn/go-sqlite3"
)

func newTestSimulator(t *testing.T) (*Simulator, *timeline.Store, string, string) {
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
		Title:           "simulator test",
		WorldPreset:     "a desert trading empire",
		TickLabel:       "1 year",
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

	providers := provider.NewService(db, nil, nil, nil)
	if _, err := providers.SetProvider(ctx, sessionID, "mock", "", "", "mock-1"); err != nil {
		t.Fatalf("set provider: %v", err)
	}

	sim := NewSimulator(store, prompt.NewBuilder(0), providers, nil)
	return sim, store, sessionID, branchID
}

func TestGenerateNextAppendsReport(t *testing.T) {
	sim, store, sessionID, branchID := newTestSimulator(t)
	ctx := context.Background()

	msg, err := sim.GenerateNext(ctx, sessionID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.Role != models.RoleSystemReport {
		t.Fatalf("role %q", msg.Role)
	}
	if msg.Seq != 1 || msg.BranchID != branchID {
		t.Fatalf("unexpected placement: seq %d branch %s", msg.Seq, msg.BranchID)
	}
	if msg.TimeJumpLabel != "1 year" {
		t.Fatalf("time jump label %q", msg.TimeJumpLabel)
	}
	if !strings.Contains(msg.Content, `"time_advance":"1 year"`) {
		t.Fatalf("report ignored the tick label: %s", msg.Content)
	}
	if msg.ModelProvider != "mock" || msg.ModelName != "mock-1" {
		t.Fatalf("model attribution: %+v", msg)
	}

	persisted, err := store.ListRecent(ctx, branchID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(persisted) != 1 || persisted[0].ID != msg.ID {
		t.Fatalf("report not persisted: %+v", persisted)
	}
}

func TestGenerateNextConsumesInterventions(t *testing.T) {
	sim, store, sessionID, branchID := newTestSimulator(t)
	ctx := context.Background()

	if _, err := store.AddIntervention(ctx, models.Intervention{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		BranchID:  branchID,
		Content:   "a rival caravan arrives",
	}); err != nil {
		t.Fatalf("add intervention: %v", err)
	}

	if _, err := sim.GenerateNext(ctx, sessionID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	pending, err := store.ListPendingInterventions(ctx, sessionID, branchID, 20)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("%d interventions still pending after round", len(pending))
	}
}

func TestGenerateNextRequiresConfiguredProvider(t *testing.T) {
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
		ID:             sessionID,
		WorldPreset:    "unconfigured world",
		TickLabel:      "1 month",
		ActiveBranchID: branchID,
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

	sim := NewSimulator(store, prompt.NewBuilder(0), provider.NewService(db, nil, nil, nil), nil)
	_, err = sim.GenerateNext(ctx, sessionID)
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Code != provider.CodeProviderNotReady {
		t.Fatalf("got %v, want PROVIDER_NOT_READY", err)
	}
}
