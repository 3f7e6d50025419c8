package runner

import (
	"context"
	"errors"
	"fmt"

	"worldline/internal/memory"
	"worldline/internal/models"
	"worldline/internal/prompt"
	"worldline/internal/provider"
	"worldline/internal/timeline"
)

const (
	historyWindow     = 40
	interventionLimit = 20
)

// Generator produces the next timeline message for a session.
type Generator interface {
	GenerateNext(ctx context.Context, sessionID string) (*models.Message, error)
}

// Simulator orchestrates one generation round: gather context, call the
// provider, then persist the report and consume interventions in one
// transaction. Memory indexing happens after commit and is best-effort.
type Simulator struct {
	store     *timeline.Store
	builder   *prompt.Builder
	providers *provider.Service
	memory    memory.Service
}

func NewSimulator(store *timeline.Store, builder *prompt.Builder, providers *provider.Service, mem memory.Service) *Simulator {
	if mem == nil {
		mem = memory.Nop{}
	}
	return &Simulator{store: store, builder: builder, providers: providers, memory: mem}
}

func (s *Simulator) GenerateNext(ctx context.Context, sessionID string) (*models.Message, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session.ActiveBranchID == "" {
		return nil, errors.New("session has no active branch")
	}

	history, err := s.store.ListRecent(ctx, session.ActiveBranchID, historyWindow)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	interventions, err := s.store.ListPendingInterventions(ctx, sessionID, session.ActiveBranchID, interventionLimit)
	if err != nil {
		return nil, fmt.Errorf("load interventions: %w", err)
	}

	var snippets []memory.Snippet
	if s.memory.Enabled() {
		query := s.builder.MemoryQuery(session.WorldPreset, history, interventions, session.TickLabel)
		snippets = s.memory.Search(ctx, sessionID, session.ActiveBranchID, query, 0)
	}

	messages := s.builder.BuildMessages(session.WorldPreset, history, interventions, session.TickLabel, snippets)
	adapter, runtimeCfg, err := s.providers.GenerationConfig(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result, err := adapter.Generate(ctx, runtimeCfg, messages)
	if err != nil {
		return nil, err
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin persist round: %w", err)
	}
	defer tx.Rollback()
	txStore := s.store.WithTx(tx)

	persisted, err := txStore.Append(ctx, models.Message{
		SessionID:     sessionID,
		BranchID:      session.ActiveBranchID,
		Role:          models.RoleSystemReport,
		Content:       result.Content,
		TimeJumpLabel: session.TickLabel,
		ModelProvider: result.ModelProvider,
		ModelName:     result.ModelName,
		TokenIn:       result.TokenIn,
		TokenOut:      result.TokenOut,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(interventions))
	for _, iv := range interventions {
		ids = append(ids, iv.ID)
	}
	if err := txStore.MarkInterventionsConsumed(ctx, ids); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit round: %w", err)
	}

	s.memory.Remember(ctx, *persisted)
	return persisted, nil
}
