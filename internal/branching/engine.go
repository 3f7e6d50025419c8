package branching

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"worldline/internal/memory"
	"worldline/internal/models"
	"worldline/internal/notify"
	"worldline/internal/timeline"
)

// Operation error codes surfaced to the API layer.
const (
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeBranchNotFound       = "BRANCH_NOT_FOUND"
	CodeMessageNotFound      = "MESSAGE_NOT_FOUND"
	CodeGenerationInProgress = "GENERATION_IN_PROGRESS"
	CodeInterventionEmpty    = "INTERVENTION_EMPTY"
)

// OperationError is a domain error for branch and timeline operations.
type OperationError struct {
	Code    string
	Message string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func opError(code, message string) *OperationError {
	return &OperationError{Code: code, Message: message}
}

// GenerationGuard grants exclusive access to a session's generation slot.
// TryExclusive must not block: it reports false when a generation round is
// mid-flight.
type GenerationGuard interface {
	TryExclusive(sessionID string) (release func(), ok bool)
}

// Engine implements fork, switch, rollback and intervention workflows on
// top of the timeline store.
type Engine struct {
	store    *timeline.Store
	memory   memory.Service
	notifier notify.Notifier
	guard    GenerationGuard
}

func NewEngine(store *timeline.Store, mem memory.Service, notifier notify.Notifier, guard GenerationGuard) *Engine {
	if mem == nil {
		mem = memory.Nop{}
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{store: store, memory: mem, notifier: notifier, guard: guard}
}

// ListBranches returns the session's active branch id and all branches in
// creation order.
func (e *Engine) ListBranches(ctx context.Context, sessionID string) (string, []models.Branch, error) {
	session, err := e.getSession(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	branches, err := e.store.ListBranches(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	return session.ActiveBranchID, branches, nil
}

// Fork creates a new branch containing the source history up to and
// including the fork point. An empty fromMessageID forks at the source
// branch head; forking an empty branch yields an empty branch.
func (e *Engine) Fork(ctx context.Context, sessionID, sourceBranchID, fromMessageID string) (*models.Branch, error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin fork: %w", err)
	}
	defer tx.Rollback()
	txStore := e.store.WithTx(tx)

	if _, err := getSession(ctx, txStore, sessionID); err != nil {
		return nil, err
	}
	source, err := txStore.GetBranchInSession(ctx, sessionID, sourceBranchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, opError(CodeBranchNotFound, "source branch not found")
		}
		return nil, err
	}

	forkPoint, err := e.resolveForkPoint(ctx, txStore, source.ID, fromMessageID)
	if err != nil {
		return nil, err
	}

	branches, err := txStore.ListBranches(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	branch := models.Branch{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		Name:           fmt.Sprintf("%s-fork-%d", source.Name, len(branches)+1),
		ParentBranchID: source.ID,
	}
	if forkPoint != nil {
		branch.ForkFromMessageID = forkPoint.ID
	}
	created, err := txStore.CreateBranch(ctx, branch)
	if err != nil {
		return nil, err
	}

	var copied []models.Message
	if forkPoint != nil {
		sources, err := txStore.ListUpTo(ctx, source.ID, forkPoint.Seq)
		if err != nil {
			return nil, err
		}
		copied, err = txStore.CloneMessages(ctx, sources, sessionID, created.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fork: %w", err)
	}

	// Index the copies so the new branch's memory scope is warm. Derived
	// state only; the fork already committed.
	if len(copied) > 0 {
		e.memory.RememberAll(ctx, copied)
	}
	return created, nil
}

// Switch changes the session's active branch and broadcasts the change.
func (e *Engine) Switch(ctx context.Context, sessionID, branchID string) error {
	if _, err := e.store.GetBranchInSession(ctx, sessionID, branchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return opError(CodeBranchNotFound, "branch not found")
		}
		return err
	}
	if err := e.store.UpdateActiveBranch(ctx, sessionID, branchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return opError(CodeSessionNotFound, "session not found")
		}
		return err
	}
	e.notifier.Broadcast(ctx, sessionID, notify.BranchSwitched(branchID))
	return nil
}

// DeleteLast removes the newest message on a branch and tombstones its
// memory rows in the same transaction. It refuses to run while a
// generation round holds the session's slot, so a round can never commit
// a message that was rolled back underneath it.
func (e *Engine) DeleteLast(ctx context.Context, sessionID, branchID string) (*models.Message, error) {
	if e.guard != nil {
		release, ok := e.guard.TryExclusive(sessionID)
		if !ok {
			return nil, opError(CodeGenerationInProgress, "a generation round is in progress")
		}
		defer release()
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin delete last: %w", err)
	}
	defer tx.Rollback()
	txStore := e.store.WithTx(tx)

	session, err := getSession(ctx, txStore, sessionID)
	if err != nil {
		return nil, err
	}
	targetBranchID, err := resolveBranch(ctx, txStore, session, branchID)
	if err != nil {
		return nil, err
	}

	deleted, err := txStore.DeleteLast(ctx, targetBranchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, opError(CodeMessageNotFound, "no message to delete")
		}
		return nil, err
	}
	if err := e.memory.Invalidate(ctx, tx, sessionID, targetBranchID, deleted.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete last: %w", err)
	}
	return deleted, nil
}

// EnqueueIntervention queues a pending user directive and mirrors it into
// the timeline so it is visible immediately.
func (e *Engine) EnqueueIntervention(ctx context.Context, sessionID, branchID, content string) (*models.Intervention, *models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil, opError(CodeInterventionEmpty, "intervention content is empty")
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin intervention: %w", err)
	}
	defer tx.Rollback()
	txStore := e.store.WithTx(tx)

	session, err := getSession(ctx, txStore, sessionID)
	if err != nil {
		return nil, nil, err
	}
	targetBranchID, err := resolveBranch(ctx, txStore, session, branchID)
	if err != nil {
		return nil, nil, err
	}

	intervention, err := txStore.AddIntervention(ctx, models.Intervention{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		BranchID:  targetBranchID,
		Content:   content,
	})
	if err != nil {
		return nil, nil, err
	}
	mirror, err := txStore.Append(ctx, models.Message{
		SessionID:     sessionID,
		BranchID:      targetBranchID,
		Role:          models.RoleUserIntervention,
		Content:       content,
		TimeJumpLabel: session.TickLabel,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit intervention: %w", err)
	}

	e.memory.Remember(ctx, *mirror)
	e.notifier.Broadcast(ctx, sessionID, notify.MessageCreated(mirror))
	return intervention, mirror, nil
}

// EditMessage rewrites one message's content in place, keeping its id and
// seq, then re-indexes the new content. Old memory rows stay tombstoned.
func (e *Engine) EditMessage(ctx context.Context, sessionID, branchID, messageID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, opError(CodeMessageNotFound, "edited content is empty")
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin edit: %w", err)
	}
	defer tx.Rollback()
	txStore := e.store.WithTx(tx)

	session, err := getSession(ctx, txStore, sessionID)
	if err != nil {
		return nil, err
	}
	targetBranchID, err := resolveBranch(ctx, txStore, session, branchID)
	if err != nil {
		return nil, err
	}

	edited, err := txStore.EditMessage(ctx, targetBranchID, messageID, content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, opError(CodeMessageNotFound, "message not found")
		}
		return nil, err
	}
	if err := e.memory.Invalidate(ctx, tx, sessionID, targetBranchID, edited.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit edit: %w", err)
	}

	e.memory.Remember(ctx, *edited)
	e.notifier.Broadcast(ctx, sessionID, notify.MessageUpdated(edited))
	return edited, nil
}

func (e *Engine) resolveForkPoint(ctx context.Context, txStore *timeline.Store, sourceBranchID, fromMessageID string) (*models.Message, error) {
	if fromMessageID != "" {
		msg, err := txStore.GetMessage(ctx, sourceBranchID, fromMessageID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, opError(CodeMessageNotFound, "fork point message does not exist in source branch")
			}
			return nil, err
		}
		return msg, nil
	}
	msg, err := txStore.LastMessage(ctx, sourceBranchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

func (e *Engine) getSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return getSession(ctx, e.store, sessionID)
}

func getSession(ctx context.Context, store *timeline.Store, sessionID string) (*models.Session, error) {
	session, err := store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, opError(CodeSessionNotFound, "session not found")
		}
		return nil, err
	}
	return session, nil
}

// resolveBranch picks the explicit branch or falls back to the session's
// active branch, verifying it belongs to the session.
func resolveBranch(ctx context.Context, store *timeline.Store, session *models.Session, branchID string) (string, error) {
	target := branchID
	if target == "" {
		target = session.ActiveBranchID
	}
	if target == "" {
		return "", opError(CodeBranchNotFound, "branch not found")
	}
	if _, err := store.GetBranchInSession(ctx, session.ID, target); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", opError(CodeBranchNotFound, "branch not found")
		}
		return "", err
	}
	return target, nil
}
