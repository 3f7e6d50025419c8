package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"worldline/internal/models"
)

// appendRetries bounds how often Append recomputes seq after losing a race
// on the (branch_id, seq) unique constraint.
const appendRetries = 3

// ErrSeqConflict is returned when Append cannot claim a sequence number
// within the retry budget.
var ErrSeqConflict = errors.New("sequence conflict: concurrent writers on branch")

// NextSeq returns max existing seq in the branch + 1, or 1 for an empty
// branch. The value is only safe to use together with Append's conflict
// retry; the unique constraint is the enforcement backstop.
func (s *Store) NextSeq(ctx context.Context, branchID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM timeline_messages WHERE branch_id = ?`, branchID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return maxSeq.Int64 + 1, nil
}

// Append inserts a message with a freshly computed seq, retrying on
// conflict so two concurrent writers never both commit the same position.
func (s *Store) Append(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = time.Now().UTC()
	for attempt := 0; attempt < appendRetries; attempt++ {
		seq, err := s.NextSeq(ctx, msg.BranchID)
		if err != nil {
			return nil, err
		}
		msg.Seq = seq
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO timeline_messages (id, session_id, branch_id, seq, role, content, time_jump_label, model_provider, model_name, token_in, token_out, is_user_edited, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			msg.ID, msg.SessionID, msg.BranchID, msg.Seq, msg.Role, msg.Content, msg.TimeJumpLabel,
			nullString(msg.ModelProvider), nullString(msg.ModelName),
			nullInt(msg.TokenIn), nullInt(msg.TokenOut), msg.CreatedAt,
		)
		if err == nil {
			return &msg, nil
		}
		if !isConflict(err) {
			return nil, fmt.Errorf("insert message: %w", err)
		}
	}
	return nil, ErrSeqConflict
}

// ListRecent returns the most recent limit messages ascending by seq.
func (s *Store) ListRecent(ctx context.Context, branchID string, limit int) ([]models.Message, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, session_id, branch_id, seq, role, content, time_jump_label, model_provider, model_name, token_in, token_out, is_user_edited, edited_at, created_at
		 FROM timeline_messages WHERE branch_id = ? ORDER BY seq DESC LIMIT ?`,
		branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	// fetched newest-first; present ascending
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ListUpTo returns branch messages with seq <= maxSeq, ascending.
// Used for fork copies.
func (s *Store) ListUpTo(ctx context.Context, branchID string, maxSeq int64) ([]models.Message, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, session_id, branch_id, seq, role, content, time_jump_label, model_provider, model_name, token_in, token_out, is_user_edited, edited_at, created_at
		 FROM timeline_messages WHERE branch_id = ? AND seq <= ? ORDER BY seq ASC`,
		branchID, maxSeq)
	if err != nil {
		return nil, fmt.Errorf("list messages up to seq: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// GetMessage fetches a message by id constrained to a branch.
func (s *Store) GetMessage(ctx context.Context, branchID, messageID string) (*models.Message, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, session_id, branch_id, seq, role, content, time_jump_label, model_provider, model_name, token_in, token_out, is_user_edited, edited_at, created_at
		 FROM timeline_messages WHERE id = ? AND branch_id = ?`, messageID, branchID)
	return scanMessage(row)
}

// LastMessage fetches the highest-seq message in a branch.
// Returns sql.ErrNoRows for an empty branch.
func (s *Store) LastMessage(ctx context.Context, branchID string) (*models.Message, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, session_id, branch_id, seq, role, content, time_jump_label, model_provider, model_name, token_in, token_out, is_user_edited, edited_at, created_at
		 FROM timeline_messages WHERE branch_id = ? ORDER BY seq DESC LIMIT 1`, branchID)
	return scanMessage(row)
}

// DeleteLast removes and returns the single highest-seq message in a
// branch. Returns sql.ErrNoRows when the branch is empty.
func (s *Store) DeleteLast(ctx context.Context, branchID string) (*models.Message, error) {
	msg, err := s.LastMessage(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM timeline_messages WHERE id = ?`, msg.ID); err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	return msg, nil
}

// EditMessage replaces content in place, preserving id and seq, and marks
// the row edited.
func (s *Store) EditMessage(ctx context.Context, branchID, messageID, content string) (*models.Message, error) {
	msg, err := s.GetMessage(ctx, branchID, messageID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = s.q.ExecContext(ctx,
		`UPDATE timeline_messages SET content = ?, is_user_edited = 1, edited_at = ? WHERE id = ?`,
		content, now, messageID)
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	msg.Content = content
	msg.IsUserEdited = true
	msg.EditedAt = now
	return msg, nil
}

// CloneMessages copies source messages into the target branch with fresh
// ids, preserving seq, content, role, and model metadata.
func (s *Store) CloneMessages(ctx context.Context, sources []models.Message, sessionID, targetBranchID string) ([]models.Message, error) {
	copied := make([]models.Message, 0, len(sources))
	now := time.Now().UTC()
	for _, src := range sources {
		clone := src
		clone.ID = uuid.New().String()
		clone.SessionID = sessionID
		clone.BranchID = targetBranchID
		clone.CreatedAt = now
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO timeline_messages (id, session_id, branch_id, seq, role, content, time_jump_label, model_provider, model_name, token_in, token_out, is_user_edited, edited_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			clone.ID, clone.SessionID, clone.BranchID, clone.Seq, clone.Role, clone.Content, clone.TimeJumpLabel,
			nullString(clone.ModelProvider), nullString(clone.ModelName),
			nullInt(clone.TokenIn), nullInt(clone.TokenOut),
			clone.IsUserEdited, nullTime(clone.EditedAt), clone.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("clone message seq %d: %w", clone.Seq, err)
		}
		copied = append(copied, clone)
	}
	return copied, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m             models.Message
		modelProvider sql.NullString
		modelName     sql.NullString
		tokenIn       sql.NullInt64
		tokenOut      sql.NullInt64
		editedAt      sql.NullTime
	)
	err := row.Scan(&m.ID, &m.SessionID, &m.BranchID, &m.Seq, &m.Role, &m.Content, &m.TimeJumpLabel,
		&modelProvider, &modelName, &tokenIn, &tokenOut, &m.IsUserEdited, &editedAt, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.ModelProvider = modelProvider.String
	m.ModelName = modelName.String
	m.TokenIn = tokenIn.Int64
	m.TokenOut = tokenOut.Int64
	m.EditedAt = editedAt.Time
	return &m, nil
}
