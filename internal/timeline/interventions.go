package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"worldline/internal/models"
)

// AddIntervention inserts a pending intervention row.
func (s *Store) AddIntervention(ctx context.Context, iv models.Intervention) (*models.Intervention, error) {
	if iv.ID == "" || iv.SessionID == "" || iv.BranchID == "" {
		return nil, errors.New("intervention id, session id and branch id are required")
	}
	iv.Status = models.InterventionPending
	iv.CreatedAt = time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO user_interventions (id, session_id, branch_id, content, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		iv.ID, iv.SessionID, iv.BranchID, iv.Content, iv.Status, iv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("add intervention: %w", err)
	}
	return &iv, nil
}

// ListPendingInterventions lists pending interventions in FIFO order.
func (s *Store) ListPendingInterventions(ctx context.Context, sessionID, branchID string, limit int) ([]models.Intervention, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, session_id, branch_id, content, status, created_at, consumed_at
		 FROM user_interventions
		 WHERE session_id = ? AND branch_id = ? AND status = ?
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		sessionID, branchID, models.InterventionPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending interventions: %w", err)
	}
	defer rows.Close()

	var interventions []models.Intervention
	for rows.Next() {
		var (
			iv         models.Intervention
			consumedAt sql.NullTime
		)
		if err := rows.Scan(&iv.ID, &iv.SessionID, &iv.BranchID, &iv.Content, &iv.Status, &iv.CreatedAt, &consumedAt); err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		iv.ConsumedAt = consumedAt.Time
		interventions = append(interventions, iv)
	}
	return interventions, rows.Err()
}

// MarkInterventionsConsumed flips interventions to consumed after a
// generation round that included them commits.
func (s *Store) MarkInterventionsConsumed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+2)
	args = append(args, models.InterventionConsumed, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE user_interventions SET status = ?, consumed_at = ? WHERE id IN (%s)`, placeholders),
		args...)
	if err != nil {
		return fmt.Errorf("mark interventions consumed: %w", err)
	}
	return nil
}
