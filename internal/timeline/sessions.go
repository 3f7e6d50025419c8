package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"worldline/internal/models"
)

// CreateSession persists a new session row and returns it.
func (s *Store) CreateSession(ctx context.Context, session models.Session) (*models.Session, error) {
	if session.ID == "" {
		return nil, errors.New("session id is required")
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO world_sessions (id, title, world_preset, running, tick_label, post_gen_delay_sec, active_branch_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, nullString(session.Title), session.WorldPreset, session.Running,
		session.TickLabel, session.PostGenDelaySec, nullString(session.ActiveBranchID), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}

// GetSession fetches a session by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, title, world_preset, running, tick_label, post_gen_delay_sec, active_branch_id, created_at, updated_at
		 FROM world_sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// ListRecentSessions returns sessions ordered by last activity.
func (s *Store) ListRecentSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, title, world_preset, running, tick_label, post_gen_delay_sec, active_branch_id, created_at, updated_at
		 FROM world_sessions ORDER BY updated_at DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		se, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *se)
	}
	return sessions, rows.Err()
}

// UpdateRunning sets the running flag and returns the committed value.
// The runner re-reads this every round; it is never cached across iterations.
func (s *Store) UpdateRunning(ctx context.Context, sessionID string, running bool) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE world_sessions SET running = ?, updated_at = ? WHERE id = ?`,
		running, time.Now().UTC(), sessionID)
	if err != nil {
		return false, fmt.Errorf("update running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("running rows affected: %w", err)
	}
	if affected == 0 {
		return false, sql.ErrNoRows
	}
	return running, nil
}

// UpdateSettings patches mutable session settings. Nil fields are left as-is.
func (s *Store) UpdateSettings(ctx context.Context, sessionID string, tickLabel *string, postGenDelaySec *int) (*models.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if tickLabel != nil {
		session.TickLabel = *tickLabel
	}
	if postGenDelaySec != nil {
		session.PostGenDelaySec = *postGenDelaySec
	}
	session.UpdatedAt = time.Now().UTC()
	_, err = s.q.ExecContext(ctx,
		`UPDATE world_sessions SET tick_label = ?, post_gen_delay_sec = ?, updated_at = ? WHERE id = ?`,
		session.TickLabel, session.PostGenDelaySec, session.UpdatedAt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("update settings: %w", err)
	}
	return session, nil
}

// UpdateActiveBranch switches the session's active branch pointer.
func (s *Store) UpdateActiveBranch(ctx context.Context, sessionID, branchID string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE world_sessions SET active_branch_id = ?, updated_at = ? WHERE id = ?`,
		branchID, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update active branch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("active branch rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		se           models.Session
		title        sql.NullString
		activeBranch sql.NullString
	)
	err := row.Scan(&se.ID, &title, &se.WorldPreset, &se.Running, &se.TickLabel,
		&se.PostGenDelaySec, &activeBranch, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	se.Title = title.String
	se.ActiveBranchID = activeBranch.String
	return &se, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullTime(v time.Time) sql.NullTime {
	return sql.NullTime{Time: v, Valid: !v.IsZero()}
}
