package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"worldline/internal/models"
)

// CreateBranch persists a new branch row.
func (s *Store) CreateBranch(ctx context.Context, branch models.Branch) (*models.Branch, error) {
	if branch.ID == "" || branch.SessionID == "" {
		return nil, errors.New("branch id and session id are required")
	}
	branch.CreatedAt = time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO branches (id, session_id, name, parent_branch_id, fork_from_message_id, is_archived, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		branch.ID, branch.SessionID, branch.Name,
		nullString(branch.ParentBranchID), nullString(branch.ForkFromMessageID),
		branch.IsArchived, branch.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}
	return &branch, nil
}

// GetBranchInSession fetches a branch constrained to a session.
// Returns sql.ErrNoRows when absent.
func (s *Store) GetBranchInSession(ctx context.Context, sessionID, branchID string) (*models.Branch, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, session_id, name, parent_branch_id, fork_from_message_id, is_archived, created_at
		 FROM branches WHERE id = ? AND session_id = ?`, branchID, sessionID)
	return scanBranch(row)
}

// ListBranches returns all branches of a session ordered by creation time.
func (s *Store) ListBranches(ctx context.Context, sessionID string) ([]models.Branch, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, session_id, name, parent_branch_id, fork_from_message_id, is_archived, created_at
		 FROM branches WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var branches []models.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, *b)
	}
	return branches, rows.Err()
}

func scanBranch(row rowScanner) (*models.Branch, error) {
	var (
		b        models.Branch
		parent   sql.NullString
		forkFrom sql.NullString
	)
	err := row.Scan(&b.ID, &b.SessionID, &b.Name, &parent, &forkFrom, &b.IsArchived, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan branch: %w", err)
	}
	b.ParentBranchID = parent.String
	b.ForkFromMessageID = forkFrom.String
	return &b, nil
}
