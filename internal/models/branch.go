package models

import "time"

// Branch is an independent message sequence forked from a point in another
// branch, or the session root for the initial "main" branch.
type Branch struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	Name              string    `json:"name"`
	ParentBranchID    string    `json:"parent_branch_id,omitempty"`
	ForkFromMessageID string    `json:"fork_from_message_id,omitempty"`
	IsArchived        bool      `json:"is_archived"`
	CreatedAt         time.Time `json:"created_at"`
}
