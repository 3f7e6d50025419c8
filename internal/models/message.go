package models

import "time"

type Role string

const (
	RoleSystemReport     Role = "system_report"
	RoleUserIntervention Role = "user_intervention"
)

// Message is one timeline entry. Seq is the sole total order within a branch:
// unique per branch, gapless, starting at 1.
type Message struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	BranchID      string    `json:"branch_id"`
	Seq           int64     `json:"seq"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	TimeJumpLabel string    `json:"time_jump_label"`
	ModelProvider string    `json:"model_provider,omitempty"`
	ModelName     string    `json:"model_name,omitempty"`
	TokenIn       int64     `json:"token_in,omitempty"`
	TokenOut      int64     `json:"token_out,omitempty"`
	IsUserEdited  bool      `json:"is_user_edited"`
	EditedAt      time.Time `json:"edited_at,omitzero"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	InterventionPending  = "pending"
	InterventionConsumed = "consumed"
)

// Intervention is a user directive waiting to be folded into the next
// generation round. A mirror Message makes it visible in the timeline
// immediately; the row itself flips to consumed only once a round that
// included it commits.
type Intervention struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	BranchID   string    `json:"branch_id"`
	Content    string    `json:"content"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ConsumedAt time.Time `json:"consumed_at,omitzero"`
}
