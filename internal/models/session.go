package models

import "time"

// Session is a single world simulation timeline with its branches.
type Session struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	WorldPreset     string    `json:"world_preset"`
	Running         bool      `json:"running"`
	TickLabel       string    `json:"tick_label"`
	PostGenDelaySec int       `json:"post_gen_delay_sec"`
	ActiveBranchID  string    `json:"active_branch_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
