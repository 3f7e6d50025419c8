package models

import "time"

// MemoryItem is a derived, invalidatable index row mirroring one message's
// content. At most one active row exists per (branch, source message,
// content hash); superseded rows are tombstoned, never deleted.
type MemoryItem struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	BranchID         string    `json:"branch_id"`
	SourceMessageID  string    `json:"source_message_id"`
	SourceMessageSeq int64     `json:"source_message_seq"`
	SourceRole       Role      `json:"source_role"`
	Content          string    `json:"content"`
	ContentHash      string    `json:"content_hash"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	InvalidatedAt    time.Time `json:"invalidated_at,omitzero"`
}

// MemoryEmbedding holds the vector payload for a memory item, 1:1,
// with its precomputed norm.
type MemoryEmbedding struct {
	ID           string    `json:"id"`
	MemoryItemID string    `json:"memory_item_id"`
	Provider     string    `json:"provider"`
	ModelName    string    `json:"model_name"`
	Dim          int       `json:"dim"`
	VectorJSON   string    `json:"-"`
	VectorNorm   float64   `json:"vector_norm"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProviderConfig is the persisted generator configuration for a session.
// The API key is stored encrypted.
type ProviderConfig struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Provider        string    `json:"provider"`
	BaseURL         string    `json:"base_url,omitempty"`
	APIKeyEncrypted string    `json:"-"`
	ModelName       string    `json:"model_name,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}
