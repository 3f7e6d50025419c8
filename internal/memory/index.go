package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"worldline/internal/models"
)

const (
	candidateMultiplier = 8
	minCandidates       = 64
)

// Execer is the slice of database/sql needed to tombstone rows; satisfied
// by both *sql.DB and *sql.Tx so invalidation can join a caller's
// transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Snippet is one retrieved memory hit handed to the prompt builder.
type Snippet struct {
	Content          string      `json:"content"`
	Score            float64     `json:"score"`
	SourceMessageID  string      `json:"source_message_id"`
	SourceMessageSeq int64       `json:"source_message_seq"`
	SourceRole       models.Role `json:"source_role"`
}

// Service is the memory surface the generation loop and branch operations
// depend on. The index is derived state: callers treat every method as
// best-effort and never fail a timeline write over it.
type Service interface {
	Enabled() bool
	Remember(ctx context.Context, msg models.Message)
	RememberAll(ctx context.Context, msgs []models.Message)
	Search(ctx context.Context, sessionID, branchID, query string, limit int) []Snippet
	Invalidate(ctx context.Context, q Execer, sessionID, branchID, sourceMessageID string) error
}

// Nop is the disabled memory mode.
type Nop struct{}

func (Nop) Enabled() bool                                                 { return false }
func (Nop) Remember(context.Context, models.Message)                      {}
func (Nop) RememberAll(context.Context, []models.Message)                 {}
func (Nop) Search(context.Context, string, string, string, int) []Snippet { return nil }
func (Nop) Invalidate(context.Context, Execer, string, string, string) error {
	return nil
}

// Index is the vector memory backed by memory_items/memory_embeddings with
// in-process cosine scoring.
type Index struct {
	db          *sql.DB
	embedder    Embedder
	maxSnippets int
}

func NewIndex(db *sql.DB, embedder Embedder, maxSnippets int) *Index {
	if maxSnippets < 1 {
		maxSnippets = 1
	}
	return &Index{db: db, embedder: embedder, maxSnippets: maxSnippets}
}

func (ix *Index) Enabled() bool { return true }

func (ix *Index) Remember(ctx context.Context, msg models.Message) {
	ix.RememberAll(ctx, []models.Message{msg})
}

// RememberAll indexes messages into long-term memory. Re-indexing the same
// (branch, message, content hash) refreshes the existing row; changed
// content yields a new active row. Failures are logged and swallowed.
func (ix *Index) RememberAll(ctx context.Context, msgs []models.Message) {
	type payload struct {
		msg         models.Message
		content     string
		contentHash string
	}
	payloads := make([]payload, 0, len(msgs))
	for _, msg := range msgs {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		sum := sha256.Sum256([]byte(content))
		payloads = append(payloads, payload{
			msg:         msg,
			content:     content,
			contentHash: hex.EncodeToString(sum[:]),
		})
	}
	if len(payloads) == 0 {
		return
	}

	texts := make([]string, len(payloads))
	for i, p := range payloads {
		texts[i] = p.content
	}
	embeddings, err := ix.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		log.Printf("memory indexing skipped, embedding failed: %v", err)
		return
	}
	if len(embeddings) != len(payloads) {
		log.Printf("memory indexing skipped, got %d embeddings for %d texts", len(embeddings), len(payloads))
		return
	}

	for i, p := range payloads {
		if err := ix.upsert(ctx, p.msg, p.content, p.contentHash, embeddings[i]); err != nil {
			log.Printf("memory indexing failed for message %s: %v", p.msg.ID, err)
		}
	}
}

func (ix *Index) upsert(ctx context.Context, msg models.Message, content, contentHash string, vector []float64) error {
	itemID, err := ix.upsertItem(ctx, msg, content, contentHash)
	if err != nil {
		return err
	}
	return ix.upsertEmbedding(ctx, itemID, vector)
}

func (ix *Index) upsertItem(ctx context.Context, msg models.Message, content, contentHash string) (string, error) {
	var itemID string
	err := ix.db.QueryRowContext(ctx,
		`SELECT id FROM memory_items WHERE branch_id = ? AND source_message_id = ? AND content_hash = ?`,
		msg.BranchID, msg.ID, contentHash).Scan(&itemID)
	switch {
	case err == nil:
		_, err = ix.db.ExecContext(ctx,
			`UPDATE memory_items
			 SET source_message_seq = ?, source_role = ?, content = ?, is_active = 1, invalidated_at = NULL
			 WHERE id = ?`,
			msg.Seq, msg.Role, content, itemID)
		if err != nil {
			return "", fmt.Errorf("refresh memory item: %w", err)
		}
		return itemID, nil
	case err == sql.ErrNoRows:
		itemID = uuid.New().String()
		_, err = ix.db.ExecContext(ctx,
			`INSERT INTO memory_items
			 (id, session_id, branch_id, source_message_id, source_message_seq, source_role, content, content_hash, is_active, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			itemID, msg.SessionID, msg.BranchID, msg.ID, msg.Seq, msg.Role, content, contentHash, time.Now().UTC())
		if err != nil {
			return "", fmt.Errorf("insert memory item: %w", err)
		}
		return itemID, nil
	default:
		return "", fmt.Errorf("lookup memory item: %w", err)
	}
}

func (ix *Index) upsertEmbedding(ctx context.Context, itemID string, vector []float64) error {
	norm := vectorNorm(vector)
	if norm <= 0 {
		norm = 1
	}
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encode vector: %w", err)
	}

	var embeddingID string
	err = ix.db.QueryRowContext(ctx,
		`SELECT id FROM memory_embeddings WHERE memory_item_id = ?`, itemID).Scan(&embeddingID)
	switch {
	case err == nil:
		_, err = ix.db.ExecContext(ctx,
			`UPDATE memory_embeddings
			 SET provider = ?, model_name = ?, dim = ?, vector_json = ?, vector_norm = ?
			 WHERE id = ?`,
			ix.embedder.Provider(), ix.embedder.ModelName(), len(vector), string(encoded), norm, embeddingID)
		if err != nil {
			return fmt.Errorf("refresh embedding: %w", err)
		}
		return nil
	case err == sql.ErrNoRows:
		_, err = ix.db.ExecContext(ctx,
			`INSERT INTO memory_embeddings (id, memory_item_id, provider, model_name, dim, vector_json, vector_norm, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), itemID, ix.embedder.Provider(), ix.embedder.ModelName(),
			len(vector), string(encoded), norm, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("lookup embedding: %w", err)
	}
}

// Search retrieves the most relevant active snippets for one branch scope.
// Candidates are fetched by recency, scored in process, ranked by score
// with newer sources breaking ties, then deduplicated by folded text.
// Errors are logged and yield an empty result.
func (ix *Index) Search(ctx context.Context, sessionID, branchID, query string, limit int) []Snippet {
	cleaned := strings.TrimSpace(query)
	if cleaned == "" {
		return nil
	}
	topK := limit
	if topK < 1 || topK > ix.maxSnippets {
		topK = ix.maxSnippets
	}

	vectors, err := ix.embedder.EmbedTexts(ctx, []string{cleaned})
	if err != nil || len(vectors) != 1 {
		log.Printf("memory retrieval skipped, query embedding failed: %v", err)
		return nil
	}
	queryVec := vectors[0]
	queryNorm := vectorNorm(queryVec)
	if queryNorm <= 0 {
		return nil
	}

	candidateLimit := topK * candidateMultiplier
	if candidateLimit < minCandidates {
		candidateLimit = minCandidates
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT m.source_message_id, m.source_message_seq, m.source_role, m.content, e.vector_json, e.vector_norm
		 FROM memory_items m
		 JOIN memory_embeddings e ON e.memory_item_id = m.id
		 WHERE m.session_id = ? AND m.branch_id = ? AND m.is_active = 1
		 ORDER BY m.source_message_seq DESC, m.created_at DESC
		 LIMIT ?`,
		sessionID, branchID, candidateLimit)
	if err != nil {
		log.Printf("memory retrieval failed: %v", err)
		return nil
	}
	defer rows.Close()

	var scored []Snippet
	for rows.Next() {
		var (
			snip       Snippet
			vectorJSON string
			storedNorm float64
		)
		if err := rows.Scan(&snip.SourceMessageID, &snip.SourceMessageSeq, &snip.SourceRole, &snip.Content, &vectorJSON, &storedNorm); err != nil {
			log.Printf("memory retrieval scan failed: %v", err)
			return nil
		}
		var candidate []float64
		if err := json.Unmarshal([]byte(vectorJSON), &candidate); err != nil {
			continue
		}
		if len(candidate) != len(queryVec) {
			continue
		}
		snip.Score = Cosine(queryVec, queryNorm, candidate, storedNorm)
		scored = append(scored, snip)
	}
	if err := rows.Err(); err != nil {
		log.Printf("memory retrieval failed: %v", err)
		return nil
	}

	return dedupeAndRank(scored, topK)
}

// Invalidate tombstones every active memory row derived from the given
// message. Rows are never deleted.
func (ix *Index) Invalidate(ctx context.Context, q Execer, sessionID, branchID, sourceMessageID string) error {
	if q == nil {
		q = ix.db
	}
	_, err := q.ExecContext(ctx,
		`UPDATE memory_items SET is_active = 0, invalidated_at = ?
		 WHERE session_id = ? AND branch_id = ? AND source_message_id = ? AND is_active = 1`,
		time.Now().UTC(), sessionID, branchID, sourceMessageID)
	if err != nil {
		return fmt.Errorf("tombstone memory for message %s: %w", sourceMessageID, err)
	}
	return nil
}

func dedupeAndRank(candidates []Snippet, limit int) []Snippet {
	best := make(map[string]Snippet)
	for _, item := range candidates {
		key := foldText(item.Content)
		if key == "" {
			continue
		}
		if current, ok := best[key]; !ok || item.Score > current.Score {
			best[key] = item
		}
	}
	ranked := make([]Snippet, 0, len(best))
	for _, item := range best {
		ranked = append(ranked, item)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].SourceMessageSeq > ranked[j].SourceMessageSeq
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func foldText(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}
