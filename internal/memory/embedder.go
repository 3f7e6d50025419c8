package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/crypto/blake2b"
)

// Embedder turns texts into fixed-dimension vectors.
type Embedder interface {
	Provider() string
	ModelName() string
	Dim() int
	EmbedTexts(ctx context.Context, texts []string) ([][]float64, error)
}

// DeterministicEmbedder is an offline hashed-token embedder for tests and
// local runs. Identical text always yields an identical unit vector.
type DeterministicEmbedder struct {
	dim   int
	model string
}

func NewDeterministicEmbedder(dim int, model string) (*DeterministicEmbedder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be > 0, got %d", dim)
	}
	if model == "" {
		model = "deterministic-v1"
	}
	return &DeterministicEmbedder{dim: dim, model: model}, nil
}

func (e *DeterministicEmbedder) Provider() string  { return "deterministic" }
func (e *DeterministicEmbedder) ModelName() string { return e.model }
func (e *DeterministicEmbedder) Dim() int          { return e.dim }

func (e *DeterministicEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, 0, len(texts))
	for _, text := range texts {
		vectors = append(vectors, e.embedSingle(text))
	}
	return vectors, nil
}

func (e *DeterministicEmbedder) embedSingle(text string) []float64 {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	vector := make([]float64, e.dim)
	if cleaned == "" {
		vector[0] = 1.0
		return vector
	}
	for _, token := range tokenize(cleaned) {
		h, _ := blake2b.New(16, nil)
		h.Write([]byte(token))
		digest := h.Sum(nil)
		index := int(binary.BigEndian.Uint32(digest[:4])) % e.dim
		sign := 1.0
		if digest[4]%2 != 0 {
			sign = -1.0
		}
		magnitude := 1.0 + float64(digest[5])/255.0
		vector[index] += sign * magnitude
	}
	return normalizeVector(vector)
}

// tokenize splits on whitespace, keeping word characters together and
// emitting every other rune as its own token.
func tokenize(text string) []string {
	var (
		tokens []string
		buf    strings.Builder
	)
	flush := func() {
		if buf.Len() > 0 {
			tokens = append(tokens, buf.String())
			buf.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-':
			buf.WriteRune(r)
		default:
			flush()
			tokens = append(tokens, string(r))
		}
	}
	flush()
	return tokens
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

func NewOpenAIEmbedder(baseURL, apiKey, model string, dim int) (*OpenAIEmbedder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be > 0, got %d", dim)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai embedding api key is empty")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dim:    dim,
	}, nil
}

func (e *OpenAIEmbedder) Provider() string  { return "openai" }
func (e *OpenAIEmbedder) ModelName() string { return e.model }
func (e *OpenAIEmbedder) Dim() int          { return e.dim }

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d rows, want %d", len(resp.Data), len(texts))
	}
	vectors := make([][]float64, 0, len(resp.Data))
	for _, row := range resp.Data {
		if len(row.Embedding) != e.dim {
			return nil, fmt.Errorf("embedding dimension %d, want %d", len(row.Embedding), e.dim)
		}
		vector := make([]float64, len(row.Embedding))
		for i, v := range row.Embedding {
			vector[i] = float64(v)
		}
		vectors = append(vectors, normalizeVector(vector))
	}
	return vectors, nil
}

// Cosine computes cosine similarity given precomputed norms. Mismatched
// shapes or zero norms score 0.
func Cosine(left []float64, leftNorm float64, right []float64, rightNorm float64) float64 {
	if leftNorm <= 0 || rightNorm <= 0 || len(left) != len(right) {
		return 0
	}
	var dot float64
	for i := range left {
		dot += left[i] * right[i]
	}
	return dot / (leftNorm * rightNorm)
}

func vectorNorm(vector []float64) float64 {
	var sum float64
	for _, v := range vector {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func normalizeVector(vector []float64) []float64 {
	norm := vectorNorm(vector)
	if norm <= 0 {
		return vector
	}
	for i := range vector {
		vector[i] /= norm
	}
	return vector
}
