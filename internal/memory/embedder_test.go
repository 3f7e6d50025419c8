package memory

import (
	"context"
	"math"
	"testing"
)

func TestDeterministicEmbedderIsStable(t *testing.T) {
	emb, err := NewDeterministicEmbedder(64, "")
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	first, err := emb.EmbedTexts(context.Background(), []string{"the harbor froze over in winter"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	second, err := emb.EmbedTexts(context.Background(), []string{"the harbor froze over in winter"})
	if err != nil {
		t.Fatalf("embed again: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one vector per text")
	}
	for i := range first[0] {
		if first[0][i] != second[0][i] {
			t.Fatalf("component %d differs across runs: %v vs %v", i, first[0][i], second[0][i])
		}
	}
}

func TestDeterministicEmbedderUnitNorm(t *testing.T) {
	emb, _ := NewDeterministicEmbedder(32, "")
	vectors, err := emb.EmbedTexts(context.Background(), []string{"trade routes reopened", "a border skirmish"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for i, vec := range vectors {
		norm := vectorNorm(vec)
		if math.Abs(norm-1.0) > 1e-9 {
			t.Fatalf("vector %d has norm %v, want 1", i, norm)
		}
	}
}

func TestDeterministicEmbedderEmptyText(t *testing.T) {
	emb, _ := NewDeterministicEmbedder(16, "")
	vectors, err := emb.EmbedTexts(context.Background(), []string{"   "})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	vec := vectors[0]
	if vec[0] != 1.0 {
		t.Fatalf("empty text should map to basis vector, got first component %v", vec[0])
	}
	for i := 1; i < len(vec); i++ {
		if vec[i] != 0 {
			t.Fatalf("component %d nonzero for empty text: %v", i, vec[i])
		}
	}
}

func TestDeterministicEmbedderRejectsBadDim(t *testing.T) {
	if _, err := NewDeterministicEmbedder(0, ""); err == nil {
		t.Fatal("expected error for dim 0")
	}
}

func TestCosineSelfSimilarity(t *testing.T) {
	emb, _ := NewDeterministicEmbedder(64, "")
	vectors, err := emb.EmbedTexts(context.Background(), []string{"famine spread through the valley"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	vec := vectors[0]
	norm := vectorNorm(vec)
	score := Cosine(vec, norm, vec, norm)
	if math.Abs(score-1.0) > 1e-9 {
		t.Fatalf("self similarity %v, want 1", score)
	}
}

func TestCosineDegenerateInputs(t *testing.T) {
	vec := []float64{1, 0, 0}
	zero := []float64{0, 0, 0}
	if got := Cosine(vec, 1, zero, 0); got != 0 {
		t.Fatalf("zero-norm score %v, want 0", got)
	}
	if got := Cosine(vec, 1, []float64{1, 0}, 1); got != 0 {
		t.Fatalf("shape-mismatch score %v, want 0", got)
	}
}

func TestTokenizeSplitsPunctuation(t *testing.T) {
	tokens := tokenize("north-east trade, again_now!")
	want := []string{"north-east", "trade", ",", "again_now", "!"}
	if len(tokens) != len(want) {
		t.Fatalf("got tokens %v, want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("token %d is %q, want %q", i, tokens[i], want[i])
		}
	}
}
