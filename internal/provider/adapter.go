package provider

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// RuntimeConfig is everything an adapter needs for one call.
type RuntimeConfig struct {
	Provider  string
	ModelName string
	BaseURL   string
	APIKey    string
}

// Result is a completed generation.
type Result struct {
	Content       string
	ModelProvider string
	ModelName     string
	TokenIn       int64
	TokenOut      int64
}

// Adapter abstracts one upstream model provider.
type Adapter interface {
	ListModels(ctx context.Context, cfg RuntimeConfig) ([]string, error)
	Generate(ctx context.Context, cfg RuntimeConfig, messages []*schema.Message) (*Result, error)
}
