package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	goopenai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

const claudeMaxTokens = 4000

// Fallback model lists for providers without a listing endpoint wired.
var staticModels = map[string][]string{
	"gemini": {"gemini-2.0-flash", "gemini-2.5-flash", "gemini-2.5-pro"},
	"claude": {"claude-sonnet-4-0", "claude-opus-4-0", "claude-3-5-haiku-latest"},
}

// EinoAdapter drives chat models through the eino component layer. One
// adapter instance serves one provider name; deepseek rides the
// openai-compatible surface.
type EinoAdapter struct {
	provider string
}

func NewEinoAdapter(providerName string) *EinoAdapter {
	return &EinoAdapter{provider: providerName}
}

func (a *EinoAdapter) ListModels(ctx context.Context, cfg RuntimeConfig) ([]string, error) {
	switch a.provider {
	case "openai", "deepseek":
		clientCfg := goopenai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/v1"
		}
		client := goopenai.NewClientWithConfig(clientCfg)
		resp, err := client.ListModels(ctx)
		if err != nil {
			return nil, classifyGenerateError(err)
		}
		names := make([]string, 0, len(resp.Models))
		for _, m := range resp.Models {
			names = append(names, m.ID)
		}
		return names, nil
	default:
		if names, ok := staticModels[a.provider]; ok {
			return names, nil
		}
		return nil, newError(CodeProviderUnsupported, fmt.Sprintf("unsupported provider: %s", a.provider))
	}
}

func (a *EinoAdapter) Generate(ctx context.Context, cfg RuntimeConfig, messages []*schema.Message) (*Result, error) {
	chatModel, err := a.buildChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	resp, err := chatModel.Generate(ctx, messages)
	if err != nil {
		return nil, classifyGenerateError(err)
	}

	result := &Result{
		Content:       resp.Content,
		ModelProvider: a.provider,
		ModelName:     cfg.ModelName,
	}
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		result.TokenIn = int64(resp.ResponseMeta.Usage.PromptTokens)
		result.TokenOut = int64(resp.ResponseMeta.Usage.CompletionTokens)
	}
	return result, nil
}

func (a *EinoAdapter) buildChatModel(ctx context.Context, cfg RuntimeConfig) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, newError(CodeAPIKeyRequired, fmt.Sprintf("api key is required for %s", a.provider))
	}
	switch a.provider {
	case "openai", "deepseek":
		chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.ModelName,
			APIKey:  cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init %s chat model: %w", a.provider, err)
		}
		return chatModel, nil
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("init gemini client: %w", err)
		}
		chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.ModelName,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini chat model: %w", err)
		}
		return chatModel, nil
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		chatModel, err := claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.ModelName,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("init claude chat model: %w", err)
		}
		return chatModel, nil
	default:
		return nil, newError(CodeProviderUnsupported, fmt.Sprintf("unsupported provider: %s", a.provider))
	}
}
