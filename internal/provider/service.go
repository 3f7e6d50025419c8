package provider

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"worldline/internal/config"
	"worldline/internal/models"
	"worldline/internal/notify"
	"worldline/internal/secrets"
)

var supportedProviders = map[string]struct{}{
	"openai":   {},
	"gemini":   {},
	"claude":   {},
	"deepseek": {},
	"mock":     {},
}

func keyRequired(providerName string) bool {
	return providerName != "mock"
}

// Service manages per-session provider configuration and adapter access.
// API keys are encrypted before hitting the database.
type Service struct {
	db       *sql.DB
	cipher   *secrets.Cipher
	notifier notify.Notifier
	adapters map[string]Adapter
	defaults map[string]config.ProviderConfig
}

func NewService(db *sql.DB, cipher *secrets.Cipher, notifier notify.Notifier, defaults map[string]config.ProviderConfig) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		db:       db,
		cipher:   cipher,
		notifier: notifier,
		adapters: map[string]Adapter{
			"openai":   NewEinoAdapter("openai"),
			"gemini":   NewEinoAdapter("gemini"),
			"claude":   NewEinoAdapter("claude"),
			"deepseek": NewEinoAdapter("deepseek"),
			"mock":     &Mock{},
		},
		defaults: defaults,
	}
}

// SetAdapter overrides one adapter in the registry.
func (s *Service) SetAdapter(name string, adapter Adapter) {
	s.adapters[name] = adapter
}

// EnsureReady verifies a session has a provider and model configured.
func (s *Service) EnsureReady(ctx context.Context, sessionID string) error {
	cfg, err := s.getConfig(ctx, sessionID)
	if err != nil {
		return err
	}
	if cfg == nil || cfg.ModelName == "" {
		return newError(CodeProviderNotReady, "provider and model must be configured")
	}
	return nil
}

// SetProvider validates and stores provider configuration for a session.
// An empty apiKey keeps the previously stored key when the provider is
// unchanged.
func (s *Service) SetProvider(ctx context.Context, sessionID, providerName, apiKey, baseURL, modelName string) (*models.ProviderConfig, error) {
	providerName, err := normalizeProvider(providerName)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapter(providerName)
	if err != nil {
		return nil, err
	}

	existing, err := s.getConfig(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = s.defaultBaseURL(providerName)
	}
	encryptedKey, err := s.resolveAPIKey(providerName, apiKey, existing)
	if err != nil {
		return nil, err
	}
	plainKey, err := s.decryptKey(encryptedKey)
	if err != nil {
		return nil, err
	}

	if modelName != "" {
		available, err := adapter.ListModels(ctx, RuntimeConfig{
			Provider:  providerName,
			ModelName: modelName,
			BaseURL:   baseURL,
			APIKey:    plainKey,
		})
		if err != nil {
			return nil, err
		}
		if !containsModel(available, modelName) {
			return nil, newError(CodeProviderModelInvalid, "selected model is not available")
		}
	}

	cfg := models.ProviderConfig{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		Provider:        providerName,
		BaseURL:         baseURL,
		APIKeyEncrypted: encryptedKey,
		ModelName:       modelName,
		UpdatedAt:       time.Now().UTC(),
	}
	if existing != nil {
		cfg.ID = existing.ID
		_, err = s.db.ExecContext(ctx,
			`UPDATE provider_configs SET provider = ?, base_url = ?, api_key_encrypted = ?, model_name = ?, updated_at = ?
			 WHERE session_id = ?`,
			cfg.Provider, cfg.BaseURL, cfg.APIKeyEncrypted, nullIfEmpty(cfg.ModelName), cfg.UpdatedAt, sessionID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO provider_configs (id, session_id, provider, base_url, api_key_encrypted, model_name, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cfg.ID, cfg.SessionID, cfg.Provider, cfg.BaseURL, cfg.APIKeyEncrypted, nullIfEmpty(cfg.ModelName), cfg.UpdatedAt)
	}
	if err != nil {
		return nil, fmt.Errorf("store provider config: %w", err)
	}
	return &cfg, nil
}

// ListModels queries the configured provider for available models and
// broadcasts them to session watchers.
func (s *Service) ListModels(ctx context.Context, sessionID, providerName string) ([]string, error) {
	providerName, err := normalizeProvider(providerName)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapter(providerName)
	if err != nil {
		return nil, err
	}
	cfg, err := s.getConfig(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.Provider != providerName {
		return nil, newError(CodeProviderConfigMissing, "provider config not found")
	}
	plainKey, err := s.decryptKey(cfg.APIKeyEncrypted)
	if err != nil {
		return nil, err
	}
	names, err := adapter.ListModels(ctx, RuntimeConfig{
		Provider:  cfg.Provider,
		ModelName: cfg.ModelName,
		BaseURL:   s.baseURLOrDefault(cfg),
		APIKey:    plainKey,
	})
	if err != nil {
		return nil, err
	}
	names = dedupeModels(names)
	s.notifier.Broadcast(ctx, sessionID, notify.ModelsLoaded(names))
	return names, nil
}

// SelectModel updates the selected model after validating availability.
func (s *Service) SelectModel(ctx context.Context, sessionID, modelName string) (*models.ProviderConfig, error) {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return nil, newError(CodeProviderModelInvalid, "model name must not be empty")
	}
	cfg, err := s.getConfig(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, newError(CodeProviderConfigMissing, "provider config not found")
	}
	adapter, err := s.adapter(cfg.Provider)
	if err != nil {
		return nil, err
	}
	plainKey, err := s.decryptKey(cfg.APIKeyEncrypted)
	if err != nil {
		return nil, err
	}
	available, err := adapter.ListModels(ctx, RuntimeConfig{
		Provider:  cfg.Provider,
		ModelName: modelName,
		BaseURL:   s.baseURLOrDefault(cfg),
		APIKey:    plainKey,
	})
	if err != nil {
		return nil, err
	}
	if !containsModel(available, modelName) {
		return nil, newError(CodeProviderModelInvalid, "selected model is not available")
	}

	cfg.ModelName = modelName
	cfg.UpdatedAt = time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE provider_configs SET model_name = ?, updated_at = ? WHERE session_id = ?`,
		cfg.ModelName, cfg.UpdatedAt, sessionID); err != nil {
		return nil, fmt.Errorf("update selected model: %w", err)
	}
	return cfg, nil
}

// GenerationConfig returns the adapter and runtime config for a session's
// next generation round.
func (s *Service) GenerationConfig(ctx context.Context, sessionID string) (Adapter, RuntimeConfig, error) {
	cfg, err := s.getConfig(ctx, sessionID)
	if err != nil {
		return nil, RuntimeConfig{}, err
	}
	if cfg == nil || cfg.ModelName == "" {
		return nil, RuntimeConfig{}, newError(CodeProviderNotReady, "provider and model must be configured")
	}
	adapter, err := s.adapter(cfg.Provider)
	if err != nil {
		return nil, RuntimeConfig{}, err
	}
	plainKey, err := s.decryptKey(cfg.APIKeyEncrypted)
	if err != nil {
		return nil, RuntimeConfig{}, err
	}
	return adapter, RuntimeConfig{
		Provider:  cfg.Provider,
		ModelName: cfg.ModelName,
		BaseURL:   s.baseURLOrDefault(cfg),
		APIKey:    plainKey,
	}, nil
}

func (s *Service) getConfig(ctx context.Context, sessionID string) (*models.ProviderConfig, error) {
	var (
		cfg     models.ProviderConfig
		baseURL sql.NullString
		apiKey  sql.NullString
		model   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, provider, base_url, api_key_encrypted, model_name, updated_at
		 FROM provider_configs WHERE session_id = ?`, sessionID).
		Scan(&cfg.ID, &cfg.SessionID, &cfg.Provider, &baseURL, &apiKey, &model, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load provider config: %w", err)
	}
	cfg.BaseURL = baseURL.String
	cfg.APIKeyEncrypted = apiKey.String
	cfg.ModelName = model.String
	return &cfg, nil
}

func (s *Service) adapter(providerName string) (Adapter, error) {
	adapter, ok := s.adapters[providerName]
	if !ok {
		return nil, newError(CodeProviderUnsupported, fmt.Sprintf("unsupported provider: %s", providerName))
	}
	return adapter, nil
}

func (s *Service) defaultBaseURL(providerName string) string {
	if def, ok := s.defaults[providerName]; ok {
		return def.BaseURL
	}
	return ""
}

func (s *Service) baseURLOrDefault(cfg *models.ProviderConfig) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	return s.defaultBaseURL(cfg.Provider)
}

func (s *Service) resolveAPIKey(providerName, apiKey string, existing *models.ProviderConfig) (string, error) {
	if apiKey != "" {
		return s.encryptKey(apiKey)
	}
	if existing != nil && existing.Provider == providerName {
		return existing.APIKeyEncrypted, nil
	}
	if keyRequired(providerName) {
		return "", newError(CodeAPIKeyRequired, fmt.Sprintf("api key is required for %s", providerName))
	}
	return "", nil
}

func (s *Service) encryptKey(apiKey string) (string, error) {
	if s.cipher == nil {
		return "", newError(CodeSecretKeyMissing, "secret key must be set to store api keys")
	}
	encrypted, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return "", fmt.Errorf("encrypt api key: %w", err)
	}
	return encrypted, nil
}

func (s *Service) decryptKey(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	if s.cipher == nil {
		return "", newError(CodeSecretKeyMissing, "secret key must be set to read api keys")
	}
	plain, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt api key: %w", err)
	}
	return plain, nil
}

func normalizeProvider(providerName string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(providerName))
	if _, ok := supportedProviders[normalized]; !ok {
		return "", newError(CodeProviderUnsupported, fmt.Sprintf("unsupported provider: %s", providerName))
	}
	return normalized, nil
}

func containsModel(available []string, name string) bool {
	for _, candidate := range available {
		if strings.TrimSpace(candidate) == name {
			return true
		}
	}
	return false
}

func dedupeModels(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		candidate := strings.TrimSpace(name)
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	}
	return out
}

func nullIfEmpty(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
