package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
)

// Mock is an offline adapter that emits a canned world report. It keeps
// the loop runnable without upstream credentials, and tests lean on it.
// One instance serves every session, so call accounting is synchronized.
type Mock struct {
	// FailTimes makes the first N Generate calls fail with a retryable
	// error before succeeding.
	FailTimes int

	mu    sync.Mutex
	calls int
}

func (m *Mock) ListModels(_ context.Context, cfg RuntimeConfig) ([]string, error) {
	if cfg.ModelName != "" {
		return []string{cfg.ModelName}, nil
	}
	return []string{"mock-1"}, nil
}

func (m *Mock) Generate(_ context.Context, cfg RuntimeConfig, messages []*schema.Message) (*Result, error) {
	m.mu.Lock()
	m.calls++
	failing := m.calls <= m.FailTimes
	m.mu.Unlock()
	if failing {
		return nil, retryableError(CodeProviderUpstream, "mock upstream unavailable")
	}

	timeAdvance := "tick"
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != schema.User {
			continue
		}
		for _, line := range strings.Split(messages[i].Content, "\n") {
			if rest, ok := strings.CutPrefix(line, "Time advance label:"); ok {
				if label := strings.TrimSpace(rest); label != "" {
					timeAdvance = label
				}
				break
			}
		}
		break
	}

	content := fmt.Sprintf(`{"title":"Worldline Report","time_advance":%q,"summary":"Mock report generated at %s.","events":["Stability holds","Minor shifts detected"],"risks":["External shock possible"]}`,
		timeAdvance, time.Now().UTC().Format(time.RFC3339))
	return &Result{
		Content:       content,
		ModelProvider: "mock",
		ModelName:     cfg.ModelName,
	}, nil
}
