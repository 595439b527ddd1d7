package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"intentflow/internal/domain"
)

// Source produces progressively longer arrays of raw intent calls. The last
// array sent before the first channel closes is the final result. A failure
// is reported on the error channel, which carries at most one value.
type Source interface {
	StreamCalls(ctx context.Context, req Request) (<-chan []domain.RawCall, <-chan error)
}

// Request is one identification request for a model.
type Request struct {
	Model   string
	Prompt  string
	Input   string
	Intents []domain.IntentSpec
}

type Config struct {
	Provider         string
	Model            string
	OpenAIBaseURL    string
	OpenAIAPIKey     string
	AnthropicBaseURL string
	AnthropicAPIKey  string
	GeminiBaseURL    string
	GeminiAPIKey     string
	FilterBaseURL    string
	Timeout          time.Duration
}

func NewSource(ctx context.Context, cfg Config) (Source, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	switch cfg.Provider {
	case "openai":
		// A client timeout would cut long streams; bound silence instead.
		return NewOpenAISource(&http.Client{}, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.Model).WithIdleTimeout(timeout), nil
	case "claude":
		return NewClaudeSource(&http.Client{Timeout: timeout}, cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, cfg.Model), nil
	case "gemini":
		return NewGeminiSource(ctx, cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.Model)
	case "filter":
		return NewFilterSource(cfg.FilterBaseURL, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// produce runs fn on its own goroutine and wires its snapshots and error to
// the channel pair every Source returns.
func produce(ctx context.Context, fn func(ctx context.Context, emit func([]domain.RawCall) bool) error) (<-chan []domain.RawCall, <-chan error) {
	out := make(chan []domain.RawCall, 8)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		emit := func(calls []domain.RawCall) bool {
			select {
			case out <- calls:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err := fn(ctx, emit); err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}
