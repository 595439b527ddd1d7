package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"intentflow/internal/domain"
)

// FilterSource asks a remote intent-filter service to pick intents from the
// catalog. The service answers in one response.
type FilterSource struct {
	baseURL string
	http    *http.Client
	options domain.IntentFilterOptions
}

func NewFilterSource(baseURL string, timeout time.Duration) *FilterSource {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &FilterSource{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
		options: DefaultFilterOptions(),
	}
}

func DefaultFilterOptions() domain.IntentFilterOptions {
	return domain.IntentFilterOptions{
		AllowMultiIntent: true,
		MaxIntents:       8,
		MinConfidence:    0.35,
	}
}

func (c *FilterSource) StreamCalls(ctx context.Context, req Request) (<-chan []domain.RawCall, <-chan error) {
	return produce(ctx, func(ctx context.Context, emit func([]domain.RawCall) bool) error {
		calls, err := c.filter(ctx, req)
		if err != nil {
			return err
		}
		emit(calls)
		return nil
	})
}

func (c *FilterSource) filter(ctx context.Context, req Request) ([]domain.RawCall, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("intent filter service is not configured")
	}
	if len(req.Intents) == 0 {
		return nil, fmt.Errorf("intent catalog is empty")
	}
	body, err := json.Marshal(domain.IntentFilterRequest{
		RequestID:     uuid.NewString(),
		Command:       req.Input,
		Prompt:        req.Prompt,
		IntentCatalog: req.Intents,
		Options:       c.options,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/intents/filter", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("intent filter status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out domain.IntentFilterResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}

	calls := make([]domain.RawCall, 0, len(out.Intents))
	for _, it := range out.Intents {
		if it.Confidence > 0 && it.Confidence < c.options.MinConfidence {
			continue
		}
		params := json.RawMessage(`{}`)
		if it.Parameters != nil {
			raw, err := json.Marshal(it.Parameters)
			if err != nil {
				return nil, err
			}
			params = raw
		}
		calls = append(calls, domain.RawCall{Name: it.IntentName, Parameters: params})
	}
	return calls, nil
}
