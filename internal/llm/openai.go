package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"intentflow/internal/domain"
)

// ErrStreamIdle is returned when a streaming response stops sending data
// for longer than the idle timeout.
var ErrStreamIdle = errors.New("model stream idle")

type OpenAISource struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	model       string
	idleTimeout time.Duration
}

func NewOpenAISource(client *http.Client, baseURL, apiKey, model string) *OpenAISource {
	return &OpenAISource{client: client, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, model: model}
}

// WithIdleTimeout aborts a stream that sends nothing for d. The total
// duration of a stream is not bounded. Zero disables the check.
func (p *OpenAISource) WithIdleTimeout(d time.Duration) *OpenAISource {
	p.idleTimeout = d
	return p
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Stream         bool                  `json:"stream"`
	Temperature    float64               `json:"temperature"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamCalls asks for the intent envelope as structured JSON and decodes it
// while it streams.
func (p *OpenAISource) StreamCalls(ctx context.Context, req Request) (<-chan []domain.RawCall, <-chan error) {
	return produce(ctx, func(ctx context.Context, emit func([]domain.RawCall) bool) error {
		var acc accumulator
		format := &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   "intents",
				Schema: OutputSchema(req.Intents),
			},
		}
		err := p.stream(ctx, req, format, func(chunk string) error {
			if calls, changed := acc.Write(chunk); changed {
				if !emit(calls) {
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		final, err := acc.Final()
		if err != nil {
			return err
		}
		emit(final)
		return nil
	})
}

// StreamText streams the raw completion text for prompt.
func (p *OpenAISource) StreamText(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		err := p.stream(ctx, Request{Prompt: prompt}, nil, func(chunk string) error {
			select {
			case out <- chunk:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func (p *OpenAISource) stream(ctx context.Context, req Request, format *openAIResponseFormat, onChunk func(chunk string) error) error {
	model := req.Model
	if model == "" {
		model = p.model
	}
	payload := openAIRequest{
		Model:          model,
		Messages:       []openAIMessage{{Role: "user", Content: req.Prompt}},
		Stream:         true,
		ResponseFormat: format,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	touch := func() {}
	if p.idleTimeout > 0 {
		idle := time.AfterFunc(p.idleTimeout, func() { cancel(ErrStreamIdle) })
		defer idle.Stop()
		touch = func() { idle.Reset(p.idleTimeout) }
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrStreamIdle) {
			return ErrStreamIdle
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("openai status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, rerr := reader.ReadString('\n')
		touch()
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return nil
			}

			var chunk openAIChunk
			if json.Unmarshal([]byte(data), &chunk) == nil {
				if chunk.Error != nil {
					return fmt.Errorf("openai error: %s", chunk.Error.Message)
				}
				if len(chunk.Choices) > 0 {
					text := chunk.Choices[0].Delta.Content
					if text == "" {
						text = chunk.Choices[0].Message.Content
					}
					if text != "" {
						if err := onChunk(text); err != nil {
							return err
						}
					}
				}
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			if errors.Is(context.Cause(ctx), ErrStreamIdle) {
				return ErrStreamIdle
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rerr
		}
	}
}
