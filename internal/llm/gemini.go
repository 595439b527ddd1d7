package llm

import (
	"context"
	"fmt"

	genai "google.golang.org/genai"

	"intentflow/internal/domain"
)

// GeminiSource streams the intent envelope from the Gemini API.
type GeminiSource struct {
	cli   *genai.Client
	model string
}

// NewGeminiSource builds a client for the Gemini API. An empty apiKey lets
// the genai client read GOOGLE_API_KEY / GEMINI_API_KEY itself; an empty
// baseURL uses the public endpoint.
func NewGeminiSource(ctx context.Context, baseURL, apiKey, model string) (*GeminiSource, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	return &GeminiSource{cli: cli, model: model}, nil
}

func (g *GeminiSource) StreamCalls(ctx context.Context, req Request) (<-chan []domain.RawCall, <-chan error) {
	return produce(ctx, func(ctx context.Context, emit func([]domain.RawCall) bool) error {
		model := req.Model
		if model == "" {
			model = g.model
		}
		temperature := float32(0)
		contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}}}
		// Without a schema Gemini picks its own JSON shape.
		cfg := &genai.GenerateContentConfig{
			ResponseMIMEType:   "application/json",
			ResponseJsonSchema: OutputSchema(req.Intents),
			Temperature:        &temperature,
		}

		var acc accumulator
		for resp, err := range g.cli.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				return err
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part == nil || part.Text == "" {
					continue
				}
				if calls, changed := acc.Write(part.Text); changed {
					if !emit(calls) {
						return ctx.Err()
					}
				}
			}
		}

		final, err := acc.Final()
		if err != nil {
			return err
		}
		emit(final)
		return nil
	})
}
