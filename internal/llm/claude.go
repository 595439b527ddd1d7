package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"intentflow/internal/domain"
)

const claudeReportTool = "report_intents"

// ClaudeSource is a one-shot source: the whole envelope arrives as the input
// of a forced tool call and is emitted as a single snapshot.
type ClaudeSource struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

func NewClaudeSource(client *http.Client, baseURL, apiKey, model string) *ClaudeSource {
	return &ClaudeSource{client: client, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, model: model}
}

type claudeRequest struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float64           `json:"temperature"`
	Messages    []claudeMessage   `json:"messages"`
	Tools       []claudeTool      `json:"tools,omitempty"`
	ToolChoice  *claudeToolChoice `json:"tool_choice,omitempty"`
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type claudeResponse struct {
	Content []claudeBlock `json:"content"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *ClaudeSource) StreamCalls(ctx context.Context, req Request) (<-chan []domain.RawCall, <-chan error) {
	return produce(ctx, func(ctx context.Context, emit func([]domain.RawCall) bool) error {
		calls, err := p.complete(ctx, req)
		if err != nil {
			return err
		}
		emit(calls)
		return nil
	})
}

func (p *ClaudeSource) complete(ctx context.Context, req Request) ([]domain.RawCall, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	tool := domain.LLMTool{
		Name:        claudeReportTool,
		Description: "Report every intent identified in the user input.",
		Schema:      OutputSchema(req.Intents),
	}
	payload := claudeRequest{
		Model:     model,
		MaxTokens: 1024,
		Messages: []claudeMessage{{
			Role:    "user",
			Content: []claudeBlock{{Type: "text", Text: req.Prompt}},
		}},
		Tools:      []claudeTool{{Name: tool.Name, Description: tool.Description, InputSchema: tool.Schema}},
		ToolChoice: &claudeToolChoice{Type: "tool", Name: claudeReportTool},
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("claude status %d: %s", resp.StatusCode, string(body))
	}

	var parsed claudeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("claude error: %s", parsed.Error.Message)
	}

	for _, block := range parsed.Content {
		if block.Type != "tool_use" || block.Name != claudeReportTool {
			continue
		}
		return decodeEnvelope(string(block.Input))
	}
	return nil, fmt.Errorf("claude response has no %s tool call", claudeReportTool)
}
