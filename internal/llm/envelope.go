package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"intentflow/internal/domain"
)

type envelope struct {
	Intents []domain.RawCall `json:"intents"`
}

// OutputSchema is the JSON schema of the {"intents":[...]} envelope a model
// must produce for the given intents.
func OutputSchema(intents []domain.IntentSpec) json.RawMessage {
	variants := make([]map[string]any, 0, len(intents))
	for _, it := range intents {
		params := json.RawMessage(`{"type":"object"}`)
		if len(it.Schema) > 0 {
			params = it.Schema
		}
		variants = append(variants, map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":       map[string]any{"type": "string", "const": it.Name},
				"parameters": params,
			},
			"required":             []string{"name", "parameters"},
			"additionalProperties": false,
		})
	}
	items := map[string]any{"type": "object"}
	if len(variants) > 0 {
		items = map[string]any{"anyOf": variants}
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intents": map[string]any{"type": "array", "items": items},
		},
		"required":             []string{"intents"},
		"additionalProperties": false,
	}
	raw, _ := json.Marshal(schema)
	return raw
}

// accumulator collects streamed text and decodes the growing envelope.
type accumulator struct {
	buf  strings.Builder
	last []domain.RawCall
}

// Write appends chunk and returns the decoded calls when they changed.
func (a *accumulator) Write(chunk string) ([]domain.RawCall, bool) {
	a.buf.WriteString(chunk)
	calls, ok := decodePartialEnvelope(a.buf.String())
	if !ok || sameCalls(calls, a.last) {
		return nil, false
	}
	a.last = calls
	return calls, true
}

// Final decodes the complete text strictly.
func (a *accumulator) Final() ([]domain.RawCall, error) {
	return decodeEnvelope(a.buf.String())
}

func decodeEnvelope(text string) ([]domain.RawCall, error) {
	text = stripFences(text)
	if text == "" {
		return nil, nil
	}
	if strings.HasPrefix(text, "[") {
		var calls []domain.RawCall
		if err := json.Unmarshal([]byte(text), &calls); err != nil {
			return nil, fmt.Errorf("decode intent array: %w", err)
		}
		return calls, nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return nil, fmt.Errorf("decode intent envelope: %w", err)
	}
	return env.Intents, nil
}

func decodePartialEnvelope(text string) ([]domain.RawCall, bool) {
	text = stripFences(text)
	if text == "" {
		return nil, false
	}
	fixed, ok := completePartialJSON(text)
	if !ok {
		return nil, false
	}
	calls, err := decodeEnvelope(fixed)
	if err != nil {
		return nil, false
	}
	return calls, true
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func sameCalls(a, b []domain.RawCall) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !bytes.Equal(a[i].Parameters, b[i].Parameters) {
			return false
		}
	}
	return true
}
