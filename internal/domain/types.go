package domain

import "encoding/json"

// FallbackIntentName is the reserved catch-all intent used when nothing
// declared matches the input.
const FallbackIntentName = "other"

// RawCall is an unvalidated {name, parameters} pair as produced by a model.
type RawCall struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

// IntentSpec describes one registered intent to a model or remote service.
type IntentSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type LLMTool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// LifecycleEvent is published for every activation, cleanup and commit.
type LifecycleEvent struct {
	EventID    string          `json:"event_id"`
	Kind       string          `json:"kind"`
	CallID     string          `json:"call_id"`
	Intent     string          `json:"intent"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Input      string          `json:"input"`
	TS         string          `json:"ts"`
}

const (
	EventActivate = "activate"
	EventCleanup  = "cleanup"
	EventCommit   = "commit"
)

// CommitRecord is one committed intent call as stored in the journal.
type CommitRecord struct {
	ID          int64           `json:"id"`
	CallID      string          `json:"call_id"`
	Intent      string          `json:"intent"`
	Parameters  json.RawMessage `json:"parameters"`
	Input       string          `json:"input"`
	CommittedAt string          `json:"committed_at"`
}

// CallView is the transport form of one intent call.
type CallView struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

// SubmitResult answers a remote submit request.
type SubmitResult struct {
	RequestID string     `json:"request_id"`
	OK        bool       `json:"ok"`
	Error     string     `json:"error,omitempty"`
	Input     string     `json:"input"`
	Path      string     `json:"path,omitempty"`
	Committed []CallView `json:"committed"`
}
