package domain

type IntentFilterOptions struct {
	AllowMultiIntent          bool    `json:"allow_multi_intent"`
	MaxIntents                int     `json:"max_intents"`
	MinConfidence             float64 `json:"min_confidence"`
	EmitSystemIntentWhenEmpty bool    `json:"emit_system_intent_when_empty"`
}

type IntentFilterRequest struct {
	RequestID     string              `json:"request_id,omitempty"`
	Command       string              `json:"command"`
	Prompt        string              `json:"prompt,omitempty"`
	IntentCatalog []IntentSpec        `json:"intent_catalog"`
	Options       IntentFilterOptions `json:"options"`
}

type SelectedIntent struct {
	IntentName        string         `json:"intent_name"`
	Confidence        float64        `json:"confidence"`
	Parameters        map[string]any `json:"parameters"`
	MissingParameters []string       `json:"missing_parameters"`
}

type IntentFilterResponse struct {
	RequestID string           `json:"request_id"`
	Intents   []SelectedIntent `json:"intents"`
}
