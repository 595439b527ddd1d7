package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"intentflow/internal/domain"
)

// BuildPrompt renders the identification prompt. It carries the raw
// instructions, the context as JSON, every intent with its description and
// parameter schema, and the user text.
func BuildPrompt(instructions string, context any, specs []domain.IntentSpec, input string) string {
	var sb strings.Builder
	sb.WriteString("You are helping a user identify the intent of their text.\n\n")

	sb.WriteString("The user gives you the following instructions:\n```\n")
	sb.WriteString(instructions)
	sb.WriteString("\n```\n\n")

	sb.WriteString("The user gives you the following context:\n```\n")
	sb.WriteString(renderContext(context))
	sb.WriteString("\n```\n\n")

	sb.WriteString("# Possible Intents\n")
	for _, spec := range specs {
		fmt.Fprintf(&sb, "## `%s`: %s\n", spec.Name, spec.Description)
		if len(spec.Schema) > 0 {
			sb.WriteString("Parameter schema:\n")
			sb.WriteString(indentJSON(spec.Schema))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("# Rules\n")
	sb.WriteString("1) Report every intent in the user input, each with its EXACT name and one parameters object.\n")
	sb.WriteString("2) Parameters must match the intent's schema. Do not invent fields.\n")
	sb.WriteString("3) You may report several intents unless the instructions say otherwise.\n")
	fmt.Fprintf(&sb, "4) If you are unsure, report only `%s` with empty parameters.\n\n", domain.FallbackIntentName)

	sb.WriteString("# User Input\n")
	sb.WriteString(input)
	return sb.String()
}

func renderContext(v any) string {
	if v == nil {
		return "null"
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
