// Package textcall extracts intent calls from model output written as
// function-call text, e.g. addTodo({title: 'Buy milk'}).
package textcall

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"

	"intentflow/internal/domain"
	"intentflow/internal/intent"
)

var (
	callPattern     = regexp.MustCompile(`(\w+)\(([^)]*)\)`)
	unquotedKey     = regexp.MustCompile(`([{,]\s*)([A-Za-z0-9_]+)\s*:`)
	singleQuoted    = regexp.MustCompile(`'([^']*)'`)
	fenceReplacer   = strings.NewReplacer("```python", "", "```javascript", "", "```js", "", "```", "")
	emptyParameters = json.RawMessage(`{}`)
)

type Parser struct {
	registry *intent.Registry
	logger   *slog.Logger
}

func NewParser(registry *intent.Registry, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{registry: registry, logger: logger}
}

// Parse returns every recognised call in text, in order of appearance.
// Unknown names, unparsable arguments and schema mismatches are skipped.
func (p *Parser) Parse(text string) []domain.RawCall {
	cleaned := strings.TrimSpace(fenceReplacer.Replace(text))
	calls := make([]domain.RawCall, 0)

	for _, m := range callPattern.FindAllStringSubmatch(cleaned, -1) {
		name := m[1]
		args := strings.TrimSpace(m[2])

		if name == domain.FallbackIntentName {
			calls = append(calls, domain.RawCall{Name: name, Parameters: emptyParameters})
			continue
		}
		decl, ok := p.registry.Lookup(name)
		if !ok {
			p.logger.Warn("skip unknown intent in text output", "intent", name)
			continue
		}

		raw := emptyParameters
		if args != "" {
			parsed, err := parseArguments(args)
			if err != nil {
				p.logger.Warn("skip intent with unparsable parameters", "intent", name, "params", args, "error", err)
				continue
			}
			raw = parsed
		}

		value, err := decl.Schema.Validate(raw)
		if err != nil {
			p.logger.Warn("skip intent with invalid parameters", "intent", name, "error", err)
			continue
		}
		normalized, err := json.Marshal(value)
		if err != nil {
			normalized = raw
		}
		calls = append(calls, domain.RawCall{Name: name, Parameters: normalized})
	}
	return calls
}

// parseArguments turns a loose object literal into strict JSON. Quoting
// fixes are tried first; JSON5 handles what they miss.
func parseArguments(args string) (json.RawMessage, error) {
	normalized := normalizeObjectLiteral(args)
	if json.Valid([]byte(normalized)) {
		return json.RawMessage(normalized), nil
	}

	var v any
	if err := json5.Unmarshal([]byte(args), &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func normalizeObjectLiteral(s string) string {
	s = unquotedKey.ReplaceAllString(s, `${1}"${2}":`)
	return singleQuoted.ReplaceAllString(s, `"${1}"`)
}
