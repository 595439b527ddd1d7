package textcall

import (
	"bytes"
	"context"
	"strings"

	"intentflow/internal/domain"
	"intentflow/internal/llm"
)

// TextStreamer streams raw completion text.
type TextStreamer interface {
	StreamText(ctx context.Context, prompt string) (<-chan string, <-chan error)
}

const outputFormat = `
# Output Format
* Return identified intents as JavaScript function calls using the EXACT intent names above.
* Every function takes at most one argument, a JSON object. Never use positional arguments.
* Write only function calls, one per line, and no other code.
* You may call several intents unless the instructions say otherwise.
* If you are unsure, return only the single call other().
`

// Source adapts a TextStreamer to llm.Source by re-parsing the accumulated
// text after every chunk.
type Source struct {
	text   TextStreamer
	parser *Parser
}

func NewSource(text TextStreamer, parser *Parser) *Source {
	return &Source{text: text, parser: parser}
}

func (s *Source) StreamCalls(ctx context.Context, req llm.Request) (<-chan []domain.RawCall, <-chan error) {
	out := make(chan []domain.RawCall, 8)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(out)

		send := func(calls []domain.RawCall) bool {
			select {
			case out <- calls:
				return true
			case <-ctx.Done():
				return false
			}
		}

		chunks, streamErr := s.text.StreamText(ctx, req.Prompt+"\n"+outputFormat)
		var buf strings.Builder
		var last []domain.RawCall
		for chunk := range chunks {
			buf.WriteString(chunk)
			calls := s.parser.Parse(buf.String())
			if equalCalls(calls, last) {
				continue
			}
			last = calls
			if !send(calls) {
				errCh <- ctx.Err()
				return
			}
		}
		if err := <-streamErr; err != nil {
			errCh <- err
			return
		}
		send(s.parser.Parse(buf.String()))
	}()
	return out, errCh
}

func equalCalls(a, b []domain.RawCall) bool {
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
