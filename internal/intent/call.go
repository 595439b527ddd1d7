package intent

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"intentflow/internal/domain"
)

// Call is one live instance of an intent.
type Call struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Parameters any    `json:"parameters"`

	release *releaser
}

type releaser struct {
	once sync.Once
	fn   func()
}

// NewCallID returns a fresh call identifier.
func NewCallID() string {
	return uuid.NewString()
}

// FallbackCall synthesizes a catch-all call with empty parameters.
func FallbackCall(id string) Call {
	return Call{ID: id, Name: domain.FallbackIntentName, Parameters: map[string]any{}}
}

func (c Call) IsFallback() bool {
	return c.Name == domain.FallbackIntentName
}

// WithRelease attaches the local cleanup returned by an activation.
func (c Call) WithRelease(fn func()) Call {
	if fn == nil {
		c.release = nil
		return c
	}
	c.release = &releaser{fn: fn}
	return c
}

// Release runs the local cleanup attached to c. Copies of c share the
// cleanup, and it runs at most once across all of them.
func (c Call) Release() {
	if c.release == nil {
		return
	}
	c.release.once.Do(c.release.fn)
}

// RawParameters renders the parameters as JSON for transport and storage.
func (c Call) RawParameters() json.RawMessage {
	if c.Parameters == nil {
		return json.RawMessage(`{}`)
	}
	raw, err := json.Marshal(c.Parameters)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func (c Call) View() domain.CallView {
	return domain.CallView{ID: c.ID, Name: c.Name, Parameters: c.RawParameters()}
}

// Views converts calls to their transport form.
func Views(calls []Call) []domain.CallView {
	out := make([]domain.CallView, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.View())
	}
	return out
}
