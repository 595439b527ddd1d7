package intent

import (
	"encoding/json"

	"github.com/google/go-cmp/cmp"
)

// Equivalent reports whether a and b name the same intent with deep-equal
// parameters. Parameters are compared on their JSON form, so object key
// order and concrete Go types do not matter.
func Equivalent(a, b Call) bool {
	if a.Name != b.Name {
		return false
	}
	return cmp.Equal(canonical(a.Parameters), canonical(b.Parameters))
}

func canonical(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	if out == nil {
		return map[string]any{}
	}
	return out
}

// Reconciliation is the diff of a candidate list against a previous set.
type Reconciliation struct {
	// Active holds every non-fallback candidate in order, with ids assigned.
	Active []Call
	// Resolved holds candidates that reused the id of a previous call.
	Resolved []Call
	// NewlyActivated holds candidates that received a fresh id.
	NewlyActivated []Call
	// ToCleanup holds previous calls no candidate consumed.
	ToCleanup []Call
}

// Reconcile diffs candidates against previous. Each candidate consumes the
// first equivalent previous call still in the pool; fallback calls are
// ignored on both sides.
func Reconcile(candidates, previous []Call) Reconciliation {
	m := NewMatcher(previous, NewCallID)
	for _, c := range candidates {
		if c.IsFallback() {
			continue
		}
		m.Add(c)
	}
	return m.Result()
}

// Matcher runs Reconcile one candidate at a time.
type Matcher struct {
	newID func() string
	pool  []Call
	res   Reconciliation
}

func NewMatcher(previous []Call, newID func() string) *Matcher {
	if newID == nil {
		newID = NewCallID
	}
	pool := make([]Call, 0, len(previous))
	for _, p := range previous {
		if !p.IsFallback() {
			pool = append(pool, p)
		}
	}
	return &Matcher{newID: newID, pool: pool}
}

// Add matches candidate against the remaining pool and returns it with its
// id set. reused is false when the candidate is a new activation.
func (m *Matcher) Add(candidate Call) (call Call, reused bool) {
	for i, p := range m.pool {
		if !Equivalent(candidate, p) {
			continue
		}
		m.pool = append(m.pool[:i:i], m.pool[i+1:]...)
		call = candidate
		call.ID = p.ID
		call.release = p.release
		m.res.Resolved = append(m.res.Resolved, call)
		m.res.Active = append(m.res.Active, call)
		return call, true
	}

	call = candidate
	call.ID = m.newID()
	call.release = nil
	m.res.NewlyActivated = append(m.res.NewlyActivated, call)
	m.res.Active = append(m.res.Active, call)
	return call, false
}

// Active returns the calls matched or activated so far.
func (m *Matcher) Active() []Call {
	return append([]Call(nil), m.res.Active...)
}

// Leftover returns the previous calls not consumed so far.
func (m *Matcher) Leftover() []Call {
	return append([]Call(nil), m.pool...)
}

func (m *Matcher) Result() Reconciliation {
	out := Reconciliation{
		Active:         append([]Call(nil), m.res.Active...),
		Resolved:       append([]Call(nil), m.res.Resolved...),
		NewlyActivated: append([]Call(nil), m.res.NewlyActivated...),
		ToCleanup:      m.Leftover(),
	}
	return out
}
