package intent

import (
	"encoding/json"
	"strings"
	"sync"

	"intentflow/internal/domain"
)

// Declaration is the registered contract for one intent name.
type Declaration struct {
	Description string
	Schema      Schema
	// OnActivate runs when a call becomes active. The returned function,
	// if any, runs once after OnCleanup when the call goes away.
	OnActivate func(call Call, input string) func()
	OnCleanup  func(call Call, input string)
	OnCommit   func(call Call, input string)
}

// Entry is a declaration together with its registered name.
type Entry struct {
	Name string
	Declaration
}

type Registry struct {
	mu          sync.RWMutex
	order       []string
	data        map[string]Declaration
	fallback    Declaration
	hasFallback bool
}

func NewRegistry() *Registry {
	return &Registry{data: make(map[string]Declaration)}
}

// Register adds or replaces the declaration for name. The fallback name
// can only be registered through RegisterFallback.
func (r *Registry) Register(name string, decl Declaration) error {
	if strings.TrimSpace(name) == "" {
		return &ConfigurationError{Name: name, Err: ErrEmptyName}
	}
	if name == domain.FallbackIntentName {
		return &ConfigurationError{Name: name, Err: ErrReservedName}
	}
	if decl.Schema == nil {
		return &ConfigurationError{Name: name, Err: ErrNoSchema}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[name]; !exists {
		r.order = append(r.order, name)
	}
	r.data[name] = decl
	return nil
}

// RegisterFallback declares the handlers for the catch-all intent.
func (r *Registry) RegisterFallback(decl Declaration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = decl
	r.hasFallback = true
}

func (r *Registry) Lookup(name string) (Declaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decl, ok := r.data[name]
	return decl, ok
}

func (r *Registry) Fallback() (Declaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback, r.hasFallback
}

// Resolve returns the declaration that handles call, including the
// fallback for calls named "other".
func (r *Registry) Resolve(call Call) (Declaration, bool) {
	if call.IsFallback() {
		return r.Fallback()
	}
	return r.Lookup(call.Name)
}

// Entries returns the normal declarations in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, Entry{Name: name, Declaration: r.data[name]})
	}
	return out
}

// Specs describes the registered intents, fallback last when declared.
func (r *Registry) Specs() []domain.IntentSpec {
	entries := r.Entries()
	out := make([]domain.IntentSpec, 0, len(entries)+1)
	for _, e := range entries {
		out = append(out, domain.IntentSpec{
			Name:        e.Name,
			Description: e.Description,
			Schema:      e.Schema.JSONSchema(),
		})
	}
	if fb, ok := r.Fallback(); ok {
		out = append(out, domain.IntentSpec{
			Name:        domain.FallbackIntentName,
			Description: fb.Description,
			Schema:      json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		})
	}
	return out
}
