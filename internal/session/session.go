package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"intentflow/internal/domain"
	"intentflow/internal/intent"
	"intentflow/internal/llm"
)

// Hooks observe every session regardless of which intent is involved.
type Hooks struct {
	OnActivate func(call intent.Call, input string)
	OnCleanup  func(call intent.Call, input string)
	// OnPartial receives the calls stabilized so far while the source is
	// still streaming.
	OnPartial func(calls []intent.Call, input string)
}

type Config struct {
	Instructions string
	Context      any
	Model        string
	Hooks        Hooks
	// IDs generates call ids. Defaults to intent.NewCallID.
	IDs func() string
}

// Outcome is the active set produced by one identification.
type Outcome struct {
	Active []intent.Call
}

// SourceError wraps a failure of the structured output source.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("intent source failed: %v", e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Runner runs identifications against one registry and source. A Runner is
// safe for overlapping Run calls. Sources stream concurrently, but lifecycle
// callbacks of all runs and commits are serialized: no two callbacks ever
// execute at the same time.
type Runner struct {
	registry *intent.Registry
	source   llm.Source
	cfg      Config
	logger   *slog.Logger

	mu      sync.RWMutex
	context any

	// callbacks is held while user callbacks run; a callback must not call
	// Run or Commit on the same Runner.
	callbacks sync.Mutex
}

func New(cfg Config, registry *intent.Registry, source llm.Source, logger *slog.Logger) *Runner {
	if cfg.IDs == nil {
		cfg.IDs = intent.NewCallID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry: registry,
		source:   source,
		cfg:      cfg,
		logger:   logger,
		context:  cfg.Context,
	}
}

// SetContext replaces the context object rendered into future prompts.
func (r *Runner) SetContext(v any) {
	r.mu.Lock()
	r.context = v
	r.mu.Unlock()
}

func (r *Runner) Context() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.context
}

// run holds the bookkeeping of one Run call.
type run struct {
	input       string
	matcher     *intent.Matcher
	queued      []intent.Call
	candidates  int
	sawFallback bool
}

// Run identifies input against previous and fires lifecycle callbacks.
// Cleanups always fire before activations; activations are suppressed for
// blank input. On a source failure no callbacks fire and the error is
// returned as *SourceError.
func (r *Runner) Run(ctx context.Context, input string, previous []intent.Call) (Outcome, error) {
	blank := strings.TrimSpace(input) == ""
	st := &run{input: input, matcher: intent.NewMatcher(previous, r.cfg.IDs)}

	if !blank {
		if err := r.consume(ctx, st); err != nil {
			return Outcome{}, err
		}
	}

	r.callbacks.Lock()
	defer r.callbacks.Unlock()

	prevFallback, hadFallback := findFallback(previous)
	leftover := st.matcher.Leftover()
	var synthesized *intent.Call
	var activateFallback bool

	switch {
	case hadFallback && blank:
		r.cleanup(prevFallback, input)
	case st.candidates == 0 && !blank:
		for _, c := range leftover {
			r.cleanup(c, input)
		}
		fb := prevFallback
		if !hadFallback {
			fb = intent.FallbackCall(r.cfg.IDs())
			activateFallback = true
		}
		synthesized = &fb
	default:
		if hadFallback {
			r.cleanup(prevFallback, input)
		}
		for _, c := range leftover {
			r.cleanup(c, input)
		}
	}

	releases := make(map[string]func())
	if !blank {
		for _, c := range st.queued {
			if fn := r.activate(c, input); fn != nil {
				releases[c.ID] = fn
			}
		}
		if activateFallback {
			if fn := r.activate(*synthesized, input); fn != nil {
				*synthesized = synthesized.WithRelease(fn)
			}
		}
	}

	active := st.matcher.Active()
	for i, c := range active {
		if fn, ok := releases[c.ID]; ok {
			active[i] = c.WithRelease(fn)
		}
	}
	if synthesized != nil {
		active = append(active, *synthesized)
	}

	r.logger.Debug("identification finished",
		"input", input,
		"active", len(active),
		"activated", len(st.queued),
		"cleaned_up", len(leftover),
		"fallback", synthesized != nil,
		"explicit_fallback", st.sawFallback,
	)
	return Outcome{Active: active}, nil
}

// consume drains the source. Only entries before the last element of a
// snapshot are treated as stable; the final snapshot is taken whole.
func (r *Runner) consume(ctx context.Context, st *run) error {
	specs := r.registry.Specs()
	req := llm.Request{
		Model:   r.cfg.Model,
		Prompt:  BuildPrompt(r.cfg.Instructions, r.Context(), specs, st.input),
		Input:   st.input,
		Intents: specs,
	}
	snapshots, errCh := r.source.StreamCalls(ctx, req)

	var last []domain.RawCall
	stable := 0
	for snap := range snapshots {
		last = snap
		before := stable
		for ; stable < len(snap)-1; stable++ {
			r.route(st, snap[stable])
		}
		if stable > before && r.cfg.Hooks.OnPartial != nil {
			active := st.matcher.Active()
			r.callbacks.Lock()
			r.guard("partial", intent.Call{}, func() { r.cfg.Hooks.OnPartial(active, st.input) })
			r.callbacks.Unlock()
		}
	}
	if err := <-errCh; err != nil {
		if errors.Is(err, context.Canceled) {
			r.logger.Debug("identification canceled", "input", st.input)
		}
		return &SourceError{Err: err}
	}
	for ; stable < len(last); stable++ {
		r.route(st, last[stable])
	}
	return nil
}

func (r *Runner) route(st *run, raw domain.RawCall) {
	if raw.Name == domain.FallbackIntentName {
		st.sawFallback = true
		return
	}
	decl, ok := r.registry.Lookup(raw.Name)
	if !ok {
		r.logger.Warn("skip unregistered intent", "intent", raw.Name, "input", st.input)
		return
	}
	value, err := decl.Schema.Validate(raw.Parameters)
	if err != nil {
		var verr *intent.ValidationError
		if errors.As(err, &verr) {
			verr.Intent = raw.Name
		}
		r.logger.Warn("skip intent with invalid parameters", "intent", raw.Name, "error", err)
		return
	}

	st.candidates++
	call, reused := st.matcher.Add(intent.Call{Name: raw.Name, Parameters: value})
	if !reused {
		st.queued = append(st.queued, call)
	}
}

// Commit fires OnCommit for every call in order. Calls whose declaration is
// gone or has no OnCommit are skipped.
func (r *Runner) Commit(calls []intent.Call, input string) {
	r.callbacks.Lock()
	defer r.callbacks.Unlock()
	for _, call := range calls {
		decl, ok := r.registry.Resolve(call)
		if !ok || decl.OnCommit == nil {
			continue
		}
		r.guard("commit", call, func() { decl.OnCommit(call, input) })
	}
}

func (r *Runner) activate(call intent.Call, input string) func() {
	var release func()
	if decl, ok := r.registry.Resolve(call); ok && decl.OnActivate != nil {
		r.guard("activate", call, func() { release = decl.OnActivate(call, input) })
	}
	if r.cfg.Hooks.OnActivate != nil {
		r.guard("activate hook", call, func() { r.cfg.Hooks.OnActivate(call, input) })
	}
	return release
}

func (r *Runner) cleanup(call intent.Call, input string) {
	if decl, ok := r.registry.Resolve(call); ok && decl.OnCleanup != nil {
		r.guard("cleanup", call, func() { decl.OnCleanup(call, input) })
	}
	r.guard("release", call, call.Release)
	if r.cfg.Hooks.OnCleanup != nil {
		r.guard("cleanup hook", call, func() { r.cfg.Hooks.OnCleanup(call, input) })
	}
}

// guard runs fn and turns a panic into a log line.
func (r *Runner) guard(stage string, call intent.Call, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("intent callback panicked", "stage", stage, "intent", call.Name, "call_id", call.ID, "panic", rec)
		}
	}()
	fn()
}

func findFallback(calls []intent.Call) (intent.Call, bool) {
	for _, c := range calls {
		if c.IsFallback() {
			return c, true
		}
	}
	return intent.Call{}, false
}
