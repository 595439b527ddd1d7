// Package controller owns the live preview of identified intents for one
// input field and decides when an identification runs and when a cached
// result is committed.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"intentflow/internal/intent"
	"intentflow/internal/session"
)

var ErrClosed = errors.New("controller closed")

const DefaultDebounceDelay = 300 * time.Millisecond

const (
	PathBlank    = "blank"
	PathInFlight = "in_flight"
	PathCached   = "cached"
	PathFresh    = "fresh"
)

type Config struct {
	DebounceDelay time.Duration
	// KeepInputOnSubmit leaves the input text in place after a successful
	// submit. By default it is cleared.
	KeepInputOnSubmit bool

	OnSubmitStart func(input string)
	OnSubmitEnd   func(sub Submission, err error)
	OnLoadStart   func(input string)
	OnLoadEnd     func(input string, err error)
}

// State is a snapshot of the controller.
type State struct {
	Input          string        `json:"input"`
	Loading        bool          `json:"loading"`
	Active         []intent.Call `json:"active"`
	LastIdentified *string       `json:"last_identified,omitempty"`
}

// Submission reports what one submit committed.
type Submission struct {
	Input     string        `json:"input"`
	Path      string        `json:"path"`
	Committed []intent.Call `json:"committed"`
}

// flight is one running identification. Its pointer identifies it: only
// the flight still tracked in Controller.inFlight may write its result.
type flight struct {
	input   string
	done    chan struct{}
	outcome session.Outcome
	err     error
}

type subscriber struct {
	id int
	fn func(State)
}

type Controller struct {
	cfg      Config
	runner   *session.Runner
	logger   *slog.Logger
	debounce *Debouncer
	wg       sync.WaitGroup

	mu             sync.Mutex
	input          string
	gen            uint64
	active         []intent.Call
	lastIdentified *string
	inFlight       *flight
	subs           []subscriber
	nextSub        int
	closed         bool
}

func New(cfg Config, runner *session.Runner, logger *slog.Logger) *Controller {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = DefaultDebounceDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		debounce: NewDebouncer(cfg.DebounceDelay),
	}
}

// SetInput records new input text. The cached identification is
// invalidated and a new one is scheduled after the debounce delay. A
// running identification is not canceled.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.input = text
	c.lastIdentified = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.debounce.Debounce(func() { c.identifyDebounced(gen, text) })
	c.notify()
}

// SetContext replaces the context object sent with future prompts.
func (c *Controller) SetContext(v any) {
	c.runner.SetContext(v)
	c.mu.Lock()
	c.lastIdentified = nil
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) identifyDebounced(gen uint64, text string) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.inFlight != nil && c.inFlight.input == text {
		c.mu.Unlock()
		c.logger.Debug("identification already running", "input", text)
		return
	}
	c.startLocked(text)
	c.mu.Unlock()
	c.notify()
}

// startLocked begins tracking a new flight for text against the current
// active set. c.mu must be held.
func (c *Controller) startLocked(text string) *flight {
	f := &flight{input: text, done: make(chan struct{})}
	previous := cloneCalls(c.active)
	c.inFlight = f
	c.wg.Add(1)
	go c.runFlight(f, previous)
	return f
}

func (c *Controller) runFlight(f *flight, previous []intent.Call) {
	defer c.wg.Done()
	c.hook("load start", func() {
		if c.cfg.OnLoadStart != nil {
			c.cfg.OnLoadStart(f.input)
		}
	})

	// A model call outlives input changes, so it does not inherit a caller
	// context.
	out, err := c.runner.Run(context.Background(), f.input, previous)

	c.mu.Lock()
	f.outcome, f.err = out, err
	trusted := c.inFlight == f
	if trusted {
		c.inFlight = nil
		if err != nil {
			c.active = nil
			c.lastIdentified = nil
		} else {
			c.active = out.Active
			text := f.input
			c.lastIdentified = &text
		}
	}
	c.mu.Unlock()
	close(f.done)

	if !trusted {
		c.logger.Debug("discard stale identification", "input", f.input, "error", err)
		return
	}
	if err != nil {
		c.logger.Error("identification failed", "input", f.input, "error", err)
	}
	c.hook("load end", func() {
		if c.cfg.OnLoadEnd != nil {
			c.cfg.OnLoadEnd(f.input, err)
		}
	})
	c.notify()
}

// Submit commits the intents identified for the current input. It waits
// for a running identification of the same text, reuses a cached result,
// or runs a fresh identification, then fires OnCommit for every call and
// resets the controller. On error nothing is committed, the active set is
// empty and the input is kept.
func (c *Controller) Submit(ctx context.Context) (Submission, error) {
	c.debounce.Cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Submission{}, ErrClosed
	}
	text := c.input
	c.gen++
	c.mu.Unlock()

	c.hook("submit start", func() {
		if c.cfg.OnSubmitStart != nil {
			c.cfg.OnSubmitStart(text)
		}
	})

	sub, f, err := c.resolve(ctx, text)
	if err != nil {
		c.hook("submit end", func() {
			if c.cfg.OnSubmitEnd != nil {
				c.cfg.OnSubmitEnd(sub, err)
			}
		})
		c.notify()
		return sub, err
	}

	c.runner.Commit(sub.Committed, text)
	c.logger.Info("submit", "input", text, "path", sub.Path, "committed", len(sub.Committed))

	c.hook("submit end", func() {
		if c.cfg.OnSubmitEnd != nil {
			c.cfg.OnSubmitEnd(sub, nil)
		}
	})

	c.mu.Lock()
	c.active = nil
	c.lastIdentified = nil
	// A newer identification started while waiting keeps running.
	if f != nil && c.inFlight == f {
		c.inFlight = nil
	}
	if !c.cfg.KeepInputOnSubmit && c.input == text {
		c.input = ""
	}
	c.mu.Unlock()
	c.notify()
	return sub, nil
}

// resolve picks the submit path for text and returns the calls to commit
// together with the flight it waited on, if any.
func (c *Controller) resolve(ctx context.Context, text string) (Submission, *flight, error) {
	sub := Submission{Input: text}

	if strings.TrimSpace(text) == "" {
		sub.Path = PathBlank
		c.mu.Lock()
		previous := cloneCalls(c.active)
		c.active = nil
		c.mu.Unlock()
		// Blank input never reaches the source; this only fires cleanups.
		if _, err := c.runner.Run(ctx, text, previous); err != nil {
			return sub, nil, err
		}
		return sub, nil, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return sub, nil, ErrClosed
	}
	var f *flight
	switch {
	case c.inFlight != nil && c.inFlight.input == text:
		sub.Path = PathInFlight
		f = c.inFlight
	case c.lastIdentified != nil && *c.lastIdentified == text && len(c.active) > 0:
		sub.Path = PathCached
		sub.Committed = cloneCalls(c.active)
	default:
		sub.Path = PathFresh
		f = c.startLocked(text)
	}
	c.mu.Unlock()

	if f == nil {
		return sub, nil, nil
	}
	c.notify()

	select {
	case <-f.done:
	case <-ctx.Done():
		return sub, f, ctx.Err()
	}
	if f.err != nil {
		return sub, f, f.err
	}
	sub.Committed = cloneCalls(f.outcome.Active)
	return sub, f, nil
}

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	st := State{
		Input:   c.input,
		Loading: c.inFlight != nil,
		Active:  cloneCalls(c.active),
	}
	if c.lastIdentified != nil {
		text := *c.lastIdentified
		st.LastIdentified = &text
	}
	return st
}

// Subscribe registers fn to receive a snapshot after every state change.
// The returned function removes the subscription.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	st := c.stateLocked()
	subs := append([]subscriber(nil), c.subs...)
	c.mu.Unlock()

	for _, s := range subs {
		c.hook("subscriber", func() { s.fn(st) })
	}
}

// Close cancels the pending debounce and waits for running
// identifications to finish.
func (c *Controller) Close() {
	c.debounce.Cancel()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) hook(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("controller callback panicked", "callback", name, "panic", rec)
		}
	}()
	fn()
}

func cloneCalls(calls []intent.Call) []intent.Call {
	if len(calls) == 0 {
		return nil
	}
	return append([]intent.Call(nil), calls...)
}
