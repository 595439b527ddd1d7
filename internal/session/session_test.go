package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentflow/internal/domain"
	"intentflow/internal/intent"
	"intentflow/internal/llm"
)

type todoParams struct {
	Title string `json:"title"`
}

// scriptedSource replays fixed snapshots and records the requests it saw.
type scriptedSource struct {
	mu        sync.Mutex
	snapshots [][]domain.RawCall
	err       error
	requests  []llm.Request
}

func (s *scriptedSource) StreamCalls(_ context.Context, req llm.Request) (<-chan []domain.RawCall, <-chan error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	out := make(chan []domain.RawCall, len(s.snapshots))
	errCh := make(chan error, 1)
	for _, snap := range s.snapshots {
		out <- snap
	}
	close(out)
	if s.err != nil {
		errCh <- s.err
	}
	close(errCh)
	return out, errCh
}

func (s *scriptedSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func raw(name, params string) domain.RawCall {
	return domain.RawCall{Name: name, Parameters: json.RawMessage(params)}
}

// trace records callback order across intents.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) add(format string, args ...any) {
	tr.mu.Lock()
	tr.events = append(tr.events, fmt.Sprintf(format, args...))
	tr.mu.Unlock()
}

func (tr *trace) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...)
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func tracedDecl(tr *trace, name string, schema intent.Schema) intent.Declaration {
	return intent.Declaration{
		Description: name + " intent",
		Schema:      schema,
		OnActivate: func(call intent.Call, input string) func() {
			tr.add("activate %s %s", name, call.RawParameters())
			return nil
		},
		OnCleanup: func(call intent.Call, input string) {
			tr.add("cleanup %s %s", name, call.RawParameters())
		},
	}
}

func newTestRunner(t *testing.T, tr *trace, src llm.Source) *Runner {
	t.Helper()
	reg := intent.NewRegistry()
	require.NoError(t, reg.Register("addTodo", tracedDecl(tr, "addTodo", intent.ObjectOf[todoParams]())))
	require.NoError(t, reg.Register("removeTodo", tracedDecl(tr, "removeTodo", intent.ObjectOf[todoParams]())))
	reg.RegisterFallback(intent.Declaration{
		Description: "anything else",
		OnActivate: func(call intent.Call, input string) func() {
			tr.add("activate other")
			return nil
		},
		OnCleanup: func(call intent.Call, input string) {
			tr.add("cleanup other")
		},
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Instructions: "manage todos", IDs: sequentialIDs()}, reg, src, logger)
}

func TestRunActivatesNewIntent(t *testing.T) {
	tr := &trace{}
	src := &scriptedSource{snapshots: [][]domain.RawCall{
		{raw("addTodo", `{"title":"Buy milk"}`)},
	}}
	r := newTestRunner(t, tr, src)

	out, err := r.Run(context.Background(), "add buy milk", nil)
	require.NoError(t, err)
	require.Len(t, out.Active, 1)
	assert.Equal(t, "id-1", out.Active[0].ID)
	assert.Equal(t, todoParams{Title: "Buy milk"}, out.Active[0].Parameters)
	assert.Equal(t, []string{`activate addTodo {"title":"Buy milk"}`}, tr.list())
}

func TestRunReusesIDForEquivalentCall(t *testing.T) {
	tr := &trace{}
	src := &scriptedSource{snapshots: [][]domain.RawCall{{raw("addTodo", `{"title":"x"}`)}}}
	r := newTestRunner(t, tr, src)
	previous := []intent.Call{{ID: "1", Name: "addTodo", Parameters: todoParams{Title: "x"}}}

	out, err := r.Run(context.Background(), "add x", previous)
	require.NoError(t, err)
	require.Len(t, out.Active, 1)
	assert.Equal(t, "1", out.Active[0].ID)
	assert.Empty(t, tr.list())
}

func TestRunChangedParametersCleanupThenActivate(t *testing.T) {
	tr := &trace{}
	src := &scriptedSource{snapshots: [][]domain.RawCall{{raw("addTodo", `{"title":"y"}`)}}}
	r := newTestRunner(t, tr, src)
	previous := []intent.Call{{ID: "1", Name: "addTodo", Parameters: todoParams{Title: "x"}}}

	out, err := r.Run(context.Background(), "add y", previous)
	require.NoError(t, err)
	require.Len(t, out.Active, 1)
	assert.NotEqual(t, "1", out.Active[0].ID)
	assert.Equal(t, []string{
		`cleanup addTodo {"title":"x"}`,
		`activate addTodo {"title":"y"}`,
	}, tr.list())
}

func TestRunCleanupBeforeActivateAcrossIntents(t *testing.T) {
	tr := &trace{}
	src := &scriptedSource{snapshots: [][]domain.RawCall{
		{raw("removeTodo", `{"title":"a"}`)},
		{raw("removeTodo", `{"title":"a"}`), raw("addTodo", `{"title":"b"}`)},
	}}
	r := newTestRunner(t, tr, src)
	previous := []intent.Call{{ID: "1", Name: "addTodo", Parameters: todoParams{Title: "a"}}}

	_, err := r.Run(context.Background(), "remove a, add b", previous)
	require.NoError(t, err)
	assert.Equal(t, []string{
		`cleanup addTodo {"title":"a"}`,
		`activate removeTodo {"title":"a"}`,
		`activate addTodo {"title":"b"}`,
	}, tr.list())
}

func TestRunDefersLastElementUntilComplete(t *testing.T) {
	tr := &trace{}
	var partials [][]string
	src := &scriptedSource{snapshots: [][]domain.RawCall{
		{raw("addTodo", `{"title":"Bu"}`)},
		{raw("addTodo", `{"title":"Buy"}`), raw("addTodo", `{"title":"W"}`)},
		{raw("addTodo", `{"title":"Buy"}`), raw("addTodo", `{"title":"Walk"}`)},
	}}
	r := newTestRunner(t, tr, src)
	r.cfg.Hooks.OnPartial = func(calls []intent.Call, _ string) {
		var titles []string
		for _, c := range calls {
			titles = append(titles, c.Parameters.(todoParams).Title)
		}
		partials = append(partials, titles)
	}

	out, err := r.Run(context.Background(), "buy, walk", nil)
	require.NoError(t, err)
	require.Len(t, out.Active, 2)
	assert.Equal(t, [][]string{{"Buy"}}, partials)
	assert.Equal(t, []string{
		`activate addTodo {"title":"Buy"}`,
		`activate addTodo {"title":"Walk"}`,
	}, tr.list())
}

func TestRunImplicitFallback(t *testing.T) {
	tr := &trace{}
	src := &scriptedSource{snapshots: [][]domain.RawCall{{}}}
	r := newTestRunner(t, tr, src)

	out, err := r.Run(context.Background(), "what is the weather", nil)
	require.NoError(t, err)
	require.Len(t, out.Active, 1)
	assert.True(t, out.Active[0].IsFallback())
	assert.Equal(t, map[string]any{}, out.Active[0].Parameters)
	assert.Equal(t, []string{"activate other"}, tr.list())

	// A second pass that still finds nothing keeps the same fallback call.
	tr2 := &trace{}
	r2 := newTestRunner(t, tr2, src)
	again, err := r2.Run(context.Background(), "what is the weather today", out.Active)
	require.NoError(t, err)
	require.Len(t, again.Active, 1)
	assert.Equal(t, out.Active[0].ID, again.Active[0].ID)
	assert.Empty(t, tr2.list())
}

func TestRunExplicitOtherCountsAsNothingFound(t *testing.T) {
	tr := &trace{}
	src := &scriptedSource{snapshots: [][]domain.RawCall{{raw("other", `{}`)}}}
	r := newTestRunner(t, tr, src)

	out, err := r.Run(context.Background(), "hmm", nil)
	require.NoError(t, err)
	require.Len(t, out.Active, 1)
	assert.True(t, out.Active[0].IsFallback())
	assert.Equal(t, []string{"activate other"}, tr.list())
}

func TestRunFallbackReplacedByIntent(t *testing.T) {
	tr := &trace{}
	src := &scriptedSource{snapshots: [][]domain.RawCall{{raw("addTodo", `{"title":"x"}`)}}}
	r := newTestRunner(t, tr, src)
	previous := []intent.Call{intent.FallbackCall("fb")}

	out, err := r.Run(context.Background(), "add x", previous)
	require.NoError(t, err)
	require.Len(t, out.Active, 1)
	assert.Equal(t, []string{"cleanup other", `activate addTodo {"title":"x"}`}, tr.list())
}

func TestRunBlankInput(t *testing.T) {
	t.Run("with fallback", func(t *testing.T) {
		tr := &trace{}
		src := &scriptedSource{}
		r := newTestRunner(t, tr, src)

		out, err := r.Run(context.Background(), "   ", []intent.Call{intent.FallbackCall("fb")})
		require.NoError(t, err)
		assert.Empty(t, out.Active)
		assert.Equal(t, []string{"cleanup other"}, tr.list())
		assert.Zero(t, src.calls())
	})

	t.Run("without fallback", func(t *testing.T) {
		tr := &trace{}
		src := &scriptedSource{}
		r := newTestRunner(t, tr, src)

		out, err := r.Run(context.Background(), "", nil)
		require.NoError(t, err)
		assert.Empty(t, out.Active)
		assert.Empty(t, tr.list())
	})

	t.Run("cleans up previous intents without activating", func(t *testing.T) {
		tr := &trace{}
		r := newTestRunner(t, tr, &scriptedSource{})
		previous := []intent.Call{{ID: "1", Name: "addTodo", Parameters: todoParams{Title: "Buy milk"}}}

		out, err := r.Run(context.Background(), "", previous)
		require.NoError(t, err)
		assert.Empty(t, out.Active)
		assert.Equal(t, []string{`cleanup addTodo {"title":"Buy milk"}`}, tr.list())
	})
}

func TestRunDropsInvalidAndUnknownCandidates(t *testing.T) {
	tr := &trace{}
	src := &scriptedSource{snapshots: [][]domain.RawCall{{
		raw("addTodo", `{"name":"x"}`),
		raw("launchRocket", `{}`),
		raw("addTodo", `{"title":"ok"}`),
	}}}
	r := newTestRunner(t, tr, src)

	out, err := r.Run(context.Background(), "stuff", nil)
	require.NoError(t, err)
	require.Len(t, out.Active, 1)
	assert.Equal(t, []string{`activate addTodo {"title":"ok"}`}, tr.list())
}

func TestRunSourceErrorFiresNothing(t *testing.T) {
	tr := &trace{}
	boom := errors.New("model unavailable")
	src := &scriptedSource{
		snapshots: [][]domain.RawCall{{raw("addTodo", `{"title":"a"}`), raw("addTodo", `{"title":"b"}`)}},
		err:       boom,
	}
	r := newTestRunner(t, tr, src)
	previous := []intent.Call{{ID: "1", Name: "removeTodo", Parameters: todoParams{Title: "z"}}}

	out, err := r.Run(context.Background(), "add a and b", previous)
	require.Error(t, err)
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, out.Active)
	assert.Empty(t, tr.list())
}

func TestRunLocalCleanupRunsAfterDeclaredCleanup(t *testing.T) {
	tr := &trace{}
	reg := intent.NewRegistry()
	require.NoError(t, reg.Register("highlight", intent.Declaration{
		Schema: intent.ObjectOf[todoParams](),
		OnActivate: func(call intent.Call, input string) func() {
			tr.add("on")
			return func() { tr.add("off") }
		},
		OnCleanup: func(call intent.Call, input string) { tr.add("cleanup") },
	}))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first := New(Config{}, reg, &scriptedSource{snapshots: [][]domain.RawCall{{raw("highlight", `{"title":"a"}`)}}}, logger)
	out, err := first.Run(context.Background(), "highlight a", nil)
	require.NoError(t, err)

	second := New(Config{}, reg, &scriptedSource{snapshots: [][]domain.RawCall{{raw("highlight", `{"title":"b"}`)}}}, logger)
	_, err = second.Run(context.Background(), "highlight b", out.Active)
	require.NoError(t, err)

	assert.Equal(t, []string{"on", "cleanup", "off", "on"}, tr.list())
}

func TestRunRecoversPanickingCallback(t *testing.T) {
	reg := intent.NewRegistry()
	require.NoError(t, reg.Register("explode", intent.Declaration{
		Schema:     intent.ObjectOf[todoParams](),
		OnActivate: func(intent.Call, string) func() { panic("kaboom") },
	}))
	var activated []string
	r := New(Config{Hooks: Hooks{OnActivate: func(call intent.Call, _ string) { activated = append(activated, call.Name) }}},
		reg, &scriptedSource{snapshots: [][]domain.RawCall{{raw("explode", `{"title":"a"}`)}}},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	out, err := r.Run(context.Background(), "boom", nil)
	require.NoError(t, err)
	assert.Len(t, out.Active, 1)
	assert.Equal(t, []string{"explode"}, activated)
}

func TestRunSendsPromptWithCatalogAndContext(t *testing.T) {
	src := &scriptedSource{snapshots: [][]domain.RawCall{{}}}
	r := newTestRunner(t, &trace{}, src)
	r.SetContext(map[string]any{"todos": []string{"Buy milk"}})

	_, err := r.Run(context.Background(), "remove milk", nil)
	require.NoError(t, err)
	require.Equal(t, 1, src.calls())

	req := src.requests[0]
	assert.Equal(t, "remove milk", req.Input)
	for _, want := range []string{"manage todos", "Buy milk", "addTodo", "removeTodo", "other", `"title"`, "remove milk"} {
		assert.True(t, strings.Contains(req.Prompt, want), "prompt missing %q", want)
	}
	require.Len(t, req.Intents, 3)
	assert.Equal(t, domain.FallbackIntentName, req.Intents[2].Name)
}

func TestRunSerializesCallbacksAcrossRuns(t *testing.T) {
	var current, peak int32
	enter := func() {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
	}

	reg := intent.NewRegistry()
	require.NoError(t, reg.Register("addTodo", intent.Declaration{
		Schema:     intent.ObjectOf[todoParams](),
		OnActivate: func(intent.Call, string) func() { enter(); return nil },
		OnCommit:   func(intent.Call, string) { enter() },
	}))
	r := New(Config{}, reg, &scriptedSource{snapshots: [][]domain.RawCall{{raw("addTodo", `{"title":"a"}`)}}},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	committed := []intent.Call{{ID: "c1", Name: "addTodo", Parameters: todoParams{Title: "x"}}}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.Run(context.Background(), "add a", nil)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			r.Commit(committed, "add x")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestCommitFiresInOrderAndSkipsUnknown(t *testing.T) {
	var titles []string
	reg := intent.NewRegistry()
	require.NoError(t, reg.Register("addTodo", intent.Declaration{
		Schema: intent.ObjectOf[todoParams](),
		OnCommit: func(call intent.Call, input string) {
			p, ok := intent.Params[todoParams](call)
			require.True(t, ok)
			titles = append(titles, p.Title+"@"+input)
		},
	}))
	r := New(Config{}, reg, &scriptedSource{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r.Commit([]intent.Call{
		{ID: "1", Name: "addTodo", Parameters: todoParams{Title: "a"}},
		{ID: "2", Name: "gone", Parameters: map[string]any{}},
		{ID: "3", Name: "addTodo", Parameters: todoParams{Title: "b"}},
	}, "add a and b")

	assert.Equal(t, []string{"a@add a and b", "b@add a and b"}, titles)
}
