package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentflow/internal/controller"
	"intentflow/internal/db"
	"intentflow/internal/domain"
	"intentflow/internal/intent"
)

type stubController struct {
	mu        sync.Mutex
	state     controller.State
	context   any
	submitErr error
	subs      []func(controller.State)
}

func (c *stubController) SetInput(text string) {
	c.mu.Lock()
	c.state.Input = text
	st := c.state
	subs := append(([]func(controller.State))(nil), c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

func (c *stubController) SetContext(v any) {
	c.mu.Lock()
	c.context = v
	c.mu.Unlock()
}

func (c *stubController) Submit(context.Context) (controller.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := controller.Submission{Input: c.state.Input, Path: controller.PathCached, Committed: c.state.Active}
	if c.submitErr != nil {
		return controller.Submission{Input: c.state.Input, Path: controller.PathFresh}, c.submitErr
	}
	return sub, nil
}

func (c *stubController) State() controller.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *stubController) Subscribe(fn func(controller.State)) func() {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
	return func() {}
}

type stubCommits struct {
	gotIntent string
	gotLimit  int
}

func (s *stubCommits) GetCommit(_ context.Context, callID string) (domain.CommitRecord, error) {
	if callID != "c1" {
		return domain.CommitRecord{}, db.ErrCommitNotFound
	}
	return domain.CommitRecord{ID: 1, CallID: "c1", Intent: "addTodo"}, nil
}

func (s *stubCommits) RecentCommits(_ context.Context, intentName string, limit int) ([]domain.CommitRecord, error) {
	s.gotIntent, s.gotLimit = intentName, limit
	return []domain.CommitRecord{{ID: 1, CallID: "c1", Intent: intentName}}, nil
}

func newTestServer(t *testing.T, ctl *stubController, commits CommitLister) *httptest.Server {
	t.Helper()
	reg := intent.NewRegistry()
	schema, err := intent.RawSchema(json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}},"required":["title"]}`))
	require.NoError(t, err)
	require.NoError(t, reg.Register("addTodo", intent.Declaration{Description: "Add a todo", Schema: schema}))

	srv := httptest.NewServer(NewRouter(ctl, reg, commits, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndIntents(t *testing.T) {
	srv := newTestServer(t, &stubController{}, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/intents", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	intents, ok := body["intents"].([]any)
	require.True(t, ok)
	require.Len(t, intents, 1)
	assert.Equal(t, "addTodo", intents[0].(map[string]any)["name"])
}

func TestInputAndState(t *testing.T) {
	ctl := &stubController{}
	srv := newTestServer(t, ctl, nil)

	resp, _ := do(t, http.MethodPut, srv.URL+"/v1/input", `{"text":"add milk"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/state", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "add milk", body["input"])

	resp, _ = do(t, http.MethodPut, srv.URL+"/v1/input", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmit(t *testing.T) {
	ctl := &stubController{state: controller.State{
		Input:  "add milk",
		Active: []intent.Call{{ID: "c1", Name: "addTodo", Parameters: map[string]any{"title": "Milk"}}},
	}}
	srv := newTestServer(t, ctl, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/submit", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, controller.PathCached, body["path"])
	assert.Len(t, body["committed"], 1)

	ctl.submitErr = errors.New("model down")
	resp, body = do(t, http.MethodPost, srv.URL+"/v1/submit", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "model down", body["error"])
}

func TestContext(t *testing.T) {
	ctl := &stubController{}
	srv := newTestServer(t, ctl, nil)

	resp, _ := do(t, http.MethodPut, srv.URL+"/v1/context", `{"todos":["Milk"]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"todos": []any{"Milk"}}, ctl.context)
}

func TestCommits(t *testing.T) {
	srv := newTestServer(t, &stubController{}, nil)
	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/commits", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	commits := &stubCommits{}
	srv = newTestServer(t, &stubController{}, commits)
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/commits?intent=addTodo&limit=5", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["commits"], 1)
	assert.Equal(t, "addTodo", commits.gotIntent)
	assert.Equal(t, 5, commits.gotLimit)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/commits?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommitByCallID(t *testing.T) {
	srv := newTestServer(t, &stubController{}, &stubCommits{})

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/commits/c1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "addTodo", body["intent"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/commits/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	srv = newTestServer(t, &stubController{}, nil)
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/commits/c1", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type wsMessage struct {
	Type   string              `json:"type"`
	State  StateView           `json:"state"`
	Result domain.SubmitResult `json:"result"`
}

func TestWebsocketFeed(t *testing.T) {
	ctl := &stubController{}
	srv := newTestServer(t, ctl, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "state", msg.Type)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]string{"type": "input", "text": "add eggs"}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, buf.Bytes()))

	msg = wsMessage{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "state", msg.Type)
	assert.Equal(t, "add eggs", msg.State.Input)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "submit"}))
	msg = wsMessage{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "submit", msg.Type)
	assert.True(t, msg.Result.OK)
	assert.Equal(t, "add eggs", msg.Result.Input)
}

func TestWebsocketSlowClientDoesNotBlockController(t *testing.T) {
	ctl := &stubController{}
	srv := newTestServer(t, ctl, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Eventually(t, func() bool {
		ctl.mu.Lock()
		defer ctl.mu.Unlock()
		return len(ctl.subs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The client stops reading; the socket buffers fill long before this
	// loop ends.
	big := strings.Repeat("x", 64<<10)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 500; i++ {
			ctl.SetInput(big)
		}
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("SetInput blocked on a slow websocket client")
	}
}
