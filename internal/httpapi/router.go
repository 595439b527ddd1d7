// Package httpapi exposes the controller over HTTP and a websocket state
// feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"intentflow/internal/controller"
	"intentflow/internal/db"
	"intentflow/internal/domain"
	"intentflow/internal/intent"
)

// Controller is the part of *controller.Controller the API drives.
type Controller interface {
	SetInput(text string)
	SetContext(v any)
	Submit(ctx context.Context) (controller.Submission, error)
	State() controller.State
	Subscribe(fn func(controller.State)) func()
}

// CommitLister reads the commit journal.
type CommitLister interface {
	RecentCommits(ctx context.Context, intentName string, limit int) ([]domain.CommitRecord, error)
	GetCommit(ctx context.Context, callID string) (domain.CommitRecord, error)
}

// StateView is the wire form of controller.State.
type StateView struct {
	Input          string            `json:"input"`
	Loading        bool              `json:"loading"`
	Active         []domain.CallView `json:"active"`
	LastIdentified *string           `json:"last_identified,omitempty"`
}

func viewOf(st controller.State) StateView {
	return StateView{
		Input:          st.Input,
		Loading:        st.Loading,
		Active:         intent.Views(st.Active),
		LastIdentified: st.LastIdentified,
	}
}

type server struct {
	ctl      Controller
	registry *intent.Registry
	commits  CommitLister
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewRouter builds the API. commits may be nil when no journal is
// configured.
func NewRouter(ctl Controller, registry *intent.Registry, commits CommitLister, logger *slog.Logger) http.Handler {
	s := &server{
		ctl:      ctl,
		registry: registry,
		commits:  commits,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/intents", s.handleIntents)
		r.Get("/state", s.handleState)
		r.Put("/input", s.handleInput)
		r.Post("/submit", s.handleSubmit)
		r.Put("/context", s.handleContext)
		r.Get("/commits", s.handleCommits)
		r.Get("/commits/{callID}", s.handleCommit)
		r.Get("/ws", s.handleWS)
	})
	return r
}

func (s *server) handleIntents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"intents": s.registry.Specs()})
}

func (s *server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(s.ctl.State()))
}

type inputRequest struct {
	Text string `json:"text"`
}

func (s *server) handleInput(w http.ResponseWriter, req *http.Request) {
	var in inputRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	s.ctl.SetInput(in.Text)
	writeJSON(w, http.StatusAccepted, viewOf(s.ctl.State()))
}

func (s *server) handleSubmit(w http.ResponseWriter, req *http.Request) {
	result := s.submit(req.Context(), uuid.NewString())
	if !result.OK {
		writeJSON(w, http.StatusBadGateway, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) submit(ctx context.Context, requestID string) domain.SubmitResult {
	sub, err := s.ctl.Submit(ctx)
	result := domain.SubmitResult{
		RequestID: requestID,
		OK:        err == nil,
		Input:     sub.Input,
		Path:      sub.Path,
		Committed: intent.Views(sub.Committed),
	}
	if err != nil {
		s.logger.Error("submit failed", "request_id", requestID, "error", err)
		result.Error = err.Error()
	}
	return result
}

func (s *server) handleContext(w http.ResponseWriter, req *http.Request) {
	var v any
	if err := json.NewDecoder(req.Body).Decode(&v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	s.ctl.SetContext(v)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleCommits(w http.ResponseWriter, req *http.Request) {
	if s.commits == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "commit journal is not configured"})
		return
	}
	limit := 50
	if v := strings.TrimSpace(req.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	records, err := s.commits.RecentCommits(req.Context(), req.URL.Query().Get("intent"), limit)
	if err != nil {
		s.logger.Error("list commits failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": records})
}

func (s *server) handleCommit(w http.ResponseWriter, req *http.Request) {
	if s.commits == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "commit journal is not configured"})
		return
	}
	record, err := s.commits.GetCommit(req.Context(), chi.URLParam(req, "callID"))
	if errors.Is(err, db.ErrCommitNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("get commit failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type wsCommand struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// wsQueueSize bounds the messages waiting for one slow client.
const wsQueueSize = 32

type wsClient struct {
	ws     *websocket.Conn
	out    chan any
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newWSClient(ws *websocket.Conn, logger *slog.Logger) *wsClient {
	return &wsClient{
		ws:     ws,
		out:    make(chan any, wsQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// writeLoop is the only writer of the connection.
func (c *wsClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("state websocket write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

// offer queues msg without blocking; a full queue drops it.
func (c *wsClient) offer(msg any) {
	select {
	case c.out <- msg:
	case <-c.done:
	default:
		c.logger.Debug("state websocket queue full, dropping message")
	}
}

// send queues msg and waits for room in the queue.
func (c *wsClient) send(msg any) {
	select {
	case c.out <- msg:
	case <-c.done:
	}
}

// handleWS streams every state change and accepts input and submit
// commands. State updates for a client that falls behind are dropped so
// the controller never waits on a socket.
func (s *server) handleWS(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("upgrade websocket failed", "error", err)
		return
	}
	client := newWSClient(ws, s.logger)
	go client.writeLoop()

	client.send(map[string]any{"type": "state", "state": viewOf(s.ctl.State())})
	cancel := s.ctl.Subscribe(func(st controller.State) {
		client.offer(map[string]any{"type": "state", "state": viewOf(st)})
	})
	defer func() {
		cancel()
		client.close()
		_ = ws.Close()
	}()

	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debug("state websocket closed", "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var cmd wsCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			client.send(map[string]any{"type": "error", "message": "invalid json"})
			continue
		}
		switch strings.ToLower(strings.TrimSpace(cmd.Type)) {
		case "input":
			s.ctl.SetInput(cmd.Text)
		case "submit":
			result := s.submit(req.Context(), uuid.NewString())
			client.send(map[string]any{"type": "submit", "result": result})
		default:
			client.send(map[string]any{"type": "error", "message": "unknown command: " + cmd.Type})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
