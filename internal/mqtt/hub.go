package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"intentflow/internal/controller"
	"intentflow/internal/domain"
	"intentflow/internal/intent"
)

type HubConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// InputSink receives input typed on remote terminals.
type InputSink interface {
	SetInput(text string)
	Submit(ctx context.Context) (controller.Submission, error)
}

// Hub publishes intent lifecycle events and forwards remote input to the
// controller.
type Hub struct {
	cfg    HubConfig
	client paho.Client
	input  InputSink
	logger *slog.Logger

	// send publishes one message; it is the paho client outside tests.
	send func(topic string, payload []byte) error
}

func NewHub(cfg HubConfig, input InputSink, logger *slog.Logger) *Hub {
	h := &Hub{
		cfg:    cfg,
		input:  input,
		logger: logger,
	}
	h.send = h.publish
	return h
}

// AttachInput sets the controller that remote input is forwarded to. It must
// be called before Start.
func (h *Hub) AttachInput(input InputSink) {
	h.input = input
}

func (h *Hub) Start(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(h.cfg.BrokerURL).
		SetClientID(h.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	if h.cfg.Username != "" {
		opts.SetUsername(h.cfg.Username)
		opts.SetPassword(h.cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		h.logger.Error("mqtt connection lost", "error", err)
	})

	h.client = paho.NewClient(opts)
	if token := h.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	if h.input != nil {
		if err := h.subscribeHandlers(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		h.client.Disconnect(100)
	}()

	return nil
}

func (h *Hub) subscribeHandlers() error {
	if token := h.client.Subscribe(TopicInput(h.cfg.TopicPrefix), 1, h.handleInput); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := h.client.Subscribe(TopicSubmit(h.cfg.TopicPrefix), 1, h.handleSubmit); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (h *Hub) handleInput(_ paho.Client, msg paho.Message) {
	h.input.SetInput(string(msg.Payload()))
}

func (h *Hub) handleSubmit(_ paho.Client, msg paho.Message) {
	requestID := ParseRequestID(msg.Topic())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	// paho runs handlers in order; a submit may wait on the model.
	go h.submit(requestID)
}

func (h *Hub) submit(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sub, err := h.input.Submit(ctx)
	result := domain.SubmitResult{
		RequestID: requestID,
		OK:        err == nil,
		Input:     sub.Input,
		Path:      sub.Path,
		Committed: intent.Views(sub.Committed),
	}
	if err != nil {
		result.Error = err.Error()
	}
	body, err := json.Marshal(result)
	if err != nil {
		h.logger.Warn("encode submit result failed", "request_id", requestID, "error", err)
		return
	}
	if err := h.send(TopicSubmitResult(h.cfg.TopicPrefix, requestID), body); err != nil {
		h.logger.Warn("publish submit result failed", "request_id", requestID, "error", err)
	}
}

// PublishEvent reports one activation, cleanup or commit.
func (h *Hub) PublishEvent(kind string, call intent.Call, input string) {
	event := domain.LifecycleEvent{
		EventID:    uuid.NewString(),
		Kind:       kind,
		CallID:     call.ID,
		Intent:     call.Name,
		Parameters: call.RawParameters(),
		Input:      input,
		TS:         time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("encode lifecycle event failed", "intent", call.Name, "error", err)
		return
	}
	if err := h.send(TopicIntentEvent(h.cfg.TopicPrefix, call.Name, kind), body); err != nil {
		h.logger.Warn("publish lifecycle event failed", "intent", call.Name, "kind", kind, "error", err)
	}
}

func (h *Hub) publish(topic string, payload []byte) error {
	if h.client == nil {
		return fmt.Errorf("mqtt hub not started")
	}
	token := h.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}
