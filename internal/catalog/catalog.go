// Package catalog loads intent declarations from YAML and binds them to the
// event publisher and the commit journal.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"intentflow/internal/domain"
	"intentflow/internal/intent"
)

type Catalog struct {
	Instructions string         `yaml:"instructions"`
	Context      map[string]any `yaml:"context"`
	Intents      []IntentDef    `yaml:"intents"`
	Fallback     *FallbackDef   `yaml:"fallback"`
}

type IntentDef struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Schema      map[string]any `yaml:"schema"`
}

type FallbackDef struct {
	Description string `yaml:"description"`
}

func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if len(cat.Intents) == 0 {
		return Catalog{}, fmt.Errorf("catalog declares no intents")
	}
	seen := make(map[string]bool, len(cat.Intents))
	for _, def := range cat.Intents {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return Catalog{}, fmt.Errorf("catalog intent without name")
		}
		if seen[name] {
			return Catalog{}, fmt.Errorf("catalog declares %q twice", name)
		}
		seen[name] = true
	}
	return cat, nil
}

// EventSink receives lifecycle events.
type EventSink interface {
	PublishEvent(kind string, call intent.Call, input string)
}

// Journal records committed calls.
type Journal interface {
	SaveCommit(ctx context.Context, callID, intentName string, params json.RawMessage, input string) error
}

type Sinks struct {
	Events  EventSink
	Journal Journal
	Logger  *slog.Logger
}

// Bind registers every catalog intent, and the fallback when declared, with
// callbacks that forward to sinks. Nil sinks are skipped.
func Bind(reg *intent.Registry, cat Catalog, sinks Sinks) error {
	logger := sinks.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, def := range cat.Intents {
		schema, err := schemaOf(def)
		if err != nil {
			return err
		}
		decl := declaration(def.Description, sinks, logger)
		decl.Schema = schema
		if err := reg.Register(def.Name, decl); err != nil {
			return err
		}
	}
	if cat.Fallback != nil {
		reg.RegisterFallback(declaration(cat.Fallback.Description, sinks, logger))
	}
	return nil
}

func schemaOf(def IntentDef) (intent.Schema, error) {
	var raw json.RawMessage
	if def.Schema != nil {
		b, err := json.Marshal(def.Schema)
		if err != nil {
			return nil, fmt.Errorf("intent %s: encode schema: %w", def.Name, err)
		}
		raw = b
	}
	schema, err := intent.RawSchema(raw)
	if err != nil {
		return nil, fmt.Errorf("intent %s: %w", def.Name, err)
	}
	return schema, nil
}

func declaration(description string, sinks Sinks, logger *slog.Logger) intent.Declaration {
	publish := func(kind string, call intent.Call, input string) {
		if sinks.Events != nil {
			sinks.Events.PublishEvent(kind, call, input)
		}
	}
	return intent.Declaration{
		Description: description,
		OnActivate: func(call intent.Call, input string) func() {
			publish(domain.EventActivate, call, input)
			return nil
		},
		OnCleanup: func(call intent.Call, input string) {
			publish(domain.EventCleanup, call, input)
		},
		OnCommit: func(call intent.Call, input string) {
			publish(domain.EventCommit, call, input)
			if sinks.Journal == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sinks.Journal.SaveCommit(ctx, call.ID, call.Name, call.RawParameters(), input); err != nil {
				logger.Warn("journal commit failed", "intent", call.Name, "call_id", call.ID, "error", err)
			}
		},
	}
}
