package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"intentflow/internal/catalog"
	"intentflow/internal/config"
	"intentflow/internal/controller"
	"intentflow/internal/db"
	"intentflow/internal/httpapi"
	"intentflow/internal/intent"
	"intentflow/internal/llm"
	"intentflow/internal/mqtt"
	"intentflow/internal/session"
	"intentflow/internal/textcall"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Error("load catalog failed", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}

	sinks := catalog.Sinks{Logger: logger}
	var commits httpapi.CommitLister
	if cfg.DBDSN != "" {
		store, err := db.New(ctx, cfg.DBDSN)
		if err != nil {
			logger.Error("connect db failed", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			logger.Error("migrate db failed", "error", err)
			os.Exit(1)
		}
		sinks.Journal = store
		commits = store
	} else {
		logger.Info("commit journal disabled (DB_DSN empty)")
	}

	var hub *mqtt.Hub
	if cfg.MQTTBrokerURL != "" {
		hub = mqtt.NewHub(mqtt.HubConfig{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, nil, logger)
		sinks.Events = hub
	}

	registry := intent.NewRegistry()
	if err := catalog.Bind(registry, cat, sinks); err != nil {
		logger.Error("bind catalog failed", "error", err)
		os.Exit(1)
	}

	source, err := newSource(ctx, cfg, registry, logger)
	if err != nil {
		logger.Error("init intent source failed", "error", err)
		os.Exit(1)
	}

	instructions := cat.Instructions
	if cfg.Instructions != "" {
		instructions = cfg.Instructions
	}
	runner := session.New(session.Config{
		Instructions: instructions,
		Context:      cat.Context,
		Model:        cfg.LLMModel,
		Hooks: session.Hooks{
			OnPartial: func(calls []intent.Call, input string) {
				logger.Debug("partial identification", "input", input, "calls", len(calls))
			},
		},
	}, registry, source, logger)

	ctl := controller.New(controller.Config{
		DebounceDelay:     cfg.DebounceDelay,
		KeepInputOnSubmit: cfg.KeepInputOnSubmit,
		OnLoadEnd: func(input string, err error) {
			if err != nil {
				logger.Warn("identification failed", "input", input, "error", err)
			}
		},
	}, runner, logger)
	defer ctl.Close()

	if hub != nil {
		hub.AttachInput(ctl)
		if err := hub.Start(ctx); err != nil {
			logger.Error("start mqtt hub failed", "error", err)
			os.Exit(1)
		}
		logger.Info("mqtt hub connected", "broker", cfg.MQTTBrokerURL, "prefix", cfg.MQTTTopicPrefix)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(ctl, registry, commits, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("intentflow server started", "addr", cfg.HTTPAddr, "provider", cfg.LLMProvider, "intents", len(cat.Intents))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

func newSource(ctx context.Context, cfg config.ServerConfig, registry *intent.Registry, logger *slog.Logger) (llm.Source, error) {
	if cfg.LLMTextMode {
		text := llm.NewOpenAISource(&http.Client{}, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.LLMModel).
			WithIdleTimeout(cfg.LLMTimeout)
		return textcall.NewSource(text, textcall.NewParser(registry, logger)), nil
	}
	return llm.NewSource(ctx, llm.Config{
		Provider:         strings.ToLower(cfg.LLMProvider),
		Model:            cfg.LLMModel,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
		GeminiBaseURL:    cfg.GeminiBaseURL,
		GeminiAPIKey:     cfg.GeminiAPIKey,
		FilterBaseURL:    cfg.IntentFilterURL,
		Timeout:          cfg.LLMTimeout,
	})
}
