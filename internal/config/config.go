package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	HTTPAddr          string
	DBDSN             string
	CatalogPath       string
	Instructions      string
	DebounceDelay     time.Duration
	KeepInputOnSubmit bool
	MQTTBrokerURL     string
	MQTTClientID      string
	MQTTUsername      string
	MQTTPassword      string
	MQTTTopicPrefix   string
	LLMProvider       string
	LLMModel          string
	LLMTextMode       bool
	LLMTimeout        time.Duration
	OpenAIBaseURL     string
	OpenAIAPIKey      string
	AnthropicBaseURL  string
	AnthropicAPIKey   string
	GeminiBaseURL     string
	GeminiAPIKey      string
	IntentFilterURL   string
}

// LoadServerConfig reads .env (when present) and the environment.
func LoadServerConfig() (ServerConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ServerConfig{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := ServerConfig{
		HTTPAddr:          getenvDefault("INTENTFLOW_HTTP_ADDR", ":9020"),
		DBDSN:             os.Getenv("DB_DSN"),
		CatalogPath:       getenvDefault("INTENT_CATALOG", "intents.yaml"),
		Instructions:      os.Getenv("INTENT_INSTRUCTIONS"),
		DebounceDelay:     time.Duration(getenvIntDefault("DEBOUNCE_MS", 300)) * time.Millisecond,
		KeepInputOnSubmit: getenvBoolDefault("KEEP_INPUT_ON_SUBMIT", false),
		MQTTBrokerURL:     os.Getenv("MQTT_BROKER_URL"),
		MQTTClientID:      getenvDefault("INTENTFLOW_MQTT_CLIENT_ID", "intentflow-server"),
		MQTTUsername:      os.Getenv("MQTT_USERNAME"),
		MQTTPassword:      os.Getenv("MQTT_PASSWORD"),
		MQTTTopicPrefix:   getenvDefault("MQTT_TOPIC_PREFIX", "intentflow"),
		LLMProvider:       strings.ToLower(getenvDefault("LLM_PROVIDER", "openai")),
		LLMModel:          getenvDefault("LLM_MODEL", "gpt-4o-mini"),
		LLMTextMode:       getenvBoolDefault("LLM_TEXT_MODE", false),
		LLMTimeout:        time.Duration(getenvIntDefault("LLM_TIMEOUT_SECONDS", 60)) * time.Second,
		OpenAIBaseURL:     getenvDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		AnthropicBaseURL:  getenvDefault("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		GeminiBaseURL:     os.Getenv("GEMINI_BASE_URL"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		IntentFilterURL:   strings.TrimRight(os.Getenv("INTENT_FILTER_BASE_URL"), "/"),
	}

	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return ServerConfig{}, fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
	case "claude":
		if cfg.AnthropicAPIKey == "" {
			return ServerConfig{}, fmt.Errorf("ANTHROPIC_API_KEY is required when LLM_PROVIDER=claude")
		}
	case "gemini":
	case "filter":
		if cfg.IntentFilterURL == "" {
			return ServerConfig{}, fmt.Errorf("INTENT_FILTER_BASE_URL is required when LLM_PROVIDER=filter")
		}
	default:
		return ServerConfig{}, fmt.Errorf("unsupported LLM_PROVIDER: %s", cfg.LLMProvider)
	}
	if cfg.LLMTextMode && cfg.LLMProvider != "openai" {
		return ServerConfig{}, fmt.Errorf("LLM_TEXT_MODE requires LLM_PROVIDER=openai")
	}

	return cfg, nil
}

func getenvDefault(key, val string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return val
}

func getenvIntDefault(key string, val int) int {
	v := os.Getenv(key)
	if v == "" {
		return val
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return val
	}
	return n
}

func getenvBoolDefault(key string, val bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return val
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return val
	}
	return b
}
