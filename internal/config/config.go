// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the aily voice assistant.
package config

import (
	"fmt"
	"strconv"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler used for console output.
type LogFormat string

const (
	// LogFormatText uses slog's logfmt-style TextHandler.
	LogFormatText LogFormat = "text"

	// LogFormatJSON uses slog's JSONHandler.
	LogFormatJSON LogFormat = "json"

	// LogFormatTint uses the colourised tint handler for interactive terminals.
	LogFormatTint LogFormat = "tint"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	switch f {
	case LogFormatText, LogFormatJSON, LogFormatTint:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Assistant  AssistantConfig  `yaml:"assistant"`
	LLM        LLMConfig        `yaml:"llm"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	// It serves /healthz, /readyz, /metrics and, for the websocket device, /device.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects the console log handler.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AssistantConfig configures the orchestration core.
type AssistantConfig struct {
	// ConversationMode is "single" or "multi".
	ConversationMode string `yaml:"conversation_mode"`

	// ExpirySeconds is the idle time after which the chat history is cleared.
	ExpirySeconds int `yaml:"expiry_seconds"`

	// RootPath is the directory holding the materialized filler clips.
	RootPath string `yaml:"root_path"`

	// InvalidWords is played when the user said nothing intelligible. It is
	// either a path to an audio file or a phrase to synthesise.
	InvalidWords string `yaml:"invalid_words"`

	WaitWords WaitWordsConfig `yaml:"wait_words"`
}

// Expiry returns ExpirySeconds as a duration.
func (a AssistantConfig) Expiry() time.Duration {
	return time.Duration(a.ExpirySeconds) * time.Second
}

// WaitWordsConfig configures the filler clips played while an answer is pending.
type WaitWordsConfig struct {
	// Sources are audio file paths or phrases to synthesise.
	Sources []string `yaml:"sources"`

	// AutoPlay plays a random filler after every recording. Defaults to true.
	AutoPlay *bool `yaml:"auto_play"`

	// LoopPlay asks the device to repeat the filler until the answer arrives.
	LoopPlay bool `yaml:"loop_play"`
}

// LLMConfig holds the generation settings that are not tied to a provider.
// Key, server and model come from providers.llm.
type LLMConfig struct {
	Temperature *float64 `yaml:"temperature"`
	PrePrompt   string   `yaml:"pre_prompt"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// ProvidersConfig declares which implementation to use for each collaborator.
// Each field selects a named factory registered in the [Registry].
type ProvidersConfig struct {
	LLM    ProviderEntry `yaml:"llm"`
	STT    ProviderEntry `yaml:"stt"`
	TTS    ProviderEntry `yaml:"tts"`
	Device ProviderEntry `yaml:"device"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails. Only honoured
	// for llm, stt and tts.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// OptString returns Options[key] as a string, or def when absent.
func (e ProviderEntry) OptString(key, def string) string {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// OptInt returns Options[key] as an int, or def when absent or not numeric.
func (e ProviderEntry) OptInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// OptFloat returns Options[key] as a float64, or def when absent or not numeric.
func (e ProviderEntry) OptFloat(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// OptBool returns Options[key] as a bool, or def when absent.
func (e ProviderEntry) OptBool(key string, def bool) bool {
	switch v := e.Options[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// ResilienceConfig tunes the circuit breakers wrapped around every provider.
type ResilienceConfig struct {
	MaxFailures         int `yaml:"max_failures"`
	ResetTimeoutSeconds int `yaml:"reset_timeout_seconds"`
}

// ResetTimeout returns ResetTimeoutSeconds as a duration.
func (r ResilienceConfig) ResetTimeout() time.Duration {
	return time.Duration(r.ResetTimeoutSeconds) * time.Second
}
