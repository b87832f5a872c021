package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/aily/pkg/types"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":    {"whisper", "custom", "openai"},
	"tts":    {"coqui", "openai"},
	"device": {"websocket", "serial"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultExpirySeconds    = 300
	DefaultTemperature      = 0.5
	DefaultMaxTokens        = 16384
	DefaultDevice           = "websocket"
	DefaultConversationMode = string(types.ConversationMulti)
)

// Load reads the YAML configuration file at path from the OS filesystem.
func Load(path string) (*Config, error) {
	return LoadFile(afero.NewOsFs(), path)
}

// LoadFile reads and validates the YAML configuration file at path on fs.
func LoadFile(fs afero.Fs, path string) (*Config, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envRef matches ${NAME} and ${NAME:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${NAME} with the value of the environment variable NAME
// and ${NAME:-default} with default when NAME is unset or empty. A bare $ is
// left alone so prompts may contain dollar signs.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v := os.Getenv(string(sub[1])); v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Assistant.ConversationMode == "" {
		cfg.Assistant.ConversationMode = DefaultConversationMode
	}
	if cfg.Assistant.ExpirySeconds == 0 {
		cfg.Assistant.ExpirySeconds = DefaultExpirySeconds
	}
	if cfg.Assistant.RootPath == "" {
		cfg.Assistant.RootPath = os.TempDir()
	}
	if cfg.Assistant.WaitWords.AutoPlay == nil {
		on := true
		cfg.Assistant.WaitWords.AutoPlay = &on
	}
	if cfg.LLM.Temperature == nil {
		t := DefaultTemperature
		cfg.LLM.Temperature = &t
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = DefaultMaxTokens
	}
	if cfg.Providers.Device.Name == "" {
		cfg.Providers.Device.Name = DefaultDevice
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found and logs
// warnings for configurations that work but are probably not intended.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json, tint", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Assistant
	if cfg.Assistant.ConversationMode != "" {
		if _, err := types.ParseConversationMode(cfg.Assistant.ConversationMode); err != nil {
			errs = append(errs, fmt.Errorf("assistant.conversation_mode %q is invalid; valid values: single, multi", cfg.Assistant.ConversationMode))
		}
	}
	if cfg.Assistant.ExpirySeconds < 0 {
		errs = append(errs, fmt.Errorf("assistant.expiry_seconds %d must not be negative", cfg.Assistant.ExpirySeconds))
	}
	autoPlay := cfg.Assistant.WaitWords.AutoPlay == nil || *cfg.Assistant.WaitWords.AutoPlay
	if autoPlay && len(cfg.Assistant.WaitWords.Sources) == 0 {
		slog.Warn("assistant.wait_words.auto_play is on but no sources are configured; no filler will be played")
	}

	// LLM settings
	if t := cfg.LLM.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", *t))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	errs = append(errs, validateEntry("llm", "providers.llm", cfg.Providers.LLM)...)
	errs = append(errs, validateEntry("stt", "providers.stt", cfg.Providers.STT)...)
	errs = append(errs, validateEntry("tts", "providers.tts", cfg.Providers.TTS)...)
	validateProviderName("device", cfg.Providers.Device.Name)
	if cfg.Providers.Device.Name == "serial" && cfg.Providers.Device.OptString("port", "") == "" {
		errs = append(errs, errors.New("providers.device.options.port is required for the serial device"))
	}
	if len(cfg.Providers.Device.Fallbacks) > 0 {
		errs = append(errs, errors.New("providers.device.fallbacks is not supported"))
	}

	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; recordings will not be transcribed")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; answers will not be spoken and text fillers cannot be synthesised")
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout_seconds %d must not be negative", cfg.Resilience.ResetTimeoutSeconds))
	}

	return errors.Join(errs...)
}

// validateEntry checks an entry and its fallbacks.
func validateEntry(kind, path string, e ProviderEntry) []error {
	var errs []error
	validateProviderName(kind, e.Name)
	if e.Name == "" && len(e.Fallbacks) > 0 {
		errs = append(errs, fmt.Errorf("%s.fallbacks given without a primary name", path))
	}
	for i, fb := range e.Fallbacks {
		fbPath := fmt.Sprintf("%s.fallbacks[%d]", path, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", fbPath))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks must not be nested", fbPath))
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
