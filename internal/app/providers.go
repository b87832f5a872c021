package app

import (
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/aily/internal/assistant"
	"github.com/MrWong99/aily/internal/chat"
	"github.com/MrWong99/aily/internal/config"
	"github.com/MrWong99/aily/internal/resilience"
	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/provider/llm"
	"github.com/MrWong99/aily/pkg/provider/stt"
	"github.com/MrWong99/aily/pkg/provider/tts"
)

// Providers holds the collaborators the application is assembled from.
// STT and TTS may be nil when not configured. Populated by main.go via
// [BuildProviders].
type Providers struct {
	// LLM builds the language model backend for the current settings. It is
	// called again whenever key, server or model change.
	LLM chat.ProviderFactory

	STT    stt.Provider
	TTS    tts.Provider
	Device audio.Device
}

// BuildOption configures [BuildProviders].
type BuildOption func(*buildOptions)

type buildOptions struct {
	clock clockwork.Clock
	log   *slog.Logger
}

// WithBreakerClock sets the clock driving the circuit breakers.
func WithBreakerClock(c clockwork.Clock) BuildOption {
	return func(o *buildOptions) { o.clock = c }
}

// WithBreakerLogger sets the logger receiving circuit breaker transitions.
func WithBreakerLogger(l *slog.Logger) BuildOption {
	return func(o *buildOptions) { o.log = l }
}

// BuildProviders instantiates every configured provider from reg. Providers
// with fallbacks are wrapped in a [resilience] fallback group so a failing
// primary is bypassed until its circuit breaker closes again.
//
// The LLM factory is invoked once with the configured settings so that an
// unknown provider name fails here rather than on the first question.
func BuildProviders(cfg *config.Config, reg *config.Registry, opts ...BuildOption) (*Providers, error) {
	o := buildOptions{clock: clockwork.NewRealClock(), log: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	fb := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout(),
		Clock:        o.clock,
		Logger:       o.log,
	}}

	p := &Providers{}

	dev, err := reg.CreateDevice(cfg.Providers.Device)
	if err != nil {
		return nil, fmt.Errorf("app: device: %w", err)
	}
	p.Device = dev

	if e := cfg.Providers.STT; e.Name != "" {
		primary, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("app: stt: %w", err)
		}
		group := resilience.NewSTTFallback(primary, e.Name, fb)
		for _, fe := range e.Fallbacks {
			alt, err := reg.CreateSTT(fe)
			if err != nil {
				return nil, fmt.Errorf("app: stt fallback %q: %w", fe.Name, err)
			}
			group.AddFallback(fe.Name, alt)
		}
		p.STT = group
	}

	if e := cfg.Providers.TTS; e.Name != "" {
		primary, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("app: tts: %w", err)
		}
		group := resilience.NewTTSFallback(primary, e.Name, fb)
		for _, fe := range e.Fallbacks {
			alt, err := reg.CreateTTS(fe)
			if err != nil {
				return nil, fmt.Errorf("app: tts fallback %q: %w", fe.Name, err)
			}
			group.AddFallback(fe.Name, alt)
		}
		p.TTS = group
	}

	p.LLM = llmFactory(cfg.Providers.LLM, reg, fb)
	if _, err := p.LLM(LLMSettings(cfg)); err != nil {
		return nil, err
	}
	return p, nil
}

// llmFactory returns a factory that builds the configured LLM with the
// key, server and model overridden by the current settings, followed by its
// fallbacks. Fallbacks keep their own configured credentials.
func llmFactory(entry config.ProviderEntry, reg *config.Registry, fb resilience.FallbackConfig) chat.ProviderFactory {
	return func(s assistant.LLMSettings) (llm.Provider, error) {
		e := entry
		e.APIKey = s.Key
		e.BaseURL = s.Server
		if s.Model != "" {
			e.Model = s.Model
		}
		primary, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("app: llm: %w", err)
		}
		group := resilience.NewLLMFallback(primary, e.Name, fb)
		for _, fe := range entry.Fallbacks {
			alt, err := reg.CreateLLM(fe)
			if err != nil {
				return nil, fmt.Errorf("app: llm fallback %q: %w", fe.Name, err)
			}
			group.AddFallback(fe.Name, alt)
		}
		return group, nil
	}
}

// LLMSettings returns the initial generation settings described by cfg.
func LLMSettings(cfg *config.Config) assistant.LLMSettings {
	s := assistant.LLMSettings{
		Key:       cfg.Providers.LLM.APIKey,
		Server:    cfg.Providers.LLM.BaseURL,
		Model:     cfg.Providers.LLM.Model,
		PrePrompt: cfg.LLM.PrePrompt,
		MaxTokens: cfg.LLM.MaxTokens,
	}
	if cfg.LLM.Temperature != nil {
		s.Temperature = *cfg.LLM.Temperature
	}
	return s
}
