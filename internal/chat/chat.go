// Package chat implements the LLM collaborator of the assistant: it keeps
// the generation settings and the multi-turn chat history, and turns each
// user text into a completion request for an [llm.Provider].
//
// The provider is built from the current settings by a [ProviderFactory].
// Changing the key, server or model marks it stale; it is rebuilt on the
// next Generate call.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/aily/internal/assistant"
	"github.com/MrWong99/aily/internal/observe"
	"github.com/MrWong99/aily/pkg/provider/llm"
)

// ErrEmptyAnswer is returned when the backend produced no text.
var ErrEmptyAnswer = errors.New("chat: empty answer")

// ProviderFactory builds an LLM provider for the given settings.
type ProviderFactory func(settings assistant.LLMSettings) (llm.Provider, error)

// Static returns a factory that always hands out p, regardless of the
// settings. Used when the provider was already built from the config file.
func Static(p llm.Provider) ProviderFactory {
	return func(assistant.LLMSettings) (llm.Provider, error) { return p, nil }
}

// Option configures a [Chat].
type Option func(*Chat)

// WithSingleTurn sends every request without history. Mirrors the
// "single" conversation mode.
func WithSingleTurn() Option {
	return func(c *Chat) { c.singleTurn = true }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(c *Chat) { c.name = name }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Chat) { c.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Chat) { c.metrics = m }
}

// Chat is a conversation with a language model. It is safe for concurrent
// use.
type Chat struct {
	factory ProviderFactory
	name    string
	log     *slog.Logger
	metrics *observe.Metrics

	mu         sync.Mutex
	settings   assistant.LLMSettings
	singleTurn bool
	custom     assistant.InvokeFunc
	backend    llm.Provider
	stale      bool
	history    []llm.Message

	// epoch increments on every clear so an answer that was in flight during
	// ClearChatRecords is not added to the new conversation.
	epoch uint64
}

var _ assistant.LLM = (*Chat)(nil)

// New creates a chat. factory must not be nil.
func New(factory ProviderFactory, opts ...Option) *Chat {
	c := &Chat{
		factory: factory,
		name:    "llm",
		log:     slog.Default(),
		stale:   true,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// SetSingleTurn switches between sending the whole history ("multi"
// conversation mode) and sending only the current question.
func (c *Chat) SetSingleTurn(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.singleTurn = on
}

// SetKey implements [assistant.LLM].
func (c *Chat) SetKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings.Key != key {
		c.settings.Key = key
		c.stale = true
	}
}

// SetModel implements [assistant.LLM].
func (c *Chat) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings.Model != model {
		c.settings.Model = model
		c.stale = true
	}
}

// SetServer implements [assistant.LLM].
func (c *Chat) SetServer(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings.Server != url {
		c.settings.Server = url
		c.stale = true
	}
}

// SetTemp implements [assistant.LLM].
func (c *Chat) SetTemp(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Temperature = t
}

// SetPrePrompt implements [assistant.LLM].
func (c *Chat) SetPrePrompt(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.PrePrompt = p
}

// SetMaxTokens implements [assistant.LLM].
func (c *Chat) SetMaxTokens(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.MaxTokens = n
}

// SetCustomInvoke implements [assistant.LLM].
func (c *Chat) SetCustomInvoke(fn assistant.InvokeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom = fn
}

// ClearChatRecords implements [assistant.LLM].
func (c *Chat) ClearChatRecords() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.epoch++
}

// History returns a copy of the conversation so far.
func (c *Chat) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// Generate answers text. On success the user turn and the answer are added
// to the history; on failure the history is left untouched.
func (c *Chat) Generate(ctx context.Context, text string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "chat.generate",
		trace.WithAttributes(attribute.String("llm.provider", c.name)))
	defer span.End()

	c.mu.Lock()
	settings := c.settings
	custom := c.custom
	epoch := c.epoch
	single := c.singleTurn
	var history []llm.Message
	if !single {
		history = slices.Clone(c.history)
	}
	var backend llm.Provider
	var err error
	if custom == nil {
		backend, err = c.backendLocked()
	}
	c.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("llm.model", settings.Model), attribute.Bool("llm.custom", custom != nil))

	var answer string
	if custom != nil {
		answer, err = custom(ctx, assistant.InvokeRequest{Text: text, Settings: settings, History: history})
	} else {
		answer, err = c.complete(ctx, backend, settings, history, text)
	}
	if err == nil && answer == "" {
		err = ErrEmptyAnswer
	}
	if err != nil {
		c.metrics.RecordProviderRequest(ctx, c.name, "llm", "error")
		c.metrics.RecordProviderError(ctx, c.name, "llm")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	c.metrics.RecordProviderRequest(ctx, c.name, "llm", "ok")

	if !single {
		c.mu.Lock()
		if c.epoch == epoch {
			c.history = append(c.history,
				llm.Message{Role: llm.RoleUser, Content: text},
				llm.Message{Role: llm.RoleAssistant, Content: answer},
			)
		}
		c.mu.Unlock()
	}
	return answer, nil
}

func (c *Chat) complete(ctx context.Context, backend llm.Provider, s assistant.LLMSettings, history []llm.Message, text string) (string, error) {
	req := llm.CompletionRequest{
		Messages:     append(history, llm.Message{Role: llm.RoleUser, Content: text}),
		SystemPrompt: s.PrePrompt,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
	}
	resp, err := backend.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat: complete: %w", err)
	}
	if resp == nil {
		return "", ErrEmptyAnswer
	}
	observe.LoggerFrom(ctx, c.log).Debug("chat: completion done",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Content, nil
}

// backendLocked returns the provider, rebuilding it when the settings it was
// built from changed. Callers hold c.mu.
func (c *Chat) backendLocked() (llm.Provider, error) {
	if c.backend != nil && !c.stale {
		return c.backend, nil
	}
	p, err := c.factory(c.settings)
	if err != nil {
		return nil, fmt.Errorf("chat: build provider: %w", err)
	}
	if p == nil {
		return nil, errors.New("chat: build provider: factory returned nil")
	}
	c.backend = p
	c.stale = false
	c.log.Debug("chat: provider built", "provider", c.name, "model", c.settings.Model)
	return p, nil
}
