// Package assistant is the orchestration core of the voice device runtime.
//
// An [Assistant] owns the event bus and three queues. The device pushes the
// events it raises onto the inbound queue and plays clips from the outbound
// queue. Two dispatch loops connect everything else:
//
//   - the event loop drains the inbound queue, plays a wait-word filler
//     when a recording ends, and republishes each event on the bus;
//   - the LLM loop drains the invocation queue one request at a time and
//     publishes invoke-start and invoke-end around every model call.
//
// Application code subscribes to the bus (speech-to-text on record-end,
// text-to-speech on invoke-end) and calls back into [Assistant.SendMessage]
// and [Assistant.Play]. The core never calls the speech providers itself,
// except to render text filler sources during [Assistant.Init].
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aily/internal/bus"
	"github.com/MrWong99/aily/internal/observe"
	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/queue"
	"github.com/MrWong99/aily/pkg/types"
)

// Sentinel errors.
var (
	ErrNotInitialized     = errors.New("assistant: not initialized")
	ErrAlreadyInitialized = errors.New("assistant: already initialized")
	ErrAlreadyRunning     = errors.New("assistant: already running")
	ErrDeviceInit         = errors.New("assistant: device init failed")
	ErrLLMInit            = errors.New("assistant: llm init failed")
)

// Queue names used as metric attributes.
const (
	queueEvents      = "events"
	queueInvocations = "invocations"
	queueClips       = "clips"
)

// Assistant coordinates the device, the LLM collaborator and the application
// subscribers. Create it with [New], then call [Assistant.Init] and
// [Assistant.Run].
type Assistant struct {
	device audio.Device
	newLLM LLMFactory
	tts    Synthesizer

	bus         *bus.Bus
	events      *queue.Queue[types.Event]
	invocations *queue.Queue[types.Invocation]
	clips       *queue.Queue[types.AudioClip]

	fs      afero.Fs
	clock   clockwork.Clock
	log     *slog.Logger
	metrics *observe.Metrics
	intn    func(n int) int

	// initMu serialises Init so the slow filler rendering does not block
	// the setters guarded by mu.
	initMu sync.Mutex

	mu           sync.Mutex
	cfg          Config
	llm          LLM
	customInvoke InvokeFunc
	initialized  bool
	fillersReset bool
	waitWords    []types.AudioClip
	invalid      *types.AudioClip

	// convMu guards the expiry check-and-reset in SendMessage.
	convMu       sync.Mutex
	lastActivity time.Time

	running atomic.Bool
}

// Option configures an [Assistant].
type Option func(*Assistant)

// WithFs sets the filesystem used for filler sources and materialized clips.
// Default: the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(a *Assistant) { a.fs = fs }
}

// WithClock sets the clock used for conversation expiry.
func WithClock(c clockwork.Clock) Option {
	return func(a *Assistant) { a.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Assistant) { a.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assistant) { a.metrics = m }
}

// WithRand replaces the random index source used to pick wait words.
// fn must return a value in [0, n).
func WithRand(fn func(n int) int) Option {
	return func(a *Assistant) { a.intn = fn }
}

// WithBus uses b instead of a fresh bus.
func WithBus(b *bus.Bus) Option {
	return func(a *Assistant) { a.bus = b }
}

// New creates an assistant. device and newLLM are required; tts may be nil,
// in which case text filler sources are skipped with a warning.
func New(cfg Config, device audio.Device, newLLM LLMFactory, tts Synthesizer, opts ...Option) (*Assistant, error) {
	if device == nil {
		return nil, errors.New("assistant: device is required")
	}
	if newLLM == nil {
		return nil, errors.New("assistant: llm factory is required")
	}
	cfg = cfg.withDefaults()
	if !cfg.ConversationMode.IsValid() {
		return nil, fmt.Errorf("assistant: invalid conversation mode %q", cfg.ConversationMode)
	}

	a := &Assistant{
		device:      device,
		newLLM:      newLLM,
		tts:         tts,
		events:      queue.New[types.Event](),
		invocations: queue.New[types.Invocation](),
		clips:       queue.New[types.AudioClip](),
		fs:          afero.NewOsFs(),
		clock:       clockwork.NewRealClock(),
		log:         slog.Default(),
		intn:        rand.IntN,
		cfg:         cfg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.bus == nil {
		a.bus = bus.New(bus.WithLogger(a.log), bus.WithMetrics(a.metrics))
	}
	a.lastActivity = a.clock.Now()
	return a, nil
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Init prepares the assistant, strictly in this order: the device is given
// the conversation mode and initialised, the LLM collaborator is built and
// configured, and every filler source is materialized. Device and LLM
// failures abort startup; filler problems are only logged.
func (a *Assistant) Init(ctx context.Context) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if a.Initialized() {
		return ErrAlreadyInitialized
	}

	a.mu.Lock()
	cfg := a.cfg
	custom := a.customInvoke
	a.mu.Unlock()

	// ── 1. Device ────────────────────────────────────────────────────────
	a.device.SetConversationMode(cfg.ConversationMode)
	if err := a.device.Init(ctx, a.ports()); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceInit, err)
	}

	// ── 2. LLM ───────────────────────────────────────────────────────────
	model, err := a.newLLM()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLLMInit, err)
	}
	if model == nil {
		return fmt.Errorf("%w: factory returned nil", ErrLLMInit)
	}
	applySettings(model, cfg.LLM)
	if custom != nil {
		model.SetCustomInvoke(custom)
	}

	// ── 3. Fillers ───────────────────────────────────────────────────────
	waitWords, invalid := a.materialize(ctx, cfg)

	a.mu.Lock()
	a.llm = model
	a.waitWords = waitWords
	a.invalid = invalid
	a.initialized = true
	a.mu.Unlock()

	a.log.Info("assistant initialized",
		"conversation_mode", string(cfg.ConversationMode),
		"model", cfg.LLM.Model,
		"wait_words", len(waitWords),
		"invalid_words", invalid != nil,
	)
	return nil
}

// Run starts both dispatch loops and the device, then blocks until the device
// stops. The loops are stopped and joined before Run returns. Cancelling ctx
// is a clean shutdown and returns nil.
func (a *Assistant) Run(ctx context.Context) error {
	if !a.Initialized() {
		return ErrNotInitialized
	}
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { a.eventLoop(gctx); return nil })
	g.Go(func() error { a.llmLoop(gctx); return nil })

	if err := a.device.Start(runCtx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("assistant: start device: %w", err)
	}
	a.log.Info("assistant running")

	joinErr := a.device.Join()
	cancel()
	_ = g.Wait()
	a.drain()

	if ctx.Err() != nil || joinErr == nil || errors.Is(joinErr, context.Canceled) {
		a.log.Info("assistant stopped")
		return nil
	}
	return fmt.Errorf("assistant: device stopped: %w", joinErr)
}

// Initialized reports whether Init completed successfully.
func (a *Assistant) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized
}

// ─── Subscribers ─────────────────────────────────────────────────────────────

// Bus returns the event bus application subscribers register on.
func (a *Assistant) Bus() *bus.Bus { return a.bus }

// Subscribe registers h for events of kind. See [bus.Bus.Subscribe].
func (a *Assistant) Subscribe(kind types.EventKind, h bus.Handler) (*bus.Subscription, error) {
	return a.bus.Subscribe(kind, h)
}

// ─── Settings ────────────────────────────────────────────────────────────────

// Settings returns the current LLM settings.
func (a *Assistant) Settings() LLMSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.LLM
}

// SetKey sets the LLM API key.
func (a *Assistant) SetKey(key string) {
	a.updateLLM(func(s *LLMSettings) { s.Key = key }, func(m LLM) { m.SetKey(key) })
}

// SetModel sets the LLM model name.
func (a *Assistant) SetModel(model string) {
	a.updateLLM(func(s *LLMSettings) { s.Model = model }, func(m LLM) { m.SetModel(model) })
}

// SetServer sets the LLM server URL.
func (a *Assistant) SetServer(url string) {
	a.updateLLM(func(s *LLMSettings) { s.Server = url }, func(m LLM) { m.SetServer(url) })
}

// SetTemp sets the sampling temperature.
func (a *Assistant) SetTemp(t float64) {
	a.updateLLM(func(s *LLMSettings) { s.Temperature = t }, func(m LLM) { m.SetTemp(t) })
}

// SetPrePrompt sets the system prompt.
func (a *Assistant) SetPrePrompt(p string) {
	a.updateLLM(func(s *LLMSettings) { s.PrePrompt = p }, func(m LLM) { m.SetPrePrompt(p) })
}

// SetMaxTokens sets the answer token budget.
func (a *Assistant) SetMaxTokens(n int) {
	a.updateLLM(func(s *LLMSettings) { s.MaxTokens = n }, func(m LLM) { m.SetMaxTokens(n) })
}

// SetCustomLLMInvoke installs fn in place of the LLM backend call. It takes
// effect immediately when the LLM was already built, otherwise during Init.
func (a *Assistant) SetCustomLLMInvoke(fn InvokeFunc) {
	a.mu.Lock()
	a.customInvoke = fn
	model := a.llm
	a.mu.Unlock()
	if model != nil {
		model.SetCustomInvoke(fn)
	}
}

// SetConversationMode sets the mode handed to the device during Init.
func (a *Assistant) SetConversationMode(m types.ConversationMode) error {
	if !m.IsValid() {
		return fmt.Errorf("assistant: invalid conversation mode %q", m)
	}
	a.mu.Lock()
	a.cfg.ConversationMode = m
	a.mu.Unlock()
	return nil
}

// SetExpiry sets the conversation expiry.
func (a *Assistant) SetExpiry(d time.Duration) {
	a.mu.Lock()
	a.cfg.Expiry = d
	a.mu.Unlock()
}

// SetWaitWordsAutoPlay enables or disables the filler on record-end.
func (a *Assistant) SetWaitWordsAutoPlay(on bool) {
	a.mu.Lock()
	a.cfg.WaitWordsAutoPlay = on
	a.mu.Unlock()
}

// SetWaitWordsLoopPlay enables or disables looping of the filler clip.
func (a *Assistant) SetWaitWordsLoopPlay(on bool) {
	a.mu.Lock()
	a.cfg.WaitWordsLoopPlay = on
	a.mu.Unlock()
}

// SetRootPath sets the directory materialized clips are written to.
func (a *Assistant) SetRootPath(p string) {
	a.mu.Lock()
	a.cfg.RootPath = p
	a.mu.Unlock()
}

// SetInvalidWords sets the source of the clip played for empty input. It is
// materialized during Init.
func (a *Assistant) SetInvalidWords(source string) {
	a.mu.Lock()
	a.cfg.InvalidWords = source
	a.mu.Unlock()
}

func (a *Assistant) updateLLM(set func(*LLMSettings), forward func(LLM)) {
	a.mu.Lock()
	set(&a.cfg.LLM)
	model := a.llm
	a.mu.Unlock()
	if model != nil {
		forward(model)
	}
}

func applySettings(m LLM, s LLMSettings) {
	m.SetKey(s.Key)
	m.SetServer(s.Server)
	m.SetModel(s.Model)
	m.SetTemp(s.Temperature)
	m.SetPrePrompt(s.PrePrompt)
	m.SetMaxTokens(s.MaxTokens)
}

func (a *Assistant) config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}
