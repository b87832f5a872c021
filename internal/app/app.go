// Package app wires all aily subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems and initialises the assistant core, Run serves HTTP and runs the
// dispatch loops until the device stops or the context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject mock providers through [Providers] and replace the
// filesystem, clock, logger or metrics with functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aily/internal/assistant"
	"github.com/MrWong99/aily/internal/bus"
	"github.com/MrWong99/aily/internal/chat"
	"github.com/MrWong99/aily/internal/config"
	"github.com/MrWong99/aily/internal/health"
	"github.com/MrWong99/aily/internal/observe"
	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/provider/llm"
	"github.com/MrWong99/aily/pkg/types"
)

// shutdownTimeout bounds the graceful HTTP server shutdown.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the voice-turn pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	fs      afero.Fs
	clock   clockwork.Clock
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics
	format  audio.Format

	// Subsystems, initialised in New and torn down in Shutdown.
	bus       *bus.Bus
	chat      *chat.Chat
	assistant *assistant.Assistant
	health    *health.Handler
	handler   http.Handler
	server    *http.Server
	subs      []*bus.Subscription

	// backend is the most recently built LLM backend, used for readiness.
	backend atomic.Pointer[llm.Provider]

	addr atomic.Value // string, set once Run is listening

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithFs sets the filesystem the wait-word clips are materialized on.
func WithFs(fs afero.Fs) Option {
	return func(a *App) { a.fs = fs }
}

// WithClock sets the clock used for conversation expiry and latency metrics.
func WithClock(c clockwork.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLogLevel hands the level variable of the active log handler to the
// app so that hot reload can change the verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via [BuildProviders]).
//
// New performs all initialisation synchronously: the assistant core is
// constructed, the pipeline subscribers are attached and [assistant.Assistant.Init]
// runs, which initialises the device and materializes the filler clips.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Device == nil {
		return nil, errors.New("app: a device is required")
	}
	if providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		fs:        afero.NewOsFs(),
		clock:     clockwork.NewRealClock(),
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.format = deviceFormat(cfg.Providers.Device)

	acfg, err := assistantConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 1. Chat ──────────────────────────────────────────────────────────
	chatOpts := []chat.Option{
		chat.WithProviderName(cfg.Providers.LLM.Name),
		chat.WithLogger(a.log),
		chat.WithMetrics(a.metrics),
	}
	if acfg.ConversationMode == types.ConversationSingle {
		chatOpts = append(chatOpts, chat.WithSingleTurn())
	}
	a.chat = chat.New(a.buildLLM, chatOpts...)

	// ── 2. Assistant core ────────────────────────────────────────────────
	a.bus = bus.New(bus.WithLogger(a.log), bus.WithMetrics(a.metrics))
	a.assistant, err = assistant.New(acfg, providers.Device,
		func() (assistant.LLM, error) { return a.chat, nil },
		providers.TTS,
		assistant.WithBus(a.bus),
		assistant.WithFs(a.fs),
		assistant.WithClock(a.clock),
		assistant.WithLogger(a.log),
		assistant.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 3. Pipeline subscribers ──────────────────────────────────────────
	if err := a.subscribe(); err != nil {
		return nil, fmt.Errorf("app: subscribe pipeline: %w", err)
	}
	a.closers = append(a.closers, func() error {
		for _, s := range a.subs {
			s.Unsubscribe()
		}
		return nil
	})

	// ── 4. Device + fillers ──────────────────────────────────────────────
	if err := a.assistant.Init(ctx); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(a.checkers()...)
	a.handler = a.routes()
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.closers = append(a.closers, a.server.Close)

	a.log.Info("app initialised",
		"device", cfg.Providers.Device.Name,
		"llm", cfg.Providers.LLM.Name,
		"stt", cfg.Providers.STT.Name,
		"tts", cfg.Providers.TTS.Name,
		"conversation_mode", acfg.ConversationMode,
		"wait_words", len(a.assistant.WaitWords()),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// assistantConfig maps the file configuration onto the core configuration.
func assistantConfig(cfg *config.Config) (assistant.Config, error) {
	mode, err := types.ParseConversationMode(cfg.Assistant.ConversationMode)
	if err != nil {
		return assistant.Config{}, err
	}
	autoPlay := true
	if cfg.Assistant.WaitWords.AutoPlay != nil {
		autoPlay = *cfg.Assistant.WaitWords.AutoPlay
	}
	return assistant.Config{
		ConversationMode:  mode,
		LLM:               LLMSettings(cfg),
		Expiry:            cfg.Assistant.Expiry(),
		WaitWords:         cfg.Assistant.WaitWords.Sources,
		WaitWordsAutoPlay: autoPlay,
		WaitWordsLoopPlay: cfg.Assistant.WaitWords.LoopPlay,
		InvalidWords:      cfg.Assistant.InvalidWords,
		RootPath:          cfg.Assistant.RootPath,
	}, nil
}

// deviceFormat returns the PCM format of the recordings the device sends.
func deviceFormat(e config.ProviderEntry) audio.Format {
	return audio.Format{
		SampleRate: e.OptInt("sample_rate", audio.SpeechFormat.SampleRate),
		Channels:   e.OptInt("channels", audio.SpeechFormat.Channels),
	}
}

// buildLLM wraps the provider factory so the latest backend is available to
// the readiness check.
func (a *App) buildLLM(s assistant.LLMSettings) (llm.Provider, error) {
	p, err := a.providers.LLM(s)
	if err != nil {
		return nil, err
	}
	a.backend.Store(&p)
	return p, nil
}

// healthReporter is implemented by the resilience fallback groups.
type healthReporter interface {
	Healthy() bool
}

func (a *App) checkers() []health.Checker {
	checks := []health.Checker{
		health.Func("device", "device not initialised", a.assistant.Initialized),
		health.Func("pipeline", "voice pipeline not subscribed", func() bool {
			return a.bus.Subscribers(types.EventRecordEnd) > 0 && a.bus.Subscribers(types.EventInvokeEnd) > 0
		}),
		health.Func("llm", "all llm circuit breakers are open", func() bool {
			p := a.backend.Load()
			if p == nil {
				return true
			}
			hr, ok := (*p).(healthReporter)
			return !ok || hr.Healthy()
		}),
	}
	if hr, ok := a.providers.STT.(healthReporter); ok {
		checks = append(checks, health.Func("stt", "all stt circuit breakers are open", hr.Healthy))
	}
	if hr, ok := a.providers.TTS.(healthReporter); ok {
		checks = append(checks, health.Func("tts", "all tts circuit breakers are open", hr.Healthy))
	}
	return checks
}

// routes builds the HTTP handler: health probes, Prometheus scraping and,
// when the device is reachable over HTTP, the device endpoint.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if h, ok := a.providers.Device.(http.Handler); ok {
		mux.Handle("/device", h)
	}
	return observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Assistant returns the orchestration core.
func (a *App) Assistant() *assistant.Assistant { return a.assistant }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the address the HTTP server listens on, or "" before Run
// started listening.
func (a *App) Addr() string {
	s, _ := a.addr.Load().(string)
	return s
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the assistant until ctx is cancelled or the
// device stops. Either one ending stops the other.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.addr.Store(ln.Addr().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.assistant.Run(gctx)
	})
	g.Go(func() error {
		return a.serve(gctx, ln)
	})

	a.log.Info("app running", "addr", ln.Addr().String())
	return g.Wait()
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfigDiff forwards hot-reloadable configuration changes to the
// running subsystems. Sections that need a restart are logged.
func (a *App) ApplyConfigDiff(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ConversationModeChanged {
		mode, err := types.ParseConversationMode(d.NewConversationMode)
		if err != nil {
			a.log.Warn("ignoring conversation mode change", "err", err)
		} else if err := a.assistant.SetConversationMode(mode); err != nil {
			a.log.Warn("ignoring conversation mode change", "err", err)
		} else {
			a.providers.Device.SetConversationMode(mode)
			a.chat.SetSingleTurn(mode == types.ConversationSingle)
		}
	}
	if d.ExpiryChanged {
		a.assistant.SetExpiry(time.Duration(d.NewExpiry) * time.Second)
	}
	if d.AutoPlayChanged {
		a.assistant.SetWaitWordsAutoPlay(d.NewAutoPlay)
	}
	if d.LoopPlayChanged {
		a.assistant.SetWaitWordsLoopPlay(d.NewLoopPlay)
	}
	if d.TemperatureChanged {
		a.assistant.SetTemp(d.NewTemperature)
	}
	if d.PrePromptChanged {
		a.assistant.SetPrePrompt(d.NewPrePrompt)
	}
	if d.MaxTokensChanged {
		a.assistant.SetMaxTokens(d.NewMaxTokens)
	}
	if d.WaitWordsChanged {
		// Loaded clips keep playing; the stored ones no longer match the config.
		a.assistant.ClearWaitWords()
		a.log.Info("removed stored wait words clips", "loaded", len(a.assistant.WaitWords()))
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a configured level to its slog equivalent. Unknown
// values map to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
