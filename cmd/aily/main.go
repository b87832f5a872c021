// Command aily is the main entry point for the aily voice assistant server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/spf13/pflag"

	"github.com/MrWong99/aily/internal/app"
	"github.com/MrWong99/aily/internal/config"
	"github.com/MrWong99/aily/internal/observe"
	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/audio/serial"
	"github.com/MrWong99/aily/pkg/audio/ws"
	"github.com/MrWong99/aily/pkg/provider/llm"
	"github.com/MrWong99/aily/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/aily/pkg/provider/llm/openai"
	"github.com/MrWong99/aily/pkg/provider/stt"
	"github.com/MrWong99/aily/pkg/provider/stt/custom"
	oaistt "github.com/MrWong99/aily/pkg/provider/stt/openai"
	"github.com/MrWong99/aily/pkg/provider/stt/whisper"
	"github.com/MrWong99/aily/pkg/provider/tts"
	"github.com/MrWong99/aily/pkg/provider/tts/coqui"
	oaitts "github.com/MrWong99/aily/pkg/provider/tts/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	flags := pflag.NewFlagSet("aily", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	envPath := flags.StringP("env", "e", ".env", "path to a dotenv file loaded before the configuration")
	logLevel := flags.String("log-level", "", "override server.log_level (debug, info, warn, error)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "aily: %v\n", err)
		return 2
	}

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "aily: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aily: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aily: %v\n", err)
		}
		return 1
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(*logLevel)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := newLogger(os.Stderr, cfg.Server.LogFormat, level)
	slog.SetDefault(logger)

	slog.Info("aily starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "aily",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, func(delta int64) {
		metrics.ActiveDevices.Add(context.Background(), delta)
	})

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := app.BuildProviders(cfg, reg, app.WithBreakerLogger(logger))
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLogLevel(level),
		app.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Changed() || len(d.RestartRequired) > 0 {
			application.ApplyConfigDiff(d)
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	exitCode := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exitCode = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exitCode = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exitCode
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the LLM backends reached through any-llm-go. "openai"
// uses the native client, which also serves OpenAI-compatible servers
// through base_url.
var anyllmBackends = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages. onConn observes websocket
// device connections.
func registerBuiltinProviders(reg *config.Registry, onConn func(delta int64)) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization", ""); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if secs := entry.OptInt("timeout_seconds", 0); secs > 0 {
			opts = append(opts, oaillm.WithTimeout(time.Duration(secs)*time.Second))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, backend := range anyllmBackends {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptString("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("custom", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []custom.Option
		if field := entry.OptString("result_field", ""); field != "" {
			opts = append(opts, custom.WithResultField(field))
		}
		if entry.APIKey != "" {
			opts = append(opts, custom.WithHeader("Authorization", "Bearer "+entry.APIKey))
		}
		return custom.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.OptString("language", ""); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		if prompt := entry.OptString("prompt", ""); prompt != "" {
			opts = append(opts, oaistt.WithPrompt(prompt))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptString("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if speaker := entry.OptString("speaker", ""); speaker != "" {
			opts = append(opts, coqui.WithSpeaker(speaker))
		}
		if mode := entry.OptString("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if voice := entry.OptString("voice", ""); voice != "" {
			opts = append(opts, oaitts.WithVoice(voice))
		}
		if format := entry.OptString("format", ""); format != "" {
			opts = append(opts, oaitts.WithFormat(format))
		}
		if speed := entry.OptFloat("speed", 0); speed > 0 {
			opts = append(opts, oaitts.WithSpeed(speed))
		}
		return oaitts.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Devices ───────────────────────────────────────────────────────────────

	reg.RegisterDevice("websocket", func(entry config.ProviderEntry) (audio.Device, error) {
		opts := []ws.Option{
			ws.WithStopOnDisconnect(entry.OptBool("stop_on_disconnect", false)),
			ws.WithConnectionHook(onConn),
		}
		if origin := entry.OptString("origin_pattern", ""); origin != "" {
			opts = append(opts, ws.WithOriginPatterns(origin))
		}
		return ws.New(opts...), nil
	})

	reg.RegisterDevice("serial", func(entry config.ProviderEntry) (audio.Device, error) {
		return serial.New(entry.OptString("port", ""), entry.OptInt("baud_rate", serial.DefaultBaudRate)), nil
	})

	for _, kind := range []string{"llm", "stt", "tts", "device"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          aily · startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Device", cfg.Providers.Device.Name, "")
	fmt.Printf("║  Mode            : %-19s ║\n", cfg.Assistant.ConversationMode)
	fmt.Printf("║  Wait words      : %-19d ║\n", len(cfg.Assistant.WaitWords.Sources))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level slog.Leveler) *slog.Logger {
	switch format {
	case config.LogFormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	case config.LogFormatTint:
		return slog.New(tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.TimeOnly}))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}
}
