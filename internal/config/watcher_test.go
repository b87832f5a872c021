package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/MrWong99/aily/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  llm:
    name: openai
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

const cfgPath = "/etc/aily/config.yaml"

func memFile(t *testing.T, fs afero.Fs, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", cfgPath, err)
	}
}

// touch writes content and bumps the mtime so the watcher sees a new file
// even when the write lands within the filesystem's timestamp resolution.
func touch(t *testing.T, fs afero.Fs, content string, at time.Time) {
	t.Helper()
	memFile(t, fs, content)
	if err := fs.Chtimes(cfgPath, at, at); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	memFile(t, fs, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithFs(fs), config.WithClock(clockwork.NewFakeClock()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()

	if _, err := config.NewWatcher(cfgPath, nil, config.WithFs(fs)); err == nil {
		t.Fatal("expected error for missing file")
	}

	memFile(t, fs, watcherInvalidYAML)
	if _, err := config.NewWatcher(cfgPath, nil, config.WithFs(fs)); err == nil {
		t.Fatal("expected error for invalid file")
	}
}

func TestWatcher_DetectsChangeOnTick(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	clock := clockwork.NewFakeClock()
	touch(t, fs, watcherValidYAML, clock.Now())

	type change struct{ old, new *config.Config }
	changes := make(chan change, 1)
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		changes <- change{old, new}
	}, config.WithFs(fs), config.WithClock(clock), config.WithInterval(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never started: %v", err)
	}

	touch(t, fs, watcherUpdatedYAML, clock.Now().Add(time.Minute))
	clock.Advance(time.Second)

	select {
	case c := <-changes:
		if c.old.Server.LogLevel != config.LogInfo {
			t.Errorf("old log_level: got %q", c.old.Server.LogLevel)
		}
		if c.new.Server.LogLevel != config.LogDebug {
			t.Errorf("new log_level: got %q", c.new.Server.LogLevel)
		}
	case <-ctx.Done():
		t.Fatal("onChange was not called")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current().log_level: got %q", got)
	}
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	clock := clockwork.NewFakeClock()
	start := clock.Now()
	touch(t, fs, watcherValidYAML, start)

	var calls int
	w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config) { calls++ },
		config.WithFs(fs), config.WithClock(clock))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	if w.Check() {
		t.Error("unchanged file must not be reported")
	}

	// Same content, new mtime.
	touch(t, fs, watcherValidYAML, start.Add(time.Minute))
	if w.Check() {
		t.Error("identical content must not be reported")
	}

	// Invalid content keeps the previous config.
	touch(t, fs, watcherInvalidYAML, start.Add(2*time.Minute))
	if w.Check() {
		t.Error("invalid config must not be adopted")
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() after invalid edit: got %q, want %q", got, config.LogInfo)
	}

	touch(t, fs, watcherUpdatedYAML, start.Add(3*time.Minute))
	if !w.Check() {
		t.Fatal("valid edit must be adopted")
	}
	if calls != 1 {
		t.Errorf("onChange calls: got %d, want 1", calls)
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	memFile(t, fs, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithFs(fs), config.WithClock(clockwork.NewFakeClock()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}
