package assistant

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/MrWong99/aily/pkg/types"
)

var errNoSynthesizer = errors.New("no synthesizer configured for text source")

// SetWaitWords adds a filler source: a path to an audio file or a phrase to
// synthesise. The first call also removes clips materialized by a previous
// run. Sources can only be added before Init.
func (a *Assistant) SetWaitWords(source string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return ErrAlreadyInitialized
	}
	if !a.fillersReset {
		a.fillersReset = true
		a.removeMaterialized(a.cfg.RootPath)
	}
	a.cfg.WaitWords = append(a.cfg.WaitWords, source)
	return nil
}

// ClearWaitWords forgets all pending filler sources and deletes the
// materialized clip files. Clips already loaded by Init stay playable.
func (a *Assistant) ClearWaitWords() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.WaitWords = nil
	a.removeMaterialized(a.cfg.RootPath)
}

// WaitWords returns a copy of the materialized wait-word clips.
func (a *Assistant) WaitWords() []types.AudioClip {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.AudioClip, len(a.waitWords))
	copy(out, a.waitWords)
	return out
}

// PlayWaitWords queues a uniformly chosen wait-word clip. With no clips it
// only logs a warning.
func (a *Assistant) PlayWaitWords() {
	a.mu.Lock()
	clips := a.waitWords
	loop := a.cfg.WaitWordsLoopPlay
	a.mu.Unlock()

	if len(clips) == 0 {
		a.log.Warn("assistant: no wait words configured")
		return
	}
	clip := clips[a.intn(len(clips))]
	clip.Loop = loop
	a.enqueueClip(clip)
}

// PlayInvalidWords queues the invalid-input clip, or logs a warning when none
// is configured.
func (a *Assistant) PlayInvalidWords() {
	a.mu.Lock()
	invalid := a.invalid
	a.mu.Unlock()

	if invalid == nil {
		a.log.Warn("assistant: no invalid words configured")
		return
	}
	a.enqueueClip(*invalid)
}

// Play queues synthesised answer audio for playback.
func (a *Assistant) Play(data []byte) {
	if len(data) == 0 {
		a.log.Warn("assistant: ignoring empty clip")
		return
	}
	a.enqueueClip(types.AudioClip{Origin: types.OriginTTSOutput, Data: data})
}

// materialize renders every wait-word source and the invalid-words source.
// Sources that cannot be rendered are skipped with a warning.
func (a *Assistant) materialize(ctx context.Context, cfg Config) ([]types.AudioClip, *types.AudioClip) {
	a.mu.Lock()
	if !a.fillersReset {
		a.fillersReset = true
		a.removeMaterialized(cfg.RootPath)
	}
	a.mu.Unlock()

	dir := filepath.Join(cfg.RootPath, fillerDir)
	if len(cfg.WaitWords) > 0 {
		if err := a.fs.MkdirAll(dir, 0o755); err != nil {
			a.log.Warn("assistant: cannot create wait words directory", "dir", dir, "err", err)
		}
		a.log.Info("assistant: materializing wait words", "count", len(cfg.WaitWords))
	}

	waitWords := make([]types.AudioClip, 0, len(cfg.WaitWords))
	for i, src := range cfg.WaitWords {
		data, err := a.render(ctx, src)
		if err != nil {
			a.log.Warn("assistant: skipping wait words source", "source", src, "err", err)
			continue
		}
		waitWords = append(waitWords, types.AudioClip{Origin: types.OriginWaitWord, Data: data})

		path := filepath.Join(dir, fmt.Sprintf("%02d.audio", i))
		if err := afero.WriteFile(a.fs, path, data, 0o644); err != nil {
			a.log.Warn("assistant: cannot store wait words clip", "path", path, "err", err)
		}
	}

	var invalid *types.AudioClip
	if cfg.InvalidWords != "" {
		data, err := a.render(ctx, cfg.InvalidWords)
		if err != nil {
			a.log.Warn("assistant: skipping invalid words source", "source", cfg.InvalidWords, "err", err)
		} else {
			invalid = &types.AudioClip{Origin: types.OriginInvalidWord, Data: data}
		}
	}
	return waitWords, invalid
}

// render turns one source into audio. A source naming an existing file is
// read verbatim; anything else is synthesised.
func (a *Assistant) render(ctx context.Context, src string) ([]byte, error) {
	if ok, _ := afero.Exists(a.fs, src); ok {
		if dir, _ := afero.IsDir(a.fs, src); !dir {
			data, err := afero.ReadFile(a.fs, src)
			if err != nil {
				return nil, fmt.Errorf("read %q: %w", src, err)
			}
			return data, nil
		}
	}
	if a.tts == nil {
		return nil, errNoSynthesizer
	}
	data, err := a.tts.Synthesize(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("synthesize: empty audio")
	}
	return data, nil
}

// removeMaterialized deletes the files below <root>/wait_words_voice.
// Failures are logged. Callers hold a.mu.
func (a *Assistant) removeMaterialized(root string) {
	dir := filepath.Join(root, fillerDir)
	entries, err := afero.ReadDir(a.fs, dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := a.fs.Remove(filepath.Join(dir, e.Name())); err != nil {
			a.log.Warn("assistant: cannot remove stale wait words clip", "file", e.Name(), "err", err)
		}
	}
}
