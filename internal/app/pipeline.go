package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/aily/pkg/types"
)

// subscribe attaches the voice-turn pipeline to the assistant's bus:
//
//	record-end  → speech-to-text → SendMessage
//	invoke-end  → text-to-speech → Play
//
// and logs every event at debug level.
func (a *App) subscribe() error {
	b := a.assistant.Bus()

	all, err := b.SubscribeAll(a.logEvent)
	if err != nil {
		return err
	}
	a.subs = append(a.subs, all...)

	for kind, h := range map[types.EventKind]func(context.Context, types.Event) error{
		types.EventRecordEnd: a.onRecordEnd,
		types.EventInvokeEnd: a.onInvokeEnd,
	} {
		s, err := b.Subscribe(kind, h)
		if err != nil {
			return err
		}
		a.subs = append(a.subs, s)
	}
	return nil
}

func (a *App) logEvent(ctx context.Context, ev types.Event) error {
	a.log.DebugContext(ctx, "event",
		"kind", ev.Kind.String(),
		"id", ev.ID,
		"text", ev.Text,
		"audio_bytes", len(ev.Audio),
	)
	return nil
}

// onRecordEnd transcribes the recording and asks the assistant. A failed or
// empty transcription becomes an empty message, which plays the invalid-words
// clip.
func (a *App) onRecordEnd(ctx context.Context, ev types.Event) error {
	return a.assistant.SendMessage(ctx, a.transcribe(ctx, ev.Audio))
}

func (a *App) transcribe(ctx context.Context, pcm []byte) string {
	if len(pcm) == 0 {
		return ""
	}
	if a.providers.STT == nil {
		a.log.WarnContext(ctx, "no speech-to-text provider configured")
		return ""
	}

	start := a.clock.Now()
	text, err := a.providers.STT.Transcribe(ctx, pcm, a.format)
	a.metrics.STTDuration.Record(ctx, a.clock.Since(start).Seconds())
	if err != nil {
		a.log.WarnContext(ctx, "transcription failed", "err", err)
		return ""
	}
	text = strings.TrimSpace(text)
	a.log.InfoContext(ctx, "transcribed", "text", text)
	return text
}

// onInvokeEnd speaks the answer. When the model or the synthesis failed the
// invalid-words clip is played instead so a looping filler does not keep
// playing forever.
func (a *App) onInvokeEnd(ctx context.Context, ev types.Event) error {
	if ev.Err != nil {
		a.log.WarnContext(ctx, "llm invocation failed", "err", ev.Err)
		a.assistant.PlayInvalidWords()
		return nil
	}
	a.log.InfoContext(ctx, "answer", "text", ev.Text)
	if a.providers.TTS == nil {
		a.log.WarnContext(ctx, "no text-to-speech provider configured")
		return nil
	}

	start := a.clock.Now()
	clip, err := a.providers.TTS.Synthesize(ctx, ev.Text)
	a.metrics.TTSDuration.Record(ctx, a.clock.Since(start).Seconds())
	if err != nil {
		a.assistant.PlayInvalidWords()
		return fmt.Errorf("app: synthesize answer: %w", err)
	}
	a.assistant.Play(clip)
	return nil
}
