package assistant

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/aily/internal/observe"
	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/types"
)

// eventPort is the sink handed to the device. It counts the queue depth.
type eventPort struct{ a *Assistant }

func (p eventPort) Push(ev types.Event) {
	p.a.events.Push(ev)
	p.a.metrics.AddQueueDepth(context.Background(), queueEvents, 1)
}

// clipPort is the clip source handed to the device.
type clipPort struct{ a *Assistant }

func (p clipPort) Pop(ctx context.Context) (types.AudioClip, error) {
	clip, err := p.a.clips.Pop(ctx)
	if err == nil {
		p.a.metrics.AddQueueDepth(ctx, queueClips, -1)
	}
	return clip, err
}

func (a *Assistant) ports() audio.Ports {
	return audio.Ports{Events: eventPort{a}, Clips: clipPort{a}}
}

// eventLoop routes inbound device events to the bus until ctx is done.
func (a *Assistant) eventLoop(ctx context.Context) {
	for ctx.Err() == nil {
		ev, err := a.events.Pop(ctx)
		if err != nil {
			return
		}
		a.metrics.AddQueueDepth(ctx, queueEvents, -1)
		a.dispatch(ctx, ev)
	}
}

// dispatch handles one inbound event. A record-end event first queues a
// wait-word filler when auto-play is enabled.
func (a *Assistant) dispatch(ctx context.Context, ev types.Event) {
	switch ev.Kind {
	case types.EventRecordEnd:
		if a.config().WaitWordsAutoPlay {
			a.PlayWaitWords()
		}
	case types.EventWakeup, types.EventRecordBegin, types.EventPlayBegin, types.EventPlayEnd,
		types.EventRecognition, types.EventDirection, types.EventInvokeStart, types.EventInvokeEnd:
	default:
		a.log.Warn("assistant: dropping event with unknown kind", "kind", ev.Kind.String(), "event_id", ev.ID)
		return
	}
	a.log.Debug("assistant: dispatching event", "kind", ev.Kind.String(), "event_id", ev.ID)
	a.bus.Publish(ctx, ev)
}

// llmLoop processes invocation requests strictly one at a time until ctx is
// done. A failing model call still produces an invoke-end event.
func (a *Assistant) llmLoop(ctx context.Context) {
	for ctx.Err() == nil {
		inv, err := a.invocations.Pop(ctx)
		if err != nil {
			return
		}
		a.metrics.AddQueueDepth(ctx, queueInvocations, -1)
		a.invoke(ctx, inv)
	}
}

func (a *Assistant) invoke(ctx context.Context, inv types.Invocation) {
	a.mu.Lock()
	model := a.llm
	a.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "assistant.invoke",
		trace.WithAttributes(attribute.String("invocation.id", inv.ID)))
	defer span.End()
	log := observe.LoggerFrom(ctx, a.log).With("invocation_id", inv.ID)

	a.bus.Publish(ctx, types.NewEvent(types.EventInvokeStart, types.WithText(inv.Text)))

	start := time.Now()
	answer, err := generate(ctx, model, inv.Text)
	elapsed := time.Since(start)
	a.metrics.LLMDuration.Record(ctx, elapsed.Seconds())

	var end types.Event
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.metrics.RecordInvocation(ctx, "error")
		log.Error("assistant: llm invocation failed", "err", err, "duration", elapsed)
		end = types.NewEvent(types.EventInvokeEnd, types.WithErr(err))
	} else {
		a.metrics.RecordInvocation(ctx, "ok")
		log.Debug("assistant: llm invocation done", "duration", elapsed, "answer_len", len(answer))
		end = types.NewEvent(types.EventInvokeEnd, types.WithText(answer))
	}
	a.bus.Publish(ctx, end)
}

// generate calls model.Generate and turns a panic into an error.
func generate(ctx context.Context, model LLM, text string) (answer string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("assistant: llm panic: %v", r)
		}
	}()
	return model.Generate(ctx, text)
}

// drain discards the work still queued once the loops have stopped.
func (a *Assistant) drain() {
	ctx := context.Background()
	for _, q := range []struct {
		name  string
		clear func() int
	}{
		{queueEvents, a.events.Clear},
		{queueInvocations, a.invocations.Clear},
		{queueClips, a.clips.Clear},
	} {
		if n := q.clear(); n > 0 {
			a.metrics.AddQueueDepth(ctx, q.name, -int64(n))
			a.log.Info("assistant: dropped queued work on stop", "queue", q.name, "count", n)
		}
	}
}

// enqueueClip puts clip on the outbound queue for the device.
func (a *Assistant) enqueueClip(clip types.AudioClip) {
	a.clips.Push(clip)
	ctx := context.Background()
	a.metrics.AddQueueDepth(ctx, queueClips, 1)
	a.metrics.RecordClipQueued(ctx, string(clip.Origin))
}
