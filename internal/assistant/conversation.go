package assistant

import (
	"context"

	"github.com/MrWong99/aily/pkg/types"
)

// SendMessage hands user text to the LLM loop.
//
// Empty text plays the invalid-input clip instead and
// issues no LLM call. Otherwise, when more than the configured expiry has
// passed since the last conversation reset, the chat history is cleared
// before the request is queued.
func (a *Assistant) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	model := a.llm
	expiry := a.cfg.Expiry
	a.mu.Unlock()
	if model == nil {
		return ErrNotInitialized
	}

	if text == "" {
		a.log.Debug("assistant: empty message, playing invalid words")
		a.PlayInvalidWords()
		return nil
	}

	a.convMu.Lock()
	now := a.clock.Now()
	if elapsed := now.Sub(a.lastActivity); elapsed > expiry {
		model.ClearChatRecords()
		a.lastActivity = now
		a.metrics.ConversationResets.Add(ctx, 1)
		a.log.Info("assistant: conversation expired, chat history cleared", "idle", elapsed)
	}
	a.convMu.Unlock()

	a.invocations.Push(types.NewInvocation(text, now))
	a.metrics.AddQueueDepth(ctx, queueInvocations, 1)
	return nil
}
