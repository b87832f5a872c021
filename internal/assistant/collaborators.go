package assistant

import (
	"context"

	"github.com/MrWong99/aily/pkg/provider/llm"
)

// LLM is the conversational language model collaborator. Setters may be
// called at any time; they apply to the next Generate call.
type LLM interface {
	SetKey(key string)
	SetModel(model string)
	SetServer(url string)
	SetTemp(temperature float64)
	SetPrePrompt(prompt string)
	SetMaxTokens(n int)

	// SetCustomInvoke replaces the backend call. Passing nil restores it.
	SetCustomInvoke(fn InvokeFunc)

	// ClearChatRecords forgets the accumulated conversation.
	ClearChatRecords()

	// Generate answers text, taking the chat history into account.
	Generate(ctx context.Context, text string) (string, error)
}

// LLMFactory builds the LLM collaborator during [Assistant.Init].
type LLMFactory func() (LLM, error)

// InvokeRequest is what a custom invoke function receives.
type InvokeRequest struct {
	Text     string
	Settings LLMSettings

	// History is the conversation so far, oldest first, without Text.
	History []llm.Message
}

// InvokeFunc is a caller-supplied replacement for the LLM backend call.
type InvokeFunc func(ctx context.Context, req InvokeRequest) (string, error)

// Synthesizer converts text to encoded audio. The assistant only uses it to
// render text filler sources; answers are synthesised by bus subscribers.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
