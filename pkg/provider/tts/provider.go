// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one piece of text into one encoded audio clip (WAV,
// MP3 …) that the device can play back verbatim. Synthesis is batch: the
// assistant only ever speaks whole answers or short filler phrases.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text and returns the encoded audio bytes. An empty
	// text is an error. Cancelling ctx aborts the request.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
