package resilience

import (
	"context"

	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Transcribe sends the recording to the first healthy provider.
func (f *STTFallback) Transcribe(ctx context.Context, pcm []byte, format audio.Format) (string, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, pcm, format)
	})
}
