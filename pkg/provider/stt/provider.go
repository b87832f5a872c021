// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider transcribes one complete recording, as delivered by the
// device on record-end, into text. Recordings are raw 16-bit little-endian
// PCM described by an audio.Format; implementations convert to whatever
// their backend needs (usually a 16 kHz mono WAV upload).
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/aily/pkg/audio"
)

// ErrEmptyAudio is returned by Transcribe when the recording holds no samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the recognised text for pcm. An empty string with a
	// nil error means the backend heard nothing intelligible.
	Transcribe(ctx context.Context, pcm []byte, format audio.Format) (string, error)
}

// PrepareWAV validates pcm, normalises it to [audio.SpeechFormat] and wraps
// it in a WAV container ready for upload.
func PrepareWAV(pcm []byte, format audio.Format) ([]byte, error) {
	if len(pcm) < 2 {
		return nil, ErrEmptyAudio
	}
	mono, err := audio.ToMono16k(pcm, format)
	if err != nil {
		return nil, err
	}
	return audio.EncodeWAV(mono, audio.SpeechFormat)
}
