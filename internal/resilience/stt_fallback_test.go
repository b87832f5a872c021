package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/aily/pkg/audio"
	sttmock "github.com/MrWong99/aily/pkg/provider/stt/mock"
)

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{Text: "primary"}
	secondary := &sttmock.Provider{Text: "secondary"}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	text, err := fb.Transcribe(context.Background(), []byte{0, 0}, audio.SpeechFormat)
	if err != nil || text != "primary" {
		t.Fatalf("Transcribe = %q, %v", text, err)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("whisper down")}
	secondary := &sttmock.Provider{Text: "secondary"}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	text, err := fb.Transcribe(context.Background(), []byte{0, 0}, audio.SpeechFormat)
	if err != nil || text != "secondary" {
		t.Fatalf("Transcribe = %q, %v", text, err)
	}
	if got := secondary.Calls[0].Format; got != audio.SpeechFormat {
		t.Errorf("format forwarded as %v", got)
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	fb := NewSTTFallback(&sttmock.Provider{Err: errors.New("down")}, "only", FallbackConfig{})
	if _, err := fb.Transcribe(context.Background(), []byte{0, 0}, audio.SpeechFormat); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
