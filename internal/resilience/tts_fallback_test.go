package resilience

import (
	"context"
	"errors"
	"testing"

	ttsmock "github.com/MrWong99/aily/pkg/provider/tts/mock"
)

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Default: []byte("primary")}
	secondary := &ttsmock.Provider{Default: []byte("secondary")}
	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	clip, err := fb.Synthesize(context.Background(), "hi")
	if err != nil || string(clip) != "primary" {
		t.Fatalf("Synthesize = %q, %v", clip, err)
	}
	if len(secondary.CallTexts()) != 0 {
		t.Error("secondary must not be called")
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("coqui down")}
	secondary := &ttsmock.Provider{Default: []byte("secondary")}
	fb := NewTTSFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	clip, err := fb.Synthesize(context.Background(), "hi")
	if err != nil || string(clip) != "secondary" {
		t.Fatalf("Synthesize = %q, %v", clip, err)
	}
	if got := secondary.CallTexts(); len(got) != 1 || got[0] != "hi" {
		t.Errorf("secondary calls = %v", got)
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	fb := NewTTSFallback(&ttsmock.Provider{Err: errors.New("a")}, "a", FallbackConfig{})
	fb.AddFallback("b", &ttsmock.Provider{Err: errors.New("b")})
	if _, err := fb.Synthesize(context.Background(), "hi"); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
