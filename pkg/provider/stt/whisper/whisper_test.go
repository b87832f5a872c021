package whisper_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/provider/stt"
	"github.com/MrWong99/aily/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// newMockServer responds to POST /inference with responseText and checks the
// uploaded file is a 16 kHz mono WAV.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		dec := wav.NewDecoder(bytes.NewReader(data))
		if !dec.IsValidFile() || dec.SampleRate != 16000 || dec.NumChans != 1 {
			t.Errorf("upload is not 16 kHz mono WAV")
		}
		if got := r.FormValue("language"); got != "de" {
			t.Errorf("language = %q, want de", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// makeSpeechPCM generates `samples` 16-bit samples of a 440 Hz sine.
func makeSpeechPCM(samples int) []byte {
	const amplitude = 10_000.0
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty server URL")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	t.Parallel()
	p, err := whisper.New("http://localhost:8080",
		whisper.WithModel("base.en"),
		whisper.WithLanguage("de"),
		whisper.WithTimeout(5*time.Second),
	)
	if err != nil || p == nil {
		t.Fatalf("New: p=%v err=%v", p, err)
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_ReturnsTrimmedText(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := newMockServer(t, "  what time is it \n", &calls)
	p, err := whisper.New(srv.URL+"/", whisper.WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := p.Transcribe(context.Background(), makeSpeechPCM(16000), audio.SpeechFormat)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "what time is it" {
		t.Errorf("text = %q", text)
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want 1", calls.Load())
	}
}

func TestTranscribe_ConvertsStereo48k(t *testing.T) {
	t.Parallel()

	srv := newMockServer(t, "hello", nil)
	p, _ := whisper.New(srv.URL, whisper.WithLanguage("de"))

	pcm := make([]byte, 4800*2*2)
	text, err := p.Transcribe(context.Background(), pcm, audio.Format{SampleRate: 48000, Channels: 2})
	if err != nil || text != "hello" {
		t.Fatalf("Transcribe = %q, %v", text, err)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	t.Parallel()

	p, _ := whisper.New("http://127.0.0.1:1")
	_, err := p.Transcribe(context.Background(), nil, audio.SpeechFormat)
	if !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("err = %v, want ErrEmptyAudio", err)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(160), audio.SpeechFormat); err == nil {
		t.Error("expected error for HTTP 500")
	}
}

func TestTranscribe_BadJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), makeSpeechPCM(160), audio.SpeechFormat); err == nil {
		t.Error("expected error for non-JSON response")
	}
}
