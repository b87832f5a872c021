package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/aily/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		in, want []int16
	}{
		{"stereo", 2, []int16{100, 200, -100, -200}, []int16{150, -150}},
		{"no overflow", 2, []int16{32767, 32767}, []int16{32767}},
		{"three channels", 3, []int16{30, 60, 90}, []int16{60}},
		{"mono passthrough", 1, []int16{1, 2, 3}, []int16{1, 2, 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			equalSamples(t, bytesToSamples(audio.Downmix(samplesToBytes(tc.in), tc.channels)), tc.want)
		})
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz.
	got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{1000, 2000}), 16000, 48000))
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if last := got[len(got)-1]; last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{100, 200, 300, 400, 500, 600}), 48000, 16000))
	equalSamples(t, got, []int16{100, 400})
}

func TestToMono16k(t *testing.T) {
	// 4 stereo frames at 32kHz → 4 mono samples → 2 samples at 16kHz.
	in := samplesToBytes([]int16{100, 300, 500, 700, 900, 1100, 1300, 1500})
	out, err := audio.ToMono16k(in, audio.Format{SampleRate: 32000, Channels: 2})
	if err != nil {
		t.Fatalf("ToMono16k: %v", err)
	}
	equalSamples(t, bytesToSamples(out), []int16{200, 1000})
}

func TestToMono16k_DropsPartialFrame(t *testing.T) {
	out, err := audio.ToMono16k([]byte{1, 0, 2, 0, 3}, audio.SpeechFormat)
	if err != nil {
		t.Fatalf("ToMono16k: %v", err)
	}
	if len(out) != 4 {
		t.Errorf("got %d bytes, want 4", len(out))
	}
}

func TestFormat_Validate(t *testing.T) {
	if err := (audio.Format{SampleRate: 0, Channels: 1}).Validate(); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if err := (audio.Format{SampleRate: 16000, Channels: 0}).Validate(); err == nil {
		t.Error("expected error for zero channels")
	}
	if _, err := audio.ToMono16k(nil, audio.Format{}); err == nil {
		t.Error("expected ToMono16k to reject an invalid format")
	}
}

func TestFormat_String(t *testing.T) {
	tests := map[audio.Format]string{
		{SampleRate: 16000, Channels: 1}: "16000Hz mono",
		{SampleRate: 48000, Channels: 2}: "48000Hz stereo",
		{SampleRate: 44100, Channels: 6}: "44100Hz 6ch",
	}
	for f, want := range tests {
		if got := f.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", f, got, want)
		}
	}
}
