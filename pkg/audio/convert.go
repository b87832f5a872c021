package audio

import (
	"encoding/binary"
	"fmt"
)

// Format describes 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// SpeechFormat is what the speech-to-text providers expect: 16 kHz mono.
var SpeechFormat = Format{SampleRate: 16000, Channels: 1}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Validate reports whether f describes usable PCM.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: invalid channel count %d", f.Channels)
	}
	return nil
}

// ToMono16k converts PCM in format from to [SpeechFormat]: channels are
// averaged first, then the result is resampled. A trailing partial sample or
// frame is dropped.
func ToMono16k(pcm []byte, from Format) ([]byte, error) {
	if err := from.Validate(); err != nil {
		return nil, err
	}
	frame := 2 * from.Channels
	pcm = pcm[:len(pcm)-len(pcm)%frame]
	if from.Channels > 1 {
		pcm = Downmix(pcm, from.Channels)
	}
	return ResampleMono16(pcm, from.SampleRate, SpeechFormat.SampleRate), nil
}

// Downmix averages interleaved int16 PCM with the given channel count into
// mono. Sums use int32 so the average cannot overflow.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			off := (i*channels + c) * 2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// ResampleMono16 resamples int16 mono PCM from srcRate to dstRate using
// linear interpolation. The input is returned unchanged when the rates match
// or are not positive.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcN := len(pcm) / 2
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	sample := func(i int) float64 {
		if i >= srcN {
			i = srcN - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	out := make([]byte, dstN*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstN {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		v := sample(idx)*(1-frac) + sample(idx+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
