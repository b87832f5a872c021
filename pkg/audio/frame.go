package audio

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/aily/pkg/types"
)

// Frame types sent from the core to a device. Device-to-core frames use the
// event kind names ([types.EventKind.String]) as their type.
const (
	FramePlay = "play"
	FrameMode = "mode"
)

// ErrCoreOnlyKind is returned by [DecodeEvent] for event kinds that only the
// core itself may raise (invoke-start, invoke-end).
var ErrCoreOnlyKind = errors.New("audio: event kind is not accepted from devices")

// Frame is the JSON object exchanged with device transports. Binary payloads
// are base64 encoded by encoding/json.
type Frame struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Audio  []byte `json:"audio,omitempty"`
	Origin string `json:"origin,omitempty"`
	Loop   bool   `json:"loop,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// EncodeClip renders a playback frame for clip.
func EncodeClip(clip types.AudioClip) ([]byte, error) {
	return json.Marshal(Frame{
		Type:   FramePlay,
		Audio:  clip.Data,
		Origin: string(clip.Origin),
		Loop:   clip.Loop,
	})
}

// EncodeMode renders the conversation-mode frame sent when a device connects.
func EncodeMode(mode types.ConversationMode) ([]byte, error) {
	return json.Marshal(Frame{Type: FrameMode, Mode: string(mode)})
}

// DecodeEvent parses a device frame into an event. Unknown frame types are
// rejected with an error wrapping [types.ErrUnknownEventKind].
func DecodeEvent(data []byte) (types.Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return types.Event{}, fmt.Errorf("audio: decode frame: %w", err)
	}
	kind, err := types.ParseEventKind(f.Type)
	if err != nil {
		return types.Event{}, fmt.Errorf("audio: decode frame: %w", err)
	}
	if kind == types.EventInvokeStart || kind == types.EventInvokeEnd {
		return types.Event{}, fmt.Errorf("%w: %s", ErrCoreOnlyKind, kind)
	}

	var opts []types.EventOption
	if len(f.Audio) > 0 {
		opts = append(opts, types.WithAudio(f.Audio))
	}
	if f.Text != "" {
		opts = append(opts, types.WithText(f.Text))
	}
	return types.NewEvent(kind, opts...), nil
}

// EncodeEvent renders a device-side frame for ev. Transports and test
// devices use it to produce what [DecodeEvent] accepts.
func EncodeEvent(ev types.Event) ([]byte, error) {
	if !ev.Kind.IsValid() {
		return nil, fmt.Errorf("audio: encode event: %w", types.ErrUnknownEventKind)
	}
	return json.Marshal(Frame{Type: ev.Kind.String(), Text: ev.Text, Audio: ev.Audio})
}

// DecodeFrame parses any frame without interpreting its type.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("audio: decode frame: %w", err)
	}
	return f, nil
}
