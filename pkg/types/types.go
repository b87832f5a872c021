// Package types defines the values that flow between the aily core, its
// hardware transports, and the application subscribers.
//
// These types are the common vocabulary of the event bus, the three queues,
// and the device frame codec. Each package keeps its own domain types; only
// the cross-cutting ones live here to avoid circular imports.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownEventKind is returned by [ParseEventKind] for names outside the
// closed set of event kinds.
var ErrUnknownEventKind = errors.New("types: unknown event kind")

// EventKind identifies one of the closed set of events the device runtime can
// produce. Each kind has its own topic on the event bus.
type EventKind uint8

const (
	// EventWakeup is raised by the device when its wake word was detected.
	EventWakeup EventKind = iota + 1

	// EventRecordBegin marks the start of a user utterance recording.
	EventRecordBegin

	// EventRecordEnd carries the recorded utterance audio in [Event.Audio].
	EventRecordEnd

	// EventPlayBegin is raised by the device when it starts playing a clip.
	EventPlayBegin

	// EventPlayEnd is raised by the device when playback finished.
	EventPlayEnd

	// EventRecognition carries an on-device recognition result.
	EventRecognition

	// EventDirection carries the sound source direction reported by the
	// microphone array.
	EventDirection

	// EventInvokeStart is published by the LLM dispatch loop before the model
	// is called. [Event.Text] holds the user text.
	EventInvokeStart

	// EventInvokeEnd is published by the LLM dispatch loop after the model
	// returned. [Event.Text] holds the answer, or [Event.Err] the failure.
	EventInvokeEnd
)

var eventKindNames = [...]string{
	EventWakeup:      "wakeup",
	EventRecordBegin: "record-begin",
	EventRecordEnd:   "record-end",
	EventPlayBegin:   "play-begin",
	EventPlayEnd:     "play-end",
	EventRecognition: "recognition",
	EventDirection:   "direction",
	EventInvokeStart: "invoke-start",
	EventInvokeEnd:   "invoke-end",
}

// EventKinds returns every valid event kind in declaration order.
func EventKinds() []EventKind {
	kinds := make([]EventKind, 0, len(eventKindNames)-1)
	for k := EventWakeup; k <= EventInvokeEnd; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// IsValid reports whether k is one of the declared event kinds.
func (k EventKind) IsValid() bool {
	return k >= EventWakeup && k <= EventInvokeEnd
}

// String returns the wire name of the kind (e.g. "record-end").
func (k EventKind) String() string {
	if !k.IsValid() {
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
	return eventKindNames[k]
}

// ParseEventKind maps a wire name back to its [EventKind].
func ParseEventKind(name string) (EventKind, error) {
	for k := EventWakeup; k <= EventInvokeEnd; k++ {
		if eventKindNames[k] == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEventKind, name)
}

// Event is a single notification travelling from a producer (device or LLM
// dispatch loop) through the inbound queue to the bus subscribers. Events are
// treated as immutable once constructed.
type Event struct {
	// ID uniquely identifies the event for log correlation.
	ID string

	// Kind selects the bus topic.
	Kind EventKind

	// Audio is the opaque binary payload (e.g. the recording on record-end).
	Audio []byte

	// Text is the textual payload (recognition result, LLM request or answer).
	Text string

	// Err is set on invoke-end when the LLM collaborator failed.
	Err error

	// At is the time the event was created.
	At time.Time
}

// EventOption configures an [Event] built by [NewEvent].
type EventOption func(*Event)

// WithAudio attaches a binary payload.
func WithAudio(b []byte) EventOption {
	return func(e *Event) { e.Audio = b }
}

// WithText attaches a textual payload.
func WithText(s string) EventOption {
	return func(e *Event) { e.Text = s }
}

// WithErr marks the event as carrying a collaborator failure.
func WithErr(err error) EventOption {
	return func(e *Event) { e.Err = err }
}

// NewEvent builds an event of the given kind with a fresh ID and timestamp.
func NewEvent(kind EventKind, opts ...EventOption) Event {
	ev := Event{
		ID:   uuid.NewString(),
		Kind: kind,
		At:   time.Now(),
	}
	for _, o := range opts {
		o(&ev)
	}
	return ev
}

// ClipOrigin records why an [AudioClip] was queued for playback.
type ClipOrigin string

const (
	// OriginWaitWord marks filler audio played while an answer is pending.
	OriginWaitWord ClipOrigin = "wait-word"

	// OriginInvalidWord marks the fallback clip played for empty input.
	OriginInvalidWord ClipOrigin = "invalid-word"

	// OriginTTSOutput marks synthesised answer audio.
	OriginTTSOutput ClipOrigin = "tts-output"
)

// IsValid reports whether o is a recognised clip origin.
func (o ClipOrigin) IsValid() bool {
	switch o {
	case OriginWaitWord, OriginInvalidWord, OriginTTSOutput:
		return true
	}
	return false
}

// AudioClip is an encoded audio payload destined for the device speaker.
type AudioClip struct {
	// Origin tags the clip's purpose.
	Origin ClipOrigin

	// Data holds the encoded audio bytes exactly as they will be played.
	Data []byte

	// Loop asks the device to repeat the clip until the next one arrives.
	// Only set for wait-word clips when loop-play is enabled.
	Loop bool
}

// invocationType is the request tag carried by every [Invocation].
const invocationType = "invoke"

// Invocation is one pending request on the LLM invocation queue.
type Invocation struct {
	ID   string
	Text string
	At   time.Time
}

// NewInvocation creates an invocation request for text.
func NewInvocation(text string, at time.Time) Invocation {
	return Invocation{ID: uuid.NewString(), Text: text, At: at}
}

// Type returns the request tag, always "invoke".
func (Invocation) Type() string { return invocationType }

// ConversationMode tells the device whether it should listen again after an
// answer was played ("multi") or go back to waiting for the wake word ("single").
type ConversationMode string

const (
	ConversationSingle ConversationMode = "single"
	ConversationMulti  ConversationMode = "multi"
)

// IsValid reports whether m is a recognised conversation mode.
func (m ConversationMode) IsValid() bool {
	return m == ConversationSingle || m == ConversationMulti
}

// ParseConversationMode validates a configured mode string.
func ParseConversationMode(s string) (ConversationMode, error) {
	m := ConversationMode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("types: invalid conversation mode %q; valid values: single, multi", s)
	}
	return m, nil
}
