// Package audio defines the contract between the assistant core and the
// microphone/speaker endpoint it serves, plus the PCM helpers shared by the
// speech providers.
//
// A [Device] is the hardware transport. It is the sole producer of inbound
// events and the sole consumer of outbound clips; both queues are handed to
// it through [Ports] during [Device.Init]. Concrete transports live in
// sub-packages (audio/ws, audio/serial) and a recording fake in audio/mock.
//
// This package lives under pkg/ because third-party transports are expected
// to implement [Device].
package audio

import (
	"context"
	"errors"

	"github.com/MrWong99/aily/pkg/types"
)

// Errors shared by device implementations.
var (
	// ErrNotInitialized is returned by [Device.Start] before a successful
	// [Device.Init].
	ErrNotInitialized = errors.New("audio: device not initialized")

	// ErrAlreadyStarted is returned by a second [Device.Start].
	ErrAlreadyStarted = errors.New("audio: device already started")
)

// EventSink accepts events produced by the device. Push must not block on
// consumers. *queue.Queue[types.Event] satisfies it.
type EventSink interface {
	Push(ev types.Event)
}

// ClipSource yields clips to be played by the device, blocking until one is
// available or ctx is done. *queue.Queue[types.AudioClip] satisfies it.
type ClipSource interface {
	Pop(ctx context.Context) (types.AudioClip, error)
}

// Ports bundles the two queues that connect a device to the core.
type Ports struct {
	// Events receives every event the device raises (wakeup, record-end …).
	Events EventSink

	// Clips delivers audio the device must play, in order.
	Clips ClipSource
}

// Validate reports whether both ports are set.
func (p Ports) Validate() error {
	var errs []error
	if p.Events == nil {
		errs = append(errs, errors.New("audio: ports: events sink is nil"))
	}
	if p.Clips == nil {
		errs = append(errs, errors.New("audio: ports: clip source is nil"))
	}
	return errors.Join(errs...)
}

// Device is a microphone/speaker endpoint.
//
// The lifecycle is strictly SetConversationMode → Init → Start → Join.
// Implementations must be safe for concurrent use of Join with the
// goroutines started by Start.
type Device interface {
	// SetConversationMode tells the device whether to keep listening after an
	// answer was played. Must be called before Init to take effect on
	// transports that announce the mode on connect.
	SetConversationMode(mode types.ConversationMode)

	// Init acquires the transport (opens the port, prepares the listener) and
	// stores the queues. A failure here aborts startup.
	Init(ctx context.Context, ports Ports) error

	// Start begins emitting events into Ports.Events and playing clips from
	// Ports.Clips. It returns once the background work is running. The
	// device stops when ctx is done.
	Start(ctx context.Context) error

	// Join blocks until the transport has stopped and returns the reason, or
	// nil for a clean stop.
	Join() error
}
