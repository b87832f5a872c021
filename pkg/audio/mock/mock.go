// Package mock provides an in-memory [audio.Device] for unit tests.
//
// The mock is safe for concurrent use. It records every lifecycle call so
// tests can assert on order and arguments, and exposes exported fields that
// control return values.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	// hand dev to the assistant, then Init + Start it
//	dev.Emit(types.NewEvent(types.EventRecordEnd))
//	clip, err := dev.NextClip(ctx)
//	dev.Stop() // makes Join return
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/types"
)

var _ audio.Device = (*Device)(nil)

// Device is a mock implementation of [audio.Device]. Clips popped from the
// clip source are recorded and can be awaited with [Device.NextClip].
type Device struct {
	mu sync.Mutex

	// InitError is returned by Init.
	InitError error

	// StartError is returned by Start.
	StartError error

	// JoinError is returned by Join once the device stopped.
	JoinError error

	// Calls records the lifecycle methods in invocation order: "mode",
	// "init", "start", "join".
	Calls []string

	// Mode is the last value passed to SetConversationMode.
	Mode types.ConversationMode

	ports   audio.Ports
	played  []types.AudioClip
	clips   chan types.AudioClip
	stopped chan struct{}
	once    sync.Once
	cancel  context.CancelFunc
}

func (d *Device) lazyInit() {
	if d.stopped == nil {
		d.stopped = make(chan struct{})
		d.clips = make(chan types.AudioClip, 256)
	}
}

// SetConversationMode implements [audio.Device].
func (d *Device) SetConversationMode(mode types.ConversationMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, "mode")
	d.Mode = mode
}

// Init implements [audio.Device]. Stores ports and returns InitError.
func (d *Device) Init(_ context.Context, ports audio.Ports) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lazyInit()
	d.Calls = append(d.Calls, "init")
	if d.InitError != nil {
		return d.InitError
	}
	d.ports = ports
	return nil
}

// Start implements [audio.Device]. It starts a goroutine that drains the
// clip source until ctx is done or [Device.Stop] is called.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lazyInit()
	d.Calls = append(d.Calls, "start")
	if d.StartError != nil {
		return d.StartError
	}
	if d.ports.Clips == nil {
		return audio.ErrNotInitialized
	}
	if d.cancel != nil {
		return audio.ErrAlreadyStarted
	}

	ctx, d.cancel = context.WithCancel(ctx)
	src := d.ports.Clips
	go func() {
		defer d.Stop()
		for {
			clip, err := src.Pop(ctx)
			if err != nil {
				return
			}
			d.mu.Lock()
			d.played = append(d.played, clip)
			d.mu.Unlock()
			select {
			case d.clips <- clip:
			default:
			}
		}
	}()
	return nil
}

// Join implements [audio.Device]. Blocks until Stop is called or the context
// given to Start ends, then returns JoinError.
func (d *Device) Join() error {
	d.mu.Lock()
	d.lazyInit()
	d.Calls = append(d.Calls, "join")
	stopped := d.stopped
	d.mu.Unlock()

	<-stopped

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.JoinError
}

// Stop simulates a transport shutdown (e.g. device disconnect). Safe to call
// more than once.
func (d *Device) Stop() {
	d.mu.Lock()
	d.lazyInit()
	cancel := d.cancel
	d.mu.Unlock()

	d.once.Do(func() { close(d.stopped) })
	if cancel != nil {
		cancel()
	}
}

// Emit pushes ev into the event sink handed over by Init, as the real
// transport would when the hardware raises an event.
func (d *Device) Emit(ev types.Event) error {
	d.mu.Lock()
	sink := d.ports.Events
	d.mu.Unlock()
	if sink == nil {
		return audio.ErrNotInitialized
	}
	sink.Push(ev)
	return nil
}

// NextClip waits for the next clip the device played.
func (d *Device) NextClip(ctx context.Context) (types.AudioClip, error) {
	d.mu.Lock()
	d.lazyInit()
	clips := d.clips
	d.mu.Unlock()

	select {
	case c := <-clips:
		return c, nil
	case <-ctx.Done():
		return types.AudioClip{}, errors.Join(errors.New("mock: no clip played"), ctx.Err())
	}
}

// Played returns a copy of every clip played so far.
func (d *Device) Played() []types.AudioClip {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.AudioClip, len(d.played))
	copy(out, d.played)
	return out
}

// CallOrder returns a copy of Calls.
func (d *Device) CallOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.Calls))
	copy(out, d.Calls)
	return out
}
