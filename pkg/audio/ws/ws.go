// Package ws implements [audio.Device] over a WebSocket: the device (or a
// bridge running next to it) connects to the HTTP endpoint the [Device] is
// mounted on and exchanges JSON frames (see [audio.Frame]).
//
// One device connection is served at a time. Clips queued while no device
// is connected stay in the core's playback queue and are delivered once a
// device connects.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/types"
)

// defaultReadLimit bounds a single inbound frame. Recordings arrive as one
// base64 frame, so this is well above the library default of 32 KiB.
const defaultReadLimit = 16 << 20

var _ audio.Device = (*Device)(nil)

// errFrameTooLarge reports an inbound frame above the read limit. The frame
// is skipped and the connection kept.
var errFrameTooLarge = errors.New("ws: frame exceeds read limit")

// Option configures a [Device].
type Option func(*Device)

// WithStopOnDisconnect makes [Device.Join] return when the connected device
// hangs up, instead of waiting for another connection.
func WithStopOnDisconnect(stop bool) Option {
	return func(d *Device) { d.stopOnDisconnect = stop }
}

// WithOriginPatterns sets the allowed Origin host patterns for browser
// clients. See [websocket.AcceptOptions.OriginPatterns].
func WithOriginPatterns(patterns ...string) Option {
	return func(d *Device) { d.originPatterns = patterns }
}

// WithReadLimit overrides the maximum inbound frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(d *Device) { d.readLimit = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithConnectionHook registers fn to be called with +1 when a device
// connects and -1 when it disconnects.
func WithConnectionHook(fn func(delta int64)) Option {
	return func(d *Device) { d.onConn = fn }
}

// Device is a WebSocket-backed [audio.Device]. It implements [http.Handler];
// mount it on the application's mux.
type Device struct {
	stopOnDisconnect bool
	originPatterns   []string
	readLimit        int64
	log              *slog.Logger
	onConn           func(int64)

	mu      sync.Mutex
	mode    types.ConversationMode
	ports   audio.Ports
	inited  bool
	runCtx  context.Context
	active  *websocket.Conn
	done    chan struct{}
	doneErr error
	once    sync.Once
}

// New creates an unconnected device.
func New(opts ...Option) *Device {
	d := &Device{
		mode:      types.ConversationMulti,
		readLimit: defaultReadLimit,
		log:       slog.Default(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetConversationMode implements [audio.Device]. The mode is announced to
// every device on connect.
func (d *Device) SetConversationMode(mode types.ConversationMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = mode
}

// Init implements [audio.Device].
func (d *Device) Init(_ context.Context, ports audio.Ports) error {
	if err := ports.Validate(); err != nil {
		return fmt.Errorf("ws: init: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ports = ports
	d.inited = true
	return nil
}

// Start implements [audio.Device]. Connections are accepted from now on
// until ctx is done.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inited {
		return audio.ErrNotInitialized
	}
	if d.runCtx != nil {
		return audio.ErrAlreadyStarted
	}
	d.runCtx = ctx

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		conn := d.active
		d.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusGoingAway, "shutting down")
		}
		d.finish(nil)
	}()
	return nil
}

// Join implements [audio.Device].
func (d *Device) Join() error {
	<-d.done
	return d.doneErr
}

// Connected reports whether a device is currently attached.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

func (d *Device) finish(err error) {
	d.once.Do(func() {
		d.doneErr = err
		close(d.done)
	})
}

// ServeHTTP upgrades the request and serves the device until it disconnects
// or the device is stopped.
func (d *Device) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	runCtx, mode, ports := d.runCtx, d.mode, d.ports
	switch {
	case runCtx == nil || runCtx.Err() != nil:
		d.mu.Unlock()
		http.Error(w, "device transport not running", http.StatusServiceUnavailable)
		return
	case d.active != nil:
		d.mu.Unlock()
		http.Error(w, "a device is already connected", http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: d.originPatterns})
	if err != nil {
		d.mu.Unlock()
		d.log.Warn("ws: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	d.active = conn
	d.mu.Unlock()

	// readFrame enforces the limit per frame.
	conn.SetReadLimit(-1)
	if d.onConn != nil {
		d.onConn(1)
	}
	d.log.Info("ws: device connected", "remote", r.RemoteAddr)

	err = d.serve(runCtx, conn, mode, ports)

	d.mu.Lock()
	d.active = nil
	d.mu.Unlock()
	if d.onConn != nil {
		d.onConn(-1)
	}

	clean := err == nil || errors.Is(err, context.Canceled) ||
		websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway
	if clean {
		d.log.Info("ws: device disconnected", "remote", r.RemoteAddr)
		err = nil
	} else {
		d.log.Warn("ws: device connection lost", "remote", r.RemoteAddr, "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	if d.stopOnDisconnect {
		d.finish(err)
	}
}

// readFrame reads one message. A message above the read limit is drained
// and reported as [errFrameTooLarge].
func (d *Device) readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	_, r, err := conn.Reader(ctx)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, d.readLimit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) <= d.readLimit {
		return data, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return nil, errFrameTooLarge
}

// serve runs the read loop on the calling goroutine and the playback pump on
// a second one. It returns the read error that ended the session.
func (d *Device) serve(ctx context.Context, conn *websocket.Conn, mode types.ConversationMode, ports audio.Ports) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hello, err := audio.EncodeMode(mode)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return fmt.Errorf("ws: send mode: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		d.pump(ctx, conn, ports.Clips)
	}()
	defer wg.Wait()

	for {
		data, err := d.readFrame(ctx, conn)
		if errors.Is(err, errFrameTooLarge) {
			d.log.Warn("ws: dropping oversized frame", "limit", d.readLimit)
			continue
		}
		if err != nil {
			return err
		}
		ev, err := audio.DecodeEvent(data)
		if err != nil {
			d.log.Warn("ws: dropping frame", "err", err)
			continue
		}
		ports.Events.Push(ev)
	}
}

func (d *Device) pump(ctx context.Context, conn *websocket.Conn, clips audio.ClipSource) {
	for {
		clip, err := clips.Pop(ctx)
		if err != nil {
			return
		}
		data, err := audio.EncodeClip(clip)
		if err != nil {
			d.log.Error("ws: encode clip", "origin", clip.Origin, "err", err)
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			d.log.Warn("ws: clip lost, write failed", "origin", clip.Origin, "bytes", len(clip.Data), "err", err)
			return
		}
	}
}
