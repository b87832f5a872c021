// Package serial implements [audio.Device] over a serial line, the way the
// microphone-array boards are attached in the field. Frames are the JSON
// objects of [audio.Frame], one per line.
package serial

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/MrWong99/aily/pkg/audio"
	"github.com/MrWong99/aily/pkg/types"
)

// DefaultBaudRate matches the firmware of the supported boards.
const DefaultBaudRate = 1000000

// DefaultMaxFrame bounds one line; recordings arrive base64 encoded in a
// single frame.
const DefaultMaxFrame = 16 << 20

var _ audio.Device = (*Device)(nil)

// Opener opens the named port. The default uses go.bug.st/serial; tests
// substitute an in-memory pipe.
type Opener func(port string, baudRate int) (io.ReadWriteCloser, error)

// Option configures a [Device].
type Option func(*Device)

// WithOpener replaces the port opener.
func WithOpener(o Opener) Option {
	return func(d *Device) { d.open = o }
}

// WithMaxFrame overrides the maximum line length in bytes. Longer lines are
// dropped.
func WithMaxFrame(n int) Option {
	return func(d *Device) { d.maxFrame = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// Device is a serial-port [audio.Device].
type Device struct {
	port     string
	baudRate int
	maxFrame int
	open     Opener
	log      *slog.Logger

	mu      sync.Mutex
	mode    types.ConversationMode
	ports   audio.Ports
	rw      io.ReadWriteCloser
	writeMu sync.Mutex
	started bool

	done    chan struct{}
	doneErr error
	once    sync.Once
}

// New returns a device for port. A non-positive baudRate selects
// [DefaultBaudRate].
func New(port string, baudRate int, opts ...Option) *Device {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	d := &Device{
		port:     port,
		baudRate: baudRate,
		maxFrame: DefaultMaxFrame,
		open:     openPort,
		log:      slog.Default(),
		mode:     types.ConversationMulti,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func openPort(name string, baudRate int) (io.ReadWriteCloser, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baudRate})
}

// SetConversationMode implements [audio.Device].
func (d *Device) SetConversationMode(mode types.ConversationMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = mode
}

// Init implements [audio.Device]. It opens the port; failure to do so is
// fatal for startup.
func (d *Device) Init(_ context.Context, ports audio.Ports) error {
	if err := ports.Validate(); err != nil {
		return fmt.Errorf("serial: init: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rw != nil {
		return nil
	}
	rw, err := d.open(d.port, d.baudRate)
	if err != nil {
		return fmt.Errorf("serial: open %s at %d baud: %w", d.port, d.baudRate, err)
	}
	d.rw = rw
	d.ports = ports
	d.log.Info("serial: port opened", "port", d.port, "baud_rate", d.baudRate)
	return nil
}

// Start implements [audio.Device]. It announces the conversation mode and
// starts the read and playback loops.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.rw == nil {
		d.mu.Unlock()
		return audio.ErrNotInitialized
	}
	if d.started {
		d.mu.Unlock()
		return audio.ErrAlreadyStarted
	}
	d.started = true
	rw, ports, mode := d.rw, d.ports, d.mode
	d.mu.Unlock()

	hello, err := audio.EncodeMode(mode)
	if err != nil {
		return err
	}
	if err := d.writeLine(rw, hello); err != nil {
		return fmt.Errorf("serial: send mode: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		err := d.readLoop(rw, ports.Events)
		if ctx.Err() != nil {
			// The port was closed by us.
			err = nil
		}
		cancel()
		d.finish(err)
	}()
	go d.pump(ctx, rw, ports.Clips)
	go func() {
		<-ctx.Done()
		// Unblocks the read loop.
		_ = rw.Close()
		d.finish(nil)
	}()
	return nil
}

// Join implements [audio.Device]. It returns nil after a clean stop and the
// read error when the line failed.
func (d *Device) Join() error {
	<-d.done
	return d.doneErr
}

func (d *Device) finish(err error) {
	d.once.Do(func() {
		d.doneErr = err
		close(d.done)
	})
}

func (d *Device) readLoop(r io.Reader, sink audio.EventSink) error {
	br := bufio.NewReaderSize(r, 64<<10)
	var (
		line     []byte
		oversize bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		switch {
		case oversize:
		case len(line)+len(chunk) > d.maxFrame+1:
			oversize = true
			line = line[:0]
		default:
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if oversize {
			d.log.Warn("serial: dropping oversized frame", "limit", d.maxFrame)
			oversize = false
		} else {
			d.handleLine(bytes.TrimRight(line, "\r\n"), sink)
		}
		line = line[:0]

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("serial: read: %w", err)
		}
	}
}

func (d *Device) handleLine(line []byte, sink audio.EventSink) {
	if len(line) == 0 {
		return
	}
	ev, err := audio.DecodeEvent(line)
	if err != nil {
		d.log.Warn("serial: dropping frame", "err", err)
		return
	}
	sink.Push(ev)
}

func (d *Device) pump(ctx context.Context, w io.Writer, clips audio.ClipSource) {
	for {
		clip, err := clips.Pop(ctx)
		if err != nil {
			return
		}
		data, err := audio.EncodeClip(clip)
		if err != nil {
			d.log.Error("serial: encode clip", "origin", clip.Origin, "err", err)
			continue
		}
		if err := d.writeLine(w, data); err != nil {
			d.log.Warn("serial: clip lost, write failed", "origin", clip.Origin, "err", err)
			return
		}
	}
}

func (d *Device) writeLine(w io.Writer, data []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}
