// Package bus implements the in-process event bus: one publish-subscribe
// topic per [types.EventKind].
//
// Delivery is synchronous. [Bus.Publish] runs every handler registered for
// the event's kind on the caller's goroutine, in subscription order. A
// handler that returns an error or panics is logged and counted; the
// remaining handlers still run and Publish itself never fails because of a
// subscriber.
//
// The handler list is snapshotted before delivery, so handlers may subscribe,
// unsubscribe, or publish from inside a callback without deadlocking.
// Subscriptions made during a delivery take effect for the next event.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/MrWong99/aily/internal/observe"
	"github.com/MrWong99/aily/pkg/types"
)

// Sentinel errors returned by [Bus.Subscribe].
var (
	ErrInvalidKind = errors.New("bus: invalid event kind")
	ErrNilHandler  = errors.New("bus: nil handler")
)

// Handler receives one event. A non-nil error is reported by the bus and
// otherwise ignored.
type Handler func(ctx context.Context, ev types.Event) error

// Option configures a [Bus].
type Option func(*Bus)

// WithLogger sets the logger used for subscriber faults.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithMetrics sets the metrics sink. Without it the bus records nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

type subscriber struct {
	id uint64
	h  Handler
}

// Bus is a set of independent topics, one per event kind. It is safe for
// concurrent use.
type Bus struct {
	log     *slog.Logger
	metrics *observe.Metrics

	mu     sync.RWMutex
	topics map[types.EventKind][]subscriber
	nextID uint64
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		log:    slog.Default(),
		topics: make(map[types.EventKind][]subscriber, len(types.EventKinds())),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscription is the handle returned by [Bus.Subscribe].
type Subscription struct {
	bus  *Bus
	kind types.EventKind
	id   uint64
	once sync.Once
}

// Kind returns the topic the subscription is registered on.
func (s *Subscription) Kind() types.EventKind { return s.kind }

// Unsubscribe removes the handler from its topic. Calling it more than once
// is a no-op. An in-flight Publish that already took its snapshot may still
// invoke the handler one last time.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s.kind, s.id) })
}

// Subscribe registers h on the topic for kind. The same handler may be
// registered several times; each registration is invoked once per event.
func (b *Bus) Subscribe(kind types.EventKind, h Handler) (*Subscription, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, uint8(kind))
	}
	if h == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.topics[kind] = append(b.topics[kind], subscriber{id: id, h: h})
	return &Subscription{bus: b, kind: kind, id: id}, nil
}

// SubscribeAll registers h on every topic and returns one subscription per
// kind, in [types.EventKinds] order.
func (b *Bus) SubscribeAll(h Handler) ([]*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	kinds := types.EventKinds()
	subs := make([]*Subscription, 0, len(kinds))
	for _, k := range kinds {
		s, err := b.Subscribe(k, h)
		if err != nil {
			for _, prev := range subs {
				prev.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, nil
}

// Subscribers returns the number of handlers currently registered for kind.
func (b *Bus) Subscribers(kind types.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[kind])
}

// Publish delivers ev to every handler registered on its topic. Events with
// an invalid kind are dropped with a warning.
func (b *Bus) Publish(ctx context.Context, ev types.Event) {
	if !ev.Kind.IsValid() {
		b.log.Warn("bus: dropping event with invalid kind", "kind", ev.Kind.String(), "event_id", ev.ID)
		return
	}

	b.mu.RLock()
	subs := b.topics[ev.Kind]
	b.mu.RUnlock()

	// remove() always builds a fresh slice, so the snapshot stays stable
	// even if the topic changes while we deliver.
	for i, s := range subs {
		b.deliver(ctx, i, s, ev)
	}
	if b.metrics != nil {
		b.metrics.RecordEventDispatched(ctx, ev.Kind.String())
	}
}

func (b *Bus) deliver(ctx context.Context, index int, s subscriber, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.fault(ctx, index, ev, fmt.Errorf("panic: %v", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	if err := s.h(ctx, ev); err != nil {
		b.fault(ctx, index, ev, err)
	}
}

func (b *Bus) fault(ctx context.Context, index int, ev types.Event, err error, extra ...slog.Attr) {
	attrs := append([]slog.Attr{
		slog.String("kind", ev.Kind.String()),
		slog.String("event_id", ev.ID),
		slog.Int("subscriber", index),
		slog.Any("err", err),
	}, extra...)
	b.log.LogAttrs(ctx, slog.LevelError, "bus: subscriber failed", attrs...)
	if b.metrics != nil {
		b.metrics.RecordSubscriberFault(ctx, ev.Kind.String())
	}
}

func (b *Bus) remove(kind types.EventKind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[kind]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.topics[kind] = next
			return
		}
	}
}
