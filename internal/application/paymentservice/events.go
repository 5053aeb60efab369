package paymentservice

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tuncanbit/cpg/internal/domain"
)

// ListenerFunc handles one lifecycle event. It runs on the listener's own
// goroutine, so a slow listener never delays the others.
type ListenerFunc func(ctx context.Context, event domain.Event)

type envelope struct {
	event   domain.Event
	pending *atomic.Int64
}

type subscription struct {
	name  string
	types map[domain.EventType]bool
	fn    ListenerFunc

	mu     sync.Mutex
	queue  []envelope
	closed bool
	wake   chan struct{}
}

func (s *subscription) wants(t domain.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

func (s *subscription) push(env envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks until events are queued and returns all of them, or returns
// nil once the subscription is closed and drained.
func (s *subscription) next() []envelope {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			return batch
		}
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		<-s.wake
	}
}

// EventBus fans lifecycle events out to independent listeners. Every
// listener has its own unbounded queue: Publish never blocks and no event is
// dropped, however slow a listener is.
type EventBus struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	subs    []*subscription
	started bool
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	listeners sync.WaitGroup
}

func NewEventBus(logger zerolog.Logger) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventBus{
		logger: logger.With().Str("component", "event_bus").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers fn for the given event types, or for every event when
// none are given. Subscriptions made after Close are ignored.
func (b *EventBus) Subscribe(name string, fn ListenerFunc, types ...domain.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscription{
		name: name,
		fn:   fn,
		wake: make(chan struct{}, 1),
	}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)
	if b.started {
		b.run(sub)
	}
}

func (b *EventBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true

	for _, sub := range b.subs {
		b.run(sub)
	}
}

func (b *EventBus) run(sub *subscription) {
	b.listeners.Add(1)
	go func() {
		defer b.listeners.Done()
		for batch := sub.next(); batch != nil; batch = sub.next() {
			for _, env := range batch {
				b.deliver(sub, env)
			}
		}
	}()
}

func (b *EventBus) deliver(sub *subscription, env envelope) {
	defer func() {
		if env.pending != nil {
			env.pending.Add(-1)
		}
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("listener", sub.name).
				Str("event", string(env.event.Type)).
				Msg("Event listener panicked")
		}
	}()
	sub.fn(b.ctx, env.event)
}

// Publish queues event for every interested listener. It reports false only
// when the bus is closed.
func (b *EventBus) Publish(event domain.Event) bool {
	return b.publish(event, nil)
}

// publish counts every queued delivery on pending before it is queued, so
// pending only reaches zero once all listeners have handled the event.
func (b *EventBus) publish(event domain.Event, pending *atomic.Int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn().
			Str("event", string(event.Type)).
			Str("payment_id", event.PaymentID).
			Msg("Event bus closed, discarding event")
		return false
	}

	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		if pending != nil {
			pending.Add(1)
		}
		sub.push(envelope{event: event, pending: pending})
	}
	return true
}

// Close stops accepting events, lets the listeners drain what is queued and
// waits for them to finish or ctx to expire.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		sub.signal()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.listeners.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}
