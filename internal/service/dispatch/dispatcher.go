package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/sirupsen/logrus"
)

const defaultQueueSize = 256

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher fans order, book and balance events out to independently paced
// subscribers. Each subscriber owns a bounded queue; a slow subscriber never
// blocks the ingestion path. On overflow the oldest events are dropped and a
// single DISPATCH_OVERFLOW marker is synthesized so the subscriber knows to
// resynchronize with a full-state pull.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	queueSize   int
	closed      bool
}

func NewDispatcher(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Dispatcher{
		subscribers: make(map[string]*Subscriber),
		queueSize:   queueSize,
	}
}

// Subscribe registers a named subscriber. An existing subscriber with the
// same name is replaced.
func (d *Dispatcher) Subscribe(name string) *Subscriber {
	sub := &Subscriber{
		name:     name,
		capacity: d.queueSize,
		notify:   make(chan struct{}, 1),
	}

	d.mu.Lock()
	d.subscribers[name] = sub
	d.mu.Unlock()

	return sub
}

func (d *Dispatcher) Unsubscribe(name string) {
	d.mu.Lock()
	delete(d.subscribers, name)
	d.mu.Unlock()
}

// Publish enqueues the event for every subscriber. It never blocks.
func (d *Dispatcher) Publish(event entity.OrderEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}

	for _, sub := range d.subscribers {
		sub.enqueue(event)
	}
}

func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for _, sub := range d.subscribers {
		sub.close()
	}
}

// Subscriber is one bounded consumer queue.
type Subscriber struct {
	name     string
	capacity int

	mu            sync.Mutex
	queue         []entity.OrderEvent
	overflowed    bool
	markerPending bool
	overflowedAt  time.Time
	closed        bool
	notify        chan struct{}
}

func (s *Subscriber) Name() string {
	return s.name
}

func (s *Subscriber) enqueue(event entity.OrderEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.queue = append(s.queue, event)

	// The marker lives outside the queue until delivered so drop-oldest can
	// never evict it; everything still queued is newer than the gap, so
	// handing it out first keeps ordering honest.
	limit := s.capacity
	if s.markerPending {
		limit--
	}
	if len(s.queue) > limit {
		if !s.overflowed {
			s.overflowed = true
			s.markerPending = true
			s.overflowedAt = time.Now().UTC()
			limit--
			logrus.WithField("subscriber", s.name).Warn("subscriber queue overflowed, oldest events dropped")
		}
		if limit < 1 {
			limit = 1
		}
		s.queue = s.queue[len(s.queue)-limit:]
	}

	s.wake()
}

// Next pops the oldest pending event, waiting until one arrives or the
// context ends. A pending overflow marker is delivered before queued events.
func (s *Subscriber) Next(ctx context.Context) (entity.OrderEvent, error) {
	for {
		s.mu.Lock()
		if s.markerPending {
			s.markerPending = false
			at := s.overflowedAt
			s.mu.Unlock()
			return entity.OrderEvent{
				Type: entity.OrderEventDispatchOverflow,
				At:   at,
			}, nil
		}
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return entity.OrderEvent{}, ErrDispatcherClosed
		}

		select {
		case <-ctx.Done():
			return entity.OrderEvent{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Pending reports the queue depth, including an undelivered overflow marker.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := len(s.queue)
	if s.markerPending {
		pending++
	}
	return pending
}

// MarkResynced clears the overflow flag after the subscriber has pulled full
// state; the next overflow produces a fresh marker.
func (s *Subscriber) MarkResynced() {
	s.mu.Lock()
	s.overflowed = false
	s.mu.Unlock()
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}
