package realtime

import (
	"context"
	"sync"
)

// Subscription receives values from an emitter in emit order. Its queue
// is unbounded, so a slow subscriber never blocks the emitter.
type Subscription[T any] struct {
	filter func(T) bool
	out    chan T
	wake   chan struct{}
	done   chan struct{}
	remove func()

	mu     sync.Mutex
	queue  []T
	closed bool
	once   sync.Once
}

func newSubscription[T any](filter func(T) bool) *Subscription[T] {
	s := &Subscription[T]{
		filter: filter,
		out:    make(chan T),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// C delivers values in order. It is closed after Unsubscribe.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Next returns the next value, blocking until one arrives, the
// subscription ends, or ctx is done.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-s.out:
		if !ok {
			return zero, ErrSubscriptionClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Unsubscribe stops delivery. Values still queued are discarded.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.remove != nil {
			s.remove()
		}
	})
}

func (s *Subscription[T]) push(v T) {
	if s.filter != nil && !s.filter(v) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		var zero T
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}

// Emitter fans values out to subscribers. Emit never blocks.
type Emitter[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	order  []*Subscription[T]
	closed bool
}

// Subscribe registers a subscriber. A nil filter accepts every value.
func (e *Emitter[T]) Subscribe(filter func(T) bool) *Subscription[T] {
	s := newSubscription(filter)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		s.Unsubscribe()
		return s
	}
	if e.subs == nil {
		e.subs = make(map[*Subscription[T]]struct{})
	}
	e.subs[s] = struct{}{}
	e.order = append(e.order, s)
	s.remove = func() { e.drop(s) }
	return s
}

// On calls fn for every value in order on a dedicated goroutine.
func (e *Emitter[T]) On(fn func(T)) *Subscription[T] {
	s := e.Subscribe(nil)
	go func() {
		for v := range s.C() {
			fn(v)
		}
	}()
	return s
}

// Emit queues v for every subscriber.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.order {
		s.push(v)
	}
}

// Close unsubscribes everyone. Later subscriptions are closed at once.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	e.closed = true
	subs := e.order
	e.order = nil
	e.subs = nil
	e.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (e *Emitter[T]) drop(s *Subscription[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[s]; !ok {
		return
	}
	delete(e.subs, s)
	for i, o := range e.order {
		if o == s {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}
