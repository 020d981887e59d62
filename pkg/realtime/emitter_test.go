package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func nextWithin[T any](t *testing.T, s *Subscription[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return v
}

func TestEmitterOrder(t *testing.T) {
	var e Emitter[int]
	a := e.Subscribe(nil)
	b := e.Subscribe(func(v int) bool { return v%2 == 0 })

	// Nobody reads while emitting: Emit must not block.
	for i := 0; i < 1000; i++ {
		e.Emit(i)
	}
	for i := 0; i < 1000; i++ {
		if got := nextWithin(t, a); got != i {
			t.Fatalf("a: got %d, want %d", got, i)
		}
	}
	for i := 0; i < 1000; i += 2 {
		if got := nextWithin(t, b); got != i {
			t.Fatalf("b: got %d, want %d", got, i)
		}
	}
}

func TestSubscriptionUnsubscribe(t *testing.T) {
	var e Emitter[string]
	s := e.Subscribe(nil)
	e.Emit("one")
	s.Unsubscribe()
	s.Unsubscribe()
	e.Emit("two")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, err := s.Next(ctx)
		if errors.Is(err, ErrSubscriptionClosed) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if len(e.order) != 0 {
		t.Fatalf("subscriber still registered: %d", len(e.order))
	}
}

func TestEmitterOn(t *testing.T) {
	var e Emitter[int]
	got := make(chan int, 3)
	e.On(func(v int) { got <- v })
	e.Emit(1)
	e.Emit(2)
	e.Emit(3)
	for want := 1; want <= 3; want++ {
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("got %d, want %d", v, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	}
}

func TestEmitterClose(t *testing.T) {
	var e Emitter[int]
	s := e.Subscribe(nil)
	e.Close()
	if _, ok := <-s.C(); ok {
		t.Fatal("channel open after Close")
	}
	late := e.Subscribe(nil)
	if _, ok := <-late.C(); ok {
		t.Fatal("late subscription open after Close")
	}
	e.Emit(1)
}

func TestNextContext(t *testing.T) {
	var e Emitter[int]
	s := e.Subscribe(nil)
	defer s.Unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next = %v, want context.Canceled", err)
	}
}
