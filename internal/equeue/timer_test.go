package equeue

import (
	"context"
	"testing"
	"time"
)

func TestTimerLoopPostsTicks(t *testing.T) {
	q := NewQueue()
	loop := NewTimerLoop(10*time.Millisecond, q)
	loop.Start()
	defer loop.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	item, ok := q.Next(ctx)
	if !ok {
		t.Fatal("expected at least one tick before timeout")
	}
	if item.Event != EventTick {
		t.Fatalf("got event %q, want %q", item.Event, EventTick)
	}
}

func TestTimerLoopStopIsIdempotent(t *testing.T) {
	q := NewQueue()
	loop := NewTimerLoop(5*time.Millisecond, q)
	loop.Start()
	loop.Stop()
	loop.Stop() // must not block or panic
}

func TestTimerLoopStopWithoutStart(t *testing.T) {
	q := NewQueue()
	loop := NewTimerLoop(5*time.Millisecond, q)
	loop.Stop() // must not block or panic
}
