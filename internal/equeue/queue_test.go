package equeue

import (
	"context"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	q := NewQueue()
	q.Post(Item{Event: "a"})
	q.Post(Item{Event: "b"})
	q.Post(Item{Event: "c"})

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		item, ok := q.Next(ctx)
		if !ok {
			t.Fatalf("Next() returned false, want item %q", want)
		}
		if item.Event != want {
			t.Fatalf("Next() = %q, want %q", item.Event, want)
		}
	}
}

func TestNextBlocksUntilPost(t *testing.T) {
	q := NewQueue()
	done := make(chan Item, 1)
	go func() {
		item, ok := q.Next(context.Background())
		if ok {
			done <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Post(Item{Event: "later"})

	select {
	case item := <-done:
		if item.Event != "later" {
			t.Fatalf("got %q, want later", item.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for blocked Next to return")
	}
}

func TestNextRespectsContextCancellation(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Next(ctx)
	if ok {
		t.Fatal("expected Next to return false for a cancelled context")
	}
}

func TestCloseDrainsThenStops(t *testing.T) {
	q := NewQueue()
	q.Post(Item{Event: "x"})
	q.Close()

	item, ok := q.Next(context.Background())
	if !ok || item.Event != "x" {
		t.Fatalf("expected to drain pending item, got %v, %v", item, ok)
	}
	_, ok = q.Next(context.Background())
	if ok {
		t.Fatal("expected Next to return false once drained and closed")
	}
}
