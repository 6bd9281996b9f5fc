package transport

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu        sync.Mutex
	frames    []Frame
	identity  string
	disconned bool
	server    ServerSocket
}

func (h *recordingHandler) HandleFrame(identity string, frame Frame) {
	h.mu.Lock()
	h.identity = identity
	h.frames = append(h.frames, frame)
	h.mu.Unlock()

	if frame["type"] == "Get" {
		_ = h.server.Send(identity, Frame{"id": frame["id"], "type": "Return", "value": "malcolm"})
	}
}

func (h *recordingHandler) HandleDisconnect(identity string) {
	h.mu.Lock()
	h.disconned = true
	h.mu.Unlock()
}

func TestInprocRequestResponse(t *testing.T) {
	uri := "inproc://test-router-1"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := NewServer(uri, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	handler := &recordingHandler{server: server}
	if err := server.Open(ctx, handler); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer server.Close()

	client, err := NewClient(uri, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Open(ctx); err != nil {
		t.Fatalf("client Open: %v", err)
	}
	defer client.Close()

	reply := make(chan Frame, 1)
	if _, err := client.Request(Frame{"type": "Get", "endpoint": "malcolm"}, func(f Frame) {
		reply <- f
	}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	select {
	case f := <-reply:
		if f["value"] != "malcolm" {
			t.Fatalf("reply value = %v, want malcolm", f["value"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestInprocUnknownScheme(t *testing.T) {
	if _, err := NewServer("zmq://unsupported", nil); err == nil {
		t.Fatal("expected error for unregistered scheme")
	}
}

func TestInprocDisconnectNotifiesHandler(t *testing.T) {
	uri := "inproc://test-router-2"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := NewServer(uri, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	handler := &recordingHandler{server: server}
	if err := server.Open(ctx, handler); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer server.Close()

	client, err := NewClient(uri, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Open(ctx); err != nil {
		t.Fatalf("client Open: %v", err)
	}

	if _, err := client.Request(Frame{"type": "Get"}, nil); err != nil {
		t.Fatalf("Request: %v", err)
	}
	client.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		done := handler.disconned
		handler.mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("handler never saw disconnect")
}
