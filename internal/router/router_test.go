package router

import (
	"context"
	"testing"
	"time"

	"github.com/dls-controls/malcolm/internal/transport"
)

func newTestRouter(t *testing.T) (*Router, context.Context, transport.ClientSocket, transport.ClientSocket) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	feURI := "inproc://router-fe-" + t.Name()
	beURI := "inproc://router-be-" + t.Name()

	fe, err := transport.NewServer(feURI, nil)
	if err != nil {
		t.Fatalf("NewServer fe: %v", err)
	}
	be, err := transport.NewServer(beURI, nil)
	if err != nil {
		t.Fatalf("NewServer be: %v", err)
	}

	r := New(nil, fe, be, nil)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	client, err := transport.NewClient(feURI, nil)
	if err != nil {
		t.Fatalf("NewClient fe: %v", err)
	}
	if err := client.Open(ctx); err != nil {
		t.Fatalf("client Open: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	provider, err := transport.NewClient(beURI, nil)
	if err != nil {
		t.Fatalf("NewClient be: %v", err)
	}
	if err := provider.Open(ctx); err != nil {
		t.Fatalf("provider Open: %v", err)
	}
	t.Cleanup(func() { provider.Close() })

	return r, ctx, client, provider
}

// S5: router forwards Call to a registered provider, which replies,
// and the router routes the reply back to the original client.
func TestRouterForwardsCall(t *testing.T) {
	_, _, client, provider := newTestRouter(t)

	providerInbox := make(chan transport.Frame, 4)
	provider.SetDefaultHandler(func(f transport.Frame) {
		providerInbox <- f
	})
	if err := provider.Send(transport.Frame{"type": "Ready", "device": "zebra1"}); err != nil {
		t.Fatalf("provider Ready: %v", err)
	}

	// Give the router's single dispatch loop a moment to record the
	// provider before the client calls in.
	time.Sleep(20 * time.Millisecond)

	clientReplies := make(chan transport.Frame, 4)
	if _, err := client.Request(transport.Frame{"id": int64(0), "type": "Call", "method": "zebra1.do"}, func(f transport.Frame) {
		clientReplies <- f
	}); err != nil {
		t.Fatalf("client Call: %v", err)
	}

	var forwarded transport.Frame
	select {
	case forwarded = <-providerInbox:
	case <-time.After(time.Second):
		t.Fatal("provider never received forwarded call")
	}
	if forwarded["type"] != "Call" || forwarded["method"] != "zebra1.do" {
		t.Fatalf("forwarded frame = %v, want verbatim Call", forwarded)
	}
	if forwarded["device_identity"] == nil || forwarded["client_identity"] == nil {
		t.Fatalf("forwarded frame missing identities: %v", forwarded)
	}

	reply := transport.Frame{
		"type":            "Return",
		"id":              forwarded["id"],
		"client_identity": forwarded["client_identity"],
		"val":             "done",
	}
	if err := provider.Send(reply); err != nil {
		t.Fatalf("provider reply: %v", err)
	}

	select {
	case got := <-clientReplies:
		if got["type"] != "Return" || got["val"] != "done" {
			t.Fatalf("client reply = %v, want Return done", got)
		}
	case <-time.After(time.Second):
		t.Fatal("client never received reply")
	}
}

// S6: calling an unregistered device yields an Error reply naming it.
func TestRouterUnknownDeviceReturnsError(t *testing.T) {
	_, _, client, _ := newTestRouter(t)

	replies := make(chan transport.Frame, 1)
	if _, err := client.Request(transport.Frame{"id": int64(0), "type": "Call", "method": "foo.func", "args": map[string]any{"bar": "bat"}}, func(f transport.Frame) {
		replies <- f
	}); err != nil {
		t.Fatalf("client Call: %v", err)
	}

	select {
	case got := <-replies:
		if got["type"] != "Error" || got["message"] != "No device named foo registered" {
			t.Fatalf("reply = %v, want No device named foo registered", got)
		}
	case <-time.After(time.Second):
		t.Fatal("client never received error reply")
	}
}

func TestRouterIntrospectionListsBuiltinMethods(t *testing.T) {
	_, _, client, _ := newTestRouter(t)

	replies := make(chan transport.Frame, 1)
	if _, err := client.Request(transport.Frame{"id": int64(0), "type": "Get", "param": "malcolm"}, func(f transport.Frame) {
		replies <- f
	}); err != nil {
		t.Fatalf("client Get: %v", err)
	}

	select {
	case got := <-replies:
		val, ok := got["val"].(map[string]any)
		if !ok {
			t.Fatalf("val = %v, want map", got["val"])
		}
		methods, ok := val["methods"].(map[string]any)
		if !ok || methods["devices"] == nil || methods["exit"] == nil {
			t.Fatalf("methods = %v, want devices and exit", val["methods"])
		}
	case <-time.After(time.Second):
		t.Fatal("client never received introspection reply")
	}
}

func TestRouterDeviceReadyTracksProviderLifecycle(t *testing.T) {
	r, _, _, provider := newTestRouter(t)

	if r.DeviceReady("zebra1") {
		t.Fatal("zebra1 should not be ready before any provider registers")
	}

	if err := provider.Send(transport.Frame{"type": "Ready", "device": "zebra1"}); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if !r.DeviceReady("zebra1") {
		t.Fatal("zebra1 should be ready after its provider registers")
	}

	provider.Close()
	time.Sleep(20 * time.Millisecond)

	if r.DeviceReady("zebra1") {
		t.Fatal("zebra1 should not be ready after its provider disconnects")
	}
}

func TestRouterListsRegisteredDevices(t *testing.T) {
	_, _, client, provider := newTestRouter(t)

	if err := provider.Send(transport.Frame{"type": "Ready", "device": "zebra1"}); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	replies := make(chan transport.Frame, 1)
	if _, err := client.Request(transport.Frame{"id": int64(0), "type": "Call", "method": "malcolm.devices"}, func(f transport.Frame) {
		replies <- f
	}); err != nil {
		t.Fatalf("client Call: %v", err)
	}

	select {
	case got := <-replies:
		names, ok := got["val"].([]string)
		if !ok || len(names) != 1 || names[0] != "zebra1" {
			t.Fatalf("val = %v, want [zebra1]", got["val"])
		}
	case <-time.After(time.Second):
		t.Fatal("client never received devices reply")
	}
}
