// Package transport implements the ClientSocket/ServerSocket
// abstraction: a URI-scheme-keyed factory registry, a UTF-8 JSON
// one-object-per-frame codec, and concrete registrations for
// in-process, ws://, and mqtt:// connections.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Frame is one decoded JSON object, matching the wire codec every
// transport speaks: UTF-8 JSON, one object per frame.
type Frame map[string]any

// ServerHandler receives frames from a ServerSocket and is notified of
// connection lifecycle events. The router implements this to
// dispatch inbound requests.
type ServerHandler interface {
	// HandleFrame is invoked once per inbound frame. identity names
	// the connection that sent it, stable for its lifetime.
	HandleFrame(identity string, frame Frame)
	// HandleDisconnect is invoked once a connection with the given
	// identity has gone away.
	HandleDisconnect(identity string)
}

// ServerSocket accepts connections on a bound address and dispatches
// their frames to a ServerHandler.
type ServerSocket interface {
	// Open starts accepting connections and delivering frames to
	// handler until ctx is cancelled or Close is called.
	Open(ctx context.Context, handler ServerHandler) error
	// Send delivers frame to the connection identified by identity.
	// The inproc:// and ws:// transports return a plain error (not a
	// *merr.Error) if no such connection is open; the mqtt://
	// transport publishes to the identity's topic without checking.
	Send(identity string, frame Frame) error
	// Close shuts down the listener and every open connection.
	Close() error
}

// ClientSocket connects to a single remote endpoint, correlating
// requests to responses by the frame's integer "id" field.
type ClientSocket interface {
	// Open establishes the connection and starts the background
	// receive loop.
	Open(ctx context.Context) error
	// Request sends frame (with a freshly assigned "id") and registers
	// callback to receive every subsequent frame carrying that id,
	// until Unrequest is called. It returns the assigned id.
	Request(frame Frame, callback func(Frame)) (id int64, err error)
	// Unrequest releases a callback registered by Request.
	Unrequest(id int64)
	// Send transmits frame without assigning or rewriting its "id"
	// field; the mqtt:// transport adds only a "reply_to" field naming
	// this connection's reply topic. Used by backend providers echoing a
	// router-assigned id and identities back on a reply.
	Send(frame Frame) error
	// SetDefaultHandler registers a callback for inbound frames whose
	// id has no matching Request callback — the case for a backend
	// provider receiving requests pushed by the router rather than
	// replies it asked for.
	SetDefaultHandler(handler func(Frame))
	// Close tears down the connection.
	Close() error
}

// ServerFactory builds a ServerSocket bound to uri.
type ServerFactory func(uri string, logger *slog.Logger) (ServerSocket, error)

// ClientFactory builds a ClientSocket that will connect to uri.
type ClientFactory func(uri string, logger *slog.Logger) (ClientSocket, error)

var (
	registryMu     sync.RWMutex
	serverFactory  = map[string]ServerFactory{}
	clientFactory  = map[string]ClientFactory{}
)

// RegisterServer associates scheme (e.g. "ws", "mqtt") with a
// ServerFactory. Intended to be called from each transport's package
// init.
func RegisterServer(scheme string, factory ServerFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	serverFactory[scheme] = factory
}

// RegisterClient associates scheme with a ClientFactory.
func RegisterClient(scheme string, factory ClientFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	clientFactory[scheme] = factory
}

// NewServer builds a ServerSocket for uri using the factory registered
// for its scheme.
func NewServer(uri string, logger *slog.Logger) (ServerSocket, error) {
	scheme, err := schemeOf(uri)
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	factory, ok := serverFactory[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: no server registered for scheme %q", scheme)
	}
	return factory(uri, logger)
}

// NewClient builds a ClientSocket for uri using the factory registered
// for its scheme.
func NewClient(uri string, logger *slog.Logger) (ClientSocket, error) {
	scheme, err := schemeOf(uri)
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	factory, ok := clientFactory[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: no client registered for scheme %q", scheme)
	}
	return factory(uri, logger)
}

func schemeOf(uri string) (string, error) {
	for i, c := range uri {
		if c == ':' {
			return uri[:i], nil
		}
	}
	return "", fmt.Errorf("transport: uri %q has no scheme", uri)
}
