package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// inprocRegistry pairs up "inproc://name" servers and clients created
// within the same process, the way net.Pipe pairs up two ends of a
// connection without touching the network stack.
var (
	inprocMu    sync.Mutex
	inprocPeers = map[string]*inprocServer{}
)

func init() {
	RegisterServer("inproc", newInprocServer)
	RegisterClient("inproc", newInprocClient)
}

type inprocServer struct {
	uri     string
	logger  *slog.Logger
	mu      sync.Mutex
	handler ServerHandler
	clients map[string]*inprocClient
	nextID  int64
}

func newInprocServer(uri string, logger *slog.Logger) (ServerSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &inprocServer{uri: uri, logger: logger, clients: map[string]*inprocClient{}}

	inprocMu.Lock()
	defer inprocMu.Unlock()
	if _, exists := inprocPeers[uri]; exists {
		return nil, fmt.Errorf("transport: inproc address %q already bound", uri)
	}
	inprocPeers[uri] = s
	return s, nil
}

func (s *inprocServer) Open(ctx context.Context, handler ServerHandler) error {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return nil
}

func (s *inprocServer) Send(identity string, frame Frame) error {
	s.mu.Lock()
	client, ok := s.clients[identity]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no inproc connection %q", identity)
	}
	client.deliverFromServer(frame)
	return nil
}

func (s *inprocServer) Close() error {
	inprocMu.Lock()
	delete(inprocPeers, s.uri)
	inprocMu.Unlock()

	s.mu.Lock()
	clients := make([]*inprocClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.handler = nil
	s.mu.Unlock()

	for _, c := range clients {
		c.serverClosed()
	}
	return nil
}

func (s *inprocServer) connect(c *inprocClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return fmt.Errorf("transport: inproc server %q not open", s.uri)
	}
	s.nextID++
	c.identity = fmt.Sprintf("%s#%d", s.uri, s.nextID)
	s.clients[c.identity] = c
	return nil
}

func (s *inprocServer) disconnect(c *inprocClient) {
	s.mu.Lock()
	_, ok := s.clients[c.identity]
	delete(s.clients, c.identity)
	handler := s.handler
	s.mu.Unlock()
	if ok && handler != nil {
		handler.HandleDisconnect(c.identity)
	}
}

func (s *inprocServer) deliverFromClient(c *inprocClient, frame Frame) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler.HandleFrame(c.identity, frame)
	}
}

type inprocClient struct {
	uri      string
	logger   *slog.Logger
	server   *inprocServer
	identity string

	mu        sync.Mutex
	callbacks map[int64]func(Frame)
	defaultCB func(Frame)
	nextID    atomic.Int64
	closed    bool
}

func newInprocClient(uri string, logger *slog.Logger) (ClientSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &inprocClient{uri: uri, logger: logger, callbacks: map[int64]func(Frame){}}, nil
}

func (c *inprocClient) Open(ctx context.Context) error {
	inprocMu.Lock()
	server, ok := inprocPeers[c.uri]
	inprocMu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no inproc server bound at %q", c.uri)
	}
	c.server = server
	if err := server.connect(c); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return nil
}

func (c *inprocClient) Request(frame Frame, callback func(Frame)) (int64, error) {
	id := c.nextID.Add(1)
	out := Frame{}
	for k, v := range frame {
		out[k] = v
	}
	out["id"] = id

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, fmt.Errorf("transport: inproc connection closed")
	}
	if callback != nil {
		c.callbacks[id] = callback
	}
	c.mu.Unlock()

	c.server.deliverFromClient(c, out)
	return id, nil
}

func (c *inprocClient) Unrequest(id int64) {
	c.mu.Lock()
	delete(c.callbacks, id)
	c.mu.Unlock()
}

func (c *inprocClient) Send(frame Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("transport: inproc connection closed")
	}
	c.server.deliverFromClient(c, frame)
	return nil
}

func (c *inprocClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.server != nil {
		c.server.disconnect(c)
	}
	return nil
}

func (c *inprocClient) deliverFromServer(frame Frame) {
	id, hasID := idOf(frame)
	c.mu.Lock()
	var cb func(Frame)
	if hasID {
		cb = c.callbacks[id]
	}
	if cb == nil {
		cb = c.defaultCB
	}
	c.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

func (c *inprocClient) SetDefaultHandler(handler func(Frame)) {
	c.mu.Lock()
	c.defaultCB = handler
	c.mu.Unlock()
}

func (c *inprocClient) serverClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func idOf(frame Frame) (int64, bool) {
	return FrameID(frame)
}

// FrameID extracts a frame's "id" field as an int64, accepting any of
// the numeric forms the JSON decoder or an in-process caller might
// produce for it.
func FrameID(frame Frame) (int64, bool) {
	switch v := frame["id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
