package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func init() {
	RegisterServer("ws", newWSServer)
	RegisterServer("wss", newWSServer)
	RegisterClient("ws", newWSClient)
	RegisterClient("wss", newWSClient)
}

// wsServer accepts WebSocket connections on a bound address and
// forwards every decoded frame to a ServerHandler, one connection per
// identity, grounded on the Home Assistant client's message-loop
// shape but run server-side.
type wsServer struct {
	uri      string
	addr     string
	logger   *slog.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func newWSServer(uri string, logger *slog.Logger) (ServerSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("transport: parse ws uri %q: %w", uri, err)
	}
	return &wsServer{
		uri:      uri,
		addr:     u.Host,
		logger:   logger,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:    map[string]*websocket.Conn{},
	}, nil
}

func (s *wsServer) Open(ctx context.Context, handler ServerHandler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("ws upgrade failed", "error", err)
			return
		}
		identity, err := uuid.NewV7()
		if err != nil {
			s.logger.Error("ws generate connection identity", "error", err)
			conn.Close()
			return
		}
		id := identity.String()
		s.mu.Lock()
		s.conns[id] = conn
		s.mu.Unlock()

		go s.readLoop(id, conn, handler)
	})

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("transport: listen %q: %w", s.addr, err)
	}
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ws server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return nil
}

func (s *wsServer) readLoop(identity string, conn *websocket.Conn, handler ServerHandler) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, identity)
		s.mu.Unlock()
		conn.Close()
		handler.HandleDisconnect(identity)
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws read error", "identity", identity, "error", err)
			}
			return
		}
		handler.HandleFrame(identity, frame)
	}
}

func (s *wsServer) Send(identity string, frame Frame) error {
	s.mu.Lock()
	conn, ok := s.conns[identity]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no ws connection %q", identity)
	}
	return conn.WriteJSON(frame)
}

func (s *wsServer) Close() error {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = map[string]*websocket.Conn{}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if s.httpSrv != nil {
		return s.httpSrv.Close()
	}
	return nil
}

// wsClient dials a single WebSocket endpoint and correlates replies to
// requests by the "id" field of each frame, the same pattern as
// WSClient.sendAndWait/readLoop but generalised to arbitrary callbacks
// instead of one-shot channels.
type wsClient struct {
	uri    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	nextID atomic.Int64

	cbMu      sync.Mutex
	cb        map[int64]func(Frame)
	defaultCB func(Frame)
}

func newWSClient(uri string, logger *slog.Logger) (ClientSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsClient{uri: uri, logger: logger, cb: map[int64]func(Frame){}}, nil
}

func (c *wsClient) Open(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.uri, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %q: %w", c.uri, err)
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn)
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return nil
}

func (c *wsClient) readLoop(conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("ws client read error", "uri", c.uri, "error", err)
			}
			return
		}
		id, hasID := idOf(frame)
		c.cbMu.Lock()
		var cb func(Frame)
		if hasID {
			cb = c.cb[id]
		}
		if cb == nil {
			cb = c.defaultCB
		}
		c.cbMu.Unlock()
		if cb != nil {
			cb(frame)
		}
	}
}

func (c *wsClient) Request(frame Frame, callback func(Frame)) (int64, error) {
	id := c.nextID.Add(1)
	out := Frame{}
	for k, v := range frame {
		out[k] = v
	}
	out["id"] = id

	if callback != nil {
		c.cbMu.Lock()
		c.cb[id] = callback
		c.cbMu.Unlock()
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("transport: ws client %q not open", c.uri)
	}
	if err := conn.WriteJSON(out); err != nil {
		return 0, fmt.Errorf("transport: send frame %d: %w", id, err)
	}
	return id, nil
}

func (c *wsClient) Unrequest(id int64) {
	c.cbMu.Lock()
	delete(c.cb, id)
	c.cbMu.Unlock()
}

func (c *wsClient) Send(frame Frame) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: ws client %q not open", c.uri)
	}
	return conn.WriteJSON(frame)
}

func (c *wsClient) SetDefaultHandler(handler func(Frame)) {
	c.cbMu.Lock()
	c.defaultCB = handler
	c.cbMu.Unlock()
}

func (c *wsClient) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
