package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

func init() {
	RegisterServer("mqtt", newMQTTServer)
	RegisterServer("mqtts", newMQTTServer)
	RegisterServer("ssl", newMQTTServer)
	RegisterClient("mqtt", newMQTTClient)
	RegisterClient("mqtts", newMQTTClient)
	RegisterClient("ssl", newMQTTClient)
}

// mqttAddr is a parsed mqtt:// transport URI. The path component names
// a topic prefix everything else is rooted under, letting several
// routers or providers share one broker without colliding; it
// defaults to "malcolm" to match the router's default deployment.
type mqttAddr struct {
	brokerURL *url.URL
	prefix    string
	tls       bool
}

func parseMQTTAddr(uri string) (mqttAddr, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return mqttAddr{}, fmt.Errorf("transport: parse mqtt uri %q: %w", uri, err)
	}
	prefix := strings.Trim(u.Path, "/")
	if prefix == "" {
		prefix = "malcolm"
	}
	broker := *u
	broker.Path = ""
	useTLS := u.Scheme == "mqtts" || u.Scheme == "ssl"
	if useTLS {
		broker.Scheme = "tls"
	} else {
		broker.Scheme = "tcp"
	}
	return mqttAddr{brokerURL: &broker, prefix: prefix, tls: useTLS}, nil
}

func (a mqttAddr) requestTopic() string { return a.prefix + "/request" }
func (a mqttAddr) replyTopic(clientID string) string {
	return a.prefix + "/reply/" + clientID
}

// mqttServer is the backend-facing half of an mqtt:// transport: it
// subscribes to the shared request topic and replies to whichever
// per-client topic the frame names, the way an MQTT RPC responder
// works without a persistent TCP peer per client. Grounded on the
// autopaho.ClientConfig/ConnectionManager wiring used by an MQTT
// publisher, generalised from publish-only to request/reply.
type mqttServer struct {
	addr    mqttAddr
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager
	handler ServerHandler
}

func newMQTTServer(uri string, logger *slog.Logger) (ServerSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr, err := parseMQTTAddr(uri)
	if err != nil {
		return nil, err
	}
	return &mqttServer{addr: addr, logger: logger}, nil
}

func (s *mqttServer) Open(ctx context.Context, handler ServerHandler) error {
	s.handler = handler

	routerID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("transport: generate mqtt router identity: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{s.addr.brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt server connected", "broker", s.addr.brokerURL.String())
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: s.addr.requestTopic(), QoS: 1}},
			}); err != nil {
				s.logger.Error("mqtt server subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt server connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "malcolm-router-" + routerID.String()[:8],
		},
	}
	if s.addr.tls {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("transport: mqtt server connect: %w", err)
	}
	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		var frame Frame
		if err := json.Unmarshal(pr.Packet.Payload, &frame); err != nil {
			s.logger.Warn("mqtt server dropped malformed frame", "error", err)
			return true, nil
		}
		identity, _ := frame["reply_to"].(string)
		if identity == "" {
			s.logger.Warn("mqtt server frame missing reply_to")
			return true, nil
		}
		s.handler.HandleFrame(identity, frame)
		return true, nil
	})
	s.cm = cm

	awaitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		s.logger.Warn("mqtt server initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

// Send publishes frame to the per-client reply topic named by
// identity, which mqttServer set as HandleFrame's identity from the
// inbound frame's "reply_to" field.
func (s *mqttServer) Send(identity string, frame Frame) error {
	if s.cm == nil {
		return fmt.Errorf("transport: mqtt server not open")
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("transport: marshal frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = s.cm.Publish(ctx, &paho.Publish{Topic: identity, Payload: payload, QoS: 1})
	return err
}

func (s *mqttServer) Close() error {
	if s.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.cm.Disconnect(ctx)
}

// mqttClient publishes requests to the shared request topic, tagged
// with a reply_to topic unique to this connection, and subscribes to
// that reply topic to correlate responses by "id".
type mqttClient struct {
	addr     mqttAddr
	logger   *slog.Logger
	clientID string

	cm     *autopaho.ConnectionManager
	nextID atomic.Int64

	mu        sync.Mutex
	cb        map[int64]func(Frame)
	defaultCB func(Frame)
}

func newMQTTClient(uri string, logger *slog.Logger) (ClientSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr, err := parseMQTTAddr(uri)
	if err != nil {
		return nil, err
	}
	clientID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("transport: generate mqtt client identity: %w", err)
	}
	return &mqttClient{addr: addr, logger: logger, clientID: clientID.String(), cb: map[int64]func(Frame){}}, nil
}

func (c *mqttClient) Open(ctx context.Context) error {
	replyTopic := c.addr.replyTopic(c.clientID)

	cfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{c.addr.brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt client connected", "broker", c.addr.brokerURL.String())
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: replyTopic, QoS: 1}},
			}); err != nil {
				c.logger.Error("mqtt client subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt client connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "malcolm-client-" + c.clientID[:8],
		},
	}
	if c.addr.tls {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("transport: mqtt client connect: %w", err)
	}
	c.cm = cm
	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		var frame Frame
		if err := json.Unmarshal(pr.Packet.Payload, &frame); err != nil {
			c.logger.Warn("mqtt client dropped malformed frame", "error", err)
			return true, nil
		}
		id, hasID := idOf(frame)
		c.mu.Lock()
		var cb func(Frame)
		if hasID {
			cb = c.cb[id]
		}
		if cb == nil {
			cb = c.defaultCB
		}
		c.mu.Unlock()
		if cb != nil {
			cb(frame)
		}
		return true, nil
	})

	awaitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		c.logger.Warn("mqtt client initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

func (c *mqttClient) Request(frame Frame, callback func(Frame)) (int64, error) {
	if c.cm == nil {
		return 0, fmt.Errorf("transport: mqtt client not open")
	}
	id := c.nextID.Add(1)
	out := Frame{}
	for k, v := range frame {
		out[k] = v
	}
	out["id"] = id
	out["reply_to"] = c.addr.replyTopic(c.clientID)

	if callback != nil {
		c.mu.Lock()
		c.cb[id] = callback
		c.mu.Unlock()
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return 0, fmt.Errorf("transport: marshal frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.cm.Publish(ctx, &paho.Publish{Topic: c.addr.requestTopic(), Payload: payload, QoS: 1}); err != nil {
		return 0, fmt.Errorf("transport: publish request: %w", err)
	}
	return id, nil
}

func (c *mqttClient) Unrequest(id int64) {
	c.mu.Lock()
	delete(c.cb, id)
	c.mu.Unlock()
}

// Send publishes frame to the shared request topic unchanged, except
// for tagging it with this connection's reply topic so the broker-side
// responder (mqttServer) can still identify which connection sent it —
// unlike Request, it never rewrites "id", since a provider echoing a
// router-assigned id back on a terminal reply must preserve it
// exactly.
func (c *mqttClient) Send(frame Frame) error {
	if c.cm == nil {
		return fmt.Errorf("transport: mqtt client not open")
	}
	out := Frame{}
	for k, v := range frame {
		out[k] = v
	}
	out["reply_to"] = c.addr.replyTopic(c.clientID)

	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("transport: marshal frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = c.cm.Publish(ctx, &paho.Publish{Topic: c.addr.requestTopic(), Payload: payload, QoS: 1})
	return err
}

func (c *mqttClient) SetDefaultHandler(handler func(Frame)) {
	c.mu.Lock()
	c.defaultCB = handler
	c.mu.Unlock()
}

func (c *mqttClient) Close() error {
	if c.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.cm.Disconnect(ctx)
}
