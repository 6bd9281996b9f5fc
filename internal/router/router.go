// Package router implements the frontend/backend/control-stream
// message demultiplexer: a cooperative broker
// that resolves dotted device endpoints, forwards requests to the
// owning backend provider, and streams responses back to the
// requesting client. Like a Device's state machine, the router serves
// exactly one logical task so its tables are never touched
// concurrently — modelled the same way, with an equeue.Queue draining
// into a single dispatch loop.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dls-controls/malcolm/internal/buildinfo"
	"github.com/dls-controls/malcolm/internal/connwatch"
	"github.com/dls-controls/malcolm/internal/equeue"
	"github.com/dls-controls/malcolm/internal/transport"
)

const (
	eventFEFrame = "fe_frame"
	eventBEFrame = "be_frame"
	eventFEGone  = "fe_gone"
	eventBEGone  = "be_gone"
)

// pendingEntry records who to deliver a provider's eventual reply to,
// keyed by the (device_identity, client_identity, id) tuple.
type pendingEntry struct {
	clientIdentity string
	originalID     int64
}

// Router is the broker wired to a frontend transport (clients), a
// backend transport (device providers), and an optional control/status
// transport. All three are transport.ServerSocket values, so any
// registered scheme — inproc://, ws://, mqtt:// — can serve any of the
// three streams.
type Router struct {
	logger *slog.Logger
	fe     transport.ServerSocket
	be     transport.ServerSocket
	cs     transport.ServerSocket

	// OnExit is invoked once a client calls "malcolm.exit", after every
	// registered provider has been told to shut down. Left nil it does
	// nothing beyond stopping the router's own dispatch loop.
	OnExit func()

	queue  *equeue.Queue
	cancel context.CancelFunc
	wg     sync.WaitGroup

	devices map[string]string       // device name -> be identity
	pending map[string]pendingEntry // "beIdentity|clientIdentity|id" -> entry
	subs    map[string]string       // "clientIdentity|id" -> device name

	// readyMu/ready mirror devices' keys for DeviceReady, which
	// connwatch.Watcher probes call from outside the dispatch loop.
	readyMu sync.RWMutex
	ready   map[string]bool

	watch *connwatch.Manager
}

// New builds a Router. cs may be nil if no control/status stream is
// wired for this deployment.
func New(logger *slog.Logger, fe, be, cs transport.ServerSocket) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:  logger,
		fe:      fe,
		be:      be,
		cs:      cs,
		queue:   equeue.NewQueue(),
		devices: map[string]string{},
		pending: map[string]pendingEntry{},
		subs:    map[string]string{},
		ready:   map[string]bool{},
	}
}

// DeviceReady reports whether a provider is currently registered for
// name. Safe to call from any goroutine; backed by a mirror of the
// dispatch loop's device table rather than the table itself.
func (r *Router) DeviceReady(name string) bool {
	r.readyMu.RLock()
	defer r.readyMu.RUnlock()
	return r.ready[name]
}

func (r *Router) setReady(name string, ready bool) {
	r.readyMu.Lock()
	if ready {
		r.ready[name] = true
	} else {
		delete(r.ready, name)
	}
	r.readyMu.Unlock()
}

// WatchDevices registers a connwatch.Watcher for each named device,
// probing DeviceReady until the provider shows up and logging
// transitions thereafter. names are typically the device names
// declared in the router's configuration.
func (r *Router) WatchDevices(ctx context.Context, names []string) *connwatch.Manager {
	r.watch = connwatch.NewManager(r.logger)
	for _, name := range names {
		device := name
		r.watch.Watch(ctx, connwatch.WatcherConfig{
			Name: device,
			Probe: func(context.Context) error {
				if r.DeviceReady(device) {
					return nil
				}
				return fmt.Errorf("no provider registered for device %q", device)
			},
			OnReady: func() {
				r.logger.Info("router: device provider reachable", "device", device)
			},
			OnDown: func(err error) {
				r.logger.Warn("router: device provider unreachable", "device", device, "error", err)
			},
		})
	}
	return r.watch
}

// Start opens the frontend and backend transports and begins the
// dispatch loop. It returns once both transports are listening; the
// loop itself runs in the background until ctx is cancelled or Close
// is called.
func (r *Router) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.fe.Open(runCtx, feHandler{r}); err != nil {
		cancel()
		return fmt.Errorf("router: open frontend: %w", err)
	}
	if err := r.be.Open(runCtx, beHandler{r}); err != nil {
		cancel()
		return fmt.Errorf("router: open backend: %w", err)
	}
	if r.cs != nil {
		if err := r.cs.Open(runCtx, csHandler{r}); err != nil {
			cancel()
			return fmt.Errorf("router: open control stream: %w", err)
		}
	}

	r.wg.Add(1)
	go r.run(runCtx)
	return nil
}

// Close stops the dispatch loop, any device watchers, and closes
// every transport.
func (r *Router) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.queue.Close()
	r.wg.Wait()

	if r.watch != nil {
		r.watch.Stop()
	}

	_ = r.fe.Close()
	_ = r.be.Close()
	if r.cs != nil {
		_ = r.cs.Close()
	}
	return nil
}

func (r *Router) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		item, ok := r.queue.Next(ctx)
		if !ok {
			return
		}
		switch item.Event {
		case eventFEFrame:
			r.handleFE(item.Args["identity"].(string), item.Args["frame"].(transport.Frame))
		case eventBEFrame:
			r.handleBE(item.Args["identity"].(string), item.Args["frame"].(transport.Frame))
		case eventFEGone:
			r.handleFEGone(item.Args["identity"].(string))
		case eventBEGone:
			r.handleBEGone(item.Args["identity"].(string))
		}
	}
}

// --- ServerHandler adapters: each stream tags its frames with a
// distinct event name so the single dispatch loop knows which table
// to consult. ---

type feHandler struct{ r *Router }

func (h feHandler) HandleFrame(identity string, frame transport.Frame) {
	h.r.queue.Post(equeue.Item{Event: eventFEFrame, Args: map[string]any{"identity": identity, "frame": frame}})
}
func (h feHandler) HandleDisconnect(identity string) {
	h.r.queue.Post(equeue.Item{Event: eventFEGone, Args: map[string]any{"identity": identity}})
}

type beHandler struct{ r *Router }

func (h beHandler) HandleFrame(identity string, frame transport.Frame) {
	h.r.queue.Post(equeue.Item{Event: eventBEFrame, Args: map[string]any{"identity": identity, "frame": frame}})
}
func (h beHandler) HandleDisconnect(identity string) {
	h.r.queue.Post(equeue.Item{Event: eventBEGone, Args: map[string]any{"identity": identity}})
}

// csHandler carries control/status traffic — operator commands like a
// remote shutdown request — onto the same dispatch loop as fe, since
// neither changes the device tables differently.
type csHandler struct{ r *Router }

func (h csHandler) HandleFrame(identity string, frame transport.Frame) {
	h.r.queue.Post(equeue.Item{Event: eventFEFrame, Args: map[string]any{"identity": identity, "frame": frame}})
}
func (h csHandler) HandleDisconnect(identity string) {}

// --- Frontend dispatch ---

func (r *Router) handleFE(identity string, frame transport.Frame) {
	typ, _ := frame["type"].(string)
	id, _ := transport.FrameID(frame)

	switch typ {
	case "Get":
		r.handleGet(identity, id, frame)
	case "Call":
		r.handleCall(identity, id, frame)
	case "Subscribe":
		r.handleSubscribe(identity, id, frame, true)
	case "Unsubscribe":
		r.handleSubscribe(identity, id, frame, false)
	default:
		r.logger.Warn("router: unrecognised frontend frame type", "type", typ, "identity", identity)
	}
}

func (r *Router) handleGet(identity string, id int64, frame transport.Frame) {
	param, _ := frame["param"].(string)
	if param == "malcolm" {
		r.replyReturn(identity, id, introspection())
		return
	}

	device, _, ok := splitDotted(param)
	if !ok {
		r.replyError(identity, id, fmt.Sprintf("malformed endpoint %q", param))
		return
	}
	beIdentity, ok := r.devices[device]
	if !ok {
		r.replyError(identity, id, fmt.Sprintf("No device named %s registered", device))
		return
	}
	r.forwardToProvider(beIdentity, identity, id, frame)
}

func (r *Router) handleCall(identity string, id int64, frame transport.Frame) {
	method, _ := frame["method"].(string)

	switch method {
	case "malcolm.devices":
		names := make([]string, 0, len(r.devices))
		for name := range r.devices {
			names = append(names, name)
		}
		sort.Strings(names)
		r.replyReturn(identity, id, names)
		return
	case "malcolm.exit":
		for _, beIdentity := range r.devices {
			_ = r.be.Send(beIdentity, transport.Frame{"type": "Exiting"})
		}
		r.replyReturn(identity, id, nil)
		r.queue.Close()
		if r.OnExit != nil {
			r.OnExit()
		}
		return
	}

	device, _, ok := splitDotted(method)
	if !ok {
		r.replyError(identity, id, fmt.Sprintf("malformed endpoint %q", method))
		return
	}
	beIdentity, ok := r.devices[device]
	if !ok {
		r.replyError(identity, id, fmt.Sprintf("No device named %s registered", device))
		return
	}
	r.forwardToProvider(beIdentity, identity, id, frame)
}

func (r *Router) handleSubscribe(identity string, id int64, frame transport.Frame, subscribe bool) {
	param, _ := frame["param"].(string)
	device, _, ok := splitDotted(param)
	if !ok {
		r.replyError(identity, id, fmt.Sprintf("malformed endpoint %q", param))
		return
	}
	beIdentity, ok := r.devices[device]
	if !ok {
		r.replyError(identity, id, fmt.Sprintf("No device named %s registered", device))
		return
	}

	key := subKey(identity, id)
	if subscribe {
		r.subs[key] = device
	} else {
		delete(r.subs, key)
	}
	r.forwardToProvider(beIdentity, identity, id, frame)
}

// forwardToProvider sends frame verbatim to the provider identified by
// beIdentity, prepending the device and client identities so the
// provider can echo them back on its eventual reply, and records
// the pending correlation used to route that reply home.
func (r *Router) forwardToProvider(beIdentity, clientIdentity string, id int64, frame transport.Frame) {
	out := transport.Frame{}
	for k, v := range frame {
		out[k] = v
	}
	out["device_identity"] = beIdentity
	out["client_identity"] = clientIdentity

	r.pending[pendingKey(beIdentity, clientIdentity, id)] = pendingEntry{clientIdentity: clientIdentity, originalID: id}
	if err := r.be.Send(beIdentity, out); err != nil {
		r.logger.Warn("router: forward to provider failed", "device_identity", beIdentity, "error", err)
		delete(r.pending, pendingKey(beIdentity, clientIdentity, id))
		r.replyError(clientIdentity, id, err.Error())
	}
}

// --- Backend dispatch ---

func (r *Router) handleBE(identity string, frame transport.Frame) {
	typ, _ := frame["type"].(string)

	switch typ {
	case "Ready":
		device, _ := frame["device"].(string)
		r.devices[device] = identity
		r.setReady(device, true)
		r.logger.Info("router: provider ready", "device", device, "identity", identity)
	case "Exiting":
		r.removeProvider(identity)
	case "Return", "Value", "Error":
		r.deliverReply(identity, typ, frame)
	default:
		r.logger.Warn("router: unrecognised backend frame type", "type", typ, "identity", identity)
	}
}

func (r *Router) deliverReply(beIdentity, typ string, frame transport.Frame) {
	clientIdentity, _ := frame["client_identity"].(string)
	id, _ := transport.FrameID(frame)

	key := pendingKey(beIdentity, clientIdentity, id)
	entry, ok := r.pending[key]
	if !ok {
		r.logger.Warn("router: dropping reply with no matching request", "device_identity", beIdentity, "client_identity", clientIdentity, "id", id)
		return
	}
	if typ != "Value" {
		// Return and Error are terminal; Value is a streamed
		// notification that leaves the subscription (and this pending
		// entry) open for further Value frames.
		delete(r.pending, key)
	}

	out := transport.Frame{"id": entry.originalID, "type": typ}
	if v, ok := frame["val"]; ok {
		out["val"] = v
	}
	if msg, ok := frame["message"]; ok {
		out["message"] = msg
	}
	if err := r.fe.Send(entry.clientIdentity, out); err != nil {
		r.logger.Warn("router: deliver reply to client failed", "client_identity", entry.clientIdentity, "error", err)
	}
}

func (r *Router) removeProvider(identity string) {
	for device, beIdentity := range r.devices {
		if beIdentity == identity {
			delete(r.devices, device)
			r.setReady(device, false)
			r.logger.Info("router: provider gone", "device", device, "identity", identity)
		}
	}
	for key, entry := range r.pending {
		if strings.HasPrefix(key, identity+"|") {
			delete(r.pending, key)
			r.replyError(entry.clientIdentity, entry.originalID, "provider disconnected")
		}
	}
}

func (r *Router) handleFEGone(identity string) {
	for key, device := range r.subs {
		if strings.HasPrefix(key, identity+"|") {
			delete(r.subs, key)
			_ = device
		}
	}
}

func (r *Router) handleBEGone(identity string) {
	r.removeProvider(identity)
}

// --- Replies and helpers ---

func (r *Router) replyReturn(identity string, id int64, val any) {
	if err := r.fe.Send(identity, transport.Frame{"id": id, "type": "Return", "val": val}); err != nil {
		r.logger.Warn("router: reply failed", "identity", identity, "error", err)
	}
}

func (r *Router) replyError(identity string, id int64, message string) {
	if err := r.fe.Send(identity, transport.Frame{"id": id, "type": "Error", "message": message}); err != nil {
		r.logger.Warn("router: error reply failed", "identity", identity, "error", err)
	}
}

// introspection builds the `Get "malcolm"` payload: a structural
// object naming the router's own built-in methods plus build metadata.
func introspection() map[string]any {
	return map[string]any{
		"methods": map[string]any{
			"devices": map[string]any{"descriptor": "list the names of currently registered devices", "args": map[string]any{}},
			"exit":    map[string]any{"descriptor": "shut down every registered provider and the router itself", "args": map[string]any{}},
		},
		"build": buildinfo.RuntimeInfo(),
	}
}

// splitDotted splits "device.path.to.thing" into its leading device
// name and the remaining dotted path.
func splitDotted(endpoint string) (device, rest string, ok bool) {
	i := strings.IndexByte(endpoint, '.')
	if i < 0 {
		return endpoint, "", endpoint != ""
	}
	return endpoint[:i], endpoint[i+1:], true
}

func pendingKey(beIdentity, clientIdentity string, id int64) string {
	return beIdentity + "|" + clientIdentity + "|" + strconv.FormatInt(id, 10)
}

func subKey(clientIdentity string, id int64) string {
	return clientIdentity + "|" + strconv.FormatInt(id, 10)
}
