// Package device composes a state machine, a set of typed attributes,
// a set of invokable methods, and the timer/worker loops a controller
// owns for its lifetime into a single controllable Device.
package device

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dls-controls/malcolm/internal/attribute"
	"github.com/dls-controls/malcolm/internal/equeue"
	"github.com/dls-controls/malcolm/internal/merr"
	"github.com/dls-controls/malcolm/internal/method"
	"github.com/dls-controls/malcolm/internal/statemachine"
)

// Events posted by methods of the same name, and the internal event a
// worker subtask posts on completion, per the canonical transition
// table. Mid-operation progress is published directly
// through the state machine's NotifyStatus rather than as a dispatched
// event, since it never changes state; "changes" similarly never
// reaches the dispatcher — a paused worker reconfiguring to the
// remaining workload updates its attribute directly.
const (
	EventConfigure statemachine.Event = "cfg"
	EventRun       statemachine.Event = "run"
	EventPause     statemachine.Event = "pause"
	EventAbort     statemachine.Event = "abort"
	EventReset     statemachine.Event = "reset"
	EventDone      statemachine.Event = "done"
)

// Device owns a state machine, an ordered set of attributes and
// methods, and any loops (timers, worker tasks) it has spawned.
type Device struct {
	Name   string
	logger *slog.Logger
	sm     *statemachine.Machine[DState]
	timeout time.Duration

	mu          sync.Mutex
	attributes  map[string]*attribute.Attribute
	attrOrder   []string
	methods     map[string]*method.Method[DState]
	methodOrder []string
	loops       []equeue.Loop

	cancel   context.CancelFunc
	opCancel context.CancelFunc
	opDone   chan struct{}
}

// Option configures a Device at construction.
type Option func(*Device)

// WithTimeout sets the duration WaitForRest allows an operation to run
// before failing with merr.Timeout and triggering an abort.
func WithTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.timeout = d }
}

// New constructs a Device with an idle state machine and no
// attributes, methods, or loops registered yet. A nil logger is
// replaced with slog.Default().
func New(logger *slog.Logger, name string, opts ...Option) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	dev := &Device{
		Name:       name,
		logger:     logger,
		sm:         statemachine.New[DState](logger, name, Idle, Fault),
		attributes: make(map[string]*attribute.Attribute),
		methods:    make(map[string]*method.Method[DState]),
	}
	for _, opt := range opts {
		opt(dev)
	}
	return dev
}

// Machine exposes the underlying state machine so device packages can
// register their own (state, event) transitions beyond the canonical
// table built by BuildCanonicalTransitions.
func (d *Device) Machine() *statemachine.Machine[DState] { return d.sm }

// State returns the device's current DState.
func (d *Device) State() DState { return d.sm.State() }

// Post enqueues event on the device's state machine. Implements
// method.Caller.
func (d *Device) Post(event statemachine.Event, args map[string]any) {
	d.sm.Post(event, args)
}

// WaitForRest blocks until the device reaches a rest state, applying
// the device's configured timeout (if any) on top of ctx. Implements
// method.Caller.
func (d *Device) WaitForRest(ctx context.Context) error {
	waitCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	err := d.sm.WaitForTransition(waitCtx, RestStates())
	if err != nil && waitCtx.Err() != nil && ctx.Err() == nil {
		// The device-level timeout fired, not the caller's own ctx:
		// abort the stuck operation before surfacing the error.
		d.sm.Post(EventAbort, nil)
		return merr.Wrap(merr.Timeout, err, "device %s timed out waiting for rest state", d.Name)
	}
	return err
}

// Start spawns the state machine's event loop. It must be called
// exactly once before any method is invoked.
func (d *Device) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go d.sm.Run(runCtx)
}

// Close tears down the device's event loop and every loop it has
// registered (timers, worker tasks).
func (d *Device) Close() {
	d.mu.Lock()
	loops := append([]equeue.Loop(nil), d.loops...)
	d.mu.Unlock()

	for _, l := range loops {
		l.Stop()
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.sm.Close()
}

// startOperation cancels any previously running operation and derives
// a fresh cancellable context from ctx for the one about to start.
// prevDone receives from a channel that is already closed when there
// was no predecessor, so callers may always range over it without a
// nil check. finish must be deferred by the goroutine the caller
// spawns so the next operation can detect this one has stopped.
func (d *Device) startOperation(ctx context.Context) (opCtx context.Context, prevDone <-chan struct{}, finish func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opCancel != nil {
		d.opCancel()
	}

	prevDone = d.opDone
	if prevDone == nil {
		closed := make(chan struct{})
		close(closed)
		prevDone = closed
	}

	opCtx, cancel := context.WithCancel(ctx)
	d.opCancel = cancel
	done := make(chan struct{})
	d.opDone = done
	finish = func() { close(done) }
	return opCtx, prevDone, finish
}

// cancelOperation cancels the context handed to the currently running
// operation, if any. Nothing in this package calls it: pause and abort
// interrupt a running operation through startOperation, which cancels
// its predecessor's context.
func (d *Device) cancelOperation() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opCancel != nil {
		d.opCancel()
		d.opCancel = nil
	}
}

// RegisterLoop tracks l so Close tears it down. Intended for timer
// loops and worker tasks a device spawns during operation.
func (d *Device) RegisterLoop(l equeue.Loop) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loops = append(d.loops, l)
}

// RegisterAttribute adds a named attribute, preserving registration
// order for schema introspection.
func (d *Device) RegisterAttribute(name string, attr *attribute.Attribute) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.attributes[name]; !exists {
		d.attrOrder = append(d.attrOrder, name)
	}
	d.attributes[name] = attr
}

// Attribute looks up a registered attribute by name.
func (d *Device) Attribute(name string) (*attribute.Attribute, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.attributes[name]
	return a, ok
}

// AttributeNames returns attribute names in registration order.
func (d *Device) AttributeNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.attrOrder...)
}

// RegisterMethod adds a named method, preserving registration order.
func (d *Device) RegisterMethod(m *method.Method[DState]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.methods[m.Name]; !exists {
		d.methodOrder = append(d.methodOrder, m.Name)
	}
	d.methods[m.Name] = m
}

// Method looks up a registered method by name.
func (d *Device) Method(name string) (*method.Method[DState], bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.methods[name]
	return m, ok
}

// MethodNames returns method names in registration order.
func (d *Device) MethodNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.methodOrder...)
}

// Call validates and invokes a registered method synchronously,
// returning merr.NoSuchEndpoint if name is not registered.
func (d *Device) Call(ctx context.Context, name string, args map[string]any) error {
	m, ok := d.Method(name)
	if !ok {
		return merr.New(merr.NoSuchEndpoint, "device %s has no method %q", d.Name, name)
	}
	return m.Call(ctx, d, args)
}

// Subscribe returns a channel receiving every status broadcast from
// the device's state machine: transitions and progress notifications.
func (d *Device) Subscribe(bufSize int) chan statemachine.Status[DState] {
	return d.sm.Subscribe(bufSize)
}

// Unsubscribe releases a channel obtained from Subscribe.
func (d *Device) Unsubscribe(ch chan statemachine.Status[DState]) {
	d.sm.Unsubscribe(ch)
}

// Schema renders the device's introspection payload: its methods and
// attributes, each with their own Schema().
func (d *Device) Schema() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	methods := make(map[string]any, len(d.methods))
	for name, m := range d.methods {
		methods[name] = m.Schema()
	}
	attrs := make(map[string]any, len(d.attributes))
	for name, a := range d.attributes {
		attrs[name] = a.Schema()
	}
	return map[string]any{"methods": methods, "attributes": attrs}
}
