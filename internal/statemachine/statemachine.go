// Package statemachine implements the generic (state, event) -> handler
// dispatch engine every Device is built on: a transition table, a
// single-consumer event loop, progress broadcasts, and a scoped
// wait-for-transition primitive.
//
// The state type is a type parameter rather than a fixed enum so the
// engine itself stays reusable, while internal/device instantiates it
// with the concrete DState enumeration spec'd for devices.
package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dls-controls/malcolm/internal/equeue"
	"github.com/dls-controls/malcolm/internal/merr"
	"github.com/dls-controls/malcolm/internal/notify"
)

// Event names the trigger side of a transition key, e.g. "cfg", "run",
// "done", "prog".
type Event string

// Status is broadcast to subscribers on every transition and on every
// mid-handler progress notification.
type Status[S any] struct {
	State     S
	Message   string
	Timestamp time.Time
	Percent   *float64
}

// Handler runs when its (state, event) pair is dispatched. It may call
// m.NotifyStatus any number of times before returning. A nil returned
// state means "no opinion" — valid only when the transition was
// registered with exactly one allowed next state, which is then
// implied.
type Handler[S comparable] func(ctx context.Context, m *Machine[S], args map[string]any) (*S, error)

type transitionKey[S comparable] struct {
	from  S
	event Event
}

type transitionEntry[S comparable] struct {
	handler Handler[S]
	allowed []S
}

// Machine is a single-consumer (state, event) dispatcher. Exactly one
// goroutine should ever call Run for a given Machine: at most one
// handler executes at a time.
type Machine[S comparable] struct {
	name       string
	initial    S
	errorState S
	logger     *slog.Logger

	mu          sync.RWMutex
	state       S
	transitions map[transitionKey[S]]transitionEntry[S]
	lastStatus  Status[S]

	queue *equeue.Queue
	bus   *notify.Bus[Status[S]]
}

// New constructs a Machine in its initial state with an empty
// transition table. A nil logger is replaced with slog.Default().
func New[S comparable](logger *slog.Logger, name string, initial, errorState S) *Machine[S] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine[S]{
		name:        name,
		initial:     initial,
		errorState:  errorState,
		logger:      logger,
		state:       initial,
		transitions: make(map[transitionKey[S]]transitionEntry[S]),
		queue:       equeue.NewQueue(),
		bus:         notify.New[Status[S]](),
	}
}

// Transition registers handler to run when the machine is in any of
// fromStates and event is posted. allowed lists every state handler
// is permitted to return; if handler is nil, exactly one allowed state
// must be given and that transition is unconditional.
//
// Re-registering the same (state, event) pair overwrites the previous
// entry and logs a warning, matching the reference implementation's
// tolerant behaviour rather than rejecting the call outright.
func (m *Machine[S]) Transition(fromStates []S, event Event, handler Handler[S], allowed ...S) {
	if handler == nil {
		if len(allowed) != 1 {
			panic(fmt.Sprintf("statemachine %s: nil handler requires exactly one allowed state", m.name))
		}
		allowed0 := allowed[0]
		handler = func(ctx context.Context, m *Machine[S], args map[string]any) (*S, error) {
			return &allowed0, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, from := range fromStates {
		key := transitionKey[S]{from: from, event: event}
		if _, exists := m.transitions[key]; exists {
			m.logger.Warn("overwriting state transition", "machine", m.name, "state", from, "event", event)
		}
		m.transitions[key] = transitionEntry[S]{handler: handler, allowed: append([]S(nil), allowed...)}
	}
}

// Post enqueues event for the consuming Run loop. Events posted to a
// given machine are handled in FIFO order.
func (m *Machine[S]) Post(event Event, args map[string]any) {
	m.queue.Post(equeue.Item{Event: string(event), Args: args})
}

// State returns the machine's current state.
func (m *Machine[S]) State() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe returns a channel that receives every Status broadcast:
// both state transitions and mid-handler progress notifications.
func (m *Machine[S]) Subscribe(bufSize int) chan Status[S] {
	return m.bus.Subscribe(bufSize)
}

// Unsubscribe releases a channel obtained from Subscribe.
func (m *Machine[S]) Unsubscribe(ch chan Status[S]) {
	m.bus.Unsubscribe(ch)
}

// NotifyStatus publishes a progress update without changing state.
// Handlers call this mid-execution to report percent-complete.
func (m *Machine[S]) NotifyStatus(message string, percent *float64) {
	m.mu.Lock()
	status := Status[S]{State: m.state, Message: message, Timestamp: time.Now(), Percent: percent}
	m.lastStatus = status
	m.mu.Unlock()
	m.logger.Debug("status", "machine", m.name, "state", status.State, "message", message)
	m.bus.Publish(status)
}

// Run drains the event queue until ctx is cancelled or the queue is
// closed. Exactly one goroutine should call Run for the lifetime of
// the Machine.
func (m *Machine[S]) Run(ctx context.Context) {
	for {
		item, ok := m.queue.Next(ctx)
		if !ok {
			return
		}
		m.dispatch(ctx, Event(item.Event), item.Args)
	}
}

// Close stops accepting new events and unblocks any pending Run call.
func (m *Machine[S]) Close() {
	m.queue.Close()
}

func (m *Machine[S]) dispatch(ctx context.Context, event Event, args map[string]any) {
	m.mu.RLock()
	from := m.state
	entry, ok := m.transitions[transitionKey[S]{from: from, event: event}]
	m.mu.RUnlock()

	if !ok {
		m.logger.Warn("no transition registered for event in current state",
			"machine", m.name, "state", from, "event", event)
		return
	}

	next, err := entry.handler(ctx, m, args)
	if err != nil {
		m.mu.Lock()
		m.state = m.errorState
		m.mu.Unlock()
		m.logger.Error("transition handler failed", "machine", m.name, "event", event, "error", err)
		m.NotifyStatus(err.Error(), nil)
		return
	}

	var resolved S
	if next == nil {
		if len(entry.allowed) != 1 {
			msg := fmt.Sprintf("handler for event %s returned no state but %d are allowed", event, len(entry.allowed))
			m.logger.Warn(msg, "machine", m.name)
			m.NotifyStatus(msg, nil)
			return
		}
		resolved = entry.allowed[0]
	} else {
		resolved = *next
		if !containsState(entry.allowed, resolved) {
			msg := fmt.Sprintf("returned state %v in response to event %s is not one of the registered states %v; ignoring state change", resolved, event, entry.allowed)
			m.logger.Warn(msg, "machine", m.name)
			m.NotifyStatus(msg, nil)
			return
		}
	}

	m.mu.Lock()
	changed := resolved != m.state
	m.state = resolved
	m.mu.Unlock()

	if changed {
		m.logger.Info("state change", "machine", m.name, "event", event, "from", from, "to", resolved)
		m.NotifyStatus("State change", nil)
	}
}

func containsState[S comparable](states []S, s S) bool {
	for _, cand := range states {
		if cand == s {
			return true
		}
	}
	return false
}

// WaitForTransition blocks until the machine's state enters one of
// states, ctx is cancelled, or the machine lands in its error state —
// in which case it returns a *merr.Error of kind merr.HandlerFailed
// carrying the last broadcast status message.
func (m *Machine[S]) WaitForTransition(ctx context.Context, states []S) error {
	if containsState(states, m.State()) {
		return nil
	}

	ch := m.Subscribe(8)
	defer m.Unsubscribe(ch)

	// Re-check after subscribing: a transition may have landed between
	// the first check and Subscribe taking effect.
	if containsState(states, m.State()) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return merr.Wrap(merr.Timeout, ctx.Err(), "waiting for machine %s to reach %v", m.name, states)
		case status, ok := <-ch:
			if !ok {
				return merr.New(merr.TransportError, "machine %s subscription closed while waiting", m.name)
			}
			if containsState(states, status.State) {
				return nil
			}
			m.mu.RLock()
			isError := status.State == m.errorState
			m.mu.RUnlock()
			if isError {
				return merr.New(merr.HandlerFailed, "%s", status.Message)
			}
		}
	}
}
