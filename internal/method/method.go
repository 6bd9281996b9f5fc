// Package method implements the RPC-callable wrapping around a state
// machine transition: argument validation against a declared schema,
// a valid-state guard, and the synchronous/asynchronous calling
// conventions methods need.
package method

import (
	"context"
	"fmt"

	"github.com/dls-controls/malcolm/internal/merr"
	"github.com/dls-controls/malcolm/internal/statemachine"
	"github.com/dls-controls/malcolm/internal/vtype"
	"github.com/google/uuid"
)

// Arg is one named, typed, ordered method argument.
type Arg struct {
	Name string
	Type vtype.VType
}

// Caller is the subset of Device behaviour a Method needs: enough to
// check the guard, post the triggering event, and wait for the
// resulting operation to settle. internal/device's *Device satisfies
// this for its own state type.
type Caller[S comparable] interface {
	State() S
	Post(event statemachine.Event, args map[string]any)
	WaitForRest(ctx context.Context) error
}

// Method declares an invokable RPC endpoint: the event it posts to the
// owning state machine, the states in which it may be called, and its
// argument schema.
type Method[S comparable] struct {
	Name        string
	Descriptor  string
	Event       statemachine.Event
	Args        []Arg
	ValidStates []S
}

// New constructs a Method.
func New[S comparable](name, descriptor string, event statemachine.Event, validStates []S, args ...Arg) *Method[S] {
	return &Method[S]{Name: name, Descriptor: descriptor, Event: event, ValidStates: validStates, Args: args}
}

func (m *Method[S]) allowed(state S) bool {
	for _, s := range m.ValidStates {
		if s == state {
			return true
		}
	}
	return false
}

// validate checks raw against the declared argument schema in order,
// returning the canonical validated argument map.
func (m *Method[S]) validate(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m.Args))
	for _, arg := range m.Args {
		val, present := raw[arg.Name]
		if !present {
			return nil, merr.New(merr.TypeMismatch, "method %s: missing argument %q", m.Name, arg.Name)
		}
		cast, err := arg.Type.Validate(val)
		if err != nil {
			return nil, merr.Wrap(merr.TypeMismatch, err, "method %s: argument %q", m.Name, arg.Name)
		}
		out[arg.Name] = cast
	}
	return out, nil
}

// Call invokes the method synchronously: it posts the triggering event
// and blocks until the device returns to a rest state (or ctx ends).
func (m *Method[S]) Call(ctx context.Context, dev Caller[S], raw map[string]any) error {
	if !m.allowed(dev.State()) {
		return merr.New(merr.WrongState, "method %s not valid in state %v", m.Name, dev.State())
	}
	validated, err := m.validate(raw)
	if err != nil {
		return err
	}
	dev.Post(m.Event, validated)
	return dev.WaitForRest(ctx)
}

// CallAsync invokes the method without blocking for completion,
// returning a correlation handle the caller can use to track progress
// via the device's own status subscription.
func (m *Method[S]) CallAsync(dev Caller[S], raw map[string]any) (uuid.UUID, error) {
	if !m.allowed(dev.State()) {
		return uuid.UUID{}, merr.New(merr.WrongState, "method %s not valid in state %v", m.Name, dev.State())
	}
	validated, err := m.validate(raw)
	if err != nil {
		return uuid.UUID{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("generate call id: %w", err)
	}
	dev.Post(m.Event, validated)
	return id, nil
}

// Schema renders the method's structural descriptor for router
// introspection.
func (m *Method[S]) Schema() map[string]any {
	args := make(map[string]any, len(m.Args))
	order := make([]string, len(m.Args))
	for i, a := range m.Args {
		args[a.Name] = a.Type.Schema()
		order[i] = a.Name
	}
	return map[string]any{
		"descriptor": m.Descriptor,
		"args":       args,
		"arg_order":  order,
	}
}
