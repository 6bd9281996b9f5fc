package method

import (
	"context"
	"testing"

	"github.com/dls-controls/malcolm/internal/statemachine"
	"github.com/dls-controls/malcolm/internal/vtype"
)

type fakeState int

const (
	fakeIdle fakeState = iota
	fakeRunning
)

type fakeCaller struct {
	state      fakeState
	posted     []statemachine.Event
	postedArgs map[string]any
	waitErr    error
}

func (f *fakeCaller) State() fakeState { return f.state }
func (f *fakeCaller) Post(event statemachine.Event, args map[string]any) {
	f.posted = append(f.posted, event)
	f.postedArgs = args
}
func (f *fakeCaller) WaitForRest(ctx context.Context) error { return f.waitErr }

func TestCallRejectsWrongState(t *testing.T) {
	m := New[fakeState]("run", "start a run", "run", []fakeState{fakeIdle})
	caller := &fakeCaller{state: fakeRunning}

	err := m.Call(context.Background(), caller, nil)
	if err == nil {
		t.Fatal("expected WrongState error")
	}
}

func TestCallValidatesArgs(t *testing.T) {
	m := New[fakeState]("configure", "configure the device", "cfg", []fakeState{fakeIdle},
		Arg{Name: "nframes", Type: vtype.Scalar(vtype.KindInt32)},
	)
	caller := &fakeCaller{state: fakeIdle}

	if err := m.Call(context.Background(), caller, map[string]any{"nframes": 10}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(caller.posted) != 1 || caller.posted[0] != "cfg" {
		t.Fatalf("posted = %v, want [cfg]", caller.posted)
	}
	if caller.postedArgs["nframes"] != int32(10) {
		t.Fatalf("postedArgs = %v", caller.postedArgs)
	}
}

func TestCallRejectsMissingArg(t *testing.T) {
	m := New[fakeState]("configure", "configure the device", "cfg", []fakeState{fakeIdle},
		Arg{Name: "nframes", Type: vtype.Scalar(vtype.KindInt32)},
	)
	caller := &fakeCaller{state: fakeIdle}

	if err := m.Call(context.Background(), caller, map[string]any{}); err == nil {
		t.Fatal("expected TypeMismatch for missing argument")
	}
}

func TestCallAsyncReturnsHandleImmediately(t *testing.T) {
	m := New[fakeState]("run", "start a run", "run", []fakeState{fakeIdle})
	caller := &fakeCaller{state: fakeIdle}

	id, err := m.CallAsync(caller, nil)
	if err != nil {
		t.Fatalf("CallAsync: %v", err)
	}
	if id.String() == "" {
		t.Fatal("expected non-empty correlation id")
	}
	if len(caller.posted) != 1 {
		t.Fatalf("posted = %v, want one event", caller.posted)
	}
}
