package device

import (
	"context"

	"github.com/dls-controls/malcolm/internal/statemachine"
)

// Operations are the long-running bodies a concrete device supplies
// for each lifecycle verb. Configure and Run are started once any
// predecessor operation has stopped; Pause, Abort, and Reset receive
// the predecessor's stop channel directly so they can narrate the
// wait ("Waiting for detector to stop") instead of it happening
// silently underneath them. ctx is cancelled when a later pause or
// abort cooperatively interrupts a still-running operation.
type Operations struct {
	Configure func(ctx context.Context, dev *Device, args map[string]any)
	Run       func(ctx context.Context, dev *Device, args map[string]any)
	Pause     func(ctx context.Context, dev *Device, stopped <-chan struct{})
	Abort     func(ctx context.Context, dev *Device, stopped <-chan struct{})
	Reset     func(ctx context.Context, dev *Device, stopped <-chan struct{})
}

func (ops Operations) spawnConfigure(dev *Device, ctx context.Context, args map[string]any) {
	opCtx, prevDone, finish := dev.startOperation(ctx)
	go func() {
		defer finish()
		<-prevDone
		ops.Configure(opCtx, dev, args)
	}()
}

func (ops Operations) spawnRun(dev *Device, ctx context.Context, args map[string]any) {
	opCtx, prevDone, finish := dev.startOperation(ctx)
	go func() {
		defer finish()
		<-prevDone
		ops.Run(opCtx, dev, args)
	}()
}

func (ops Operations) spawnPause(dev *Device, ctx context.Context) {
	opCtx, prevDone, finish := dev.startOperation(ctx)
	go func() {
		defer finish()
		ops.Pause(opCtx, dev, prevDone)
	}()
}

func (ops Operations) spawnAbort(dev *Device, ctx context.Context) {
	opCtx, prevDone, finish := dev.startOperation(ctx)
	go func() {
		defer finish()
		if ops.Abort != nil {
			ops.Abort(opCtx, dev, prevDone)
		} else {
			<-prevDone
			dev.Post(EventDone, nil)
		}
	}()
}

func (ops Operations) spawnReset(dev *Device, ctx context.Context) {
	opCtx, prevDone, finish := dev.startOperation(ctx)
	go func() {
		defer finish()
		if ops.Reset != nil {
			ops.Reset(opCtx, dev, prevDone)
		} else {
			<-prevDone
			dev.Post(EventDone, nil)
		}
	}()
}

// BuildCanonicalTransitions registers the lifecycle table shared by
// every device — configure, run, pause, abort, reset. The configure,
// run, abort and reset source states come from the DState classifiers
// in dstate.go; pause and each "done" completion are registered from a
// single literal source state. Devices that need additional
// states or events register them directly on dev.Machine() afterward.
func BuildCanonicalTransitions(dev *Device, ops Operations) {
	sm := dev.Machine()

	sm.Transition(ConfigurableStates(), EventConfigure, func(ctx context.Context, m *statemachine.Machine[DState], args map[string]any) (*DState, error) {
		ops.spawnConfigure(dev, ctx, args)
		next := Configuring
		return &next, nil
	}, Configuring)
	sm.Transition([]DState{Configuring}, EventDone, nil, Ready)

	sm.Transition(RunnableStates(), EventRun, func(ctx context.Context, m *statemachine.Machine[DState], args map[string]any) (*DState, error) {
		ops.spawnRun(dev, ctx, args)
		next := Running
		return &next, nil
	}, Running)

	sm.Transition([]DState{Running}, EventPause, func(ctx context.Context, m *statemachine.Machine[DState], args map[string]any) (*DState, error) {
		m.NotifyStatus("Pausing", nil)
		ops.spawnPause(dev, ctx)
		next := Pausing
		return &next, nil
	}, Pausing)
	sm.Transition([]DState{Pausing}, EventDone, nil, Paused)

	// The run's natural completion is reported the same way as an
	// operator-triggered transition: a "done" event posted by the
	// worker once it has processed its last frame. Mid-run progress
	// never reaches the dispatcher at all; the worker publishes it
	// directly through NotifyStatus since it doesn't change state.
	sm.Transition([]DState{Running}, EventDone, nil, Idle)

	sm.Transition(AbortableStates(), EventAbort, func(ctx context.Context, m *statemachine.Machine[DState], args map[string]any) (*DState, error) {
		m.NotifyStatus("Aborting", nil)
		ops.spawnAbort(dev, ctx)
		next := Aborting
		return &next, nil
	}, Aborting)
	sm.Transition([]DState{Aborting}, EventDone, nil, Aborted)

	sm.Transition(ResettableStates(), EventReset, func(ctx context.Context, m *statemachine.Machine[DState], args map[string]any) (*DState, error) {
		ops.spawnReset(dev, ctx)
		next := Resetting
		return &next, nil
	}, Resetting)
	sm.Transition([]DState{Resetting}, EventDone, nil, Idle)
}
