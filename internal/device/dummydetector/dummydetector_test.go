package dummydetector

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dls-controls/malcolm/internal/device"
	"github.com/dls-controls/malcolm/internal/merr"
)

func newRunningDetector(t *testing.T) (*Detector, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	det := New(nil, "det")
	det.Start(ctx)
	t.Cleanup(det.Close)
	return det, ctx
}

func collectMessages(det *Detector) (messages func() []string, stop func()) {
	ch := det.Subscribe(64)
	var mu sync.Mutex
	var msgs []string
	done := make(chan struct{})

	go func() {
		for status := range ch {
			mu.Lock()
			msgs = append(msgs, status.Message)
			mu.Unlock()
		}
		close(done)
	}()

	messages = func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), msgs...)
	}
	stop = func() {
		det.Unsubscribe(ch)
		<-done
	}
	return messages, stop
}

func configure(t *testing.T, det *Detector, ctx context.Context, nframes int32, exposure float64) {
	t.Helper()
	err := det.Call(ctx, "configure", map[string]any{"nframes": nframes, "exposure": exposure})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
}

// S1: configure then run to completion.
func TestConfigureAndRunCompletes(t *testing.T) {
	det, ctx := newRunningDetector(t)
	configure(t, det, ctx, 10, 0.01)

	messages, stop := collectMessages(det)

	if err := det.Call(ctx, "run", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := det.State(); got != device.Idle {
		t.Fatalf("State() = %v, want Idle", got)
	}
	if got := det.Remaining(); got != 0 {
		t.Fatalf("Remaining() = %d, want 0", got)
	}

	stop()
	got := messages()
	wantInOrder := []string{
		"Starting run",
		"Running in progress 0% done",
		"Running in progress 33% done",
		"Running in progress 66% done",
		"Running in progress 100% done",
	}
	assertContainsInOrder(t, got, wantInOrder)
}

// S2: pausing mid-run leaves frames remaining, and resuming finishes
// the rest of the run.
func TestPauseMidRunThenResume(t *testing.T) {
	det, ctx := newRunningDetector(t)
	configure(t, det, ctx, 10, 0.01)

	runErr := make(chan error, 1)
	go func() { runErr <- det.Call(ctx, "run", nil) }()

	time.Sleep(60 * time.Millisecond)
	if err := det.Call(ctx, "pause", nil); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := det.State(); got != device.Paused {
		t.Fatalf("State() = %v, want Paused", got)
	}

	remaining := det.Remaining()
	if remaining <= 0 || remaining >= 10 {
		t.Fatalf("Remaining() after pause = %d, want somewhere in (0, 10)", remaining)
	}

	if err := det.Call(ctx, "run", nil); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("original run call: %v", err)
	}
	if got := det.State(); got != device.Idle {
		t.Fatalf("State() = %v, want Idle", got)
	}
	if got := det.Remaining(); got != 0 {
		t.Fatalf("Remaining() after resume = %d, want 0", got)
	}
}

// S3: aborting mid-run stops short and lands in Aborted with frames
// left un-exposed.
func TestAbortMidRun(t *testing.T) {
	det, ctx := newRunningDetector(t)
	configure(t, det, ctx, 10, 0.01)

	messages, stop := collectMessages(det)

	runErr := make(chan error, 1)
	go func() { runErr <- det.Call(ctx, "run", nil) }()

	time.Sleep(60 * time.Millisecond)
	if err := det.Call(ctx, "abort", nil); err != nil {
		t.Fatalf("abort: %v", err)
	}
	<-runErr

	if got := det.State(); got != device.Aborted {
		t.Fatalf("State() = %v, want Aborted", got)
	}
	if got := det.Remaining(); got <= 0 {
		t.Fatalf("Remaining() after abort = %d, want > 0", got)
	}

	stop()
	assertContainsInOrder(t, messages(), []string{
		"Aborting",
		"Waiting for detector to stop",
		"Aborted",
	})
}

// S4: run is refused from Idle before any configure.
func TestRunFromIdleRefused(t *testing.T) {
	det, ctx := newRunningDetector(t)

	err := det.Call(ctx, "run", nil)
	if err == nil {
		t.Fatal("expected WrongState error")
	}
	if !merr.Is(err, merr.WrongState) {
		t.Fatalf("error = %v, want WrongState", err)
	}
	if got := det.State(); got != device.Idle {
		t.Fatalf("State() = %v, want unchanged Idle", got)
	}
}

func assertContainsInOrder(t *testing.T, got []string, want []string) {
	t.Helper()
	idx := 0
	for _, g := range got {
		if idx < len(want) && strings.Contains(g, want[idx]) {
			idx++
		}
	}
	if idx != len(want) {
		t.Fatalf("messages %v did not contain %v in order", got, want)
	}
}
