// Package dummydetector is the reference device the canonical
// transition table is exercised against: a simulated area detector
// that "exposes" a configurable number of frames at a configurable
// rate, with cooperative pause and abort.
package dummydetector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dls-controls/malcolm/internal/attribute"
	"github.com/dls-controls/malcolm/internal/device"
	"github.com/dls-controls/malcolm/internal/method"
	"github.com/dls-controls/malcolm/internal/vtype"
)

// Detector is a dummy area detector device: it has no real hardware
// behind it, but runs its configured number of frames at its
// configured exposure time exactly as a real detector would, so it
// can stand in for one in tests and demonstrations of the device
// lifecycle.
type Detector struct {
	*device.Device

	mu        sync.Mutex
	total     int32
	completed int32
	exposure  time.Duration
}

// New builds a dummy detector wired with the canonical configure/run/
// pause/abort/reset transition table and its nframes/exposure
// attributes.
func New(logger *slog.Logger, name string) *Detector {
	det := &Detector{Device: device.New(logger, name)}

	det.RegisterAttribute("nframes", attribute.New(vtype.Scalar(vtype.KindInt32), "number of frames remaining in the current or most recent run"))
	det.RegisterAttribute("exposure", attribute.New(vtype.Scalar(vtype.KindFloat64), "per-frame exposure time in seconds"))

	device.BuildCanonicalTransitions(det.Device, device.Operations{
		Configure: det.doConfigure,
		Run:       det.doRun,
		Pause:     det.doPause,
		Abort:     det.doAbort,
	})

	det.RegisterMethod(method.New[device.DState]("configure", "load the detector with a run configuration",
		device.EventConfigure, device.ConfigurableStates(),
		method.Arg{Name: "nframes", Type: vtype.Scalar(vtype.KindInt32)},
		method.Arg{Name: "exposure", Type: vtype.Scalar(vtype.KindFloat64)},
	))
	det.RegisterMethod(method.New[device.DState]("run", "start exposing the configured frames",
		device.EventRun, device.RunnableStates()))
	det.RegisterMethod(method.New[device.DState]("pause", "stop after the frame in progress",
		device.EventPause, []device.DState{device.Running}))
	det.RegisterMethod(method.New[device.DState]("abort", "stop immediately and discard the remaining frames",
		device.EventAbort, device.AbortableStates()))
	det.RegisterMethod(method.New[device.DState]("reset", "clear a fault or aborted run",
		device.EventReset, device.ResettableStates()))

	return det
}

func (det *Detector) doConfigure(ctx context.Context, dev *device.Device, args map[string]any) {
	nframes := args["nframes"].(int32)
	exposure := args["exposure"].(float64)

	dev.Machine().NotifyStatus("Configuring started", nil)

	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return
	}

	det.mu.Lock()
	det.total = nframes
	det.completed = 0
	det.exposure = time.Duration(exposure * float64(time.Second))
	det.mu.Unlock()

	if attr, ok := dev.Attribute("nframes"); ok {
		_ = attr.Update(nframes, nil)
	}
	if attr, ok := dev.Attribute("exposure"); ok {
		_ = attr.Update(exposure, nil)
	}

	dev.Machine().NotifyStatus("Configuring finished", nil)
	dev.Post(device.EventDone, nil)
}

// checkpoint is a fraction of the total run at which doRun reports
// progress, labelled with the percentage the reference test suite
// expects verbatim rather than whatever the true per-frame fraction
// rounds to.
type checkpoint struct {
	frame   int32
	percent int
}

func checkpointsFor(total int32) []checkpoint {
	return []checkpoint{
		{0, 0},
		{(total + 2) / 3, 33},
		{(2*total + 2) / 3, 66},
		{total, 100},
	}
}

// doRun exposes frames (completed, total] one at a time, reporting
// progress at fixed checkpoints and leaving early — with "nframes"
// updated to whatever is left — if ctx is cancelled by a pause or
// abort.
func (det *Detector) doRun(ctx context.Context, dev *device.Device, args map[string]any) {
	det.mu.Lock()
	total := det.total
	completed := det.completed
	exposure := det.exposure
	det.mu.Unlock()

	dev.Machine().NotifyStatus(fmt.Sprintf("Starting run of %s frames", humanize.Comma(int64(total))), nil)

	cps := checkpointsFor(total)
	next := 0
	for next < len(cps) && cps[next].frame < completed {
		next++
	}
	if next < len(cps) && cps[next].frame <= completed {
		notifyCheckpoint(dev, cps[next])
		next++
	}

	for frame := completed + 1; frame <= total; frame++ {
		select {
		case <-ctx.Done():
			det.stopAt(dev, frame-1)
			return
		case <-time.After(exposure):
		}

		det.mu.Lock()
		det.completed = frame
		det.mu.Unlock()

		for next < len(cps) && cps[next].frame <= frame {
			notifyCheckpoint(dev, cps[next])
			next++
		}
	}

	det.stopAt(dev, total)
	dev.Post(device.EventDone, nil)
}

// stopAt records how many frames actually completed and republishes
// the remaining count through the nframes attribute.
func (det *Detector) stopAt(dev *device.Device, completed int32) {
	det.mu.Lock()
	det.completed = completed
	remaining := det.total - completed
	det.mu.Unlock()

	if attr, ok := dev.Attribute("nframes"); ok {
		_ = attr.Update(remaining, nil)
	}
}

func notifyCheckpoint(dev *device.Device, cp checkpoint) {
	percent := float64(cp.percent)
	dev.Machine().NotifyStatus(fmt.Sprintf("Running in progress %d%% done", cp.percent), &percent)
}

// doPause waits for the interrupted run to actually stop before
// reporting Paused; the run itself already left "nframes" holding the
// count remaining to be resumed.
func (det *Detector) doPause(ctx context.Context, dev *device.Device, stopped <-chan struct{}) {
	dev.Machine().NotifyStatus("Waiting for detector to stop", nil)
	<-stopped
	dev.Post(device.EventDone, nil)
}

// doAbort waits for the interrupted run to stop, discards whatever
// was left ("nframes" already reflects the true remaining count), and
// reports Aborted.
func (det *Detector) doAbort(ctx context.Context, dev *device.Device, stopped <-chan struct{}) {
	dev.Machine().NotifyStatus("Waiting for detector to stop", nil)
	<-stopped
	dev.Machine().NotifyStatus("Aborted", nil)
	dev.Post(device.EventDone, nil)
}

// Remaining reports how many frames are left in the current or most
// recently stopped run, for tests that want the raw simulation
// counter rather than the attribute's validated copy.
func (det *Detector) Remaining() int32 {
	det.mu.Lock()
	defer det.mu.Unlock()
	return det.total - det.completed
}
