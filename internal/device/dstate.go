package device

import "fmt"

// DState enumerates the lifecycle states every Device's state machine
// is built from.
type DState int

const (
	Idle DState = iota
	Configuring
	Ready
	Running
	Pausing
	Paused
	Aborting
	Aborted
	Resetting
	Fault
)

var dstateNames = [...]string{
	"Idle", "Configuring", "Ready", "Running", "Pausing", "Paused",
	"Aborting", "Aborted", "Resetting", "Fault",
}

func (s DState) String() string {
	if s < 0 || int(s) >= len(dstateNames) {
		return fmt.Sprintf("DState(%d)", int(s))
	}
	return dstateNames[s]
}

// RestStates returns the states in which a device accepts new
// commands. Method guards are built from this and the other
// classifiers below rather than hand-written literal state lists, so
// a new rest/busy state added here automatically propagates to every
// method that guards on the classifier.
func RestStates() []DState {
	return []DState{Idle, Ready, Paused, Fault, Aborted}
}

// ConfigurableStates returns the states from which "configure" may be
// called: every rest state except Fault (a faulted device must be
// reset before it can be reconfigured).
func ConfigurableStates() []DState {
	return []DState{Idle, Ready, Paused, Aborted}
}

// RunnableStates returns the states from which "run" may be called.
func RunnableStates() []DState {
	return []DState{Ready, Paused}
}

// BusyStates returns every transient (non-rest) state.
func BusyStates() []DState {
	return []DState{Configuring, Running, Pausing, Aborting, Resetting}
}

// AbortableStates returns every state from which abort is valid: every
// busy (non-rest) state, plus Paused — a rest state an operator may
// still abort out of rather than resuming, per the canonical
// transition table.
func AbortableStates() []DState {
	return append(BusyStates(), Paused)
}

// ResettableStates returns the states from which "reset" may be
// called: the two rest states that represent a recoverable failure to
// return to service, Fault and Aborted.
func ResettableStates() []DState {
	return []DState{Fault, Aborted}
}

// IsRest reports whether s is a rest state.
func IsRest(s DState) bool { return containsDState(RestStates(), s) }

// IsConfigurable reports whether s permits "configure".
func IsConfigurable(s DState) bool { return containsDState(ConfigurableStates(), s) }

// IsRunnable reports whether s permits "run".
func IsRunnable(s DState) bool { return containsDState(RunnableStates(), s) }

// IsBusy reports whether s is a transient state.
func IsBusy(s DState) bool { return containsDState(BusyStates(), s) }

func containsDState(states []DState, s DState) bool {
	for _, cand := range states {
		if cand == s {
			return true
		}
	}
	return false
}
