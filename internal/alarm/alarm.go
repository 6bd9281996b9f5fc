// Package alarm defines the immutable value type devices attach to
// their attributes to report health: a severity, a cause, and a
// free-text message.
package alarm

import "fmt"

// Severity ranks how serious an alarm condition is.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityMinor
	SeverityMajor
	SeverityInvalid
	SeverityUndefined
)

var severityNames = [...]string{"none", "minor", "major", "invalid", "undefined"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// Status enumerates the cause of an alarm. The set mirrors the EPICS
// record alarm statuses the reference implementation inherited.
type Status int

const (
	StatusNone Status = iota
	StatusRead
	StatusWrite
	StatusHiHi
	StatusHigh
	StatusLoLo
	StatusLow
	StatusState
	StatusCos
	StatusComm
	StatusTimeout
	StatusHwLimit
	StatusCalc
	StatusScan
	StatusLink
	StatusSoft
	StatusBadSub
	StatusUDF
	StatusDisable
	StatusSimm
	StatusReadAccess
	StatusWriteAccess
)

var statusNames = [...]string{
	"none", "read", "write", "hihi", "high", "lolo", "low", "state",
	"cos", "comm", "timeout", "hwLimit", "calc", "scan", "link", "soft",
	"badSub", "udf", "disable", "simm", "readAccess", "writeAccess",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Alarm is a value type: two Alarms with equal fields are equal
// regardless of when or by whom they were constructed.
type Alarm struct {
	Severity Severity
	Status   Status
	Message  string
}

// OK is the sentinel alarm every attribute starts with.
var OK = Alarm{Severity: SeverityNone, Status: StatusNone, Message: "No alarm"}

// New constructs an Alarm from its three fields.
func New(severity Severity, status Status, message string) Alarm {
	return Alarm{Severity: severity, Status: status, Message: message}
}

// Equal reports whether a and b carry the same severity, status, and
// message.
func (a Alarm) Equal(b Alarm) bool {
	return a.Severity == b.Severity && a.Status == b.Status && a.Message == b.Message
}

// Schema returns the structural descriptor for an Alarm field,
// mirroring VType.to_dict for scalar descriptors.
func Schema() map[string]any {
	return map[string]any{"name": "Alarm", "version": "2"}
}

// ToDict renders the alarm as the structural object the wire protocol
// carries inside attribute Value notifications.
func (a Alarm) ToDict() map[string]any {
	return map[string]any{
		"severity": a.Severity.String(),
		"status":   a.Status.String(),
		"message":  a.Message,
	}
}
