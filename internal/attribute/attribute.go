// Package attribute implements the typed, alarm-bearing, observable
// value cell a Device owns for each of its named data points.
package attribute

import (
	"sync"
	"time"

	"github.com/dls-controls/malcolm/internal/alarm"
	"github.com/dls-controls/malcolm/internal/notify"
	"github.com/dls-controls/malcolm/internal/vtype"
)

// unchangedSentinel is the comparable value Unchanged holds, so
// Update(Unchanged, nil) can be told apart from a legitimate update to
// a nil-ish value such as an empty string.
type unchangedSentinel struct{}

// Unchanged, passed as the value argument to Update, preserves the
// attribute's current value while still allowing the alarm to change
// (and vice versa with a nil alarm pointer).
var Unchanged any = unchangedSentinel{}

// Update is published to subscribers on every successful mutation.
type Update struct {
	Value     any
	Alarm     alarm.Alarm
	Timestamp time.Time
}

// Attribute is a typed cell owned by exactly one Device. Its type
// never changes after construction; every write to Value must pass
// Type.Validate or the cell is left unchanged.
type Attribute struct {
	Type       vtype.VType
	Descriptor string
	Tags       map[string]struct{}

	mu        sync.RWMutex
	value     any
	alarmVal  alarm.Alarm
	timestamp time.Time
	bus       *notify.Bus[Update]
}

// New constructs an Attribute with the ok alarm, a zero value, and no
// tags beyond those supplied.
func New(typ vtype.VType, descriptor string, tags ...string) *Attribute {
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}
	return &Attribute{
		Type:       typ,
		Descriptor: descriptor,
		Tags:       tagSet,
		alarmVal:   alarm.OK,
		timestamp:  time.Now(),
		bus:        notify.New[Update](),
	}
}

// Value returns the attribute's current canonical value.
func (a *Attribute) Value() any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value
}

// Alarm returns the attribute's current alarm.
func (a *Attribute) Alarm() alarm.Alarm {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.alarmVal
}

// Timestamp returns when the attribute was last successfully updated.
func (a *Attribute) Timestamp() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.timestamp
}

// Update validates and applies a partial update: pass Unchanged for
// value or nil for newAlarm to leave that field as-is. A validation
// failure leaves the cell entirely unchanged and returns the error;
// it never partially applies the update.
func (a *Attribute) Update(value any, newAlarm *alarm.Alarm) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	nextValue := a.value
	if _, unchanged := value.(unchangedSentinel); !unchanged {
		cast, err := a.Type.Validate(value)
		if err != nil {
			return err
		}
		nextValue = cast
	}

	nextAlarm := a.alarmVal
	if newAlarm != nil {
		nextAlarm = *newAlarm
	}

	a.value = nextValue
	a.alarmVal = nextAlarm
	a.timestamp = time.Now()

	update := Update{Value: a.value, Alarm: a.alarmVal, Timestamp: a.timestamp}
	a.bus.Publish(update)
	return nil
}

// Subscribe returns a channel receiving every subsequent Update.
func (a *Attribute) Subscribe(bufSize int) chan Update {
	return a.bus.Subscribe(bufSize)
}

// Unsubscribe releases a channel obtained from Subscribe.
func (a *Attribute) Unsubscribe(ch chan Update) {
	a.bus.Unsubscribe(ch)
}

// Schema renders the attribute's structural descriptor for router
// introspection: its type schema plus descriptor text and tags.
func (a *Attribute) Schema() map[string]any {
	tags := make([]string, 0, len(a.Tags))
	for t := range a.Tags {
		tags = append(tags, t)
	}
	return map[string]any{
		"type":       a.Type.Schema(),
		"descriptor": a.Descriptor,
		"tags":       tags,
	}
}
