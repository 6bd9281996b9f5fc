package attribute

import (
	"testing"
	"time"

	"github.com/dls-controls/malcolm/internal/alarm"
	"github.com/dls-controls/malcolm/internal/vtype"
)

func TestNewAttributeStartsOK(t *testing.T) {
	a := New(vtype.Scalar(vtype.KindInt32), "frame count")
	if !a.Alarm().Equal(alarm.OK) {
		t.Fatalf("Alarm() = %+v, want OK", a.Alarm())
	}
}

func TestUpdateValidatesValue(t *testing.T) {
	a := New(vtype.Scalar(vtype.KindInt32), "frame count")
	if err := a.Update(10, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if a.Value() != int32(10) {
		t.Fatalf("Value() = %v, want 10", a.Value())
	}
}

func TestUpdateRejectsInvalidLeavesUnchanged(t *testing.T) {
	a := New(vtype.Scalar(vtype.KindInt32), "frame count")
	_ = a.Update(10, nil)

	err := a.Update(3.5, nil)
	if err == nil {
		t.Fatal("expected validation error for lossy float")
	}
	if a.Value() != int32(10) {
		t.Fatalf("Value() = %v, want unchanged 10", a.Value())
	}
}

func TestUpdatePartialPreservesOtherField(t *testing.T) {
	a := New(vtype.Scalar(vtype.KindInt32), "frame count")
	_ = a.Update(10, nil)

	major := alarm.New(alarm.SeverityMajor, alarm.StatusHiHi, "too high")
	if err := a.Update(Unchanged, &major); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if a.Value() != int32(10) {
		t.Fatalf("Value() changed unexpectedly: %v", a.Value())
	}
	if !a.Alarm().Equal(major) {
		t.Fatalf("Alarm() = %+v, want %+v", a.Alarm(), major)
	}
}

func TestUpdateBumpsTimestamp(t *testing.T) {
	a := New(vtype.Scalar(vtype.KindInt32), "frame count")
	before := a.Timestamp()
	time.Sleep(time.Millisecond)
	_ = a.Update(1, nil)
	if !a.Timestamp().After(before) {
		t.Fatal("expected timestamp to advance after update")
	}
}

func TestSubscribeReceivesUpdate(t *testing.T) {
	a := New(vtype.Scalar(vtype.KindInt32), "frame count")
	ch := a.Subscribe(4)
	defer a.Unsubscribe(ch)

	_ = a.Update(5, nil)
	select {
	case u := <-ch:
		if u.Value != int32(5) {
			t.Fatalf("Update.Value = %v, want 5", u.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber update")
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	a := New(vtype.Scalar(vtype.KindInt32), "frame count")
	ch := a.Subscribe(4)
	a.Unsubscribe(ch)

	_ = a.Update(5, nil)
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed with no pending update")
	}
}
