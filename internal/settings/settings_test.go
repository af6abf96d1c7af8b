package settings

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"dbus-systemcalc-go/internal/bus"
)

func discardLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestAdapter(t *testing.T, onChange ChangeFunc) (*Adapter, *bus.Connection) {
	t.Helper()
	b := bus.NewBus(8)
	pub := b.NewConnection("settings-store")
	a := New(discardLog(), b.NewConnection("engine"), onChange)
	return a, pub
}

func publish(conn *bus.Connection, service, path string, value any) {
	conn.Publish(conn.NewMessage(bus.DeviceValueTopic("settings", service, path), ValuePayload{Path: path, Value: value}, true))
}

func settle() { time.Sleep(20 * time.Millisecond) }

func TestAdapter_DefaultsBeforeAnyValueObserved(t *testing.T) {
	a, _ := newTestAdapter(t, nil)

	if got := a.GetString(KeyBatteryService, "fallback"); got != "default" {
		t.Errorf("GetString(BatteryService) = %q, want schema default %q", got, "default")
	}
	if a.GetBool(KeyHasDcSystem) {
		t.Error("GetBool(HasDcSystem) should default to false (0)")
	}
	if p := a.GetIntPtr(KeyAcInput1); p != nil {
		t.Errorf("GetIntPtr(AcInput1) = %v, want nil default", p)
	}
}

func TestAdapter_AppliesBusValue(t *testing.T) {
	a, pub := newTestAdapter(t, nil)

	publish(pub, "com.victronenergy.settings", KeyHasDcSystem, 1)
	settle()

	if !a.GetBool(KeyHasDcSystem) {
		t.Error("GetBool(HasDcSystem) should be true after observing 1")
	}
}

func TestAdapter_ChangeCallbackFiresWithOldNew(t *testing.T) {
	type change struct{ old, new any }
	var changes []change
	a, pub := newTestAdapter(t, func(key string, old, new any) {
		changes = append(changes, change{old, new})
	})

	publish(pub, "com.victronenergy.settings", KeyAcInput1, 1)
	settle()
	publish(pub, "com.victronenergy.settings", KeyAcInput1, 2)
	settle()

	if len(changes) != 2 {
		t.Fatalf("expected 2 change callbacks, got %d", len(changes))
	}
	if changes[0].old != nil || changes[0].new != 1 {
		t.Errorf("first change = %+v, want old=nil new=1", changes[0])
	}
	if changes[1].old != 1 || changes[1].new != 2 {
		t.Errorf("second change = %+v, want old=1 new=2", changes[1])
	}
	_ = a
}

func TestAdapter_GetIntPtrNarrowsFloat(t *testing.T) {
	a, pub := newTestAdapter(t, nil)

	publish(pub, "com.victronenergy.settings", KeyAcInput2, 2.0)
	settle()

	p := a.GetIntPtr(KeyAcInput2)
	if p == nil || *p != 2 {
		t.Errorf("GetIntPtr(AcInput2) = %v, want *2", p)
	}
}

func TestAdapter_EnsureDefaultsSeedsMissingKeys(t *testing.T) {
	a, pub := newTestAdapter(t, nil)
	sub := pub.Subscribe(bus.ControlSetTopic("settings", bus.Any))

	a.EnsureDefaults()

	select {
	case msg := <-sub.Channel():
		if len(msg.Topic) == 0 {
			t.Fatal("expected a control/set/settings/<key> message")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("EnsureDefaults should publish a seed for at least one missing key")
	}
}
