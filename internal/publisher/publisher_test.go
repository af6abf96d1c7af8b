package publisher

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"dbus-systemcalc-go/internal/bus"
)

func discardLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestPublisher(t *testing.T) (*Publisher, *bus.Connection) {
	t.Helper()
	b := bus.NewBus(8)
	conn := b.NewConnection("systemcalc")
	p := New(discardLog(), conn)
	return p, b.NewConnection("test-writer")
}

func writeRelay(conn *bus.Connection, v any) {
	conn.Publish(conn.NewMessage(bus.ControlSetTopic(ServiceName, "/Relay/0/State"), v, false))
}

func settle() { time.Sleep(20 * time.Millisecond) }

func TestFormatBatteryState(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{0, "Idle"},
		{1, "Charging"},
		{2, "Discharging"},
		{3.0, "3"},
	}
	for _, c := range cases {
		if got := FormatBatteryState(c.in); got != c.want {
			t.Errorf("FormatBatteryState(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

// /Relay/0/State is the only writable output path (spec.md §4.2).
func TestPublisher_RelayWriteAcceptedOnceWriterWired(t *testing.T) {
	p, conn := newTestPublisher(t)

	var written int
	p.SetRelayWriter(func(v int) error {
		written = v
		return nil
	})

	writeRelay(conn, 1)
	settle()

	if written != 1 {
		t.Errorf("relay writer received %d, want 1", written)
	}
	if got := p.Get("/Relay/0/State"); got != 1 {
		t.Errorf("Get(/Relay/0/State) = %v, want 1 (republished on accepted write)", got)
	}
}

func TestPublisher_RelayWriteRejectsOutOfRange(t *testing.T) {
	p, conn := newTestPublisher(t)

	called := false
	p.SetRelayWriter(func(v int) error {
		called = true
		return nil
	})

	writeRelay(conn, 2)
	settle()

	if called {
		t.Error("relay writer must not be invoked for an out-of-range value")
	}
}

func TestPublisher_RelayWriteBeforeWriterWiredIsRejected(t *testing.T) {
	p, conn := newTestPublisher(t)

	writeRelay(conn, 1)
	settle()

	if got := p.Get("/Relay/0/State"); got != nil {
		t.Errorf("Get(/Relay/0/State) = %v, want nil: no writer was ever wired", got)
	}
}

// Every other path is read-only: a write to an unregistered path must be a
// silent no-op, never a panic or a stored value.
func TestPublisher_NonRelayPathIgnoresWrites(t *testing.T) {
	p, conn := newTestPublisher(t)

	conn.Publish(conn.NewMessage(bus.ControlSetTopic(ServiceName, "/Dc/Battery/Voltage"), 99.0, false))
	settle()

	if got := p.Get("/Dc/Battery/Voltage"); got != nil {
		t.Errorf("Get(/Dc/Battery/Voltage) = %v, want nil: this path is read-only", got)
	}
}

func TestPublisher_SetCommitsEveryPath(t *testing.T) {
	p, _ := newTestPublisher(t)

	p.Set(map[string]any{
		"/Dc/Battery/Voltage": 12.1,
		"/Dc/Battery/Power":   nil,
	})

	if p.Get("/Dc/Battery/Voltage") != 12.1 {
		t.Errorf("Get(/Dc/Battery/Voltage) = %v, want 12.1", p.Get("/Dc/Battery/Voltage"))
	}
	if p.Get("/Dc/Battery/Power") != nil {
		t.Errorf("Get(/Dc/Battery/Power) = %v, want nil", p.Get("/Dc/Battery/Power"))
	}
}

func TestPublisher_ServiceMappingRoundTrip(t *testing.T) {
	p, _ := newTestPublisher(t)

	p.SetServiceMapping("battery_1", "com.victronenergy.battery.ttyO2")
	if p.Get("/ServiceMapping/battery_1") != "com.victronenergy.battery.ttyO2" {
		t.Errorf("mapping not set: %v", p.Get("/ServiceMapping/battery_1"))
	}

	p.RemoveServiceMapping("battery_1")
	if p.Get("/ServiceMapping/battery_1") != nil {
		t.Errorf("mapping not cleared: %v", p.Get("/ServiceMapping/battery_1"))
	}
}

func TestMarshalAvailable_SortsKeys(t *testing.T) {
	got := MarshalAvailable(map[string]string{
		"nobattery": "No battery monitor",
		"default":   "Automatic",
	})
	want := `{"default":"Automatic","nobattery":"No battery monitor"}`
	if got != want {
		t.Errorf("MarshalAvailable = %s, want %s", got, want)
	}
}

func TestFlattenKey_NonAlnum(t *testing.T) {
	if got := FlattenKey("grid.cgwacs/40"); got != "grid_cgwacs_40" {
		t.Errorf("FlattenKey = %q, want %q", got, "grid_cgwacs_40")
	}
}
