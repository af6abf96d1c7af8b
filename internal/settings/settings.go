// Package settings is the Settings Adapter (spec.md §4.2 component list item
// 2): a typed key/value view onto the settings service, with defaults and
// change callbacks. The settings service itself (a persistent store) is an
// external collaborator per spec.md §1 Non-goals; this package only knows
// how to read/write its keys over the bus and decode the JSON-ish payloads
// it carries, using tinyjson as the teacher's config service does for its
// embedded-config payloads (services/config/config.go).
package settings

import (
	"log/slog"
	"sync"

	"github.com/andreyvit/tinyjson"

	"dbus-systemcalc-go/internal/bus"
)

const (
	KeyBatteryService = "/Settings/SystemSetup/BatteryService"
	KeyHasDcSystem    = "/Settings/SystemSetup/HasDcSystem"
	KeyWriteVebusSoc  = "/Settings/SystemSetup/WriteVebusSoc"
	KeyAcInput1       = "/Settings/SystemSetup/AcInput1"
	KeyAcInput2       = "/Settings/SystemSetup/AcInput2"
)

var defaults = map[string]any{
	KeyBatteryService: "default",
	KeyHasDcSystem:    int(0),
	KeyWriteVebusSoc:  int(0),
	KeyAcInput1:       nil,
	KeyAcInput2:       nil,
}

// ChangeFunc is called whenever a tracked key's value changes, old may be
// nil on first observation.
type ChangeFunc func(key string, old, new any)

// Adapter mirrors the settings keys the engine cares about and serves typed
// reads; writes go straight to the bus (fire-and-forget, as the settings
// store is the authority on persistence).
type Adapter struct {
	log  *slog.Logger
	conn *bus.Connection

	mu     sync.Mutex
	values map[string]any

	onChange ChangeFunc
}

func New(log *slog.Logger, conn *bus.Connection, onChange ChangeFunc) *Adapter {
	a := &Adapter{log: log, conn: conn, values: map[string]any{}, onChange: onChange}
	sub := conn.Subscribe(bus.DeviceValueTopic("settings", bus.Any, bus.Any))
	go a.dispatch(sub)
	return a
}

// ValuePayload is what a settings-service publisher puts on
// "value/settings/<service>/<path>".
type ValuePayload struct {
	Path  string
	Value any
}

func (a *Adapter) dispatch(sub *bus.Subscription) {
	for msg := range sub.Channel() {
		vp, ok := msg.Payload.(ValuePayload)
		if !ok {
			continue
		}
		a.apply(vp.Path, vp.Value)
	}
}

func (a *Adapter) apply(key string, value any) {
	decoded := decode(value)
	a.mu.Lock()
	old, had := a.values[key]
	a.values[key] = decoded
	a.mu.Unlock()
	if a.onChange != nil {
		if !had {
			old = nil
		}
		a.onChange(key, old, decoded)
	}
}

// decode accepts a raw JSON-ish payload (as tinyjson would hand back from a
// settings-service reply) or an already-typed Go value and normalises it.
func decode(v any) any {
	switch raw := v.(type) {
	case []byte:
		r := tinyjson.Raw(raw)
		val := r.Value()
		r.EnsureEOF()
		return val
	case string:
		return raw
	default:
		return v
	}
}

// Get returns the current value of key, falling back to its schema default
// (spec.md §6) if never observed.
func (a *Adapter) Get(key string) any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.values[key]; ok {
		return v
	}
	return defaults[key]
}

// GetString is Get narrowed to string, with a caller-supplied fallback when
// the value is absent or of the wrong type.
func (a *Adapter) GetString(key, fallback string) string {
	if s, ok := a.Get(key).(string); ok {
		return s
	}
	return fallback
}

// GetBool interprets a settings integer (0/1) as a boolean, per spec.md §6.
func (a *Adapter) GetBool(key string) bool {
	switch v := a.Get(key).(type) {
	case int:
		return v != 0
	case float64:
		return v != 0
	case bool:
		return v
	default:
		return false
	}
}

// GetIntPtr returns a settings integer as *int, nil when unset — used for
// AcInput1/AcInput2 which are nullable per spec.md §4.4 "Active AC input".
func (a *Adapter) GetIntPtr(key string) *int {
	switch v := a.Get(key).(type) {
	case int:
		n := v
		return &n
	case float64:
		n := int(v)
		return &n
	default:
		return nil
	}
}

// Set writes key over the bus. The settings store is the single writer of
// record; this is a request, not a guarantee.
func (a *Adapter) Set(key string, value any) {
	a.conn.Publish(a.conn.NewMessage(bus.ControlSetTopic("settings", key), value, false))
}

// EnsureDefaults seeds any key this adapter has never observed with its
// schema default; keys whose default is nil (AcInput1/AcInput2) are not
// seeded. This mirrors the original implementation's
// create-if-missing idiom at bootstrap (SPEC_FULL.md §7) without taking
// over ownership of the settings store.
func (a *Adapter) EnsureDefaults() {
	a.mu.Lock()
	missing := make([]string, 0, len(defaults))
	for k := range defaults {
		if _, ok := a.values[k]; !ok {
			missing = append(missing, k)
		}
	}
	a.mu.Unlock()
	for _, k := range missing {
		if d := defaults[k]; d != nil {
			a.Set(k, d)
		}
	}
}
