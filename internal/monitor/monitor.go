// Package monitor implements the Bus Monitor (spec.md §4.1): it subscribes
// to a declared {service-class -> {path -> metadata}} schema, mirrors the
// last-known value of every matching path, and tracks which services of
// each class are currently present.
//
// Its shape mirrors the teacher's services/hal service loop: one
// subscription per interesting wildcard pattern feeding a single dispatch
// point, with all mutable state owned by one struct rather than package
// globals (DESIGN NOTES, "Global mutable engine state").
package monitor

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"dbus-systemcalc-go/internal/bus"
	"dbus-systemcalc-go/internal/busmodel"
)

// PathMeta is the opaque-to-the-engine metadata declared for a path in the
// schema (log policy, access level). The engine never inspects it; it only
// carries it through to whatever records the subscription.
type PathMeta struct {
	Writable bool
	Meta     any
}

// Schema is the static {class -> {path -> metadata}} subscription map
// (spec.md §3, "Subscription schema").
type Schema map[busmodel.Kind]map[string]PathMeta

// ValueChangedFunc receives (service, path, old, new, instance) exactly as
// spec.md §4.1 requires.
type ValueChangedFunc func(service, path string, old, new any, instance int)

// ServiceFunc is invoked on service-added / service-removed transitions.
type ServiceFunc func(service string, kind busmodel.Kind, instance int)

// entry is the mirrored state for one service.
type entry struct {
	instance int
	kind     busmodel.Kind
	values   map[string]any // path -> last-known value; absent key == never observed
}

// Monitor owns the mirror cache. All mutation happens on the bus delivery
// goroutines that feed internal/engine's single dispatch loop; the mutex
// exists only so ServiceList/GetValue snapshots taken from the aggregation
// tick never race a concurrent callback.
type Monitor struct {
	log    *slog.Logger
	schema Schema
	conn   *bus.Connection

	mu       sync.Mutex
	services map[string]*entry
	order    []string // first-seen service order, independent of ServiceList's map (DESIGN NOTES, "Ordered-dict assumption")

	onValue   ValueChangedFunc
	onAdded   ServiceFunc
	onRemoved ServiceFunc
}

// New subscribes conn to every path of every class in schema. Callbacks may
// be nil.
func New(log *slog.Logger, conn *bus.Connection, schema Schema, onValue ValueChangedFunc, onAdded, onRemoved ServiceFunc) *Monitor {
	m := &Monitor{
		log:       log,
		schema:    schema,
		conn:      conn,
		services:  map[string]*entry{},
		onValue:   onValue,
		onAdded:   onAdded,
		onRemoved: onRemoved,
	}
	for kind := range schema {
		sub := conn.Subscribe(bus.DeviceValueTopic(string(kind), bus.Any, bus.Any))
		go m.dispatch(sub)
		removed := conn.Subscribe(bus.ServiceRemovedTopic(string(kind)))
		go m.dispatchRemoved(removed)
	}
	return m
}

// ValuePayload is what a publisher puts on "value/<class>/<service>/<path>".
type ValuePayload struct {
	Service  string
	Path     string
	Value    any
	Instance int
}

func (m *Monitor) dispatch(sub *bus.Subscription) {
	for msg := range sub.Channel() {
		vp, ok := msg.Payload.(ValuePayload)
		if !ok {
			m.log.Warn("monitor: malformed value payload", "topic", msg.Topic)
			continue
		}
		m.handleValue(vp)
	}
}

type removedPayload struct{ Service string }

func (m *Monitor) dispatchRemoved(sub *bus.Subscription) {
	for msg := range sub.Channel() {
		rp, ok := msg.Payload.(removedPayload)
		if !ok {
			continue
		}
		m.handleRemoved(rp.Service)
	}
}

func (m *Monitor) handleValue(vp ValuePayload) {
	name := busmodel.ParseName(vp.Service)
	if !busmodel.IsSubscribed(name.Kind) {
		return
	}

	m.mu.Lock()
	e, known := m.services[vp.Service]
	isNewService := false
	if !known {
		e = &entry{instance: vp.Instance, kind: name.Kind, values: map[string]any{}}
		m.services[vp.Service] = e
		m.order = append(m.order, vp.Service)
		isNewService = true
	}
	old, had := e.values[vp.Path]
	e.values[vp.Path] = vp.Value
	m.mu.Unlock()

	if isNewService && m.onAdded != nil {
		m.onAdded(vp.Service, name.Kind, vp.Instance)
	}
	if m.onValue != nil {
		if !had {
			old = nil
		}
		m.onValue(vp.Service, vp.Path, old, vp.Value, vp.Instance)
	}
}

func (m *Monitor) handleRemoved(service string) {
	m.mu.Lock()
	e, ok := m.services[service]
	if ok {
		delete(m.services, service)
		for i, s := range m.order {
			if s == service {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.onRemoved != nil {
		m.onRemoved(service, e.kind, e.instance)
	}
}

// ServiceList returns a point-in-time snapshot of service -> device
// instance, optionally restricted to one class. Callers must tolerate
// concurrent disappearance (spec.md §4.1).
func (m *Monitor) ServiceList(kind busmodel.Kind) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for name, e := range m.services {
		if kind != busmodel.KindOther && e.kind != kind {
			continue
		}
		out[name] = e.instance
	}
	return out
}

// ServiceOrder returns every currently-tracked service of kind in the order
// it was first observed, not sorted by name. SPEC_FULL.md §7's "primary
// inverter/charger" pick uses this instead of a lexicographic sort so
// /VebusService does not flap as unrelated services come and go.
func (m *Monitor) ServiceOrder(kind busmodel.Kind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.order))
	for _, name := range m.order {
		e, ok := m.services[name]
		if !ok || (kind != busmodel.KindOther && e.kind != kind) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// ServiceNames returns ServiceList's keys sorted lexicographically; several
// derivations (Battery Selector's auto-candidate) depend on a stable,
// deterministic order rather than Go's randomised map iteration (DESIGN
// NOTES, "Ordered-dict assumption").
func ServiceNames(list map[string]int) []string {
	names := make([]string, 0, len(list))
	for n := range list {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GetValue returns the last-known value at (service, path), or nil if never
// observed or the service is unknown.
func (m *Monitor) GetValue(service, path string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.services[service]
	if !ok {
		return nil
	}
	return e.values[path]
}

// GetFloat is GetValue narrowed to float64, returning (0, false) for a
// missing or non-numeric value; callers that need null-propagation should
// check ok and not substitute 0.
func (m *Monitor) GetFloat(service, path string) (float64, bool) {
	v := m.GetValue(service, path)
	f, ok := v.(float64)
	return f, ok
}

// GetInt is the integer analogue of GetFloat.
func (m *Monitor) GetInt(service, path string) (int, bool) {
	v := m.GetValue(service, path)
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// SetValue writes back to a service's path over the bus (spec.md §4.1,
// get_item().set_value). It is fire-and-forget from the engine's
// perspective; delivery failures surface as transient-bus log entries by
// the publishing side, not here.
func (m *Monitor) SetValue(service, path string, value any) {
	m.conn.Publish(m.conn.NewMessage(bus.ControlSetTopic(service, path), value, false))
}

// Instance returns the device instance of service if present.
func (m *Monitor) Instance(service string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.services[service]
	if !ok {
		return 0, false
	}
	return e.instance, true
}

// Connected implements spec.md §3's connected-service predicate: a vebus is
// connected iff its /State is non-null; any other class is connected iff
// /Connected == 1, and it must additionally publish non-null /ProductName
// and /Mgmt/Connection.
func (m *Monitor) Connected(service string, kind busmodel.Kind) bool {
	if kind == busmodel.KindVebus {
		return m.GetValue(service, "/State") != nil
	}
	if c, ok := m.GetInt(service, "/Connected"); !ok || c != 1 {
		return false
	}
	if m.GetValue(service, "/ProductName") == nil {
		return false
	}
	if m.GetValue(service, "/Mgmt/Connection") == nil {
		return false
	}
	return true
}

// ShortHandle builds the "class/instance" handle for service, or the zero
// Handle if service is unknown.
func (m *Monitor) ShortHandle(service string) (busmodel.Handle, bool) {
	name := busmodel.ParseName(service)
	inst, ok := m.Instance(service)
	if !ok {
		return busmodel.Handle{}, false
	}
	return busmodel.Handle{Class: string(name.Kind), Instance: inst}, true
}

// splitServiceSuffix returns the trailing segment of a fully-qualified
// service name (e.g. "ttyO2" from "com.victronenergy.battery.ttyO2").
func splitServiceSuffix(service string) string {
	i := strings.LastIndex(service, ".")
	if i < 0 {
		return service
	}
	return service[i+1:]
}
