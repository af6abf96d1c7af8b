// Package publisher is the Published Service (spec.md §4.2 and §6): the
// fixed schema of output paths the aggregator republishes as
// com.victronenergy.system, device instance 0. Writes from the bus are
// accepted only on /Relay/0/State; every other path is read-only from
// outside, matching the teacher's device Control() methods that reject
// unsupported verbs (services/hal/devices/gpio_dout/device.go) rather than
// silently accepting them.
package publisher

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"dbus-systemcalc-go/internal/bus"
)

const ServiceName = "com.victronenergy.system"
const DeviceInstance = 0

// Formatter renders a raw value for human display; the only non-trivial one
// is /Dc/Battery/State's enum mapping (spec.md §4.2).
type Formatter func(v any) string

var batteryStateNames = map[int]string{0: "Idle", 1: "Charging", 2: "Discharging"}

func FormatBatteryState(v any) string {
	n, ok := v.(int)
	if !ok {
		if f, ok := v.(float64); ok {
			n = int(f)
		} else {
			return ""
		}
	}
	if s, ok := batteryStateNames[n]; ok {
		return s
	}
	return strconv.Itoa(n)
}

// WriteHandler is invoked for an accepted external write; only /Relay/0/State
// registers one.
type WriteHandler func(v any) error

type pathSpec struct {
	format  Formatter
	onWrite WriteHandler
}

// Publisher owns the output snapshot and the reverse service-mapping index
// (SPEC_FULL.md §7, "/ServiceMapping/<flattened class_instance>").
type Publisher struct {
	log  *slog.Logger
	conn *bus.Connection

	mu        sync.Mutex
	values    map[string]any
	paths     map[string]pathSpec
	mapping   map[string]string // flattened class_instance -> service name
	relayOnWrite func(v int) error
}

func New(log *slog.Logger, conn *bus.Connection) *Publisher {
	p := &Publisher{
		log:     log,
		conn:    conn,
		values:  map[string]any{},
		paths:   map[string]pathSpec{},
		mapping: map[string]string{},
	}
	p.register("/Dc/Battery/State", FormatBatteryState, nil)
	p.registerWritable("/Relay/0/State", nil, p.acceptRelayWrite)

	writeSub := conn.Subscribe(bus.ControlSetTopic(ServiceName, bus.Any))
	go p.dispatchWrites(writeSub)

	p.publishMandatoryMetadata()
	return p
}

func (p *Publisher) register(path string, format Formatter, onWrite WriteHandler) {
	p.paths[path] = pathSpec{format: format, onWrite: onWrite}
}

func (p *Publisher) registerWritable(path string, format Formatter, onWrite WriteHandler) {
	p.register(path, format, onWrite)
}

func (p *Publisher) publishMandatoryMetadata() {
	meta := map[string]string{
		"process_name":    "dbus-systemcalc-go",
		"process_version": "1.0.0",
		"connection":      "data from other dbus processes",
	}
	p.conn.Publish(p.conn.NewMessage(bus.MetaTopic(ServiceName), meta, true))
	p.conn.Publish(p.conn.NewMessage(bus.ServiceValueTopic(ServiceName, "/Connected"), 1, true))
}

// SetRelayWriter installs the function that actually performs the digital-
// output write (internal/relay.Write); until called, writes to
// /Relay/0/State are rejected. internal/engine wires this once, after both
// the Publisher and the Relay exist.
func (p *Publisher) SetRelayWriter(w func(v int) error) {
	p.mu.Lock()
	p.relayOnWrite = w
	p.mu.Unlock()
}

// acceptRelayWrite is the only WriteHandler on the published schema: it
// validates the value, forwards it to the relay file, and on success
// re-publishes the snapshot so readers see the accepted value immediately
// rather than waiting for the next 5 s relay-read tick.
func (p *Publisher) acceptRelayWrite(v any) error {
	n, ok := asInt(v)
	if !ok || (n != 0 && n != 1) {
		return errInvalidRelayValue
	}
	p.mu.Lock()
	w := p.relayOnWrite
	p.mu.Unlock()
	if w == nil {
		return errNoRelayWriter
	}
	if err := w(n); err != nil {
		return err
	}
	p.setAndPublish("/Relay/0/State", n)
	return nil
}

var errInvalidRelayValue = &relayValueError{}
var errNoRelayWriter = relayError("publisher: relay writer not yet wired")

type relayValueError struct{}

func (*relayValueError) Error() string { return "relay state must be 0 or 1" }

type relayError string

func (e relayError) Error() string { return string(e) }

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (p *Publisher) dispatchWrites(sub *bus.Subscription) {
	for msg := range sub.Channel() {
		path, ok := lastToken(msg.Topic)
		if !ok {
			continue
		}
		p.mu.Lock()
		spec, known := p.paths[path]
		p.mu.Unlock()
		if !known || spec.onWrite == nil {
			continue
		}
		if err := spec.onWrite(msg.Payload); err != nil {
			p.log.Warn("publisher: rejected write", "path", path, "error", err)
		}
	}
}

func lastToken(t bus.Topic) (string, bool) {
	if len(t) == 0 {
		return "", false
	}
	return t[len(t)-1], true
}

// Set stores and publishes every path in values under one lock. The
// Aggregation Pipeline hands it a full map once per tick, so a Get never
// observes a half-applied tick (spec.md §3, "Output snapshot").
func (p *Publisher) Set(values map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for path, v := range values {
		p.values[path] = v
		p.publishLocked(path, v)
	}
}

// setAndPublish is used outside the bulk Set path (the relay write
// handler, which reacts to a single external write rather than a tick).
func (p *Publisher) setAndPublish(path string, v any) {
	p.mu.Lock()
	p.values[path] = v
	p.publishLocked(path, v)
	p.mu.Unlock()
}

func (p *Publisher) publishLocked(path string, v any) {
	p.conn.Publish(p.conn.NewMessage(bus.ServiceValueTopic(ServiceName, path), v, true))
}

// Get returns the last value Set, a write handler, or the service-mapping
// index assigned to path.
func (p *Publisher) Get(path string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[path]
}

// SetServiceMapping updates the /ServiceMapping/<flattened> reverse index
// for service, independent of the 1 s tick (SPEC_FULL.md §7).
func (p *Publisher) SetServiceMapping(flattened, service string) {
	p.mu.Lock()
	p.mapping[flattened] = service
	p.values["/ServiceMapping/"+flattened] = service
	p.publishLocked("/ServiceMapping/"+flattened, service)
	p.mu.Unlock()
}

// RemoveServiceMapping clears the reverse index entry for a service that
// disappeared.
func (p *Publisher) RemoveServiceMapping(flattened string) {
	p.mu.Lock()
	delete(p.mapping, flattened)
	p.values["/ServiceMapping/"+flattened] = nil
	p.publishLocked("/ServiceMapping/"+flattened, nil)
	p.mu.Unlock()
}

// MarshalAvailable renders the selectable-battery-source dict as the
// JSON-object string spec.md §4.3 calls for
// (/AvailableBatteryServices).
func MarshalAvailable(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]string, len(labels))
	for _, k := range keys {
		ordered[k] = labels[k]
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// FlattenKey mirrors busmodel.FlattenMeasurement's flattening rule for
// callers that only have a raw "class/instance" string (e.g. building the
// /ServiceMapping key), avoiding an import cycle with busmodel.
func FlattenKey(classInstance string) string {
	var b strings.Builder
	b.Grow(len(classInstance))
	for _, r := range classInstance {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
