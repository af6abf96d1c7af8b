// Package engine is the Scheduler (spec.md §4.9) and the single State value
// the DESIGN NOTES call for: "Consolidate all mutable state (mirror cache,
// selector state, LG buffer, supervision set, relay handles) into one owning
// value passed by reference into every handler; no process-wide statics."
//
// Its loop is grounded in the teacher's services/hal.(*service).loop: one
// goroutine owns every piece of state, arms its own timers, and dispatches
// off a handful of channels — bus events here stand in for hal's config/
// control/result/gpio channels, and the 1 s/5 s/60 s tickers stand in for
// hal's single reschedulable timer.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dbus-systemcalc-go/internal/aggregator"
	"dbus-systemcalc-go/internal/bus"
	"dbus-systemcalc-go/internal/busmodel"
	"dbus-systemcalc-go/internal/errcode"
	"dbus-systemcalc-go/internal/lgfault"
	"dbus-systemcalc-go/internal/monitor"
	"dbus-systemcalc-go/internal/publisher"
	"dbus-systemcalc-go/internal/relay"
	"dbus-systemcalc-go/internal/selector"
	"dbus-systemcalc-go/internal/serial"
	"dbus-systemcalc-go/internal/settings"
	"dbus-systemcalc-go/internal/socmirror"
	"dbus-systemcalc-go/internal/supervisor"
)

// Config is the local-process bootstrap configuration (SPEC_FULL.md §5);
// distinct from the settings-service keys, which are bus-mediated.
type Config struct {
	BusQueueLen int
	RelayPath   string
}

func (c Config) withDefaults() Config {
	if c.BusQueueLen <= 0 {
		c.BusQueueLen = 64
	}
	if c.RelayPath == "" {
		c.RelayPath = "/dev/null"
	}
	return c
}

const (
	aggregationTick = 1 * time.Second
	relayTick       = 5 * time.Second
	supervisorTick  = 60 * time.Second

	tickWarnThreshold = 900 * time.Millisecond

	eventQueueLen = 256
)

type eventKind int

const (
	evValueChanged eventKind = iota
	evServiceAdded
	evServiceRemoved
	evSettingChanged
)

type engineEvent struct {
	kind     eventKind
	service  string
	class    busmodel.Kind
	path     string
	instance int
}

// State is the one owning value (DESIGN NOTES, "Global mutable engine
// state"). Bus delivery happens on monitor/settings' own dispatch
// goroutines; everything those goroutines learn reaches State only through
// events, which Run's single loop goroutine drains and acts on.
type State struct {
	log     *slog.Logger
	metrics *Metrics

	b        *bus.Bus
	monConn  *bus.Connection
	setConn  *bus.Connection
	pubConn  *bus.Connection
	supConn  *bus.Connection

	mon *monitor.Monitor
	set *settings.Adapter
	pub *publisher.Publisher
	rel *relay.Relay
	sup *supervisor.Supervisor
	lg  *lgfault.Detector
	soc *socmirror.Mirror

	events chan engineEvent

	dirty     bool // mutated only by Run's loop goroutine
	selection selector.Result
	mapped    map[string]string // service -> flattened /ServiceMapping key, for clean removal
}

// New wires every component together exactly as cmd/systemcalc's RunE will
// call it: construct, then Run(ctx) until the context is cancelled.
func New(log *slog.Logger, cfg Config) *State {
	cfg = cfg.withDefaults()

	b := bus.NewBus(cfg.BusQueueLen)
	st := &State{
		log:     log,
		metrics: NewMetrics(b),
		b:       b,
		monConn: b.NewConnection("monitor"),
		setConn: b.NewConnection("settings"),
		pubConn: b.NewConnection("publisher"),
		supConn: b.NewConnection("supervisor"),
		events:  make(chan engineEvent, eventQueueLen),
		mapped:  map[string]string{},
	}

	st.mon = monitor.New(log, st.monConn, schema(), st.onValue, st.onAdded, st.onRemoved)
	st.set = settings.New(log, st.setConn, st.onSettingChanged)
	st.pub = publisher.New(log, st.pubConn)
	st.rel = relay.Open(log, cfg.RelayPath)
	st.pub.SetRelayWriter(st.rel.Write)
	st.sup = supervisor.New(log, st.mon, &busProber{conn: st.supConn}, &busKiller{conn: st.supConn, metrics: st.metrics})
	st.lg = lgfault.New(log, &lgWriter{mon: st.mon, pub: st.pub})
	st.soc = socmirror.New(log, st.mon)

	st.set.EnsureDefaults()
	st.pub.Set(map[string]any{"/Serial": serial.NodeID()})

	return st
}

// MetricsRegistry exposes the Prometheus registry cmd/systemcalc mounts
// behind an optional /metrics HTTP listener (SPEC_FULL.md §6); the engine
// itself never starts that listener, since it has no opinion on transport.
func (st *State) MetricsRegistry() *prometheus.Registry {
	return st.metrics.Registry
}

// schema declares the subscription tree (spec.md §3, "Subscription schema").
// Per-path metadata is not enforced by internal/bus's wildcard subscriptions;
// it exists so the schema stays a legible, documented contract.
func schema() monitor.Schema {
	ro := monitor.PathMeta{Writable: false}
	common := map[string]monitor.PathMeta{
		"/Connected":       ro,
		"/ProductName":     ro,
		"/ProductId":       ro,
		"/Mgmt/Connection": ro,
		"/DeviceType":      ro,
	}
	withCommon := func(extra map[string]monitor.PathMeta) map[string]monitor.PathMeta {
		out := make(map[string]monitor.PathMeta, len(common)+len(extra))
		for k, v := range common {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}
	dc := func() map[string]monitor.PathMeta {
		return map[string]monitor.PathMeta{
			"/Dc/0/Voltage": ro, "/Dc/0/Current": ro, "/Dc/0/Power": ro,
		}
	}
	return monitor.Schema{
		busmodel.KindBattery: withCommon(map[string]monitor.PathMeta{
			"/Dc/0/Voltage": ro, "/Dc/0/Current": ro, "/Dc/0/Power": ro,
			"/Soc": ro, "/TimeToGo": ro, "/ConsumedAmphours": ro,
		}),
		busmodel.KindSolarCharger: withCommon(dc()),
		busmodel.KindCharger:      withCommon(dc()),
		busmodel.KindVebus: withCommon(map[string]monitor.PathMeta{
			"/State": ro, "/Dc/0/Voltage": ro, "/Dc/0/Current": ro, "/Dc/0/Power": ro,
			"/Ac/ActiveIn/ActiveInput": ro, "/Ac/ActiveIn/L1/P": ro, "/Ac/ActiveIn/L2/P": ro, "/Ac/ActiveIn/L3/P": ro,
			"/Ac/Out/L1/P": ro, "/Ac/Out/L2/P": ro, "/Ac/Out/L3/P": ro,
			"/Hub4/AcPowerSetpoint": ro, "/Mode": {Writable: true},
		}),
		busmodel.KindPVInverter: withCommon(map[string]monitor.PathMeta{
			"/Position": ro, "/Ac/L1/Power": ro, "/Ac/L2/Power": ro, "/Ac/L3/Power": ro,
		}),
		busmodel.KindGrid: withCommon(map[string]monitor.PathMeta{
			"/Ac/L1/Power": ro, "/Ac/L2/Power": ro, "/Ac/L3/Power": ro,
		}),
		busmodel.KindGenset: withCommon(map[string]monitor.PathMeta{
			"/Ac/L1/Power": ro, "/Ac/L2/Power": ro, "/Ac/L3/Power": ro,
		}),
	}
}

// -----------------------------------------------------------------------
// Callbacks: these run on the monitor/settings dispatch goroutines, never
// on Run's loop goroutine. They must never touch State directly — only
// enqueue.
// -----------------------------------------------------------------------

func (st *State) onValue(service, path string, old, new any, instance int) {
	st.enqueue(engineEvent{kind: evValueChanged, service: service, path: path, instance: instance})
}

func (st *State) onAdded(service string, class busmodel.Kind, instance int) {
	st.enqueue(engineEvent{kind: evServiceAdded, service: service, class: class, instance: instance})
}

func (st *State) onRemoved(service string, class busmodel.Kind, instance int) {
	st.enqueue(engineEvent{kind: evServiceRemoved, service: service, class: class, instance: instance})
}

func (st *State) onSettingChanged(key string, old, new any) {
	st.enqueue(engineEvent{kind: evSettingChanged, path: key})
}

// enqueue never blocks the delivering goroutine; a full queue means the
// loop is falling behind; the event is dropped and counted rather than
// stalling bus delivery (mirrors internal/bus's own drop-oldest policy).
func (st *State) enqueue(ev engineEvent) {
	select {
	case st.events <- ev:
	default:
		st.metrics.EventsDropped.Inc()
		st.log.Warn("engine: event queue full, dropping", "kind", ev.kind)
	}
}

// -----------------------------------------------------------------------
// Run: the single event loop (spec.md §5).
// -----------------------------------------------------------------------

// Run blocks until ctx is cancelled, dispatching bus events and the three
// periodic timers (spec.md §5: "(a) bus signal deliveries, (b) method-call
// completions, (c) three periodic timers at 1 s, 5 s, 60 s"). Every
// callback and timer body is wrapped so a panic is logged and the loop
// continues (spec.md §7, propagation policy) rather than taking the process
// down.
func (st *State) Run(ctx context.Context) error {
	st.log.Info("engine: starting")
	defer st.rel.Close()

	aggTicker := time.NewTicker(aggregationTick)
	defer aggTicker.Stop()
	relTicker := time.NewTicker(relayTick)
	defer relTicker.Stop()
	supTicker := time.NewTicker(supervisorTick)
	defer supTicker.Stop()

	st.recomputeSelection()

	for {
		select {
		case <-ctx.Done():
			st.log.Info("engine: stopping")
			return ctx.Err()

		case ev := <-st.events:
			st.safely("handleEvent", func() { st.handleEvent(ev) })

		case <-aggTicker.C:
			st.safely("aggregationTick", st.aggregationTickFn)

		case <-relTicker.C:
			st.safely("relayTick", st.relayTickFn)

		case <-supTicker.C:
			st.safely("supervisorTick", func() { st.sup.Tick(ctx) })
		}
	}
}

func (st *State) safely(op string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			st.log.Error("engine: recovered panic", "op", op, "panic", r)
		}
	}()
	f()
}

// -----------------------------------------------------------------------
// Event handling
// -----------------------------------------------------------------------

// selectorTriggerPaths is the subset of value-changed paths that re-run the
// Battery Selector (spec.md §4.3 step 4), beyond service add/remove and
// changes of the BatteryService setting, which always re-run it.
var selectorTriggerPaths = map[string]bool{
	"/Connected":       true,
	"/ProductName":     true,
	"/Mgmt/Connection": true,
	"/State":           true,
}

func (st *State) handleEvent(ev engineEvent) {
	st.dirty = true

	switch ev.kind {
	case evServiceAdded:
		st.mapped[ev.service] = st.serviceMappingKey(ev.service, ev.class, ev.instance)
		st.pub.SetServiceMapping(st.mapped[ev.service], ev.service)
		st.recomputeSelection()
		if ev.class == busmodel.KindBattery {
			if pid, ok := st.mon.GetInt(ev.service, "/ProductId"); ok && lgfault.IsLGBattery(pid) {
				st.lg.Activate(ev.service)
			}
		}

	case evServiceRemoved:
		if key, ok := st.mapped[ev.service]; ok {
			st.pub.RemoveServiceMapping(key)
			delete(st.mapped, ev.service)
		}
		st.lg.Deactivate(ev.service)
		st.recomputeSelection()

	case evValueChanged:
		if ev.path == "/ProductId" && busmodel.ParseName(ev.service).Kind == busmodel.KindBattery {
			if pid, ok := st.mon.GetInt(ev.service, "/ProductId"); ok && lgfault.IsLGBattery(pid) {
				st.lg.Activate(ev.service)
			}
		}
		if selectorTriggerPaths[ev.path] {
			st.recomputeSelection()
		}

	case evSettingChanged:
		if ev.path == settings.KeyBatteryService {
			st.recomputeSelection()
		}
	}
}

func (st *State) serviceMappingKey(service string, class busmodel.Kind, instance int) string {
	h := busmodel.Handle{Class: string(class), Instance: instance}
	return publisher.FlattenKey(h.String())
}

// recomputeSelection implements spec.md §4.3 step 3's publish set. It is
// cheap and pure given the current mirror snapshot, so it runs inline from
// whichever event triggered it rather than waiting for the next tick
// (spec.md §2, "Independently: Selector runs on service-set or setting
// change").
func (st *State) recomputeSelection() {
	setting := st.set.GetString(settings.KeyBatteryService, "default")
	if setting != "default" && setting != "nobattery" && setting != "" {
		if _, ok := busmodel.ParseHandle(setting); !ok {
			st.log.Error("engine: unparsable battery-service setting, behaving as default",
				"setting", setting, "code", errcode.Config)
		}
	}
	res := selector.Select(st.mon, setting)
	st.selection = res

	st.pub.Set(map[string]any{
		"/AutoSelectedBatteryService":     nilIfEmpty(res.AutoSelectedService),
		"/AutoSelectedBatteryMeasurement": nilIfEmpty(res.AutoSelectedMeasurement),
		"/ActiveBatteryService":           nilIfEmpty(res.ActiveBatteryService),
		"/AvailableBatteryServices":       publisher.MarshalAvailable(res.AvailableServices),
		"/AvailableBatteryMeasurements":   publisher.MarshalAvailable(res.AvailableMeasurements),
	})
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// -----------------------------------------------------------------------
// Periodic ticks
// -----------------------------------------------------------------------

// aggregationTickFn implements spec.md §4.4's "once per 1 s tick if any
// input changed" and the SoC Mirror's independent every-tenth-tick cadence
// (DESIGN NOTES, "Polling of a quasi-stream").
func (st *State) aggregationTickFn() {
	start := time.Now()

	if st.dirty {
		sel := aggregator.Selection{Chosen: st.selection.Chosen}
		out := aggregator.Compute(st.mon, st.set, sel)
		st.pub.Set(out)
		st.dirty = false
		st.metrics.Recomputes.Inc()
	}

	vebusService, _ := st.pub.Get("/VebusService").(string)
	st.lg.Tick(st.mon, vebusService)

	chosenKind := busmodel.KindOther
	if st.selection.Chosen != "" {
		chosenKind = busmodel.ParseName(st.selection.Chosen).Kind
	}
	soc := st.pub.Get("/Dc/Battery/Soc")
	st.soc.Tick(st.set.GetBool(settings.KeyWriteVebusSoc), vebusService, soc, chosenKind)

	elapsed := time.Since(start)
	st.metrics.TickDuration.Observe(elapsed.Seconds())
	if elapsed > tickWarnThreshold {
		st.log.Warn("engine: aggregation tick exceeded budget", "elapsed", elapsed)
	}
}

// relayTickFn implements spec.md §4.8's periodic read: every 5 s, read the
// digital-output file and republish its value (null on read failure).
func (st *State) relayTickFn() {
	v, ok := st.rel.Read()
	if !ok {
		st.pub.Set(map[string]any{"/Relay/0/State": nil})
		return
	}
	st.pub.Set(map[string]any{"/Relay/0/State": v})
}

// lgWriter is the lgfault.Writer the LG Fault Detector trips through. A trip
// writes two different paths on two different services (spec.md §4.7): the
// published service's own alarm path, which must land in the Publisher's
// snapshot directly rather than round-trip through the bus as an external
// write (the Publisher only accepts external writes on /Relay/0/State), and
// the multi's /Mode, which is a genuine external bus write like any other
// monitor.SetValue call.
type lgWriter struct {
	mon *monitor.Monitor
	pub *publisher.Publisher
}

func (w *lgWriter) SetValue(service, path string, value any) {
	if service == publisher.ServiceName {
		w.pub.Set(map[string]any{path: value})
		return
	}
	w.mon.SetValue(service, path, value)
}

// -----------------------------------------------------------------------
// Supervisor collaborators
// -----------------------------------------------------------------------

// busProber issues the async "read /ProductId" call over the bus itself
// (spec.md §4.6): a real peer process would answer a "request/get/<service>"
// message the same way the rest of this repository's services reply to
// bus requests.
type busProber struct {
	conn *bus.Connection
}

func (p *busProber) ProbeProductId(ctx context.Context, service, correlation string) error {
	msg := p.conn.NewMessage(bus.RequestGetTopic(service, "/ProductId"), correlation, false)
	if _, err := p.conn.RequestWait(ctx, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errcode.NoReply
		}
		return errcode.New(errcode.TransientBus, "supervisor.probe", "request failed", err)
	}
	return nil
}

// busKiller publishes a kill command on the bus rather than resolving and
// signalling an OS pid: the in-process bus standing in for the real
// transport (spec.md Non-goals: wire codec) has no peer-credentials
// mechanism to map a service name to a process, so the owning process — in
// a real deployment — subscribes to its own "control/kill/<service>" topic
// and exits on receipt.
type busKiller struct {
	conn    *bus.Connection
	metrics *Metrics
}

func (k *busKiller) Kill(ctx context.Context, service string) error {
	k.conn.Publish(k.conn.NewMessage(bus.ControlKillTopic(service), true, false))
	k.metrics.SupervisorKills.Inc()
	return nil
}
