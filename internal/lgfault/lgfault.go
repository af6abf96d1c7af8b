// Package lgfault implements the LG Fault Detector (spec.md §4.7): a
// sliding-window voltage anomaly check for the LG RESU battery family
// (product id 0xB004), which trips a protective mode change on the primary
// inverter/charger when its DC bus voltage drifts far from what the
// quiescent battery reports.
//
// The sample ring is a simplified, single-threaded descendant of the
// teacher's x/shmring.Ring: that package is an SPSC byte ring built for
// cross-goroutine (cross-core, on the MCU target) handoff with atomic
// indices and edge-coalesced readiness channels. The detector runs entirely
// on the scheduler's single goroutine (spec.md §5) and stores float64
// voltage samples, not bytes, so the concurrency machinery has no job to do
// here; only the fixed-capacity FIFO-eviction idea is kept.
package lgfault

import (
	"log/slog"
)

const (
	lgProductId  = 0xB004
	capacity     = 40
	minSamples   = 20
	quiescentAmp = 0.01
	bandLow      = 0.9
	bandHigh     = 1.1
	tripModeOff  = 4
)

// Writer is the bus-write surface the detector needs on trip.
type Writer interface {
	SetValue(service, path string, value any)
}

// ring is a fixed-capacity FIFO float64 buffer with overwrite-oldest
// eviction, matching spec.md §3's "ring buffer capacity 40".
type ring struct {
	buf   [capacity]float64
	len   int
	start int
}

func (r *ring) push(v float64) {
	if r.len < capacity {
		r.buf[(r.start+r.len)%capacity] = v
		r.len++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % capacity
}

func (r *ring) reset() { *r = ring{} }

func (r *ring) minMax() (min, max float64) {
	min, max = r.buf[r.start], r.buf[r.start]
	for i := 1; i < r.len; i++ {
		v := r.buf[(r.start+i)%capacity]
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return
}

// Detector tracks at most one active LG-family battery service at a time,
// per spec.md §3 "LG detector state".
type Detector struct {
	log    *slog.Logger
	writer Writer

	service string // "" when inactive
	samples ring
}

func New(log *slog.Logger, writer Writer) *Detector {
	return &Detector{log: log, writer: writer}
}

// IsLGBattery reports whether a battery service with the given /ProductId
// activates the detector.
func IsLGBattery(productId int) bool { return productId == lgProductId }

// Activate is called when a battery-class service advertising product id
// 0xB004 appears.
func (d *Detector) Activate(service string) {
	d.service = service
	d.samples.reset()
}

// Deactivate is called when that service disappears.
func (d *Detector) Deactivate(service string) {
	if d.service == service {
		d.service = ""
		d.samples.reset()
	}
}

func (d *Detector) Active() bool { return d.service != "" }

// Mirror is the read-only bus surface Tick needs.
type Mirror interface {
	GetFloat(service, path string) (float64, bool)
}

// Tick implements spec.md §4.7's per-tick algorithm. multi is the primary
// inverter/charger service name ("" if none).
func (d *Detector) Tick(m Mirror, multi string) {
	if !d.Active() {
		return
	}

	i, ok := m.GetFloat(d.service, "/Dc/0/Current")
	if !ok || abs(i) > quiescentAmp {
		d.samples.reset()
		return
	}

	if multi == "" {
		return
	}
	vMulti, ok := m.GetFloat(multi, "/Dc/0/Voltage")
	if !ok {
		return
	}

	d.samples.push(vMulti)
	if d.samples.len < minSamples {
		return
	}

	vBat, ok := m.GetFloat(d.service, "/Dc/0/Voltage")
	if !ok {
		return
	}

	lo, hi := d.samples.minMax()
	if lo < bandLow*vBat || hi > bandHigh*vBat {
		d.writer.SetValue("com.victronenergy.system", "/Dc/Battery/Alarms/CircuitBreakerTripped", 2)
		d.writer.SetValue(multi, "/Mode", tripModeOff)
		d.samples.reset()
		d.log.Error("lgfault: circuit breaker trip signature detected", "battery", d.service, "multi", multi, "low", lo, "high", hi, "vbat", vBat)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
