// Package socmirror implements the SoC Mirror (spec.md §4.5): every tenth
// 1 s tick, if enabled, the multi's own SoC is overwritten with the
// selected battery's SoC.
package socmirror

import (
	"log/slog"

	"dbus-systemcalc-go/internal/busmodel"
)

// Writer is the minimal bus-write surface socmirror needs; satisfied by
// *monitor.Monitor.
type Writer interface {
	SetValue(service, path string, value any)
}

// Mirror runs the once-per-ten-ticks SoC write. Its counter is independent
// of the engine's dirty flag (DESIGN NOTES, spec.md §9): it fires on its own
// schedule regardless of whether anything changed.
type Mirror struct {
	log     *slog.Logger
	writer  Writer
	counter int
}

func New(log *slog.Logger, writer Writer) *Mirror {
	return &Mirror{log: log, writer: writer}
}

// Tick is called once per 1 s scheduler tick. enabled, vebusService, soc and
// chosenKind are this tick's already-computed values (spec.md §4.5's four
// preconditions).
func (m *Mirror) Tick(enabled bool, vebusService string, soc any, chosenKind busmodel.Kind) {
	m.counter++
	if m.counter < 10 {
		return
	}
	m.counter = 0

	if !enabled || vebusService == "" || soc == nil || chosenKind == busmodel.KindVebus {
		return
	}
	m.writer.SetValue(vebusService, "/Soc", soc)
}
