// Package supervisor implements the Supervisor (spec.md §4.6): a periodic
// liveness probe of every subscribed battery and solar-charger service,
// killing the owning process on a no-reply error.
//
// Its shape is grounded in the teacher's services/bridge link-supervision
// loop (backoff + publishState on failure) and services/heartbeat's
// config-driven ticker, adapted from link supervision to peer-process
// supervision: instead of retrying a dropped transport, a no-reply probe
// results in a one-shot kill of the unresponsive peer.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dbus-systemcalc-go/internal/busmodel"
	"dbus-systemcalc-go/internal/errcode"
)

// ServiceList is the subset of *monitor.Monitor the supervisor reads to find
// its targets.
type ServiceList interface {
	ServiceList(kind busmodel.Kind) map[string]int
}

// Prober issues the async "read /ProductId" call described in spec.md §4.6.
// Implementations that see no reply within their own deadline must return
// errcode.NoReply; any other failure is logged and ignored.
type Prober interface {
	ProbeProductId(ctx context.Context, service string, correlation string) error
}

// Killer resolves the bus-process owner of a service name and forcefully
// terminates it (spec.md §4.6). A real implementation resolves a PID via
// the bus's peer-credentials call and sends SIGKILL; this package only
// needs the seam.
type Killer interface {
	Kill(ctx context.Context, service string) error
}

const (
	probeTimeout = 5 * time.Second
)

// Supervisor owns no state beyond its collaborators: the supervision set of
// spec.md §3 is just "every battery/solarcharger service currently in the
// monitor", recomputed fresh on each tick rather than maintained
// incrementally (simpler, and tolerant of the service list changing between
// ticks per spec.md §4.1's "callers must tolerate concurrent disappearance").
type Supervisor struct {
	log    *slog.Logger
	list   ServiceList
	probe  Prober
	killer Killer
}

func New(log *slog.Logger, list ServiceList, probe Prober, killer Killer) *Supervisor {
	return &Supervisor{log: log, list: list, probe: probe, killer: killer}
}

var supervisedClasses = []busmodel.Kind{busmodel.KindBattery, busmodel.KindSolarCharger}

// Tick fires one liveness round. Each probe call is independent and
// fire-and-forget from the scheduler's point of view — Tick launches them
// and returns immediately; nothing here may block the scheduler loop
// (spec.md §5).
func (s *Supervisor) Tick(ctx context.Context) {
	for _, kind := range supervisedClasses {
		for svc := range s.list.ServiceList(kind) {
			go s.probeOne(ctx, svc)
		}
	}
}

func (s *Supervisor) probeOne(parent context.Context, service string) {
	ctx, cancel := context.WithTimeout(parent, probeTimeout)
	defer cancel()

	corr := uuid.NewString()
	err := s.probe.ProbeProductId(ctx, service, corr)
	if err == nil {
		return
	}

	if errcode.Of(err) != errcode.NoReply {
		s.log.Warn("supervisor: probe failed", "service", service, "error", err)
		return
	}

	s.log.Error("supervisor: peer unresponsive, killing", "service", service)
	if kerr := s.killer.Kill(ctx, service); kerr != nil {
		s.log.Error("supervisor: kill failed", "service", service, "error", kerr)
	}
}
