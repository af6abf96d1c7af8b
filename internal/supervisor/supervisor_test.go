package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"dbus-systemcalc-go/internal/busmodel"
	"dbus-systemcalc-go/internal/errcode"
)

type fakeList struct {
	services map[busmodel.Kind]map[string]int
}

func (f *fakeList) ServiceList(kind busmodel.Kind) map[string]int { return f.services[kind] }

type fakeProbe struct {
	mu      sync.Mutex
	errFor  map[string]error
	probed  []string
}

func (p *fakeProbe) ProbeProductId(ctx context.Context, service string, correlation string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, service)
	return p.errFor[service]
}

type fakeKiller struct {
	mu     sync.Mutex
	killed []string
}

func (k *fakeKiller) Kill(ctx context.Context, service string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, service)
	return nil
}

func discardLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// A no-reply error kills the peer (spec.md §4.6).
func TestSupervisor_NoReplyKillsPeer(t *testing.T) {
	list := &fakeList{services: map[busmodel.Kind]map[string]int{
		busmodel.KindBattery: {"com.victronenergy.battery.ttyO2": 1},
	}}
	probe := &fakeProbe{errFor: map[string]error{
		"com.victronenergy.battery.ttyO2": errcode.NoReply,
	}}
	killer := &fakeKiller{}

	s := New(discardLog(), list, probe, killer)
	s.Tick(context.Background())

	waitFor(t, func() bool {
		killer.mu.Lock()
		defer killer.mu.Unlock()
		return len(killer.killed) == 1
	})
	if killer.killed[0] != "com.victronenergy.battery.ttyO2" {
		t.Errorf("killed = %v, want the unresponsive service", killer.killed)
	}
}

// Any other error is logged and ignored; the peer survives (spec.md §7,
// §9 "supervisor kills on NoReply only").
func TestSupervisor_OtherErrorDoesNotKill(t *testing.T) {
	list := &fakeList{services: map[busmodel.Kind]map[string]int{
		busmodel.KindSolarCharger: {"com.victronenergy.solarcharger.ttyO3": 1},
	}}
	probe := &fakeProbe{errFor: map[string]error{
		"com.victronenergy.solarcharger.ttyO3": errors.New("some transient glitch"),
	}}
	killer := &fakeKiller{}

	s := New(discardLog(), list, probe, killer)
	s.Tick(context.Background())

	waitFor(t, func() bool {
		probe.mu.Lock()
		defer probe.mu.Unlock()
		return len(probe.probed) == 1
	})
	time.Sleep(20 * time.Millisecond)

	killer.mu.Lock()
	defer killer.mu.Unlock()
	if len(killer.killed) != 0 {
		t.Errorf("non-NoReply error must not kill the peer, got %v", killer.killed)
	}
}

func TestSupervisor_SuccessfulProbeDoesNothing(t *testing.T) {
	list := &fakeList{services: map[busmodel.Kind]map[string]int{
		busmodel.KindBattery: {"com.victronenergy.battery.ttyO2": 1},
	}}
	probe := &fakeProbe{errFor: map[string]error{}}
	killer := &fakeKiller{}

	s := New(discardLog(), list, probe, killer)
	s.Tick(context.Background())

	waitFor(t, func() bool {
		probe.mu.Lock()
		defer probe.mu.Unlock()
		return len(probe.probed) == 1
	})
	time.Sleep(20 * time.Millisecond)

	killer.mu.Lock()
	defer killer.mu.Unlock()
	if len(killer.killed) != 0 {
		t.Errorf("a successful probe must not kill anyone, got %v", killer.killed)
	}
}

// Only battery and solarcharger classes are supervised (spec.md §3,
// "Supervision set").
func TestSupervisor_OnlySupervisesBatteryAndSolarcharger(t *testing.T) {
	list := &fakeList{services: map[busmodel.Kind]map[string]int{
		busmodel.KindGrid: {"com.victronenergy.grid.ttyO4": 1},
	}}
	probe := &fakeProbe{errFor: map[string]error{}}
	killer := &fakeKiller{}

	s := New(discardLog(), list, probe, killer)
	s.Tick(context.Background())

	time.Sleep(20 * time.Millisecond)

	probe.mu.Lock()
	defer probe.mu.Unlock()
	if len(probe.probed) != 0 {
		t.Errorf("grid services must not be probed, got %v", probe.probed)
	}
}
