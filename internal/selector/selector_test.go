package selector

import (
	"testing"

	"dbus-systemcalc-go/internal/busmodel"
)

type fakeSnap struct {
	kindOf    map[string]busmodel.Kind
	instance  map[string]int
	connected map[string]bool
	values    map[string]map[string]any
}

func newFakeSnap() *fakeSnap {
	return &fakeSnap{
		kindOf:    map[string]busmodel.Kind{},
		instance:  map[string]int{},
		connected: map[string]bool{},
		values:    map[string]map[string]any{},
	}
}

func (s *fakeSnap) add(service string, kind busmodel.Kind, instance int, connected bool, vals map[string]any) {
	s.kindOf[service] = kind
	s.instance[service] = instance
	s.connected[service] = connected
	s.values[service] = vals
}

func (s *fakeSnap) ServiceList(kind busmodel.Kind) map[string]int {
	out := map[string]int{}
	for svc, k := range s.kindOf {
		if k == kind {
			out[svc] = s.instance[svc]
		}
	}
	return out
}

func (s *fakeSnap) Connected(service string, kind busmodel.Kind) bool { return s.connected[service] }

func (s *fakeSnap) GetValue(service, path string) any {
	vals, ok := s.values[service]
	if !ok {
		return nil
	}
	return vals[path]
}

func (s *fakeSnap) Instance(service string) (int, bool) {
	inst, ok := s.instance[service]
	return inst, ok
}

// autoCandidate picks the lexicographically smallest connected battery first
// (spec.md §4.3 step 1).
func TestSelect_AutoCandidate_BatteryWins(t *testing.T) {
	snap := newFakeSnap()
	snap.add("com.victronenergy.battery.ttyO3", busmodel.KindBattery, 2, true, map[string]any{
		"/ProductName":     "BMV",
		"/Mgmt/Connection": "ttyO3",
	})
	snap.add("com.victronenergy.battery.ttyO2", busmodel.KindBattery, 1, true, map[string]any{
		"/ProductName":     "BMV2",
		"/Mgmt/Connection": "ttyO2",
	})
	snap.add("com.victronenergy.vebus.ttyO1", busmodel.KindVebus, 0, true, nil)

	res := Select(snap, "default")

	if res.AutoSelectedService != "com.victronenergy.battery.ttyO2" {
		t.Errorf("AutoSelectedService = %q, want the lexicographically smallest battery", res.AutoSelectedService)
	}
	if res.Chosen != res.AutoSelectedService {
		t.Errorf("default setting should choose the auto-candidate")
	}
}

// A connected solarcharger or charger with no battery monitor makes the
// auto-candidate null: the system has DC sources not summarised by a battery
// monitor, and refuses to guess SoC (spec.md §4.3 step 1).
func TestSelect_AutoCandidate_SolarBlocksVebusFallback(t *testing.T) {
	snap := newFakeSnap()
	snap.add("com.victronenergy.solarcharger.ttyO3", busmodel.KindSolarCharger, 1, true, nil)
	snap.add("com.victronenergy.vebus.ttyO1", busmodel.KindVebus, 0, true, nil)

	res := Select(snap, "default")

	if res.AutoSelectedService != "" {
		t.Errorf("AutoSelectedService = %q, want empty (solarcharger present blocks vebus fallback)", res.AutoSelectedService)
	}
	if res.Label != "No battery monitor found" {
		t.Errorf("Label = %q, want the no-monitor sentinel", res.Label)
	}
}

// With no battery and no DC charger, a connected vebus becomes the
// auto-candidate.
func TestSelect_AutoCandidate_VebusFallback(t *testing.T) {
	snap := newFakeSnap()
	snap.add("com.victronenergy.vebus.ttyO1", busmodel.KindVebus, 0, true, nil)

	res := Select(snap, "default")

	if res.AutoSelectedService != "com.victronenergy.vebus.ttyO1" {
		t.Errorf("AutoSelectedService = %q, want the vebus", res.AutoSelectedService)
	}
}

func TestSelect_NoBattery(t *testing.T) {
	snap := newFakeSnap()
	snap.add("com.victronenergy.battery.ttyO2", busmodel.KindBattery, 1, true, nil)

	res := Select(snap, "nobattery")

	if res.Chosen != "" {
		t.Errorf("nobattery setting should leave Chosen empty, got %q", res.Chosen)
	}
	if res.Label != "" {
		t.Errorf("nobattery setting should leave Label empty, got %q", res.Label)
	}
}

func TestSelect_PinnedHandle(t *testing.T) {
	snap := newFakeSnap()
	snap.add("com.victronenergy.battery.ttyO2", busmodel.KindBattery, 7, true, nil)

	res := Select(snap, "battery/7")

	if res.Chosen != "com.victronenergy.battery.ttyO2" {
		t.Errorf("Chosen = %q, want the pinned battery", res.Chosen)
	}
	if res.Label != "" {
		t.Errorf("user-pinned selection should not synthesize a label, got %q", res.Label)
	}
}

func TestSelect_PinnedHandle_NotFound(t *testing.T) {
	snap := newFakeSnap()

	res := Select(snap, "battery/7")

	if res.Chosen != "" {
		t.Errorf("Chosen = %q, want empty: pinned handle matches no connected service", res.Chosen)
	}
}

// Configuration error (spec.md §7): an unparsable setting behaves as default.
func TestSelect_UnparsableSettingFallsBackToDefault(t *testing.T) {
	snap := newFakeSnap()
	snap.add("com.victronenergy.battery.ttyO2", busmodel.KindBattery, 1, true, map[string]any{
		"/ProductName":     "BMV",
		"/Mgmt/Connection": "ttyO2",
	})

	res := Select(snap, "not-a-handle")

	if res.Chosen != "com.victronenergy.battery.ttyO2" {
		t.Errorf("unparsable setting should fall back to auto-candidate, got %q", res.Chosen)
	}
}

func TestSelect_AvailableServicesIncludeSentinels(t *testing.T) {
	snap := newFakeSnap()
	res := Select(snap, "default")

	if res.AvailableServices["default"] != "Automatic" {
		t.Errorf("AvailableServices[default] = %q, want Automatic", res.AvailableServices["default"])
	}
	if res.AvailableServices["nobattery"] != "No battery monitor" {
		t.Errorf("AvailableServices[nobattery] = %q, want the sentinel label", res.AvailableServices["nobattery"])
	}
}

func TestSelect_ActiveBatteryServiceIsShortHandle(t *testing.T) {
	snap := newFakeSnap()
	snap.add("com.victronenergy.battery.ttyO2", busmodel.KindBattery, 7, true, map[string]any{
		"/ProductName":     "BMV",
		"/Mgmt/Connection": "ttyO2",
	})

	res := Select(snap, "default")

	if res.ActiveBatteryService != "battery/7" {
		t.Errorf("ActiveBatteryService = %q, want %q", res.ActiveBatteryService, "battery/7")
	}
}
