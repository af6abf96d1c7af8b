// Package selector implements the Battery Selector (spec.md §4.3): a pure
// function of (user setting, currently-present services) -> chosen battery
// service + human label + measurement key.
package selector

import (
	"fmt"
	"sort"

	"dbus-systemcalc-go/internal/busmodel"
)

// Snapshot is the read-only view of the mirror the selector needs. It is
// satisfied by *monitor.Monitor; defined here (consumer side) so selector
// stays unit-testable without a live bus.
type Snapshot interface {
	ServiceList(kind busmodel.Kind) map[string]int
	Connected(service string, kind busmodel.Kind) bool
	GetValue(service, path string) any
	Instance(service string) (int, bool)
}

// Result is the full battery-selection state (spec.md §3,
// "Battery-selection state").
type Result struct {
	Setting                        string
	Chosen                         string // fully-qualified service name, "" if none
	Label                          string // human label; "" if none
	AutoSelectedService            string
	AutoSelectedMeasurement        string
	ActiveBatteryService           string // "class/instance" short handle, "" if none
	AvailableServices              map[string]string // service/sentinel -> label
	AvailableMeasurements          map[string]string // service/sentinel -> measurement key
}

// Select runs the algorithm of spec.md §4.3 steps 1-3.
func Select(snap Snapshot, setting string) Result {
	auto := autoCandidate(snap)

	res := Result{Setting: setting}
	res.AutoSelectedService = auto
	if auto != "" {
		if h, ok := snap.Instance(auto); ok {
			res.AutoSelectedMeasurement = busmodel.FlattenMeasurement(busmodel.Handle{
				Class:    string(busmodel.ParseName(auto).Kind),
				Instance: h,
			})
		}
	}

	switch {
	case setting == "nobattery":
		res.Chosen = ""
		res.Label = ""
	case setting == "default" || setting == "":
		res.Chosen = auto
		if auto == "" {
			res.Label = "No battery monitor found"
		} else {
			res.Label = describe(snap, auto)
		}
	default:
		if h, ok := busmodel.ParseHandle(setting); ok {
			if svc := findByHandle(snap, h); svc != "" {
				res.Chosen = svc
				res.Label = "" // user-pinned: no synthesized label
			} else {
				res.Chosen = ""
				res.Label = ""
			}
		} else {
			// Configuration error (spec.md §7): unparsable setting, behave as default.
			res.Chosen = auto
			if auto == "" {
				res.Label = "No battery monitor found"
			} else {
				res.Label = describe(snap, auto)
			}
		}
	}

	if res.Chosen != "" {
		if inst, ok := snap.Instance(res.Chosen); ok {
			kind := busmodel.ParseName(res.Chosen).Kind
			res.ActiveBatteryService = busmodel.Handle{Class: string(kind), Instance: inst}.String()
		}
	}

	res.AvailableServices, res.AvailableMeasurements = available(snap)
	return res
}

// autoCandidate implements spec.md §4.3 step 1.
func autoCandidate(snap Snapshot) string {
	batteries := connectedSorted(snap, busmodel.KindBattery)
	if len(batteries) > 0 {
		return batteries[0]
	}

	if hasConnected(snap, busmodel.KindSolarCharger) || hasConnected(snap, busmodel.KindCharger) {
		// DC sources exist that aren't summarised by a battery monitor;
		// refuse to guess SoC.
		return ""
	}

	vebuses := connectedSorted(snap, busmodel.KindVebus)
	if len(vebuses) > 0 {
		return vebuses[0]
	}
	return ""
}

func connectedSorted(snap Snapshot, kind busmodel.Kind) []string {
	list := snap.ServiceList(kind)
	var out []string
	for svc := range list {
		if snap.Connected(svc, kind) {
			out = append(out, svc)
		}
	}
	sort.Strings(out)
	return out
}

func hasConnected(snap Snapshot, kind busmodel.Kind) bool {
	for svc := range snap.ServiceList(kind) {
		if snap.Connected(svc, kind) {
			return true
		}
	}
	return false
}

func findByHandle(snap Snapshot, h busmodel.Handle) string {
	kind := busmodel.Kind(h.Class)
	for svc, inst := range snap.ServiceList(kind) {
		if inst == h.Instance && snap.Connected(svc, kind) {
			return svc
		}
	}
	return ""
}

func describe(snap Snapshot, service string) string {
	product, _ := snap.GetValue(service, "/ProductName").(string)
	conn, _ := snap.GetValue(service, "/Mgmt/Connection").(string)
	if product == "" && conn == "" {
		return fmt.Sprintf("%s", service)
	}
	return fmt.Sprintf("%s on %s", product, conn)
}

// available builds the /AvailableBatteryServices and
// /AvailableBatteryMeasurements dicts: every connected vebus ∪ battery, plus
// the two sentinels.
func available(snap Snapshot) (labels, measurements map[string]string) {
	labels = map[string]string{
		"default":    "Automatic",
		"nobattery":  "No battery monitor",
	}
	measurements = map[string]string{}

	for _, kind := range []busmodel.Kind{busmodel.KindVebus, busmodel.KindBattery} {
		for _, svc := range connectedSorted(snap, kind) {
			inst, ok := snap.Instance(svc)
			if !ok {
				continue
			}
			h := busmodel.Handle{Class: string(kind), Instance: inst}
			labels[h.String()] = describe(snap, svc)
			measurements[h.String()] = busmodel.FlattenMeasurement(h)
		}
	}
	return labels, measurements
}
