// Package busmodel models service identity on the bus: fully-qualified
// names, device classes, and the short "class/instance" handle used
// throughout the published schema.
//
// Per DESIGN NOTES (spec.md §9, "Dynamic dispatch on service class"), the
// class is recovered once, at service-add time, into an explicit tagged
// variant rather than re-matched by substring on every use.
package busmodel

import (
	"strconv"
	"strings"
)

// Kind is the recognised third dotted segment of a service name.
type Kind string

const (
	KindSolarCharger Kind = "solarcharger"
	KindPVInverter   Kind = "pvinverter"
	KindBattery      Kind = "battery"
	KindVebus        Kind = "vebus"
	KindCharger      Kind = "charger"
	KindGrid         Kind = "grid"
	KindGenset       Kind = "genset"
	KindSettings     Kind = "settings"
	// KindOther is the catch-all for any class not in the subscription
	// schema; it is never subscribed to and never appears in ServiceList.
	KindOther Kind = ""
)

// subscribedKinds is the static {class} side of the subscription schema
// (spec.md §3, "Subscription schema"); KindSettings is handled by
// internal/settings instead of internal/monitor but is listed here so
// ParseName recognises it uniformly.
var subscribedKinds = map[Kind]bool{
	KindSolarCharger: true,
	KindPVInverter:   true,
	KindBattery:      true,
	KindVebus:        true,
	KindCharger:      true,
	KindGrid:         true,
	KindGenset:       true,
	KindSettings:     true,
}

// IsSubscribed reports whether k is one of the classes the aggregator
// tracks at all.
func IsSubscribed(k Kind) bool { return subscribedKinds[k] }

// Name is a parsed fully-qualified service name, e.g.
// "com.victronenergy.battery.ttyO2" -> Kind "battery", Class "battery",
// Full the original string.
type Name struct {
	Full  string
	Kind  Kind
	Class string // same as string(Kind); kept distinct for unrecognised classes
}

// ParseName splits a dotted service name and classifies its third segment.
// Names with fewer than three segments classify as KindOther.
func ParseName(full string) Name {
	parts := strings.Split(full, ".")
	if len(parts) < 3 {
		return Name{Full: full, Kind: KindOther}
	}
	class := parts[2]
	k := Kind(class)
	if !subscribedKinds[k] {
		return Name{Full: full, Kind: KindOther, Class: class}
	}
	return Name{Full: full, Kind: k, Class: class}
}

// Handle is the stable short form "class/instance" used by
// /ActiveBatteryService and the battery-setting pin syntax.
type Handle struct {
	Class    string
	Instance int
}

func (h Handle) String() string {
	return h.Class + "/" + strconv.Itoa(h.Instance)
}

// ParseHandle parses a "class/instance" string as accepted by the
// /Settings/SystemSetup/BatteryService setting. ok is false on malformed
// input (missing slash, non-numeric instance).
func ParseHandle(s string) (h Handle, ok bool) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return Handle{}, false
	}
	class := s[:i]
	instStr := s[i+1:]
	inst, perr := strconv.Atoi(instStr)
	if perr != nil || class == "" {
		return Handle{}, false
	}
	return Handle{Class: class, Instance: inst}, true
}

// FlattenMeasurement produces "class_instance/Dc/0" with non-alphanumerics
// in the class/instance portion flattened to '_', per spec.md §4.3.
func FlattenMeasurement(h Handle) string {
	raw := h.Class + "_" + strconv.Itoa(h.Instance)
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString("/Dc/0")
	return b.String()
}
