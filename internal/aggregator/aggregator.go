// Package aggregator implements the Aggregation Pipeline (spec.md §4.4):
// the once-per-tick recomputation of every published output path from the
// mirrored snapshot, settings, and the current battery selection.
package aggregator

import (
	"sort"

	"dbus-systemcalc-go/internal/busmodel"
)

// Mirror is the read-only view of the Bus Monitor the pipeline needs.
// Satisfied by *monitor.Monitor; kept as an interface so the pipeline is
// unit-testable against a fake snapshot.
type Mirror interface {
	ServiceList(kind busmodel.Kind) map[string]int
	ServiceOrder(kind busmodel.Kind) []string
	Connected(service string, kind busmodel.Kind) bool
	GetValue(service, path string) any
	GetFloat(service, path string) (float64, bool)
	GetInt(service, path string) (int, bool)
	Instance(service string) (int, bool)
}

// Settings is the subset of internal/settings.Adapter the pipeline reads.
type Settings interface {
	GetBool(key string) bool
	GetIntPtr(key string) *int
}

// Selection carries the battery-selector's current pick, as computed
// independently by internal/selector (spec.md §4.3 step 4: it re-runs on its
// own trigger set, not on every tick).
type Selection struct {
	Chosen string // fully-qualified service name, "" if none
}

func (s Selection) kind() busmodel.Kind {
	if s.Chosen == "" {
		return busmodel.KindOther
	}
	return busmodel.ParseName(s.Chosen).Kind
}

// Compute runs the full derivation and returns the fresh output map
// (spec.md §3 "Output snapshot": every path is assigned, missing inputs
// explicitly null). Calling Compute twice with no input change yields a
// byte-identical map (spec.md §8, "Idempotence") because it is a pure
// function of (m, st, sel) at the instant it runs.
func Compute(m Mirror, st Settings, sel Selection) map[string]any {
	out := map[string]any{}

	vebusPower := computeVebusPower(m)
	perRole := computePvOnRole(m)
	publishPerRoleTotals(out, perRole)

	solarVoltage, solarVoltageOK := computeSolarChargers(m, out)
	chargerVoltage, chargerVoltageOK := computeChargers(m, out)

	battP, _ := computeBattery(m, st, sel, out, vebusPower, solarVoltage, solarVoltageOK, chargerVoltage, chargerVoltageOK)

	computeDcSystemPower(m, st, sel, out, vebusPower, battP)

	multi, hasMulti := firstConnectedVebus(m)
	publishPrimaryVebus(m, out, multi, hasMulti)

	acInSource := computeActiveAcInput(m, st, out, multi, hasMulti)

	computeHub(m, out, multi, hasMulti)

	consumption := map[string]*float64{}
	for _, role := range []string{roleGrid, roleGenset} {
		computeRoleMeter(m, out, role, perRole, multi, hasMulti, acInSource, consumption)
	}
	computeOutputConsumption(m, out, multi, hasMulti, perRole, consumption)
	publishTotals(out, roleConsumption, consumption)

	publishPvProductIds(m, out)

	return out
}

// computeVebusPower accumulates V*I across every present vebus (spec.md
// §4.4, "Per-inverter DC totals"); it is bookkeeping only, never published
// directly.
func computeVebusPower(m Mirror) *float64 {
	var total *float64
	for svc := range m.ServiceList(busmodel.KindVebus) {
		v := fptr(m.GetFloat(svc, rDcVoltage))
		i := fptr(m.GetFloat(svc, rDcCurrent))
		total = safeadd(total, safemul(v, i))
	}
	return total
}

type roleAccum map[string]map[string]*float64 // role -> phase -> power

func computePvOnRole(m Mirror) roleAccum {
	acc := roleAccum{
		rolePvOnGrid:   {},
		rolePvOnOutput: {},
		rolePvOnGenset: {},
	}
	for svc := range m.ServiceList(busmodel.KindPVInverter) {
		pos, ok := m.GetInt(svc, rPosition)
		if !ok {
			continue
		}
		role, ok := positionRole(pos)
		if !ok {
			continue
		}
		for _, p := range phases {
			v := fptr(m.GetFloat(svc, rAcPhasePower(p)))
			acc[role][p] = safeadd(acc[role][p], v)
		}
	}
	return acc
}

func positionRole(pos int) (string, bool) {
	switch pos {
	case 0:
		return rolePvOnGrid, true
	case 1:
		return rolePvOnOutput, true
	case 2:
		return rolePvOnGenset, true
	default:
		return "", false
	}
}

func publishPerRoleTotals(out map[string]any, acc roleAccum) {
	for role, byPhase := range acc {
		for _, p := range phases {
			out[pAcPhase(role, p)] = toAny(byPhase[p])
		}
		publishTotals(out, role, byPhase)
	}
}

// publishTotals writes <role>/Total/Power (safeadd of the phases) and
// <role>/NumberOfPhases (highest phase with non-null power, or null).
func publishTotals(out map[string]any, role string, byPhase map[string]*float64) {
	total := safeadd(byPhase["L1"], byPhase["L2"], byPhase["L3"])
	out[pAcTotal(role)] = toAny(total)

	var numPhases any
	for i := len(phases) - 1; i >= 0; i-- {
		if byPhase[phases[i]] != nil {
			numPhases = i + 1
			break
		}
	}
	out[pAcNumPhases(role)] = numPhases
}

func computeSolarChargers(m Mirror, out map[string]any) (*float64, bool) {
	var power, current, firstV *float64
	for svc := range m.ServiceList(busmodel.KindSolarCharger) {
		v := fptr(m.GetFloat(svc, rDcVoltage))
		i := fptr(m.GetFloat(svc, rDcCurrent))
		if v == nil || i == nil {
			continue
		}
		power = safeadd(power, safemul(v, i))
		current = safeadd(current, i)
		if firstV == nil {
			firstV = v
		}
	}
	out[pDcPvPower] = toAny(power)
	out[pDcPvCurrent] = toAny(current)
	return firstV, firstV != nil
}

func computeChargers(m Mirror, out map[string]any) (*float64, bool) {
	var power, lastV *float64
	for svc := range m.ServiceList(busmodel.KindCharger) {
		v := fptr(m.GetFloat(svc, rDcVoltage))
		if v == nil {
			continue
		}
		lastV = v
		if i := fptr(m.GetFloat(svc, rDcCurrent)); i != nil {
			power = safeadd(power, safemul(v, i))
		}
	}
	if power != nil {
		out[pDcChargerPower] = toAny(power)
	} else {
		out[pDcChargerPower] = nil
	}
	return lastV, lastV != nil
}

// computeBattery implements spec.md §4.4 "Battery outputs" and returns the
// resolved battery power and current (nil if not derivable) for later use
// by computeDcSystemPower.
func computeBattery(
	m Mirror, st Settings, sel Selection, out map[string]any,
	vebusPower *float64,
	solarVoltage *float64, hasSolarVoltage bool,
	chargerVoltage *float64, hasChargerVoltage bool,
) (*float64, *float64) {
	var p, i *float64

	if sel.Chosen != "" {
		out[pDcBatterySoc] = m.GetValue(sel.Chosen, rSoc)
		out[pDcBatteryTimeToGo] = m.GetValue(sel.Chosen, rTimeToGo)
		out[pDcBatteryConsumedAh] = m.GetValue(sel.Chosen, rConsumedAh)

		v := fptr(m.GetFloat(sel.Chosen, rDcVoltage))
		i = fptr(m.GetFloat(sel.Chosen, rDcCurrent))
		out[pDcBatteryVoltage] = toAny(v)
		out[pDcBatteryCurrent] = toAny(i)

		switch sel.kind() {
		case busmodel.KindBattery:
			p = fptr(m.GetFloat(sel.Chosen, rDcPower))
		case busmodel.KindVebus:
			p = safemul(v, i)
		}
		out[pDcBatteryPower] = toAny(p)
		out[pDcBatteryState] = batteryState(p)
		return p, i
	}

	// No battery selected.
	out[pDcBatterySoc] = nil
	out[pDcBatteryTimeToGo] = nil
	out[pDcBatteryConsumedAh] = nil

	var voltage *float64
	switch {
	case hasSolarVoltage:
		voltage = solarVoltage
	case hasChargerVoltage:
		voltage = chargerVoltage
	default:
		// DESIGN NOTES (spec.md §9): iterate all vebus services and keep the
		// last one's voltage; documented non-determinism, not "fixed".
		for svc := range m.ServiceList(busmodel.KindVebus) {
			if v := fptr(m.GetFloat(svc, rDcVoltage)); v != nil {
				voltage = v
			}
		}
	}

	if !st.GetBool(keyHasDcSystemCompat) && voltage != nil {
		pv := fptr(valOrNil(out[pDcPvPower]))
		chg := fptr(valOrNil(out[pDcChargerPower]))
		p = safeadd(pv, chg, vebusPower)
		if p != nil && *voltage > 0 {
			v := *p / *voltage
			i = &v
		} else {
			i = nil
		}
	}

	out[pDcBatteryVoltage] = toAny(voltage)
	out[pDcBatteryCurrent] = toAny(i)
	out[pDcBatteryPower] = toAny(p)
	out[pDcBatteryState] = batteryState(p)
	return p, i
}

// keyHasDcSystemCompat repeats settings.KeyHasDcSystem so this package does
// not import internal/settings; the caller passes a Settings whose GetBool
// already maps this key.
const keyHasDcSystemCompat = "/Settings/SystemSetup/HasDcSystem"

func valOrNil(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func batteryState(p *float64) any {
	if p == nil {
		return nil
	}
	switch {
	case *p > 30:
		return 1 // Charging
	case *p < -30:
		return 2 // Discharging
	default:
		return 0 // Idle
	}
}

// computeDcSystemPower implements spec.md §4.4 "DC system power".
func computeDcSystemPower(m Mirror, st Settings, sel Selection, out map[string]any, vebusPower, battP *float64) {
	if !st.GetBool(keyHasDcSystemCompat) || sel.kind() != busmodel.KindBattery || battP == nil {
		out[pDcSystemPower] = nil
		return
	}
	pv := fptr(valOrNil(out[pDcPvPower]))
	chg := fptr(valOrNil(out[pDcChargerPower]))
	sum := safeadd(pv, chg, vebusPower)
	if sum == nil {
		out[pDcSystemPower] = nil
		return
	}
	v := *sum - *battP
	out[pDcSystemPower] = v
}

// firstConnectedVebus returns the first-seen connected vebus, "the multi"
// (spec.md §4.4 "Primary inverter/charger"). SPEC_FULL.md §7 picks first-seen
// rather than lexicographic order so /VebusService does not flap as
// unrelated vebus services come and go.
func firstConnectedVebus(m Mirror) (string, bool) {
	for _, svc := range m.ServiceOrder(busmodel.KindVebus) {
		if m.Connected(svc, busmodel.KindVebus) {
			return svc, true
		}
	}
	return "", false
}

func publishPrimaryVebus(m Mirror, out map[string]any, multi string, hasMulti bool) {
	if !hasMulti {
		out[pVebusService] = nil
		out[pDcVebusCurrent] = nil
		out[pDcVebusPower] = nil
		return
	}
	out[pVebusService] = multi

	i := fptr(m.GetFloat(multi, rDcCurrent))
	out[pDcVebusCurrent] = toAny(i)

	p := fptr(m.GetFloat(multi, rDcPower))
	if p == nil {
		v := fptr(m.GetFloat(multi, rDcVoltage))
		p = safemul(v, i)
	}
	out[pDcVebusPower] = toAny(p)
}

// computeActiveAcInput implements spec.md §4.4 "Active AC input" and
// returns the resolved source (nil if not derivable) for downstream use.
func computeActiveAcInput(m Mirror, st Settings, out map[string]any, multi string, hasMulti bool) *int {
	if !hasMulti {
		out[pAcActiveInSource] = nil
		return nil
	}
	k, ok := m.GetInt(multi, rActiveInput)
	if !ok {
		out[pAcActiveInSource] = nil
		return nil
	}
	var key string
	switch k {
	case 0:
		key = "/Settings/SystemSetup/AcInput1"
	case 1:
		key = "/Settings/SystemSetup/AcInput2"
	default:
		out[pAcActiveInSource] = nil
		return nil
	}
	src := st.GetIntPtr(key)
	if src == nil {
		out[pAcActiveInSource] = nil
		return nil
	}
	out[pAcActiveInSource] = *src
	return src
}

// computeHub implements spec.md §4.4 "Hub mode".
func computeHub(m Mirror, out map[string]any, multi string, hasMulti bool) {
	if hasMulti {
		if v := m.GetValue(multi, rHub4Setpoint); v != nil {
			out[pHub] = 4
			return
		}
	}
	if out[pDcPvPower] != nil {
		out[pHub] = 1
		return
	}
	if out[pAcTotal(rolePvOnOutput)] != nil {
		out[pHub] = 2
		return
	}
	if out[pAcTotal(rolePvOnGrid)] != nil || out[pAcTotal(rolePvOnGenset)] != nil {
		out[pHub] = 3
		return
	}
	out[pHub] = nil
}

// computeRoleMeter implements spec.md §4.4 "Grid / Genset meters and
// Consumption" for a single role, accumulating into consumption as it goes.
func computeRoleMeter(
	m Mirror, out map[string]any, role string,
	perRole roleAccum, multi string, hasMulti bool, acInSource *int,
	consumption map[string]*float64,
) {
	kind := busmodel.Kind(toLowerRole(role))
	em, hasMeter := firstConnected(m, kind)

	multiFeeds := hasMulti && acInSource != nil && *acInSource > 0 &&
		((*acInSource == 2) == (role == roleGenset))

	pvRole := pvRoleFor(role)
	byPhase := map[string]*float64{}

	for _, p := range phases {
		var phasePower *float64
		if hasMeter {
			meterP := fptr(m.GetFloat(em, rAcPhasePower(p)))
			phasePower = meterP

			var negActiveIn *float64
			if multiFeeds {
				if v := fptr(m.GetFloat(multi, rAcActiveInPhaseP(p))); v != nil {
					neg := -*v
					negActiveIn = &neg
				}
			}
			c := safeadd(meterP, perRole[pvRole][p], negActiveIn)
			consumption[p] = safeadd(consumption[p], clampZero(c))
		} else if multiFeeds {
			v := fptr(m.GetFloat(multi, rAcActiveInPhaseP(p)))
			pv := perRole[pvRole][p]
			if pv != nil && v != nil {
				d := *v - *pv
				phasePower = &d
			} else {
				phasePower = v
			}
		}
		byPhase[p] = phasePower
		out[pAcPhase(role, p)] = toAny(phasePower)
	}

	publishTotals(out, role, byPhase)

	if hasMeter {
		out[pAcProductId(role)] = m.GetValue(em, rProductId)
		out[pAcDeviceType(role)] = m.GetValue(em, rDeviceType)
	} else if multiFeeds {
		out[pAcProductId(role)] = m.GetValue(multi, rProductId)
		out[pAcDeviceType(role)] = nil
	} else {
		out[pAcProductId(role)] = nil
		out[pAcDeviceType(role)] = nil
	}
}

func pvRoleFor(role string) string {
	if role == roleGenset {
		return rolePvOnGenset
	}
	return rolePvOnGrid
}

func toLowerRole(role string) string {
	if role == roleGrid {
		return "grid"
	}
	return "genset"
}

func firstConnected(m Mirror, kind busmodel.Kind) (string, bool) {
	var names []string
	for svc := range m.ServiceList(kind) {
		if m.Connected(svc, kind) {
			names = append(names, svc)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return names[0], true
}

// computeOutputConsumption implements spec.md §4.4's final paragraph:
// consumption on the inverter output adds PvOnOutput + the multi's AC-out
// power, clamped at zero, into the same consumption accumulator.
func computeOutputConsumption(m Mirror, out map[string]any, multi string, hasMulti bool, perRole roleAccum, consumption map[string]*float64) {
	for _, p := range phases {
		var outP *float64
		if hasMulti {
			outP = fptr(m.GetFloat(multi, rAcOutPhaseP(p)))
		}
		c := safeadd(perRole[rolePvOnOutput][p], outP)
		consumption[p] = safeadd(consumption[p], clampZero(c))
		out[pAcPhase(roleConsumption, p)] = toAny(consumption[p])
	}
}

// publishPvProductIds implements spec.md §4.4 "PV-inverter product-id
// list": a set-deduplicated, order-stable list of /ProductId across all
// present PV inverters.
func publishPvProductIds(m Mirror, out map[string]any) {
	seen := map[int]bool{}
	var ids []int
	names := sortedKeys(m.ServiceList(busmodel.KindPVInverter))
	for _, svc := range names {
		id, ok := m.GetInt(svc, rProductId)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	out[pPvInvertersProductIds] = ids
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
