package aggregator

// Remote-service path names the aggregator reads. These are not part of the
// published schema (internal/publisher owns that); they are the paths every
// device service of the given class publishes on its own tree.
const (
	rDcVoltage    = "/Dc/0/Voltage"
	rDcCurrent    = "/Dc/0/Current"
	rDcPower      = "/Dc/0/Power"
	rSoc          = "/Soc"
	rTimeToGo     = "/TimeToGo"
	rConsumedAh   = "/ConsumedAmphours"
	rPosition     = "/Position"
	rProductId    = "/ProductId"
	rDeviceType   = "/DeviceType"
	rState        = "/State"
	rMode         = "/Mode"
	rHub4Setpoint = "/Hub4/AcPowerSetpoint"
	rActiveInput  = "/Ac/ActiveIn/ActiveInput"
)

func rAcPhasePower(phase string) string        { return "/Ac/" + phase + "/Power" }
func rAcActiveInPhaseP(phase string) string     { return "/Ac/ActiveIn/" + phase + "/P" }
func rAcOutPhaseP(phase string) string          { return "/Ac/Out/" + phase + "/P" }

// phases is the fixed 3-phase order used for totals/NumberOfPhases.
var phases = []string{"L1", "L2", "L3"}

// Published output path names (spec.md §6). Grouped here rather than in
// internal/publisher so the derivation code and its destination stay next
// to each other; internal/publisher only knows formatting, not derivation.
const (
	pDcBatteryVoltage     = "/Dc/Battery/Voltage"
	pDcBatteryCurrent     = "/Dc/Battery/Current"
	pDcBatteryPower       = "/Dc/Battery/Power"
	pDcBatterySoc         = "/Dc/Battery/Soc"
	pDcBatteryState       = "/Dc/Battery/State"
	pDcBatteryTimeToGo    = "/Dc/Battery/TimeToGo"
	pDcBatteryConsumedAh  = "/Dc/Battery/ConsumedAmphours"
	pDcPvPower            = "/Dc/Pv/Power"
	pDcPvCurrent          = "/Dc/Pv/Current"
	pDcChargerPower       = "/Dc/Charger/Power"
	pDcSystemPower        = "/Dc/System/Power"
	pDcVebusCurrent       = "/Dc/Vebus/Current"
	pDcVebusPower         = "/Dc/Vebus/Power"
	pVebusService         = "/VebusService"
	pAcActiveInSource     = "/Ac/ActiveIn/Source"
	pHub                  = "/Hub"
	pPvInvertersProductIds = "/PvInvertersProductIds"
)

func pAcPhase(role, phase string) string  { return "/Ac/" + role + "/" + phase + "/Power" }
func pAcTotal(role string) string         { return "/Ac/" + role + "/Total/Power" }
func pAcNumPhases(role string) string     { return "/Ac/" + role + "/NumberOfPhases" }
func pAcProductId(role string) string     { return "/Ac/" + role + "/ProductId" }
func pAcDeviceType(role string) string    { return "/Ac/" + role + "/DeviceType" }

const (
	roleGrid        = "Grid"
	roleGenset      = "Genset"
	roleConsumption = "Consumption"
	rolePvOnGrid    = "PvOnGrid"
	rolePvOnOutput  = "PvOnOutput"
	rolePvOnGenset  = "PvOnGenset"
)
