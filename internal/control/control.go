// Package control implements the control engine (component E): hysteresis
// domain controllers, the condensation guard, duty-cycle enforcement, and
// light verification.
//
// Decide is a pure-ish function over the engine's carried hysteresis and
// duty state plus the latest Reading — it never touches storage or the
// BLE queue directly, mirroring how the teacher's
// escalation.ComputeSeverity/TargetState are pure functions the worker
// loop calls and then separately persists, and how severity.go's
// TargetState evaluates thresholds highest-first.
package control

import (
	"fmt"
	"time"

	"github.com/mushpi/mushpi/internal/actuator"
	"github.com/mushpi/mushpi/internal/config"
	"github.com/mushpi/mushpi/internal/duty"
	"github.com/mushpi/mushpi/internal/sensors"
	"github.com/mushpi/mushpi/internal/stage"
)

// ReasonCode is the closed 1-byte taxonomy attached to every
// ActuatorCommand. Ranges: system 0-9, temp 10-29, humidity 30-49,
// co2 50-69, light 70-89, duty 90-109, safety 110-129, manual 130-149,
// stage 150-169.
type ReasonCode uint8

const (
	ReasonNone      ReasonCode = 0
	ReasonHeldState ReasonCode = 1

	ReasonTempHighFanOn       ReasonCode = 10
	ReasonTempNormalFanOff    ReasonCode = 11
	ReasonTempLowHeaterOn     ReasonCode = 12
	ReasonTempNormalHeaterOff ReasonCode = 13

	ReasonRHLowMistOn     ReasonCode = 30
	ReasonRHNormalMistOff ReasonCode = 31

	ReasonCO2HighFanOn    ReasonCode = 50
	ReasonCO2NormalFanOff ReasonCode = 51

	ReasonLightScheduleOn  ReasonCode = 70
	ReasonLightScheduleOff ReasonCode = 71

	ReasonDutyLimitReached ReasonCode = 90

	ReasonEmergencyStop           ReasonCode = 110
	ReasonCondensationGuardActive ReasonCode = 111

	ReasonManualOverride ReasonCode = 130

	ReasonStageTransition ReasonCode = 150
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonNone:
		return "NONE"
	case ReasonHeldState:
		return "HELD_STATE"
	case ReasonTempHighFanOn:
		return "TEMP_HIGH_FAN_ON"
	case ReasonTempNormalFanOff:
		return "TEMP_NORMAL_FAN_OFF"
	case ReasonTempLowHeaterOn:
		return "TEMP_LOW_HEATER_ON"
	case ReasonTempNormalHeaterOff:
		return "TEMP_NORMAL_HEATER_OFF"
	case ReasonRHLowMistOn:
		return "RH_LOW_MIST_ON"
	case ReasonRHNormalMistOff:
		return "RH_NORMAL_MIST_OFF"
	case ReasonCO2HighFanOn:
		return "CO2_HIGH_FAN_ON"
	case ReasonCO2NormalFanOff:
		return "CO2_NORMAL_FAN_OFF"
	case ReasonLightScheduleOn:
		return "LIGHT_SCHEDULE_ON"
	case ReasonLightScheduleOff:
		return "LIGHT_SCHEDULE_OFF"
	case ReasonDutyLimitReached:
		return "DUTY_LIMIT_REACHED"
	case ReasonEmergencyStop:
		return "EMERGENCY_STOP"
	case ReasonCondensationGuardActive:
		return "CONDENSATION_GUARD_ACTIVE"
	case ReasonManualOverride:
		return "MANUAL_OVERRIDE"
	case ReasonStageTransition:
		return "STAGE_TRANSITION"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(r))
	}
}

// AlertKind is a closed enumeration of alert types the control engine can
// raise.
type AlertKind string

const (
	AlertLightVerificationFailed AlertKind = "LIGHT_VERIFICATION_FAILED"
)

// Severity is a closed three-level alert severity.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// Alert is a durable notice raised by the control engine.
type Alert struct {
	Timestamp time.Time
	Kind      AlertKind
	Severity  Severity
	Relay     actuator.Relay
	HasRelay  bool
	Resolved  bool
}

// ActuatorCommand is a proposed (pre-arbitration) relay command.
type ActuatorCommand struct {
	Relay  actuator.Relay
	Target actuator.Level
	Reason ReasonCode
	// Automatic is true when this proposal came from the hysteresis/duty
	// pipeline rather than the condensation guard. The supervisor drops
	// these proposals while the effective control mode is MANUAL; the
	// arbiter ignores the field and tells guard proposals apart by their
	// safety-range reason code.
	Automatic bool
}

// Decision is the full output of one Decide() call.
type Decision struct {
	Commands           []ActuatorCommand
	Alerts             []Alert
	CondensationActive bool
}

// Engine carries hysteresis state (last commanded level per domain) and
// duty windows across ticks — state that is inherently stateful and must
// never be recomputed from a single Reading, unlike ComplianceRecords
// which must never be reconstructed lazily from readings (see stage.Engine).
type Engine struct {
	hyst config.HysteresisConfig
	cond config.CondensationConfig
	light config.LightConfig

	dutyWindows map[actuator.Relay]*duty.Window

	fanOnByTemp, fanOnByCO2          bool
	mistOn, heaterOn, lightOn        bool
	lightOnSince                     time.Time
	lightVerified                    bool

	unresolvedLightAlert *Alert
}

// NewEngine builds a control Engine with duty windows seeded per relay.
func NewEngine(hyst config.HysteresisConfig, cond config.CondensationConfig, light config.LightConfig, d config.DutyConfig, now time.Time) *Engine {
	return &Engine{
		hyst:  hyst,
		cond:  cond,
		light: light,
		dutyWindows: map[actuator.Relay]*duty.Window{
			actuator.RelayFan:    duty.NewWindow(d.CapSecondsFan, d.WindowSeconds, now),
			actuator.RelayMist:   duty.NewWindow(d.CapSecondsMist, d.WindowSeconds, now),
			actuator.RelayLight:  duty.NewWindow(d.CapSecondsLight, d.WindowSeconds, now),
			actuator.RelayHeater: duty.NewWindow(d.CapSecondsHeater, d.WindowSeconds, now),
		},
	}
}

// Decide runs the full per-tick decision pipeline for domains 2 and 4-6 of
// the spec's decision order (emergency stop, per-relay override, and the
// automatic/held-state resolution are arbiter concerns applied on top of
// this output). tickSeconds is the elapsed wall time since the previous
// tick, used to debit duty windows for relays that were ON through it.
func (e *Engine) Decide(now time.Time, r sensors.Reading, th stage.ThresholdProfile, stageStart time.Time, tickSeconds float64) Decision {
	var d Decision

	if r.Validity == sensors.ValidityInvalid {
		return d
	}

	// ── Condensation guard ──────────────────────────────────────────────
	dewPointProxy := r.TemperatureC - r.RHPercent/5.0
	d.CondensationActive = r.RHPercent >= e.cond.RHCapPct || dewPointProxy <= e.cond.DeltaC
	if d.CondensationActive {
		d.Commands = append(d.Commands,
			ActuatorCommand{Relay: actuator.RelayFan, Target: actuator.On, Reason: ReasonCondensationGuardActive},
			ActuatorCommand{Relay: actuator.RelayMist, Target: actuator.Off, Reason: ReasonCondensationGuardActive},
		)
	}

	// ── Domain hysteresis: temperature (fan + optional heater) ─────────
	fanWantsOnByTemp := e.fanOnByTemp
	if r.TemperatureC > th.TempMaxC {
		fanWantsOnByTemp = true
	} else if r.TemperatureC <= th.TempMaxC-e.hyst.TempC {
		fanWantsOnByTemp = false
	}

	heaterWantsOn := e.heaterOn
	if r.TemperatureC < th.TempMinC {
		heaterWantsOn = true
	} else if r.TemperatureC >= th.TempMinC+e.hyst.TempC {
		heaterWantsOn = false
	}

	// ── Domain hysteresis: humidity (mist) ──────────────────────────────
	mistWantsOn := e.mistOn
	if r.RHPercent < th.RHMinPct {
		mistWantsOn = true
	} else if r.RHPercent >= th.RHMinPct+e.hyst.RHPct {
		mistWantsOn = false
	}

	// ── Domain hysteresis: CO2 (fan, logical OR with temperature) ───────
	fanWantsOnByCO2 := e.fanOnByCO2
	if float64(r.CO2PPM) > th.CO2MaxPPM {
		fanWantsOnByCO2 = true
	} else if float64(r.CO2PPM) <= th.CO2MaxPPM-e.hyst.CO2PPM {
		fanWantsOnByCO2 = false
	}
	fanWantsOn := fanWantsOnByTemp || fanWantsOnByCO2

	fanWasOn := e.fanOnByTemp || e.fanOnByCO2
	fanReason := ReasonTempNormalFanOff
	if fanWantsOn {
		if fanWantsOnByCO2 && r.TemperatureC <= th.TempMaxC {
			fanReason = ReasonCO2HighFanOn
		} else {
			fanReason = ReasonTempHighFanOn
		}
	} else if fanWasOn {
		fanReason = ReasonCO2NormalFanOff
	}

	heaterReason := ReasonTempNormalHeaterOff
	if heaterWantsOn {
		heaterReason = ReasonTempLowHeaterOn
	}

	mistReason := ReasonRHNormalMistOff
	if mistWantsOn {
		mistReason = ReasonRHLowMistOn
	}

	// ── Light schedule ───────────────────────────────────────────────────
	lightWantsOn := e.lightOn
	switch th.LightMode {
	case stage.LightOn:
		lightWantsOn = true
	case stage.LightOff:
		lightWantsOn = false
	case stage.LightCycle:
		period := time.Duration(th.OnMinutes+th.OffMinutes) * time.Minute
		if period > 0 {
			phase := now.Sub(stageStart) % period
			lightWantsOn = phase < time.Duration(th.OnMinutes)*time.Minute
		}
	}
	lightReason := ReasonLightScheduleOff
	if lightWantsOn {
		lightReason = ReasonLightScheduleOn
	}

	e.fanOnByTemp, e.fanOnByCO2, e.heaterOn, e.mistOn = fanWantsOnByTemp, fanWantsOnByCO2, heaterWantsOn, mistWantsOn
	if lightWantsOn && !e.lightOn {
		e.lightOnSince = now
		e.lightVerified = false
	}
	e.lightOn = lightWantsOn

	// ── Duty-cycle caps: suppress ON transitions that would exceed cap ──
	fanWantsOn = e.applyDuty(actuator.RelayFan, fanWantsOn, now, tickSeconds, &fanReason)
	mistWantsOn = e.applyDuty(actuator.RelayMist, mistWantsOn, now, tickSeconds, &mistReason)
	heaterWantsOn = e.applyDuty(actuator.RelayHeater, heaterWantsOn, now, tickSeconds, &heaterReason)
	lightWantsOn = e.applyDuty(actuator.RelayLight, lightWantsOn, now, tickSeconds, &lightReason)

	d.Commands = append(d.Commands,
		ActuatorCommand{Relay: actuator.RelayFan, Target: actuator.Level(fanWantsOn), Reason: fanReason, Automatic: true},
		ActuatorCommand{Relay: actuator.RelayMist, Target: actuator.Level(mistWantsOn), Reason: mistReason, Automatic: true},
		ActuatorCommand{Relay: actuator.RelayHeater, Target: actuator.Level(heaterWantsOn), Reason: heaterReason, Automatic: true},
		ActuatorCommand{Relay: actuator.RelayLight, Target: actuator.Level(lightWantsOn), Reason: lightReason, Automatic: true},
	)

	// ── Light verification ──────────────────────────────────────────────
	if lightWantsOn && !e.lightVerified {
		elapsed := now.Sub(e.lightOnSince)
		if elapsed >= time.Duration(e.light.VerifyDelaySeconds)*time.Second {
			if int(r.LightRaw) >= e.light.OnThresholdRaw {
				e.lightVerified = true
				if e.unresolvedLightAlert != nil {
					e.unresolvedLightAlert.Resolved = true
					d.Alerts = append(d.Alerts, *e.unresolvedLightAlert)
					e.unresolvedLightAlert = nil
				}
			} else if e.unresolvedLightAlert != nil {
				e.unresolvedLightAlert.Timestamp = now
				d.Alerts = append(d.Alerts, *e.unresolvedLightAlert)
			} else {
				relay := actuator.RelayLight
				a := Alert{Timestamp: now, Kind: AlertLightVerificationFailed, Severity: SeverityWarning, Relay: relay, HasRelay: true}
				e.unresolvedLightAlert = &a
				d.Alerts = append(d.Alerts, a)
			}
		}
	}
	if !lightWantsOn {
		e.unresolvedLightAlert = nil
	}

	return d
}

// SeedUnresolvedAlert rehydrates an outstanding light-verification alert
// recorded before a restart, so it carries forward instead of starting
// from a clean slate: the first Decide call that finds the light commanded
// ON past the verification delay re-raises or resolves it. A Decide call
// that finds the light commanded OFF first forgets it without emitting a
// resolved copy. No-op for any other alert kind.
func (e *Engine) SeedUnresolvedAlert(a Alert) {
	if a.Kind != AlertLightVerificationFailed || a.Resolved {
		return
	}
	cp := a
	e.unresolvedLightAlert = &cp
	e.lightVerified = false
}

// applyDuty debits the relay's duty window for tickSeconds of ON time
// when wantsOn is true, suppressing the ON transition (and rewriting
// reason to ReasonDutyLimitReached) if the cap would be exceeded.
func (e *Engine) applyDuty(relay actuator.Relay, wantsOn bool, now time.Time, tickSeconds float64, reason *ReasonCode) bool {
	if !wantsOn {
		return false
	}
	w, ok := e.dutyWindows[relay]
	if !ok {
		return wantsOn
	}
	if !w.Consume(now, tickSeconds) {
		*reason = ReasonDutyLimitReached
		return false
	}
	return true
}
