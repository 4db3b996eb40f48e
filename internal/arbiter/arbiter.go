// Package arbiter implements the mode/override arbiter (component F): BLE
// override-bit parsing and the final per-relay precedence resolution
// between emergency stop, the condensation guard, manual overrides, and
// the automatic control engine's proposals.
//
// Arbiter is a single mutex-guarded value type with accessor/mutator
// methods, the same shape as the teacher's escalation.ProcessState. The
// emergency-stop latch capturing the caller's baseline control mode when
// the stop is asserted mirrors how the teacher's gossip partition-mode
// transition captures RecalibratedQuorumMin before forcing a degraded
// mode. The capture is reported by PriorMode while the stop is latched and
// is dropped when the stop clears.
package arbiter

import (
	"sync"

	"github.com/mushpi/mushpi/internal/actuator"
	"github.com/mushpi/mushpi/internal/control"
	"github.com/mushpi/mushpi/internal/stage"
)

const (
	bitLight             uint16 = 1 << 0
	bitFan               uint16 = 1 << 1
	bitMist              uint16 = 1 << 2
	bitHeater            uint16 = 1 << 3
	bitDisableAutomation uint16 = 1 << 7
	bitEmergencyStop     uint16 = 1 << 15
)

// relayBits maps each force-on wire bit to the relay it controls, per the
// actuator_status/override_bits wire layout (bit0=LIGHT, bit1=FAN,
// bit2=MIST, bit3=HEATER). This is independent of actuator.AllRelays,
// which only orders driver iteration and carries no wire meaning.
var relayBits = [...]struct {
	bit   uint16
	relay actuator.Relay
}{
	{bitLight, actuator.RelayLight},
	{bitFan, actuator.RelayFan},
	{bitMist, actuator.RelayMist},
	{bitHeater, actuator.RelayHeater},
}

type relayOverride struct {
	Enabled bool
	Level   actuator.Level
}

// Arbiter holds the override_bits-derived state: the emergency-stop latch
// and any per-relay manual overrides.
type Arbiter struct {
	mu                 sync.Mutex
	emergencyStop      bool
	disableAutomation  bool
	overrides          map[actuator.Relay]relayOverride
	priorMode          stage.ControlMode
	hasPrior           bool
}

// New builds an empty Arbiter: no emergency stop, no overrides.
func New() *Arbiter {
	return &Arbiter{overrides: make(map[actuator.Relay]relayOverride, len(actuator.AllRelays))}
}

// ApplyOverrideBits parses a 16-bit override_bits write per the wire
// format: bits 0-3 force the corresponding relay ON (LIGHT, FAN, MIST,
// HEATER respectively); bit 7 (DISABLE_AUTOMATION) forces every relay
// whose force bit is clear to OFF instead of leaving it to automatic
// control; bit 15 (EMERGENCY_STOP) latches the safety stop. Only
// DISABLE_AUTOMATION and EMERGENCY_STOP affect the derived ControlMode —
// forcing a single relay on its own does not leave AUTOMATIC. currentMode
// is the caller's baseline control mode; it is captured only on the
// non-safety -> safety transition and reported by PriorMode while the stop
// stays latched. The write that clears the stop does not read the capture
// back: it drops it, and the returned mode is derived from that write's
// bits alone (MANUAL with DISABLE_AUTOMATION, else AUTOMATIC).
func (a *Arbiter) ApplyOverrideBits(bits uint16, currentMode stage.ControlMode) stage.ControlMode {
	a.mu.Lock()
	defer a.mu.Unlock()

	emergency := bits&bitEmergencyStop != 0
	if emergency && !a.emergencyStop {
		a.priorMode = currentMode
		a.hasPrior = true
	}
	if !emergency {
		a.hasPrior = false
	}
	a.emergencyStop = emergency

	disableAutomation := bits&bitDisableAutomation != 0
	a.disableAutomation = disableAutomation

	overrides := make(map[actuator.Relay]relayOverride, len(relayBits))
	for _, rb := range relayBits {
		switch {
		case bits&rb.bit != 0:
			overrides[rb.relay] = relayOverride{Enabled: true, Level: actuator.On}
		case disableAutomation:
			overrides[rb.relay] = relayOverride{Enabled: true, Level: actuator.Off}
		}
	}
	a.overrides = overrides

	switch {
	case emergency:
		return stage.ControlSafety
	case disableAutomation:
		return stage.ControlManual
	default:
		return stage.ControlAutomatic
	}
}

// PriorMode returns the control mode captured when the emergency stop
// most recently latched, and whether one was captured.
func (a *Arbiter) PriorMode() (stage.ControlMode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.priorMode, a.hasPrior
}

// EmergencyStop reports whether the emergency stop is currently latched.
func (a *Arbiter) EmergencyStop() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emergencyStop
}

// DisableAutomation reports whether the most recent override_bits write
// had DISABLE_AUTOMATION set.
func (a *Arbiter) DisableAutomation() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disableAutomation
}

// EffectiveControlMode derives the control mode currently in force given
// the stage engine's mode-derived baseline: EMERGENCY_STOP and
// DISABLE_AUTOMATION both outrank the stage mode, highest precedence
// first.
func (a *Arbiter) EffectiveControlMode(stageDerived stage.ControlMode) stage.ControlMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.emergencyStop:
		return stage.ControlSafety
	case a.disableAutomation:
		return stage.ControlManual
	default:
		return stageDerived
	}
}

func isSafetyReason(r control.ReasonCode) bool {
	return r >= 110 && r < 130
}

// Arbitrate resolves the final per-relay command from the control
// engine's proposals by applying, highest precedence first: emergency
// stop, the condensation guard (already tagged in proposals with a
// safety-range reason code), manual per-relay overrides, and finally the
// automatic proposal. A relay with no winning proposal and no override is
// held at its last commanded level (no ActuatorCommand is emitted for
// it).
func (a *Arbiter) Arbitrate(proposals []control.ActuatorCommand) []control.ActuatorCommand {
	byRelay := make(map[actuator.Relay]control.ActuatorCommand, len(actuator.AllRelays))
	for _, p := range proposals {
		existing, ok := byRelay[p.Relay]
		if !ok {
			byRelay[p.Relay] = p
			continue
		}
		if isSafetyReason(p.Reason) && !isSafetyReason(existing.Reason) {
			byRelay[p.Relay] = p
		}
	}

	a.mu.Lock()
	emergency := a.emergencyStop
	overrides := make(map[actuator.Relay]relayOverride, len(a.overrides))
	for k, v := range a.overrides {
		overrides[k] = v
	}
	a.mu.Unlock()

	if !emergency {
		for relay, ov := range overrides {
			if !ov.Enabled {
				continue
			}
			existing, ok := byRelay[relay]
			if ok && isSafetyReason(existing.Reason) {
				continue // condensation guard outranks manual override
			}
			byRelay[relay] = control.ActuatorCommand{Relay: relay, Target: ov.Level, Reason: control.ReasonManualOverride}
		}
	}

	out := make([]control.ActuatorCommand, 0, len(actuator.AllRelays))
	for _, relay := range actuator.AllRelays {
		if emergency {
			out = append(out, control.ActuatorCommand{Relay: relay, Target: actuator.Off, Reason: control.ReasonEmergencyStop})
			continue
		}
		if cmd, ok := byRelay[relay]; ok {
			out = append(out, cmd)
		}
	}
	return out
}
