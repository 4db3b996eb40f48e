package arbiter

import (
	"testing"

	"github.com/mushpi/mushpi/internal/actuator"
	"github.com/mushpi/mushpi/internal/control"
	"github.com/mushpi/mushpi/internal/stage"
)

func TestApplyOverrideBitsForceOnSingleRelay(t *testing.T) {
	a := New()
	mode := a.ApplyOverrideBits(1<<1, stage.ControlAutomatic) // force FAN on only
	if mode != stage.ControlAutomatic {
		t.Fatalf("forcing a single relay must not leave AUTOMATIC, got %v", mode)
	}

	proposals := []control.ActuatorCommand{
		{Relay: actuator.RelayFan, Target: actuator.Off, Reason: control.ReasonTempNormalFanOff},
		{Relay: actuator.RelayMist, Target: actuator.On, Reason: control.ReasonRHLowMistOn},
	}
	out := a.Arbitrate(proposals)
	fan := mustFind(t, out, actuator.RelayFan)
	if fan.Target != actuator.On || fan.Reason != control.ReasonManualOverride {
		t.Errorf("expected fan forced ON via manual override, got %+v", fan)
	}
	mist := mustFind(t, out, actuator.RelayMist)
	if mist.Target != actuator.On || mist.Reason != control.ReasonRHLowMistOn {
		t.Errorf("expected mist to pass through automatic control untouched, got %+v", mist)
	}
}

// S2: emergency stop preempts every relay, capturing the prior mode, and
// that capture clears once the stop is lifted.
func TestEmergencyStopPreemptsAllAndCapturesPriorMode(t *testing.T) {
	a := New()
	mode := a.ApplyOverrideBits(1<<15, stage.ControlAutomatic)
	if mode != stage.ControlSafety {
		t.Fatalf("expected ControlSafety, got %v", mode)
	}
	prior, ok := a.PriorMode()
	if !ok || prior != stage.ControlAutomatic {
		t.Fatalf("expected captured prior mode AUTOMATIC, got %v ok=%v", prior, ok)
	}

	proposals := []control.ActuatorCommand{
		{Relay: actuator.RelayFan, Target: actuator.On, Reason: control.ReasonTempHighFanOn},
		{Relay: actuator.RelayMist, Target: actuator.On, Reason: control.ReasonRHLowMistOn},
		{Relay: actuator.RelayHeater, Target: actuator.On, Reason: control.ReasonTempLowHeaterOn},
		{Relay: actuator.RelayLight, Target: actuator.On, Reason: control.ReasonLightScheduleOn},
	}
	out := a.Arbitrate(proposals)
	if len(out) != len(actuator.AllRelays) {
		t.Fatalf("expected every relay commanded off, got %d commands", len(out))
	}
	for _, cmd := range out {
		if cmd.Target != actuator.Off || cmd.Reason != control.ReasonEmergencyStop {
			t.Errorf("expected relay %s forced off with EMERGENCY_STOP, got %+v", cmd.Relay, cmd)
		}
	}

	// Clearing the stop lifts the latch and drops the captured prior mode.
	a.ApplyOverrideBits(0, stage.ControlSafety)
	if a.EmergencyStop() {
		t.Fatalf("expected emergency stop cleared")
	}
	if _, ok := a.PriorMode(); ok {
		t.Fatalf("expected prior-mode capture cleared once the stop lifts")
	}
}

func TestDisableAutomationForcesUnforcedRelaysOff(t *testing.T) {
	a := New()
	// Force LIGHT on, disable automation for everything else.
	mode := a.ApplyOverrideBits(bitLight|bitDisableAutomation, stage.ControlAutomatic)
	if mode != stage.ControlManual {
		t.Fatalf("expected ControlManual, got %v", mode)
	}
	if !a.DisableAutomation() {
		t.Errorf("expected DisableAutomation() true")
	}

	proposals := []control.ActuatorCommand{
		{Relay: actuator.RelayFan, Target: actuator.On, Reason: control.ReasonTempHighFanOn},
	}
	out := a.Arbitrate(proposals)
	light := mustFind(t, out, actuator.RelayLight)
	if light.Target != actuator.On {
		t.Errorf("expected LIGHT forced on, got %+v", light)
	}
	fan := mustFind(t, out, actuator.RelayFan)
	if fan.Target != actuator.Off {
		t.Errorf("expected FAN forced off under DISABLE_AUTOMATION despite an ON proposal, got %+v", fan)
	}
}

func TestCondensationGuardOutranksManualOverride(t *testing.T) {
	a := New()
	a.ApplyOverrideBits(bitMist, stage.ControlAutomatic) // force mist on manually

	proposals := []control.ActuatorCommand{
		{Relay: actuator.RelayMist, Target: actuator.Off, Reason: control.ReasonCondensationGuardActive},
	}
	out := a.Arbitrate(proposals)
	mist := mustFind(t, out, actuator.RelayMist)
	if mist.Target != actuator.Off || mist.Reason != control.ReasonCondensationGuardActive {
		t.Errorf("expected condensation guard to win over manual override, got %+v", mist)
	}
}

func TestEffectiveControlModePrecedence(t *testing.T) {
	a := New()
	if got := a.EffectiveControlMode(stage.ControlAutomatic); got != stage.ControlAutomatic {
		t.Errorf("expected baseline passthrough, got %v", got)
	}

	a.ApplyOverrideBits(bitDisableAutomation, stage.ControlAutomatic)
	if got := a.EffectiveControlMode(stage.ControlAutomatic); got != stage.ControlManual {
		t.Errorf("expected DISABLE_AUTOMATION to outrank stage-derived mode, got %v", got)
	}

	a.ApplyOverrideBits(bitEmergencyStop|bitDisableAutomation, stage.ControlManual)
	if got := a.EffectiveControlMode(stage.ControlAutomatic); got != stage.ControlSafety {
		t.Errorf("expected EMERGENCY_STOP to outrank DISABLE_AUTOMATION, got %v", got)
	}
}

func mustFind(t *testing.T, cmds []control.ActuatorCommand, relay actuator.Relay) control.ActuatorCommand {
	t.Helper()
	for _, c := range cmds {
		if c.Relay == relay {
			return c
		}
	}
	t.Fatalf("no command found for relay %s", relay)
	return control.ActuatorCommand{}
}
