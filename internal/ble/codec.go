// Package ble implements the BLE peripheral (component G): the GATT
// wire codec, a priority notification queue, and write-command dispatch.
//
// Characteristic payloads are fixed-layout binary structs, encoded and
// decoded with encoding/binary the way the teacher's bpf.KernelEvent
// mirrors struct octo_event: explicit byte ranges, explicit reserved
// padding, little-endian throughout.
package ble

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mushpi/mushpi/internal/sensors"
	"github.com/mushpi/mushpi/internal/stage"
)

// Characteristic identifies one of the six GATT characteristics MushPi
// exposes.
type Characteristic uint8

const (
	CharEnvMeasurements Characteristic = iota
	CharControlTargets
	CharStageState
	CharOverrideBits
	CharStatusFlags
	CharActuatorStatus
)

func (c Characteristic) String() string {
	switch c {
	case CharEnvMeasurements:
		return "env_measurements"
	case CharControlTargets:
		return "control_targets"
	case CharStageState:
		return "stage_state"
	case CharOverrideBits:
		return "override_bits"
	case CharStatusFlags:
		return "status_flags"
	case CharActuatorStatus:
		return "actuator_status"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Wire payload sizes, in bytes, per characteristic.
const (
	sizeEnvMeasurements = 12
	sizeControlTargets  = 15
	sizeStageState      = 10
	sizeOverrideBits    = 2
	sizeStatusFlags     = 4
	sizeActuatorStatus  = 6
)

// EncodeEnvMeasurements packs the env_measurements characteristic:
// co2:u16, temp:i16 (tenths), rh:u16 (tenths), light:u16, uptime_s:u32.
func EncodeEnvMeasurements(r sensors.Reading, uptime time.Duration) []byte {
	buf := make([]byte, sizeEnvMeasurements)
	binary.LittleEndian.PutUint16(buf[0:2], r.CO2PPM)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(int16(r.TemperatureC*10)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(r.RHPercent*10))
	binary.LittleEndian.PutUint16(buf[6:8], r.LightRaw)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(uptime.Seconds()))
	return buf
}

// ControlTargets is the decoded form of the control_targets characteristic.
type ControlTargets struct {
	TempMinC   float64
	TempMaxC   float64
	RHMinPct   float64
	CO2MaxPPM  float64
	LightMode  stage.LightMode
	OnMinutes  uint16
	OffMinutes uint16
}

// EncodeControlTargets packs a ControlTargets into its 15-byte wire form.
// Bytes [13:15] are reserved and always zero.
func EncodeControlTargets(t ControlTargets) []byte {
	buf := make([]byte, sizeControlTargets)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(int16(t.TempMinC*10)))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(int16(t.TempMaxC*10)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(t.RHMinPct*10))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(t.CO2MaxPPM))
	buf[8] = uint8(t.LightMode)
	binary.LittleEndian.PutUint16(buf[9:11], t.OnMinutes)
	binary.LittleEndian.PutUint16(buf[11:13], t.OffMinutes)
	return buf
}

// DecodeControlTargets unpacks and bounds-checks a control_targets write.
func DecodeControlTargets(raw []byte) (ControlTargets, error) {
	if len(raw) != sizeControlTargets {
		return ControlTargets{}, fmt.Errorf("ble: control_targets: want %d bytes, got %d", sizeControlTargets, len(raw))
	}
	t := ControlTargets{
		TempMinC:   float64(int16(binary.LittleEndian.Uint16(raw[0:2]))) / 10,
		TempMaxC:   float64(int16(binary.LittleEndian.Uint16(raw[2:4]))) / 10,
		RHMinPct:   float64(binary.LittleEndian.Uint16(raw[4:6])) / 10,
		CO2MaxPPM:  float64(binary.LittleEndian.Uint16(raw[6:8])),
		LightMode:  stage.LightMode(raw[8]),
		OnMinutes:  binary.LittleEndian.Uint16(raw[9:11]),
		OffMinutes: binary.LittleEndian.Uint16(raw[11:13]),
	}
	return t, validateControlTargets(t)
}

func validateControlTargets(t ControlTargets) error {
	var errs []string
	if t.TempMinC >= t.TempMaxC {
		errs = append(errs, fmt.Sprintf("temp_min (%.1f) must be < temp_max (%.1f)", t.TempMinC, t.TempMaxC))
	}
	if t.RHMinPct < 0 || t.RHMinPct > 100 {
		errs = append(errs, fmt.Sprintf("rh_min (%.1f) outside [0,100]", t.RHMinPct))
	}
	if t.CO2MaxPPM < 0 || t.CO2MaxPPM > 65535 {
		errs = append(errs, fmt.Sprintf("co2_max (%.0f) outside [0,65535]", t.CO2MaxPPM))
	}
	if t.LightMode > stage.LightCycle {
		errs = append(errs, fmt.Sprintf("light_mode (%d) not a recognized mode", t.LightMode))
	}
	if t.LightMode == stage.LightCycle && t.OnMinutes+t.OffMinutes == 0 {
		errs = append(errs, "light_mode=CYCLE requires on_min+off_min > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("ble: control_targets rejected: %v", errs)
	}
	return nil
}

// StageState is the decoded form of the stage_state characteristic.
type StageState struct {
	Mode         stage.Mode
	Species      stage.Species
	Stage        stage.Name
	StageStart   time.Time
	ExpectedDays uint16
}

// EncodeStageState packs a StageState into its 10-byte wire form. Byte
// [9] is reserved and always zero.
func EncodeStageState(s StageState) []byte {
	buf := make([]byte, sizeStageState)
	buf[0] = uint8(s.Mode)
	buf[1] = uint8(s.Species)
	buf[2] = uint8(s.Stage)
	binary.LittleEndian.PutUint32(buf[3:7], uint32(s.StageStart.Unix()))
	binary.LittleEndian.PutUint16(buf[7:9], s.ExpectedDays)
	return buf
}

// DecodeStageState unpacks and bounds-checks a stage_state write.
func DecodeStageState(raw []byte) (StageState, error) {
	if len(raw) != sizeStageState {
		return StageState{}, fmt.Errorf("ble: stage_state: want %d bytes, got %d", sizeStageState, len(raw))
	}
	s := StageState{
		Mode:         stage.Mode(raw[0]),
		Species:      stage.Species(raw[1]),
		Stage:        stage.Name(raw[2]),
		StageStart:   time.Unix(int64(binary.LittleEndian.Uint32(raw[3:7])), 0).UTC(),
		ExpectedDays: binary.LittleEndian.Uint16(raw[7:9]),
	}
	return s, validateStageState(s)
}

func validateStageState(s StageState) error {
	var errs []string
	if s.Mode > stage.ModeManual {
		errs = append(errs, fmt.Sprintf("mode (%d) not a recognized mode", s.Mode))
	}
	if s.Species > stage.SpeciesLionsMane {
		errs = append(errs, fmt.Sprintf("species (%d) not a recognized species", s.Species))
	}
	if s.Stage > stage.StageFruiting {
		errs = append(errs, fmt.Sprintf("stage (%d) not a recognized stage", s.Stage))
	}
	if len(errs) > 0 {
		return fmt.Errorf("ble: stage_state rejected: %v", errs)
	}
	return nil
}

// EncodeOverrideBits packs a 16-bit override_bits value.
func EncodeOverrideBits(bits uint16) []byte {
	buf := make([]byte, sizeOverrideBits)
	binary.LittleEndian.PutUint16(buf, bits)
	return buf
}

// DecodeOverrideBits unpacks an override_bits write. There are no invalid
// bit patterns — every uint16 value is a legal snapshot.
func DecodeOverrideBits(raw []byte) (uint16, error) {
	if len(raw) != sizeOverrideBits {
		return 0, fmt.Errorf("ble: override_bits: want %d bytes, got %d", sizeOverrideBits, len(raw))
	}
	return binary.LittleEndian.Uint16(raw), nil
}

// StatusFlags mirrors the status_flags characteristic's bitfield.
type StatusFlags struct {
	SensorPrimaryOK         bool
	SensorBackupOK          bool
	LightVerificationFailed bool
	CondensationGuardActive bool
	DutyLimitActiveAny      bool
	SafetyMode              bool
	ManualMode              bool
	EmergencyStopLatched    bool
}

// EncodeStatusFlags packs a StatusFlags into its 4-byte wire form.
func EncodeStatusFlags(f StatusFlags) []byte {
	var bits uint32
	setBit := func(b bool, pos uint) {
		if b {
			bits |= 1 << pos
		}
	}
	setBit(f.SensorPrimaryOK, 0)
	setBit(f.SensorBackupOK, 1)
	setBit(f.LightVerificationFailed, 2)
	setBit(f.CondensationGuardActive, 3)
	setBit(f.DutyLimitActiveAny, 4)
	setBit(f.SafetyMode, 5)
	setBit(f.ManualMode, 6)
	setBit(f.EmergencyStopLatched, 7)

	buf := make([]byte, sizeStatusFlags)
	binary.LittleEndian.PutUint32(buf, bits)
	return buf
}

// ActuatorStatus is the decoded form of the actuator_status characteristic.
type ActuatorStatus struct {
	Light, Fan, Mist, Heater bool
	ReasonFan                uint8
	ReasonMist               uint8
	ReasonLight              uint8
	ReasonHeater             uint8
}

// EncodeActuatorStatus packs an ActuatorStatus into its 6-byte wire form:
// state:u16 (bit0=LIGHT,bit1=FAN,bit2=MIST,bit3=HEATER), then one reason
// byte per relay in fan/mist/light/heater order.
func EncodeActuatorStatus(s ActuatorStatus) []byte {
	var state uint16
	if s.Light {
		state |= 1 << 0
	}
	if s.Fan {
		state |= 1 << 1
	}
	if s.Mist {
		state |= 1 << 2
	}
	if s.Heater {
		state |= 1 << 3
	}

	buf := make([]byte, sizeActuatorStatus)
	binary.LittleEndian.PutUint16(buf[0:2], state)
	buf[2] = s.ReasonFan
	buf[3] = s.ReasonMist
	buf[4] = s.ReasonLight
	buf[5] = s.ReasonHeater
	return buf
}
