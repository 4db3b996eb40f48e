// Package supervisor implements the tick orchestration (component H):
// wiring the sensor aggregator, actuator driver, stage engine, control
// engine, arbiter, storage, BLE peripheral, and metrics together into the
// controller's main loop.
//
// Run follows the same shape as the teacher's cmd/octoreflex runWorker
// loop — a single goroutine selecting on ctx.Done() and a ticker — except
// MushPi has exactly one worker: there is one chamber, so there is no
// per-PID fan-out to a worker pool here.
package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mushpi/mushpi/internal/actuator"
	"github.com/mushpi/mushpi/internal/arbiter"
	"github.com/mushpi/mushpi/internal/ble"
	"github.com/mushpi/mushpi/internal/config"
	"github.com/mushpi/mushpi/internal/control"
	"github.com/mushpi/mushpi/internal/observability"
	"github.com/mushpi/mushpi/internal/sensors"
	"github.com/mushpi/mushpi/internal/stage"
	"github.com/mushpi/mushpi/internal/storage"
)

// Supervisor owns one tick of the control loop: drain BLE writes, read
// sensors, decide, arbitrate, actuate, persist, publish.
type Supervisor struct {
	cfg *config.Config
	log *zap.Logger

	db         *storage.DB
	metrics    *observability.Metrics
	aggregator *sensors.Aggregator
	driver     *actuator.Driver
	stageEng   *stage.Engine
	controlEng *control.Engine
	arb        *arbiter.Arbiter
	dispatcher *ble.Dispatcher
	notifyQ    *ble.NotifyQueue
	peripheral ble.Peripheral

	startTime time.Time
	lastTick  time.Time

	lastActuator map[actuator.Relay]control.ActuatorCommand
}

// New builds a Supervisor from its already-constructed collaborators.
// Every collaborator is injected — Supervisor constructs none of them, the
// same boundary-injection discipline as the rest of this module.
func New(
	cfg *config.Config,
	log *zap.Logger,
	db *storage.DB,
	metrics *observability.Metrics,
	aggregator *sensors.Aggregator,
	driver *actuator.Driver,
	stageEng *stage.Engine,
	controlEng *control.Engine,
	arb *arbiter.Arbiter,
	dispatcher *ble.Dispatcher,
	notifyQ *ble.NotifyQueue,
	peripheral ble.Peripheral,
) *Supervisor {
	now := time.Now()
	return &Supervisor{
		cfg:          cfg,
		log:          log,
		db:           db,
		metrics:      metrics,
		aggregator:   aggregator,
		driver:       driver,
		stageEng:     stageEng,
		controlEng:   controlEng,
		arb:          arb,
		dispatcher:   dispatcher,
		notifyQ:      notifyQ,
		peripheral:   peripheral,
		startTime:    now,
		lastTick:     now,
		lastActuator: make(map[actuator.Relay]control.ActuatorCommand, len(actuator.AllRelays)),
	}
}

// Run drives the sensor aggregator, the notification drain loop, and the
// tick loop until ctx is cancelled. Blocks until every started goroutine
// has returned.
func (s *Supervisor) Run(ctx context.Context) {
	done := make(chan struct{}, 2)

	go func() {
		s.aggregator.Run(ctx)
		done <- struct{}{}
	}()

	go func() {
		s.drainNotifications(ctx)
		done <- struct{}{}
	}()

	s.tickLoop(ctx)

	<-done
	<-done
}

// tickLoop runs one decision cycle every TickInterval.
func (s *Supervisor) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick runs one full cycle: drain BLE writes, resolve a decision, arbitrate
// it, actuate, persist, check stage advancement, publish notifications.
func (s *Supervisor) tick(now time.Time) {
	tickStart := time.Now()
	defer func() {
		s.metrics.TickDuration.Observe(time.Since(tickStart).Seconds())
	}()

	s.drainCommands(now)

	reading := s.aggregator.Latest()
	s.metrics.ReadingsTotal.WithLabelValues(reading.Validity.String()).Inc()
	if reading.Validity != sensors.ValidityInvalid {
		s.metrics.TemperatureCelsius.Set(reading.TemperatureC)
		s.metrics.HumidityPercent.Set(reading.RHPercent)
		s.metrics.CO2PPM.Set(float64(reading.CO2PPM))
	}

	info := s.stageEng.Current()
	th, ok := s.stageEng.ThresholdsFor(info.Species, info.Stage)
	if !ok {
		s.log.Error("no threshold profile for current species/stage",
			zap.String("species", info.Species.String()), zap.String("stage", info.Stage.String()))
		return
	}

	tickSeconds := now.Sub(s.lastTick).Seconds()
	s.lastTick = now

	decision := s.controlEng.Decide(now, reading, th, info.StageStart, tickSeconds)
	effectiveMode := s.arb.EffectiveControlMode(stage.DeriveControlMode(info.Mode))
	proposals := decision.Commands
	if effectiveMode == stage.ControlManual {
		// MANUAL gates automatic control: only the condensation guard's
		// proposals reach the arbiter, so a relay it gives no override holds.
		proposals = nil
		for _, c := range decision.Commands {
			if !c.Automatic {
				proposals = append(proposals, c)
			}
		}
	}
	commands := s.arb.Arbitrate(proposals)

	for _, cmd := range commands {
		if err := s.driver.Set(cmd.Relay, cmd.Target); err != nil {
			s.log.Error("actuator set failed", zap.String("relay", cmd.Relay.String()), zap.Error(err))
			continue
		}
		s.lastActuator[cmd.Relay] = cmd
		s.metrics.RelayCommandsTotal.WithLabelValues(cmd.Relay.String(), cmd.Reason.String()).Inc()
		level := 0.0
		if cmd.Target {
			level = 1.0
		}
		s.metrics.RelayState.WithLabelValues(cmd.Relay.String()).Set(level)
		if cmd.Reason == control.ReasonDutyLimitReached {
			s.metrics.DutySuppressedTotal.WithLabelValues(cmd.Relay.String()).Inc()
		}
	}

	writeStart := time.Now()
	if err := s.db.RecordReading(reading); err != nil {
		s.log.Error("storage: record reading failed", zap.Error(err))
	}
	if err := s.db.RecordActions(now, commands); err != nil {
		s.log.Error("storage: record actions failed", zap.Error(err))
	}
	for _, a := range decision.Alerts {
		if err := s.db.RecordAlert(a); err != nil {
			s.log.Error("storage: record alert failed", zap.Error(err))
		}
	}
	s.metrics.StorageWriteLatency.Observe(time.Since(writeStart).Seconds())

	s.recordCompliance(reading, th)
	s.checkAdvance(now)

	for _, m := range []stage.ControlMode{stage.ControlAutomatic, stage.ControlManual, stage.ControlSafety} {
		v := 0.0
		if m == effectiveMode {
			v = 1.0
		}
		s.metrics.ControlMode.WithLabelValues(m.String()).Set(v)
	}
	s.metrics.ComplianceRatio.Set(s.stageEng.ComplianceRatio())
	s.metrics.UptimeSeconds.Set(time.Since(s.startTime).Seconds())
	s.metrics.BLEQueueDepth.Set(float64(s.notifyQ.Len()))

	s.publish(now, reading, decision, effectiveMode)
}

// drainCommands applies every BLE write queued since the previous tick,
// in FIFO order, before this tick reads sensors — so a write takes effect
// on the very next decision.
func (s *Supervisor) drainCommands(now time.Time) {
	for {
		select {
		case cmd := <-s.dispatcher.Commands():
			s.applyCommand(cmd, now)
		default:
			return
		}
	}
}

func (s *Supervisor) applyCommand(cmd ble.Command, now time.Time) {
	switch cmd.Kind {
	case ble.CmdSetTargets:
		info := s.stageEng.Current()
		profile := stage.ThresholdProfile{
			TempMinC:   cmd.Targets.TempMinC,
			TempMaxC:   cmd.Targets.TempMaxC,
			RHMinPct:   cmd.Targets.RHMinPct,
			CO2MaxPPM:  cmd.Targets.CO2MaxPPM,
			LightMode:  cmd.Targets.LightMode,
			OnMinutes:  cmd.Targets.OnMinutes,
			OffMinutes: cmd.Targets.OffMinutes,
		}
		if err := s.stageEng.SetThresholds(info.Species, info.Stage, profile); err != nil {
			s.log.Warn("ble: control_targets rejected", zap.Error(err))
		}
	case ble.CmdSetStage:
		info := stage.Info{
			Mode:         cmd.Stage.Mode,
			Species:      cmd.Stage.Species,
			Stage:        cmd.Stage.Stage,
			StageStart:   cmd.Stage.StageStart,
			ExpectedDays: cmd.Stage.ExpectedDays,
		}
		s.stageEng.SetStage(info)
		if err := s.db.PutStage(s.stageEng.Current()); err != nil {
			s.log.Error("storage: put stage failed", zap.Error(err))
		}
	case ble.CmdSetOverrides:
		baseline := stage.DeriveControlMode(s.stageEng.Current().Mode)
		s.arb.ApplyOverrideBits(cmd.OverrideBits, baseline)
	}
}

func (s *Supervisor) recordCompliance(r sensors.Reading, th stage.ThresholdProfile) {
	tempOK := r.TemperatureC >= th.TempMinC && r.TemperatureC <= th.TempMaxC
	rhOK := r.RHPercent >= th.RHMinPct
	co2OK := float64(r.CO2PPM) <= th.CO2MaxPPM
	if err := s.stageEng.RecordCompliance(r.Validity == sensors.ValidityValid, tempOK, rhOK, co2OK, time.Now()); err != nil {
		s.log.Error("storage: record compliance failed", zap.Error(err))
	}
}

func (s *Supervisor) checkAdvance(now time.Time) {
	result := s.stageEng.ShouldAdvance(now)
	if !result.Advance {
		return
	}
	if !s.stageEng.Advance(now) {
		return
	}
	s.metrics.StageTransitionsTotal.Inc()
	info := s.stageEng.Current()
	if err := s.db.PutStage(info); err != nil {
		s.log.Error("storage: put stage failed after advance", zap.Error(err))
	}
	s.log.Info("stage advanced",
		zap.String("species", info.Species.String()),
		zap.String("stage", info.Stage.String()),
		zap.String("reason", result.Reason))
	s.enqueue(ble.PriorityMedium, ble.CharStageState, ble.EncodeStageState(ble.StageState{
		Mode:         info.Mode,
		Species:      info.Species,
		Stage:        info.Stage,
		StageStart:   info.StageStart,
		ExpectedDays: info.ExpectedDays,
	}))
}

// publish queues this tick's BLE notifications: env_measurements,
// actuator_status and status_flags every tick, plus one more status_flags
// notification for each alert raised, updated or resolved this tick.
func (s *Supervisor) publish(now time.Time, r sensors.Reading, decision control.Decision, mode stage.ControlMode) {
	s.enqueue(ble.PriorityCritical, ble.CharEnvMeasurements,
		ble.EncodeEnvMeasurements(r, time.Since(s.startTime)))

	status := ble.ActuatorStatus{
		Light:       bool(s.lastActuator[actuator.RelayLight].Target),
		Fan:         bool(s.lastActuator[actuator.RelayFan].Target),
		Mist:        bool(s.lastActuator[actuator.RelayMist].Target),
		Heater:      bool(s.lastActuator[actuator.RelayHeater].Target),
		ReasonFan:   uint8(s.lastActuator[actuator.RelayFan].Reason),
		ReasonMist:  uint8(s.lastActuator[actuator.RelayMist].Reason),
		ReasonLight: uint8(s.lastActuator[actuator.RelayLight].Reason),
		ReasonHeater: uint8(s.lastActuator[actuator.RelayHeater].Reason),
	}
	s.enqueue(ble.PriorityCritical, ble.CharActuatorStatus, ble.EncodeActuatorStatus(status))

	flags := ble.StatusFlags{
		SensorPrimaryOK:         s.aggregator.PrimaryOK(),
		SensorBackupOK:          s.aggregator.BackupOK(),
		CondensationGuardActive: decision.CondensationActive,
		SafetyMode:              mode == stage.ControlSafety,
		ManualMode:              mode == stage.ControlManual,
		EmergencyStopLatched:    s.arb.EmergencyStop(),
	}
	for _, a := range decision.Alerts {
		if a.Kind == control.AlertLightVerificationFailed && !a.Resolved {
			flags.LightVerificationFailed = true
		}
	}
	for _, relay := range actuator.AllRelays {
		if cmd, ok := s.lastActuator[relay]; ok && cmd.Reason == control.ReasonDutyLimitReached {
			flags.DutyLimitActiveAny = true
		}
	}
	s.enqueue(ble.PriorityHigh, ble.CharStatusFlags, ble.EncodeStatusFlags(flags))

	for _, a := range decision.Alerts {
		priority := ble.PriorityMedium
		if a.Severity == control.SeverityCritical {
			priority = ble.PriorityCritical
		}
		s.enqueue(priority, ble.CharStatusFlags, ble.EncodeStatusFlags(flags))
	}
}

func (s *Supervisor) enqueue(priority ble.Priority, ch ble.Characteristic, payload []byte) {
	if !s.notifyQ.Enqueue(priority, ch, payload) {
		s.metrics.BLENotificationsDroppedTotal.WithLabelValues(priority.String()).Inc()
		s.log.Warn("ble: notification dropped, queue full", zap.String("priority", priority.String()), zap.String("characteristic", ch.String()))
	}
}

// drainNotifications pops queued notifications and hands them to the
// peripheral, logging (but not retrying) slow or failed publishes.
func (s *Supervisor) drainNotifications(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	slowThreshold := time.Duration(s.cfg.BLE.LogSlowPublishMS) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				ch, payload, ok := s.notifyQ.Dequeue()
				if !ok {
					break
				}
				start := time.Now()
				if err := s.peripheral.Notify(ch, payload); err != nil {
					s.log.Warn("ble: notify failed", zap.String("characteristic", ch.String()), zap.Error(err))
					continue
				}
				if elapsed := time.Since(start); slowThreshold > 0 && elapsed > slowThreshold {
					s.log.Warn("ble: slow notify publish", zap.String("characteristic", ch.String()), zap.Duration("elapsed", elapsed))
				}
			}
		}
	}
}
