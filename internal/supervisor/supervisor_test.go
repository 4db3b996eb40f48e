package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

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

type fakePrimary struct{ r sensors.PrimaryReading }

func (f fakePrimary) ReadPrimary(ctx context.Context) (sensors.PrimaryReading, error) {
	r := f.r
	r.SampledAt = time.Now()
	return r, nil
}

type fakeBackup struct{}

func (fakeBackup) ReadBackup(ctx context.Context) (sensors.BackupReading, error) {
	return sensors.BackupReading{Valid: true}, nil
}

type fakeLight struct{}

func (fakeLight) ReadLight(ctx context.Context) (uint16, error) { return 700, nil }

type recordingLine struct{ levels []bool }

func (l *recordingLine) Set(level bool) error {
	l.levels = append(l.levels, level)
	return nil
}

func buildTestSupervisor(t *testing.T) (*Supervisor, *observability.Metrics, *ble.InProcessPeripheral) {
	t.Helper()
	cfg := config.Defaults()
	cfg.SimulationMode = true

	log := zaptest.NewLogger(t)
	db, err := storage.Open(filepath.Join(t.TempDir(), "mushpi.db"), 30)
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics()

	primary := fakePrimary{r: sensors.PrimaryReading{CO2PPM: 900, TemperatureC: 25, RHPercent: 70, Valid: true, SampledAt: time.Now()}}
	aggregator := sensors.NewAggregator(primary, fakeBackup{}, fakeLight{}, time.Millisecond)

	aggCtx, aggCancel := context.WithCancel(context.Background())
	go aggregator.Run(aggCtx)
	t.Cleanup(aggCancel)

	lines := map[actuator.Relay]actuator.Line{
		actuator.RelayFan:    &recordingLine{},
		actuator.RelayMist:   &recordingLine{},
		actuator.RelayLight:  &recordingLine{},
		actuator.RelayHeater: &recordingLine{},
	}
	driver := actuator.NewDriver(lines, false)

	now := time.Now()
	info := stage.Info{Mode: stage.ModeFull, Species: stage.SpeciesOyster, Stage: stage.StageFruiting, StageStart: now}
	stageEngine, err := stage.NewEngine(info, db, cfg.Compliance.ThresholdPct)
	if err != nil {
		t.Fatalf("stage.NewEngine failed: %v", err)
	}

	controlEngine := control.NewEngine(cfg.Hysteresis, cfg.Condensation, cfg.Light, cfg.Duty, now)
	arb := arbiter.New()
	dispatcher := ble.NewDispatcher(8, log)
	notifyQ := ble.NewNotifyQueue(cfg.BLE.QueueMaxSize)
	peripheral := ble.NewInProcessPeripheral()
	dispatcher.Wire(peripheral)

	sup := New(&cfg, log, db, metrics, aggregator, driver, stageEngine, controlEngine, arb, dispatcher, notifyQ, peripheral)
	sup.lastTick = now.Add(-time.Duration(cfg.TickInterval))
	return sup, metrics, peripheral
}

func TestTickPublishesNotifications(t *testing.T) {
	sup, _, peripheral := buildTestSupervisor(t)

	time.Sleep(10 * time.Millisecond) // let the aggregator take at least one sample
	sup.tick(time.Now())

	if sup.notifyQ.Len() == 0 {
		t.Fatalf("expected at least one notification queued after a tick")
	}
	_ = peripheral
}

func TestTickRecordsComplianceWhenReadingIsValid(t *testing.T) {
	sup, _, _ := buildTestSupervisor(t)
	time.Sleep(2 * time.Millisecond)
	sup.tick(time.Now())

	total, _, err := sup.db.CountCompliance(sup.stageEng.Current().StageStart.UnixNano())
	if err != nil {
		t.Fatalf("CountCompliance failed: %v", err)
	}
	if total == 0 {
		t.Errorf("expected a compliance record appended for a FULL-mode, valid reading")
	}
}

func TestApplyCommandSetOverridesEngagesEmergencyStop(t *testing.T) {
	sup, _, _ := buildTestSupervisor(t)
	sup.applyCommand(ble.Command{Kind: ble.CmdSetOverrides, OverrideBits: 1 << 15}, time.Now())
	if !sup.arb.EmergencyStop() {
		t.Fatalf("expected EmergencyStop latched after a CmdSetOverrides write with bit 15 set")
	}
}

func TestApplyCommandSetStagePersists(t *testing.T) {
	sup, _, _ := buildTestSupervisor(t)
	newStart := time.Now()
	sup.applyCommand(ble.Command{Kind: ble.CmdSetStage, Stage: ble.StageState{
		Mode: stage.ModeFull, Species: stage.SpeciesShiitake, Stage: stage.StagePinning, StageStart: newStart,
	}}, newStart)

	got, ok, err := sup.db.GetStage()
	if err != nil || !ok {
		t.Fatalf("expected persisted stage after CmdSetStage: ok=%v err=%v", ok, err)
	}
	if got.Species != stage.SpeciesShiitake || got.Stage != stage.StagePinning {
		t.Errorf("expected persisted species/stage to match the write, got %+v", got)
	}
}

func TestEnqueueIncrementsDroppedMetricWhenQueueFull(t *testing.T) {
	sup, metrics, _ := buildTestSupervisor(t)
	sup.notifyQ = ble.NewNotifyQueue(1)
	sup.enqueue(ble.PriorityCritical, ble.CharEnvMeasurements, []byte("a"))
	sup.enqueue(ble.PriorityCritical, ble.CharEnvMeasurements, []byte("b"))

	got := testutil.ToFloat64(metrics.BLENotificationsDroppedTotal.WithLabelValues(ble.PriorityCritical.String()))
	if got != 1 {
		t.Errorf("expected dropped-notification counter 1, got %v", got)
	}
}
