// Package main — cmd/mushpi/main.go
//
// MushPi controller entrypoint.
//
// Startup sequence:
//  1. Load and validate config from the process environment.
//  2. Initialise structured logger (zap, configurable level/format).
//  3. Open BoltDB storage and run schema migrations.
//  4. Prune stale time-series entries past the retention window, then
//     again every 6 hours.
//  5. Build the sensor/actuator backend — the simulated chamber when
//     SIMULATION_MODE is set, otherwise abort (no hardware driver is
//     wired into this build; see DESIGN.md).
//  6. Rehydrate stage.Engine from the persisted singleton, seeding a
//     fresh chamber at oyster/incubation/FULL if none exists yet.
//  7. Build the control engine, arbiter, BLE dispatcher/queue/peripheral.
//  8. Start the Prometheus metrics server.
//  9. Start the supervisor's tick loop.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every goroutine).
//  2. Wait for the supervisor's goroutines to return.
//  3. Force every relay off.
//  4. Close BoltDB.
//  5. Flush the logger.
//  6. Exit 0.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mushpi/mushpi/internal/actuator"
	"github.com/mushpi/mushpi/internal/arbiter"
	"github.com/mushpi/mushpi/internal/ble"
	"github.com/mushpi/mushpi/internal/config"
	"github.com/mushpi/mushpi/internal/control"
	"github.com/mushpi/mushpi/internal/observability"
	"github.com/mushpi/mushpi/internal/sensors"
	"github.com/mushpi/mushpi/internal/simchamber"
	"github.com/mushpi/mushpi/internal/stage"
	"github.com/mushpi/mushpi/internal/storage"
	"github.com/mushpi/mushpi/internal/supervisor"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-version" {
		fmt.Printf("mushpi %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("mushpi starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.Bool("simulation_mode", cfg.SimulationMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB ───────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 4: Prune stale entries ───────────────────────────────────────
	if pruned, err := db.PruneAll(); err != nil {
		log.Warn("retention pruning failed", zap.Error(err))
	} else {
		log.Info("retention pruning complete", zap.Int("deleted", pruned))
	}
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pruned, err := db.PruneAll()
				log.Info("periodic retention pruning", zap.Int("deleted", pruned), zap.Error(err))
			}
		}
	}()

	// ── Step 5: Sensor/actuator backend ───────────────────────────────────
	if !cfg.SimulationMode {
		log.Fatal("no hardware sensor/actuator backend is wired into this build; " +
			"set SIMULATION_MODE=true, or build against a hardware driver package")
	}
	chamber := simchamber.New(22, 70, 900, cfg.Relay.ActiveLow, 1)
	go chamber.Run(ctx, cfg.SampleInterval)

	aggregator := sensors.NewAggregator(
		simchamber.NewPrimary(chamber),
		simchamber.NewBackup(chamber),
		simchamber.NewLight(chamber),
		cfg.SampleInterval,
	)

	driver := actuator.NewDriver(map[actuator.Relay]actuator.Line{
		actuator.RelayFan:    simchamber.NewFanLine(chamber),
		actuator.RelayMist:   simchamber.NewMistLine(chamber),
		actuator.RelayLight:  simchamber.NewLightLine(chamber),
		actuator.RelayHeater: simchamber.NewHeaterLine(chamber),
	}, cfg.Relay.ActiveLow)
	defer driver.AllOff() //nolint:errcheck
	log.Info("simulated chamber backend active")

	// ── Step 6: Stage engine ──────────────────────────────────────────────
	info, ok, err := db.GetStage()
	if err != nil {
		log.Fatal("storage: load stage failed", zap.Error(err))
	}
	if !ok {
		info = stage.Info{
			Mode:       stage.ModeFull,
			Species:    stage.SpeciesOyster,
			Stage:      stage.StageIncubation,
			StageStart: time.Now(),
		}
		info.ControlMode = stage.DeriveControlMode(info.Mode)
		if err := db.PutStage(info); err != nil {
			log.Fatal("storage: seed stage failed", zap.Error(err))
		}
		log.Info("no persisted stage found, seeded default", zap.String("species", info.Species.String()), zap.String("stage", info.Stage.String()))
	}
	stageEngine, err := stage.NewEngine(info, db, cfg.Compliance.ThresholdPct)
	if err != nil {
		log.Fatal("stage engine init failed", zap.Error(err))
	}

	// ── Step 7: Control engine, arbiter, BLE ──────────────────────────────
	controlEngine := control.NewEngine(cfg.Hysteresis, cfg.Condensation, cfg.Light, cfg.Duty, time.Now())

	unresolved, err := db.UnresolvedAlerts()
	if err != nil {
		log.Warn("storage: load unresolved alerts failed", zap.Error(err))
	}
	for _, a := range unresolved {
		controlEngine.SeedUnresolvedAlert(a)
	}
	if len(unresolved) > 0 {
		log.Warn("rehydrated unresolved alerts from prior run", zap.Int("count", len(unresolved)))
	}

	arb := arbiter.New()

	dispatcher := ble.NewDispatcher(8, log)
	notifyQ := ble.NewNotifyQueue(cfg.BLE.QueueMaxSize)
	peripheral := ble.NewInProcessPeripheral()
	dispatcher.Wire(peripheral)

	// ── Step 8: Prometheus metrics ─────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 9: Supervisor ─────────────────────────────────────────────────
	sup := supervisor.New(cfg, log, db, metrics, aggregator, driver, stageEngine, controlEngine, arb, dispatcher, notifyQ, peripheral)

	go func() {
		if err := peripheral.Start(ctx); err != nil {
			log.Error("ble peripheral error", zap.Error(err))
		}
	}()

	supervisorDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supervisorDone)
	}()
	log.Info("supervisor started", zap.Duration("tick_interval", cfg.TickInterval))

	// ── Step 10: Wait for shutdown signal ──────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(config.ShutdownTimeout)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-supervisorDone:
		log.Info("supervisor drained")
	}

	log.Info("mushpi shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
