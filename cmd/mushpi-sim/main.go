// Package main — cmd/mushpi-sim/main.go
//
// MushPi chamber simulator.
//
// Purpose: exercise the full sensor -> control -> arbiter -> actuator
// decision pipeline against the simulated chamber model at accelerated
// time, without a running BLE peripheral or BoltDB, to validate a
// species/stage's threshold profile and duty-cycle caps before flashing a
// real unit.
//
// Output: per-tick CSV to stdout (tick, temp_c, rh_pct, co2_ppm, fan, mist,
// light, heater). Summary to stderr: final compliance ratio and whether
// the stage would advance.
//
// Usage:
//   mushpi-sim [flags]
//   mushpi-sim -species oyster -stage fruiting -ticks 2000 -tick-seconds 30
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mushpi/mushpi/internal/actuator"
	"github.com/mushpi/mushpi/internal/arbiter"
	"github.com/mushpi/mushpi/internal/config"
	"github.com/mushpi/mushpi/internal/control"
	"github.com/mushpi/mushpi/internal/sensors"
	"github.com/mushpi/mushpi/internal/simchamber"
	"github.com/mushpi/mushpi/internal/stage"
)

func main() {
	speciesFlag := flag.String("species", "oyster", "Species: oyster|shiitake|lions_mane")
	stageFlag := flag.String("stage", "fruiting", "Stage: incubation|pinning|fruiting")
	ticks := flag.Int("ticks", 1000, "Number of simulated ticks")
	tickSeconds := flag.Float64("tick-seconds", 30, "Simulated seconds advanced per tick")
	seed := flag.Int64("seed", 1, "Chamber model random seed")
	flag.Parse()

	species, err := speciesFromFlag(*speciesFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
	stageName, err := stageFromFlag(*stageFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}

	cfg := config.Defaults()
	chamber := simchamber.New(22, 70, 900, cfg.Relay.ActiveLow, *seed)
	primary := simchamber.NewPrimary(chamber)
	backup := simchamber.NewBackup(chamber)
	light := simchamber.NewLight(chamber)

	driver := actuator.NewDriver(map[actuator.Relay]actuator.Line{
		actuator.RelayFan:    simchamber.NewFanLine(chamber),
		actuator.RelayMist:   simchamber.NewMistLine(chamber),
		actuator.RelayLight:  simchamber.NewLightLine(chamber),
		actuator.RelayHeater: simchamber.NewHeaterLine(chamber),
	}, cfg.Relay.ActiveLow)

	now := time.Now()
	info := stage.Info{Mode: stage.ModeFull, Species: species, Stage: stageName, StageStart: now}
	info.ControlMode = stage.DeriveControlMode(info.Mode)
	stageEngine, err := stage.NewEngine(info, nil, cfg.Compliance.ThresholdPct)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: stage engine init:", err)
		os.Exit(1)
	}
	th, _ := stageEngine.CurrentThresholds()

	controlEngine := control.NewEngine(cfg.Hysteresis, cfg.Condensation, cfg.Light, cfg.Duty, now)
	arb := arbiter.New()

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"tick", "temp_c", "rh_pct", "co2_ppm", "fan", "mist", "light", "heater"})

	current := now
	for t := 0; t < *ticks; t++ {
		chamber.Step(*tickSeconds)
		current = current.Add(time.Duration(*tickSeconds) * time.Second)

		ctx := context.Background()
		p, _ := primary.ReadPrimary(ctx)
		b, _ := backup.ReadBackup(ctx)
		l, _ := light.ReadLight(ctx)
		_ = b
		reading := sensors.Reading{
			Timestamp:    current,
			CO2PPM:       p.CO2PPM,
			TemperatureC: p.TemperatureC,
			RHPercent:    p.RHPercent,
			LightRaw:     l,
			Validity:     sensors.ValidityValid,
		}

		decision := controlEngine.Decide(current, reading, th, info.StageStart, *tickSeconds)
		commands := arb.Arbitrate(decision.Commands)
		state := map[actuator.Relay]bool{}
		for _, cmd := range commands {
			_ = driver.Set(cmd.Relay, cmd.Target)
			state[cmd.Relay] = bool(cmd.Target)
		}

		tempOK := reading.TemperatureC >= th.TempMinC && reading.TemperatureC <= th.TempMaxC
		rhOK := reading.RHPercent >= th.RHMinPct
		co2OK := float64(reading.CO2PPM) <= th.CO2MaxPPM
		_ = stageEngine.RecordCompliance(true, tempOK, rhOK, co2OK, current)

		_ = w.Write([]string{
			strconv.Itoa(t),
			strconv.FormatFloat(reading.TemperatureC, 'f', 2, 64),
			strconv.FormatFloat(reading.RHPercent, 'f', 2, 64),
			strconv.FormatFloat(float64(reading.CO2PPM), 'f', 0, 64),
			strconv.FormatBool(state[actuator.RelayFan]),
			strconv.FormatBool(state[actuator.RelayMist]),
			strconv.FormatBool(state[actuator.RelayLight]),
			strconv.FormatBool(state[actuator.RelayHeater]),
		})
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\n=== SIMULATION SUMMARY ===\n")
	fmt.Fprintf(os.Stderr, "species=%s stage=%s ticks=%d tick_seconds=%.0f\n", species, stageName, *ticks, *tickSeconds)
	fmt.Fprintf(os.Stderr, "final compliance ratio: %.2f\n", stageEngine.ComplianceRatio())
	advance := stageEngine.ShouldAdvance(current)
	fmt.Fprintf(os.Stderr, "would advance: %v (%s)\n", advance.Advance, advance.Reason)
}

func speciesFromFlag(s string) (stage.Species, error) {
	switch s {
	case "oyster":
		return stage.SpeciesOyster, nil
	case "shiitake":
		return stage.SpeciesShiitake, nil
	case "lions_mane":
		return stage.SpeciesLionsMane, nil
	default:
		return 0, fmt.Errorf("unknown species %q", s)
	}
}

func stageFromFlag(s string) (stage.Name, error) {
	switch s {
	case "incubation":
		return stage.StageIncubation, nil
	case "pinning":
		return stage.StagePinning, nil
	case "fruiting":
		return stage.StageFruiting, nil
	default:
		return 0, fmt.Errorf("unknown stage %q", s)
	}
}
