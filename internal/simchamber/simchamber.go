// Package simchamber is a synthetic environment used in place of real
// I2C/GPIO hardware when SIMULATION_MODE is set: a small first-order
// physical model that drifts temperature, humidity, and CO2 toward
// actuator-influenced targets, plus a light channel that tracks the light
// relay. It implements the same narrow sensors.* and actuator.Line
// interfaces a real hardware backend would, so the supervisor cannot tell
// the difference — the same substitutability the teacher relies on when
// injecting bpf.Objects rather than constructing them in-package.
//
// No hardware driver library is wired here: the corpus's only I2C/GPIO
// candidates are standalone reference files rather than a pack repo's
// dependency, so the physical boundary stays an injected interface rather
// than a concrete ecosystem import (see DESIGN.md).
package simchamber

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/mushpi/mushpi/internal/sensors"
)

// Chamber holds the simulated physical state of one growing chamber.
type Chamber struct {
	mu sync.Mutex

	tempC  float64
	rhPct  float64
	co2PPM float64

	ambientTempC float64
	ambientRH    float64
	ambientCO2   float64

	fanOn, mistOn, heaterOn, lightOn bool

	rng *rand.Rand

	activeLow bool
}

// New builds a Chamber seeded at ambient conditions.
func New(ambientTempC, ambientRH, ambientCO2 float64, activeLow bool, seed int64) *Chamber {
	return &Chamber{
		tempC:        ambientTempC,
		rhPct:        ambientRH,
		co2PPM:       ambientCO2,
		ambientTempC: ambientTempC,
		ambientRH:    ambientRH,
		ambientCO2:   ambientCO2,
		rng:          rand.New(rand.NewSource(seed)),
		activeLow:    activeLow,
	}
}

// Step advances the model by dt seconds. Exported so a dedicated simulator
// CLI can drive it faster than real time; Run calls it once per tick.
func (c *Chamber) Step(dt float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tempTarget := c.ambientTempC
	if c.heaterOn {
		tempTarget += 8
	}
	if c.fanOn {
		tempTarget -= 2
	}
	c.tempC += (tempTarget - c.tempC) * (dt / 120.0)
	c.tempC += c.rng.NormFloat64() * 0.05

	rhTarget := c.ambientRH
	if c.mistOn {
		rhTarget += 25
	}
	if c.fanOn {
		rhTarget -= 5
	}
	c.rhPct += (rhTarget - c.rhPct) * (dt / 90.0)
	c.rhPct += c.rng.NormFloat64() * 0.2
	c.rhPct = clamp(c.rhPct, 0, 100)

	co2Target := c.ambientCO2 * 1.6
	if c.fanOn {
		co2Target = c.ambientCO2 * 0.6
	}
	c.co2PPM += (co2Target - c.co2PPM) * (dt / 180.0)
	c.co2PPM += c.rng.NormFloat64() * 10
	if c.co2PPM < 300 {
		c.co2PPM = 300
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Run steps the chamber model on a ticker until ctx is cancelled. Intended
// to run alongside the sensor aggregator's own sampling goroutine.
func (c *Chamber) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Step(interval.Seconds())
		}
	}
}

// ── sensors.PrimarySensor / BackupSensor / LightSensor ──────────────────

// Primary implements sensors.PrimarySensor over the Chamber's CO2/temp/RH.
type Primary struct{ c *Chamber }

// NewPrimary builds a Primary sensor reading from c.
func NewPrimary(c *Chamber) *Primary { return &Primary{c} }

// ReadPrimary samples the simulated chamber.
func (p *Primary) ReadPrimary(ctx context.Context) (sensors.PrimaryReading, error) {
	p.c.mu.Lock()
	t, rh, co2 := p.c.tempC, p.c.rhPct, p.c.co2PPM
	p.c.mu.Unlock()
	return sensors.PrimaryReading{
		CO2PPM:       uint16(co2),
		TemperatureC: t,
		RHPercent:    rh,
		Valid:        true,
		SampledAt:    time.Now(),
	}, nil
}

// Backup implements sensors.BackupSensor with a small, consistent
// placement offset from the primary, as a real secondary sensor mounted
// elsewhere in the chamber would read.
type Backup struct{ c *Chamber }

// NewBackup builds a Backup sensor reading from c.
func NewBackup(c *Chamber) *Backup { return &Backup{c} }

// ReadBackup samples the simulated chamber with a placement offset.
func (b *Backup) ReadBackup(ctx context.Context) (sensors.BackupReading, error) {
	b.c.mu.Lock()
	t, rh := b.c.tempC, b.c.rhPct
	b.c.mu.Unlock()
	return sensors.BackupReading{TemperatureC: t + 0.3, RHPercent: rh - 1.5, Valid: true, SampledAt: time.Now()}, nil
}

// Light implements sensors.LightSensor, reading high when the light relay
// is commanded on.
type Light struct{ c *Chamber }

// NewLight builds a Light sensor reading from c.
func NewLight(c *Chamber) *Light { return &Light{c} }

// ReadLight returns a raw ADC-style reading: ~800 when lit, ~50 in the
// dark, with sensor noise.
func (l *Light) ReadLight(ctx context.Context) (uint16, error) {
	l.c.mu.Lock()
	on := l.c.lightOn
	l.c.mu.Unlock()
	base := 50.0
	if on {
		base = 800.0
	}
	base += l.c.rng.NormFloat64() * 10
	if base < 0 {
		base = 0
	}
	return uint16(base), nil
}

// ── actuator.Line ────────────────────────────────────────────────────────

// Line implements actuator.Line for one relay, feeding commanded state back
// into the Chamber's model. rawLevel is the polarity-translated level the
// Driver computes; Line recovers the logical state by re-applying the same
// activeLow polarity, the involution of the Driver's own translation.
type Line struct {
	c   *Chamber
	set func(c *Chamber, logical bool)
}

func newLine(c *Chamber, set func(c *Chamber, logical bool)) *Line {
	return &Line{c: c, set: set}
}

// NewFanLine builds the simulated fan relay line.
func NewFanLine(c *Chamber) *Line {
	return newLine(c, func(c *Chamber, v bool) { c.mu.Lock(); c.fanOn = v; c.mu.Unlock() })
}

// NewMistLine builds the simulated mist relay line.
func NewMistLine(c *Chamber) *Line {
	return newLine(c, func(c *Chamber, v bool) { c.mu.Lock(); c.mistOn = v; c.mu.Unlock() })
}

// NewHeaterLine builds the simulated heater relay line.
func NewHeaterLine(c *Chamber) *Line {
	return newLine(c, func(c *Chamber, v bool) { c.mu.Lock(); c.heaterOn = v; c.mu.Unlock() })
}

// NewLightLine builds the simulated light relay line.
func NewLightLine(c *Chamber) *Line {
	return newLine(c, func(c *Chamber, v bool) { c.mu.Lock(); c.lightOn = v; c.mu.Unlock() })
}

// Set implements actuator.Line.
func (l *Line) Set(rawLevel bool) error {
	logical := rawLevel
	if l.c.activeLow {
		logical = !rawLevel
	}
	l.set(l.c, logical)
	return nil
}
