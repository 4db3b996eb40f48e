// Package sensors implements the sensor aggregator (component A): periodic
// sampling of the chamber's CO2/temperature/humidity/light sensors with
// primary/backup fallback and validity gating.
//
// Register-level I2C/1-Wire I/O is an external collaborator — this package
// only defines the narrow interfaces production drivers implement and the
// fallback/staleness logic layered on top of them, mirroring how the
// teacher's kernel.Processor never constructs its own bpf.Objects: the
// collaborator is injected, never built in-package.
package sensors

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Validity classifies how much a Reading can be trusted.
type Validity uint8

const (
	ValidityValid Validity = iota
	ValidityStale
	ValidityInvalid
)

func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "valid"
	case ValidityStale:
		return "stale"
	case ValidityInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Reading is a single timestamped environmental sample.
type Reading struct {
	Timestamp    time.Time
	CO2PPM       uint16
	TemperatureC float64
	RHPercent    float64
	LightRaw     uint16
	Validity     Validity
	Reason       string
}

// PrimaryReading is the raw primary sensor output (CO2 + temp + RH).
type PrimaryReading struct {
	CO2PPM       uint16
	TemperatureC float64
	RHPercent    float64
	Valid        bool
	SampledAt    time.Time
}

// BackupReading is the raw backup temp/RH sensor output.
type BackupReading struct {
	TemperatureC float64
	RHPercent    float64
	Valid        bool
	SampledAt    time.Time
}

// PrimarySensor is the injected collaborator for the primary CO2/temp/RH
// sensor. Implementations perform the actual register I/O.
type PrimarySensor interface {
	ReadPrimary(ctx context.Context) (PrimaryReading, error)
}

// BackupSensor is the injected collaborator for the backup temp/RH sensor.
type BackupSensor interface {
	ReadBackup(ctx context.Context) (BackupReading, error)
}

// LightSensor is the injected collaborator for the light ADC channel.
type LightSensor interface {
	ReadLight(ctx context.Context) (uint16, error)
}

// Aggregator samples all three sensor collaborators on an interval, applies
// the primary/backup fallback rule, and exposes the latest Reading via a
// lock-free snapshot plus a bounded ring buffer for diagnostics.
type Aggregator struct {
	primary PrimarySensor
	backup  BackupSensor
	light   LightSensor

	sampleInterval  time.Duration
	stalenessLimit  time.Duration
	sensorTimeout   time.Duration

	latest atomic.Pointer[Reading]

	mu       sync.Mutex
	ring     []Reading
	ringHead int
	ringLen  int

	lastPrimaryOK atomic.Bool
	lastBackupOK  atomic.Bool
}

// Option configures an Aggregator at construction time.
type Option func(*Aggregator)

// WithStalenessLimit overrides the default staleness window (3x sample interval).
func WithStalenessLimit(d time.Duration) Option {
	return func(a *Aggregator) { a.stalenessLimit = d }
}

// WithSensorTimeout overrides the per-sample read timeout (default 500ms).
func WithSensorTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.sensorTimeout = d }
}

// WithRingSize overrides the diagnostic ring buffer size (default 120).
func WithRingSize(n int) Option {
	return func(a *Aggregator) { a.ring = make([]Reading, n) }
}

// NewAggregator builds an Aggregator around the given sensor collaborators.
func NewAggregator(primary PrimarySensor, backup BackupSensor, light LightSensor, sampleInterval time.Duration, opts ...Option) *Aggregator {
	a := &Aggregator{
		primary:        primary,
		backup:         backup,
		light:          light,
		sampleInterval: sampleInterval,
		stalenessLimit: 3 * sampleInterval,
		sensorTimeout:  500 * time.Millisecond,
		ring:           make([]Reading, 120),
	}
	for _, opt := range opts {
		opt(a)
	}
	init := Reading{Validity: ValidityInvalid, Reason: "no_sample_yet"}
	a.latest.Store(&init)
	return a
}

// Run samples on sampleInterval until ctx is cancelled. Intended to be
// started as its own goroutine by the supervisor.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sampleOnce(ctx)
		}
	}
}

// Latest returns the most recently sampled Reading. Lock-free.
func (a *Aggregator) Latest() Reading {
	return *a.latest.Load()
}

// Ring returns a copy of the diagnostic ring buffer, oldest first.
func (a *Aggregator) Ring() []Reading {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Reading, a.ringLen)
	for i := 0; i < a.ringLen; i++ {
		out[i] = a.ring[(a.ringHead-a.ringLen+i+len(a.ring))%len(a.ring)]
	}
	return out
}

// PrimaryOK reports whether the most recent primary sample was usable.
func (a *Aggregator) PrimaryOK() bool { return a.lastPrimaryOK.Load() }

// BackupOK reports whether the most recent backup sample was usable.
func (a *Aggregator) BackupOK() bool { return a.lastBackupOK.Load() }

func (a *Aggregator) sampleOnce(ctx context.Context) {
	r := a.resolve(ctx)
	a.latest.Store(&r)

	a.mu.Lock()
	a.ring[a.ringHead] = r
	a.ringHead = (a.ringHead + 1) % len(a.ring)
	if a.ringLen < len(a.ring) {
		a.ringLen++
	}
	a.mu.Unlock()
}

// resolve implements the primary/backup fallback rule: prefer the primary
// reading; fall back to the backup temp/RH (validity downgraded to stale)
// when the primary is invalid or older than the staleness limit.
func (a *Aggregator) resolve(ctx context.Context) Reading {
	sctx, cancel := context.WithTimeout(ctx, a.sensorTimeout)
	defer cancel()

	now := time.Now()
	primary, primaryErr := a.primary.ReadPrimary(sctx)
	primaryOK := primaryErr == nil && primary.Valid && now.Sub(primary.SampledAt) <= a.stalenessLimit
	a.lastPrimaryOK.Store(primaryOK)

	var lightRaw uint16
	if a.light != nil {
		if v, err := a.light.ReadLight(sctx); err == nil {
			lightRaw = v
		}
	}

	if primaryOK {
		return Reading{
			Timestamp:    now,
			CO2PPM:       primary.CO2PPM,
			TemperatureC: primary.TemperatureC,
			RHPercent:    primary.RHPercent,
			LightRaw:     lightRaw,
			Validity:     ValidityValid,
		}
	}

	backup, backupErr := a.backup.ReadBackup(sctx)
	backupOK := backupErr == nil && backup.Valid
	a.lastBackupOK.Store(backupOK)
	if backupOK {
		reason := "primary_invalid"
		if primaryErr != nil {
			reason = "primary_error:" + primaryErr.Error()
		}
		return Reading{
			Timestamp:    now,
			CO2PPM:       primary.CO2PPM, // CO2 has no backup source; carry last primary value.
			TemperatureC: backup.TemperatureC,
			RHPercent:    backup.RHPercent,
			LightRaw:     lightRaw,
			Validity:     ValidityStale,
			Reason:       reason,
		}
	}

	reason := "primary_and_backup_unavailable"
	if backupErr != nil {
		reason = "backup_error:" + backupErr.Error()
	}
	return Reading{
		Timestamp: now,
		LightRaw:  lightRaw,
		Validity:  ValidityInvalid,
		Reason:    reason,
	}
}
