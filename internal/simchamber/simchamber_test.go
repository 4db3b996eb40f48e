package simchamber

import (
	"context"
	"testing"
)

func TestFanCoolsChamberTowardAmbient(t *testing.T) {
	c := New(30, 70, 900, false, 1)
	fan := NewFanLine(c)
	if err := fan.Set(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before := readPrimaryTemp(t, c)
	for i := 0; i < 200; i++ {
		c.Step(10)
	}
	after := readPrimaryTemp(t, c)
	if after >= before {
		t.Errorf("expected temperature to fall once the fan's cooling offset pulls the target below ambient: before=%v after=%v", before, after)
	}
}

func TestHeaterWarmsChamberAboveAmbient(t *testing.T) {
	c := New(10, 70, 900, false, 2)
	heater := NewHeaterLine(c)
	heater.Set(true)

	for i := 0; i < 400; i++ {
		c.Step(10)
	}
	if got := readPrimaryTemp(t, c); got <= 10 {
		t.Errorf("expected heater to raise temperature above ambient 10, got %v", got)
	}
}

func TestActiveLowLineInvertsCommandedLevel(t *testing.T) {
	c := New(22, 70, 900, true, 3) // active-low
	fan := NewFanLine(c)

	// Driver computes the GPIO-level write; for active-low, Set(false)
	// means the relay should energize (logical ON).
	fan.Set(false)
	c.mu.Lock()
	on := c.fanOn
	c.mu.Unlock()
	if !on {
		t.Errorf("expected active-low Set(false) to energize the fan (logical ON)")
	}
}

func TestLightSensorTracksLightRelay(t *testing.T) {
	c := New(22, 70, 900, false, 4)
	light := NewLightLine(c)
	sensor := NewLight(c)
	ctx := context.Background()

	dark, err := sensor.ReadLight(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	light.Set(true)
	lit, err := sensor.ReadLight(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lit <= dark {
		t.Errorf("expected a lit reading higher than a dark reading, got dark=%d lit=%d", dark, lit)
	}
}

func TestBackupSensorAppliesPlacementOffset(t *testing.T) {
	c := New(22, 70, 900, false, 5)
	primary := NewPrimary(c)
	backup := NewBackup(c)
	ctx := context.Background()

	p, err := primary.ReadPrimary(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := backup.ReadBackup(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.TemperatureC == p.TemperatureC {
		t.Errorf("expected the backup sensor to read a placement-offset temperature, got identical values")
	}
}

func readPrimaryTemp(t *testing.T, c *Chamber) float64 {
	t.Helper()
	p, err := NewPrimary(c).ReadPrimary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p.TemperatureC
}
