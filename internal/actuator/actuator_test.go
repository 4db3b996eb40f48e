package actuator

import (
	"errors"
	"testing"
)

type fakeLine struct {
	levels []bool
	failOn int // -1 = never fail
}

func (f *fakeLine) Set(level bool) error {
	if f.failOn >= 0 && len(f.levels) == f.failOn {
		f.levels = append(f.levels, level)
		return errors.New("gpio write failed")
	}
	f.levels = append(f.levels, level)
	return nil
}

func TestSetTranslatesActiveLowPolarity(t *testing.T) {
	fan := &fakeLine{failOn: -1}
	d := NewDriver(map[Relay]Line{RelayFan: fan}, true)

	if err := d.Set(RelayFan, On); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fan.levels) != 1 || fan.levels[0] != false {
		t.Fatalf("expected active-low line driven false for logical On, got %v", fan.levels)
	}
	if d.State(RelayFan) != On {
		t.Errorf("expected State() to report On")
	}
}

func TestSetIsIdempotent(t *testing.T) {
	fan := &fakeLine{failOn: -1}
	d := NewDriver(map[Relay]Line{RelayFan: fan}, false)

	if err := d.Set(RelayFan, On); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Set(RelayFan, On); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fan.levels) != 1 {
		t.Errorf("expected only one GPIO write for a repeated identical Set, got %d", len(fan.levels))
	}
}

func TestSetUnknownRelayErrors(t *testing.T) {
	d := NewDriver(map[Relay]Line{RelayFan: &fakeLine{failOn: -1}}, false)
	if err := d.Set(RelayMist, On); err == nil {
		t.Fatalf("expected an error for a relay with no configured line")
	}
}

func TestAllOffCollectsEveryFailure(t *testing.T) {
	// failOn: 1 lets the first write (Off->On) succeed so the driver
	// latches On, then fails the second write, the Off transition AllOff
	// issues, so both relays actually attempt and fail a real GPIO write.
	failFan := &fakeLine{failOn: 1}
	failMist := &fakeLine{failOn: 1}
	d := NewDriver(map[Relay]Line{RelayFan: failFan, RelayMist: failMist}, false)
	if err := d.Set(RelayFan, On); err != nil {
		t.Fatalf("unexpected error priming state: %v", err)
	}
	if err := d.Set(RelayMist, On); err != nil {
		t.Fatalf("unexpected error priming state: %v", err)
	}

	err := d.AllOff()
	if err == nil {
		t.Fatalf("expected AllOff to report both line failures")
	}
	if d.State(RelayFan) != On || d.State(RelayMist) != On {
		t.Errorf("expected last-commanded state unchanged on a failed write")
	}
}

func TestAllOffSkipsUnconfiguredRelays(t *testing.T) {
	d := NewDriver(map[Relay]Line{RelayFan: &fakeLine{failOn: -1}}, false)
	if err := d.AllOff(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
