package config

import "testing"

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("expected defaults to validate, got: %v", err)
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("NODE_ID", "chamber-7")
	t.Setenv("TICK_INTERVAL_S", "45")
	t.Setenv("SIMULATION_MODE", "true")
	t.Setenv("DUTY_CAP_S_MIST", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.NodeID != "chamber-7" {
		t.Errorf("expected NODE_ID override, got %q", cfg.NodeID)
	}
	if cfg.TickInterval.Seconds() != 45 {
		t.Errorf("expected tick interval 45s, got %s", cfg.TickInterval)
	}
	if !cfg.SimulationMode {
		t.Errorf("expected SimulationMode true")
	}
	if cfg.Duty.CapSecondsMist != 120 {
		t.Errorf("expected duty cap override 120, got %d", cfg.Duty.CapSecondsMist)
	}
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = ""
	cfg.TickInterval = 0
	cfg.Hysteresis.TempC = -1
	cfg.BLE.BackpressurePolicy = "nonsense"
	cfg.Storage.RetentionDays = 0

	err := Validate(&cfg)
	if err == nil {
		t.Fatalf("expected a validation error")
	}
	msg := err.Error()
	for _, want := range []string{"node_id", "tick_interval_s", "hysteresis_temp_c", "ble_backpressure_policy", "retention_days"} {
		if !contains(msg, want) {
			t.Errorf("expected validation error to mention %q, got:\n%s", want, msg)
		}
	}
}

func TestValidateRejectsDutyCapAboveWindow(t *testing.T) {
	cfg := Defaults()
	cfg.Duty.WindowSeconds = 100
	cfg.Duty.CapSecondsFan = 200
	if err := Validate(&cfg); err == nil {
		t.Fatalf("expected a duty cap exceeding the window to fail validation")
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
