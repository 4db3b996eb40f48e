package observability

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.Metric {
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestNewMetricsRegistersWithoutPanicking(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered metric families")
	}
}

func TestTemperatureGaugeReflectsSetValue(t *testing.T) {
	m := NewMetrics()
	m.TemperatureCelsius.Set(21.5)
	if got := gaugeValue(t, m, "mushpi_sensors_temperature_celsius"); got != 21.5 {
		t.Errorf("expected 21.5, got %v", got)
	}
}

func TestRelayCommandsCounterIncrementsByLabel(t *testing.T) {
	m := NewMetrics()
	m.RelayCommandsTotal.WithLabelValues("FAN", "TEMP_HIGH_FAN_ON").Inc()
	m.RelayCommandsTotal.WithLabelValues("FAN", "TEMP_HIGH_FAN_ON").Inc()
	m.RelayCommandsTotal.WithLabelValues("MIST", "RH_LOW_MIST_ON").Inc()

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var found *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "mushpi_actuator_relay_commands_total" {
			found = f
		}
	}
	if found == nil {
		t.Fatalf("expected relay_commands_total family")
	}
	var total float64
	for _, metric := range found.Metric {
		total += metric.GetCounter().GetValue()
	}
	if total != 3 {
		t.Errorf("expected total count 3 across labels, got %v", total)
	}
}

func TestControlModeGaugeVecIsExclusive(t *testing.T) {
	m := NewMetrics()
	for _, mode := range []string{"AUTOMATIC", "MANUAL", "SAFETY"} {
		m.ControlMode.WithLabelValues(mode).Set(0)
	}
	m.ControlMode.WithLabelValues("SAFETY").Set(1)

	families, _ := m.registry.Gather()
	var active int
	for _, f := range families {
		if f.GetName() != "mushpi_stage_control_mode" {
			continue
		}
		for _, metric := range f.Metric {
			if metric.GetGauge().GetValue() == 1 {
				active++
			}
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one control-mode gauge at 1, got %d", active)
	}
}
