// Package observability — metrics.go
//
// Prometheus metrics for the MushPi controller.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default; ServeMetrics binds whatever address it is given.
//
// Metric naming convention: mushpi_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Relay/reason labels use the fixed, small string enumerations from
//     internal/actuator and internal/control, never raw numeric codes.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for MushPi.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Sensors ────────────────────────────────────────────────────────────

	// ReadingsTotal counts sensor samples taken, by validity.
	ReadingsTotal *prometheus.CounterVec

	// TemperatureCelsius is the last-resolved temperature reading.
	TemperatureCelsius prometheus.Gauge

	// HumidityPercent is the last-resolved relative humidity reading.
	HumidityPercent prometheus.Gauge

	// CO2PPM is the last-resolved CO2 reading.
	CO2PPM prometheus.Gauge

	// ─── Actuators ──────────────────────────────────────────────────────────

	// RelayCommandsTotal counts ActuatorCommands issued, by relay and reason.
	RelayCommandsTotal *prometheus.CounterVec

	// RelayState is the current commanded level (0/1) per relay.
	RelayState *prometheus.GaugeVec

	// DutySuppressedTotal counts ON transitions suppressed by the duty cap,
	// by relay.
	DutySuppressedTotal *prometheus.CounterVec

	// ─── Stage / control mode ───────────────────────────────────────────────

	// StageTransitionsTotal counts auto-advancement transitions.
	StageTransitionsTotal prometheus.Counter

	// ComplianceRatio is the current stage's rolling compliance ratio.
	ComplianceRatio prometheus.Gauge

	// ControlMode is a 0/1 gauge per mode name (AUTOMATIC, MANUAL, SAFETY);
	// exactly one is 1 at a time.
	ControlMode *prometheus.GaugeVec

	// ─── BLE ────────────────────────────────────────────────────────────────

	// BLENotificationsDroppedTotal counts queue-full drops, by priority.
	BLENotificationsDroppedTotal *prometheus.CounterVec

	// BLEQueueDepth is the current BLE notification queue depth.
	BLEQueueDepth prometheus.Gauge

	// BLEWriteCommandsTotal counts accepted write commands, by characteristic.
	BLEWriteCommandsTotal *prometheus.CounterVec

	// BLEWriteRejectedTotal counts rejected write commands, by characteristic.
	BLEWriteRejectedTotal *prometheus.CounterVec

	// ─── Storage ────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StoragePrunedTotal counts entries removed by retention pruning.
	StoragePrunedTotal prometheus.Counter

	// ─── Supervisor ─────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the supervisor started.
	UptimeSeconds prometheus.Gauge

	// TickDuration records the wall-clock duration of one supervisor tick.
	TickDuration prometheus.Histogram

	startTime time.Time
}

// NewMetrics creates and registers all MushPi Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ReadingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mushpi",
			Subsystem: "sensors",
			Name:      "readings_total",
			Help:      "Total sensor samples resolved, by validity.",
		}, []string{"validity"}),

		TemperatureCelsius: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mushpi",
			Subsystem: "sensors",
			Name:      "temperature_celsius",
			Help:      "Last resolved chamber temperature in Celsius.",
		}),

		HumidityPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mushpi",
			Subsystem: "sensors",
			Name:      "humidity_percent",
			Help:      "Last resolved chamber relative humidity in percent.",
		}),

		CO2PPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mushpi",
			Subsystem: "sensors",
			Name:      "co2_ppm",
			Help:      "Last resolved chamber CO2 concentration in ppm.",
		}),

		RelayCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mushpi",
			Subsystem: "actuator",
			Name:      "relay_commands_total",
			Help:      "Total ActuatorCommands issued, by relay and reason.",
		}, []string{"relay", "reason"}),

		RelayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mushpi",
			Subsystem: "actuator",
			Name:      "relay_state",
			Help:      "Current commanded relay level (0=off, 1=on).",
		}, []string{"relay"}),

		DutySuppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mushpi",
			Subsystem: "actuator",
			Name:      "duty_suppressed_total",
			Help:      "Total ON transitions suppressed by the duty-cycle cap, by relay.",
		}, []string{"relay"}),

		StageTransitionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mushpi",
			Subsystem: "stage",
			Name:      "transitions_total",
			Help:      "Total lifecycle stage auto-advancement transitions.",
		}),

		ComplianceRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mushpi",
			Subsystem: "stage",
			Name:      "compliance_ratio",
			Help:      "Current stage's rolling compliance ratio in [0,1].",
		}),

		ControlMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mushpi",
			Subsystem: "stage",
			Name:      "control_mode",
			Help:      "1 for the currently active control mode, 0 otherwise.",
		}, []string{"mode"}),

		BLENotificationsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mushpi",
			Subsystem: "ble",
			Name:      "notifications_dropped_total",
			Help:      "Total BLE notifications dropped for queue overflow, by priority.",
		}, []string{"priority"}),

		BLEQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mushpi",
			Subsystem: "ble",
			Name:      "queue_depth",
			Help:      "Current BLE notification queue depth.",
		}),

		BLEWriteCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mushpi",
			Subsystem: "ble",
			Name:      "write_commands_total",
			Help:      "Total accepted BLE write commands, by characteristic.",
		}, []string{"characteristic"}),

		BLEWriteRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mushpi",
			Subsystem: "ble",
			Name:      "write_rejected_total",
			Help:      "Total rejected BLE write commands, by characteristic.",
		}, []string{"characteristic"}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mushpi",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StoragePrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mushpi",
			Subsystem: "storage",
			Name:      "pruned_total",
			Help:      "Total time-series entries removed by retention pruning.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mushpi",
			Subsystem: "supervisor",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the supervisor started.",
		}),

		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mushpi",
			Subsystem: "supervisor",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one supervisor tick.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
	}

	reg.MustRegister(
		m.ReadingsTotal,
		m.TemperatureCelsius,
		m.HumidityPercent,
		m.CO2PPM,
		m.RelayCommandsTotal,
		m.RelayState,
		m.DutySuppressedTotal,
		m.StageTransitionsTotal,
		m.ComplianceRatio,
		m.ControlMode,
		m.BLENotificationsDroppedTotal,
		m.BLEQueueDepth,
		m.BLEWriteCommandsTotal,
		m.BLEWriteRejectedTotal,
		m.StorageWriteLatency,
		m.StoragePrunedTotal,
		m.UptimeSeconds,
		m.TickDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
