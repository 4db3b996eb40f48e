// Package config loads and validates MushPi's runtime configuration.
//
// Configuration source: the process environment exclusively. There is no
// config file — the controller runs on a Raspberry Pi inside a systemd
// unit, and the unit's Environment= directives are the single source of
// truth. See Load() for every recognized key and Defaults() for its
// default value.
//
// Validation follows the same discipline regardless of source: Validate
// collects every violation into one error rather than failing fast on the
// first bad field, so a misconfigured unit file reports everything wrong
// with it in one restart cycle instead of one failure at a time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version, GitCommit, BuildTime are set at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// ShutdownTimeout bounds how long the supervisor is given to drain its
// goroutines on SIGINT/SIGTERM before the process forces an exit. Not
// exposed as an environment variable — this is a safety bound on the
// shutdown sequence itself, not a tunable runtime behavior.
const ShutdownTimeout = 1500 * time.Millisecond

// Config is the root configuration for the MushPi supervisor.
type Config struct {
	NodeID string

	TickInterval   time.Duration
	SampleInterval time.Duration

	Relay        RelayConfig
	Hysteresis   HysteresisConfig
	Duty         DutyConfig
	Condensation CondensationConfig
	Light        LightConfig
	Compliance   ComplianceConfig
	BLE          BLEConfig
	Storage      StorageConfig
	Observability ObservabilityConfig

	SimulationMode bool
}

// RelayConfig maps logical relays to GPIO line numbers and polarity.
type RelayConfig struct {
	FanLine     int
	MistLine    int
	LightLine   int
	HeaterLine  int
	ActiveLow   bool
}

// HysteresisConfig holds control band widths for each controlled domain.
type HysteresisConfig struct {
	TempC  float64
	RHPct  float64
	CO2PPM float64
}

// DutyConfig holds the rolling duty-cycle cap parameters.
type DutyConfig struct {
	WindowSeconds   int
	CapSecondsFan   int
	CapSecondsMist  int
	CapSecondsLight int
	CapSecondsHeater int
}

// CondensationConfig holds condensation guard thresholds.
type CondensationConfig struct {
	RHCapPct  float64
	DeltaC    float64
}

// LightConfig holds light-verification parameters.
type LightConfig struct {
	VerifyDelaySeconds int
	OnThresholdRaw     int
}

// ComplianceConfig holds the default stage-advancement compliance threshold.
type ComplianceConfig struct {
	ThresholdPct float64
}

// BLEConfig holds GATT notification queue behavior.
type BLEConfig struct {
	QueueMaxSize        int
	BackpressurePolicy  string // priority | drop_oldest | drop_newest | coalesce
	QueuePutTimeoutMS   int
	PublishTimeoutMS    int
	LogSlowPublishMS    int
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	DBPath        string
	RetentionDays int
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// Defaults returns a Config populated with every documented default value.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		NodeID:         hostname,
		TickInterval:   30 * time.Second,
		SampleInterval: 5 * time.Second,
		Relay: RelayConfig{
			FanLine:    17,
			MistLine:   27,
			LightLine:  22,
			HeaterLine: 23,
			ActiveLow:  true,
		},
		Hysteresis: HysteresisConfig{
			TempC:  1.0,
			RHPct:  3.0,
			CO2PPM: 100,
		},
		Duty: DutyConfig{
			WindowSeconds:    3600,
			CapSecondsFan:    3600,
			CapSecondsMist:   900,
			CapSecondsLight:  3600,
			CapSecondsHeater: 1800,
		},
		Condensation: CondensationConfig{
			RHCapPct: 98,
			DeltaC:   2.0,
		},
		Light: LightConfig{
			VerifyDelaySeconds: 5,
			OnThresholdRaw:     200,
		},
		Compliance: ComplianceConfig{
			ThresholdPct: 70,
		},
		BLE: BLEConfig{
			QueueMaxSize:       16,
			BackpressurePolicy: "priority",
			QueuePutTimeoutMS:  10,
			PublishTimeoutMS:   2000,
			LogSlowPublishMS:   250,
		},
		Storage: StorageConfig{
			DBPath:        "/var/lib/mushpi/mushpi.db",
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		SimulationMode: false,
	}
}

// Load builds a Config from defaults overridden by recognized environment
// variables, then validates it. Returns an error if any value is malformed
// or out of range.
func Load() (*Config, error) {
	cfg := Defaults()

	cfg.NodeID = getString("NODE_ID", cfg.NodeID)
	cfg.TickInterval = getSeconds("TICK_INTERVAL_S", cfg.TickInterval)
	cfg.SampleInterval = getSeconds("SAMPLE_INTERVAL_S", cfg.SampleInterval)

	cfg.Relay.FanLine = getInt("RELAY_FAN", cfg.Relay.FanLine)
	cfg.Relay.MistLine = getInt("RELAY_MIST", cfg.Relay.MistLine)
	cfg.Relay.LightLine = getInt("RELAY_LIGHT", cfg.Relay.LightLine)
	cfg.Relay.HeaterLine = getInt("RELAY_HEATER", cfg.Relay.HeaterLine)
	cfg.Relay.ActiveLow = getBool("RELAYS_ACTIVE_LOW", cfg.Relay.ActiveLow)

	cfg.Hysteresis.TempC = getFloat("HYSTERESIS_TEMP_C", cfg.Hysteresis.TempC)
	cfg.Hysteresis.RHPct = getFloat("HYSTERESIS_RH_PCT", cfg.Hysteresis.RHPct)
	cfg.Hysteresis.CO2PPM = getFloat("HYSTERESIS_CO2_PPM", cfg.Hysteresis.CO2PPM)

	cfg.Duty.WindowSeconds = getInt("DUTY_WINDOW_S", cfg.Duty.WindowSeconds)
	cfg.Duty.CapSecondsFan = getInt("DUTY_CAP_S_FAN", cfg.Duty.CapSecondsFan)
	cfg.Duty.CapSecondsMist = getInt("DUTY_CAP_S_MIST", cfg.Duty.CapSecondsMist)
	cfg.Duty.CapSecondsLight = getInt("DUTY_CAP_S_LIGHT", cfg.Duty.CapSecondsLight)
	cfg.Duty.CapSecondsHeater = getInt("DUTY_CAP_S_HEATER", cfg.Duty.CapSecondsHeater)

	cfg.Condensation.RHCapPct = getFloat("CONDENSATION_RH_CAP", cfg.Condensation.RHCapPct)
	cfg.Condensation.DeltaC = getFloat("CONDENSATION_DELTA_C", cfg.Condensation.DeltaC)

	cfg.Light.VerifyDelaySeconds = getInt("LIGHT_VERIFY_DELAY_S", cfg.Light.VerifyDelaySeconds)
	cfg.Light.OnThresholdRaw = getInt("LIGHT_ON_THRESHOLD_RAW", cfg.Light.OnThresholdRaw)

	cfg.Compliance.ThresholdPct = getFloat("COMPLIANCE_THRESHOLD_PCT", cfg.Compliance.ThresholdPct)

	cfg.BLE.QueueMaxSize = getInt("BLE_QUEUE_MAX_SIZE", cfg.BLE.QueueMaxSize)
	cfg.BLE.BackpressurePolicy = getString("BLE_BACKPRESSURE_POLICY", cfg.BLE.BackpressurePolicy)
	cfg.BLE.QueuePutTimeoutMS = getInt("BLE_QUEUE_PUT_TIMEOUT_MS", cfg.BLE.QueuePutTimeoutMS)
	cfg.BLE.PublishTimeoutMS = getInt("BLE_PUBLISH_TIMEOUT_MS", cfg.BLE.PublishTimeoutMS)
	cfg.BLE.LogSlowPublishMS = getInt("BLE_LOG_SLOW_PUBLISH_MS", cfg.BLE.LogSlowPublishMS)

	cfg.Storage.DBPath = getString("DB_PATH", cfg.Storage.DBPath)
	cfg.Storage.RetentionDays = getInt("RETENTION_DAYS", cfg.Storage.RetentionDays)

	cfg.Observability.MetricsAddr = getString("METRICS_ADDR", cfg.Observability.MetricsAddr)
	cfg.Observability.LogLevel = getString("LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.LogFormat = getString("LOG_FORMAT", cfg.Observability.LogFormat)

	cfg.SimulationMode = getBool("SIMULATION_MODE", cfg.SimulationMode)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness, returning a single
// error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.TickInterval < time.Second || cfg.TickInterval > 300*time.Second {
		errs = append(errs, fmt.Sprintf("tick_interval_s must be in [1, 300], got %s", cfg.TickInterval))
	}
	if cfg.SampleInterval < time.Second || cfg.SampleInterval > 60*time.Second {
		errs = append(errs, fmt.Sprintf("sample_interval_s must be in [1, 60], got %s", cfg.SampleInterval))
	}
	if cfg.Hysteresis.TempC <= 0 {
		errs = append(errs, "hysteresis_temp_c must be > 0")
	}
	if cfg.Hysteresis.RHPct <= 0 {
		errs = append(errs, "hysteresis_rh_pct must be > 0")
	}
	if cfg.Hysteresis.CO2PPM <= 0 {
		errs = append(errs, "hysteresis_co2_ppm must be > 0")
	}
	if cfg.Duty.WindowSeconds <= 0 {
		errs = append(errs, "duty_window_s must be > 0")
	}
	for name, cap := range map[string]int{
		"duty_cap_s_fan":    cfg.Duty.CapSecondsFan,
		"duty_cap_s_mist":   cfg.Duty.CapSecondsMist,
		"duty_cap_s_light":  cfg.Duty.CapSecondsLight,
		"duty_cap_s_heater": cfg.Duty.CapSecondsHeater,
	} {
		if cap < 0 || cap > cfg.Duty.WindowSeconds {
			errs = append(errs, fmt.Sprintf("%s must be in [0, duty_window_s=%d], got %d", name, cfg.Duty.WindowSeconds, cap))
		}
	}
	if cfg.Condensation.RHCapPct <= 0 || cfg.Condensation.RHCapPct > 100 {
		errs = append(errs, fmt.Sprintf("condensation_rh_cap must be in (0, 100], got %f", cfg.Condensation.RHCapPct))
	}
	if cfg.Light.VerifyDelaySeconds < 0 {
		errs = append(errs, "light_verify_delay_s must be >= 0")
	}
	if cfg.Light.OnThresholdRaw < 0 {
		errs = append(errs, "light_on_threshold_raw must be >= 0")
	}
	if cfg.Compliance.ThresholdPct < 0 || cfg.Compliance.ThresholdPct > 100 {
		errs = append(errs, fmt.Sprintf("compliance_threshold_pct must be in [0, 100], got %f", cfg.Compliance.ThresholdPct))
	}
	if cfg.BLE.QueueMaxSize < 1 {
		errs = append(errs, "ble_queue_max_size must be >= 1")
	}
	switch cfg.BLE.BackpressurePolicy {
	case "priority", "drop_oldest", "drop_newest", "coalesce":
	default:
		errs = append(errs, fmt.Sprintf("ble_backpressure_policy must be one of priority|drop_oldest|drop_newest|coalesce, got %q", cfg.BLE.BackpressurePolicy))
	}
	if cfg.BLE.QueuePutTimeoutMS < 0 {
		errs = append(errs, "ble_queue_put_timeout_ms must be >= 0")
	}
	if cfg.BLE.PublishTimeoutMS < 0 {
		errs = append(errs, "ble_publish_timeout_ms must be >= 0")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	switch strings.ToLower(cfg.Observability.LogFormat) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getSeconds(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
