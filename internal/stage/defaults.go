package stage

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// defaultsRow is the YAML shape of one (species, stage) seed entry.
type defaultsRow struct {
	Species      string `yaml:"species"`
	Stage        string `yaml:"stage"`
	TempMinC     float64 `yaml:"temp_min_c"`
	TempMaxC     float64 `yaml:"temp_max_c"`
	RHMinPct     float64 `yaml:"rh_min_pct"`
	CO2MaxPPM    float64 `yaml:"co2_max_ppm"`
	LightMode    string `yaml:"light_mode"`
	OnMinutes    uint16 `yaml:"on_minutes"`
	OffMinutes   uint16 `yaml:"off_minutes"`
	ExpectedDays uint16 `yaml:"expected_days"`
}

func parseSpecies(s string) (Species, error) {
	switch s {
	case "oyster":
		return SpeciesOyster, nil
	case "shiitake":
		return SpeciesShiitake, nil
	case "lions_mane":
		return SpeciesLionsMane, nil
	default:
		return 0, fmt.Errorf("stage: unknown species %q in defaults.yaml", s)
	}
}

func parseStageName(s string) (Name, error) {
	switch s {
	case "incubation":
		return StageIncubation, nil
	case "pinning":
		return StagePinning, nil
	case "fruiting":
		return StageFruiting, nil
	default:
		return 0, fmt.Errorf("stage: unknown stage %q in defaults.yaml", s)
	}
}

func parseLightMode(s string) (LightMode, error) {
	switch s {
	case "off", "":
		return LightOff, nil
	case "on":
		return LightOn, nil
	case "cycle":
		return LightCycle, nil
	default:
		return 0, fmt.Errorf("stage: unknown light_mode %q in defaults.yaml", s)
	}
}

// defaultThresholds seeds a ThresholdProfile for every (species, stage)
// pair from the embedded defaults.yaml asset, so a freshly provisioned
// chamber has sane targets before the mobile client ever writes a
// control_targets payload, and an operator can retune envelopes by editing
// one YAML file instead of Go source.
func defaultThresholds() map[profileKey]ThresholdProfile {
	var rows []defaultsRow
	if err := yaml.Unmarshal(defaultsYAML, &rows); err != nil {
		panic(fmt.Sprintf("stage: embedded defaults.yaml is invalid: %v", err))
	}

	m := make(map[profileKey]ThresholdProfile, len(rows))
	for _, row := range rows {
		species, err := parseSpecies(row.Species)
		if err != nil {
			panic(err)
		}
		stageName, err := parseStageName(row.Stage)
		if err != nil {
			panic(err)
		}
		lightMode, err := parseLightMode(row.LightMode)
		if err != nil {
			panic(err)
		}
		profile := ThresholdProfile{
			TempMinC:     row.TempMinC,
			TempMaxC:     row.TempMaxC,
			RHMinPct:     row.RHMinPct,
			CO2MaxPPM:    row.CO2MaxPPM,
			LightMode:    lightMode,
			OnMinutes:    row.OnMinutes,
			OffMinutes:   row.OffMinutes,
			ExpectedDays: row.ExpectedDays,
		}
		if err := profile.Validate(); err != nil {
			panic(fmt.Sprintf("stage: defaults.yaml entry %s/%s: %v", row.Species, row.Stage, err))
		}
		m[profileKey{species, stageName}] = profile
	}
	return m
}
