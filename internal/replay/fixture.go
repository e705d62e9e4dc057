package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/crtomo-controller/internal/eval"
	"github.com/danielpatrickdp/crtomo-controller/internal/gate"
	"github.com/danielpatrickdp/crtomo-controller/internal/invlog"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Records         []FixtureRecord         `json:"records"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureRecord mirrors the replayed columns of invlog.Record with JSON tags.
type FixtureRecord struct {
	Stage     string  `json:"stage"`
	Kind      string  `json:"kind"`
	Iteration int     `json:"iteration"`
	DataRMS   float64 `json:"data_rms"`
	MagRMS    float64 `json:"mag_rms,omitempty"`
	PhaRMS    float64 `json:"pha_rms,omitempty"`
	Roughness float64 `json:"roughness,omitempty"`
	Lambda    float64 `json:"lambda,omitempty"`
	NrData    int     `json:"nr_data,omitempty"`
}

// FixtureExpectedResult captures the expected action per accepted iteration.
type FixtureExpectedResult struct {
	Stage     string `json:"stage"`
	Iteration int    `json:"iteration"`
	Action    string `json:"action"`
}

// FixtureConfig bundles all sub-configs for a replay run.
type FixtureConfig struct {
	GateConfig       FixtureGateConfig       `json:"gate_config"`
	SupervisorConfig FixtureSupervisorConfig `json:"supervisor_config"`
}

// FixtureGateConfig mirrors gate.GateConfig with JSON tags.
type FixtureGateConfig struct {
	RMSTolerance float64 `json:"rms_tolerance"`
	MaxStepNorm  float64 `json:"max_step_norm"`
}

// FixtureSupervisorConfig mirrors eval.SupervisorConfig with JSON tags.
type FixtureSupervisorConfig struct {
	TargetRMS      float64 `json:"target_rms"`
	MinRelDecrease float64 `json:"min_rel_decrease"`
	MaxIterations  int     `json:"max_iterations"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// Save writes the fixture as indented JSON.
func (f *Fixture) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// NewFixture captures the accepted iterations of records together with the
// actions Replay derives for them under config.
func NewFixture(description string, records []invlog.Record, config ReplayConfig) *Fixture {
	f := &Fixture{
		Description: description,
		Config: FixtureConfig{
			GateConfig: FixtureGateConfig{
				RMSTolerance: config.GateConfig.RMSTolerance,
				MaxStepNorm:  config.GateConfig.MaxStepNorm,
			},
			SupervisorConfig: FixtureSupervisorConfig{
				TargetRMS:      config.SupervisorConfig.TargetRMS,
				MinRelDecrease: config.SupervisorConfig.MinRelDecrease,
				MaxIterations:  config.SupervisorConfig.MaxIterations,
			},
		},
	}
	for _, rec := range records {
		if !rec.Kind.Accepted() {
			continue
		}
		f.Records = append(f.Records, FixtureRecord{
			Stage:     stageName(rec),
			Kind:      string(rec.Kind),
			Iteration: rec.Iteration,
			DataRMS:   rec.DataRMS,
			MagRMS:    rec.MagRMS,
			PhaRMS:    rec.PhaRMS,
			Roughness: rec.Roughness,
			Lambda:    rec.Lambda,
			NrData:    rec.NrData,
		})
	}
	for _, r := range Replay(f.ToRecords(), config) {
		f.ExpectedResults = append(f.ExpectedResults, FixtureExpectedResult{
			Stage:     r.Stage,
			Iteration: r.Iteration,
			Action:    r.Action,
		})
	}
	return f
}

// ToRecord converts a FixtureRecord to a log record.
func (fr *FixtureRecord) ToRecord() invlog.Record {
	rec := invlog.Record{
		Kind:      invlog.Kind(fr.Kind),
		Iteration: fr.Iteration,
		DataRMS:   fr.DataRMS,
		MagRMS:    fr.MagRMS,
		PhaRMS:    fr.PhaRMS,
		Roughness: fr.Roughness,
		Lambda:    fr.Lambda,
		NrData:    fr.NrData,
		Stage:     fr.Stage,
	}
	rec.Set(invlog.FieldDataRMS | invlog.FieldMagRMS | invlog.FieldPhaRMS | invlog.FieldRoughness | invlog.FieldLambda | invlog.FieldNrData)
	return rec
}

// ToRecords converts all fixture records.
func (f *Fixture) ToRecords() []invlog.Record {
	out := make([]invlog.Record, len(f.Records))
	for i := range f.Records {
		out[i] = f.Records[i].ToRecord()
	}
	return out
}

// ToReplayConfig converts a FixtureConfig to a domain ReplayConfig.
func (fc *FixtureConfig) ToReplayConfig() ReplayConfig {
	return ReplayConfig{
		GateConfig: gate.GateConfig{
			RMSTolerance: fc.GateConfig.RMSTolerance,
			MaxStepNorm:  fc.GateConfig.MaxStepNorm,
		},
		SupervisorConfig: eval.SupervisorConfig{
			TargetRMS:      fc.SupervisorConfig.TargetRMS,
			MinRelDecrease: fc.SupervisorConfig.MinRelDecrease,
			MaxIterations:  fc.SupervisorConfig.MaxIterations,
		},
	}
}

// #endregion fixture-loader
