package inversion

import (
	"errors"
	"fmt"
	"math"

	"github.com/danielpatrickdp/crtomo-controller/internal/eval"
	"github.com/danielpatrickdp/crtomo-controller/internal/gate"
	"github.com/danielpatrickdp/crtomo-controller/internal/mesh"
	"github.com/danielpatrickdp/crtomo-controller/internal/update"
)

// #region error-model
// ErrorModel holds the data error coefficients.
//
//	sigma_|R| = MagRel/100 * |R| + MagAbs
//	sigma_phi = PhaA1 * |R|^PhaB + PhaA2/100 * |phi| + PhaP0
type ErrorModel struct {
	MagRel float64 // %
	MagAbs float64 // Ω
	PhaA1  float64 // mrad/Ω^B
	PhaB   float64
	PhaA2  float64 // %
	PhaP0  float64 // mrad
}

// MagSigma returns the standard deviation of ln|R|.
func (e ErrorModel) MagSigma(r float64) float64 {
	r = math.Abs(r)
	return (e.MagRel/100*r + e.MagAbs) / r
}

// PhaSigma returns the standard deviation of the phase in mrad.
func (e ErrorModel) PhaSigma(r, phi float64) float64 {
	return e.PhaA1*math.Pow(math.Abs(r), e.PhaB) + e.PhaA2/100*math.Abs(phi) + e.PhaP0
}

// #endregion error-model

// #region settings
// Background is the homogeneous start model.
type Background struct {
	Mag float64 // Ωm
	Pha float64 // mrad
}

// Settings configures a Controller.
type Settings struct {
	MaxIterations  int
	DC             bool
	FPI            bool
	Robust         bool
	Errors         ErrorModel
	TargetRMS      float64
	MinRelDecrease float64 // percent
	StartLambda    float64 // 0 = automatic

	LambdaFactor      float64
	LambdaSearchSteps int
	MaxRejects        int
	LineSearch        bool
	MinStepLength     float64

	Grid       mesh.Grid
	Background Background
	Update     update.UpdateConfig
	Gate       gate.GateConfig
	Eval       eval.EvalConfig
}

// DefaultSettings returns the controller defaults for a 20×10 grid.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:     20,
		FPI:               true,
		Errors:            ErrorModel{MagRel: 5, MagAbs: 0.001, PhaP0: 1},
		TargetRMS:         1,
		MinRelDecrease:    2,
		LambdaFactor:      2,
		LambdaSearchSteps: 3,
		MaxRejects:        4,
		LineSearch:        true,
		MinStepLength:     0.1,
		Grid:              mesh.Grid{NX: 20, NZ: 10, SmoothX: 1, SmoothZ: 1},
		Background:        Background{Mag: 100},
		Update:            update.DefaultUpdateConfig(),
		Gate:              gate.DefaultGateConfig(),
		Eval:              eval.DefaultEvalConfig(),
	}
}

// Validate checks the settings for values the controller cannot run with.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("max iterations %d must not be negative", s.MaxIterations))
	}
	if s.TargetRMS <= 0 {
		errs = append(errs, fmt.Errorf("target rms %g must be positive", s.TargetRMS))
	}
	if s.LambdaFactor <= 1 {
		errs = append(errs, fmt.Errorf("lambda factor %g must exceed 1", s.LambdaFactor))
	}
	if s.StartLambda < 0 {
		errs = append(errs, fmt.Errorf("start lambda %g must not be negative", s.StartLambda))
	}
	if s.MinStepLength <= 0 || s.MinStepLength > 1 {
		errs = append(errs, fmt.Errorf("min step length %g must be in (0, 1]", s.MinStepLength))
	}
	if s.Grid.Len() <= 0 {
		errs = append(errs, fmt.Errorf("grid %dx%d has no cells", s.Grid.NX, s.Grid.NZ))
	}
	if s.Background.Mag <= 0 {
		errs = append(errs, fmt.Errorf("background magnitude %g must be positive", s.Background.Mag))
	}
	return errors.Join(errs...)
}

// #endregion settings
