package update

import (
	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"gonum.org/v1/gonum/mat"
)

// #region regularizer
// Regularizer is the symmetric positive semi-definite smoothness operator R.
type Regularizer interface {
	Len() int
	MulVec(dst, src []float64)
}

// #endregion regularizer

// #region system
// System carries the linearised problem around the current model.
type System struct {
	Stage     state.Stage
	J         *mat.Dense  // N×M Jacobian of the stage parameters
	Weights   []float64   // 1/sigma per datum, robust-scaled when enabled
	Residual  []float64   // d - f(m)
	Reg       Regularizer // M×M
	Reference []float64   // m_ref; nil means zero
}

// #endregion system

// #region decision
// Decision records what the update function decided.
type Decision struct {
	Action string // "commit" | "reject" | "no_op"
	Reason string
}

// #endregion decision

// #region metrics
// Metrics captures telemetry from an update cycle.
type Metrics struct {
	StepNorm     float64
	CGSteps      int
	CGResidual   float64 // final ‖r_k‖ / ‖b‖
	Lambda       float64
	UpdateTimeMs int64
}

// #endregion metrics

// #region update-config
// UpdateConfig holds the conjugate-gradient solver parameters.
type UpdateConfig struct {
	MaxCGSteps  int     // 0 = number of parameters
	CGTolerance float64 // relative residual stop (default 1e-6)
}

// DefaultUpdateConfig returns the solver defaults.
func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		MaxCGSteps:  0,
		CGTolerance: 1e-6,
	}
}

// #endregion update-config

// #region update-result
// UpdateResult bundles everything returned by Update().
type UpdateResult struct {
	NewState state.ModelRecord
	Step     []float64
	Decision Decision
	Metrics  Metrics
}

// #endregion update-result
