package eval

// #region eval-config
// EvalConfig holds thresholds for post-commit validation.
type EvalConfig struct {
	MinLogRho   float64 // lower bound of ln(rho / Ωm)
	MaxLogRho   float64 // upper bound of ln(rho / Ωm)
	MaxAbsPhase float64 // bound of |phase| in mrad
}

// DefaultEvalConfig returns bounds of 1e-3..1e6 Ωm and ±1570 mrad.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MinLogRho:   -6.907755,
		MaxLogRho:   13.815511,
		MaxAbsPhase: 1570,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string
	Value float64
	Pass  bool
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of post-commit validation.
type EvalResult struct {
	Passed  bool
	Metrics []EvalMetric
	Reason  string
}

// #endregion eval-result

// #region convergence
// Stop reasons reported by the supervisor and the controller.
const (
	ReasonTargetRMS     = "target_rms"
	ReasonMinDecrease   = "min_decrease"
	ReasonMaxIterations = "max_iterations"
	ReasonStagnation    = "stagnation"
	ReasonCanceled      = "canceled"
)

// SupervisorConfig holds the stage stopping criteria.
type SupervisorConfig struct {
	TargetRMS      float64
	MinRelDecrease float64 // percent; 0 disables
	MaxIterations  int
}

// Convergence is the supervisor verdict after an iteration.
type Convergence struct {
	Done   bool
	Reason string
}

// #endregion convergence
