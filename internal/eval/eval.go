package eval

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/crtomo-controller/internal/state"
)

// #region eval-harness
// EvalHarness runs lightweight post-commit validation on a model.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run checks that every cell is finite and inside the configured bounds.
func (h *EvalHarness) Run(rec state.ModelRecord) EvalResult {
	var failReasons []string

	// 1. Magnitude range
	lo, hi, finite := extent(rec.Mag)
	magPass := finite && (len(rec.Mag) == 0 || (lo >= h.config.MinLogRho && hi <= h.config.MaxLogRho))
	if !magPass {
		failReasons = append(failReasons, fmt.Sprintf("ln(rho) range [%.4f, %.4f] outside [%.4f, %.4f]", lo, hi, h.config.MinLogRho, h.config.MaxLogRho))
	}

	// 2. Phase range
	plo, phi, pfinite := extent(rec.Pha)
	maxAbs := math.Max(math.Abs(plo), math.Abs(phi))
	if len(rec.Pha) == 0 {
		maxAbs = 0
	}
	phaPass := pfinite && maxAbs <= h.config.MaxAbsPhase
	if !phaPass {
		failReasons = append(failReasons, fmt.Sprintf("|phase| %.4f exceeds %.4f mrad", maxAbs, h.config.MaxAbsPhase))
	}

	metrics := []EvalMetric{
		{Name: "min_log_rho", Value: lo, Pass: magPass},
		{Name: "max_log_rho", Value: hi, Pass: magPass},
		{Name: "max_abs_phase", Value: maxAbs, Pass: phaPass},
	}

	reason := "all checks passed"
	if len(failReasons) > 0 {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
		if len(failReasons) > 1 {
			reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
		}
	}

	return EvalResult{
		Passed:  len(failReasons) == 0,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness

// #region supervisor
// Supervisor decides when an inversion stage stops.
type Supervisor struct {
	config SupervisorConfig
}

// NewSupervisor creates a supervisor with the given criteria.
func NewSupervisor(config SupervisorConfig) *Supervisor {
	return &Supervisor{config: config}
}

// Check inspects the accepted RMS history (history[0] is the start model)
// after the given iteration.
func (s *Supervisor) Check(history []float64, iteration int) Convergence {
	if len(history) == 0 {
		return Convergence{}
	}
	last := history[len(history)-1]

	if last <= s.config.TargetRMS {
		return Convergence{Done: true, Reason: ReasonTargetRMS}
	}
	if iteration > 0 && s.config.MinRelDecrease > 0 && len(history) >= 2 {
		prev := history[len(history)-2]
		if prev > 0 && (prev-last)/prev*100 < s.config.MinRelDecrease {
			return Convergence{Done: true, Reason: ReasonMinDecrease}
		}
	}
	if iteration >= s.config.MaxIterations {
		return Convergence{Done: true, Reason: ReasonMaxIterations}
	}
	return Convergence{}
}

// #endregion supervisor

// #region helpers
// extent returns min, max and whether all values are finite.
func extent(v []float64) (float64, float64, bool) {
	if len(v) == 0 {
		return 0, 0, true
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return lo, hi, false
		}
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi, true
}

// #endregion helpers
