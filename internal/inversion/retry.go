package inversion

import (
	"math"

	"github.com/danielpatrickdp/crtomo-controller/internal/gate"
)

// #region attempt
// Attempt is one rejected update of an iteration.
type Attempt struct {
	Lambda     float64
	RMS        float64
	Decision   gate.GateDecision
	EvalFailed bool
}

// #endregion attempt

// #region engine
// RetryEngine decides whether a rejected iteration is retried and with which lambda.
type RetryEngine struct {
	maxRejects int
	factor     float64
}

// NewRetryEngine creates a retry engine allowing maxRejects consecutive rejects.
func NewRetryEngine(maxRejects int, factor float64) *RetryEngine {
	return &RetryEngine{maxRejects: maxRejects, factor: factor}
}

// #endregion engine

// #region should-retry
// ShouldRetry returns whether to retry and the lambda to use. attempts holds
// every rejected attempt of the iteration so far; lambda grows by factor^k
// for the k-th retry.
func (r *RetryEngine) ShouldRetry(base float64, attempts []Attempt) (bool, float64) {
	if len(attempts) == 0 {
		return false, base
	}
	if len(attempts) >= r.maxRejects {
		return false, 0
	}

	latest := attempts[len(attempts)-1]
	if latest.Decision.Action == "commit" && !latest.EvalFailed {
		return false, latest.Lambda
	}

	next := base * math.Pow(r.factor, float64(len(attempts)))
	if math.IsInf(next, 0) || math.IsNaN(next) {
		return false, 0
	}
	return true, next
}

// #endregion should-retry
