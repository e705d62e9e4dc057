package update

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// ErrDimension is returned when the system operands disagree in size.
var ErrDimension = errors.New("dimension mismatch")

// #region update-function
// Update computes one regularized Gauss-Newton step by solving
// (JᵀWᵀWJ + λR) Δm = JᵀWᵀW r - λR(m - m_ref) with conjugate gradients.
func Update(old state.ModelRecord, sys System, lambda float64, config UpdateConfig) (UpdateResult, error) {
	start := time.Now()

	if lambda < 0 || math.IsNaN(lambda) {
		return UpdateResult{}, fmt.Errorf("update: invalid lambda %g", lambda)
	}
	m := old.Params(sys.Stage)
	if err := checkSystem(sys, len(m)); err != nil {
		return UpdateResult{}, err
	}
	n := len(m)

	w2 := make([]float64, len(sys.Weights))
	for i, w := range sys.Weights {
		w2[i] = w * w
	}

	// b = JᵀW²r - λR(m - m_ref)
	wr := make([]float64, len(sys.Residual))
	for i := range wr {
		wr[i] = w2[i] * sys.Residual[i]
	}
	b := mulTrans(sys.J, wr)
	dm := deviation(m, sys.Reference)
	rdm := make([]float64, n)
	sys.Reg.MulVec(rdm, dm)
	for i := range b {
		b[i] -= lambda * rdm[i]
	}

	apply := func(dst, x []float64) {
		jx := mulVec(sys.J, x)
		for i := range jx {
			jx[i] *= w2[i]
		}
		jtjx := mulTrans(sys.J, jx)
		sys.Reg.MulVec(dst, x)
		for i := range dst {
			dst[i] = jtjx[i] + lambda*dst[i]
		}
	}

	maxSteps := config.MaxCGSteps
	if maxSteps <= 0 {
		maxSteps = n
	}
	tol := config.CGTolerance
	if tol <= 0 {
		tol = DefaultUpdateConfig().CGTolerance
	}
	step, cgSteps, relRes := conjugateGradient(apply, b, maxSteps, tol)

	stepNorm := norm(step)
	next := make([]float64, n)
	for i := range next {
		next[i] = m[i] + step[i]
	}

	newRec := old.WithParams(sys.Stage, next)
	newRec.VersionID = uuid.New().String()
	newRec.ParentID = old.VersionID
	newRec.Stage = sys.Stage
	newRec.CreatedAt = time.Now().UTC()

	decision := Decision{Action: "no_op", Reason: "zero model update"}
	if stepNorm > 0 {
		decision = Decision{
			Action: "commit",
			Reason: fmt.Sprintf("lambda %.4e, step norm %.6f, %d cg steps", lambda, stepNorm, cgSteps),
		}
	}

	return UpdateResult{
		NewState: newRec,
		Step:     step,
		Decision: decision,
		Metrics: Metrics{
			StepNorm:     stepNorm,
			CGSteps:      cgSteps,
			CGResidual:   relRes,
			Lambda:       lambda,
			UpdateTimeMs: time.Since(start).Milliseconds(),
		},
	}, nil
}

func checkSystem(sys System, n int) error {
	if sys.J == nil || sys.Reg == nil {
		return fmt.Errorf("update: incomplete system: %w", ErrDimension)
	}
	rows, cols := sys.J.Dims()
	switch {
	case cols != n:
		return fmt.Errorf("update: jacobian has %d columns, model %d: %w", cols, n, ErrDimension)
	case len(sys.Weights) != rows || len(sys.Residual) != rows:
		return fmt.Errorf("update: %d rows, %d weights, %d residuals: %w", rows, len(sys.Weights), len(sys.Residual), ErrDimension)
	case sys.Reg.Len() != n:
		return fmt.Errorf("update: regularizer size %d, model %d: %w", sys.Reg.Len(), n, ErrDimension)
	case sys.Reference != nil && len(sys.Reference) != n:
		return fmt.Errorf("update: reference size %d, model %d: %w", len(sys.Reference), n, ErrDimension)
	}
	return nil
}

// #endregion update-function

// #region cg
// conjugateGradient solves A x = b from x0 = 0. It returns the solution, the
// number of iterations and the final relative residual.
func conjugateGradient(apply func(dst, x []float64), b []float64, maxSteps int, tol float64) ([]float64, int, float64) {
	n := len(b)
	x := make([]float64, n)
	bNorm := norm(b)
	if bNorm == 0 {
		return x, 0, 0
	}
	r := append([]float64(nil), b...)
	d := append([]float64(nil), b...)
	ad := make([]float64, n)
	rs := dot(r, r)

	steps := 0
	for steps < maxSteps {
		apply(ad, d)
		dAd := dot(d, ad)
		if dAd <= 0 {
			break
		}
		alpha := rs / dAd
		for i := range x {
			x[i] += alpha * d[i]
			r[i] -= alpha * ad[i]
		}
		steps++
		rsNew := dot(r, r)
		if math.Sqrt(rsNew) <= tol*bNorm {
			rs = rsNew
			break
		}
		beta := rsNew / rs
		for i := range d {
			d[i] = r[i] + beta*d[i]
		}
		rs = rsNew
	}
	return x, steps, math.Sqrt(rs) / bNorm
}

// #endregion cg

// #region step-length
// ApplyStep returns the model at step length alpha along step.
func ApplyStep(old state.ModelRecord, stage state.Stage, step []float64, alpha float64) state.ModelRecord {
	m := old.Params(stage)
	for i := range m {
		m[i] += alpha * step[i]
	}
	rec := old.WithParams(stage, m)
	rec.VersionID = uuid.New().String()
	rec.ParentID = old.VersionID
	rec.Stage = stage
	rec.CreatedAt = time.Now().UTC()
	return rec
}

// ParabolicStep fits a parabola through (0, rms0), (½, rmsHalf), (1, rmsFull)
// and returns its minimiser clamped to [minAlpha, 1]. Without curvature the
// better of ½ and 1 is returned.
func ParabolicStep(rms0, rmsHalf, rmsFull, minAlpha float64) float64 {
	c2 := 2 * (rmsFull - 2*rmsHalf + rms0)
	c1 := rmsFull - rms0 - c2
	if c2 <= 0 || math.IsNaN(c2) || math.IsNaN(c1) {
		if rmsHalf < rmsFull {
			return 0.5
		}
		return 1
	}
	alpha := -c1 / (2 * c2)
	if alpha < minAlpha {
		alpha = minAlpha
	}
	if alpha > 1 {
		alpha = 1
	}
	return alpha
}

// #endregion step-length

// #region lambda
// AutoLambda estimates a starting lambda as the largest diagonal entry of JᵀW²J.
func AutoLambda(j *mat.Dense, weights []float64) float64 {
	rows, cols := j.Dims()
	best := 0.0
	for c := 0; c < cols; c++ {
		var s float64
		for r := 0; r < rows; r++ {
			v := weights[r] * j.At(r, c)
			s += v * v
		}
		if s > best {
			best = s
		}
	}
	if best == 0 || math.IsNaN(best) || math.IsInf(best, 0) {
		return 1
	}
	return best
}

// Roughness returns (m - m_ref)ᵀ R (m - m_ref).
func Roughness(reg Regularizer, m, ref []float64) float64 {
	d := deviation(m, ref)
	rd := make([]float64, len(d))
	reg.MulVec(rd, d)
	return dot(d, rd)
}

// #endregion lambda

// #region vector-helpers
func deviation(m, ref []float64) []float64 {
	d := append([]float64(nil), m...)
	if ref != nil {
		for i := range d {
			d[i] -= ref[i]
		}
	}
	return d
}

func mulVec(j *mat.Dense, x []float64) []float64 {
	rows, _ := j.Dims()
	out := mat.NewVecDense(rows, nil)
	out.MulVec(j, mat.NewVecDense(len(x), x))
	return out.RawVector().Data
}

func mulTrans(j *mat.Dense, y []float64) []float64 {
	_, cols := j.Dims()
	out := mat.NewVecDense(cols, nil)
	out.MulVec(j.T(), mat.NewVecDense(len(y), y))
	return out.RawVector().Data
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm(a []float64) float64 {
	return math.Sqrt(dot(a, a))
}

// #endregion vector-helpers
