package update

import (
	"errors"
	"math"
	"testing"

	"github.com/danielpatrickdp/crtomo-controller/internal/mesh"
	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"gonum.org/v1/gonum/mat"
)

func identity(n int) *mat.Dense {
	j := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		j.Set(i, i, 1)
	}
	return j
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestUpdateNoOp(t *testing.T) {
	old := state.ModelRecord{VersionID: "v1", Mag: []float64{1, 2}, Pha: []float64{0, 0}}
	sys := System{
		Stage:    state.StageDC,
		J:        identity(2),
		Weights:  ones(2),
		Residual: []float64{0, 0},
		Reg:      mesh.Grid{NX: 2, NZ: 1, SmoothX: 1, SmoothZ: 1},
	}

	// Model is not constant, so λR·m pulls toward smooth; λ = 0 removes it.
	result, err := Update(old, sys, 0, DefaultUpdateConfig())
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if result.Decision.Action != "no_op" {
		t.Fatalf("expected no_op, got %s", result.Decision.Action)
	}
	if result.Metrics.StepNorm != 0 {
		t.Fatalf("expected zero step norm, got %f", result.Metrics.StepNorm)
	}
	if result.NewState.VersionID == old.VersionID {
		t.Fatal("new version should have different ID")
	}
	if result.NewState.ParentID != old.VersionID {
		t.Fatalf("expected parent %s, got %s", old.VersionID, result.NewState.ParentID)
	}
}

func TestUpdateUnregularizedSolvesExactly(t *testing.T) {
	old := state.ModelRecord{VersionID: "v1", Mag: []float64{0, 0, 0}, Pha: []float64{0, 0, 0}}
	sys := System{
		Stage:    state.StageDC,
		J:        identity(3),
		Weights:  ones(3),
		Residual: []float64{0.5, -1, 2},
		Reg:      mesh.Grid{NX: 3, NZ: 1, SmoothX: 1, SmoothZ: 1},
	}
	result, err := Update(old, sys, 0, DefaultUpdateConfig())
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	for i, want := range sys.Residual {
		if !approx(result.NewState.Mag[i], want) {
			t.Fatalf("mag[%d] = %f, want %f", i, result.NewState.Mag[i], want)
		}
	}
	if result.Decision.Action != "commit" {
		t.Fatalf("expected commit, got %s", result.Decision.Action)
	}
	if result.Metrics.CGSteps == 0 || result.Metrics.CGSteps > 3 {
		t.Fatalf("unexpected cg steps %d", result.Metrics.CGSteps)
	}
}

func TestUpdateRegularized(t *testing.T) {
	// A = I + R = [[2,-1],[-1,2]], b = [1,-1] → Δm = [1/3, -1/3]
	old := state.ModelRecord{VersionID: "v1", Mag: []float64{0, 0}, Pha: []float64{0, 0}}
	sys := System{
		Stage:    state.StageDC,
		J:        identity(2),
		Weights:  ones(2),
		Residual: []float64{1, -1},
		Reg:      mesh.Grid{NX: 2, NZ: 1, SmoothX: 1, SmoothZ: 1},
	}
	result, err := Update(old, sys, 1, DefaultUpdateConfig())
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !approx(result.Step[0], 1.0/3) || !approx(result.Step[1], -1.0/3) {
		t.Fatalf("unexpected step %v", result.Step)
	}
	if result.Metrics.Lambda != 1 {
		t.Fatalf("expected lambda 1, got %f", result.Metrics.Lambda)
	}
}

func TestUpdateFPIKeepsMagnitude(t *testing.T) {
	old := state.ModelRecord{VersionID: "v1", Mag: []float64{4, 5}, Pha: []float64{-1, -1}}
	sys := System{
		Stage:    state.StageFPI,
		J:        identity(2),
		Weights:  ones(2),
		Residual: []float64{-2, -2},
		Reg:      mesh.Grid{NX: 2, NZ: 1, SmoothX: 1, SmoothZ: 1},
	}
	result, err := Update(old, sys, 0.5, DefaultUpdateConfig())
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if result.NewState.Mag[0] != 4 || result.NewState.Mag[1] != 5 {
		t.Fatalf("magnitude changed in fpi stage: %v", result.NewState.Mag)
	}
	if !approx(result.NewState.Pha[0], -3) {
		t.Fatalf("expected phase -3, got %f", result.NewState.Pha[0])
	}
	if result.NewState.Stage != state.StageFPI {
		t.Fatalf("expected fpi stage, got %s", result.NewState.Stage)
	}
}

func TestUpdateDimensionErrors(t *testing.T) {
	old := state.ModelRecord{Mag: []float64{0, 0}, Pha: []float64{0, 0}}
	base := System{
		Stage:    state.StageDC,
		J:        identity(2),
		Weights:  ones(2),
		Residual: []float64{1, 1},
		Reg:      mesh.Grid{NX: 2, NZ: 1, SmoothX: 1, SmoothZ: 1},
	}

	bad := base
	bad.J = identity(3)
	if _, err := Update(old, bad, 1, DefaultUpdateConfig()); !errors.Is(err, ErrDimension) {
		t.Fatalf("expected ErrDimension for jacobian, got %v", err)
	}

	bad = base
	bad.Weights = ones(1)
	if _, err := Update(old, bad, 1, DefaultUpdateConfig()); !errors.Is(err, ErrDimension) {
		t.Fatalf("expected ErrDimension for weights, got %v", err)
	}

	bad = base
	bad.Reference = []float64{1}
	if _, err := Update(old, bad, 1, DefaultUpdateConfig()); !errors.Is(err, ErrDimension) {
		t.Fatalf("expected ErrDimension for reference, got %v", err)
	}

	if _, err := Update(old, base, -1, DefaultUpdateConfig()); err == nil {
		t.Fatal("expected error for negative lambda")
	}
}

func TestUpdateMaxCGSteps(t *testing.T) {
	old := state.ModelRecord{Mag: make([]float64, 4), Pha: make([]float64, 4)}
	sys := System{
		Stage:    state.StageDC,
		J:        identity(4),
		Weights:  []float64{1, 2, 3, 4},
		Residual: []float64{1, 2, 3, 4},
		Reg:      mesh.Grid{NX: 4, NZ: 1, SmoothX: 1, SmoothZ: 1},
	}
	result, err := Update(old, sys, 1, UpdateConfig{MaxCGSteps: 1, CGTolerance: 1e-12})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if result.Metrics.CGSteps != 1 {
		t.Fatalf("expected 1 cg step, got %d", result.Metrics.CGSteps)
	}
	if result.Metrics.CGResidual <= 0 {
		t.Fatalf("expected residual left after one step, got %g", result.Metrics.CGResidual)
	}
}

func TestApplyStep(t *testing.T) {
	old := state.ModelRecord{VersionID: "v1", Mag: []float64{1, 1}, Pha: []float64{-2, -2}}
	rec := ApplyStep(old, state.StageComplex, []float64{2, 2, 4, 4}, 0.5)
	if rec.Mag[0] != 2 || rec.Pha[1] != 0 {
		t.Fatalf("unexpected model %v %v", rec.Mag, rec.Pha)
	}
	if old.Mag[0] != 1 {
		t.Fatal("ApplyStep modified the source model")
	}
}

func TestParabolicStep(t *testing.T) {
	cases := []struct {
		name                string
		r0, rHalf, rFull, a float64
	}{
		{"convex interior", 4, 1, 2, 0.625},
		{"clamped to one", 10, 5, 0.1, 1},
		{"concave prefers half", 1, 2, 2.5, 0.5},
		{"concave prefers full", 3, 2.9, 1, 1},
		{"clamped to min", 1, 2, 5, 0.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParabolicStep(tc.r0, tc.rHalf, tc.rFull, 0.1)
			if !approx(got, tc.a) {
				t.Fatalf("ParabolicStep = %f, want %f", got, tc.a)
			}
		})
	}
}

func TestAutoLambda(t *testing.T) {
	j := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	if got := AutoLambda(j, []float64{1, 0.5}); !approx(got, 8) {
		t.Fatalf("AutoLambda = %f, want 8", got)
	}
	if got := AutoLambda(mat.NewDense(1, 1, []float64{0}), []float64{1}); got != 1 {
		t.Fatalf("zero jacobian should give 1, got %f", got)
	}
}

func TestRoughness(t *testing.T) {
	reg := mesh.Grid{NX: 2, NZ: 1, SmoothX: 2, SmoothZ: 1}
	if got := Roughness(reg, []float64{1, 3}, nil); !approx(got, 8) {
		t.Fatalf("Roughness = %f, want 8", got)
	}
	if got := Roughness(reg, []float64{1, 3}, []float64{0, 2}); got != 0 {
		t.Fatalf("Roughness relative to parallel reference = %f, want 0", got)
	}
}
