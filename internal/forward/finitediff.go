package forward

import (
	"context"
	"fmt"
	"runtime"

	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// FiniteDifference derives the Jacobian from forward calls of a Forwarder.
type FiniteDifference struct {
	base    Forwarder
	delta   float64
	workers int
}

// NewFiniteDifference wraps base. delta <= 0 defaults to 1e-4, workers <= 0
// to GOMAXPROCS.
func NewFiniteDifference(base Forwarder, delta float64, workers int) *FiniteDifference {
	if delta <= 0 {
		delta = 1e-4
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &FiniteDifference{base: base, delta: delta, workers: workers}
}

// Forward delegates to the wrapped forwarder.
func (f *FiniteDifference) Forward(ctx context.Context, model state.ModelRecord) (Response, error) {
	return f.base.Forward(ctx, model)
}

// Sensitivity perturbs every cell once (magnitude, and phase when the base
// response carries non-zero phases or the model has phase cells).
func (f *FiniteDifference) Sensitivity(ctx context.Context, model state.ModelRecord) (Sensitivity, error) {
	ref, err := f.base.Forward(ctx, model)
	if err != nil {
		return Sensitivity{}, fmt.Errorf("reference forward: %w", err)
	}
	n := ref.Len()
	m := model.Len()
	withPha := len(ref.Pha) == n && len(model.Pha) == m

	jMag := mat.NewDense(n, m, nil)
	var jPha *mat.Dense
	if withPha {
		jPha = mat.NewDense(n, m, nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for j := 0; j < m; j++ {
		g.Go(func() error {
			return f.column(gctx, model, ref.Mag, j, false, jMag)
		})
		if withPha {
			g.Go(func() error {
				return f.column(gctx, model, ref.Pha, j, true, jPha)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return Sensitivity{}, err
	}
	return Sensitivity{Mag: jMag, Pha: jPha}, nil
}

// column fills column j; every goroutine writes a distinct column.
func (f *FiniteDifference) column(ctx context.Context, model state.ModelRecord, ref []float64, j int, phase bool, dst *mat.Dense) error {
	p := model.Clone()
	if phase {
		p.Pha[j] += f.delta
	} else {
		p.Mag[j] += f.delta
	}
	resp, err := f.base.Forward(ctx, p)
	if err != nil {
		return fmt.Errorf("perturbed forward cell %d: %w", j, err)
	}
	out := resp.Mag
	if phase {
		out = resp.Pha
	}
	if len(out) != len(ref) {
		return fmt.Errorf("perturbed forward cell %d: %d data, want %d: %w", j, len(out), len(ref), ErrDimension)
	}
	for i := range ref {
		dst.Set(i, j, (out[i]-ref[i])/f.delta)
	}
	return nil
}
