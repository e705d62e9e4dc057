package forward

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"gonum.org/v1/gonum/mat"
)

// ErrDimension is returned when a model does not match the oracle shape.
var ErrDimension = errors.New("dimension mismatch")

// #region types
// Response holds modeled data: ln|R| and phase (mrad) per measurement.
type Response struct {
	Mag []float64
	Pha []float64
}

// Len returns the number of modeled measurements.
func (r Response) Len() int {
	return len(r.Mag)
}

// Sensitivity holds the N×M Jacobians d ln|R| / d ln rho and d phi / d phi_cell.
// Pha is nil for oracles without phase response.
type Sensitivity struct {
	Mag *mat.Dense
	Pha *mat.Dense
}

// Forwarder computes the modeled response of a model.
type Forwarder interface {
	Forward(ctx context.Context, model state.ModelRecord) (Response, error)
}

// Oracle is the forward and sensitivity provider the inversion depends on.
type Oracle interface {
	Forwarder
	Sensitivity(ctx context.Context, model state.ModelRecord) (Sensitivity, error)
}

// #endregion types

// #region linear
// Linear is an in-process oracle with a fixed response matrix: d = G·m.
type Linear struct {
	gMag *mat.Dense
	gPha *mat.Dense
}

// NewLinear creates a linear oracle. gPha may be nil for magnitude-only data.
func NewLinear(gMag, gPha *mat.Dense) (*Linear, error) {
	if gMag == nil {
		return nil, fmt.Errorf("linear oracle: nil magnitude operator")
	}
	if gPha != nil {
		rm, cm := gMag.Dims()
		rp, cp := gPha.Dims()
		if rm != rp || cm != cp {
			return nil, fmt.Errorf("linear oracle: operators %dx%d and %dx%d: %w", rm, cm, rp, cp, ErrDimension)
		}
	}
	return &Linear{gMag: gMag, gPha: gPha}, nil
}

// Forward returns G·m for magnitude and, when configured, phase.
func (l *Linear) Forward(ctx context.Context, model state.ModelRecord) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	n, m := l.gMag.Dims()
	if len(model.Mag) != m {
		return Response{}, fmt.Errorf("forward: model has %d cells, operator %d: %w", len(model.Mag), m, ErrDimension)
	}
	resp := Response{Mag: mulVec(l.gMag, model.Mag), Pha: make([]float64, n)}
	if l.gPha != nil {
		if len(model.Pha) != m {
			return Response{}, fmt.Errorf("forward: phase model has %d cells, operator %d: %w", len(model.Pha), m, ErrDimension)
		}
		resp.Pha = mulVec(l.gPha, model.Pha)
	}
	return resp, nil
}

// Sensitivity returns copies of the operators.
func (l *Linear) Sensitivity(ctx context.Context, model state.ModelRecord) (Sensitivity, error) {
	if err := ctx.Err(); err != nil {
		return Sensitivity{}, err
	}
	if _, m := l.gMag.Dims(); len(model.Mag) != m {
		return Sensitivity{}, fmt.Errorf("sensitivity: model has %d cells, operator %d: %w", len(model.Mag), m, ErrDimension)
	}
	s := Sensitivity{Mag: mat.DenseCopyOf(l.gMag)}
	if l.gPha != nil {
		s.Pha = mat.DenseCopyOf(l.gPha)
	}
	return s, nil
}

func mulVec(g *mat.Dense, x []float64) []float64 {
	n, _ := g.Dims()
	var out mat.VecDense
	out.MulVec(g, mat.NewVecDense(len(x), append([]float64(nil), x...)))
	res := make([]float64, n)
	for i := range res {
		res[i] = out.AtVec(i)
	}
	return res
}

// #endregion linear
