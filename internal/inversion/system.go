package inversion

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/crtomo-controller/internal/forward"
	"github.com/danielpatrickdp/crtomo-controller/internal/mesh"
	"github.com/danielpatrickdp/crtomo-controller/internal/state"
	"github.com/danielpatrickdp/crtomo-controller/internal/update"
	"gonum.org/v1/gonum/mat"
)

// #region problem
// problem holds the stage-specific view of the data.
type problem struct {
	stage  state.Stage
	data   []float64 // observed, stacked for the complex stage
	sigma  []float64
	nMag   int // leading rows that belong to magnitude
	nPha   int // trailing rows that belong to phase
	reg    update.Regularizer
	ref    []float64
	robust []float64 // IRLS factor on W², one per row

	// the half of the data a dc or fpi stage does not invert, kept for
	// reporting its fit
	aux      []float64
	auxSigma []float64
	auxPha   bool
}

func newProblem(stage state.Stage, data Dataset, magSig, phaSig []float64, grid mesh.Grid, ref []float64) *problem {
	p := &problem{stage: stage, ref: ref}
	switch stage {
	case state.StageDC:
		p.data = data.LogMag()
		p.sigma = magSig
		p.nMag = data.Len()
		p.reg = grid
		if data.HasPhase() && phaSig != nil {
			p.aux, p.auxSigma, p.auxPha = data.Phase, phaSig, true
		}
	case state.StageFPI:
		p.data = append([]float64(nil), data.Phase...)
		p.sigma = phaSig
		p.nPha = data.Len()
		p.reg = grid
		p.aux, p.auxSigma = data.LogMag(), magSig
	default:
		p.data = append(data.LogMag(), data.Phase...)
		p.sigma = append(append([]float64(nil), magSig...), phaSig...)
		p.nMag = data.Len()
		p.nPha = data.Len()
		p.reg = mesh.Stacked(grid, grid)
	}
	p.robust = make([]float64, len(p.data))
	for i := range p.robust {
		p.robust[i] = 1
	}
	return p
}

// modeled arranges an oracle response like p.data.
func (p *problem) modeled(resp forward.Response) ([]float64, error) {
	var out []float64
	switch p.stage {
	case state.StageDC:
		out = resp.Mag
	case state.StageFPI:
		out = resp.Pha
	default:
		if len(resp.Pha) != len(resp.Mag) {
			return nil, fmt.Errorf("response has %d magnitudes and %d phases: %w", len(resp.Mag), len(resp.Pha), forward.ErrDimension)
		}
		out = append(append([]float64(nil), resp.Mag...), resp.Pha...)
	}
	if len(out) != len(p.data) {
		return nil, fmt.Errorf("response has %d values, data %d: %w", len(out), len(p.data), forward.ErrDimension)
	}
	return out, nil
}

// reportsMag reports whether misfits of this stage carry a magnitude RMS.
func (p *problem) reportsMag() bool {
	return p.nMag > 0 || (p.aux != nil && !p.auxPha)
}

// reportsPha reports whether misfits of this stage carry a phase RMS.
func (p *problem) reportsPha() bool {
	return p.nPha > 0 || (p.aux != nil && p.auxPha)
}

// #endregion problem

// #region misfit
// misfit computes the fit of a model from its response. The returned slice
// holds the normalised residuals (d - f) / sigma.
func (p *problem) misfit(model state.ModelRecord, resp forward.Response) (state.Misfit, []float64, error) {
	f, err := p.modeled(resp)
	if err != nil {
		return state.Misfit{}, nil, err
	}
	e := make([]float64, len(f))
	for i := range f {
		e[i] = (p.data[i] - f[i]) / p.sigma[i]
	}

	fit := state.Misfit{Roughness: update.Roughness(p.reg, model.Params(p.stage), p.ref)}
	magE, phaE := e[:p.nMag], e[len(e)-p.nPha:]
	fit.MagRMS = rms(magE)
	fit.PhaRMS = rms(phaE)
	fit.DataRMS = rms(e)
	fit.NrDownweighted = p.downweighted()

	if p.aux != nil {
		other := resp.Mag
		if p.auxPha {
			other = resp.Pha
		}
		if len(other) != len(p.aux) {
			return state.Misfit{}, nil, fmt.Errorf("response has %d values, data %d: %w", len(other), len(p.aux), forward.ErrDimension)
		}
		ae := make([]float64, len(other))
		for i := range other {
			ae[i] = (p.aux[i] - other[i]) / p.auxSigma[i]
		}
		if p.auxPha {
			fit.PhaRMS = rms(ae)
		} else {
			fit.MagRMS = rms(ae)
		}
	}
	return fit, e, nil
}

func (p *problem) downweighted() int {
	n := 0
	for _, w := range p.robust {
		if w < 1 {
			n++
		}
	}
	return n
}

// reweight applies IRLS: rows with |e| > 1 get 1/|e| on W².
func (p *problem) reweight(e []float64) {
	for i, v := range e {
		a := math.Abs(v)
		if a > 1 {
			p.robust[i] = 1 / a
		} else {
			p.robust[i] = 1
		}
	}
}

func rms(e []float64) float64 {
	if len(e) == 0 {
		return 0
	}
	var s float64
	for _, v := range e {
		s += v * v
	}
	return math.Sqrt(s / float64(len(e)))
}

// #endregion misfit

// #region system
// system linearises the problem around model.
func (p *problem) system(sens forward.Sensitivity, resp forward.Response) (update.System, error) {
	f, err := p.modeled(resp)
	if err != nil {
		return update.System{}, err
	}

	var j *mat.Dense
	switch p.stage {
	case state.StageDC:
		j = sens.Mag
	case state.StageFPI:
		if sens.Pha == nil {
			return update.System{}, fmt.Errorf("oracle returned no phase sensitivity: %w", ErrNoPhase)
		}
		j = sens.Pha
	default:
		if sens.Pha == nil {
			return update.System{}, fmt.Errorf("oracle returned no phase sensitivity: %w", ErrNoPhase)
		}
		j = blockDiag(sens.Mag, sens.Pha)
	}
	if j == nil {
		return update.System{}, fmt.Errorf("oracle returned no sensitivity: %w", forward.ErrDimension)
	}

	residual := make([]float64, len(f))
	weights := make([]float64, len(f))
	for i := range f {
		residual[i] = p.data[i] - f[i]
		weights[i] = math.Sqrt(p.robust[i]) / p.sigma[i]
	}
	return update.System{
		Stage:     p.stage,
		J:         j,
		Weights:   weights,
		Residual:  residual,
		Reg:       p.reg,
		Reference: p.ref,
	}, nil
}

func blockDiag(a, b *mat.Dense) *mat.Dense {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	out := mat.NewDense(ra+rb, ca+cb, nil)
	out.Slice(0, ra, 0, ca).(*mat.Dense).Copy(a)
	out.Slice(ra, ra+rb, ca, ca+cb).(*mat.Dense).Copy(b)
	return out
}

// #endregion system
