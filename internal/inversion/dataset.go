package inversion

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/danielpatrickdp/crtomo-controller/internal/forward"
)

// ErrNoPhase is returned when a stage needs phase data the dataset lacks.
var ErrNoPhase = errors.New("dataset has no phase data")

// #region dataset
// Dataset is one set of measured transfer resistances.
type Dataset struct {
	Resistance []float64 // |R| in Ω
	Phase      []float64 // mrad; nil for magnitude-only data
}

// NewDataset validates and wraps measured data. phase may be nil.
func NewDataset(resistance, phase []float64) (Dataset, error) {
	if len(resistance) == 0 {
		return Dataset{}, errors.New("dataset is empty")
	}
	if phase != nil && len(phase) != len(resistance) {
		return Dataset{}, fmt.Errorf("dataset has %d resistances and %d phases", len(resistance), len(phase))
	}
	for i, r := range resistance {
		if r == 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return Dataset{}, fmt.Errorf("measurement %d: invalid resistance %g", i+1, r)
		}
	}
	return Dataset{Resistance: resistance, Phase: phase}, nil
}

// Len returns the number of measurements.
func (d Dataset) Len() int {
	return len(d.Resistance)
}

// HasPhase reports whether phases were measured.
func (d Dataset) HasPhase() bool {
	return d.Phase != nil
}

// PhaseVaries reports whether any measured phase is non-zero. A volt.dat
// written without phases carries a column of zeros.
func (d Dataset) PhaseVaries() bool {
	return slices.ContainsFunc(d.Phase, func(v float64) bool { return v != 0 })
}

// DifferenceDataset builds the data of a difference inversion:
// ln|R| - ln|R0| + f(m_prior) and, when both sets carry phases,
// φ - φ0 + f_φ(m_prior). base is the response of the prior model.
func DifferenceDataset(data, ref Dataset, base forward.Response) (Dataset, error) {
	n := data.Len()
	if ref.Len() != n || len(base.Mag) != n {
		return Dataset{}, fmt.Errorf("difference data: %d measurements, reference %d, prior response %d: %w",
			n, ref.Len(), len(base.Mag), forward.ErrDimension)
	}
	lm, lr := data.LogMag(), ref.LogMag()
	out := Dataset{Resistance: make([]float64, n)}
	for i := range lm {
		out.Resistance[i] = math.Exp(lm[i] - lr[i] + base.Mag[i])
	}
	if data.HasPhase() && ref.HasPhase() {
		if len(base.Pha) != n {
			return Dataset{}, fmt.Errorf("difference data: prior phase response %d, data %d: %w", len(base.Pha), n, forward.ErrDimension)
		}
		out.Phase = make([]float64, n)
		for i := range out.Phase {
			out.Phase[i] = data.Phase[i] - ref.Phase[i] + base.Pha[i]
		}
	}
	return NewDataset(out.Resistance, out.Phase)
}

// LogMag returns ln|R| per measurement.
func (d Dataset) LogMag() []float64 {
	out := make([]float64, len(d.Resistance))
	for i, r := range d.Resistance {
		out[i] = math.Log(math.Abs(r))
	}
	return out
}

// Sigmas evaluates the error model. Phase sigmas are only computed (and
// checked) when withPhase is set.
func (d Dataset) Sigmas(e ErrorModel, withPhase bool) (mag, pha []float64, err error) {
	mag = make([]float64, d.Len())
	for i, r := range d.Resistance {
		mag[i] = e.MagSigma(r)
		if !(mag[i] > 0) || math.IsInf(mag[i], 0) {
			return nil, nil, fmt.Errorf("measurement %d: magnitude error %g is not positive", i+1, mag[i])
		}
	}
	if !withPhase {
		return mag, nil, nil
	}
	if !d.HasPhase() {
		return nil, nil, ErrNoPhase
	}
	pha = make([]float64, d.Len())
	for i, r := range d.Resistance {
		pha[i] = e.PhaSigma(r, d.Phase[i])
		if !(pha[i] > 0) || math.IsInf(pha[i], 0) {
			return nil, nil, fmt.Errorf("measurement %d: phase error %g is not positive", i+1, pha[i])
		}
	}
	return mag, pha, nil
}

// #endregion dataset
