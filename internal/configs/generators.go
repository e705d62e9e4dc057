package configs

import (
	"fmt"
	"slices"
)

// #region dipole-dipole
// DipoleDipoleOptions controls GenDipoleDipole. Zero StepC, StepV and
// NrVoltageDipoles fall back to 1, 1 and 10; a nil SkipV uses SkipC.
type DipoleDipoleOptions struct {
	SkipC            int
	SkipV            *int
	StepC            int
	StepV            int
	NrVoltageDipoles int
	BeforeCurrent    bool
	StartSkip        int
	// N overrides the manager's electrode count when positive.
	N int
}

// GenDipoleDipole generates dipole-dipole configurations.
func (m *Manager) GenDipoleDipole(opts DipoleDipoleOptions) ([]Quadpole, error) {
	n := opts.N
	if n <= 0 {
		n = m.NrElectrodes
	}
	if n <= 0 {
		return nil, fmt.Errorf("gen dipole-dipole: number of electrodes unknown")
	}
	skipc := opts.SkipC
	skipv := skipc
	if opts.SkipV != nil {
		skipv = *opts.SkipV
	}
	stepc := max(opts.StepC, 1)
	stepv := max(opts.StepV, 1)
	nrVoltage := opts.NrVoltageDipoles
	if nrVoltage <= 0 {
		nrVoltage = 10
	}

	var qs []Quadpole
	add := func(a, b, mm, nn int) {
		qs = append(qs, Quadpole{A: a + 1, B: b + 1, M: mm + 1, N: nn + 1})
	}
	for a := 0; a < n-skipv-skipc-3; a += stepc {
		b := a + skipc + 1
		if opts.BeforeCurrent {
			nr := 0
			for nn := a - opts.StartSkip - 1; nn >= 0; nn -= stepv {
				nr++
				if nr > nrVoltage {
					break
				}
				if mm := nn - skipv - 1; mm >= 0 {
					add(a, b, mm, nn)
				}
			}
		}
		nr := 0
		for mm := b + opts.StartSkip + 1; mm < n-skipv-1; mm += stepv {
			nr++
			if nr > nrVoltage {
				break
			}
			add(a, b, mm, mm+skipv+1)
		}
	}
	m.configs = append(m.configs, qs...)
	return qs, nil
}

// #endregion dipole-dipole

// #region arrays
// GenGradient generates gradient configurations: current dipoles spanning
// skip electrodes, voltage dipoles of vskip inside them.
func (m *Manager) GenGradient(skip, step, vskip, vstep int) []Quadpole {
	step = max(step, 1)
	vstep = max(vstep, 1)
	var qs []Quadpole
	for a := 1; a < m.NrElectrodes-skip; a += step {
		b := a + skip + 1
		for mm := a + 1; mm < b-vskip-1; mm += vstep {
			qs = append(qs, Quadpole{A: a, B: b, M: mm, N: mm + vskip + 1})
		}
	}
	m.configs = append(m.configs, qs...)
	return qs
}

// GenWenner generates Wenner configurations with electrode distance a.
func (m *Manager) GenWenner(a int) []Quadpole {
	var qs []Quadpole
	if a <= 0 {
		return qs
	}
	for i := 1; i <= m.NrElectrodes-3*a; i++ {
		qs = append(qs, Quadpole{A: i, B: i + a, M: i + 2*a, N: i + 3*a})
	}
	m.configs = append(m.configs, qs...)
	return qs
}

// GenSchlumberger generates Schlumberger configurations around the voltage
// dipole (mElec, nElec), widening the current dipole by its spacing.
func (m *Manager) GenSchlumberger(mElec, nElec int) []Quadpole {
	lo, hi := min(mElec, nElec), max(mElec, nElec)
	a := hi - lo
	var qs []Quadpole
	if a == 0 {
		return qs
	}
	steps := min((lo-1)/a, (m.NrElectrodes-hi)/a)
	for i := range steps {
		qs = append(qs, Quadpole{A: lo - (i+1)*a, B: hi + (i+1)*a, M: lo, N: hi})
	}
	m.configs = append(m.configs, qs...)
	return qs
}

// #endregion arrays

// #region exhaustive
// GenAllCurrentDipoles returns every electrode pair once, ascending. The
// result is not stored.
func (m *Manager) GenAllCurrentDipoles() [][2]int {
	var out [][2]int
	for a := 1; a <= m.NrElectrodes; a++ {
		for b := a + 1; b <= m.NrElectrodes; b++ {
			out = append(out, [2]int{a, b})
		}
	}
	return out
}

// GenAllVoltagesForInjections generates every voltage dipole not touching
// each given current dipole. Dipoles are sorted and the result is unique.
func (m *Manager) GenAllVoltagesForInjections(injections [][2]int) []Quadpole {
	var qs []Quadpole
	for _, inj := range injections {
		var free []int
		for e := 1; e <= m.NrElectrodes; e++ {
			if e != inj[0] && e != inj[1] {
				free = append(free, e)
			}
		}
		for _, mm := range free {
			for _, nn := range free {
				if mm == nn {
					continue
				}
				qs = append(qs, Quadpole{A: inj[0], B: inj[1], M: mm, N: nn}.Sorted())
			}
		}
	}
	qs = unique(qs)
	m.configs = append(m.configs, qs...)
	return slices.Clone(qs)
}

// #endregion exhaustive
