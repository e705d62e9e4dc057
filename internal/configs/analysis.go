package configs

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/stat/distuv"
)

// #region normal-reciprocal
// SplitNormalReciprocal splits the stored configurations. A configuration is
// normal when the smallest current electrode is below the smallest voltage
// electrode; its reciprocal has the dipoles swapped. With pad, both slices
// line up and missing partners are zero quadpoles.
func (m *Manager) SplitNormalReciprocal(pad bool) (normal, reciprocal []Quadpole) {
	sorted := make([]Quadpole, len(m.configs))
	for i, q := range m.configs {
		sorted[i] = q.Sorted()
	}
	used := make([]bool, len(m.configs))
	for i, s := range sorted {
		if s.A >= s.M {
			continue
		}
		used[i] = true
		normal = append(normal, m.configs[i])
		found := false
		for j, r := range sorted {
			if r.A != s.M || r.B != s.N || r.M != s.A || r.N != s.B {
				continue
			}
			if !found {
				reciprocal = append(reciprocal, m.configs[j])
				found = true
			}
			used[j] = true
		}
		if !found && pad {
			reciprocal = append(reciprocal, Quadpole{})
		}
	}
	for i, u := range used {
		if u {
			continue
		}
		if pad {
			normal = append(normal, Quadpole{})
		}
		reciprocal = append(reciprocal, m.configs[i])
	}
	return normal, reciprocal
}

// #endregion normal-reciprocal

// #region dipole-dipole-analysis
// ClassifyDipoleDipole groups the indices of dipole-dipole configurations
// by dipole spacing. Both dipoles must have the same spacing and lie side by
// side without sharing or enclosing electrodes.
func (m *Manager) ClassifyDipoleDipole() map[int][]int {
	groups := make(map[int][]int)
	for i, q := range m.configs {
		s := q.Sorted()
		spacing := s.B - s.A
		if spacing == 0 || s.N-s.M != spacing {
			continue
		}
		if s.B < s.M || s.N < s.A {
			groups[spacing] = append(groups[spacing], i)
		}
	}
	return groups
}

// Pseudodepth is the plotting position of one configuration.
type Pseudodepth struct {
	Index   int
	Spacing int
	X, Z    float64
}

// Pseudodepths returns dipole-dipole pseudo-depths ordered by configuration
// index. Electrode e sits at positions[e-1], or at (e-1)·spacing+1 when
// positions is nil.
func (m *Manager) Pseudodepths(spacing float64, positions []float64) ([]Pseudodepth, error) {
	var out []Pseudodepth
	for dipole, idx := range m.ClassifyDipoleDipole() {
		for _, i := range idx {
			var xs [4]float64
			for k, e := range m.configs[i].Electrodes() {
				switch {
				case positions == nil:
					xs[k] = float64(e-1)*spacing + 1
				case e < 1 || e > len(positions):
					return nil, fmt.Errorf("pseudodepths: electrode %d has no position", e)
				default:
					xs[k] = positions[e-1]
				}
			}
			lo, hi := slices.Min(xs[:]), slices.Max(xs[:])
			out = append(out, Pseudodepth{
				Index:   i,
				Spacing: dipole,
				X:       (xs[0] + xs[1] + xs[2] + xs[3]) / 4,
				Z:       -0.195 * math.Abs(hi-lo),
			})
		}
	}
	slices.SortFunc(out, func(a, b Pseudodepth) int { return a.Index - b.Index })
	return out, nil
}

// #endregion dipole-dipole-analysis

// #region noise
// NoiseOptions controls AddNoise.
type NoiseOptions struct {
	Relative float64
	Absolute float64
	Seed     uint64
	// Positive turns negative noisy values into NaN.
	Positive bool
}

// AddNoise stores a copy of data set id with Gaussian noise of standard
// deviation Relative·|v| + Absolute and returns the new id.
func (m *Manager) AddNoise(id int, opts NoiseOptions) (int, error) {
	values, ok := m.measurements[id]
	if !ok {
		return 0, fmt.Errorf("add noise: unknown measurement %d", id)
	}
	unit := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(opts.Seed, opts.Seed)}
	noisy := make([]float64, len(values))
	for i, v := range values {
		noisy[i] = v + (opts.Relative*math.Abs(v)+opts.Absolute)*unit.Rand()
		if opts.Positive && noisy[i] < 0 {
			noisy[i] = math.NaN()
		}
	}
	return m.addMeasurement(noisy)
}

// #endregion noise
