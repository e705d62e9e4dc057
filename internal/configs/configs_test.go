package configs

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func q(a, b, m, n int) Quadpole { return Quadpole{A: a, B: b, M: m, N: n} }

func TestAddMeasurements(t *testing.T) {
	m := NewManager(4)
	_, err := m.AddMeasurements([][]float64{{1}})
	require.ErrorIs(t, err, ErrNoConfigs)

	m.AddToConfigs(q(1, 2, 3, 4), q(2, 3, 4, 1), q(1, 4, 2, 3))
	ids, err := m.AddMeasurements([][]float64{{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, ids)

	// three configurations by two sets
	ids, err = m.AddMeasurements([][]float64{{1, 2}, {3, 4}, {5, 6}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ids)
	got, ok := m.Measurement(2)
	require.True(t, ok)
	assert.Equal(t, []float64{2, 4, 6}, got)

	_, err = m.AddMeasurements([][]float64{{1, 2}})
	require.ErrorIs(t, err, ErrMismatch)
}

func TestMetadata(t *testing.T) {
	m := NewManager(4)
	m.SetMetadata(3, "unit", "ohm")
	md := m.Metadata(3)
	md["unit"] = "changed"
	assert.Equal(t, "ohm", m.Metadata(3)["unit"])
	assert.Empty(t, m.Metadata(9))
}

func TestCRModEncoding(t *testing.T) {
	ab, mn := EncodeCRMod(q(1, 2, 30, 4))
	assert.Equal(t, 10002, ab)
	assert.Equal(t, 300004, mn)
	assert.Equal(t, q(1, 2, 30, 4), DecodeCRMod(ab, mn))
}

func TestCRModRoundTrip(t *testing.T) {
	src := NewManager(10)
	src.GenWenner(2)
	ids, err := src.AddMeasurements([][]float64{{10, 20, 30, 40}, {-1, -2, -3, -4}})
	require.NoError(t, err)

	var cfg, volt bytes.Buffer
	require.NoError(t, src.WriteCRModConfig(&cfg))
	require.NoError(t, src.WriteCRModVolt(&volt, ids[0], ids[1]))
	assert.True(t, strings.HasPrefix(cfg.String(), "4\n10003 50007\n"), cfg.String())
	assert.Contains(t, volt.String(), "10003 50007 10.000000 -1.000000\n")

	dst := NewManager(10)
	require.NoError(t, dst.LoadCRModConfig(&cfg))
	magID, phaID, err := dst.LoadCRModVolt(&volt)
	require.NoError(t, err)
	if diff := cmp.Diff(src.Configs(), dst.Configs()); diff != "" {
		t.Fatalf("configs mismatch (-want +got):\n%s", diff)
	}
	mag, _ := dst.Measurement(magID)
	pha, _ := dst.Measurement(phaID)
	assert.Equal(t, []float64{10, 20, 30, 40}, mag)
	assert.Equal(t, []float64{-1, -2, -3, -4}, pha)
}

func TestWriteCRModVoltZeroPhase(t *testing.T) {
	m := NewManager(4)
	m.AddToConfigs(q(1, 2, 3, 4))
	ids, err := m.AddMeasurements([][]float64{{5}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.WriteCRModVolt(&buf, ids[0], -1))
	assert.Equal(t, "1\n10002 30004 5.000000 0.000000\n", buf.String())
}

func TestLoadCRModErrors(t *testing.T) {
	m := NewManager(4)
	err := m.LoadCRModConfig(strings.NewReader("2\n10002 30004\n"))
	require.ErrorIs(t, err, ErrMismatch)

	err = m.LoadCRModConfig(strings.NewReader("x\n"))
	require.Error(t, err)

	m.AddToConfigs(q(1, 2, 3, 4))
	_, _, err = m.LoadCRModVolt(strings.NewReader("1\n10002 40003 1 0\n"))
	require.ErrorIs(t, err, ErrMismatch)

	_, _, err = m.LoadCRModVolt(strings.NewReader("1\n10002 30004\n"))
	require.Error(t, err)

	require.ErrorIs(t, NewManager(4).WriteCRModConfig(&bytes.Buffer{}), ErrNoConfigs)
}

func TestGenDipoleDipole(t *testing.T) {
	m := NewManager(10)
	qs, err := m.GenDipoleDipole(DipoleDipoleOptions{})
	require.NoError(t, err)
	assert.Len(t, qs, 28)
	assert.Equal(t, q(1, 2, 3, 4), qs[0])
	assert.Equal(t, q(1, 2, 9, 10), qs[6])
	assert.Equal(t, q(7, 8, 9, 10), qs[len(qs)-1])
	assert.Equal(t, 28, m.NrOfConfigs())

	limited := NewManager(10)
	qs, err = limited.GenDipoleDipole(DipoleDipoleOptions{NrVoltageDipoles: 2})
	require.NoError(t, err)
	assert.Equal(t, []Quadpole{q(1, 2, 3, 4), q(1, 2, 4, 5)}, qs[:2])
	assert.Equal(t, q(2, 3, 4, 5), qs[2])

	before := NewManager(6)
	skipv := 0
	qs, err = before.GenDipoleDipole(DipoleDipoleOptions{SkipV: &skipv, BeforeCurrent: true})
	require.NoError(t, err)
	assert.Contains(t, qs, q(3, 4, 1, 2))
	for _, c := range qs {
		assert.GreaterOrEqual(t, c.M, 1)
	}

	_, err = NewManager(0).GenDipoleDipole(DipoleDipoleOptions{})
	require.Error(t, err)
}

func TestGenArrays(t *testing.T) {
	m := NewManager(10)

	grad := m.GenGradient(3, 1, 0, 1)
	assert.Len(t, grad, 12)
	assert.Equal(t, []Quadpole{q(1, 5, 2, 3), q(1, 5, 3, 4)}, grad[:2])

	wenner := m.GenWenner(2)
	assert.Equal(t, []Quadpole{q(1, 3, 5, 7), q(2, 4, 6, 8), q(3, 5, 7, 9), q(4, 6, 8, 10)}, wenner)

	schl := m.GenSchlumberger(6, 5)
	assert.Equal(t, []Quadpole{q(4, 7, 5, 6), q(3, 8, 5, 6), q(2, 9, 5, 6), q(1, 10, 5, 6)}, schl)

	assert.Equal(t, 20, m.NrOfConfigs())
}

func TestGenExhaustive(t *testing.T) {
	m := NewManager(4)
	dipoles := m.GenAllCurrentDipoles()
	assert.Equal(t, [][2]int{{1, 2}, {1, 3}, {1, 4}, {2, 3}, {2, 4}, {3, 4}}, dipoles)
	assert.Zero(t, m.NrOfConfigs())

	qs := m.GenAllVoltagesForInjections([][2]int{{2, 1}})
	assert.Equal(t, []Quadpole{q(1, 2, 3, 4)}, qs)
	assert.Equal(t, 1, m.NrOfConfigs())
}

func TestRemoveDuplicates(t *testing.T) {
	m := NewManager(6)
	m.AddToConfigs(q(2, 3, 4, 5), q(1, 2, 3, 4), q(2, 3, 4, 5))
	m.RemoveDuplicates()
	assert.Equal(t, []Quadpole{q(1, 2, 3, 4), q(2, 3, 4, 5)}, m.Configs())
}

func TestSplitNormalReciprocal(t *testing.T) {
	m := NewManager(6)
	m.AddToConfigs(q(1, 2, 3, 4), q(2, 3, 4, 5), q(4, 3, 2, 1), q(5, 6, 1, 2))

	normal, reciprocal := m.SplitNormalReciprocal(false)
	assert.Equal(t, []Quadpole{q(1, 2, 3, 4), q(2, 3, 4, 5)}, normal)
	assert.Equal(t, []Quadpole{q(4, 3, 2, 1), q(5, 6, 1, 2)}, reciprocal)

	normal, reciprocal = m.SplitNormalReciprocal(true)
	assert.Equal(t, []Quadpole{q(1, 2, 3, 4), q(2, 3, 4, 5), {}}, normal)
	assert.Equal(t, []Quadpole{q(4, 3, 2, 1), {}, q(5, 6, 1, 2)}, reciprocal)
}

func TestClassifyAndPseudodepths(t *testing.T) {
	m := NewManager(8)
	m.AddToConfigs(q(1, 2, 3, 4), q(1, 3, 5, 7), q(1, 4, 2, 3), q(1, 2, 2, 3), q(6, 5, 2, 1))

	groups := m.ClassifyDipoleDipole()
	assert.Equal(t, map[int][]int{1: {0, 4}, 2: {1}}, groups)

	pd, err := m.Pseudodepths(1, nil)
	require.NoError(t, err)
	require.Len(t, pd, 3)
	assert.Equal(t, 0, pd[0].Index)
	assert.InDelta(t, 2.5, pd[0].X, 1e-12)
	assert.InDelta(t, -0.585, pd[0].Z, 1e-12)
	assert.Equal(t, 2, pd[1].Spacing)

	pd, err = m.Pseudodepths(0, []float64{0, 2, 4, 6, 8, 10, 12, 14})
	require.NoError(t, err)
	assert.InDelta(t, 3, pd[0].X, 1e-12)

	_, err = m.Pseudodepths(0, []float64{0, 1})
	require.Error(t, err)
}

func TestAddNoise(t *testing.T) {
	m := NewManager(4)
	m.AddToConfigs(q(1, 2, 3, 4), q(2, 3, 4, 1))
	ids, err := m.AddMeasurements([][]float64{{100, -1}})
	require.NoError(t, err)

	same, err := m.AddNoise(ids[0], NoiseOptions{})
	require.NoError(t, err)
	got, _ := m.Measurement(same)
	assert.Equal(t, []float64{100, -1}, got)

	a, err := m.AddNoise(ids[0], NoiseOptions{Relative: 0.05, Seed: 7})
	require.NoError(t, err)
	b, err := m.AddNoise(ids[0], NoiseOptions{Relative: 0.05, Seed: 7})
	require.NoError(t, err)
	va, _ := m.Measurement(a)
	vb, _ := m.Measurement(b)
	assert.Equal(t, va, vb)
	assert.NotEqual(t, 100.0, va[0])

	pos, err := m.AddNoise(ids[0], NoiseOptions{Positive: true})
	require.NoError(t, err)
	vp, _ := m.Measurement(pos)
	assert.Equal(t, 100.0, vp[0])
	assert.True(t, math.IsNaN(vp[1]))

	_, err = m.AddNoise(99, NoiseOptions{})
	require.Error(t, err)
}
