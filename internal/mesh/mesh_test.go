package mesh

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGridValidation(t *testing.T) {
	_, err := NewGrid(0, 3, 1, 1)
	assert.Error(t, err)
	_, err = NewGrid(2, 2, -1, 1)
	assert.Error(t, err)
	g, err := NewGrid(4, 3, 1, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 12, g.Len())
}

func TestNeighbors(t *testing.T) {
	g := Grid{NX: 3, NZ: 2, SmoothX: 1, SmoothZ: 1}
	assert.ElementsMatch(t, []int{1, 3}, g.Neighbors(0))
	assert.ElementsMatch(t, []int{0, 2, 4}, g.Neighbors(1))
	assert.ElementsMatch(t, []int{2, 4}, g.Neighbors(5))
}

func TestConstantInNullSpace(t *testing.T) {
	g := Grid{NX: 4, NZ: 3, SmoothX: 2, SmoothZ: 0.5}
	src := make([]float64, g.Len())
	for i := range src {
		src[i] = 4.6
	}
	dst := make([]float64, g.Len())
	g.MulVec(dst, src)
	for i, v := range dst {
		assert.InDelta(t, 0, v, 1e-12, "cell %d", i)
	}
}

func TestRoughnessOfStep(t *testing.T) {
	// Two cells in a row, values 0 and 1: roughness mᵀRm = SmoothX.
	g := Grid{NX: 2, NZ: 1, SmoothX: 3, SmoothZ: 1}
	m := []float64{0, 1}
	rm := make([]float64, 2)
	g.MulVec(rm, m)
	assert.Equal(t, []float64{-3, 3}, rm)
	assert.Equal(t, 3.0, m[0]*rm[0]+m[1]*rm[1])
}

func TestSymmetric(t *testing.T) {
	g := Grid{NX: 3, NZ: 3, SmoothX: 1.5, SmoothZ: 0.7}
	n := g.Len()
	col := func(j int) []float64 {
		e := make([]float64, n)
		e[j] = 1
		out := make([]float64, n)
		g.MulVec(out, e)
		return out
	}
	for i := 0; i < n; i++ {
		ci := col(i)
		for j := 0; j < n; j++ {
			cj := col(j)
			if math.Abs(ci[j]-cj[i]) > 1e-12 {
				t.Fatalf("R not symmetric at (%d,%d)", i, j)
			}
		}
	}
}

func TestStacked(t *testing.T) {
	a := Grid{NX: 2, NZ: 1, SmoothX: 1, SmoothZ: 1}
	b := Grid{NX: 2, NZ: 1, SmoothX: 10, SmoothZ: 1}
	s := Stacked(a, b)
	require.Equal(t, 4, s.Len())

	dst := make([]float64, 4)
	s.MulVec(dst, []float64{0, 1, 0, 1})
	assert.Equal(t, []float64{-1, 1, -10, 10}, dst)
}
