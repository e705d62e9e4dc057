package mesh

import "fmt"

// #region grid
// Grid is a regular NX×NZ cell layout with first-difference smoothness.
// Cell (ix, iz) has index iz*NX + ix.
type Grid struct {
	NX      int
	NZ      int
	SmoothX float64
	SmoothZ float64
}

// NewGrid validates the dimensions and smoothing weights.
func NewGrid(nx, nz int, smoothX, smoothZ float64) (Grid, error) {
	if nx <= 0 || nz <= 0 {
		return Grid{}, fmt.Errorf("grid %dx%d: dimensions must be positive", nx, nz)
	}
	if smoothX < 0 || smoothZ < 0 {
		return Grid{}, fmt.Errorf("grid smoothing (%g, %g) must not be negative", smoothX, smoothZ)
	}
	return Grid{NX: nx, NZ: nz, SmoothX: smoothX, SmoothZ: smoothZ}, nil
}

// Len returns the number of cells.
func (g Grid) Len() int {
	return g.NX * g.NZ
}

// Index maps cell coordinates to a parameter index.
func (g Grid) Index(ix, iz int) int {
	return iz*g.NX + ix
}

// Neighbors returns the indices of the horizontal and vertical neighbours of cell i.
func (g Grid) Neighbors(i int) []int {
	ix, iz := i%g.NX, i/g.NX
	var out []int
	if ix > 0 {
		out = append(out, i-1)
	}
	if ix < g.NX-1 {
		out = append(out, i+1)
	}
	if iz > 0 {
		out = append(out, i-g.NX)
	}
	if iz < g.NZ-1 {
		out = append(out, i+g.NX)
	}
	return out
}

// MulVec writes R·src into dst. R sums w·(e_i-e_j)(e_i-e_j)ᵀ over all
// adjacent pairs, so constant vectors map to zero.
func (g Grid) MulVec(dst, src []float64) {
	for i := range dst {
		dst[i] = 0
	}
	for iz := 0; iz < g.NZ; iz++ {
		for ix := 0; ix < g.NX; ix++ {
			i := g.Index(ix, iz)
			if ix+1 < g.NX {
				addPair(dst, src, i, i+1, g.SmoothX)
			}
			if iz+1 < g.NZ {
				addPair(dst, src, i, i+g.NX, g.SmoothZ)
			}
		}
	}
}

func addPair(dst, src []float64, i, j int, w float64) {
	d := w * (src[i] - src[j])
	dst[i] += d
	dst[j] -= d
}

// #endregion grid

// #region stacked
// Operator is the regularization contract shared with the update solver.
type Operator interface {
	Len() int
	MulVec(dst, src []float64)
}

// Block is a block-diagonal composition of operators.
type Block struct {
	ops []Operator
	n   int
}

// Stacked composes ops block-diagonally, used for the joint magnitude and
// phase parameter vector.
func Stacked(ops ...Operator) *Block {
	b := &Block{ops: ops}
	for _, op := range ops {
		b.n += op.Len()
	}
	return b
}

// Len returns the total parameter count.
func (b *Block) Len() int {
	return b.n
}

// MulVec applies every block to its slice of src.
func (b *Block) MulVec(dst, src []float64) {
	off := 0
	for _, op := range b.ops {
		n := op.Len()
		op.MulVec(dst[off:off+n], src[off:off+n])
		off += n
	}
}

// #endregion stacked
