package mesh

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// ActiveSet is the subset of cells included in the model domain.
// It is immutable after construction.
type ActiveSet struct {
	bm        *roaring.Bitmap
	cellCount int
}

// NewActiveSet selects the given cell indices out of cellCount cells.
// Duplicate indices collapse. An empty selection is an error.
func NewActiveSet(cellCount int, cells []int) (*ActiveSet, error) {
	if len(cells) == 0 {
		return nil, ErrEmptyActiveSet
	}

	bm := roaring.New()
	for _, c := range cells {
		if c < 0 || c >= cellCount {
			return nil, fmt.Errorf("mesh: cell index %d out of range [0,%d)", c, cellCount)
		}
		bm.Add(uint32(c))
	}
	return &ActiveSet{bm: bm, cellCount: cellCount}, nil
}

// NewActiveSetFromMask selects the cells where mask is true.
func NewActiveSetFromMask(mask []bool) (*ActiveSet, error) {
	bm := roaring.New()
	for c, on := range mask {
		if on {
			bm.Add(uint32(c))
		}
	}
	if bm.IsEmpty() {
		return nil, ErrEmptyActiveSet
	}
	return &ActiveSet{bm: bm, cellCount: len(mask)}, nil
}

// AllActive selects every cell.
func AllActive(cellCount int) (*ActiveSet, error) {
	if cellCount <= 0 {
		return nil, ErrEmptyActiveSet
	}
	bm := roaring.New()
	bm.AddRange(0, uint64(cellCount))
	return &ActiveSet{bm: bm, cellCount: cellCount}, nil
}

// Count returns the number of active cells.
func (a *ActiveSet) Count() int {
	return int(a.bm.GetCardinality())
}

// CellCount returns the total cell count the set was built against.
func (a *ActiveSet) CellCount() int {
	return a.cellCount
}

// Contains reports whether cell c is active.
func (a *ActiveSet) Contains(c int) bool {
	return c >= 0 && c < a.cellCount && a.bm.Contains(uint32(c))
}

// Cells returns the active cell indices in ascending order.
func (a *ActiveSet) Cells() []int {
	out := make([]int, 0, a.Count())
	a.bm.Iterate(func(c uint32) bool {
		out = append(out, int(c))
		return true
	})
	return out
}

// Domain is the prism geometry handed to the sensitivity engines: the
// deduplicated corner nodes of every active cell, the per-cell indices into
// that node list, and the per-cell prism bounds. Column ordering of any
// assembled sensitivity matrix follows the Cells ordering.
type Domain struct {
	// Node coordinates, columnar. Shared corners between adjacent active
	// cells are stored once.
	NodesX, NodesY, NodesZ []float64

	// CellNodes[c] are the 8 indices into the node arrays for active cell c,
	// corner order LLL..UUU (x fastest).
	CellNodes [][8]int32

	// Bounds[c] is (x1,x2,y1,y2,z1,z2) of active cell c.
	Bounds [][6]float64

	// Cells are the original mesh cell indices, ascending.
	Cells []int
}

// NumCells returns the number of active cells in the domain.
func (d *Domain) NumCells() int { return len(d.CellNodes) }

// NumNodes returns the number of unique corner nodes.
func (d *Domain) NumNodes() int { return len(d.NodesX) }

// Domain builds the engine geometry for the active cells. Node ordering is
// ascending by global node index, so repeated calls with the same active set
// produce identical domains.
func (m *TensorMesh) Domain(active *ActiveSet) (*Domain, error) {
	if active == nil {
		return nil, errors.New("mesh: nil active set")
	}
	if active.cellCount != m.CellCount() {
		return nil, fmt.Errorf("mesh: active set built for %d cells, mesh has %d",
			active.cellCount, m.CellCount())
	}
	nc := active.Count()
	if nc == 0 {
		return nil, ErrEmptyActiveSet
	}

	// First pass: collect the global node ids touched by active cells.
	nodeSet := roaring.New()
	active.bm.Iterate(func(c uint32) bool {
		for _, id := range m.cellNodeIDs(int(c)) {
			nodeSet.Add(id)
		}
		return true
	})

	nn := int(nodeSet.GetCardinality())
	d := &Domain{
		NodesX:    make([]float64, nn),
		NodesY:    make([]float64, nn),
		NodesZ:    make([]float64, nn),
		CellNodes: make([][8]int32, 0, nc),
		Bounds:    make([][6]float64, 0, nc),
		Cells:     make([]int, 0, nc),
	}

	i := 0
	nodeSet.Iterate(func(id uint32) bool {
		d.NodesX[i], d.NodesY[i], d.NodesZ[i] = m.nodeCoord(id)
		i++
		return true
	})

	// Second pass: resolve each cell corner to its rank in the node set.
	active.bm.Iterate(func(c uint32) bool {
		var local [8]int32
		for k, id := range m.cellNodeIDs(int(c)) {
			local[k] = int32(nodeSet.Rank(id) - 1)
		}
		d.CellNodes = append(d.CellNodes, local)
		d.Bounds = append(d.Bounds, m.CellBounds(int(c)))
		d.Cells = append(d.Cells, int(c))
		return true
	})

	return d, nil
}
