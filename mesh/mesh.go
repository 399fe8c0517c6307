// Package mesh provides the minimal discretization surface consumed by the
// simulation: an orthogonal tensor mesh, a 2D equivalent-source layer grid,
// a roaring-bitmap active-cell set, and the active-node indexer that turns
// mesh topology plus an active set into the prism geometry the sensitivity
// engines evaluate.
package mesh

import (
	"errors"
	"fmt"
)

// ErrEmptyActiveSet is returned when an active-cell selection contains no
// cells.
var ErrEmptyActiveSet = errors.New("mesh: active set selects no cells")

// TensorMesh is an orthogonal 3D mesh defined by an origin and per-axis cell
// widths. Cells are numbered x-fastest, then y, then z; nodes likewise.
type TensorMesh struct {
	origin [3]float64
	hx     []float64
	hy     []float64
	hz     []float64

	// node coordinates per axis, length n+1
	nodesX []float64
	nodesY []float64
	nodesZ []float64
}

// NewTensorMesh builds a tensor mesh from an origin and strictly positive
// cell widths along each axis.
func NewTensorMesh(origin [3]float64, hx, hy, hz []float64) (*TensorMesh, error) {
	if len(hx) == 0 || len(hy) == 0 || len(hz) == 0 {
		return nil, errors.New("mesh: every axis needs at least one cell")
	}

	m := &TensorMesh{origin: origin, hx: hx, hy: hy, hz: hz}

	var err error
	if m.nodesX, err = nodeCoords(origin[0], hx); err != nil {
		return nil, fmt.Errorf("mesh: x widths: %w", err)
	}
	if m.nodesY, err = nodeCoords(origin[1], hy); err != nil {
		return nil, fmt.Errorf("mesh: y widths: %w", err)
	}
	if m.nodesZ, err = nodeCoords(origin[2], hz); err != nil {
		return nil, fmt.Errorf("mesh: z widths: %w", err)
	}

	return m, nil
}

// NewUniformTensorMesh builds a tensor mesh with nx*ny*nz cells of size h.
func NewUniformTensorMesh(origin [3]float64, nx, ny, nz int, h float64) (*TensorMesh, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, errors.New("mesh: cell counts must be positive")
	}
	if h <= 0 {
		return nil, errors.New("mesh: cell size must be positive")
	}

	uniform := func(n int) []float64 {
		ws := make([]float64, n)
		for i := range ws {
			ws[i] = h
		}
		return ws
	}
	return NewTensorMesh(origin, uniform(nx), uniform(ny), uniform(nz))
}

func nodeCoords(origin float64, widths []float64) ([]float64, error) {
	nodes := make([]float64, len(widths)+1)
	nodes[0] = origin
	for i, w := range widths {
		if w <= 0 {
			return nil, fmt.Errorf("width %d is %v, must be positive", i, w)
		}
		nodes[i+1] = nodes[i] + w
	}
	return nodes, nil
}

// Shape returns the cell counts along x, y, z.
func (m *TensorMesh) Shape() (nx, ny, nz int) {
	return len(m.hx), len(m.hy), len(m.hz)
}

// CellCount returns the total number of cells.
func (m *TensorMesh) CellCount() int {
	return len(m.hx) * len(m.hy) * len(m.hz)
}

// NodeCount returns the total number of nodes.
func (m *TensorMesh) NodeCount() int {
	return len(m.nodesX) * len(m.nodesY) * len(m.nodesZ)
}

// cellIJK decomposes a cell index (x-fastest ordering).
func (m *TensorMesh) cellIJK(c int) (i, j, k int) {
	nx, ny, _ := m.Shape()
	i = c % nx
	j = c / nx % ny
	k = c / (nx * ny)
	return
}

// CellBounds returns (x1,x2,y1,y2,z1,z2) of cell c.
func (m *TensorMesh) CellBounds(c int) [6]float64 {
	i, j, k := m.cellIJK(c)
	return [6]float64{
		m.nodesX[i], m.nodesX[i+1],
		m.nodesY[j], m.nodesY[j+1],
		m.nodesZ[k], m.nodesZ[k+1],
	}
}

// CellCenter returns the center of cell c.
func (m *TensorMesh) CellCenter(c int) [3]float64 {
	b := m.CellBounds(c)
	return [3]float64{(b[0] + b[1]) / 2, (b[2] + b[3]) / 2, (b[4] + b[5]) / 2}
}

// nodeID returns the global node index for node (i,j,k), x-fastest.
func (m *TensorMesh) nodeID(i, j, k int) uint32 {
	nnx := len(m.nodesX)
	nny := len(m.nodesY)
	return uint32(i + nnx*(j+nny*k))
}

// nodeCoord returns the coordinates of a global node index.
func (m *TensorMesh) nodeCoord(id uint32) (x, y, z float64) {
	nnx := len(m.nodesX)
	nny := len(m.nodesY)
	n := int(id)
	return m.nodesX[n%nnx], m.nodesY[n/nnx%nny], m.nodesZ[n/(nnx*nny)]
}

// cellNodeIDs returns the 8 global node indices of cell c in corner order
// LLL, ULL, LUL, UUL, LLU, ULU, LUU, UUU (x varies fastest).
func (m *TensorMesh) cellNodeIDs(c int) [8]uint32 {
	i, j, k := m.cellIJK(c)
	var ids [8]uint32
	for n := 0; n < 8; n++ {
		ids[n] = m.nodeID(i+n&1, j+n>>1&1, k+n>>2&1)
	}
	return ids
}
