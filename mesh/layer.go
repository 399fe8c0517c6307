package mesh

import (
	"errors"
	"fmt"
)

// LayerGrid is the 2D-footprint geometry of an equivalent-source layer:
// a tensor grid in the horizontal plane with explicit top and bottom
// elevations per cell. Cells are numbered x-fastest, then y.
type LayerGrid struct {
	origin [2]float64
	hx     []float64
	hy     []float64
	zTop   []float64
	zBot   []float64

	nodesX []float64
	nodesY []float64
}

// NewLayerGrid builds a layer grid. zTop and zBot hold one elevation pair per
// cell and must satisfy zTop > zBot everywhere.
func NewLayerGrid(origin [2]float64, hx, hy []float64, zTop, zBot []float64) (*LayerGrid, error) {
	if len(hx) == 0 || len(hy) == 0 {
		return nil, errors.New("mesh: layer grid needs at least one cell per axis")
	}
	nc := len(hx) * len(hy)
	if len(zTop) != nc || len(zBot) != nc {
		return nil, fmt.Errorf("mesh: layer grid has %d cells, got %d top / %d bottom elevations",
			nc, len(zTop), len(zBot))
	}
	for c := range zTop {
		if zTop[c] <= zBot[c] {
			return nil, fmt.Errorf("mesh: layer cell %d: top %v not above bottom %v", c, zTop[c], zBot[c])
		}
	}

	g := &LayerGrid{origin: origin, hx: hx, hy: hy, zTop: zTop, zBot: zBot}

	var err error
	if g.nodesX, err = nodeCoords(origin[0], hx); err != nil {
		return nil, fmt.Errorf("mesh: layer x widths: %w", err)
	}
	if g.nodesY, err = nodeCoords(origin[1], hy); err != nil {
		return nil, fmt.Errorf("mesh: layer y widths: %w", err)
	}
	return g, nil
}

// NewUniformLayerGrid builds a layer grid whose cells share one elevation pair.
func NewUniformLayerGrid(origin [2]float64, hx, hy []float64, zTop, zBot float64) (*LayerGrid, error) {
	nc := len(hx) * len(hy)
	top := make([]float64, nc)
	bot := make([]float64, nc)
	for c := range top {
		top[c] = zTop
		bot[c] = zBot
	}
	return NewLayerGrid(origin, hx, hy, top, bot)
}

// CellCount returns the number of footprint cells.
func (g *LayerGrid) CellCount() int {
	return len(g.hx) * len(g.hy)
}

// CellBounds returns (x1,x2,y1,y2,z1,z2) of layer cell c.
func (g *LayerGrid) CellBounds(c int) [6]float64 {
	nx := len(g.hx)
	i, j := c%nx, c/nx
	return [6]float64{
		g.nodesX[i], g.nodesX[i+1],
		g.nodesY[j], g.nodesY[j+1],
		g.zBot[c], g.zTop[c],
	}
}

// Domain builds the engine geometry for the active layer cells. Elevations
// vary per cell, so corners are not shared and no deduplication happens:
// every active cell contributes its own 8 nodes.
func (g *LayerGrid) Domain(active *ActiveSet) (*Domain, error) {
	if active == nil {
		return nil, errors.New("mesh: nil active set")
	}
	if active.cellCount != g.CellCount() {
		return nil, fmt.Errorf("mesh: active set built for %d cells, layer grid has %d",
			active.cellCount, g.CellCount())
	}
	nc := active.Count()
	if nc == 0 {
		return nil, ErrEmptyActiveSet
	}

	d := &Domain{
		NodesX:    make([]float64, 0, 8*nc),
		NodesY:    make([]float64, 0, 8*nc),
		NodesZ:    make([]float64, 0, 8*nc),
		CellNodes: make([][8]int32, 0, nc),
		Bounds:    make([][6]float64, 0, nc),
		Cells:     make([]int, 0, nc),
	}

	active.bm.Iterate(func(c uint32) bool {
		b := g.CellBounds(int(c))
		base := int32(len(d.NodesX))

		var local [8]int32
		for n := 0; n < 8; n++ {
			d.NodesX = append(d.NodesX, b[n&1])
			d.NodesY = append(d.NodesY, b[2+n>>1&1])
			d.NodesZ = append(d.NodesZ, b[4+n>>2&1])
			local[n] = base + int32(n)
		}
		d.CellNodes = append(d.CellNodes, local)
		d.Bounds = append(d.Bounds, b)
		d.Cells = append(d.Cells, int(c))
		return true
	})

	return d, nil
}
