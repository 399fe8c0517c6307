package engine

import (
	"context"
	"math"

	"github.com/magsim/magsim/kernel"
)

// Dense evaluates each kernel once per receiver over the deduplicated node
// set of the active domain and assembles cell values by gathering the eight
// corners. Shared corners between neighboring cells are evaluated once,
// which makes this engine the faster choice for compact active regions, at
// the cost of holding per-node kernel values in memory. It materializes
// rows only: transpose-apply and diagonal accumulation are not supported.
type Dense struct {
	*base
}

// NewDense builds a dense engine.
func NewDense(cfg Config) (*Dense, error) {
	b, err := newBase(cfg)
	if err != nil {
		return nil, err
	}
	return &Dense{base: b}, nil
}

// nodeKernels evaluates every kernel in kerns at every domain node as seen
// from the receiver at loc, writing into the preallocated buffers.
func (e *Dense) nodeKernels(kerns []kernelID, loc [3]float64, buf *[numKernels][]float64) {
	nn := e.domain.NumNodes()
	for n := 0; n < nn; n++ {
		u := e.domain.NodesX[n] - loc[0]
		v := e.domain.NodesY[n] - loc[1]
		w := e.domain.NodesZ[n] - loc[2]
		r := math.Sqrt(u*u + v*v + w*w)
		for _, k := range kerns {
			buf[k][n] = kernelFuncs[k](u, v, w, r)
		}
	}
}

// gatherCell folds the eight corner values of one cell into vals.
func (e *Dense) gatherCell(kerns []kernelID, cell int, buf *[numKernels][]float64, vals *kernelVals) {
	nodes := &e.domain.CellNodes[cell]
	for _, k := range kerns {
		nv := buf[k]
		var s float64
		for j := 0; j < 8; j++ {
			s += kernel.Signs[j] * nv[nodes[j]]
		}
		vals[k] = s
	}
}

func (e *Dense) newNodeBuf(kerns []kernelID) *[numKernels][]float64 {
	var buf [numKernels][]float64
	nn := e.domain.NumNodes()
	for _, k := range kerns {
		buf[k] = make([]float64, nn)
	}
	return &buf
}

func (b *base) countDenseEvals(c chunk, g *groupPlan, nodes int) {
	b.metrics.AddKernelEvaluations(int64(c.end-c.start) * int64(len(g.kerns)) * int64(nodes))
}

// Forward implements Engine.
func (e *Dense) Forward(ctx context.Context, model, out []float64) error {
	if err := e.checkForwardDims(model, out); err != nil {
		return err
	}
	for i := range out {
		out[i] = 0
	}

	return e.run(ctx, func(_ int, c chunk) error {
		g := &e.groups[c.group]
		nComp := len(g.plans)
		buf := e.newNodeBuf(g.kerns)
		var vals kernelVals
		for k := c.start; k < c.end; k++ {
			e.nodeKernels(g.kerns, g.recs[k], buf)
			for cell := 0; cell < e.nCells; cell++ {
				e.gatherCell(g.kerns, cell, buf, &vals)
				for i := range g.plans {
					row := g.offset + i + nComp*k
					out[row] += invFourPi * e.rowDot(&g.plans[i], &vals, model, cell)
				}
			}
		}
		e.countDenseEvals(c, g, e.domain.NumNodes())
		return nil
	})
}

// Fill implements Engine.
func (e *Dense) Fill(ctx context.Context, sink RowSink) error {
	return e.run(ctx, func(_ int, c chunk) error {
		g := &e.groups[c.group]
		nComp := len(g.plans)
		buf := e.newNodeBuf(g.kerns)
		rows := make([][]float64, nComp)
		for i := range rows {
			rows[i] = make([]float64, e.cols)
		}

		var vals kernelVals
		for k := c.start; k < c.end; k++ {
			e.nodeKernels(g.kerns, g.recs[k], buf)
			for cell := 0; cell < e.nCells; cell++ {
				e.gatherCell(g.kerns, cell, buf, &vals)
				for i := range g.plans {
					e.writeRow(&g.plans[i], &vals, rows[i], cell)
				}
			}
			for i := range rows {
				sink.SetRow(g.offset+i+nComp*k, rows[i])
			}
		}
		e.countDenseEvals(c, g, e.domain.NumNodes())
		return nil
	})
}

// ApplyTranspose implements Engine.
func (e *Dense) ApplyTranspose(ctx context.Context, v, out []float64) error {
	if err := e.checkTransposeDims(v, out); err != nil {
		return err
	}
	return ErrTransposeUnsupported
}

// DiagGtG implements Engine.
func (e *Dense) DiagGtG(ctx context.Context, weights, out []float64) error {
	if err := e.checkTransposeDims(weights, out); err != nil {
		return err
	}
	return ErrDiagUnsupported
}
