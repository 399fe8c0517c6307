package engine

import (
	"context"
	"math"

	"github.com/magsim/magsim/kernel"
)

// Streaming prism-sums the kernels of every active cell on the fly, one
// (receiver, cell) pair at a time. Nothing is precomputed per receiver, so
// the same inner evaluation serves forward, assembly, transpose-apply and
// diagonal accumulation.
type Streaming struct {
	*base
}

// NewStreaming builds a streaming engine.
func NewStreaming(cfg Config) (*Streaming, error) {
	b, err := newBase(cfg)
	if err != nil {
		return nil, err
	}
	return &Streaming{base: b}, nil
}

// cellVals prism-sums every kernel in kerns for one cell as seen from the
// receiver at (rx, ry, rz).
func cellVals(kerns []kernelID, bounds *[6]float64, rx, ry, rz float64, vals *kernelVals) {
	us := [2]float64{bounds[0] - rx, bounds[1] - rx}
	vs := [2]float64{bounds[2] - ry, bounds[3] - ry}
	ws := [2]float64{bounds[4] - rz, bounds[5] - rz}

	for _, k := range kerns {
		vals[k] = 0
	}
	for i := 0; i < 8; i++ {
		u := us[i&1]
		v := vs[i>>1&1]
		w := ws[i>>2&1]
		r := math.Sqrt(u*u + v*v + w*w)
		s := kernel.Signs[i]
		for _, k := range kerns {
			vals[k] += s * kernelFuncs[k](u, v, w, r)
		}
	}
}

func (b *base) countStreamEvals(c chunk, g *groupPlan) {
	b.metrics.AddKernelEvaluations(int64(c.end-c.start) * int64(b.nCells) * int64(len(g.kerns)) * 8)
}

// Forward implements Engine.
func (e *Streaming) Forward(ctx context.Context, model, out []float64) error {
	if err := e.checkForwardDims(model, out); err != nil {
		return err
	}
	for i := range out {
		out[i] = 0
	}

	return e.run(ctx, func(_ int, c chunk) error {
		g := &e.groups[c.group]
		nComp := len(g.plans)
		var vals kernelVals
		for k := c.start; k < c.end; k++ {
			loc := g.recs[k]
			for cell := 0; cell < e.nCells; cell++ {
				cellVals(g.kerns, &e.domain.Bounds[cell], loc[0], loc[1], loc[2], &vals)
				for i := range g.plans {
					row := g.offset + i + nComp*k
					out[row] += invFourPi * e.rowDot(&g.plans[i], &vals, model, cell)
				}
			}
		}
		e.countStreamEvals(c, g)
		return nil
	})
}

// Fill implements Engine.
func (e *Streaming) Fill(ctx context.Context, sink RowSink) error {
	return e.run(ctx, func(_ int, c chunk) error {
		g := &e.groups[c.group]
		nComp := len(g.plans)
		rows := make([][]float64, nComp)
		for i := range rows {
			rows[i] = make([]float64, e.cols)
		}

		var vals kernelVals
		for k := c.start; k < c.end; k++ {
			loc := g.recs[k]
			for cell := 0; cell < e.nCells; cell++ {
				cellVals(g.kerns, &e.domain.Bounds[cell], loc[0], loc[1], loc[2], &vals)
				for i := range g.plans {
					e.writeRow(&g.plans[i], &vals, rows[i], cell)
				}
			}
			for i := range rows {
				sink.SetRow(g.offset+i+nComp*k, rows[i])
			}
		}
		e.countStreamEvals(c, g)
		return nil
	})
}

// ApplyTranspose implements Engine.
func (e *Streaming) ApplyTranspose(ctx context.Context, v, out []float64) error {
	if err := e.checkTransposeDims(v, out); err != nil {
		return err
	}

	parts := make([][]float64, len(e.chunks))
	err := e.run(ctx, func(ci int, c chunk) error {
		acc := make([]float64, e.cols)
		g := &e.groups[c.group]
		nComp := len(g.plans)
		var vals kernelVals
		for k := c.start; k < c.end; k++ {
			loc := g.recs[k]
			for cell := 0; cell < e.nCells; cell++ {
				cellVals(g.kerns, &e.domain.Bounds[cell], loc[0], loc[1], loc[2], &vals)
				for i := range g.plans {
					vr := v[g.offset+i+nComp*k]
					if vr == 0 {
						continue
					}
					e.accumulateTranspose(&g.plans[i], &vals, acc, cell, vr)
				}
			}
		}
		parts[ci] = acc
		e.countStreamEvals(c, g)
		return nil
	})
	if err != nil {
		return err
	}

	for j := range out {
		out[j] = 0
	}
	reduceChunks(out, parts)
	return nil
}

// DiagGtG implements Engine.
func (e *Streaming) DiagGtG(ctx context.Context, weights, out []float64) error {
	if err := e.checkTransposeDims(weights, out); err != nil {
		return err
	}

	parts := make([][]float64, len(e.chunks))
	err := e.run(ctx, func(ci int, c chunk) error {
		acc := make([]float64, e.cols)
		g := &e.groups[c.group]
		nComp := len(g.plans)
		var vals kernelVals
		for k := c.start; k < c.end; k++ {
			loc := g.recs[k]
			for cell := 0; cell < e.nCells; cell++ {
				cellVals(g.kerns, &e.domain.Bounds[cell], loc[0], loc[1], loc[2], &vals)
				for i := range g.plans {
					wr := weights[g.offset+i+nComp*k]
					if wr == 0 {
						continue
					}
					e.accumulateDiag(&g.plans[i], &vals, acc, cell, wr)
				}
			}
		}
		parts[ci] = acc
		e.countStreamEvals(c, g)
		return nil
	})
	if err != nil {
		return err
	}

	for j := range out {
		out[j] = 0
	}
	reduceChunks(out, parts)
	return nil
}
