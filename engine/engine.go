// Package engine evaluates the magnetic integral equation over the active
// cells of a discretized model. Two implementations share one prism-kernel
// vocabulary: Dense evaluates kernels on the deduplicated node set of the
// active domain and assembles cell values by corner gathering, while
// Streaming evaluates the eight corners of every cell on the fly and so
// also supports matrix-free adjoint and diagonal accumulation. Both run the
// same receiver-chunked execution plan serially or in parallel with
// bit-identical results.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/magsim/magsim/mesh"
	"github.com/magsim/magsim/survey"
)

// Default number of receivers per execution chunk. Chunk boundaries are a
// pure function of the survey, never of the worker count, so serial and
// parallel runs reduce partial results in the same order.
const defaultChunkSize = 64

var (
	// ErrTransposeUnsupported is returned by engines that cannot apply the
	// transpose without materializing the matrix.
	ErrTransposeUnsupported = errors.New("engine: transpose apply not supported by this engine")

	// ErrDiagUnsupported is returned by engines that cannot accumulate the
	// diagonal of GᵀG without materializing the matrix.
	ErrDiagUnsupported = errors.New("engine: diagonal accumulation not supported by this engine")

	// ErrDimension reports an input or output vector of the wrong length.
	ErrDimension = errors.New("engine: dimension mismatch")
)

// Metrics receives kernel-evaluation counts. Implementations must be safe
// for concurrent use.
type Metrics interface {
	AddKernelEvaluations(n int64)
}

type noopMetrics struct{}

func (noopMetrics) AddKernelEvaluations(int64) {}

// Progress is called after each completed chunk with the cumulative number
// of assembled rows. It may be called from multiple goroutines.
type Progress func(done, total int)

// RowSink receives assembled sensitivity rows. Distinct rows may be set
// concurrently.
type RowSink interface {
	SetRow(i int, row []float64)
}

// Engine computes the four integral-equation operations. Entry points honor
// context cancellation between chunks and never publish partial results on
// error.
type Engine interface {
	// Rows returns the number of data rows.
	Rows() int

	// Cols returns the number of model columns.
	Cols() int

	// Forward computes predicted data for model into out.
	Forward(ctx context.Context, model, out []float64) error

	// Fill assembles the sensitivity matrix row by row into sink.
	Fill(ctx context.Context, sink RowSink) error

	// ApplyTranspose accumulates Gᵀ·v into out without materializing G.
	ApplyTranspose(ctx context.Context, v, out []float64) error

	// DiagGtG accumulates the diagonal of GᵀWᵀWG into out without
	// materializing G. weights is the squared diagonal of W.
	DiagGtG(ctx context.Context, weights, out []float64) error
}

// Config assembles an engine over one survey and one active domain.
type Config struct {
	// Survey supplies the inducing field and the ordered receiver groups.
	Survey *survey.Survey

	// Domain is the active-cell geometry produced by mesh.TensorMesh.Domain
	// or mesh.LayerGrid.Domain.
	Domain *mesh.Domain

	// VectorModel selects three model columns per cell (effective
	// susceptibility per axis) instead of one.
	VectorModel bool

	// Parallel runs chunks concurrently.
	Parallel bool

	// Workers bounds chunk concurrency. Defaults to runtime.GOMAXPROCS(0).
	Workers int

	// ChunkSize is the number of receivers per chunk. Defaults to 64.
	ChunkSize int

	// Metrics receives kernel-evaluation counts. Optional.
	Metrics Metrics

	// Progress is invoked after each completed chunk. Optional.
	Progress Progress
}

// base carries the compiled execution plan shared by both engines.
type base struct {
	domain    *mesh.Domain
	vector    bool
	parallel  bool
	workers   int
	chunkSize int
	metrics   Metrics
	progress  Progress

	groups []groupPlan
	chunks []chunk
	rows   int
	cols   int
	nCells int
}

// groupPlan is one receiver group with its compiled per-component row plans.
type groupPlan struct {
	offset int
	recs   [][3]float64
	plans  []rowPlan
	kerns  []kernelID
}

func newBase(cfg Config) (*base, error) {
	if cfg.Survey == nil {
		return nil, errors.New("engine: nil survey")
	}
	if cfg.Domain == nil || cfg.Domain.NumCells() == 0 {
		return nil, errors.New("engine: empty active domain")
	}

	b := &base{
		domain:    cfg.Domain,
		vector:    cfg.VectorModel,
		parallel:  cfg.Parallel,
		workers:   cfg.Workers,
		chunkSize: cfg.ChunkSize,
		metrics:   cfg.Metrics,
		progress:  cfg.Progress,
		nCells:    cfg.Domain.NumCells(),
	}
	if b.workers <= 0 {
		b.workers = runtime.GOMAXPROCS(0)
	}
	if b.chunkSize <= 0 {
		b.chunkSize = defaultChunkSize
	}
	if b.metrics == nil {
		b.metrics = noopMetrics{}
	}

	b.cols = b.nCells
	if b.vector {
		b.cols = 3 * b.nCells
	}

	field := cfg.Survey.Field()
	offset := 0
	for _, g := range cfg.Survey.Groups() {
		plans, kerns, err := compileGroup(field, g.Components, b.vector)
		if err != nil {
			return nil, err
		}
		b.groups = append(b.groups, groupPlan{
			offset: offset,
			recs:   g.Locations,
			plans:  plans,
			kerns:  kerns,
		})
		offset += g.NumData()
	}
	b.rows = offset
	b.chunks = makeChunks(b.groups, b.chunkSize)

	return b, nil
}

// Rows implements Engine.
func (b *base) Rows() int { return b.rows }

// Cols implements Engine.
func (b *base) Cols() int { return b.cols }

func (b *base) checkForwardDims(model, out []float64) error {
	if len(model) != b.cols {
		return fmt.Errorf("%w: model length %d, want %d", ErrDimension, len(model), b.cols)
	}
	if len(out) != b.rows {
		return fmt.Errorf("%w: output length %d, want %d", ErrDimension, len(out), b.rows)
	}
	return nil
}

func (b *base) checkTransposeDims(v, out []float64) error {
	if len(v) != b.rows {
		return fmt.Errorf("%w: vector length %d, want %d", ErrDimension, len(v), b.rows)
	}
	if len(out) != b.cols {
		return fmt.Errorf("%w: output length %d, want %d", ErrDimension, len(out), b.cols)
	}
	return nil
}

// rowDot contracts one row plan against the model for a single cell column.
func (b *base) rowDot(p *rowPlan, vals *kernelVals, model []float64, c int) float64 {
	if !b.vector {
		return p.value(vals) * model[c]
	}
	n := b.nCells
	return p.axisValue(0, vals)*model[c] +
		p.axisValue(1, vals)*model[n+c] +
		p.axisValue(2, vals)*model[2*n+c]
}

// writeRow stores one assembled cell value into the row buffer at the
// columns owned by cell c.
func (b *base) writeRow(p *rowPlan, vals *kernelVals, row []float64, c int) {
	if !b.vector {
		row[c] = invFourPi * p.value(vals)
		return
	}
	n := b.nCells
	row[c] = invFourPi * p.axisValue(0, vals)
	row[n+c] = invFourPi * p.axisValue(1, vals)
	row[2*n+c] = invFourPi * p.axisValue(2, vals)
}

// accumulateTranspose adds v[row]·G[row, cols(c)] into acc.
func (b *base) accumulateTranspose(p *rowPlan, vals *kernelVals, acc []float64, c int, vr float64) {
	if !b.vector {
		acc[c] += invFourPi * p.value(vals) * vr
		return
	}
	n := b.nCells
	acc[c] += invFourPi * p.axisValue(0, vals) * vr
	acc[n+c] += invFourPi * p.axisValue(1, vals) * vr
	acc[2*n+c] += invFourPi * p.axisValue(2, vals) * vr
}

// accumulateDiag adds w[row]·G[row, cols(c)]² into acc.
func (b *base) accumulateDiag(p *rowPlan, vals *kernelVals, acc []float64, c int, wr float64) {
	if !b.vector {
		g := invFourPi * p.value(vals)
		acc[c] += wr * g * g
		return
	}
	n := b.nCells
	gx := invFourPi * p.axisValue(0, vals)
	gy := invFourPi * p.axisValue(1, vals)
	gz := invFourPi * p.axisValue(2, vals)
	acc[c] += wr * gx * gx
	acc[n+c] += wr * gy * gy
	acc[2*n+c] += wr * gz * gz
}
