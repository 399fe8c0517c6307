package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsim/magsim/linop"
	"github.com/magsim/magsim/mesh"
	"github.com/magsim/magsim/survey"
)

// vertical inducing field, 50000 nT
var vertical = survey.UniformField{Amplitude: 50000, Inclination: 90, Declination: 0}

// inclined inducing field exercising all three b0 components
var inclined = survey.UniformField{Amplitude: 50000, Inclination: 60, Declination: 25}

func newSurvey(t *testing.T, field survey.UniformField, groups ...*survey.ReceiverGroup) *survey.Survey {
	t.Helper()
	s, err := survey.New(&survey.SourceField{Field: field, Groups: groups})
	require.NoError(t, err)
	return s
}

// tensorDomain builds a fully active nx x ny x nz unit-cell mesh with its
// top face at z = 0, centered on the origin laterally.
func tensorDomain(t *testing.T, nx, ny, nz int) *mesh.Domain {
	t.Helper()
	origin := [3]float64{-float64(nx) / 2, -float64(ny) / 2, -float64(nz)}
	m, err := mesh.NewUniformTensorMesh(origin, nx, ny, nz, 1)
	require.NoError(t, err)
	active, err := mesh.AllActive(m.CellCount())
	require.NoError(t, err)
	d, err := m.Domain(active)
	require.NoError(t, err)
	return d
}

// layerDomain builds a 2x1 equivalent-source layer with distinct per-cell
// elevations.
func layerDomain(t *testing.T) *mesh.Domain {
	t.Helper()
	g, err := mesh.NewLayerGrid(
		[2]float64{-1, -0.5},
		[]float64{1, 1}, []float64{1},
		[]float64{-0.5, -0.3}, []float64{-1.5, -1.1},
	)
	require.NoError(t, err)
	active, err := mesh.AllActive(g.CellCount())
	require.NoError(t, err)
	d, err := g.Domain(active)
	require.NoError(t, err)
	return d
}

func fillMatrix(t *testing.T, e Engine) *linop.Dense {
	t.Helper()
	g := linop.NewDense(e.Rows(), e.Cols())
	require.NoError(t, e.Fill(context.Background(), g))
	return g
}

func randVec(rng *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.Float64()*2 - 1
	}
	return v
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

type countMetrics struct {
	n atomic.Int64
}

func (m *countMetrics) AddKernelEvaluations(n int64) { m.n.Add(n) }

func TestForwardDipoleLimit(t *testing.T) {
	// A unit susceptible cube seen from 10 cell widths away behaves like a
	// dipole: bz = -2 chi B0 V / (4 pi R^3), tmi its negative for a
	// vertical field.
	m, err := mesh.NewTensorMesh(
		[3]float64{-0.5, -0.5, -0.5},
		[]float64{1}, []float64{1}, []float64{1},
	)
	require.NoError(t, err)
	active, err := mesh.AllActive(1)
	require.NoError(t, err)
	domain, err := m.Domain(active)
	require.NoError(t, err)

	s := newSurvey(t, vertical, &survey.ReceiverGroup{
		Locations:  [][3]float64{{0, 0, 10}},
		Components: []survey.Component{survey.Bz, survey.TMI},
	})

	e, err := NewStreaming(Config{Survey: s, Domain: domain})
	require.NoError(t, err)

	out := make([]float64, 2)
	require.NoError(t, e.Forward(context.Background(), []float64{0.01}, out))

	want := -2 * 0.01 * 50000 / (4 * math.Pi * 1000)
	assert.InEpsilon(t, want, out[0], 0.01)
	assert.InEpsilon(t, -want, out[1], 0.01)
}

func TestEnginesAgree(t *testing.T) {
	domain := tensorDomain(t, 2, 2, 2)
	comps := []survey.Component{
		survey.Bx, survey.By, survey.Bz, survey.TMI,
		survey.Bxx, survey.Byz, survey.TMIZ,
	}
	s := newSurvey(t, inclined, &survey.ReceiverGroup{
		Locations:  [][3]float64{{0.1, -0.2, 1}, {-0.7, 0.3, 2}, {1.4, 1.1, 0.5}},
		Components: comps,
	})

	for _, vector := range []bool{false, true} {
		name := "Scalar"
		if vector {
			name = "Vector"
		}
		t.Run(name, func(t *testing.T) {
			cfg := Config{Survey: s, Domain: domain, VectorModel: vector}

			ds, err := NewDense(cfg)
			require.NoError(t, err)
			st, err := NewStreaming(cfg)
			require.NoError(t, err)

			gd := fillMatrix(t, ds)
			gs := fillMatrix(t, st)

			rows, cols := gd.Dims()
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					assert.InDelta(t, gd.At(i, j), gs.At(i, j), 1e-12*math.Abs(gd.At(i, j))+1e-18,
						"entry (%d,%d)", i, j)
				}
			}

			rng := rand.New(rand.NewSource(7))
			model := randVec(rng, cols)
			outD := make([]float64, rows)
			outS := make([]float64, rows)
			require.NoError(t, ds.Forward(context.Background(), model, outD))
			require.NoError(t, st.Forward(context.Background(), model, outS))
			for i := range outD {
				assert.InDelta(t, outD[i], outS[i], 1e-12*math.Abs(outD[i])+1e-18)
			}

			// Forward must match the materialized product.
			ref := make([]float64, rows)
			require.NoError(t, gs.MulVec(ref, model))
			for i := range ref {
				assert.InDelta(t, ref[i], outS[i], 1e-9*math.Abs(ref[i])+1e-8)
			}
		})
	}
}

func TestRowLayout(t *testing.T) {
	domain := tensorDomain(t, 2, 1, 1)
	locs := [][3]float64{{0, 0, 1}, {0.5, 0.2, 2}}

	combined := newSurvey(t, inclined, &survey.ReceiverGroup{
		Locations:  locs,
		Components: []survey.Component{survey.Bz, survey.TMI},
	})
	bzOnly := newSurvey(t, inclined, &survey.ReceiverGroup{
		Locations:  locs,
		Components: []survey.Component{survey.Bz},
	})
	tmiOnly := newSurvey(t, inclined, &survey.ReceiverGroup{
		Locations:  locs,
		Components: []survey.Component{survey.TMI},
	})

	build := func(s *survey.Survey) *linop.Dense {
		e, err := NewStreaming(Config{Survey: s, Domain: domain})
		require.NoError(t, err)
		return fillMatrix(t, e)
	}
	g := build(combined)
	gbz := build(bzOnly)
	gtmi := build(tmiOnly)

	row := func(m *linop.Dense, i int) []float64 {
		_, cols := m.Dims()
		return m.Row(make([]float64, cols), i)
	}

	// row = offset + i + n_components*receiver: components interleave.
	assert.Equal(t, row(gbz, 0), row(g, 0))
	assert.Equal(t, row(gtmi, 0), row(g, 1))
	assert.Equal(t, row(gbz, 1), row(g, 2))
	assert.Equal(t, row(gtmi, 1), row(g, 3))

	t.Run("GroupOffsets", func(t *testing.T) {
		two := newSurvey(t, inclined,
			&survey.ReceiverGroup{
				Locations:  locs[:1],
				Components: []survey.Component{survey.Bz},
			},
			&survey.ReceiverGroup{
				Locations:  locs[1:],
				Components: []survey.Component{survey.TMI},
			},
		)
		gt := build(two)
		assert.Equal(t, row(gbz, 0), row(gt, 0))
		assert.Equal(t, row(gtmi, 1), row(gt, 1))
	})
}

func TestAdjointConsistency(t *testing.T) {
	domain := tensorDomain(t, 2, 2, 1)
	s := newSurvey(t, inclined, &survey.ReceiverGroup{
		Locations:  [][3]float64{{0, 0, 1}, {1, -0.5, 1.5}},
		Components: []survey.Component{survey.TMI, survey.Bz, survey.Bxy},
	})

	for _, vector := range []bool{false, true} {
		name := "Scalar"
		if vector {
			name = "Vector"
		}
		t.Run(name, func(t *testing.T) {
			e, err := NewStreaming(Config{Survey: s, Domain: domain, VectorModel: vector})
			require.NoError(t, err)

			rng := rand.New(rand.NewSource(42))
			u := randVec(rng, e.Cols())
			v := randVec(rng, e.Rows())

			gu := make([]float64, e.Rows())
			require.NoError(t, e.Forward(context.Background(), u, gu))
			gtv := make([]float64, e.Cols())
			require.NoError(t, e.ApplyTranspose(context.Background(), v, gtv))

			a, b := dot(gu, v), dot(u, gtv)
			assert.InDelta(t, a, b, 1e-10*(math.Abs(a)+math.Abs(b))+1e-9)
		})
	}
}

func TestDiagMatchesMaterialized(t *testing.T) {
	domain := tensorDomain(t, 2, 1, 2)
	s := newSurvey(t, inclined, &survey.ReceiverGroup{
		Locations:  [][3]float64{{0, 0, 1}, {0.4, 0.1, 2}},
		Components: []survey.Component{survey.TMI, survey.Bxz},
	})

	for _, vector := range []bool{false, true} {
		name := "Scalar"
		if vector {
			name = "Vector"
		}
		t.Run(name, func(t *testing.T) {
			e, err := NewStreaming(Config{Survey: s, Domain: domain, VectorModel: vector})
			require.NoError(t, err)

			rng := rand.New(rand.NewSource(3))
			wsq := make([]float64, e.Rows())
			for i := range wsq {
				wsq[i] = rng.Float64() + 0.1
			}

			got := make([]float64, e.Cols())
			require.NoError(t, e.DiagGtG(context.Background(), wsq, got))

			g := fillMatrix(t, e)
			rows, cols := g.Dims()
			for j := 0; j < cols; j++ {
				var want float64
				for i := 0; i < rows; i++ {
					want += wsq[i] * g.At(i, j) * g.At(i, j)
				}
				assert.InEpsilon(t, want, got[j], 1e-10, "column %d", j)
			}
		})
	}
}

func TestSerialParallelBitwise(t *testing.T) {
	domain := tensorDomain(t, 3, 2, 2)
	s := newSurvey(t, inclined, &survey.ReceiverGroup{
		Locations: [][3]float64{
			{0, 0, 1}, {1, 0.5, 1.2}, {-1, 0.25, 2}, {0.3, -0.8, 1.7}, {2, 1, 0.9},
		},
		Components: []survey.Component{survey.TMI, survey.Bz},
	})

	// One receiver per chunk forces multiple chunks in both runs.
	serialCfg := Config{Survey: s, Domain: domain, ChunkSize: 1}
	parallelCfg := serialCfg
	parallelCfg.Parallel = true
	parallelCfg.Workers = 4

	ser, err := NewStreaming(serialCfg)
	require.NoError(t, err)
	par, err := NewStreaming(parallelCfg)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	model := randVec(rng, ser.Cols())
	v := randVec(rng, ser.Rows())
	wsq := randVec(rng, ser.Rows())
	for i := range wsq {
		wsq[i] = math.Abs(wsq[i])
	}

	t.Run("Forward", func(t *testing.T) {
		a := make([]float64, ser.Rows())
		b := make([]float64, ser.Rows())
		require.NoError(t, ser.Forward(context.Background(), model, a))
		require.NoError(t, par.Forward(context.Background(), model, b))
		assert.Equal(t, a, b)
	})

	t.Run("Fill", func(t *testing.T) {
		ga := fillMatrix(t, ser)
		gb := fillMatrix(t, par)
		rows, cols := ga.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				assert.Equal(t, ga.At(i, j), gb.At(i, j))
			}
		}
	})

	t.Run("ApplyTranspose", func(t *testing.T) {
		a := make([]float64, ser.Cols())
		b := make([]float64, ser.Cols())
		require.NoError(t, ser.ApplyTranspose(context.Background(), v, a))
		require.NoError(t, par.ApplyTranspose(context.Background(), v, b))
		assert.Equal(t, a, b)
	})

	t.Run("DiagGtG", func(t *testing.T) {
		a := make([]float64, ser.Cols())
		b := make([]float64, ser.Cols())
		require.NoError(t, ser.DiagGtG(context.Background(), wsq, a))
		require.NoError(t, par.DiagGtG(context.Background(), wsq, b))
		assert.Equal(t, a, b)
	})
}

func TestComponentsShareKernels(t *testing.T) {
	t.Run("CompiledUnion", func(t *testing.T) {
		// tmi already demands all six second-order kernels, so adding bx
		// must not grow the union.
		_, shared, err := compileGroup(inclined, []survey.Component{survey.Bx, survey.TMI}, false)
		require.NoError(t, err)
		_, tmiOnly, err := compileGroup(inclined, []survey.Component{survey.TMI}, false)
		require.NoError(t, err)
		_, bxOnly, err := compileGroup(inclined, []survey.Component{survey.Bx}, false)
		require.NoError(t, err)

		assert.Len(t, shared, 6)
		assert.Equal(t, tmiOnly, shared)
		assert.Len(t, bxOnly, 3)
	})

	t.Run("EvaluationCount", func(t *testing.T) {
		domain := tensorDomain(t, 2, 2, 2)
		run := func(comps []survey.Component) int64 {
			metrics := &countMetrics{}
			s := newSurvey(t, inclined, &survey.ReceiverGroup{
				Locations:  [][3]float64{{0, 0, 1}, {1, 1, 2}},
				Components: comps,
			})
			e, err := NewStreaming(Config{Survey: s, Domain: domain, Metrics: metrics})
			require.NoError(t, err)
			out := make([]float64, e.Rows())
			require.NoError(t, e.Forward(context.Background(), make([]float64, e.Cols()), out))
			return metrics.n.Load()
		}

		shared := run([]survey.Component{survey.Bx, survey.TMI})
		tmiOnly := run([]survey.Component{survey.TMI})
		bxOnly := run([]survey.Component{survey.Bx})

		// 2 receivers x 8 cells x kernels x 8 corners
		assert.Equal(t, int64(2*8*6*8), shared)
		assert.Equal(t, shared, tmiOnly)
		assert.Equal(t, int64(2*8*3*8), bxOnly)
	})
}

func TestLayerVariant(t *testing.T) {
	domain := layerDomain(t)
	s := newSurvey(t, vertical, &survey.ReceiverGroup{
		Locations:  [][3]float64{{0, 0, 1}, {-0.5, 0.25, 0.8}},
		Components: []survey.Component{survey.TMI, survey.Bz, survey.Bzz},
	})
	cfg := Config{Survey: s, Domain: domain}

	st, err := NewStreaming(cfg)
	require.NoError(t, err)
	ds, err := NewDense(cfg)
	require.NoError(t, err)

	t.Run("EnginesAgree", func(t *testing.T) {
		gs := fillMatrix(t, st)
		gd := fillMatrix(t, ds)
		rows, cols := gs.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				assert.InDelta(t, gd.At(i, j), gs.At(i, j), 1e-12*math.Abs(gd.At(i, j))+1e-18)
			}
		}
	})

	t.Run("AllOperations", func(t *testing.T) {
		rng := rand.New(rand.NewSource(5))
		model := randVec(rng, st.Cols())
		v := randVec(rng, st.Rows())
		wsq := []float64{1, 2, 0.5, 1.5, 3, 0.25}

		gu := make([]float64, st.Rows())
		require.NoError(t, st.Forward(context.Background(), model, gu))
		gtv := make([]float64, st.Cols())
		require.NoError(t, st.ApplyTranspose(context.Background(), v, gtv))
		a, b := dot(gu, v), dot(model, gtv)
		assert.InDelta(t, a, b, 1e-10*(math.Abs(a)+math.Abs(b))+1e-9)

		diag := make([]float64, st.Cols())
		require.NoError(t, st.DiagGtG(context.Background(), wsq, diag))
		g := fillMatrix(t, st)
		for j := 0; j < st.Cols(); j++ {
			var want float64
			for i := 0; i < st.Rows(); i++ {
				want += wsq[i] * g.At(i, j) * g.At(i, j)
			}
			assert.InEpsilon(t, want, diag[j], 1e-10)
		}
	})
}

func TestVectorModelAlignedWithField(t *testing.T) {
	// A vector model aligned with the inducing direction is the same
	// physics as the scalar model.
	domain := tensorDomain(t, 2, 1, 1)
	s := newSurvey(t, inclined, &survey.ReceiverGroup{
		Locations:  [][3]float64{{0, 0, 1}, {0.6, 0.3, 1.4}},
		Components: []survey.Component{survey.TMI, survey.Bx, survey.Byz},
	})

	scalar, err := NewStreaming(Config{Survey: s, Domain: domain})
	require.NoError(t, err)
	vector, err := NewStreaming(Config{Survey: s, Domain: domain, VectorModel: true})
	require.NoError(t, err)

	chi := []float64{0.02, 0.005}
	dir := inclined.Direction()
	n := len(chi)
	aligned := make([]float64, 3*n)
	for a := 0; a < 3; a++ {
		for c := 0; c < n; c++ {
			aligned[a*n+c] = dir[a] * chi[c]
		}
	}

	outS := make([]float64, scalar.Rows())
	require.NoError(t, scalar.Forward(context.Background(), chi, outS))
	outV := make([]float64, vector.Rows())
	require.NoError(t, vector.Forward(context.Background(), aligned, outV))

	for i := range outS {
		assert.InDelta(t, outS[i], outV[i], 1e-9*math.Abs(outS[i])+1e-8)
	}
}

func TestDenseEngineUnsupportedOps(t *testing.T) {
	domain := tensorDomain(t, 1, 1, 1)
	s := newSurvey(t, vertical, &survey.ReceiverGroup{
		Locations:  [][3]float64{{0, 0, 1}},
		Components: []survey.Component{survey.Bz},
	})
	e, err := NewDense(Config{Survey: s, Domain: domain})
	require.NoError(t, err)

	err = e.ApplyTranspose(context.Background(), make([]float64, 1), make([]float64, 1))
	assert.ErrorIs(t, err, ErrTransposeUnsupported)

	err = e.DiagGtG(context.Background(), make([]float64, 1), make([]float64, 1))
	assert.ErrorIs(t, err, ErrDiagUnsupported)
}

func TestDimensionChecks(t *testing.T) {
	domain := tensorDomain(t, 2, 1, 1)
	s := newSurvey(t, vertical, &survey.ReceiverGroup{
		Locations:  [][3]float64{{0, 0, 1}},
		Components: []survey.Component{survey.Bz},
	})
	e, err := NewStreaming(Config{Survey: s, Domain: domain})
	require.NoError(t, err)

	err = e.Forward(context.Background(), make([]float64, 5), make([]float64, 1))
	assert.ErrorIs(t, err, ErrDimension)
	err = e.Forward(context.Background(), make([]float64, 2), make([]float64, 9))
	assert.ErrorIs(t, err, ErrDimension)
	err = e.ApplyTranspose(context.Background(), make([]float64, 9), make([]float64, 2))
	assert.ErrorIs(t, err, ErrDimension)
	err = e.DiagGtG(context.Background(), make([]float64, 1), make([]float64, 9))
	assert.ErrorIs(t, err, ErrDimension)
}

func TestCancellation(t *testing.T) {
	domain := tensorDomain(t, 2, 2, 2)
	s := newSurvey(t, vertical, &survey.ReceiverGroup{
		Locations:  [][3]float64{{0, 0, 1}, {1, 1, 2}},
		Components: []survey.Component{survey.Bz},
	})

	for _, parallel := range []bool{false, true} {
		e, err := NewStreaming(Config{Survey: s, Domain: domain, Parallel: parallel, ChunkSize: 1})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		out := make([]float64, e.Rows())
		err = e.Forward(ctx, make([]float64, e.Cols()), out)
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestProgressReporting(t *testing.T) {
	domain := tensorDomain(t, 1, 1, 1)
	var mu sync.Mutex
	var reports [][2]int
	progress := func(done, total int) {
		mu.Lock()
		reports = append(reports, [2]int{done, total})
		mu.Unlock()
	}

	s := newSurvey(t, vertical, &survey.ReceiverGroup{
		Locations:  [][3]float64{{0, 0, 1}, {1, 0, 1}, {0, 1, 1}},
		Components: []survey.Component{survey.Bz, survey.TMI},
	})
	e, err := NewStreaming(Config{Survey: s, Domain: domain, ChunkSize: 1, Progress: progress})
	require.NoError(t, err)

	out := make([]float64, e.Rows())
	require.NoError(t, e.Forward(context.Background(), make([]float64, e.Cols()), out))

	require.Len(t, reports, 3)
	for _, r := range reports {
		assert.Equal(t, 6, r[1])
	}
	// Serial execution reports cumulative rows in order.
	assert.Equal(t, [2]int{2, 6}, reports[0])
	assert.Equal(t, [2]int{6, 6}, reports[2])
}
