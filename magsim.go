package magsim

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/floats"

	"github.com/magsim/magsim/engine"
	"github.com/magsim/magsim/linop"
	"github.com/magsim/magsim/mapping"
	"github.com/magsim/magsim/mesh"
	"github.com/magsim/magsim/resource"
	"github.com/magsim/magsim/survey"
)

// gMode is how the sensitivity operator is represented.
type gMode uint8

const (
	gMaterialize gMode = iota
	gMatrixFree
)

// diagMode is how the Gauss-Newton diagonal is accumulated.
type diagMode uint8

const (
	diagRows diagMode = iota
	diagAmplitudeRows
	diagStream
	diagUnsupported
)

// Simulation is a magnetic forward simulation over one survey and one
// active-cell domain. It predicts data for susceptibility models, exposes
// the sensitivity matrix and Jacobian products, and accumulates the
// Gauss-Newton diagonal used for preconditioning.
//
// The engine, storage mode, model parameterization and data type are fixed
// at construction. Combinations that cannot support an operation return an
// UnsupportedConfigError from that operation; construction itself only
// fails on invalid inputs.
//
// A Simulation is safe for concurrent use. Operations serialize, so a slow
// assembly blocks concurrent calls rather than duplicating work.
type Simulation struct {
	survey *survey.Survey
	domain *mesh.Domain
	eng    engine.Engine
	chiMap mapping.Mapping

	engineKind EngineKind
	storage    Storage
	path       string
	modelType  ModelType
	dtype      linop.Dtype
	amplitude  bool

	rows int // engine data rows
	cols int // engine model columns
	nD   int // observed data count, rows/3 for amplitude data

	gMode       gMode
	assembleErr error
	diagMode    diagMode
	diagErr     error

	controller *resource.Controller
	metrics    MetricsCollector
	logger     *Logger

	mu          sync.Mutex
	closed      bool
	model       []float64
	chi         []float64
	g           linop.Operator
	gBytes      int64
	gMapped     *linop.Mapped
	ampDeriv    []float64
	gtgDiag     []float64
	wDigest     [sha256.Size]byte
	haveDiag    bool
	fingerprint string
}

// New builds a Simulation of srv over the active domain dom.
//
// The zero-option configuration uses the dense engine, in-memory float32
// sensitivity storage, a scalar model and the identity mapping.
func New(srv *survey.Survey, dom *mesh.Domain, optFns ...Option) (*Simulation, error) {
	if srv == nil {
		return nil, ErrNoSurvey
	}
	if dom == nil {
		return nil, ErrNoMesh
	}
	if dom.NumCells() == 0 {
		return nil, ErrEmptyActiveSet
	}

	o := applyOptions(optFns)
	if err := validateOptions(&o, srv); err != nil {
		return nil, err
	}

	// Matrix-free products always accumulate in float64; there is no
	// stored matrix a float32 request could shrink.
	if o.storage == StorageForwardOnly {
		o.dtype = linop.Float64
	}

	cols := dom.NumCells()
	if o.modelType == ModelVector {
		cols = 3 * cols
	}

	chiMap := o.mapping
	if chiMap == nil {
		chiMap = mapping.NewIdentity(cols)
	}
	if chiMap.OutDim() != cols {
		return nil, &DimensionMismatchError{Expected: cols, Actual: chiMap.OutDim()}
	}

	s := &Simulation{
		survey:     srv,
		domain:     dom,
		chiMap:     chiMap,
		engineKind: o.engine,
		storage:    o.storage,
		path:       o.path,
		modelType:  o.modelType,
		dtype:      o.dtype,
		amplitude:  o.amplitude,
		controller: o.controller,
		metrics:    o.metrics,
		logger:     o.logger.WithEngine(o.engine).WithStorage(o.storage),
	}

	cfg := engine.Config{
		Survey:      srv,
		Domain:      dom,
		VectorModel: o.modelType == ModelVector,
		Parallel:    o.parallel,
		Workers:     o.workers,
		ChunkSize:   o.chunkSize,
		Metrics:     o.metrics,
		Progress:    s.progressFunc(o.progress),
	}

	var (
		eng engine.Engine
		err error
	)
	if o.engine == EngineStreaming {
		eng, err = engine.NewStreaming(cfg)
	} else {
		eng, err = engine.NewDense(cfg)
	}
	if err != nil {
		return nil, translateError(err)
	}

	s.eng = eng
	s.rows = eng.Rows()
	s.cols = eng.Cols()
	s.nD = s.rows
	if o.amplitude {
		s.nD = s.rows / 3
	}
	s.resolveStrategy()

	return s, nil
}

func validateOptions(o *options, srv *survey.Survey) error {
	switch o.engine {
	case EngineDense, EngineStreaming:
	default:
		return &InvalidOptionError{
			Option:  "engine",
			Value:   string(o.engine),
			Allowed: []string{string(EngineDense), string(EngineStreaming)},
		}
	}

	switch o.storage {
	case StorageRAM, StorageDisk, StorageForwardOnly:
	default:
		return &InvalidOptionError{
			Option:  "storage",
			Value:   string(o.storage),
			Allowed: []string{string(StorageRAM), string(StorageDisk), string(StorageForwardOnly)},
		}
	}

	switch o.modelType {
	case ModelScalar, ModelVector:
	default:
		return &InvalidOptionError{
			Option:  "model type",
			Value:   string(o.modelType),
			Allowed: []string{string(ModelScalar), string(ModelVector)},
		}
	}

	switch o.dtype {
	case linop.Float32, linop.Float64:
	default:
		return &InvalidOptionError{
			Option:  "dtype",
			Value:   strconv.Itoa(int(o.dtype)),
			Allowed: []string{linop.Float32.String(), linop.Float64.String()},
		}
	}

	if o.storage == StorageDisk && o.path == "" {
		return &InvalidOptionError{
			Option:  "storage path",
			Value:   "",
			Allowed: []string{"a writable directory"},
		}
	}

	if o.amplitude && !srv.ThreeComponent() {
		return fmt.Errorf("magsim: amplitude data requires every receiver group to observe bx, by, bz")
	}

	if o.metrics == nil {
		o.metrics = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return nil
}

// resolveStrategy fixes at construction how the sensitivity is represented
// and how the Gauss-Newton diagonal is accumulated. Unsupported combinations
// carry their error here and surface it on first use, so a configuration
// remains constructible for the operations it does support.
func (s *Simulation) resolveStrategy() {
	if s.storage != StorageForwardOnly {
		s.gMode = gMaterialize
		if s.amplitude {
			s.diagMode = diagAmplitudeRows
		} else {
			s.diagMode = diagRows
		}
		return
	}

	s.gMode = gMatrixFree
	if s.engineKind == EngineDense {
		err := &UnsupportedConfigError{
			Op:      "matrix-free sensitivity",
			Engine:  s.engineKind,
			Storage: s.storage,
			Hint:    "use EngineStreaming, or materialize with StorageRAM or StorageDisk",
		}
		s.assembleErr = err
		s.diagMode = diagUnsupported
		s.diagErr = &UnsupportedConfigError{
			Op:      "gauss-newton diagonal",
			Engine:  s.engineKind,
			Storage: s.storage,
			Hint:    err.Hint,
		}
		return
	}

	if s.amplitude {
		s.diagMode = diagUnsupported
		s.diagErr = &UnsupportedConfigError{
			Op:        "gauss-newton diagonal",
			Engine:    s.engineKind,
			Storage:   s.storage,
			Amplitude: true,
			Hint:      "materialize with StorageRAM or StorageDisk",
		}
		return
	}
	s.diagMode = diagStream
}

// progressFunc combines rate-limited debug logging with the user callback.
// The final row count always logs so a completed assembly is visible.
func (s *Simulation) progressFunc(user func(done, total int)) engine.Progress {
	limiter := rate.NewLimiter(rate.Limit(2), 1)
	return func(done, total int) {
		if done == total || limiter.Allow() {
			s.logger.Debug("assembly progress", "done", done, "total", total)
		}
		if user != nil {
			user(done, total)
		}
	}
}

// NData returns the number of data values per forward simulation: one per
// requested component, or one per receiver for amplitude data.
func (s *Simulation) NData() int { return s.nD }

// NumCells returns the number of active cells.
func (s *Simulation) NumCells() int { return s.domain.NumCells() }

// ModelLength returns the expected model parameter count.
func (s *Simulation) ModelLength() int { return s.chiMap.InDim() }

// Survey returns the simulated survey.
func (s *Simulation) Survey() *survey.Survey { return s.survey }

// Dtype returns the storage precision of the materialized sensitivity.
func (s *Simulation) Dtype() linop.Dtype { return s.dtype }

// Fields simulates the survey for model. The result has NData entries in
// survey row order.
func (s *Simulation) Fields(ctx context.Context, model []float64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	out, err := s.fieldsLocked(ctx, model)
	elapsed := time.Since(start)
	s.metrics.RecordForward(elapsed, err)
	s.logger.LogForward(ctx, s.nD, elapsed, err)
	return out, err
}

func (s *Simulation) fieldsLocked(ctx context.Context, model []float64) ([]float64, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.setModel(model); err != nil {
		return nil, err
	}

	b := make([]float64, s.rows)
	if s.storage == StorageForwardOnly {
		// Both engines evaluate forward products matrix-free; only the
		// Jacobian operations depend on engine support.
		if err := s.eng.Forward(ctx, s.chi, b); err != nil {
			return nil, translateError(err)
		}
	} else {
		g, err := s.operatorG(ctx)
		if err != nil {
			return nil, err
		}
		if err := g.MulVec(b, s.chi); err != nil {
			return nil, translateError(err)
		}
	}

	if s.amplitude {
		return computeAmplitude(b), nil
	}
	return b, nil
}

// Sensitivity assembles the sensitivity operator on first use and returns
// it. With StorageRAM or StorageDisk the result also implements
// linop.Materialized. With StorageForwardOnly and EngineStreaming it is a
// matrix-free operator whose products do not honor a caller context.
func (s *Simulation) Sensitivity(ctx context.Context) (linop.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.operatorG(ctx)
}

// operatorG returns the sensitivity operator, assembling it on first use.
// Callers must hold s.mu.
func (s *Simulation) operatorG(ctx context.Context) (linop.Operator, error) {
	if s.g != nil {
		return s.g, nil
	}

	if s.gMode == gMatrixFree {
		if s.assembleErr != nil {
			return nil, s.assembleErr
		}
		s.g = &linop.Func{
			Rows: s.rows,
			Cols: s.cols,
			Apply: func(dst, x []float64) error {
				return s.eng.Forward(context.Background(), x, dst)
			},
			ApplyTrans: func(dst, x []float64) error {
				return s.eng.ApplyTranspose(context.Background(), x, dst)
			},
		}
		return s.g, nil
	}

	start := time.Now()
	g, bytes, mapped, err := s.assemble(ctx)
	elapsed := time.Since(start)
	s.metrics.RecordAssembly(s.rows, s.cols, elapsed, err)
	s.logger.LogAssembly(ctx, s.rows, s.cols, elapsed, err)
	if err != nil {
		return nil, err
	}

	s.g = g
	s.gBytes = bytes
	s.gMapped = mapped
	return s.g, nil
}

func (s *Simulation) assemble(ctx context.Context) (linop.Operator, int64, *linop.Mapped, error) {
	if s.storage == StorageDisk {
		m, err := linop.CreateMapped(s.mappedPath(), s.rows, s.cols, s.dtype)
		if err != nil {
			return nil, 0, nil, err
		}
		if err := s.eng.Fill(ctx, m); err != nil {
			_ = m.Close()
			return nil, 0, nil, translateError(err)
		}
		if err := m.Flush(); err != nil {
			_ = m.Close()
			return nil, 0, nil, err
		}
		return m, 0, m, nil
	}

	bytes := int64(s.rows) * int64(s.cols) * int64(s.dtype.Size())
	if err := s.controller.AcquireMemory(ctx, bytes); err != nil {
		return nil, 0, nil, err
	}

	var sink interface {
		linop.Materialized
		SetRow(i int, row []float64)
	}
	if s.dtype == linop.Float32 {
		sink = linop.NewDense32(s.rows, s.cols)
	} else {
		sink = linop.NewDense(s.rows, s.cols)
	}
	if err := s.eng.Fill(ctx, sink); err != nil {
		s.controller.ReleaseMemory(bytes)
		return nil, 0, nil, translateError(err)
	}
	return sink, bytes, nil, nil
}

// mappedPath is the sensitivity file under the configured directory. The
// suffix encodes the dtype so a float32 file is never reinterpreted as
// float64.
func (s *Simulation) mappedPath() string {
	name := "sensitivity.f64"
	if s.dtype == linop.Float32 {
		name = "sensitivity.f32"
	}
	return filepath.Join(s.path, name)
}

// setModel installs model, mapping it into susceptibility space. Amplitude
// data makes the Jacobian model dependent through the field normalization;
// only then does a model change invalidate the derived caches.
// Callers must hold s.mu.
func (s *Simulation) setModel(model []float64) error {
	if len(model) != s.chiMap.InDim() {
		return &DimensionMismatchError{Expected: s.chiMap.InDim(), Actual: len(model)}
	}
	if s.model != nil && floats.Equal(s.model, model) {
		return nil
	}

	chi := make([]float64, s.cols)
	if _, err := s.chiMap.Apply(chi, model); err != nil {
		return translateError(err)
	}

	s.model = append(s.model[:0], model...)
	s.chi = chi

	if s.amplitude {
		s.ampDeriv = nil
		s.gtgDiag = nil
		s.haveDiag = false
	}
	return nil
}

// computeAmplitude reduces interleaved (bx, by, bz) rows to one Euclidean
// amplitude per receiver.
func computeAmplitude(b []float64) []float64 {
	out := make([]float64, len(b)/3)
	for k := range out {
		x, y, z := b[3*k], b[3*k+1], b[3*k+2]
		out[k] = math.Sqrt(x*x + y*y + z*z)
	}
	return out
}
