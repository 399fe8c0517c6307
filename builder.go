// This file implements geometry-specific fluent builder APIs for creating and configuring Simulation instances.
// Builders are immutable - each method returns a new builder with the updated configuration.
package magsim

import (
	"github.com/magsim/magsim/linop"
	"github.com/magsim/magsim/mapping"
	"github.com/magsim/magsim/mesh"
	"github.com/magsim/magsim/resource"
	"github.com/magsim/magsim/survey"
)

// =============================================================================
// Tensor Builder (Immutable)
// =============================================================================

// Tensor creates a builder for a simulation over the active cells of a
// tensor mesh.
//
// The builder is immutable - each method returns a new builder with the updated configuration.
// This ensures thread-safety and prevents accidental state sharing.
//
// Example:
//
//	sim, err := magsim.Tensor(m, active, srv).
//	    Streaming().
//	    Disk("./sens").
//	    Float64().
//	    Parallel(8).
//	    Build()
func Tensor(m *mesh.TensorMesh, active *mesh.ActiveSet, srv *survey.Survey) TensorBuilder {
	return TensorBuilder{mesh: m, active: active, survey: srv}
}

// TensorBuilder is an immutable fluent builder for tensor-mesh simulations.
// Each method returns a new builder with the updated configuration.
type TensorBuilder struct {
	mesh   *mesh.TensorMesh
	active *mesh.ActiveSet
	survey *survey.Survey

	engine     EngineKind
	storage    Storage
	path       string
	modelType  ModelType
	dtype      linop.Dtype
	dtypeSet   bool
	amplitude  bool
	parallel   bool
	workers    int
	chunkSize  int
	mapping    mapping.Mapping
	logger     *Logger
	metrics    MetricsCollector
	controller *resource.Controller
	progress   func(done, total int)
}

// Dense selects the dense node-deduplicating engine.
// Default.
func (b TensorBuilder) Dense() TensorBuilder {
	b.engine = EngineDense
	return b
}

// Streaming selects the chunk-streaming engine. Required for matrix-free
// Jacobian products under ForwardOnly.
func (b TensorBuilder) Streaming() TensorBuilder {
	b.engine = EngineStreaming
	return b
}

// RAM materializes the sensitivity in memory.
// Default.
func (b TensorBuilder) RAM() TensorBuilder {
	b.storage = StorageRAM
	return b
}

// Disk materializes the sensitivity in a memory-mapped file under path.
func (b TensorBuilder) Disk(path string) TensorBuilder {
	b.storage = StorageDisk
	b.path = path
	return b
}

// ForwardOnly skips sensitivity materialization entirely.
func (b TensorBuilder) ForwardOnly() TensorBuilder {
	b.storage = StorageForwardOnly
	return b
}

// Scalar selects one susceptibility value per active cell.
// Default.
func (b TensorBuilder) Scalar() TensorBuilder {
	b.modelType = ModelScalar
	return b
}

// Vector selects three effective susceptibility values per active cell.
func (b TensorBuilder) Vector() TensorBuilder {
	b.modelType = ModelVector
	return b
}

// Float32 stores the materialized sensitivity in single precision.
// Default.
func (b TensorBuilder) Float32() TensorBuilder {
	b.dtype = linop.Float32
	b.dtypeSet = true
	return b
}

// Float64 stores the materialized sensitivity in double precision.
func (b TensorBuilder) Float64() TensorBuilder {
	b.dtype = linop.Float64
	b.dtypeSet = true
	return b
}

// AmplitudeData switches the simulation to amplitude data. Every receiver
// group must observe exactly bx, by, bz.
func (b TensorBuilder) AmplitudeData() TensorBuilder {
	b.amplitude = true
	return b
}

// Parallel enables concurrent kernel evaluation. workers <= 0 selects one
// worker per CPU.
func (b TensorBuilder) Parallel(workers int) TensorBuilder {
	b.parallel = true
	b.workers = workers
	return b
}

// ChunkSize sets the number of receivers evaluated per work unit.
// Default: 64.
func (b TensorBuilder) ChunkSize(n int) TensorBuilder {
	b.chunkSize = n
	return b
}

// Mapping sets the model parameterization applied before the sensitivity.
func (b TensorBuilder) Mapping(m mapping.Mapping) TensorBuilder {
	b.mapping = m
	return b
}

// Logger sets the structured logger for operation tracing.
func (b TensorBuilder) Logger(l *Logger) TensorBuilder {
	b.logger = l
	return b
}

// Metrics sets the metrics collector for monitoring.
func (b TensorBuilder) Metrics(mc MetricsCollector) TensorBuilder {
	b.metrics = mc
	return b
}

// ResourceController bounds sensitivity memory and archive transfers.
func (b TensorBuilder) ResourceController(rc *resource.Controller) TensorBuilder {
	b.controller = rc
	return b
}

// Progress registers an assembly progress callback.
func (b TensorBuilder) Progress(fn func(done, total int)) TensorBuilder {
	b.progress = fn
	return b
}

// Build creates the Simulation.
func (b TensorBuilder) Build() (*Simulation, error) {
	if b.mesh == nil {
		return nil, ErrNoMesh
	}
	dom, err := b.mesh.Domain(b.active)
	if err != nil {
		return nil, translateError(err)
	}

	var opts []Option
	if b.engine != "" {
		opts = append(opts, WithEngine(b.engine))
	}
	if b.storage != "" {
		opts = append(opts, WithStorage(b.storage))
	}
	if b.path != "" {
		opts = append(opts, WithStoragePath(b.path))
	}
	if b.modelType != "" {
		opts = append(opts, WithModelType(b.modelType))
	}
	if b.dtypeSet {
		opts = append(opts, WithDtype(b.dtype))
	}
	if b.amplitude {
		opts = append(opts, WithAmplitudeData(true))
	}
	if b.parallel {
		opts = append(opts, WithParallel(b.workers))
	}
	if b.chunkSize > 0 {
		opts = append(opts, WithChunkSize(b.chunkSize))
	}
	if b.mapping != nil {
		opts = append(opts, WithMapping(b.mapping))
	}
	if b.logger != nil {
		opts = append(opts, WithLogger(b.logger))
	}
	if b.metrics != nil {
		opts = append(opts, WithMetricsCollector(b.metrics))
	}
	if b.controller != nil {
		opts = append(opts, WithResourceController(b.controller))
	}
	if b.progress != nil {
		opts = append(opts, WithProgress(b.progress))
	}

	return New(b.survey, dom, opts...)
}

// MustBuild creates the Simulation, panicking on error.
func (b TensorBuilder) MustBuild() *Simulation {
	sim, err := b.Build()
	if err != nil {
		panic(err)
	}
	return sim
}

// =============================================================================
// Layer Builder (Immutable)
// =============================================================================

// Layer creates a builder for an equivalent-source layer simulation over
// the active cells of a layer grid.
//
// The builder is immutable - each method returns a new builder with the updated configuration.
//
// Example:
//
//	sim, err := magsim.Layer(grid, active, srv).
//	    Float64().
//	    Build()
func Layer(g *mesh.LayerGrid, active *mesh.ActiveSet, srv *survey.Survey) LayerBuilder {
	return LayerBuilder{grid: g, active: active, survey: srv}
}

// LayerBuilder is an immutable fluent builder for equivalent-source layer
// simulations. Each method returns a new builder with the updated
// configuration.
type LayerBuilder struct {
	grid   *mesh.LayerGrid
	active *mesh.ActiveSet
	survey *survey.Survey

	engine     EngineKind
	storage    Storage
	path       string
	modelType  ModelType
	dtype      linop.Dtype
	dtypeSet   bool
	amplitude  bool
	parallel   bool
	workers    int
	chunkSize  int
	mapping    mapping.Mapping
	logger     *Logger
	metrics    MetricsCollector
	controller *resource.Controller
	progress   func(done, total int)
}

// Dense selects the dense node-deduplicating engine.
// Default.
func (b LayerBuilder) Dense() LayerBuilder {
	b.engine = EngineDense
	return b
}

// Streaming selects the chunk-streaming engine. Required for matrix-free
// Jacobian products under ForwardOnly.
func (b LayerBuilder) Streaming() LayerBuilder {
	b.engine = EngineStreaming
	return b
}

// RAM materializes the sensitivity in memory.
// Default.
func (b LayerBuilder) RAM() LayerBuilder {
	b.storage = StorageRAM
	return b
}

// Disk materializes the sensitivity in a memory-mapped file under path.
func (b LayerBuilder) Disk(path string) LayerBuilder {
	b.storage = StorageDisk
	b.path = path
	return b
}

// ForwardOnly skips sensitivity materialization entirely.
func (b LayerBuilder) ForwardOnly() LayerBuilder {
	b.storage = StorageForwardOnly
	return b
}

// Scalar selects one susceptibility value per active cell.
// Default.
func (b LayerBuilder) Scalar() LayerBuilder {
	b.modelType = ModelScalar
	return b
}

// Vector selects three effective susceptibility values per active cell.
func (b LayerBuilder) Vector() LayerBuilder {
	b.modelType = ModelVector
	return b
}

// Float32 stores the materialized sensitivity in single precision.
// Default.
func (b LayerBuilder) Float32() LayerBuilder {
	b.dtype = linop.Float32
	b.dtypeSet = true
	return b
}

// Float64 stores the materialized sensitivity in double precision.
func (b LayerBuilder) Float64() LayerBuilder {
	b.dtype = linop.Float64
	b.dtypeSet = true
	return b
}

// AmplitudeData switches the simulation to amplitude data. Every receiver
// group must observe exactly bx, by, bz.
func (b LayerBuilder) AmplitudeData() LayerBuilder {
	b.amplitude = true
	return b
}

// Parallel enables concurrent kernel evaluation. workers <= 0 selects one
// worker per CPU.
func (b LayerBuilder) Parallel(workers int) LayerBuilder {
	b.parallel = true
	b.workers = workers
	return b
}

// ChunkSize sets the number of receivers evaluated per work unit.
// Default: 64.
func (b LayerBuilder) ChunkSize(n int) LayerBuilder {
	b.chunkSize = n
	return b
}

// Mapping sets the model parameterization applied before the sensitivity.
func (b LayerBuilder) Mapping(m mapping.Mapping) LayerBuilder {
	b.mapping = m
	return b
}

// Logger sets the structured logger for operation tracing.
func (b LayerBuilder) Logger(l *Logger) LayerBuilder {
	b.logger = l
	return b
}

// Metrics sets the metrics collector for monitoring.
func (b LayerBuilder) Metrics(mc MetricsCollector) LayerBuilder {
	b.metrics = mc
	return b
}

// ResourceController bounds sensitivity memory and archive transfers.
func (b LayerBuilder) ResourceController(rc *resource.Controller) LayerBuilder {
	b.controller = rc
	return b
}

// Progress registers an assembly progress callback.
func (b LayerBuilder) Progress(fn func(done, total int)) LayerBuilder {
	b.progress = fn
	return b
}

// Build creates the Simulation.
func (b LayerBuilder) Build() (*Simulation, error) {
	var opts []Option
	if b.engine != "" {
		opts = append(opts, WithEngine(b.engine))
	}
	if b.storage != "" {
		opts = append(opts, WithStorage(b.storage))
	}
	if b.path != "" {
		opts = append(opts, WithStoragePath(b.path))
	}
	if b.modelType != "" {
		opts = append(opts, WithModelType(b.modelType))
	}
	if b.dtypeSet {
		opts = append(opts, WithDtype(b.dtype))
	}
	if b.amplitude {
		opts = append(opts, WithAmplitudeData(true))
	}
	if b.parallel {
		opts = append(opts, WithParallel(b.workers))
	}
	if b.chunkSize > 0 {
		opts = append(opts, WithChunkSize(b.chunkSize))
	}
	if b.mapping != nil {
		opts = append(opts, WithMapping(b.mapping))
	}
	if b.logger != nil {
		opts = append(opts, WithLogger(b.logger))
	}
	if b.metrics != nil {
		opts = append(opts, WithMetricsCollector(b.metrics))
	}
	if b.controller != nil {
		opts = append(opts, WithResourceController(b.controller))
	}
	if b.progress != nil {
		opts = append(opts, WithProgress(b.progress))
	}

	return NewEquivalentSourceLayer(b.grid, b.active, b.survey, opts...)
}

// MustBuild creates the Simulation, panicking on error.
func (b LayerBuilder) MustBuild() *Simulation {
	sim, err := b.Build()
	if err != nil {
		panic(err)
	}
	return sim
}
