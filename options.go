package magsim

import (
	"log/slog"

	"github.com/magsim/magsim/linop"
	"github.com/magsim/magsim/mapping"
	"github.com/magsim/magsim/resource"
)

// EngineKind selects the kernel evaluation engine.
type EngineKind string

const (
	// EngineDense evaluates receiver rows with the analytic prism kernels
	// and keeps full rows in memory while they are processed.
	EngineDense EngineKind = "dense"

	// EngineStreaming evaluates receiver rows in chunks so very large
	// sensitivities never have to fit in memory at once.
	EngineStreaming EngineKind = "streaming"
)

// Storage selects where the sensitivity matrix lives.
type Storage string

const (
	// StorageRAM materializes the sensitivity matrix in memory.
	StorageRAM Storage = "ram"

	// StorageDisk materializes the sensitivity matrix in a memory-mapped
	// file. Requires WithStoragePath.
	StorageDisk Storage = "disk"

	// StorageForwardOnly skips materialization entirely. Forward
	// simulations re-evaluate the kernels on every call and Jacobian
	// operations are restricted by engine support.
	StorageForwardOnly Storage = "forward_only"
)

// ModelType declares how the susceptibility model is parameterized.
type ModelType string

const (
	// ModelScalar uses one susceptibility value per active cell. The
	// magnetization direction follows the inducing field.
	ModelScalar ModelType = "scalar"

	// ModelVector uses three effective susceptibility values per active
	// cell, ordered as all-x then all-y then all-z blocks.
	ModelVector ModelType = "vector"
)

type options struct {
	engine     EngineKind
	storage    Storage
	path       string
	modelType  ModelType
	dtype      linop.Dtype
	amplitude  bool
	parallel   bool
	workers    int
	chunkSize  int
	mapping    mapping.Mapping
	metrics    MetricsCollector
	logger     *Logger
	controller *resource.Controller
	progress   func(done, total int)
}

// Option configures Simulation constructor behavior.
//
// Unknown or conflicting values are rejected by New with an
// InvalidOptionError rather than at option-application time.
type Option func(*options)

// WithEngine selects the kernel evaluation engine.
//
// EngineDense is the default. EngineStreaming trades repeated kernel
// work for bounded memory and is the only engine that supports
// Jacobian products under StorageForwardOnly.
func WithEngine(kind EngineKind) Option {
	return func(o *options) {
		o.engine = kind
	}
}

// WithStorage selects the sensitivity storage mode.
//
// StorageRAM is the default. StorageDisk additionally requires
// WithStoragePath.
func WithStorage(st Storage) Option {
	return func(o *options) {
		o.storage = st
	}
}

// WithStoragePath sets the directory that holds the memory-mapped
// sensitivity file when StorageDisk is selected.
//
// The file is created (or truncated) during assembly. Use
// LoadSensitivity to reuse a previously saved matrix instead.
func WithStoragePath(path string) Option {
	return func(o *options) {
		o.path = path
	}
}

// WithModelType declares the model parameterization.
//
// ModelScalar is the default. ModelVector triples the model length and
// the sensitivity column count.
func WithModelType(mt ModelType) Option {
	return func(o *options) {
		o.modelType = mt
	}
}

// WithDtype sets the element type of the materialized sensitivity.
//
// linop.Float32 is the default and halves memory at roughly single
// precision accuracy. StorageForwardOnly always computes in float64
// regardless of this option.
func WithDtype(dt linop.Dtype) Option {
	return func(o *options) {
		o.dtype = dt
	}
}

// WithAmplitudeData switches the simulation to amplitude data.
//
// Each receiver must then observe exactly the three components bx, by
// and bz. Outputs collapse to one amplitude value per receiver and the
// Jacobian becomes model dependent.
func WithAmplitudeData(enabled bool) Option {
	return func(o *options) {
		o.amplitude = enabled
	}
}

// WithParallel enables concurrent kernel evaluation across receiver
// chunks. workers <= 0 selects one worker per CPU.
func WithParallel(workers int) Option {
	return func(o *options) {
		o.parallel = true
		o.workers = workers
	}
}

// WithChunkSize sets the number of receiver locations evaluated per
// work unit. Values <= 0 keep the default of 64.
func WithChunkSize(n int) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

// WithMapping configures the model mapping applied before the
// sensitivity. Pass nil to keep the identity mapping.
//
// Example with per-cell scaling:
//
//	m, _ := mapping.NewScale(factors)
//	sim, _ := magsim.New(srv, dom, magsim.WithMapping(m))
func WithMapping(m mapping.Mapping) Option {
	return func(o *options) {
		o.mapping = m
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &magsim.BasicMetricsCollector{}
//	sim, _ := magsim.New(srv, dom, magsim.WithMetricsCollector(metrics))
//	// ... use sim ...
//	stats := metrics.GetStats()
//	fmt.Printf("Forwards: %d, Avg latency: %dns\n", stats.ForwardCount, stats.ForwardAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := magsim.NewJSONLogger(slog.LevelInfo)
//	sim, _ := magsim.New(srv, dom, magsim.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithResourceController attaches a resource controller that bounds
// memory admissions and archive transfer concurrency. Pass nil to run
// unbounded.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.controller = rc
	}
}

// WithProgress registers a callback invoked as sensitivity assembly
// advances. done and total count data rows. Callbacks must be fast and
// safe for concurrent use; parallel assembly invokes them from worker
// goroutines.
func WithProgress(fn func(done, total int)) Option {
	return func(o *options) {
		o.progress = fn
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		engine:    EngineDense,
		storage:   StorageRAM,
		modelType: ModelScalar,
		dtype:     linop.Float32,
		chunkSize: 64,
		metrics:   NoopMetricsCollector{},
		logger:    NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
