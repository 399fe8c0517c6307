package magsim

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    forwardCounter   prometheus.Counter
//	    forwardHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordForward(duration time.Duration, err error) {
//	    p.forwardCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// AddKernelEvaluations is called by the engines as receiver/cell kernel
	// evaluations complete. n is the number of evaluations since the last call.
	AddKernelEvaluations(n int64)

	// RecordAssembly is called after each sensitivity assembly.
	// rows and cols give the operator shape, duration is the total time taken,
	// err is nil if successful.
	RecordAssembly(rows, cols int, duration time.Duration, err error)

	// RecordForward is called after each forward simulation.
	RecordForward(duration time.Duration, err error)

	// RecordTranspose is called after each transpose application.
	RecordTranspose(duration time.Duration, err error)

	// RecordDiagonal is called after each Gauss-Newton diagonal computation.
	// cached reports whether the weighted diagonal was served from cache.
	RecordDiagonal(duration time.Duration, cached bool, err error)

	// RecordArchiveSave is called after each sensitivity archive write.
	RecordArchiveSave(bytes int64, duration time.Duration, err error)

	// RecordArchiveLoad is called after each sensitivity archive read.
	RecordArchiveLoad(bytes int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) AddKernelEvaluations(int64)                    {}
func (NoopMetricsCollector) RecordAssembly(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordForward(time.Duration, error)            {}
func (NoopMetricsCollector) RecordTranspose(time.Duration, error)          {}
func (NoopMetricsCollector) RecordDiagonal(time.Duration, bool, error)     {}
func (NoopMetricsCollector) RecordArchiveSave(int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordArchiveLoad(int64, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	KernelEvaluations   atomic.Int64
	AssemblyCount       atomic.Int64
	AssemblyErrors      atomic.Int64
	AssemblyTotalNanos  atomic.Int64
	ForwardCount        atomic.Int64
	ForwardErrors       atomic.Int64
	ForwardTotalNanos   atomic.Int64
	TransposeCount      atomic.Int64
	TransposeErrors     atomic.Int64
	DiagonalCount       atomic.Int64
	DiagonalErrors      atomic.Int64
	DiagonalCacheHits   atomic.Int64
	DiagonalCacheMisses atomic.Int64
	ArchiveSaveCount    atomic.Int64
	ArchiveSaveErrors   atomic.Int64
	ArchiveSaveBytes    atomic.Int64
	ArchiveLoadCount    atomic.Int64
	ArchiveLoadErrors   atomic.Int64
	ArchiveLoadBytes    atomic.Int64
}

// AddKernelEvaluations implements MetricsCollector.
func (b *BasicMetricsCollector) AddKernelEvaluations(n int64) {
	b.KernelEvaluations.Add(n)
}

// RecordAssembly implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAssembly(rows, cols int, duration time.Duration, err error) {
	b.AssemblyCount.Add(1)
	b.AssemblyTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AssemblyErrors.Add(1)
	}
}

// RecordForward implements MetricsCollector.
func (b *BasicMetricsCollector) RecordForward(duration time.Duration, err error) {
	b.ForwardCount.Add(1)
	b.ForwardTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ForwardErrors.Add(1)
	}
}

// RecordTranspose implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTranspose(duration time.Duration, err error) {
	b.TransposeCount.Add(1)
	if err != nil {
		b.TransposeErrors.Add(1)
	}
}

// RecordDiagonal implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDiagonal(duration time.Duration, cached bool, err error) {
	b.DiagonalCount.Add(1)
	if err != nil {
		b.DiagonalErrors.Add(1)
		return
	}
	if cached {
		b.DiagonalCacheHits.Add(1)
	} else {
		b.DiagonalCacheMisses.Add(1)
	}
}

// RecordArchiveSave implements MetricsCollector.
func (b *BasicMetricsCollector) RecordArchiveSave(bytes int64, duration time.Duration, err error) {
	b.ArchiveSaveCount.Add(1)
	b.ArchiveSaveBytes.Add(bytes)
	if err != nil {
		b.ArchiveSaveErrors.Add(1)
	}
}

// RecordArchiveLoad implements MetricsCollector.
func (b *BasicMetricsCollector) RecordArchiveLoad(bytes int64, duration time.Duration, err error) {
	b.ArchiveLoadCount.Add(1)
	b.ArchiveLoadBytes.Add(bytes)
	if err != nil {
		b.ArchiveLoadErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		KernelEvaluations:   b.KernelEvaluations.Load(),
		AssemblyCount:       b.AssemblyCount.Load(),
		AssemblyErrors:      b.AssemblyErrors.Load(),
		AssemblyAvgNanos:    b.getAvgAssemblyNanos(),
		ForwardCount:        b.ForwardCount.Load(),
		ForwardErrors:       b.ForwardErrors.Load(),
		ForwardAvgNanos:     b.getAvgForwardNanos(),
		TransposeCount:      b.TransposeCount.Load(),
		TransposeErrors:     b.TransposeErrors.Load(),
		DiagonalCount:       b.DiagonalCount.Load(),
		DiagonalErrors:      b.DiagonalErrors.Load(),
		DiagonalCacheHits:   b.DiagonalCacheHits.Load(),
		DiagonalCacheMisses: b.DiagonalCacheMisses.Load(),
		ArchiveSaveCount:    b.ArchiveSaveCount.Load(),
		ArchiveSaveErrors:   b.ArchiveSaveErrors.Load(),
		ArchiveSaveBytes:    b.ArchiveSaveBytes.Load(),
		ArchiveLoadCount:    b.ArchiveLoadCount.Load(),
		ArchiveLoadErrors:   b.ArchiveLoadErrors.Load(),
		ArchiveLoadBytes:    b.ArchiveLoadBytes.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgAssemblyNanos() int64 {
	count := b.AssemblyCount.Load()
	if count == 0 {
		return 0
	}
	return b.AssemblyTotalNanos.Load() / count
}

func (b *BasicMetricsCollector) getAvgForwardNanos() int64 {
	count := b.ForwardCount.Load()
	if count == 0 {
		return 0
	}
	return b.ForwardTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	KernelEvaluations   int64
	AssemblyCount       int64
	AssemblyErrors      int64
	AssemblyAvgNanos    int64
	ForwardCount        int64
	ForwardErrors       int64
	ForwardAvgNanos     int64
	TransposeCount      int64
	TransposeErrors     int64
	DiagonalCount       int64
	DiagonalErrors      int64
	DiagonalCacheHits   int64
	DiagonalCacheMisses int64
	ArchiveSaveCount    int64
	ArchiveSaveErrors   int64
	ArchiveSaveBytes    int64
	ArchiveLoadCount    int64
	ArchiveLoadErrors   int64
	ArchiveLoadBytes    int64
}
