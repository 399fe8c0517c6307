package linop

import (
	"fmt"
	"unsafe"

	"github.com/magsim/magsim/internal/mmap"
)

// Mapped is a row-major matrix stored in a memory-mapped file. Assembly
// writes rows directly into file-backed pages; products read them back with
// zero copies. The mapping is an explicit resource: call Flush to force
// pages to disk and Close when done. No method may be called after Close.
type Mapped struct {
	mapping *mmap.Mapping
	path    string
	rows    int
	cols    int
	dtype   Dtype

	// exactly one view is non-nil, matching dtype
	f64 []float64
	f32 []float32
}

// CreateMapped creates (or truncates) a file sized for rows x cols entries
// and maps it read-write.
func CreateMapped(path string, rows, cols int, dtype Dtype) (*Mapped, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: %dx%d mapped matrix", ErrShape, rows, cols)
	}

	mapping, err := mmap.Create(path, rows*cols*dtype.Size())
	if err != nil {
		return nil, fmt.Errorf("linop: create mapped matrix: %w", err)
	}
	return newMapped(mapping, path, rows, cols, dtype), nil
}

// OpenMapped maps an existing matrix file read-only and validates its size
// against the expected shape.
func OpenMapped(path string, rows, cols int, dtype Dtype) (*Mapped, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: %dx%d mapped matrix", ErrShape, rows, cols)
	}

	mapping, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("linop: open mapped matrix: %w", err)
	}
	if want := rows * cols * dtype.Size(); mapping.Size() != want {
		_ = mapping.Close()
		return nil, fmt.Errorf("linop: mapped matrix %s is %d bytes, want %d", path, mapping.Size(), want)
	}
	return newMapped(mapping, path, rows, cols, dtype), nil
}

func newMapped(mapping *mmap.Mapping, path string, rows, cols int, dtype Dtype) *Mapped {
	m := &Mapped{mapping: mapping, path: path, rows: rows, cols: cols, dtype: dtype}
	b := mapping.Bytes()
	n := rows * cols
	switch dtype {
	case Float32:
		m.f32 = unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
	default:
		m.f64 = unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), n)
	}
	return m
}

// Path returns the backing file path.
func (m *Mapped) Path() string { return m.path }

// Dtype returns the storage precision.
func (m *Mapped) Dtype() Dtype { return m.dtype }

// Dims implements Operator.
func (m *Mapped) Dims() (int, int) { return m.rows, m.cols }

// At implements Materialized.
func (m *Mapped) At(i, j int) float64 {
	if m.f32 != nil {
		return float64(m.f32[i*m.cols+j])
	}
	return m.f64[i*m.cols+j]
}

// Row implements Materialized.
func (m *Mapped) Row(dst []float64, i int) []float64 {
	base := i * m.cols
	if m.f32 != nil {
		for j := 0; j < m.cols; j++ {
			dst[j] = float64(m.f32[base+j])
		}
		return dst
	}
	copy(dst, m.f64[base:base+m.cols])
	return dst
}

// SetRow stores a row during assembly. Rows written by concurrent goroutines
// must be distinct.
func (m *Mapped) SetRow(i int, row []float64) {
	base := i * m.cols
	if m.f32 != nil {
		for j, v := range row {
			m.f32[base+j] = float32(v)
		}
		return
	}
	copy(m.f64[base:base+m.cols], row)
}

// MulVec implements Operator.
func (m *Mapped) MulVec(dst, x []float64) error {
	if err := checkMulDims(m, dst, x, false); err != nil {
		return err
	}
	for i := 0; i < m.rows; i++ {
		base := i * m.cols
		var acc float64
		if m.f32 != nil {
			for j := 0; j < m.cols; j++ {
				acc += float64(m.f32[base+j]) * x[j]
			}
		} else {
			for j := 0; j < m.cols; j++ {
				acc += m.f64[base+j] * x[j]
			}
		}
		dst[i] = acc
	}
	return nil
}

// MulTransVec implements Operator.
func (m *Mapped) MulTransVec(dst, x []float64) error {
	if err := checkMulDims(m, dst, x, true); err != nil {
		return err
	}
	for j := range dst {
		dst[j] = 0
	}
	for i := 0; i < m.rows; i++ {
		xi := x[i]
		if xi == 0 {
			continue
		}
		base := i * m.cols
		if m.f32 != nil {
			for j := 0; j < m.cols; j++ {
				dst[j] += float64(m.f32[base+j]) * xi
			}
		} else {
			for j := 0; j < m.cols; j++ {
				dst[j] += m.f64[base+j] * xi
			}
		}
	}
	return nil
}

// Advise forwards an access-pattern hint to the kernel.
func (m *Mapped) Advise(pattern mmap.AccessPattern) error {
	return m.mapping.Advise(pattern)
}

// Flush forces modified pages to disk.
func (m *Mapped) Flush() error { return m.mapping.Flush() }

// Close flushes and unmaps the matrix. Idempotent.
func (m *Mapped) Close() error {
	m.f64 = nil
	m.f32 = nil
	return m.mapping.Close()
}
