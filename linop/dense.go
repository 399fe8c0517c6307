package linop

import (
	"gonum.org/v1/gonum/mat"
)

// Dense is a float64 matrix backed by gonum, safe for concurrent writes to
// disjoint rows during assembly.
type Dense struct {
	m *mat.Dense
}

// NewDense allocates a zeroed rows x cols matrix.
func NewDense(rows, cols int) *Dense {
	return &Dense{m: mat.NewDense(rows, cols, nil)}
}

// Dims implements Operator.
func (d *Dense) Dims() (int, int) { return d.m.Dims() }

// At implements Materialized.
func (d *Dense) At(i, j int) float64 { return d.m.At(i, j) }

// Row implements Materialized.
func (d *Dense) Row(dst []float64, i int) []float64 {
	return mat.Row(dst, i, d.m)
}

// SetRow stores a row during assembly.
func (d *Dense) SetRow(i int, row []float64) {
	d.m.SetRow(i, row)
}

// Mat exposes the underlying gonum matrix.
func (d *Dense) Mat() *mat.Dense { return d.m }

// MulVec implements Operator via BLAS.
func (d *Dense) MulVec(dst, x []float64) error {
	if err := checkMulDims(d, dst, x, false); err != nil {
		return err
	}
	var y mat.VecDense
	y.MulVec(d.m, mat.NewVecDense(len(x), x))
	copy(dst, y.RawVector().Data)
	return nil
}

// MulTransVec implements Operator via BLAS.
func (d *Dense) MulTransVec(dst, x []float64) error {
	if err := checkMulDims(d, dst, x, true); err != nil {
		return err
	}
	var y mat.VecDense
	y.MulVec(d.m.T(), mat.NewVecDense(len(x), x))
	copy(dst, y.RawVector().Data)
	return nil
}

// Dense32 is a float32 matrix for halved sensitivity storage. Entries are
// rounded to float32 on write; products accumulate in float64.
type Dense32 struct {
	rows, cols int
	data       []float32
}

// NewDense32 allocates a zeroed rows x cols float32 matrix.
func NewDense32(rows, cols int) *Dense32 {
	return &Dense32{rows: rows, cols: cols, data: make([]float32, rows*cols)}
}

// Dims implements Operator.
func (d *Dense32) Dims() (int, int) { return d.rows, d.cols }

// At implements Materialized.
func (d *Dense32) At(i, j int) float64 {
	return float64(d.data[i*d.cols+j])
}

// Row implements Materialized.
func (d *Dense32) Row(dst []float64, i int) []float64 {
	base := i * d.cols
	for j := 0; j < d.cols; j++ {
		dst[j] = float64(d.data[base+j])
	}
	return dst
}

// SetRow stores a row during assembly, rounding to float32.
func (d *Dense32) SetRow(i int, row []float64) {
	base := i * d.cols
	for j, v := range row {
		d.data[base+j] = float32(v)
	}
}

// MulVec implements Operator.
func (d *Dense32) MulVec(dst, x []float64) error {
	if err := checkMulDims(d, dst, x, false); err != nil {
		return err
	}
	for i := 0; i < d.rows; i++ {
		base := i * d.cols
		var acc float64
		for j := 0; j < d.cols; j++ {
			acc += float64(d.data[base+j]) * x[j]
		}
		dst[i] = acc
	}
	return nil
}

// MulTransVec implements Operator.
func (d *Dense32) MulTransVec(dst, x []float64) error {
	if err := checkMulDims(d, dst, x, true); err != nil {
		return err
	}
	for j := range dst {
		dst[j] = 0
	}
	for i := 0; i < d.rows; i++ {
		base := i * d.cols
		xi := x[i]
		if xi == 0 {
			continue
		}
		for j := 0; j < d.cols; j++ {
			dst[j] += float64(d.data[base+j]) * xi
		}
	}
	return nil
}

// NewColumnScaled returns a new Dense with src's columns scaled entrywise:
// out[i,j] = src[i,j] * scale[j].
func NewColumnScaled(src Materialized, scale []float64) (*Dense, error) {
	rows, cols := src.Dims()
	if len(scale) != cols {
		return nil, ErrShape
	}

	out := NewDense(rows, cols)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		src.Row(row, i)
		for j := range row {
			row[j] *= scale[j]
		}
		out.SetRow(i, row)
	}
	return out, nil
}
