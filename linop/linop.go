// Package linop provides the linear-operator representations a sensitivity
// matrix can take: a dense in-memory matrix (float64 or float32), a
// disk-backed memory-mapped matrix, and a matrix-free operator evaluated on
// demand. All of them satisfy Operator; the materialized ones additionally
// expose row access for diagonal contractions and archiving.
package linop

import (
	"errors"
	"fmt"
)

// ErrShape is returned when a vector length does not match the operator
// dimensions.
var ErrShape = errors.New("linop: dimension mismatch")

// ErrNoTranspose is returned by operators without an adjoint implementation.
var ErrNoTranspose = errors.New("linop: transpose apply not supported")

// Operator is an m x n linear map.
type Operator interface {
	// Dims returns the row and column counts.
	Dims() (rows, cols int)

	// MulVec computes dst = A*x. dst must have length rows, x length cols.
	MulVec(dst, x []float64) error

	// MulTransVec computes dst = Aᵀ*x. dst must have length cols, x length rows.
	MulTransVec(dst, x []float64) error
}

// Materialized is an Operator whose entries are stored and addressable.
type Materialized interface {
	Operator

	// At returns the entry at (i, j).
	At(i, j int) float64

	// Row copies row i into dst (length cols) and returns it.
	Row(dst []float64, i int) []float64
}

// Dtype is the storage precision of a materialized matrix.
type Dtype uint8

const (
	// Float64 stores entries as 8-byte floats.
	Float64 Dtype = iota
	// Float32 stores entries as 4-byte floats.
	Float32
)

// Size returns the entry size in bytes.
func (d Dtype) Size() int {
	if d == Float32 {
		return 4
	}
	return 8
}

func (d Dtype) String() string {
	if d == Float32 {
		return "float32"
	}
	return "float64"
}

// ParseDtype converts a dtype name to a Dtype.
func ParseDtype(s string) (Dtype, error) {
	switch s {
	case "float64":
		return Float64, nil
	case "float32":
		return Float32, nil
	}
	return 0, fmt.Errorf("linop: unknown dtype %q", s)
}

func checkMulDims(op Operator, dst, x []float64, trans bool) error {
	r, c := op.Dims()
	if trans {
		r, c = c, r
	}
	if len(dst) != r || len(x) != c {
		return fmt.Errorf("%w: have (%d,%d) vectors for a %dx%d apply",
			ErrShape, len(dst), len(x), r, c)
	}
	return nil
}

// Func is a matrix-free Operator backed by closures.
type Func struct {
	Rows, Cols int

	// Apply computes dst = A*x.
	Apply func(dst, x []float64) error

	// ApplyTrans computes dst = Aᵀ*x. Nil means the adjoint is unavailable.
	ApplyTrans func(dst, x []float64) error
}

// Dims implements Operator.
func (f *Func) Dims() (int, int) { return f.Rows, f.Cols }

// MulVec implements Operator.
func (f *Func) MulVec(dst, x []float64) error {
	if err := checkMulDims(f, dst, x, false); err != nil {
		return err
	}
	return f.Apply(dst, x)
}

// MulTransVec implements Operator.
func (f *Func) MulTransVec(dst, x []float64) error {
	if f.ApplyTrans == nil {
		return ErrNoTranspose
	}
	if err := checkMulDims(f, dst, x, true); err != nil {
		return err
	}
	return f.ApplyTrans(dst, x)
}

// Compose returns the operator a∘b, applying b first.
func Compose(a, b Operator) (Operator, error) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != br {
		return nil, fmt.Errorf("%w: cannot compose %dx%d with %dx%d", ErrShape, ar, ac, br, bc)
	}
	return &Func{
		Rows: ar,
		Cols: bc,
		Apply: func(dst, x []float64) error {
			tmp := make([]float64, br)
			if err := b.MulVec(tmp, x); err != nil {
				return err
			}
			return a.MulVec(dst, tmp)
		},
		ApplyTrans: func(dst, x []float64) error {
			tmp := make([]float64, ac)
			if err := a.MulTransVec(tmp, x); err != nil {
				return err
			}
			return b.MulTransVec(dst, tmp)
		},
	}, nil
}

// ToDense materializes op column by column. Intended for small operators;
// the cost is cols forward applies.
func ToDense(op Operator) (*Dense, error) {
	rows, cols := op.Dims()
	out := NewDense(rows, cols)

	x := make([]float64, cols)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		x[j] = 1
		if err := op.MulVec(col, x); err != nil {
			return nil, err
		}
		x[j] = 0
		for i := 0; i < rows; i++ {
			out.m.Set(i, j, col[i])
		}
	}
	return out, nil
}
