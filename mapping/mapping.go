// Package mapping provides model parameterizations. A Mapping turns an
// inversion parameter vector into the physical property vector a simulation
// consumes, and exposes the derivative of that transform as a linear
// operator so sensitivities compose through the chain rule.
package mapping

import (
	"errors"
	"fmt"

	"github.com/magsim/magsim/linop"
)

// ErrDim reports a parameter or model vector of the wrong length.
var ErrDim = errors.New("mapping: dimension mismatch")

// Mapping transforms parameters into model values.
//
// All bundled mappings are linear, so Deriv ignores the point of
// linearization, but the signature passes it through for forward
// compatibility with nonlinear parameterizations.
type Mapping interface {
	// InDim returns the parameter count.
	InDim() int

	// OutDim returns the number of model values produced.
	OutDim() int

	// Apply writes the model values for params into dst and returns it.
	Apply(dst, params []float64) ([]float64, error)

	// Deriv returns the Jacobian of the transform at params.
	Deriv(params []float64) (linop.Operator, error)

	// SquaredDerivTVec computes sum_j Deriv[j,p]^2 * v[j] for each
	// parameter p. It is the building block for diagonal Gauss-Newton
	// preconditioners.
	SquaredDerivTVec(params, v []float64) ([]float64, error)
}

// Identity maps parameters straight through.
type Identity struct {
	n int
}

// NewIdentity returns the identity mapping on n parameters.
func NewIdentity(n int) *Identity { return &Identity{n: n} }

// InDim implements Mapping.
func (m *Identity) InDim() int { return m.n }

// OutDim implements Mapping.
func (m *Identity) OutDim() int { return m.n }

// Apply implements Mapping.
func (m *Identity) Apply(dst, params []float64) ([]float64, error) {
	if len(params) != m.n || len(dst) != m.n {
		return nil, fmt.Errorf("%w: identity over %d parameters, got dst %d and params %d", ErrDim, m.n, len(dst), len(params))
	}
	copy(dst, params)
	return dst, nil
}

// Deriv implements Mapping.
func (m *Identity) Deriv([]float64) (linop.Operator, error) {
	apply := func(dst, x []float64) error {
		copy(dst, x)
		return nil
	}
	return &linop.Func{Rows: m.n, Cols: m.n, Apply: apply, ApplyTrans: apply}, nil
}

// SquaredDerivTVec implements Mapping.
func (m *Identity) SquaredDerivTVec(_, v []float64) ([]float64, error) {
	if len(v) != m.n {
		return nil, fmt.Errorf("%w: identity over %d parameters, got %d", ErrDim, m.n, len(v))
	}
	out := make([]float64, m.n)
	copy(out, v)
	return out, nil
}

// Scale maps each parameter through a fixed per-cell factor.
type Scale struct {
	diag []float64
}

// NewScale returns a diagonal mapping with the given factors.
func NewScale(diag []float64) (*Scale, error) {
	if len(diag) == 0 {
		return nil, fmt.Errorf("%w: empty scale", ErrDim)
	}
	d := make([]float64, len(diag))
	copy(d, diag)
	return &Scale{diag: d}, nil
}

// InDim implements Mapping.
func (m *Scale) InDim() int { return len(m.diag) }

// OutDim implements Mapping.
func (m *Scale) OutDim() int { return len(m.diag) }

// Diag returns a copy of the per-cell factors.
func (m *Scale) Diag() []float64 {
	out := make([]float64, len(m.diag))
	copy(out, m.diag)
	return out
}

// Apply implements Mapping.
func (m *Scale) Apply(dst, params []float64) ([]float64, error) {
	n := len(m.diag)
	if len(params) != n || len(dst) != n {
		return nil, fmt.Errorf("%w: scale over %d parameters, got dst %d and params %d", ErrDim, n, len(dst), len(params))
	}
	for i, p := range params {
		dst[i] = m.diag[i] * p
	}
	return dst, nil
}

// Deriv implements Mapping.
func (m *Scale) Deriv([]float64) (linop.Operator, error) {
	n := len(m.diag)
	apply := func(dst, x []float64) error {
		for i := range dst {
			dst[i] = m.diag[i] * x[i]
		}
		return nil
	}
	return &linop.Func{Rows: n, Cols: n, Apply: apply, ApplyTrans: apply}, nil
}

// SquaredDerivTVec implements Mapping.
func (m *Scale) SquaredDerivTVec(_, v []float64) ([]float64, error) {
	n := len(m.diag)
	if len(v) != n {
		return nil, fmt.Errorf("%w: scale over %d parameters, got %d", ErrDim, n, len(v))
	}
	out := make([]float64, n)
	for i, d := range m.diag {
		out[i] = d * d * v[i]
	}
	return out, nil
}

// Linear maps parameters through a dense matrix with an optional offset:
// model = A*params + b.
type Linear struct {
	a      *linop.Dense
	offset []float64
	rows   int
	cols   int
}

// NewLinear returns the affine mapping A*params + offset. A nil offset means
// zero.
func NewLinear(a *linop.Dense, offset []float64) (*Linear, error) {
	rows, cols := a.Dims()
	if offset != nil && len(offset) != rows {
		return nil, fmt.Errorf("%w: offset length %d for a %dx%d matrix", ErrDim, len(offset), rows, cols)
	}
	m := &Linear{a: a, rows: rows, cols: cols}
	if offset != nil {
		m.offset = make([]float64, rows)
		copy(m.offset, offset)
	}
	return m, nil
}

// InDim implements Mapping.
func (m *Linear) InDim() int { return m.cols }

// OutDim implements Mapping.
func (m *Linear) OutDim() int { return m.rows }

// Apply implements Mapping.
func (m *Linear) Apply(dst, params []float64) ([]float64, error) {
	if err := m.a.MulVec(dst, params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDim, err)
	}
	if m.offset != nil {
		for i := range dst {
			dst[i] += m.offset[i]
		}
	}
	return dst, nil
}

// Deriv implements Mapping. The offset drops out of the derivative.
func (m *Linear) Deriv([]float64) (linop.Operator, error) {
	return m.a, nil
}

// SquaredDerivTVec implements Mapping.
func (m *Linear) SquaredDerivTVec(_, v []float64) ([]float64, error) {
	if len(v) != m.rows {
		return nil, fmt.Errorf("%w: linear mapping produces %d values, got %d", ErrDim, m.rows, len(v))
	}
	out := make([]float64, m.cols)
	row := make([]float64, m.cols)
	for j := 0; j < m.rows; j++ {
		if v[j] == 0 {
			continue
		}
		m.a.Row(row, j)
		for p, a := range row {
			out[p] += a * a * v[j]
		}
	}
	return out, nil
}
