package magsim

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"

	"github.com/magsim/magsim/linop"
	"github.com/magsim/magsim/mapping"
)

// Jacobian returns the Jacobian of the simulated data with respect to the
// model as a linear operator. With the identity mapping this is the
// sensitivity itself. A diagonal mapping over a materialized sensitivity
// folds into a new materialized matrix; any other mapping composes
// matrix-free.
//
// Amplitude data has a model-dependent Jacobian with no operator form here;
// use ApplyJ and ApplyJT instead.
func (s *Simulation) Jacobian(ctx context.Context, model []float64) (linop.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.amplitude {
		return nil, &UnsupportedConfigError{
			Op:        "jacobian operator",
			Engine:    s.engineKind,
			Storage:   s.storage,
			Amplitude: true,
			Hint:      "use ApplyJ and ApplyJT for amplitude data",
		}
	}
	if err := s.setModel(model); err != nil {
		return nil, err
	}

	g, err := s.operatorG(ctx)
	if err != nil {
		return nil, err
	}

	switch m := s.chiMap.(type) {
	case *mapping.Identity:
		return g, nil
	case *mapping.Scale:
		if mg, ok := g.(linop.Materialized); ok {
			j, err := linop.NewColumnScaled(mg, m.Diag())
			if err != nil {
				return nil, translateError(err)
			}
			return j, nil
		}
	}

	deriv, err := s.chiMap.Deriv(s.model)
	if err != nil {
		return nil, translateError(err)
	}
	j, err := linop.Compose(g, deriv)
	if err != nil {
		return nil, translateError(err)
	}
	return j, nil
}

// ApplyJ computes J·v, the data perturbation produced by the model
// perturbation v. The result has NData entries.
func (s *Simulation) ApplyJ(ctx context.Context, model, v []float64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	start := time.Now()
	out, err := s.applyJLocked(ctx, model, v)
	s.metrics.RecordForward(time.Since(start), err)
	return out, err
}

func (s *Simulation) applyJLocked(ctx context.Context, model, v []float64) ([]float64, error) {
	if err := s.setModel(model); err != nil {
		return nil, err
	}
	if len(v) != s.chiMap.InDim() {
		return nil, &DimensionMismatchError{Expected: s.chiMap.InDim(), Actual: len(v)}
	}

	deriv, err := s.chiMap.Deriv(s.model)
	if err != nil {
		return nil, translateError(err)
	}
	dchi := make([]float64, s.cols)
	if err := deriv.MulVec(dchi, v); err != nil {
		return nil, translateError(err)
	}

	jv, err := s.applyG(ctx, dchi)
	if err != nil {
		return nil, err
	}
	if !s.amplitude {
		return jv, nil
	}

	// Chain rule through the amplitude: contract each receiver's three
	// component perturbations against the normalized field.
	amp, err := s.ampDerivative(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]float64, s.nD)
	for k := range out {
		out[k] = amp[3*k]*jv[3*k] + amp[3*k+1]*jv[3*k+1] + amp[3*k+2]*jv[3*k+2]
	}
	return out, nil
}

// ApplyJT computes Jᵀ·v, mapping a data-space vector back to model space.
// For amplitude data v has one entry per receiver.
func (s *Simulation) ApplyJT(ctx context.Context, model, v []float64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	start := time.Now()
	out, err := s.applyJTLocked(ctx, model, v)
	s.metrics.RecordTranspose(time.Since(start), err)
	return out, err
}

func (s *Simulation) applyJTLocked(ctx context.Context, model, v []float64) ([]float64, error) {
	if err := s.setModel(model); err != nil {
		return nil, err
	}
	if len(v) != s.nD {
		return nil, &DimensionMismatchError{Expected: s.nD, Actual: len(v)}
	}

	w := v
	if s.amplitude {
		amp, err := s.ampDerivative(ctx)
		if err != nil {
			return nil, err
		}
		w = make([]float64, s.rows)
		for k := 0; k < s.nD; k++ {
			w[3*k] = amp[3*k] * v[k]
			w[3*k+1] = amp[3*k+1] * v[k]
			w[3*k+2] = amp[3*k+2] * v[k]
		}
	}

	gt, err := s.applyGT(ctx, w)
	if err != nil {
		return nil, err
	}

	deriv, err := s.chiMap.Deriv(s.model)
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]float64, s.chiMap.InDim())
	if err := deriv.MulTransVec(out, gt); err != nil {
		return nil, translateError(err)
	}
	return out, nil
}

// JTJDiag computes the diagonal of JᵀWᵀWJ, the Gauss-Newton curvature
// approximation used for preconditioning and sensitivity weighting. w is
// the diagonal of W with one entry per datum; nil means unit weights.
//
// The accumulated diagonal in susceptibility space is cached and reused
// while the weights stay the same. The mapping chain rule is applied on
// every call, so mapping changes between calls are reflected without a
// recomputation.
func (s *Simulation) JTJDiag(ctx context.Context, model, w []float64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	start := time.Now()
	out, cached, err := s.jtjDiagLocked(ctx, model, w)
	elapsed := time.Since(start)
	s.metrics.RecordDiagonal(elapsed, cached, err)
	s.logger.LogDiagonal(ctx, cached, elapsed, err)
	return out, err
}

func (s *Simulation) jtjDiagLocked(ctx context.Context, model, w []float64) ([]float64, bool, error) {
	if err := s.setModel(model); err != nil {
		return nil, false, err
	}
	if w != nil && len(w) != s.nD {
		return nil, false, &DimensionMismatchError{Expected: s.nD, Actual: len(w)}
	}

	wsq := make([]float64, s.nD)
	if w == nil {
		for i := range wsq {
			wsq[i] = 1
		}
	} else {
		for i, x := range w {
			wsq[i] = x * x
		}
	}

	digest := weightsDigest(wsq)
	cached := s.haveDiag && digest == s.wDigest
	if !cached {
		diag, err := s.computeDiag(ctx, wsq)
		if err != nil {
			return nil, false, err
		}
		s.gtgDiag = diag
		s.wDigest = digest
		s.haveDiag = true
	}

	out, err := s.chiMap.SquaredDerivTVec(s.model, s.gtgDiag)
	if err != nil {
		return nil, cached, translateError(err)
	}
	return out, cached, nil
}

func (s *Simulation) computeDiag(ctx context.Context, wsq []float64) ([]float64, error) {
	switch s.diagMode {
	case diagStream:
		out := make([]float64, s.cols)
		if err := s.eng.DiagGtG(ctx, wsq, out); err != nil {
			return nil, translateError(err)
		}
		return out, nil
	case diagRows:
		return s.diagFromRows(ctx, wsq)
	case diagAmplitudeRows:
		return s.diagFromAmplitudeRows(ctx, wsq)
	default:
		return nil, s.diagErr
	}
}

// diagFromRows contracts the materialized sensitivity row by row:
// diag[j] = sum_i w[i]·G[i,j]².
func (s *Simulation) diagFromRows(ctx context.Context, wsq []float64) ([]float64, error) {
	g, err := s.operatorG(ctx)
	if err != nil {
		return nil, err
	}
	mg := g.(linop.Materialized)

	out := make([]float64, s.cols)
	row := make([]float64, s.cols)
	for i := 0; i < s.rows; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wi := wsq[i]
		if wi == 0 {
			continue
		}
		mg.Row(row, i)
		for j, gij := range row {
			out[j] += wi * gij * gij
		}
	}
	return out, nil
}

// diagFromAmplitudeRows contracts the three component rows of each receiver
// against the normalized field before squaring, so the diagonal reflects
// the amplitude Jacobian rather than the component sensitivities.
func (s *Simulation) diagFromAmplitudeRows(ctx context.Context, wsq []float64) ([]float64, error) {
	g, err := s.operatorG(ctx)
	if err != nil {
		return nil, err
	}
	mg := g.(linop.Materialized)

	amp, err := s.ampDerivative(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]float64, s.cols)
	acc := make([]float64, s.cols)
	row := make([]float64, s.cols)
	for k := 0; k < s.nD; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := range acc {
			acc[j] = 0
		}
		for a := 0; a < 3; a++ {
			f := amp[3*k+a]
			if f == 0 {
				continue
			}
			mg.Row(row, 3*k+a)
			for j, gij := range row {
				acc[j] += f * gij
			}
		}
		wk := wsq[k]
		for j, rj := range acc {
			out[j] += wk * rj * rj
		}
	}
	return out, nil
}

// applyG computes G·x. Unlike Fields, matrix-free products here are gated
// on engine support for the full Jacobian surface.
// Callers must hold s.mu.
func (s *Simulation) applyG(ctx context.Context, x []float64) ([]float64, error) {
	out := make([]float64, s.rows)
	if s.gMode == gMatrixFree {
		if s.assembleErr != nil {
			return nil, s.assembleErr
		}
		if err := s.eng.Forward(ctx, x, out); err != nil {
			return nil, translateError(err)
		}
		return out, nil
	}

	g, err := s.operatorG(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.MulVec(out, x); err != nil {
		return nil, translateError(err)
	}
	return out, nil
}

// applyGT computes Gᵀ·v.
// Callers must hold s.mu.
func (s *Simulation) applyGT(ctx context.Context, v []float64) ([]float64, error) {
	out := make([]float64, s.cols)
	if s.gMode == gMatrixFree {
		if s.assembleErr != nil {
			return nil, s.assembleErr
		}
		if err := s.eng.ApplyTranspose(ctx, v, out); err != nil {
			return nil, translateError(err)
		}
		return out, nil
	}

	g, err := s.operatorG(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.MulTransVec(out, v); err != nil {
		return nil, translateError(err)
	}
	return out, nil
}

// ampDerivative returns the model-dependent factor of the amplitude
// Jacobian: the simulated field normalized per receiver, laid out like the
// component rows. A receiver with zero field keeps a zero derivative.
// Cached until the model changes. Callers must hold s.mu.
func (s *Simulation) ampDerivative(ctx context.Context) ([]float64, error) {
	if s.ampDeriv != nil {
		return s.ampDeriv, nil
	}

	b, err := s.applyG(ctx, s.chi)
	if err != nil {
		return nil, err
	}

	amp := computeAmplitude(b)
	deriv := make([]float64, s.rows)
	for k, a := range amp {
		if a == 0 {
			continue
		}
		deriv[3*k] = b[3*k] / a
		deriv[3*k+1] = b[3*k+1] / a
		deriv[3*k+2] = b[3*k+2] / a
	}
	s.ampDeriv = deriv
	return deriv, nil
}

// weightsDigest fingerprints a weight vector so repeated diagonal requests
// with identical weights reuse the accumulated result.
func weightsDigest(w []float64) [sha256.Size]byte {
	h := sha256.New()
	var buf [8]byte
	for _, v := range w {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	var d [sha256.Size]byte
	h.Sum(d[:0])
	return d
}
