package kernel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// prismSumAt evaluates PrismSum for absolute prism bounds and an observation
// point, converting to the relative-offset convention.
func prismSumAt(f Func, bounds [6]float64, p [3]float64) float64 {
	return PrismSum(f,
		bounds[0]-p[0], bounds[1]-p[0],
		bounds[2]-p[1], bounds[3]-p[1],
		bounds[4]-p[2], bounds[5]-p[2],
	)
}

var unitCube = [6]float64{-0.5, 0.5, -0.5, 0.5, -0.5, 0.5}

func TestPrismSum_SecondOrderTraceVanishes(t *testing.T) {
	// The field tensor of a prism is trace-free outside the prism.
	points := [][3]float64{
		{1.3, -2.1, 3.7},
		{0, 0, 10},
		{-4.2, 0.4, -1.9},
	}
	for _, p := range points {
		trace := prismSumAt(Fxx, unitCube, p) +
			prismSumAt(Fyy, unitCube, p) +
			prismSumAt(Fzz, unitCube, p)
		assert.InDelta(t, 0, trace, 1e-12)
	}
}

func TestKernels_ThirdOrderTraceVanishes(t *testing.T) {
	// Fxxq + Fyyq + Fzzq = 0 holds per corner, not just in the prism sum.
	corners := [][3]float64{
		{0.8, -1.7, 2.4},
		{-3.1, 0.2, -0.9},
		{5.5, 4.4, 3.3},
	}
	for _, c := range corners {
		u, v, w := c[0], c[1], c[2]
		r := math.Sqrt(u*u + v*v + w*w)

		assert.InDelta(t, 0, Fxxx(u, v, w, r)+Fyyx(u, v, w, r)+Fzzx(u, v, w, r), 1e-15)
		assert.InDelta(t, 0, Fxxy(u, v, w, r)+Fyyy(u, v, w, r)+Fzzy(u, v, w, r), 1e-15)
		assert.InDelta(t, 0, Fxxz(u, v, w, r)+Fyyz(u, v, w, r)+Fzzz(u, v, w, r), 1e-15)
	}
}

func TestKernels_AxisPermutationSymmetry(t *testing.T) {
	u, v, w := 1.1, -2.3, 0.7
	r := math.Sqrt(u*u + v*v + w*w)

	// Fyy and Fzz are Fxx with the axes swapped into first position.
	assert.Equal(t, Fxx(v, u, w, r), Fyy(u, v, w, r))
	assert.Equal(t, Fxx(w, v, u, r), Fzz(u, v, w, r))
}

func TestPrismSum_GradientMatchesFiniteDifference(t *testing.T) {
	// The third-order prism sums are the observation-point derivatives of
	// the second-order prism sums.
	p := [3]float64{1.3, -2.1, 3.7}
	const h = 1e-5

	cases := []struct {
		name   string
		second Func
		axis   int
		third  Func
	}{
		{"dFxx/dx", Fxx, 0, Fxxx},
		{"dFxx/dy", Fxx, 1, Fxxy},
		{"dFyy/dz", Fyy, 2, Fyyz},
		{"dFzz/dx", Fzz, 0, Fzzx},
		{"dFxy/dz", Fxy, 2, Fxyz},
		{"dFyz/dy", Fyz, 1, Fyyz},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plus, minus := p, p
			plus[tc.axis] += h
			minus[tc.axis] -= h

			fd := (prismSumAt(tc.second, unitCube, plus) - prismSumAt(tc.second, unitCube, minus)) / (2 * h)
			exact := prismSumAt(tc.third, unitCube, p)
			require.InEpsilon(t, exact, fd, 1e-4)
		})
	}
}

func TestPrismSum_DipoleLimit(t *testing.T) {
	// Far from the prism the zz sum approaches the dipole value 2V/R^3.
	got := prismSumAt(Fzz, unitCube, [3]float64{0, 0, 10})
	require.InEpsilon(t, 2.0/1000.0, got, 0.01)
	assert.Positive(t, got)
}

func TestKernels_SingularGuards(t *testing.T) {
	// Observation point aligned with a face: the atan argument collapses to
	// the x=0 branch.
	assert.Equal(t, -math.Pi/2, Fzz(1, 1, 0, math.Sqrt2))
	assert.Equal(t, math.Pi/2, Fzz(-1, 1, 0, math.Sqrt2))

	// On the axis below a corner the log argument cancels to zero.
	assert.Equal(t, 0.0, Fxy(0, 0, -1, 1))
}
