// Package kernel provides the closed-form geometric kernels of a rectangular
// prism, evaluated at corner offsets relative to an observation point.
//
// Every kernel is an antiderivative of a second or third spatial derivative
// of the inverse-distance potential 1/r, integrated over the prism volume.
// Evaluating a kernel at the 8 corners of a prism and combining the values
// with the alternating sign stencil (Signs) yields the prism's contribution
// to one magnetic field or field-gradient component.
//
// Arguments follow one convention throughout: u, v, w are the corner
// coordinates minus the observation point (node minus receiver), and
// r = sqrt(u² + v² + w²). Kernels are singular on the prism faces and edges;
// observation points are assumed to lie strictly outside the prism.
package kernel

import "math"

// Func is the signature shared by all corner kernels.
type Func func(u, v, w, r float64) float64

// Signs is the corner sign stencil for the 8-corner finite-difference sum,
// in corner order LLL, ULL, LUL, UUL, LLU, ULU, LUU, UUU (x varies fastest,
// then y, then z; L and U denote the lower and upper prism bound per axis).
// The sign of a corner is (-1)^(number of lower bounds).
var Signs = [8]float64{-1, 1, 1, -1, 1, -1, -1, 1}

// logEps guards logarithm kernels against the r+offset -> 0 cancellation
// that occurs when the observation point sits on a prism edge extension.
const logEps = 1e-10

// safeAtan2 is an arctangent restricted to (-pi/2, pi/2). Unlike math.Atan2
// it never adds quadrant corrections of +-pi; the corrections cancel in the
// 8-corner signed sum for observation points outside the prism, and the
// restricted branch keeps each corner value continuous across bound crossings.
func safeAtan2(y, x float64) float64 {
	if x != 0 {
		return math.Atan(y / x)
	}
	switch {
	case y > 0:
		return math.Pi / 2
	case y < 0:
		return -math.Pi / 2
	}
	return 0
}

// safeLog returns log(x), or 0 when x underflows to the singular limit.
func safeLog(x float64) float64 {
	if math.Abs(x) < logEps {
		return 0
	}
	return math.Log(x)
}

// Second-order kernels: corner antiderivatives of the tensor components of
// the prism's magnetic field. Fxy, Fxz and Fyz are symmetric in their index
// pairs (Fyx = Fxy and so on).

// Fxx is the xx tensor kernel.
func Fxx(u, v, w, r float64) float64 { return -safeAtan2(v*w, u*r) }

// Fyy is the yy tensor kernel.
func Fyy(u, v, w, r float64) float64 { return -safeAtan2(u*w, v*r) }

// Fzz is the zz tensor kernel.
func Fzz(u, v, w, r float64) float64 { return -safeAtan2(u*v, w*r) }

// Fxy is the xy tensor kernel.
func Fxy(u, v, w, r float64) float64 { return safeLog(w + r) }

// Fxz is the xz tensor kernel.
func Fxz(u, v, w, r float64) float64 { return safeLog(v + r) }

// Fyz is the yz tensor kernel.
func Fyz(u, v, w, r float64) float64 { return safeLog(u + r) }

// Third-order kernels: corner antiderivatives of the spatial gradients of the
// tensor components as measured at the observation point, used for
// field-gradient data and TMI derivatives. Names follow the derivative
// indices: the prism sum of Fxxy is the observation-point y-derivative of the
// prism sum of Fxx. The trace identities Fxxx+Fyyx+Fzzx = 0 (and cyclic)
// hold exactly at every corner.

// Fxxx is the xxx gradient kernel.
func Fxxx(u, v, w, r float64) float64 {
	return -v * w / r * (1/(u*u+v*v) + 1/(u*u+w*w))
}

// Fyyy is the yyy gradient kernel.
func Fyyy(u, v, w, r float64) float64 {
	return -u * w / r * (1/(u*u+v*v) + 1/(v*v+w*w))
}

// Fzzz is the zzz gradient kernel.
func Fzzz(u, v, w, r float64) float64 {
	return -u * v / r * (1/(u*u+w*w) + 1/(v*v+w*w))
}

// Fxxy is the xxy gradient kernel.
func Fxxy(u, v, w, r float64) float64 { return u * w / (r * (u*u + v*v)) }

// Fxxz is the xxz gradient kernel.
func Fxxz(u, v, w, r float64) float64 { return u * v / (r * (u*u + w*w)) }

// Fyyx is the yyx gradient kernel.
func Fyyx(u, v, w, r float64) float64 { return v * w / (r * (u*u + v*v)) }

// Fyyz is the yyz gradient kernel.
func Fyyz(u, v, w, r float64) float64 { return u * v / (r * (v*v + w*w)) }

// Fzzx is the zzx gradient kernel.
func Fzzx(u, v, w, r float64) float64 { return v * w / (r * (u*u + w*w)) }

// Fzzy is the zzy gradient kernel.
func Fzzy(u, v, w, r float64) float64 { return u * w / (r * (v*v + w*w)) }

// Fxyz is the xyz gradient kernel.
func Fxyz(u, v, w, r float64) float64 { return -1 / r }

// PrismSum evaluates the signed 8-corner sum of f for a prism with bounds
// (x1,x2) x (y1,y2) x (z1,z2) given relative to the observation point
// (bound minus receiver coordinate).
func PrismSum(f Func, x1, x2, y1, y2, z1, z2 float64) float64 {
	us := [2]float64{x1, x2}
	vs := [2]float64{y1, y2}
	ws := [2]float64{z1, z2}

	var sum float64
	for i := 0; i < 8; i++ {
		u := us[i&1]
		v := vs[i>>1&1]
		w := ws[i>>2&1]
		r := math.Sqrt(u*u + v*v + w*w)
		sum += Signs[i] * f(u, v, w, r)
	}
	return sum
}
