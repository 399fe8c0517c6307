package engine

import (
	"math"

	"github.com/magsim/magsim/kernel"
	"github.com/magsim/magsim/survey"
)

// The integral equation carries a 1/4π factor applied once per matrix entry.
const invFourPi = 1.0 / (4 * math.Pi)

// kernelID enumerates the prism kernels a survey can demand. The order is
// the canonical evaluation order; plans list kernels ascending so merged
// coefficients accumulate deterministically.
type kernelID uint8

const (
	kFxx kernelID = iota
	kFyy
	kFzz
	kFxy
	kFxz
	kFyz
	kFxxx
	kFyyy
	kFzzz
	kFxxy
	kFxxz
	kFyyx
	kFyyz
	kFzzx
	kFzzy
	kFxyz
	numKernels
)

var kernelFuncs = [numKernels]kernel.Func{
	kFxx:  kernel.Fxx,
	kFyy:  kernel.Fyy,
	kFzz:  kernel.Fzz,
	kFxy:  kernel.Fxy,
	kFxz:  kernel.Fxz,
	kFyz:  kernel.Fyz,
	kFxxx: kernel.Fxxx,
	kFyyy: kernel.Fyyy,
	kFzzz: kernel.Fzzz,
	kFxxy: kernel.Fxxy,
	kFxxz: kernel.Fxxz,
	kFyyx: kernel.Fyyx,
	kFyyz: kernel.Fyyz,
	kFzzx: kernel.Fzzx,
	kFzzy: kernel.Fzzy,
	kFxyz: kernel.Fxyz,
}

// kernelVals holds one prism-summed value per kernel for a single
// (receiver, cell) pair.
type kernelVals [numKernels]float64

type term struct {
	k     kernelID
	coeff float64
}

// rowPlan is the compiled recipe for one component row. Exactly one of the
// two representations is populated, matching the engine's model type: merged
// folds the inducing-field coupling b0 into per-kernel coefficients for the
// scalar model, axis keeps the three spatial blocks separate with the field
// amplitude folded in for the vector model.
type rowPlan struct {
	merged []term
	axis   [3][]term
}

func (p *rowPlan) value(vals *kernelVals) float64 {
	var s float64
	for _, t := range p.merged {
		s += t.coeff * vals[t.k]
	}
	return s
}

func (p *rowPlan) axisValue(a int, vals *kernelVals) float64 {
	var s float64
	for _, t := range p.axis[a] {
		s += t.coeff * vals[t.k]
	}
	return s
}

// triplets maps the plain components to their per-axis kernels: the row of
// the (second or third order) prism tensor the component reads.
var triplets = map[survey.Component][3]kernelID{
	survey.Bx:  {kFxx, kFxy, kFxz},
	survey.By:  {kFxy, kFyy, kFyz},
	survey.Bz:  {kFxz, kFyz, kFzz},
	survey.Bxx: {kFxxx, kFxxy, kFxxz},
	survey.Byy: {kFyyx, kFyyy, kFyyz},
	survey.Bzz: {kFzzx, kFzzy, kFzzz},
	survey.Bxy: {kFxxy, kFyyx, kFxyz},
	survey.Bxz: {kFxxz, kFxyz, kFzzx},
	survey.Byz: {kFxyz, kFyyz, kFzzy},
}

// fieldComps and gradComps expand the TMI projection: a tmi row is the
// projection direction contracted against the field-component rows, and a
// tmi_q row contracts it against the q-th gradient rows.
var fieldComps = [3]survey.Component{survey.Bx, survey.By, survey.Bz}

var gradComps = [3][3]survey.Component{
	{survey.Bxx, survey.Bxy, survey.Bxz},
	{survey.Bxy, survey.Byy, survey.Byz},
	{survey.Bxz, survey.Byz, survey.Bzz},
}

func projected(tri [3]kernelID, t [3]float64) []term {
	return []term{{tri[0], t[0]}, {tri[1], t[1]}, {tri[2], t[2]}}
}

// axisTerms returns the kernel terms of component c for each spatial axis,
// before any model-type scaling.
func axisTerms(c survey.Component, t [3]float64) ([3][]term, error) {
	var ax [3][]term
	switch c {
	case survey.TMI:
		for a := 0; a < 3; a++ {
			ax[a] = projected(triplets[fieldComps[a]], t)
		}
	case survey.TMIX, survey.TMIY, survey.TMIZ:
		var q int
		switch c {
		case survey.TMIY:
			q = 1
		case survey.TMIZ:
			q = 2
		}
		for a := 0; a < 3; a++ {
			ax[a] = projected(triplets[gradComps[q][a]], t)
		}
	default:
		tri, ok := triplets[c]
		if !ok {
			return ax, &survey.UnsupportedComponentError{Component: c}
		}
		for a := 0; a < 3; a++ {
			ax[a] = []term{{tri[a], 1}}
		}
	}
	return ax, nil
}

// compileGroup builds the row plans for one receiver group and the ordered
// union of kernels the group needs. Components sharing kernels share the
// evaluations.
func compileGroup(field survey.UniformField, comps []survey.Component, vector bool) ([]rowPlan, []kernelID, error) {
	t := field.Direction()
	b0 := field.B0()

	var used [numKernels]bool
	plans := make([]rowPlan, len(comps))
	for i, c := range comps {
		ax, err := axisTerms(c, t)
		if err != nil {
			return nil, nil, err
		}

		if vector {
			for a := 0; a < 3; a++ {
				scaled := make([]term, len(ax[a]))
				for j, tm := range ax[a] {
					scaled[j] = term{k: tm.k, coeff: field.Amplitude * tm.coeff}
					used[tm.k] = true
				}
				plans[i].axis[a] = scaled
			}
			continue
		}

		var coeff [numKernels]float64
		var ref [numKernels]bool
		for a := 0; a < 3; a++ {
			for _, tm := range ax[a] {
				coeff[tm.k] += b0[a] * tm.coeff
				ref[tm.k] = true
				used[tm.k] = true
			}
		}
		for k := kernelID(0); k < numKernels; k++ {
			if ref[k] {
				plans[i].merged = append(plans[i].merged, term{k: k, coeff: coeff[k]})
			}
		}
	}

	kerns := make([]kernelID, 0, numKernels)
	for k := kernelID(0); k < numKernels; k++ {
		if used[k] {
			kerns = append(kerns, k)
		}
	}
	return plans, kerns, nil
}
