package magsim

import (
	"github.com/magsim/magsim/mesh"
	"github.com/magsim/magsim/survey"
)

// NewEquivalentSourceLayer builds a Simulation over the active cells of a
// single layer grid. An equivalent-source layer replaces the volumetric
// model with a thin sheet of prisms beneath the observations, which is
// sufficient to reproduce, interpolate and re-grid the observed field.
//
// Options behave exactly as in New.
func NewEquivalentSourceLayer(g *mesh.LayerGrid, active *mesh.ActiveSet, srv *survey.Survey, optFns ...Option) (*Simulation, error) {
	if g == nil {
		return nil, ErrNoMesh
	}
	dom, err := g.Domain(active)
	if err != nil {
		return nil, translateError(err)
	}
	return New(srv, dom, optFns...)
}
