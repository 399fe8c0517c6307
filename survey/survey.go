// Package survey describes magnetic surveys: the uniform regional field, the
// receivers observing it, and the physical components each receiver requests.
// The ordering of groups, receivers and components fixes the row layout of
// every data vector and sensitivity matrix assembled from a survey.
package survey

import (
	"errors"
	"fmt"
	"math"
)

// UniformField is the ambient (inducing) magnetic field: amplitude in nT,
// inclination and declination in degrees. Inclination is positive downward,
// declination clockwise from north.
type UniformField struct {
	Amplitude   float64
	Inclination float64
	Declination float64
}

// Direction returns the unit vector of the field in (east, north, up)
// coordinates. Inclination 90 points straight down: (0, 0, -1).
func (f UniformField) Direction() [3]float64 {
	azimuthX := math.Mod(450-f.Declination, 360) * math.Pi / 180
	inc := -f.Inclination * math.Pi / 180
	return [3]float64{
		math.Cos(inc) * math.Cos(azimuthX),
		math.Cos(inc) * math.Sin(azimuthX),
		math.Sin(inc),
	}
}

// B0 returns the Cartesian field vector in nT.
func (f UniformField) B0() [3]float64 {
	d := f.Direction()
	return [3]float64{f.Amplitude * d[0], f.Amplitude * d[1], f.Amplitude * d[2]}
}

// ReceiverGroup is a set of receiver locations sharing one ordered component
// request. Within a group every receiver observes the same components in the
// same order; the component index varies fastest in the row layout.
type ReceiverGroup struct {
	// Locations in (east, north, up) coordinates.
	Locations [][3]float64

	// Components requested at every location, in row order.
	Components []Component
}

// NumReceivers returns the number of receiver locations.
func (g *ReceiverGroup) NumReceivers() int { return len(g.Locations) }

// NumComponents returns the number of requested components.
func (g *ReceiverGroup) NumComponents() int { return len(g.Components) }

// NumData returns the number of data rows the group produces.
func (g *ReceiverGroup) NumData() int { return len(g.Locations) * len(g.Components) }

func (g *ReceiverGroup) validate(idx int) error {
	if g == nil {
		return fmt.Errorf("survey: receiver group %d is nil", idx)
	}
	if len(g.Locations) == 0 {
		return fmt.Errorf("survey: receiver group %d has no locations", idx)
	}
	if len(g.Components) == 0 {
		return fmt.Errorf("survey: receiver group %d requests no components", idx)
	}
	seen := make(map[Component]struct{}, len(g.Components))
	for _, c := range g.Components {
		if !c.Valid() {
			return &UnsupportedComponentError{Component: c}
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("survey: receiver group %d requests %q twice", idx, c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// SourceField couples the uniform regional field with the receiver groups
// observing it.
type SourceField struct {
	Field  UniformField
	Groups []*ReceiverGroup
}

// Survey is an ordered magnetic survey with a single inducing source.
type Survey struct {
	source *SourceField
	nData  int
}

// New validates and wraps a source field into a survey.
func New(src *SourceField) (*Survey, error) {
	if src == nil {
		return nil, errors.New("survey: nil source field")
	}
	if src.Field.Amplitude <= 0 {
		return nil, fmt.Errorf("survey: field amplitude %v must be positive", src.Field.Amplitude)
	}
	if len(src.Groups) == 0 {
		return nil, errors.New("survey: source has no receiver groups")
	}

	nData := 0
	for i, g := range src.Groups {
		if err := g.validate(i); err != nil {
			return nil, err
		}
		nData += g.NumData()
	}

	return &Survey{source: src, nData: nData}, nil
}

// Field returns the inducing field.
func (s *Survey) Field() UniformField { return s.source.Field }

// Groups returns the receiver groups in row order.
func (s *Survey) Groups() []*ReceiverGroup { return s.source.Groups }

// NData returns the total number of data rows.
func (s *Survey) NData() int { return s.nData }

// ThreeComponent reports whether every group requests exactly bx, by, bz in
// that order, the shape amplitude data is derived from.
func (s *Survey) ThreeComponent() bool {
	for _, g := range s.source.Groups {
		if len(g.Components) != 3 ||
			g.Components[0] != Bx || g.Components[1] != By || g.Components[2] != Bz {
			return false
		}
	}
	return true
}
