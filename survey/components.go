package survey

import (
	"fmt"
	"strings"
)

// Component is a physical quantity a receiver can observe.
type Component string

// Field components, field-gradient components, total magnetic intensity and
// its spatial derivatives. This is the complete supported vocabulary.
const (
	Bx Component = "bx"
	By Component = "by"
	Bz Component = "bz"

	Bxx Component = "bxx"
	Byy Component = "byy"
	Bzz Component = "bzz"
	Bxy Component = "bxy"
	Bxz Component = "bxz"
	Byz Component = "byz"

	TMI  Component = "tmi"
	TMIX Component = "tmi_x"
	TMIY Component = "tmi_y"
	TMIZ Component = "tmi_z"
)

// Components lists the supported vocabulary in a stable order.
var Components = []Component{
	Bx, By, Bz,
	Bxx, Byy, Bzz, Bxy, Bxz, Byz,
	TMI, TMIX, TMIY, TMIZ,
}

// Valid reports whether c belongs to the supported vocabulary.
func (c Component) Valid() bool {
	switch c {
	case Bx, By, Bz, Bxx, Byy, Bzz, Bxy, Bxz, Byz, TMI, TMIX, TMIY, TMIZ:
		return true
	}
	return false
}

// Gradient reports whether c is a field-gradient or TMI-derivative component.
func (c Component) Gradient() bool {
	switch c {
	case Bxx, Byy, Bzz, Bxy, Bxz, Byz, TMIX, TMIY, TMIZ:
		return true
	}
	return false
}

// UnsupportedComponentError reports a component outside the vocabulary.
type UnsupportedComponentError struct {
	Component Component
}

func (e *UnsupportedComponentError) Error() string {
	names := make([]string, len(Components))
	for i, c := range Components {
		names[i] = string(c)
	}
	return fmt.Sprintf("survey: component %q is not implemented, supported: %s",
		string(e.Component), strings.Join(names, ", "))
}
