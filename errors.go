package magsim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/magsim/magsim/engine"
	"github.com/magsim/magsim/linop"
	"github.com/magsim/magsim/mapping"
	"github.com/magsim/magsim/mesh"
)

var (
	// ErrNoSurvey is returned when a simulation is constructed without a survey.
	ErrNoSurvey = errors.New("no survey attached")

	// ErrNoMesh is returned when a simulation is constructed without mesh geometry.
	ErrNoMesh = errors.New("no mesh attached")

	// ErrEmptyActiveSet is returned when the active-cell mask selects no cells.
	ErrEmptyActiveSet = errors.New("active set selects no cells")

	// ErrClosed is returned by operations on a closed simulation.
	ErrClosed = errors.New("simulation is closed")
)

// UnsupportedConfigError reports an operation the configured combination of
// engine, storage and amplitude mode cannot perform. Hint names a supported
// alternative.
type UnsupportedConfigError struct {
	Op        string
	Engine    EngineKind
	Storage   Storage
	Amplitude bool
	Hint      string
}

func (e *UnsupportedConfigError) Error() string {
	msg := fmt.Sprintf("%s is not supported with engine %q and storage %q", e.Op, e.Engine, e.Storage)
	if e.Amplitude {
		msg += " on amplitude data"
	}
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

// InvalidOptionError reports a configuration value outside the allowed set.
//
// It is returned at construction time, never during operation.
type InvalidOptionError struct {
	Option  string
	Value   string
	Allowed []string
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("invalid %s %q, expected one of: %s", e.Option, e.Value, strings.Join(e.Allowed, ", "))
}

// DimensionMismatchError indicates a model or data vector of the wrong length.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type DimensionMismatchError struct {
	Expected int
	Actual   int
	cause    error
}

func (e *DimensionMismatchError) Error() string {
	if e.Expected == 0 && e.Actual == 0 && e.cause != nil {
		return e.cause.Error()
	}
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, mesh.ErrEmptyActiveSet) {
		return fmt.Errorf("%w: %w", ErrEmptyActiveSet, err)
	}

	// Dimension normalization across the collaborating packages.
	if errors.Is(err, engine.ErrDimension) ||
		errors.Is(err, linop.ErrShape) ||
		errors.Is(err, mapping.ErrDim) {
		return &DimensionMismatchError{cause: err}
	}

	return err
}
