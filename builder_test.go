package magsim_test

import (
	"context"
	"errors"
	"testing"

	"github.com/magsim/magsim"
	"github.com/magsim/magsim/linop"
	"github.com/magsim/magsim/mapping"
	"github.com/magsim/magsim/mesh"
	"github.com/magsim/magsim/survey"
)

func buildMesh(t *testing.T) (*mesh.TensorMesh, *mesh.ActiveSet) {
	t.Helper()
	m, err := mesh.NewUniformTensorMesh([3]float64{-1, -1, -2}, 2, 2, 2, 1)
	if err != nil {
		t.Fatalf("NewUniformTensorMesh failed: %v", err)
	}
	active, err := mesh.AllActive(m.CellCount())
	if err != nil {
		t.Fatalf("AllActive failed: %v", err)
	}
	return m, active
}

func buildSurvey(t *testing.T, comps ...survey.Component) *survey.Survey {
	t.Helper()
	if len(comps) == 0 {
		comps = []survey.Component{survey.TMI, survey.Bz}
	}
	s, err := survey.New(&survey.SourceField{
		Field: survey.UniformField{Amplitude: 50000, Inclination: 65, Declination: 10},
		Groups: []*survey.ReceiverGroup{{
			Locations:  [][3]float64{{0, 0, 1}, {0.5, -0.5, 1.5}},
			Components: comps,
		}},
	})
	if err != nil {
		t.Fatalf("survey.New failed: %v", err)
	}
	return s
}

func TestBuilder_Tensor_Basic(t *testing.T) {
	m, active := buildMesh(t)
	srv := buildSurvey(t)

	sim, err := magsim.Tensor(m, active, srv).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer sim.Close()

	if sim.NData() != 4 {
		t.Errorf("expected 4 data values, got %d", sim.NData())
	}
	if sim.NumCells() != 8 {
		t.Errorf("expected 8 active cells, got %d", sim.NumCells())
	}

	_, err = sim.Fields(context.Background(), make([]float64, sim.ModelLength()))
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}
}

func TestBuilder_Tensor_FullOptions(t *testing.T) {
	m, active := buildMesh(t)
	srv := buildSurvey(t)

	chiMap, err := mapping.NewScale([]float64{1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		t.Fatalf("NewScale failed: %v", err)
	}

	sim, err := magsim.Tensor(m, active, srv).
		Streaming().
		RAM().
		Scalar().
		Float64().
		Parallel(2).
		ChunkSize(8).
		Mapping(chiMap).
		Logger(magsim.NoopLogger()).
		Metrics(&magsim.BasicMetricsCollector{}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer sim.Close()

	if sim.Dtype() != linop.Float64 {
		t.Errorf("expected float64 storage, got %v", sim.Dtype())
	}

	_, err = sim.Fields(context.Background(), make([]float64, sim.ModelLength()))
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}
}

func TestBuilder_Tensor_ForwardOnlyForcesFloat64(t *testing.T) {
	m, active := buildMesh(t)
	srv := buildSurvey(t)

	sim, err := magsim.Tensor(m, active, srv).
		Streaming().
		ForwardOnly().
		Float32().
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer sim.Close()

	if sim.Dtype() != linop.Float64 {
		t.Errorf("forward-only storage should compute in float64, got %v", sim.Dtype())
	}
}

func TestBuilder_Immutable(t *testing.T) {
	m, active := buildMesh(t)
	srv := buildSurvey(t)

	base := magsim.Tensor(m, active, srv)
	fwdOnly := base.Streaming().ForwardOnly()

	// Deriving fwdOnly must not have touched base.
	sim, err := base.Build()
	if err != nil {
		t.Fatalf("base Build failed: %v", err)
	}
	defer sim.Close()

	g, err := sim.Sensitivity(context.Background())
	if err != nil {
		t.Fatalf("Sensitivity failed: %v", err)
	}
	if _, ok := g.(linop.Materialized); !ok {
		t.Error("base builder should keep the default materialized storage")
	}

	sim2, err := fwdOnly.Build()
	if err != nil {
		t.Fatalf("fwdOnly Build failed: %v", err)
	}
	defer sim2.Close()

	g2, err := sim2.Sensitivity(context.Background())
	if err != nil {
		t.Fatalf("Sensitivity failed: %v", err)
	}
	if _, ok := g2.(linop.Materialized); ok {
		t.Error("forward-only builder should stay matrix-free")
	}
}

func TestBuilder_Tensor_Disk(t *testing.T) {
	m, active := buildMesh(t)
	srv := buildSurvey(t)

	sim, err := magsim.Tensor(m, active, srv).
		Disk(t.TempDir()).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer sim.Close()

	_, err = sim.Fields(context.Background(), make([]float64, sim.ModelLength()))
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}
}

func TestBuilder_Layer_Basic(t *testing.T) {
	g, err := mesh.NewUniformLayerGrid([2]float64{-1, -1}, []float64{1, 1}, []float64{1, 1}, -0.5, -1.5)
	if err != nil {
		t.Fatalf("NewUniformLayerGrid failed: %v", err)
	}
	active, err := mesh.AllActive(g.CellCount())
	if err != nil {
		t.Fatalf("AllActive failed: %v", err)
	}
	srv := buildSurvey(t)

	sim, err := magsim.Layer(g, active, srv).
		Float64().
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer sim.Close()

	if sim.NumCells() != 4 {
		t.Errorf("expected 4 layer cells, got %d", sim.NumCells())
	}

	_, err = sim.Fields(context.Background(), make([]float64, sim.ModelLength()))
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}
}

func TestBuilder_Errors(t *testing.T) {
	m, active := buildMesh(t)
	srv := buildSurvey(t)

	_, err := magsim.Tensor(nil, active, srv).Build()
	if !errors.Is(err, magsim.ErrNoMesh) {
		t.Errorf("expected ErrNoMesh for nil mesh, got %v", err)
	}

	_, err = magsim.Layer(nil, active, srv).Build()
	if !errors.Is(err, magsim.ErrNoMesh) {
		t.Errorf("expected ErrNoMesh for nil grid, got %v", err)
	}

	// Active set built for a different cell count.
	wrong, err := mesh.AllActive(3)
	if err != nil {
		t.Fatalf("AllActive failed: %v", err)
	}
	if _, err := magsim.Tensor(m, wrong, srv).Build(); err == nil {
		t.Error("expected error for mismatched active set")
	}

	// Amplitude data without three-component receivers.
	_, err = magsim.Tensor(m, active, srv).AmplitudeData().Build()
	if err == nil {
		t.Error("expected error for amplitude data on a tmi survey")
	}
}

func TestBuilder_MustBuild_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected MustBuild to panic on invalid config")
		}
	}()

	_, active := buildMesh(t)
	_ = magsim.Tensor(nil, active, buildSurvey(t)).MustBuild()
}

func TestBuilder_MustBuild_Success(t *testing.T) {
	m, active := buildMesh(t)
	sim := magsim.Tensor(m, active, buildSurvey(t)).MustBuild()
	defer sim.Close()

	if sim.NData() != 4 {
		t.Errorf("expected 4 data values, got %d", sim.NData())
	}
}
