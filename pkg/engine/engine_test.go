package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/knurl/pkg/engine"
	"github.com/chazu/knurl/pkg/kernel"
	"github.com/chazu/knurl/pkg/worker"
)

type boxSolid struct {
	w, h, d float64
}

func (s *boxSolid) BoundingBox() (min, max [3]float64) {
	return [3]float64{}, [3]float64{s.w, s.h, s.d}
}

// stubKernel supports just enough operations for sequence tests. Negative
// box dimensions fail, which gives sequences a deterministic failing step.
type stubKernel struct{}

func (k *stubKernel) Box(w, h, d float64) (kernel.Solid, error) {
	if w <= 0 || h <= 0 || d <= 0 {
		return nil, assert.AnError
	}
	return &boxSolid{w, h, d}, nil
}

func (k *stubKernel) Cylinder(r, h float64, _ int) (kernel.Solid, error) {
	return &boxSolid{r * 2, r * 2, h}, nil
}

func (k *stubKernel) Sphere(r float64, _, _ int) (kernel.Solid, error) {
	return &boxSolid{r * 2, r * 2, r * 2}, nil
}

func (k *stubKernel) Cone(r, h float64, _ int) (kernel.Solid, error) {
	return &boxSolid{r * 2, r * 2, h}, nil
}

func (k *stubKernel) Torus(major, minor float64, _, _ int) (kernel.Solid, error) {
	return &boxSolid{2 * (major + minor), 2 * (major + minor), 2 * minor}, nil
}

func (k *stubKernel) Union(a, b kernel.Solid) (kernel.Solid, error) {
	sa, sb := a.(*boxSolid), b.(*boxSolid)
	return &boxSolid{maxOf(sa.w, sb.w), maxOf(sa.h, sb.h), maxOf(sa.d, sb.d)}, nil
}

func (k *stubKernel) Difference(a, _ kernel.Solid) (kernel.Solid, error)   { return a, nil }
func (k *stubKernel) Intersection(a, _ kernel.Solid) (kernel.Solid, error) { return a, nil }

func (k *stubKernel) Hole(s kernel.Solid, _ kernel.Vec3, _, _ float64) (kernel.Solid, error) {
	return s, nil
}
func (k *stubKernel) Fillet(s kernel.Solid, _ int, _ float64) (kernel.Solid, error)  { return s, nil }
func (k *stubKernel) Chamfer(s kernel.Solid, _ int, _ float64) (kernel.Solid, error) { return s, nil }

func (k *stubKernel) ToMesh(s kernel.Solid) (*kernel.Mesh, error) {
	b := s.(*boxSolid)
	return &kernel.Mesh{
		Vertices: []float32{0, 0, 0, float32(b.w), 0, 0, float32(b.w), float32(b.h), float32(b.d)},
		Normals:  []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		Indices:  []uint32{0, 1, 2},
	}, nil
}

func maxOf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	tr := worker.NewTransport(worker.TransportConfig{
		Factory: func() (kernel.Kernel, error) { return &stubKernel{}, nil },
	})
	require.NoError(t, tr.Initialize(context.Background()))
	e := engine.New(tr, nil)
	t.Cleanup(e.Dispose)
	return e
}

func TestExecuteSequenceDependentOperations(t *testing.T) {
	t.Parallel()

	e := newEngine(t)

	ops := []engine.Operation{
		{Type: worker.OpCreateBox, Payload: map[string]any{"width": 20.0, "height": 20.0, "depth": 20.0}},
		{Type: worker.OpCreateCylinder, Payload: map[string]any{"radius": 5.0, "height": 40.0}},
		{Type: worker.OpBooleanSubtract, Payload: map[string]any{
			"geometryId1": engine.Ref(0),
			"geometryId2": engine.Ref(1),
		}},
	}

	var progress []engine.Progress
	var partials []string
	finalID, err := e.ExecuteSequence(context.Background(), ops,
		func(p engine.Progress) { progress = append(progress, p) },
		func(id string, mesh *kernel.Mesh) {
			require.NotNil(t, mesh)
			partials = append(partials, id)
		})
	require.NoError(t, err)
	require.NotEmpty(t, finalID)

	// One partial per geometry-producing operation, in order, the last
	// one being the final result.
	require.Len(t, partials, 3)
	assert.Equal(t, finalID, partials[2])

	// running and complete per operation, current monotonically 1..3.
	require.Len(t, progress, 6)
	for i, p := range progress {
		assert.Equal(t, i/2+1, p.Current)
		assert.Equal(t, 3, p.Total)
		if i%2 == 0 {
			assert.Equal(t, engine.StatusRunning, p.Status)
		} else {
			assert.Equal(t, engine.StatusComplete, p.Status)
		}
	}
}

func TestExecuteSequenceAbortsOnFailure(t *testing.T) {
	t.Parallel()

	e := newEngine(t)

	ops := []engine.Operation{
		{Type: worker.OpCreateBox, Payload: map[string]any{"width": 10.0, "height": 10.0, "depth": 10.0}},
		{Type: worker.OpCreateBox, Payload: map[string]any{"width": -1.0, "height": 1.0, "depth": 1.0}},
		{Type: worker.OpCreateSphere, Payload: map[string]any{"radius": 5.0}},
	}

	var partials []string
	var statuses []string
	lastID, err := e.ExecuteSequence(context.Background(), ops,
		func(p engine.Progress) { statuses = append(statuses, p.Status) },
		func(id string, _ *kernel.Mesh) { partials = append(partials, id) })
	require.Error(t, err)

	// Partial progress preserved: the first box survives and is reported.
	require.Len(t, partials, 1)
	assert.Equal(t, partials[0], lastID)

	var seqErr *engine.SequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, 1, seqErr.Index)
	assert.Equal(t, worker.OpCreateBox, seqErr.Operation)
	assert.Equal(t, lastID, seqErr.LastID)

	// The third operation never ran.
	assert.Equal(t, []string{
		engine.StatusRunning, engine.StatusComplete,
		engine.StatusRunning, engine.StatusError,
	}, statuses)
}

func TestExecuteSequenceMissingReferenceFailsNotFound(t *testing.T) {
	t.Parallel()

	e := newEngine(t)

	ops := []engine.Operation{
		{Type: worker.OpCreateBox, Payload: map[string]any{"width": 10.0, "height": 10.0, "depth": 10.0}},
		{Type: worker.OpBooleanUnion, Payload: map[string]any{
			"geometryId1": engine.Ref(0),
			"geometryId2": "geo-never-existed",
		}},
	}

	lastID, err := e.ExecuteSequence(context.Background(), ops, nil, nil)
	require.ErrorIs(t, err, worker.ErrNotFound)
	assert.NotEmpty(t, lastID, "partial progress survives the failure")
}

func TestExecuteSequenceForwardRefRejected(t *testing.T) {
	t.Parallel()

	e := newEngine(t)

	ops := []engine.Operation{
		{Type: worker.OpBooleanUnion, Payload: map[string]any{
			"geometryId1": engine.Ref(0),
			"geometryId2": engine.Ref(1),
		}},
	}

	_, err := e.ExecuteSequence(context.Background(), ops, nil, nil)
	var seqErr *engine.SequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, 0, seqErr.Index)
}

func TestExecuteSequenceEmptyProducesNothing(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	_, err := e.ExecuteSequence(context.Background(), nil, nil, nil)
	assert.Error(t, err)
}

func TestDisposeStopsFurtherSequences(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	e.Dispose()
	e.Dispose()

	_, err := e.ExecuteSequence(context.Background(), []engine.Operation{
		{Type: worker.OpCreateBox, Payload: map[string]any{"width": 1.0, "height": 1.0, "depth": 1.0}},
	}, nil, nil)
	assert.ErrorIs(t, err, engine.ErrDisposed)
}
