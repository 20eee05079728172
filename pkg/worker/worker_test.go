package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/knurl/pkg/geomcache"
	"github.com/chazu/knurl/pkg/kernel"
	"github.com/chazu/knurl/pkg/worker"
)

// --- fake kernel ---

// fakeSolid carries explicit bounds so tests can tell results apart.
type fakeSolid struct {
	min, max [3]float64
}

func (s *fakeSolid) BoundingBox() (min, max [3]float64) { return s.min, s.max }

// fakeKernel produces one-triangle meshes instantly. An optional block
// channel makes constructor calls hang until released, which lets tests
// drive timeouts deterministically; started signals that a constructor
// has been entered.
type fakeKernel struct {
	block   chan struct{}
	started chan struct{}
}

func (k *fakeKernel) wait() {
	if k.started != nil {
		k.started <- struct{}{}
	}
	if k.block != nil {
		<-k.block
	}
}

func (k *fakeKernel) Box(w, h, d float64) (kernel.Solid, error) {
	k.wait()
	return &fakeSolid{max: [3]float64{w, h, d}}, nil
}

func (k *fakeKernel) Cylinder(r, h float64, _ int) (kernel.Solid, error) {
	k.wait()
	return &fakeSolid{min: [3]float64{-r, -r, 0}, max: [3]float64{r, r, h}}, nil
}

func (k *fakeKernel) Sphere(r float64, _, _ int) (kernel.Solid, error) {
	k.wait()
	return &fakeSolid{min: [3]float64{-r, -r, -r}, max: [3]float64{r, r, r}}, nil
}

func (k *fakeKernel) Cone(r, h float64, _ int) (kernel.Solid, error) {
	k.wait()
	return &fakeSolid{min: [3]float64{-r, -r, 0}, max: [3]float64{r, r, h}}, nil
}

func (k *fakeKernel) Torus(major, minor float64, _, _ int) (kernel.Solid, error) {
	k.wait()
	r := major + minor
	return &fakeSolid{min: [3]float64{-r, -r, -minor}, max: [3]float64{r, r, minor}}, nil
}

func (k *fakeKernel) Union(a, b kernel.Solid) (kernel.Solid, error) {
	fa, fb := a.(*fakeSolid), b.(*fakeSolid)
	out := &fakeSolid{min: fa.min, max: fa.max}
	for i := 0; i < 3; i++ {
		if fb.min[i] < out.min[i] {
			out.min[i] = fb.min[i]
		}
		if fb.max[i] > out.max[i] {
			out.max[i] = fb.max[i]
		}
	}
	return out, nil
}

func (k *fakeKernel) Difference(a, _ kernel.Solid) (kernel.Solid, error)   { return a, nil }
func (k *fakeKernel) Intersection(a, _ kernel.Solid) (kernel.Solid, error) { return a, nil }

func (k *fakeKernel) Hole(s kernel.Solid, _ kernel.Vec3, d, _ float64) (kernel.Solid, error) {
	if d <= 0 {
		return nil, fmt.Errorf("hole diameter must be positive")
	}
	return s, nil
}

func (k *fakeKernel) Fillet(s kernel.Solid, _ int, _ float64) (kernel.Solid, error)  { return s, nil }
func (k *fakeKernel) Chamfer(s kernel.Solid, _ int, _ float64) (kernel.Solid, error) { return s, nil }

func (k *fakeKernel) ToMesh(s kernel.Solid) (*kernel.Mesh, error) {
	f := s.(*fakeSolid)
	// One triangle spanning the bounds diagonal; enough for callers to
	// verify the mesh corresponds to this solid.
	return &kernel.Mesh{
		Vertices: []float32{
			float32(f.min[0]), float32(f.min[1]), float32(f.min[2]),
			float32(f.max[0]), float32(f.min[1]), float32(f.min[2]),
			float32(f.max[0]), float32(f.max[1]), float32(f.max[2]),
		},
		Normals: []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		Indices: []uint32{0, 1, 2},
	}, nil
}

// --- helpers ---

func newReadyTransport(t *testing.T, k kernel.Kernel) *worker.Transport {
	t.Helper()
	tr := worker.NewTransport(worker.TransportConfig{
		Factory: func() (kernel.Kernel, error) { return k, nil },
	})
	t.Cleanup(tr.Close)
	require.NoError(t, tr.Initialize(context.Background()))
	require.True(t, tr.Ready())
	return tr
}

func createBox(t *testing.T, tr *worker.Transport, w, h, d float64) worker.GeometryResult {
	t.Helper()
	raw, err := tr.Call(context.Background(), worker.OpCreateBox,
		worker.CreateBoxPayload{Width: w, Height: h, Depth: d}, 0)
	require.NoError(t, err)
	var res worker.GeometryResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.NotEmpty(t, res.GeometryID)
	require.NotNil(t, res.Mesh)
	return res
}

// --- transport behavior ---

func TestCallBeforeReadyFailsImmediately(t *testing.T) {
	t.Parallel()

	tr := worker.NewTransport(worker.TransportConfig{
		Factory: func() (kernel.Kernel, error) { return &fakeKernel{}, nil },
	})
	t.Cleanup(tr.Close)

	_, err := tr.Call(context.Background(), worker.OpCreateBox,
		worker.CreateBoxPayload{Width: 1, Height: 1, Depth: 1}, 0)
	assert.ErrorIs(t, err, worker.ErrNotReady)
}

func TestInitializeIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := worker.NewTransport(worker.TransportConfig{
		Factory: func() (kernel.Kernel, error) { return &fakeKernel{}, nil },
	})
	t.Cleanup(tr.Close)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tr.Initialize(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "initializer %d", i)
	}
	assert.True(t, tr.Ready())
}

func TestBootFailureIsPermanent(t *testing.T) {
	t.Parallel()

	tr := worker.NewTransport(worker.TransportConfig{
		Factory: func() (kernel.Kernel, error) { return nil, fmt.Errorf("no native module") },
	})
	t.Cleanup(tr.Close)

	err := tr.Initialize(context.Background())
	require.ErrorIs(t, err, worker.ErrWorkerFailed)
	assert.False(t, tr.Ready())

	// Subsequent calls fail fast without a fresh boot attempt.
	_, err = tr.Call(context.Background(), worker.OpClearCache, struct{}{}, 0)
	assert.ErrorIs(t, err, worker.ErrWorkerFailed)

	// Re-initializing reports the same outcome.
	assert.ErrorIs(t, tr.Initialize(context.Background()), worker.ErrWorkerFailed)
}

func TestConcurrentCallsSettleIndependently(t *testing.T) {
	t.Parallel()

	tr := newReadyTransport(t, &fakeKernel{})

	const n = 10
	var wg sync.WaitGroup
	results := make([]worker.GeometryResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = createBox(t, tr, float64(i+1), 1, 1)
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, res := range results {
		assert.False(t, seen[res.GeometryID], "duplicate geometry id %s", res.GeometryID)
		seen[res.GeometryID] = true
		// The mesh diagonal encodes the box width, proving each call got
		// its own correlated result.
		assert.Equal(t, float32(i+1), res.Mesh.Vertices[3], "call %d", i)
	}
}

func TestTimeoutSettlesOnceAndLateResponseIsDiscarded(t *testing.T) {
	t.Parallel()

	k := &fakeKernel{block: make(chan struct{})}
	tr := newReadyTransport(t, k)

	start := time.Now()
	_, err := tr.Call(context.Background(), worker.OpCreateBox,
		worker.CreateBoxPayload{Width: 1, Height: 1, Depth: 1}, 50*time.Millisecond)
	require.ErrorIs(t, err, worker.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	// Release the worker; its late response has no pending call to match
	// and must be discarded without side effects. A closed channel keeps
	// later constructor calls from blocking.
	close(k.block)

	res := createBox(t, tr, 2, 2, 2)
	assert.NotEmpty(t, res.GeometryID)
}

func TestTimeoutFiresWhileQueueFull(t *testing.T) {
	t.Parallel()

	k := &fakeKernel{block: make(chan struct{}), started: make(chan struct{}, 1)}
	tr := worker.NewTransport(worker.TransportConfig{
		Factory:   func() (kernel.Kernel, error) { return k, nil },
		QueueSize: 1,
	})
	t.Cleanup(tr.Close)
	t.Cleanup(func() { close(k.block) })
	require.NoError(t, tr.Initialize(context.Background()))

	// Wedge the worker inside the kernel.
	go func() {
		_, _ = tr.Call(context.Background(), worker.OpCreateBox,
			worker.CreateBoxPayload{Width: 1, Height: 1, Depth: 1}, time.Minute)
	}()
	<-k.started

	// Fill the request queue behind the wedged call.
	go func() {
		_, _ = tr.Call(context.Background(), worker.OpCreateBox,
			worker.CreateBoxPayload{Width: 2, Height: 2, Depth: 2}, time.Minute)
	}()
	time.Sleep(50 * time.Millisecond)

	// The third call cannot even be enqueued; its timeout must still
	// settle it promptly.
	start := time.Now()
	_, err := tr.Call(context.Background(), worker.OpCreateBox,
		worker.CreateBoxPayload{Width: 3, Height: 3, Depth: 3}, 50*time.Millisecond)
	require.ErrorIs(t, err, worker.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCallAfterCloseFails(t *testing.T) {
	t.Parallel()

	tr := worker.NewTransport(worker.TransportConfig{
		Factory: func() (kernel.Kernel, error) { return &fakeKernel{}, nil },
	})
	require.NoError(t, tr.Initialize(context.Background()))
	tr.Close()

	_, err := tr.Call(context.Background(), worker.OpClearCache, struct{}{}, 0)
	assert.ErrorIs(t, err, worker.ErrClosed)
}

func TestInitializeAfterCloseFails(t *testing.T) {
	t.Parallel()

	tr := worker.NewTransport(worker.TransportConfig{
		Factory: func() (kernel.Kernel, error) { return &fakeKernel{}, nil },
	})
	tr.Close()

	assert.ErrorIs(t, tr.Initialize(context.Background()), worker.ErrClosed)
	assert.False(t, tr.Ready())
}

func TestBootOutcomeAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	tr := worker.NewTransport(worker.TransportConfig{
		Factory: func() (kernel.Kernel, error) {
			<-release
			return nil, fmt.Errorf("no native module")
		},
	})

	// Start the boot but give up waiting on it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tr.Initialize(ctx), context.Canceled)

	tr.Close()
	close(release)

	// The boot failure lands after shutdown; closed stays terminal.
	assert.ErrorIs(t, tr.Initialize(context.Background()), worker.ErrClosed)
	_, err := tr.Call(context.Background(), worker.OpClearCache, struct{}{}, 0)
	assert.ErrorIs(t, err, worker.ErrClosed)
	assert.False(t, tr.Ready())
}

// --- operation semantics ---

func TestBooleanUnionOfTwoBoxes(t *testing.T) {
	t.Parallel()

	tr := newReadyTransport(t, &fakeKernel{})
	a := createBox(t, tr, 10, 10, 10)
	b := createBox(t, tr, 20, 5, 5)

	raw, err := tr.Call(context.Background(), worker.OpBooleanUnion,
		worker.BooleanPayload{GeometryID1: a.GeometryID, GeometryID2: b.GeometryID}, 0)
	require.NoError(t, err)

	var res worker.GeometryResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.NotEqual(t, a.GeometryID, res.GeometryID, "boolean result is a new geometry")

	// Union bounds cover both inputs.
	bbRaw, err := tr.Call(context.Background(), worker.OpComputeBoundingBox,
		worker.GeometryRefPayload{GeometryID: res.GeometryID}, 0)
	require.NoError(t, err)
	var bb worker.BoundingBoxResult
	require.NoError(t, json.Unmarshal(bbRaw, &bb))
	assert.Equal(t, 20.0, bb.Max[0])
	assert.Equal(t, 10.0, bb.Max[1])
}

func TestBooleanWithAbsentInputFailsNotFound(t *testing.T) {
	t.Parallel()

	tr := newReadyTransport(t, &fakeKernel{})
	a := createBox(t, tr, 10, 10, 10)

	_, err := tr.Call(context.Background(), worker.OpBooleanUnion,
		worker.BooleanPayload{GeometryID1: a.GeometryID, GeometryID2: "geo-missing"}, 0)
	assert.ErrorIs(t, err, worker.ErrNotFound)
}

func TestGetMeshAndClearCache(t *testing.T) {
	t.Parallel()

	tr := newReadyTransport(t, &fakeKernel{})
	res := createBox(t, tr, 10, 10, 10)

	raw, err := tr.Call(context.Background(), worker.OpGetMesh,
		worker.GeometryRefPayload{GeometryID: res.GeometryID}, 0)
	require.NoError(t, err)
	var got worker.GeometryResult
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.True(t, got.Cached)
	assert.Equal(t, res.Mesh.Vertices, got.Mesh.Vertices)

	_, err = tr.Call(context.Background(), worker.OpClearCache, struct{}{}, 0)
	require.NoError(t, err)

	// A previously valid id is gone after a cache clear.
	_, err = tr.Call(context.Background(), worker.OpGetMesh,
		worker.GeometryRefPayload{GeometryID: res.GeometryID}, 0)
	assert.ErrorIs(t, err, worker.ErrNotFound)
}

func TestRemoveGeometry(t *testing.T) {
	t.Parallel()

	tr := newReadyTransport(t, &fakeKernel{})
	res := createBox(t, tr, 10, 10, 10)

	raw, err := tr.Call(context.Background(), worker.OpRemoveGeometry,
		worker.GeometryRefPayload{GeometryID: res.GeometryID}, 0)
	require.NoError(t, err)
	var ack worker.AckResult
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.True(t, ack.Removed)

	_, err = tr.Call(context.Background(), worker.OpRemoveGeometry,
		worker.GeometryRefPayload{GeometryID: res.GeometryID}, 0)
	assert.ErrorIs(t, err, worker.ErrNotFound)
}

func TestLoadMeshContentAddressing(t *testing.T) {
	t.Parallel()

	tr := newReadyTransport(t, &fakeKernel{})
	mesh := &kernel.Mesh{
		Vertices: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Normals:  []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		Indices:  []uint32{0, 1, 2},
	}

	raw, err := tr.Call(context.Background(), worker.OpLoadMesh,
		worker.LoadMeshPayload{Mesh: mesh, GeometryID: "intent-abc123"}, 0)
	require.NoError(t, err)
	var first worker.GeometryResult
	require.NoError(t, json.Unmarshal(raw, &first))
	assert.Equal(t, "intent-abc123", first.GeometryID)
	assert.False(t, first.Cached)

	// Loading the same id again reports reuse instead of replacing.
	raw, err = tr.Call(context.Background(), worker.OpLoadMesh,
		worker.LoadMeshPayload{Mesh: mesh, GeometryID: "intent-abc123"}, 0)
	require.NoError(t, err)
	var second worker.GeometryResult
	require.NoError(t, json.Unmarshal(raw, &second))
	assert.True(t, second.Cached)
}

func TestLoadMeshBoundingBoxFromVertices(t *testing.T) {
	t.Parallel()

	tr := newReadyTransport(t, &fakeKernel{})
	mesh := &kernel.Mesh{
		Vertices: []float32{-1, -2, -3, 4, 5, 6, 0, 0, 0},
		Indices:  []uint32{0, 1, 2},
	}
	raw, err := tr.Call(context.Background(), worker.OpLoadMesh,
		worker.LoadMeshPayload{Mesh: mesh}, 0)
	require.NoError(t, err)
	var res worker.GeometryResult
	require.NoError(t, json.Unmarshal(raw, &res))

	bbRaw, err := tr.Call(context.Background(), worker.OpComputeBoundingBox,
		worker.GeometryRefPayload{GeometryID: res.GeometryID}, 0)
	require.NoError(t, err)
	var bb worker.BoundingBoxResult
	require.NoError(t, json.Unmarshal(bbRaw, &bb))
	assert.Equal(t, [3]float64{-1, -2, -3}, bb.Min)
	assert.Equal(t, [3]float64{4, 5, 6}, bb.Max)
}

func TestExportSTL(t *testing.T) {
	t.Parallel()

	tr := newReadyTransport(t, &fakeKernel{})
	res := createBox(t, tr, 10, 10, 10)

	path := filepath.Join(t.TempDir(), "part.stl")
	raw, err := tr.Call(context.Background(), worker.OpExportSTL,
		worker.ExportPayload{GeometryID: res.GeometryID, Filename: path}, 0)
	require.NoError(t, err)

	var exp worker.ExportResult
	require.NoError(t, json.Unmarshal(raw, &exp))
	assert.Equal(t, path, exp.Filename)
	assert.Positive(t, exp.Bytes)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "solid")
}

func TestUnknownOperation(t *testing.T) {
	t.Parallel()

	tr := newReadyTransport(t, &fakeKernel{})
	_, err := tr.Call(context.Background(), worker.Op("FROBNICATE"), struct{}{}, 0)
	assert.ErrorIs(t, err, worker.ErrUnknownOperation)
}

func TestTransportMetricsCountCallsAndTimeouts(t *testing.T) {
	t.Parallel()

	k := &fakeKernel{block: make(chan struct{})}
	m := worker.NewTransportMetrics(prometheus.NewRegistry())
	tr := worker.NewTransport(worker.TransportConfig{
		Factory: func() (kernel.Kernel, error) { return k, nil },
		Metrics: m,
	})
	t.Cleanup(tr.Close)
	require.NoError(t, tr.Initialize(context.Background()))

	_, err := tr.Call(context.Background(), worker.OpCreateBox,
		worker.CreateBoxPayload{Width: 1, Height: 1, Depth: 1}, 50*time.Millisecond)
	require.ErrorIs(t, err, worker.ErrTimeout)

	close(k.block)
	createBox(t, tr, 2, 2, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Calls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Timeouts))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Inflight))
}

func TestWorkerSharesCacheWithStats(t *testing.T) {
	t.Parallel()

	cache := geomcache.New(geomcache.Config{})
	tr := worker.NewTransport(worker.TransportConfig{
		Factory: func() (kernel.Kernel, error) { return &fakeKernel{}, nil },
		Cache:   cache,
	})
	t.Cleanup(tr.Close)
	require.NoError(t, tr.Initialize(context.Background()))

	createBox(t, tr, 1, 2, 3)
	assert.Equal(t, 1, tr.Cache().Len())
	assert.Positive(t, tr.Cache().TotalBytes())
}
