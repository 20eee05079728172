package worker

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chazu/knurl/pkg/geomcache"
	"github.com/chazu/knurl/pkg/kernel"
)

// KernelFactory constructs the geometry kernel inside the worker. A
// factory error is a fatal boot failure: the worker reports it with an
// unsolicited ERROR and exits.
type KernelFactory func() (kernel.Kernel, error)

// geometryWorker executes operations against the kernel. It owns the
// geometry cache and all live solids; nothing outside the worker
// goroutine touches them.
type geometryWorker struct {
	kernel kernel.Kernel
	cache  *geomcache.Cache
	logger *zap.Logger
}

// runWorker is the worker goroutine body. It boots the kernel, signals
// readiness, then serves requests in arrival order until done closes.
func runWorker(factory KernelFactory, cache *geomcache.Cache, logger *zap.Logger, in <-chan Request, out chan<- Response, done <-chan struct{}) {
	send := func(resp Response) bool {
		select {
		case out <- resp:
			return true
		case <-done:
			return false
		}
	}

	k, err := factory()
	if err != nil {
		logger.Error("kernel boot failed", zap.Error(err))
		send(Response{Type: MsgError, Error: err.Error()})
		return
	}

	w := &geometryWorker{kernel: k, cache: cache, logger: logger}
	if !send(Response{Type: MsgReady}) {
		return
	}

	for {
		select {
		case req := <-in:
			if !send(w.handle(req)) {
				return
			}
		case <-done:
			return
		}
	}
}

// handle executes one request. Panics and errors are serialized into an
// ERROR response; the worker never crashes on a bad operation.
func (w *geometryWorker) handle(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in operation",
				zap.String("operation", string(req.Operation)),
				zap.Any("panic", r))
			resp = Response{ID: req.ID, Type: MsgError, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	result, err := w.dispatch(req)
	if err != nil {
		return Response{ID: req.ID, Type: MsgError, Error: err.Error()}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return Response{ID: req.ID, Type: MsgError, Error: fmt.Sprintf("marshal result: %v", err)}
	}
	return Response{ID: req.ID, Type: MsgResult, Result: raw}
}

func (w *geometryWorker) dispatch(req Request) (any, error) {
	switch req.Operation {
	case OpCreateBox:
		var p CreateBoxPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		s, err := w.kernel.Box(p.Width, p.Height, p.Depth)
		if err != nil {
			return nil, err
		}
		return w.store(s)

	case OpCreateCylinder:
		var p CreateCylinderPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		s, err := w.kernel.Cylinder(p.Radius, p.Height, p.Segments)
		if err != nil {
			return nil, err
		}
		return w.store(s)

	case OpCreateSphere:
		var p CreateSpherePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		s, err := w.kernel.Sphere(p.Radius, p.SegmentsLat, p.SegmentsLon)
		if err != nil {
			return nil, err
		}
		return w.store(s)

	case OpCreateCone:
		var p CreateConePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		s, err := w.kernel.Cone(p.Radius, p.Height, p.Segments)
		if err != nil {
			return nil, err
		}
		return w.store(s)

	case OpCreateTorus:
		var p CreateTorusPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		s, err := w.kernel.Torus(p.MajorRadius, p.MinorRadius, p.SegmentsMajor, p.SegmentsMinor)
		if err != nil {
			return nil, err
		}
		return w.store(s)

	case OpLoadMesh:
		var p LoadMeshPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		return w.loadMesh(p)

	case OpBooleanUnion, OpBooleanSubtract, OpBooleanIntersect:
		var p BooleanPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		return w.boolean(req.Operation, p)

	case OpAddHole:
		var p HolePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		solid, err := w.resolveSolid(p.GeometryID)
		if err != nil {
			return nil, err
		}
		s, err := w.kernel.Hole(solid, p.Position, p.Diameter, p.Depth)
		if err != nil {
			return nil, err
		}
		return w.store(s)

	case OpAddFillet:
		var p FilletPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		solid, err := w.resolveSolid(p.GeometryID)
		if err != nil {
			return nil, err
		}
		s, err := w.kernel.Fillet(solid, p.EdgeIndex, p.Radius)
		if err != nil {
			return nil, err
		}
		return w.store(s)

	case OpAddChamfer:
		var p ChamferPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		solid, err := w.resolveSolid(p.GeometryID)
		if err != nil {
			return nil, err
		}
		s, err := w.kernel.Chamfer(solid, p.EdgeIndex, p.Distance)
		if err != nil {
			return nil, err
		}
		return w.store(s)

	case OpGetMesh:
		var p GeometryRefPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		rec, ok := w.cache.Get(p.GeometryID)
		if !ok {
			return nil, ErrNotFound
		}
		// Results never alias cache-owned storage.
		return GeometryResult{GeometryID: rec.ID, Mesh: rec.Mesh.Clone(), Cached: true}, nil

	case OpComputeBoundingBox:
		var p GeometryRefPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		return w.boundingBox(p.GeometryID)

	case OpExportSTL, OpExportOBJ:
		var p ExportPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		return w.export(req.Operation, p)

	case OpClearCache:
		n := w.cache.Len()
		w.cache.Clear()
		return AckResult{Cleared: n}, nil

	case OpRemoveGeometry:
		var p GeometryRefPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", req.Operation, err)
		}
		if !w.cache.Remove(p.GeometryID) {
			return nil, ErrNotFound
		}
		return AckResult{Removed: true}, nil

	default:
		return nil, fmt.Errorf("%s: %s", ErrUnknownOperation.Error(), req.Operation)
	}
}

// store tessellates a solid, caches the record under a fresh id and
// returns the renderable result.
func (w *geometryWorker) store(s kernel.Solid) (GeometryResult, error) {
	mesh, err := w.kernel.ToMesh(s)
	if err != nil {
		return GeometryResult{}, fmt.Errorf("tessellation failed: %w", err)
	}
	id := "geo-" + uuid.NewString()
	w.cache.Put(id, mesh, s)
	return GeometryResult{GeometryID: id, Mesh: mesh}, nil
}

// loadMesh registers an externally produced mesh. With a caller-supplied
// id, an existing record is a content-address hit and is returned as-is.
func (w *geometryWorker) loadMesh(p LoadMeshPayload) (GeometryResult, error) {
	if p.Mesh == nil {
		return GeometryResult{}, fmt.Errorf("LOAD_MESH payload has no mesh")
	}
	id := p.GeometryID
	if id == "" {
		id = "geo-" + uuid.NewString()
	} else if rec, ok := w.cache.Get(id); ok {
		return GeometryResult{GeometryID: id, Mesh: rec.Mesh.Clone(), Cached: true}, nil
	}
	w.cache.Put(id, p.Mesh, nil)
	return GeometryResult{GeometryID: id, Mesh: p.Mesh}, nil
}

func (w *geometryWorker) boolean(op Op, p BooleanPayload) (GeometryResult, error) {
	a, err := w.resolveSolid(p.GeometryID1)
	if err != nil {
		return GeometryResult{}, err
	}
	b, err := w.resolveSolid(p.GeometryID2)
	if err != nil {
		return GeometryResult{}, err
	}

	var s kernel.Solid
	switch op {
	case OpBooleanUnion:
		s, err = w.kernel.Union(a, b)
	case OpBooleanSubtract:
		s, err = w.kernel.Difference(a, b)
	case OpBooleanIntersect:
		s, err = w.kernel.Intersection(a, b)
	}
	if err != nil {
		return GeometryResult{}, err
	}
	return w.store(s)
}

func (w *geometryWorker) boundingBox(id string) (BoundingBoxResult, error) {
	rec, ok := w.cache.Get(id)
	if !ok {
		return BoundingBoxResult{}, ErrNotFound
	}
	if rec.Solid != nil {
		min, max := rec.Solid.BoundingBox()
		return BoundingBoxResult{Min: min, Max: max}, nil
	}
	// Mesh-only records (LOAD_MESH) fall back to scanning vertices.
	return meshBounds(rec.Mesh), nil
}

func (w *geometryWorker) export(op Op, p ExportPayload) (ExportResult, error) {
	rec, ok := w.cache.Get(p.GeometryID)
	if !ok {
		return ExportResult{}, ErrNotFound
	}
	if p.Filename == "" {
		return ExportResult{}, fmt.Errorf("%s requires a filename", op)
	}

	f, err := os.Create(p.Filename)
	if err != nil {
		return ExportResult{}, fmt.Errorf("create %s: %w", p.Filename, err)
	}
	defer f.Close()

	switch op {
	case OpExportSTL:
		err = kernel.EncodeSTL(f, rec.Mesh, rec.ID)
	case OpExportOBJ:
		err = kernel.EncodeOBJ(f, rec.Mesh)
	}
	if err != nil {
		return ExportResult{}, fmt.Errorf("encode %s: %w", p.Filename, err)
	}

	info, err := f.Stat()
	if err != nil {
		return ExportResult{}, err
	}
	w.logger.Info("exported geometry",
		zap.String("id", rec.ID),
		zap.String("file", p.Filename),
		zap.Int64("bytes", info.Size()))
	return ExportResult{Filename: p.Filename, Bytes: info.Size()}, nil
}

// resolveSolid looks up a referenced geometry that must have a solid
// representation (boolean and feature inputs).
func (w *geometryWorker) resolveSolid(id string) (kernel.Solid, error) {
	rec, ok := w.cache.Get(id)
	if !ok {
		w.logger.Debug("referenced geometry missing", zap.String("id", id))
		return nil, ErrNotFound
	}
	if rec.Solid == nil {
		return nil, fmt.Errorf("geometry %s has no solid form for kernel operations", id)
	}
	return rec.Solid, nil
}

// meshBounds computes the axis-aligned bounds of a mesh's vertices.
func meshBounds(m *kernel.Mesh) BoundingBoxResult {
	var bb BoundingBoxResult
	if m == nil || len(m.Vertices) < 3 {
		return bb
	}
	for i := 0; i < 3; i++ {
		bb.Min[i] = float64(m.Vertices[i])
		bb.Max[i] = float64(m.Vertices[i])
	}
	for v := 1; v < m.VertexCount(); v++ {
		for i := 0; i < 3; i++ {
			c := float64(m.Vertices[v*3+i])
			if c < bb.Min[i] {
				bb.Min[i] = c
			}
			if c > bb.Max[i] {
				bb.Max[i] = c
			}
		}
	}
	return bb
}
