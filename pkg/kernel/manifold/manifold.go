//go:build manifold

// Package manifold provides a CGo-based geometry kernel binding to the
// Manifold library (https://github.com/elalish/manifold). Manifold provides
// guaranteed-manifold mesh boolean operations with face identity tracking.
//
// This package requires the Manifold C library (manifoldc) to be installed.
// Build with: go build -tags=manifold
package manifold

/*
#cgo CFLAGS: -I/usr/local/include
#cgo LDFLAGS: -L/usr/local/lib -lmanifoldc

#include <stdlib.h>
#include <manifold/manifoldc.h>
*/
import "C"

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/chazu/knurl/pkg/kernel"
)

// Compile-time interface checks.
var _ kernel.Kernel = (*ManifoldKernel)(nil)
var _ kernel.Solid = (*manifoldSolid)(nil)

const defaultSegments = 32

// manifoldSolid wraps a C ManifoldManifold pointer and implements kernel.Solid.
type manifoldSolid struct {
	ptr *C.ManifoldManifold
}

// BoundingBox returns the axis-aligned bounding box of the solid.
func (s *manifoldSolid) BoundingBox() (min, max [3]float64) {
	alloc := C.manifold_alloc_box()
	bbox := C.manifold_bounding_box(alloc, s.ptr)
	defer C.manifold_delete_box(bbox)

	min[0] = float64(C.manifold_box_min_x(bbox))
	min[1] = float64(C.manifold_box_min_y(bbox))
	min[2] = float64(C.manifold_box_min_z(bbox))
	max[0] = float64(C.manifold_box_max_x(bbox))
	max[1] = float64(C.manifold_box_max_y(bbox))
	max[2] = float64(C.manifold_box_max_z(bbox))
	return min, max
}

// newSolid wraps a C ManifoldManifold pointer with a Go-side finalizer
// for automatic memory management.
func newSolid(ptr *C.ManifoldManifold) *manifoldSolid {
	s := &manifoldSolid{ptr: ptr}
	runtime.SetFinalizer(s, func(s *manifoldSolid) {
		if s.ptr != nil {
			C.manifold_delete_manifold(s.ptr)
			s.ptr = nil
		}
	})
	return s
}

func asSolid(s kernel.Solid) (*manifoldSolid, error) {
	ms, ok := s.(*manifoldSolid)
	if !ok {
		return nil, fmt.Errorf("manifold: foreign solid %T", s)
	}
	return ms, nil
}

func segmentsOr(segments int) C.int {
	if segments <= 0 {
		segments = defaultSegments
	}
	return C.int(segments)
}

// ManifoldKernel implements kernel.Kernel using the Manifold C library.
type ManifoldKernel struct{}

// New creates a new ManifoldKernel. Returns an error if the Manifold
// C library cannot be initialized.
func New() (kernel.Kernel, error) {
	return &ManifoldKernel{}, nil
}

// Box creates an axis-aligned box with its minimum corner at the origin.
func (k *ManifoldKernel) Box(width, height, depth float64) (kernel.Solid, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("box dimensions must be positive, got %g x %g x %g", width, height, depth)
	}
	alloc := C.manifold_alloc_manifold()
	ptr := C.manifold_cube(alloc,
		C.double(width), C.double(height), C.double(depth),
		C.int(0), // center=false: min corner at origin
	)
	return newSolid(ptr), nil
}

// Cylinder creates a cylinder along the Z axis with its base at z=0.
func (k *ManifoldKernel) Cylinder(radius, height float64, segments int) (kernel.Solid, error) {
	if radius <= 0 || height <= 0 {
		return nil, fmt.Errorf("cylinder radius and height must be positive, got r=%g h=%g", radius, height)
	}
	alloc := C.manifold_alloc_manifold()
	ptr := C.manifold_cylinder(alloc,
		C.double(height),
		C.double(radius), // radius_low
		C.double(radius), // radius_high (same = not tapered)
		segmentsOr(segments),
		C.int(0), // center=false: base at z=0
	)
	return newSolid(ptr), nil
}

// Sphere creates a sphere centered at the origin. Manifold uses a single
// circular segment count; the finer of the two requested values wins.
func (k *ManifoldKernel) Sphere(radius float64, segmentsLat, segmentsLon int) (kernel.Solid, error) {
	if radius <= 0 {
		return nil, fmt.Errorf("sphere radius must be positive, got %g", radius)
	}
	segments := segmentsLon
	if segmentsLat > segments {
		segments = segmentsLat
	}
	alloc := C.manifold_alloc_manifold()
	ptr := C.manifold_sphere(alloc, C.double(radius), segmentsOr(segments))
	return newSolid(ptr), nil
}

// Cone creates a cone along the Z axis with its base at z=0, tapering
// from radius to a point at height.
func (k *ManifoldKernel) Cone(radius, height float64, segments int) (kernel.Solid, error) {
	if radius <= 0 || height <= 0 {
		return nil, fmt.Errorf("cone radius and height must be positive, got r=%g h=%g", radius, height)
	}
	alloc := C.manifold_alloc_manifold()
	ptr := C.manifold_cylinder(alloc,
		C.double(height),
		C.double(radius),
		C.double(0), // radius_high=0: apex
		segmentsOr(segments),
		C.int(0),
	)
	return newSolid(ptr), nil
}

// Torus creates a torus around the Z axis by revolving a circular cross
// section offset by the major radius.
func (k *ManifoldKernel) Torus(majorRadius, minorRadius float64, segmentsMajor, segmentsMinor int) (kernel.Solid, error) {
	if majorRadius <= 0 || minorRadius <= 0 {
		return nil, fmt.Errorf("torus radii must be positive, got major=%g minor=%g", majorRadius, minorRadius)
	}
	if minorRadius >= majorRadius {
		return nil, fmt.Errorf("torus minor radius %g must be smaller than major radius %g", minorRadius, majorRadius)
	}

	csAlloc := C.manifold_alloc_cross_section()
	circle := C.manifold_cross_section_circle(csAlloc, C.double(minorRadius), segmentsOr(segmentsMinor))
	defer C.manifold_delete_cross_section(circle)

	shiftAlloc := C.manifold_alloc_cross_section()
	shifted := C.manifold_cross_section_translate(shiftAlloc, circle, C.double(majorRadius), C.double(0))
	defer C.manifold_delete_cross_section(shifted)

	alloc := C.manifold_alloc_manifold()
	ptr := C.manifold_revolve(alloc, shifted, segmentsOr(segmentsMajor))
	return newSolid(ptr), nil
}

// Union returns the boolean union of two solids.
func (k *ManifoldKernel) Union(a, b kernel.Solid) (kernel.Solid, error) {
	sa, err := asSolid(a)
	if err != nil {
		return nil, err
	}
	sb, err := asSolid(b)
	if err != nil {
		return nil, err
	}
	alloc := C.manifold_alloc_manifold()
	return newSolid(C.manifold_union(alloc, sa.ptr, sb.ptr)), nil
}

// Difference returns the boolean difference (a minus b).
func (k *ManifoldKernel) Difference(a, b kernel.Solid) (kernel.Solid, error) {
	sa, err := asSolid(a)
	if err != nil {
		return nil, err
	}
	sb, err := asSolid(b)
	if err != nil {
		return nil, err
	}
	alloc := C.manifold_alloc_manifold()
	return newSolid(C.manifold_difference(alloc, sa.ptr, sb.ptr)), nil
}

// Intersection returns the boolean intersection of two solids.
func (k *ManifoldKernel) Intersection(a, b kernel.Solid) (kernel.Solid, error) {
	sa, err := asSolid(a)
	if err != nil {
		return nil, err
	}
	sb, err := asSolid(b)
	if err != nil {
		return nil, err
	}
	alloc := C.manifold_alloc_manifold()
	return newSolid(C.manifold_intersection(alloc, sa.ptr, sb.ptr)), nil
}

// Hole drills a cylindrical hole into the solid along -Z from position.
func (k *ManifoldKernel) Hole(s kernel.Solid, position kernel.Vec3, diameter, depth float64) (kernel.Solid, error) {
	if diameter <= 0 || depth <= 0 {
		return nil, fmt.Errorf("hole diameter and depth must be positive, got d=%g depth=%g", diameter, depth)
	}
	ms, err := asSolid(s)
	if err != nil {
		return nil, err
	}

	drillAlloc := C.manifold_alloc_manifold()
	drill := C.manifold_cylinder(drillAlloc,
		C.double(depth),
		C.double(diameter/2),
		C.double(diameter/2),
		segmentsOr(0),
		C.int(0),
	)
	moveAlloc := C.manifold_alloc_manifold()
	moved := C.manifold_translate(moveAlloc, drill,
		C.double(position.X), C.double(position.Y), C.double(position.Z-depth))
	C.manifold_delete_manifold(drill)

	alloc := C.manifold_alloc_manifold()
	ptr := C.manifold_difference(alloc, ms.ptr, moved)
	C.manifold_delete_manifold(moved)
	return newSolid(ptr), nil
}

// Fillet is not supported by this backend; Manifold has no 3D offset.
func (k *ManifoldKernel) Fillet(s kernel.Solid, edgeIndex int, radius float64) (kernel.Solid, error) {
	return nil, fmt.Errorf("fillet not supported by the manifold backend")
}

// Chamfer is not supported by this backend; Manifold has no 3D offset.
func (k *ManifoldKernel) Chamfer(s kernel.Solid, edgeIndex int, distance float64) (kernel.Solid, error) {
	return nil, fmt.Errorf("chamfer not supported by the manifold backend")
}

// ToMesh extracts a triangle mesh from the solid using Manifold's MeshGL
// format. Vertex positions and normals are interleaved in MeshGL; this
// method separates them into the kernel.Mesh flat-array layout.
func (k *ManifoldKernel) ToMesh(s kernel.Solid) (*kernel.Mesh, error) {
	ms, err := asSolid(s)
	if err != nil {
		return nil, err
	}

	meshAlloc := C.manifold_alloc_meshgl()
	meshGL := C.manifold_get_meshgl(meshAlloc, ms.ptr)
	defer C.manifold_delete_meshgl(meshGL)

	numVert := int(C.manifold_meshgl_num_vert(meshGL))
	numTri := int(C.manifold_meshgl_num_tri(meshGL))

	if numVert == 0 || numTri == 0 {
		return &kernel.Mesh{}, nil
	}

	// MeshGL stores vertex properties in a flat float array with numProp
	// properties per vertex. The first 3 are always position; normals
	// follow at indices 3, 4, 5 when present.
	numProp := int(C.manifold_meshgl_num_prop(meshGL))

	propLen := numVert * numProp
	propData := make([]float32, propLen)
	C.manifold_meshgl_vert_properties(
		(*C.float)(unsafe.Pointer(&propData[0])),
		meshGL,
	)

	triLen := numTri * 3
	indices := make([]uint32, triLen)
	C.manifold_meshgl_tri_verts(
		(*C.uint32_t)(unsafe.Pointer(&indices[0])),
		meshGL,
	)

	vertices := make([]float32, numVert*3)
	var normals []float32
	hasNormals := numProp >= 6
	if hasNormals {
		normals = make([]float32, numVert*3)
	}

	for i := 0; i < numVert; i++ {
		base := i * numProp
		vertices[i*3+0] = propData[base+0]
		vertices[i*3+1] = propData[base+1]
		vertices[i*3+2] = propData[base+2]
		if hasNormals {
			normals[i*3+0] = propData[base+3]
			normals[i*3+1] = propData[base+4]
			normals[i*3+2] = propData[base+5]
		}
	}

	if !hasNormals {
		normals = computeFlatNormals(vertices, indices)
	}

	mesh := &kernel.Mesh{
		Vertices: vertices,
		Normals:  normals,
		Indices:  indices,
	}

	if mesh.VertexCount() != numVert {
		return nil, fmt.Errorf("manifold: vertex count mismatch: got %d, expected %d",
			mesh.VertexCount(), numVert)
	}

	return mesh, nil
}

// computeFlatNormals generates per-vertex normals by averaging the face
// normals of all triangles incident on each vertex. This is a fallback
// when MeshGL does not include normals in the vertex properties.
func computeFlatNormals(vertices []float32, indices []uint32) []float32 {
	numVerts := len(vertices) / 3
	normals := make([]float32, numVerts*3)

	numTris := len(indices) / 3
	for t := 0; t < numTris; t++ {
		i0 := indices[t*3+0]
		i1 := indices[t*3+1]
		i2 := indices[t*3+2]

		ax, ay, az := float64(vertices[i0*3]), float64(vertices[i0*3+1]), float64(vertices[i0*3+2])
		bx, by, bz := float64(vertices[i1*3]), float64(vertices[i1*3+1]), float64(vertices[i1*3+2])
		cx, cy, cz := float64(vertices[i2*3]), float64(vertices[i2*3+1]), float64(vertices[i2*3+2])

		e1x, e1y, e1z := bx-ax, by-ay, bz-az
		e2x, e2y, e2z := cx-ax, cy-ay, cz-az

		// Cross product (unnormalized face normal).
		nx := float32(e1y*e2z - e1z*e2y)
		ny := float32(e1z*e2x - e1x*e2z)
		nz := float32(e1x*e2y - e1y*e2x)

		for _, idx := range []uint32{i0, i1, i2} {
			normals[idx*3+0] += nx
			normals[idx*3+1] += ny
			normals[idx*3+2] += nz
		}
	}

	for i := 0; i < numVerts; i++ {
		nx := float64(normals[i*3+0])
		ny := float64(normals[i*3+1])
		nz := float64(normals[i*3+2])
		length := sqrt64(nx*nx + ny*ny + nz*nz)
		if length > 1e-12 {
			normals[i*3+0] = float32(nx / length)
			normals[i*3+1] = float32(ny / length)
			normals[i*3+2] = float32(nz / length)
		}
	}

	return normals
}

// sqrt64 computes the square root without importing math to keep the
// dependency footprint minimal. Uses Newton's method.
func sqrt64(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z = (z + x/z) / 2
	}
	return z
}
