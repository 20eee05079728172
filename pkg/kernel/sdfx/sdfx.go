// Package sdfx implements the kernel.Kernel interface using the
// github.com/deadsy/sdfx SDF-based CAD library.
package sdfx

import (
	"fmt"

	"github.com/chazu/knurl/pkg/kernel"
	"github.com/deadsy/sdfx/render"
	"github.com/deadsy/sdfx/sdf"
	v2 "github.com/deadsy/sdfx/vec/v2"
	v3 "github.com/deadsy/sdfx/vec/v3"
)

// Compile-time interface check.
var _ kernel.Kernel = (*SdfxKernel)(nil)

// DefaultMeshCells controls marching cubes tessellation resolution.
const DefaultMeshCells = 200

// sdfxSolid wraps an sdf.SDF3 to implement kernel.Solid.
type sdfxSolid struct {
	s sdf.SDF3
}

// BoundingBox returns the axis-aligned bounding box.
func (s *sdfxSolid) BoundingBox() (min, max [3]float64) {
	bb := s.s.BoundingBox()
	min = [3]float64{bb.Min.X, bb.Min.Y, bb.Min.Z}
	max = [3]float64{bb.Max.X, bb.Max.Y, bb.Max.Z}
	return min, max
}

// SdfxKernel implements kernel.Kernel using sdfx.
type SdfxKernel struct {
	meshCells int
}

// New returns a new SdfxKernel with the default tessellation resolution.
func New() *SdfxKernel {
	return &SdfxKernel{meshCells: DefaultMeshCells}
}

// NewWithCells returns a kernel with an explicit marching cubes resolution.
func NewWithCells(cells int) (*SdfxKernel, error) {
	if cells <= 0 {
		return nil, fmt.Errorf("sdfx: mesh cells must be positive, got %d", cells)
	}
	return &SdfxKernel{meshCells: cells}, nil
}

// unwrap extracts the underlying sdf.SDF3 from a kernel.Solid.
func unwrap(s kernel.Solid) sdf.SDF3 {
	return s.(*sdfxSolid).s
}

// wrap creates a kernel.Solid from an sdf.SDF3.
func wrap(s sdf.SDF3) kernel.Solid {
	return &sdfxSolid{s: s}
}

// Box creates a box with the given dimensions. The resulting solid has its
// minimum corner at the origin (0,0,0) so that feature positions given in
// part coordinates work intuitively. sdf.Box3D centers the box at the
// origin, so we translate by half-dimensions.
func (k *SdfxKernel) Box(width, height, depth float64) (kernel.Solid, error) {
	s, err := sdf.Box3D(v3.Vec{X: width, Y: height, Z: depth}, 0)
	if err != nil {
		return nil, fmt.Errorf("sdfx.Box3D: %w", err)
	}
	// Shift from center-origin to min-corner-origin.
	m := sdf.Translate3d(v3.Vec{X: width / 2, Y: height / 2, Z: depth / 2})
	return wrap(sdf.Transform3D(s, m)), nil
}

// Cylinder creates a cylinder with the given radius and height, centered
// on the Z axis with its base at z=0. The segments parameter is ignored
// since SDF represents smooth surfaces.
func (k *SdfxKernel) Cylinder(radius, height float64, segments int) (kernel.Solid, error) {
	s, err := sdf.Cylinder3D(height, radius, 0)
	if err != nil {
		return nil, fmt.Errorf("sdfx.Cylinder3D: %w", err)
	}
	m := sdf.Translate3d(v3.Vec{Z: height / 2})
	return wrap(sdf.Transform3D(s, m)), nil
}

// Sphere creates a sphere centered at the origin. Latitude/longitude
// segment counts are ignored since SDF represents smooth surfaces.
func (k *SdfxKernel) Sphere(radius float64, segmentsLat, segmentsLon int) (kernel.Solid, error) {
	s, err := sdf.Sphere3D(radius)
	if err != nil {
		return nil, fmt.Errorf("sdfx.Sphere3D: %w", err)
	}
	return wrap(s), nil
}

// Cone creates a cone with the given base radius, tapering to a point at
// the given height. The base sits at z=0. Segments are ignored.
func (k *SdfxKernel) Cone(radius, height float64, segments int) (kernel.Solid, error) {
	s, err := sdf.Cone3D(height, radius, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("sdfx.Cone3D: %w", err)
	}
	m := sdf.Translate3d(v3.Vec{Z: height / 2})
	return wrap(sdf.Transform3D(s, m)), nil
}

// Torus creates a torus in the XY plane centered at the origin by
// revolving a circle of minorRadius offset by majorRadius. Segment counts
// are ignored since SDF represents smooth surfaces.
func (k *SdfxKernel) Torus(majorRadius, minorRadius float64, segmentsMajor, segmentsMinor int) (kernel.Solid, error) {
	if majorRadius <= minorRadius {
		return nil, fmt.Errorf("sdfx: torus major radius %g must exceed minor radius %g", majorRadius, minorRadius)
	}
	circle, err := sdf.Circle2D(minorRadius)
	if err != nil {
		return nil, fmt.Errorf("sdfx.Circle2D: %w", err)
	}
	profile := sdf.Transform2D(circle, sdf.Translate2d(v2.Vec{X: majorRadius}))
	s, err := sdf.Revolve3D(profile)
	if err != nil {
		return nil, fmt.Errorf("sdfx.Revolve3D: %w", err)
	}
	return wrap(s), nil
}

// Union returns the union of two solids.
func (k *SdfxKernel) Union(a, b kernel.Solid) (kernel.Solid, error) {
	return wrap(sdf.Union3D(unwrap(a), unwrap(b))), nil
}

// Difference returns the difference a - b.
func (k *SdfxKernel) Difference(a, b kernel.Solid) (kernel.Solid, error) {
	return wrap(sdf.Difference3D(unwrap(a), unwrap(b))), nil
}

// Intersection returns the intersection of two solids.
func (k *SdfxKernel) Intersection(a, b kernel.Solid) (kernel.Solid, error) {
	return wrap(sdf.Intersect3D(unwrap(a), unwrap(b))), nil
}

// Hole drills a cylindrical hole into the solid. The hole axis runs along
// -Z from the given position, which matches drilling into the top face of
// a min-corner-origin part.
func (k *SdfxKernel) Hole(s kernel.Solid, position kernel.Vec3, diameter, depth float64) (kernel.Solid, error) {
	if diameter <= 0 || depth <= 0 {
		return nil, fmt.Errorf("sdfx: hole diameter and depth must be positive, got %g and %g", diameter, depth)
	}
	drill, err := sdf.Cylinder3D(depth, diameter/2, 0)
	if err != nil {
		return nil, fmt.Errorf("sdfx.Cylinder3D: %w", err)
	}
	// Cylinder3D is centered at the origin; place its top at the position.
	m := sdf.Translate3d(v3.Vec{X: position.X, Y: position.Y, Z: position.Z - depth/2})
	drill = sdf.Transform3D(drill, m)
	return wrap(sdf.Difference3D(unwrap(s), drill)), nil
}

// Fillet rounds the edges of the solid. An SDF has no edge identity, so
// the edgeIndex selects nothing in this backend; the whole solid is
// rounded by eroding and re-dilating the field by the fillet radius. This
// follows the same convention as ignoring segment counts on smooth
// primitives.
func (k *SdfxKernel) Fillet(s kernel.Solid, edgeIndex int, radius float64) (kernel.Solid, error) {
	if radius <= 0 {
		return nil, fmt.Errorf("sdfx: fillet radius must be positive, got %g", radius)
	}
	if edgeIndex < 0 {
		return nil, fmt.Errorf("sdfx: edge index must be non-negative, got %d", edgeIndex)
	}
	eroded := sdf.Offset3D(unwrap(s), -radius)
	return wrap(sdf.Offset3D(eroded, radius)), nil
}

// Chamfer bevels the edges of the solid. The SDF backend approximates a
// chamfer with the same erode/dilate rounding as Fillet, using the chamfer
// distance as the rounding radius.
func (k *SdfxKernel) Chamfer(s kernel.Solid, edgeIndex int, distance float64) (kernel.Solid, error) {
	if distance <= 0 {
		return nil, fmt.Errorf("sdfx: chamfer distance must be positive, got %g", distance)
	}
	if edgeIndex < 0 {
		return nil, fmt.Errorf("sdfx: edge index must be non-negative, got %d", edgeIndex)
	}
	eroded := sdf.Offset3D(unwrap(s), -distance)
	return wrap(sdf.Offset3D(eroded, distance)), nil
}

// ToMesh converts a solid to a triangle mesh using marching cubes.
func (k *SdfxKernel) ToMesh(s kernel.Solid) (*kernel.Mesh, error) {
	sdf3 := unwrap(s)

	renderer := render.NewMarchingCubesUniform(k.meshCells)
	triangles := render.ToTriangles(sdf3, renderer)

	numTri := len(triangles)
	numVerts := numTri * 3

	vertices := make([]float32, 0, numVerts*3)
	normals := make([]float32, 0, numVerts*3)
	indices := make([]uint32, 0, numVerts)

	for i, tri := range triangles {
		// Compute face normal.
		n := tri.Normal()
		nx := float32(n.X)
		ny := float32(n.Y)
		nz := float32(n.Z)

		for j := 0; j < 3; j++ {
			v := tri[j]
			vertices = append(vertices, float32(v.X), float32(v.Y), float32(v.Z))
			normals = append(normals, nx, ny, nz)
			indices = append(indices, uint32(i*3+j))
		}
	}

	return &kernel.Mesh{
		Vertices: vertices,
		Normals:  normals,
		Indices:  indices,
	}, nil
}
