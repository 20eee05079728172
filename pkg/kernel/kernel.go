// Package kernel defines the abstract geometry kernel interface.
// Implementations (sdfx) provide solid modeling, boolean operations and
// feature operations behind this interface. The kernel abstraction allows
// swapping backends without changing the rest of the system; nothing
// outside a backend implements geometric algorithms.
package kernel

// Vec3 is a point or direction in model space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Solid is an opaque handle to a geometry kernel solid.
// Implementations wrap their internal representation.
type Solid interface {
	// BoundingBox returns the axis-aligned bounding box.
	BoundingBox() (min, max [3]float64)
}

// Kernel is the abstract geometry kernel interface.
type Kernel interface {
	// Primitives
	Box(width, height, depth float64) (Solid, error)
	Cylinder(radius, height float64, segments int) (Solid, error)
	Sphere(radius float64, segmentsLat, segmentsLon int) (Solid, error)
	Cone(radius, height float64, segments int) (Solid, error)
	Torus(majorRadius, minorRadius float64, segmentsMajor, segmentsMinor int) (Solid, error)

	// Boolean operations
	Union(a, b Solid) (Solid, error)
	Difference(a, b Solid) (Solid, error)
	Intersection(a, b Solid) (Solid, error)

	// Feature operations
	Hole(s Solid, position Vec3, diameter, depth float64) (Solid, error)
	Fillet(s Solid, edgeIndex int, radius float64) (Solid, error)
	Chamfer(s Solid, edgeIndex int, distance float64) (Solid, error)

	// Mesh output
	ToMesh(s Solid) (*Mesh, error)
}
