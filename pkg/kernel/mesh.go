package kernel

// Mesh is a triangle mesh suitable for rendering.
// All arrays are flat: vertices has 3 floats per vertex (x,y,z),
// normals has 3 floats per vertex, indices has 3 uint32s per triangle.
type Mesh struct {
	Vertices []float32 `json:"vertices"` // [x0,y0,z0, x1,y1,z1, ...]
	Normals  []float32 `json:"normals"`  // [nx0,ny0,nz0, ...]
	Indices  []uint32  `json:"indices"`  // [i0,i1,i2, ...] triangles
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int {
	return len(m.Vertices) / 3
}

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() int {
	return len(m.Indices) / 3
}

// IsEmpty returns true if the mesh has no geometry.
func (m *Mesh) IsEmpty() bool {
	return len(m.Vertices) == 0
}

// SizeBytes estimates the resident size of the mesh from element counts.
// Every element is 4 bytes wide (float32 positions and normals, uint32
// indices). The estimate ignores slice headers; it only needs to order
// meshes consistently for cache eviction.
func (m *Mesh) SizeBytes() int64 {
	return int64(len(m.Vertices)+len(m.Normals)+len(m.Indices)) * 4
}

// Clone returns a deep copy of the mesh. Meshes cross the worker message
// channel by value, never by shared backing array.
func (m *Mesh) Clone() *Mesh {
	if m == nil {
		return nil
	}
	c := &Mesh{
		Vertices: make([]float32, len(m.Vertices)),
		Normals:  make([]float32, len(m.Normals)),
		Indices:  make([]uint32, len(m.Indices)),
	}
	copy(c.Vertices, m.Vertices)
	copy(c.Normals, m.Normals)
	copy(c.Indices, m.Indices)
	return c
}
