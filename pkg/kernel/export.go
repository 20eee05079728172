package kernel

import (
	"bufio"
	"fmt"
	"io"
)

// EncodeSTL writes the mesh to w as an ASCII STL solid with the given name.
// STL carries no index buffer, so each triangle is written with its three
// vertices expanded and the stored per-vertex normal of its first corner
// as the facet normal.
func EncodeSTL(w io.Writer, m *Mesh, name string) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintf(bw, "solid %s\n", name); err != nil {
		return err
	}

	numTri := m.TriangleCount()
	for t := 0; t < numTri; t++ {
		i0 := m.Indices[t*3+0]
		i1 := m.Indices[t*3+1]
		i2 := m.Indices[t*3+2]

		var nx, ny, nz float32
		if int(i0)*3+2 < len(m.Normals) {
			nx = m.Normals[i0*3+0]
			ny = m.Normals[i0*3+1]
			nz = m.Normals[i0*3+2]
		}

		fmt.Fprintf(bw, "  facet normal %e %e %e\n", nx, ny, nz)
		fmt.Fprintf(bw, "    outer loop\n")
		for _, i := range []uint32{i0, i1, i2} {
			fmt.Fprintf(bw, "      vertex %e %e %e\n",
				m.Vertices[i*3+0], m.Vertices[i*3+1], m.Vertices[i*3+2])
		}
		fmt.Fprintf(bw, "    endloop\n")
		fmt.Fprintf(bw, "  endfacet\n")
	}

	if _, err := fmt.Fprintf(bw, "endsolid %s\n", name); err != nil {
		return err
	}
	return bw.Flush()
}

// EncodeOBJ writes the mesh to w in Wavefront OBJ format. Vertex normals
// are emitted alongside positions and referenced per-face. OBJ indices
// are 1-based.
func EncodeOBJ(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)

	numVert := m.VertexCount()
	for i := 0; i < numVert; i++ {
		if _, err := fmt.Fprintf(bw, "v %g %g %g\n",
			m.Vertices[i*3+0], m.Vertices[i*3+1], m.Vertices[i*3+2]); err != nil {
			return err
		}
	}
	for i := 0; i < len(m.Normals)/3; i++ {
		fmt.Fprintf(bw, "vn %g %g %g\n",
			m.Normals[i*3+0], m.Normals[i*3+1], m.Normals[i*3+2])
	}

	numTri := m.TriangleCount()
	for t := 0; t < numTri; t++ {
		a := m.Indices[t*3+0] + 1
		b := m.Indices[t*3+1] + 1
		c := m.Indices[t*3+2] + 1
		fmt.Fprintf(bw, "f %d//%d %d//%d %d//%d\n", a, a, b, b, c, c)
	}

	return bw.Flush()
}
