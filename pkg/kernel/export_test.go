package kernel

import (
	"strings"
	"testing"
)

// triangleMesh returns a single right triangle with +Z normals.
func triangleMesh() *Mesh {
	return &Mesh{
		Vertices: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Normals:  []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		Indices:  []uint32{0, 1, 2},
	}
}

func TestEncodeSTL(t *testing.T) {
	var sb strings.Builder
	if err := EncodeSTL(&sb, triangleMesh(), "part"); err != nil {
		t.Fatalf("EncodeSTL() error = %v", err)
	}
	out := sb.String()

	if !strings.HasPrefix(out, "solid part\n") {
		t.Errorf("STL output missing solid header:\n%s", out)
	}
	if !strings.Contains(out, "endsolid part") {
		t.Error("STL output missing endsolid footer")
	}
	if got := strings.Count(out, "facet normal"); got != 1 {
		t.Errorf("facet count = %d, want 1", got)
	}
	if got := strings.Count(out, "vertex"); got != 3 {
		t.Errorf("vertex count = %d, want 3", got)
	}
}

func TestEncodeSTLEmptyMesh(t *testing.T) {
	var sb strings.Builder
	if err := EncodeSTL(&sb, &Mesh{}, "empty"); err != nil {
		t.Fatalf("EncodeSTL() error = %v", err)
	}
	if !strings.Contains(sb.String(), "endsolid empty") {
		t.Error("empty mesh should still produce a well-formed solid")
	}
}

func TestEncodeOBJ(t *testing.T) {
	var sb strings.Builder
	if err := EncodeOBJ(&sb, triangleMesh()); err != nil {
		t.Fatalf("EncodeOBJ() error = %v", err)
	}
	out := sb.String()

	if got := strings.Count(out, "v "); got != 3 {
		t.Errorf("position count = %d, want 3", got)
	}
	if got := strings.Count(out, "vn "); got != 3 {
		t.Errorf("normal count = %d, want 3", got)
	}
	// OBJ indices are 1-based.
	if !strings.Contains(out, "f 1//1 2//2 3//3") {
		t.Errorf("OBJ output missing expected face line:\n%s", out)
	}
}
