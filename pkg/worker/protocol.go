// Package worker runs the geometry kernel in an isolated goroutine and
// provides the asynchronous request/response transport to it. All traffic
// crosses the worker boundary as JSON-encoded envelopes; meshes and other
// payloads are carried by value, never by shared reference.
package worker

import (
	"encoding/json"

	"github.com/chazu/knurl/pkg/kernel"
)

// Op identifies a worker operation.
type Op string

// The full operation set handled by the worker.
const (
	OpCreateBox          Op = "CREATE_BOX"
	OpCreateCylinder     Op = "CREATE_CYLINDER"
	OpCreateSphere       Op = "CREATE_SPHERE"
	OpCreateCone         Op = "CREATE_CONE"
	OpCreateTorus        Op = "CREATE_TORUS"
	OpLoadMesh           Op = "LOAD_MESH"
	OpBooleanUnion       Op = "BOOLEAN_UNION"
	OpBooleanSubtract    Op = "BOOLEAN_SUBTRACT"
	OpBooleanIntersect   Op = "BOOLEAN_INTERSECT"
	OpAddHole            Op = "ADD_HOLE"
	OpAddFillet          Op = "ADD_FILLET"
	OpAddChamfer         Op = "ADD_CHAMFER"
	OpGetMesh            Op = "GET_MESH"
	OpComputeBoundingBox Op = "COMPUTE_BOUNDING_BOX"
	OpExportSTL          Op = "EXPORT_STL"
	OpExportOBJ          Op = "EXPORT_OBJ"
	OpClearCache         Op = "CLEAR_CACHE"
	OpRemoveGeometry     Op = "REMOVE_GEOMETRY"
)

// Response type tags. READY and id-less ERROR responses are unsolicited.
const (
	MsgResult = "RESULT"
	MsgError  = "ERROR"
	MsgReady  = "READY"
)

// Request is the caller-to-worker envelope.
type Request struct {
	ID        string          `json:"id"`
	Operation Op              `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// Response is the worker-to-caller envelope. An empty ID marks an
// unsolicited message (READY after boot, or ERROR on fatal boot failure).
type Response struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// --- Operation payloads ---

// CreateBoxPayload creates an axis-aligned box.
type CreateBoxPayload struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Depth  float64 `json:"depth"`
}

// CreateCylinderPayload creates a Z-axis cylinder.
type CreateCylinderPayload struct {
	Radius   float64 `json:"radius"`
	Height   float64 `json:"height"`
	Segments int     `json:"segments"`
}

// CreateSpherePayload creates an origin-centered sphere.
type CreateSpherePayload struct {
	Radius      float64 `json:"radius"`
	SegmentsLat int     `json:"segmentsLat"`
	SegmentsLon int     `json:"segmentsLon"`
}

// CreateConePayload creates a Z-axis cone.
type CreateConePayload struct {
	Radius   float64 `json:"radius"`
	Height   float64 `json:"height"`
	Segments int     `json:"segments"`
}

// CreateTorusPayload creates an XY-plane torus.
type CreateTorusPayload struct {
	MajorRadius   float64 `json:"majorRadius"`
	MinorRadius   float64 `json:"minorRadius"`
	SegmentsMajor int     `json:"segmentsMajor"`
	SegmentsMinor int     `json:"segmentsMinor"`
}

// LoadMeshPayload registers an externally produced mesh. GeometryID is
// optional; when set, the mesh is stored under the caller-supplied id,
// which is what makes the cache content-addressable for intent
// compilation. Loading an id that already exists is reported as a cache
// hit instead of replacing the record.
type LoadMeshPayload struct {
	Mesh       *kernel.Mesh `json:"mesh"`
	GeometryID string       `json:"geometryId,omitempty"`
}

// BooleanPayload names the two inputs of a boolean operation.
type BooleanPayload struct {
	GeometryID1 string `json:"geometryId1"`
	GeometryID2 string `json:"geometryId2"`
}

// HolePayload drills a cylindrical hole.
type HolePayload struct {
	GeometryID string      `json:"geometryId"`
	Position   kernel.Vec3 `json:"position"`
	Diameter   float64     `json:"diameter"`
	Depth      float64     `json:"depth"`
}

// FilletPayload rounds an edge.
type FilletPayload struct {
	GeometryID string  `json:"geometryId"`
	EdgeIndex  int     `json:"edgeIndex"`
	Radius     float64 `json:"radius"`
}

// ChamferPayload bevels an edge.
type ChamferPayload struct {
	GeometryID string  `json:"geometryId"`
	EdgeIndex  int     `json:"edgeIndex"`
	Distance   float64 `json:"distance"`
}

// GeometryRefPayload names a single existing geometry
// (GET_MESH, COMPUTE_BOUNDING_BOX, REMOVE_GEOMETRY).
type GeometryRefPayload struct {
	GeometryID string `json:"geometryId"`
}

// ExportPayload writes a geometry to a mesh file.
type ExportPayload struct {
	GeometryID string `json:"geometryId"`
	Filename   string `json:"filename"`
}

// --- Operation results ---

// GeometryResult is returned by every operation that yields a mesh.
// Cached reports that the mesh was served from an existing record rather
// than computed.
type GeometryResult struct {
	GeometryID string       `json:"geometryId"`
	Mesh       *kernel.Mesh `json:"mesh"`
	Cached     bool         `json:"cached,omitempty"`
}

// BoundingBoxResult is the axis-aligned bounding box of a geometry.
type BoundingBoxResult struct {
	Min [3]float64 `json:"min"`
	Max [3]float64 `json:"max"`
}

// ExportResult reports a completed file export.
type ExportResult struct {
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
}

// AckResult acknowledges cache maintenance operations.
type AckResult struct {
	Cleared int  `json:"cleared,omitempty"`
	Removed bool `json:"removed,omitempty"`
}
