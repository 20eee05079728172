// Package engine executes ordered operation sequences against the
// geometry worker. Sequences are strictly positional: an operation may
// reference only geometry produced earlier in the same sequence, or
// records already resident in the cache.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"github.com/chazu/knurl/pkg/kernel"
	"github.com/chazu/knurl/pkg/worker"
)

// ErrDisposed is returned for sequences started after Dispose.
var ErrDisposed = zerr.New("engine disposed")

// Ref is a positional placeholder inside an operation payload. Ref(0)
// resolves to the geometry id produced by the first geometry-producing
// operation of the sequence, Ref(1) to the second, and so on. Literal
// string ids pass through untouched.
type Ref int

// Operation is one step of a sequence. Payload values may be literals or
// Refs; Refs are resolved at dispatch time, once their producers have run.
type Operation struct {
	Type    worker.Op
	Payload map[string]any
}

// Progress statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Progress describes one operation's position in a running sequence.
// Current is 1-based.
type Progress struct {
	Current   int
	Total     int
	Operation worker.Op
	Status    string
}

// ProgressFunc observes per-operation progress. Callbacks run on the
// executing goroutine; a nil func disables reporting.
type ProgressFunc func(Progress)

// PartialResultFunc observes each produced geometry as it lands, so a
// live view can render incrementally while the sequence continues.
type PartialResultFunc func(id string, mesh *kernel.Mesh)

// SequenceError reports a failed sequence. LastID carries the most recent
// successfully produced geometry id; partial progress is preserved, never
// rolled back.
type SequenceError struct {
	Index     int
	Operation worker.Op
	LastID    string
	Err       error
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("operation %d (%s) failed: %v", e.Index+1, e.Operation, e.Err)
}

func (e *SequenceError) Unwrap() error { return e.Err }

// Engine drives sequences through a worker transport. Dispose shuts the
// transport down; each Engine owns its transport exclusively.
type Engine struct {
	transport *worker.Transport
	logger    *zap.Logger
	disposed  atomic.Bool
}

// New creates an engine over a transport. The transport must already be
// initialized, or calls will fail with the transport's readiness errors.
func New(tr *worker.Transport, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{transport: tr, logger: logger}
}

// Transport exposes the underlying worker transport.
func (e *Engine) Transport() *worker.Transport { return e.transport }

// ExecuteSequence runs ops strictly in order, aborting on the first
// failure. It returns the final geometry id on success. On failure the
// returned error is a *SequenceError identifying the failed operation and
// the last successfully produced id.
func (e *Engine) ExecuteSequence(ctx context.Context, ops []Operation, onProgress ProgressFunc, onPartial PartialResultFunc) (string, error) {
	if e.disposed.Load() {
		return "", ErrDisposed
	}

	total := len(ops)
	produced := make([]string, 0, total)
	lastID := ""

	report := func(i int, op worker.Op, status string) {
		if onProgress != nil {
			onProgress(Progress{Current: i + 1, Total: total, Operation: op, Status: status})
		}
	}
	fail := func(i int, op Operation, err error) (string, error) {
		report(i, op.Type, StatusError)
		e.logger.Warn("sequence aborted",
			zap.Int("operation", i+1),
			zap.String("type", string(op.Type)),
			zap.Error(err))
		return lastID, &SequenceError{Index: i, Operation: op.Type, LastID: lastID, Err: err}
	}

	for i, op := range ops {
		report(i, op.Type, StatusRunning)

		payload, err := resolveRefs(op.Payload, produced)
		if err != nil {
			return fail(i, op, err)
		}

		raw, err := e.transport.Call(ctx, op.Type, payload, 0)
		if err != nil {
			return fail(i, op, err)
		}

		if producesGeometry(op.Type) {
			var res worker.GeometryResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return fail(i, op, fmt.Errorf("decode %s result: %w", op.Type, err))
			}
			produced = append(produced, res.GeometryID)
			lastID = res.GeometryID
			if onPartial != nil {
				onPartial(res.GeometryID, res.Mesh)
			}
		}

		report(i, op.Type, StatusComplete)
	}

	if lastID == "" {
		return "", zerr.New("sequence produced no geometry")
	}
	return lastID, nil
}

// Dispose shuts the engine down. In-flight sequences abort as their next
// transport call fails; subsequent sequences fail with ErrDisposed.
// Dispose is idempotent.
func (e *Engine) Dispose() {
	if e.disposed.CompareAndSwap(false, true) {
		e.transport.Close()
		e.logger.Info("engine disposed")
	}
}

// producesGeometry reports whether an operation yields a GeometryResult
// that extends the sequence's positional id list.
func producesGeometry(op worker.Op) bool {
	switch op {
	case worker.OpCreateBox, worker.OpCreateCylinder, worker.OpCreateSphere,
		worker.OpCreateCone, worker.OpCreateTorus, worker.OpLoadMesh,
		worker.OpBooleanUnion, worker.OpBooleanSubtract, worker.OpBooleanIntersect,
		worker.OpAddHole, worker.OpAddFillet, worker.OpAddChamfer,
		worker.OpGetMesh:
		return true
	}
	return false
}

// resolveRefs returns a copy of payload with every Ref replaced by the
// id it points at. A Ref past the produced list is a sequencing bug in
// the caller and fails the operation.
func resolveRefs(payload map[string]any, produced []string) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		ref, ok := v.(Ref)
		if !ok {
			out[k] = v
			continue
		}
		if int(ref) < 0 || int(ref) >= len(produced) {
			return nil, fmt.Errorf("payload field %q references operation %d, but only %d geometries have been produced", k, int(ref), len(produced))
		}
		out[k] = produced[ref]
	}
	return out, nil
}
