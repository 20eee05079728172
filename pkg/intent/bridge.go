package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/knurl/pkg/engine"
	"github.com/chazu/knurl/pkg/kernel"
	"github.com/chazu/knurl/pkg/worker"
)

// Bridge states.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Bridge compiles intents against the geometry kernel. Aside from its
// readiness state it is stateless per call: hash-reuse detection is
// delegated to the geometry cache via content-addressed ids, never
// memoized here.
type Bridge struct {
	engine *engine.Engine
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	initErr  error
	initOnce singleflight.Group
}

// NewBridge creates a bridge over an engine. The engine's worker is not
// booted until Initialize.
func NewBridge(eng *engine.Engine, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{engine: eng, logger: logger}
}

// Initialize boots the kernel worker. Concurrent callers share one
// in-flight attempt. Failure is terminal for the process lifetime: the
// bridge degrades and is never retried automatically.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateReady:
		b.mu.Unlock()
		return nil
	case StateDegraded:
		err := b.initErr
		b.mu.Unlock()
		return err
	case StateUninitialized:
		b.state = StateInitializing
	}
	b.mu.Unlock()

	_, err, _ := b.initOnce.Do("initialize", func() (any, error) {
		return nil, b.engine.Transport().Initialize(ctx)
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.state = StateDegraded
		b.initErr = err
		b.logger.Error("kernel degraded", zap.Error(err))
		return err
	}
	b.state = StateReady
	b.logger.Info("kernel ready")
	return nil
}

// IsKernelReady reports whether the bridge reached Ready.
func (b *Bridge) IsKernelReady() bool {
	return b.State() == StateReady
}

// State returns the current bridge state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CompileIntent turns intent source into geometry. While the bridge is
// not Ready the result is Fallback; the kernel is never called. While
// Ready, the intent compiles to an operation sequence whose hash
// content-addresses the result: a resident record under that address is
// returned as Cached without kernel work, otherwise the sequence executes
// and the result registers under the address as Compiled. Compilation and
// kernel failures are CompileError values, never panics or Go errors.
func (b *Bridge) CompileIntent(ctx context.Context, source string) CompiledIntentResult {
	if st := b.State(); st != StateReady {
		return Fallback{Reason: fmt.Sprintf("kernel %s", st)}
	}

	ops, err := Compile(source)
	if err != nil {
		return CompileError{Message: err.Error()}
	}

	hash, err := Hash(ops)
	if err != nil {
		return CompileError{Message: err.Error()}
	}
	id := GeometryID(hash)

	tr := b.engine.Transport()

	// Probe the content address before doing any kernel work.
	raw, err := tr.Call(ctx, worker.OpGetMesh, worker.GeometryRefPayload{GeometryID: id}, 0)
	if err == nil {
		var res worker.GeometryResult
		if jerr := json.Unmarshal(raw, &res); jerr != nil {
			return CompileError{Message: fmt.Sprintf("malformed kernel output: %v", jerr)}
		}
		b.logger.Debug("intent cache hit", zap.String("id", id))
		return Cached{GeometryID: id, Mesh: res.Mesh}
	}
	if !errors.Is(err, worker.ErrNotFound) {
		return CompileError{Message: err.Error()}
	}

	var finalMesh *kernel.Mesh
	_, err = b.engine.ExecuteSequence(ctx, ops, nil,
		func(_ string, mesh *kernel.Mesh) { finalMesh = mesh })
	if err != nil {
		return CompileError{Message: err.Error()}
	}
	if finalMesh == nil {
		return CompileError{Message: "intent produced no mesh"}
	}

	// Register the result under its content address so an identical
	// intent hits the cache next time.
	if _, err := tr.Call(ctx, worker.OpLoadMesh,
		worker.LoadMeshPayload{Mesh: finalMesh, GeometryID: id}, 0); err != nil {
		return CompileError{Message: err.Error()}
	}

	b.logger.Info("intent compiled",
		zap.String("id", id),
		zap.Int("operations", len(ops)))
	return Compiled{GeometryID: id, Mesh: finalMesh}
}
