// Package intent compiles declarative part descriptions into geometry.
// Intent source is a sandboxed Lisp program; compiling it yields an
// ordered operation sequence whose hash content-addresses the result in
// the geometry cache.
package intent

import "github.com/chazu/knurl/pkg/kernel"

// CompiledIntentResult is the outcome of CompileIntent. It is a closed
// set: Compiled, Cached, Fallback or CompileError. Callers must switch on
// the concrete type; unavailability is the Fallback variant, never an
// error or a nil result.
type CompiledIntentResult interface {
	compiledIntentResult()
}

// Compiled is a fresh compilation. The geometry is registered in the
// cache under its content address.
type Compiled struct {
	GeometryID string
	Mesh       *kernel.Mesh
}

// Cached means an identical intent was compiled before and its geometry
// is still resident; no kernel work was performed.
type Cached struct {
	GeometryID string
	Mesh       *kernel.Mesh
}

// Fallback means the kernel is not available (still initializing, or
// degraded for the process lifetime). The caller should render a
// placeholder instead.
type Fallback struct {
	Reason string
}

// CompileError reports a failed compilation: bad intent source, a kernel
// failure or malformed kernel output.
type CompileError struct {
	Message string
}

func (Compiled) compiledIntentResult()     {}
func (Cached) compiledIntentResult()       {}
func (Fallback) compiledIntentResult()     {}
func (CompileError) compiledIntentResult() {}
