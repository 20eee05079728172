package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	zygo "github.com/glycerine/zygomys/zygo"

	"github.com/chazu/knurl/pkg/engine"
	"github.com/chazu/knurl/pkg/worker"
)

// CompileTimeout is the hard limit for evaluating one intent source.
const CompileTimeout = 5 * time.Second

// ParseError is a non-fatal error in intent source, with a line number
// when one could be extracted from the interpreter.
type ParseError struct {
	Line    int
	Message string
}

func (e ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// compiler accumulates operations as intent builtins evaluate. Each
// geometry-producing builtin appends one operation and returns a shape
// reference naming its position in the sequence.
type compiler struct {
	ops []engine.Operation
}

func (c *compiler) emit(op worker.Op, payload map[string]any) *sexpShapeRef {
	c.ops = append(c.ops, engine.Operation{Type: op, Payload: payload})
	return &sexpShapeRef{ref: engine.Ref(len(c.ops) - 1)}
}

// sexpShapeRef wraps a positional reference so shapes can flow between
// builtins inside the Lisp environment.
type sexpShapeRef struct {
	ref engine.Ref
}

func (s *sexpShapeRef) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(shape %d)", int(s.ref))
}
func (s *sexpShapeRef) Type() *zygo.RegisteredType { return nil }

// sexpVec3 wraps a position literal.
type sexpVec3 struct {
	x, y, z float64
}

func (v *sexpVec3) SexpString(ps *zygo.PrintState) string {
	return fmt.Sprintf("(vec3 %.1f %.1f %.1f)", v.x, v.y, v.z)
}
func (v *sexpVec3) Type() *zygo.RegisteredType { return nil }

// Compile evaluates intent source in a fresh sandbox and returns the
// operation sequence it describes. Each call gets its own environment;
// evaluation order in the source is the operation order of the result.
func Compile(source string) ([]engine.Operation, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ParseError{Message: "empty intent source"}
	}

	type outcome struct {
		ops []engine.Operation
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic during evaluation: %v", r)}
			}
		}()
		ops, err := evaluate(source)
		ch <- outcome{ops: ops, err: err}
	}()

	timer := time.NewTimer(CompileTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.ops, res.err
	case <-timer.C:
		return nil, fmt.Errorf("intent evaluation timed out after %s", CompileTimeout)
	}
}

// evaluate runs the source in a sandboxed zygomys environment. Sandbox
// mode keeps user code away from the filesystem and syscalls.
func evaluate(source string) ([]engine.Operation, error) {
	env := zygo.NewZlispSandbox()
	defer env.Stop()

	c := &compiler{}
	registerBuiltins(env, c)

	if err := env.LoadString(preprocessSource(source)); err != nil {
		return nil, parseZygoError(err)
	}
	if _, err := env.Run(); err != nil {
		return nil, parseZygoError(err)
	}
	if len(c.ops) == 0 {
		return nil, ParseError{Message: "intent describes no geometry"}
	}
	return c.ops, nil
}

// linePattern matches interpreter messages of the form "Error on line N: ...".
var linePattern = regexp.MustCompile(`(?i)(?:error )?on line (\d+):\s*(.*)`)

// parseZygoError extracts line information from an interpreter error when
// the message carries it.
func parseZygoError(err error) error {
	msg := err.Error()
	if m := linePattern.FindStringSubmatch(msg); m != nil {
		line, _ := strconv.Atoi(m[1])
		return ParseError{Line: line, Message: strings.TrimSpace(m[2])}
	}
	return ParseError{Message: strings.TrimSpace(msg)}
}

// ---------------------------------------------------------------------------
// Source preprocessing
// ---------------------------------------------------------------------------

// kwPrefix marks keyword tokens after preprocessing.
const kwPrefix = "__kw_"

// preprocessSource transforms intent source before handing it to zygomys:
//
//  1. :keyword -> "__kw_keyword" string literals, so keywords need no
//     global symbol registration.
//  2. kebab-case -> underscore form outside strings and comments, since
//     zygomys reads a hyphen as subtraction.
//  3. ; line comments -> // comments, the form zygomys understands.
//
// String literal boundaries are respected throughout.
func preprocessSource(source string) string {
	result := make([]byte, 0, len(source)+len(source)/4)
	b := []byte(source)
	i := 0
	for i < len(b) {
		if b[i] == '"' {
			result = append(result, b[i])
			i++
			for i < len(b) && b[i] != '"' {
				if b[i] == '\\' && i+1 < len(b) {
					result = append(result, b[i], b[i+1])
					i += 2
					continue
				}
				result = append(result, b[i])
				i++
			}
			if i < len(b) {
				result = append(result, b[i])
				i++
			}
			continue
		}
		if b[i] == '`' {
			result = append(result, b[i])
			i++
			for i < len(b) && b[i] != '`' {
				result = append(result, b[i])
				i++
			}
			if i < len(b) {
				result = append(result, b[i])
				i++
			}
			continue
		}
		if b[i] == ';' {
			result = append(result, '/', '/')
			i++
			for i < len(b) && b[i] == ';' {
				i++
			}
			for i < len(b) && b[i] != '\n' {
				result = append(result, b[i])
				i++
			}
			continue
		}
		if b[i] == ':' && i+1 < len(b) {
			if b[i+1] == '=' {
				result = append(result, b[i], b[i+1])
				i += 2
				continue
			}
			if isLetter(b[i+1]) {
				j := i + 1
				for j < len(b) && isKWChar(b[j]) {
					j++
				}
				result = append(result, '"')
				result = append(result, []byte(kwPrefix)...)
				result = append(result, b[i+1:j]...)
				result = append(result, '"')
				i = j
				continue
			}
		}
		if b[i] == '-' && i > 0 && i+1 < len(b) &&
			isIdentChar(b[i-1]) && isLetter(b[i+1]) {
			result = append(result, '_')
			i++
			continue
		}
		result = append(result, b[i])
		i++
	}
	return string(result)
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isKWChar(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '-' || c == '_'
}

func isIdentChar(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_'
}

// ---------------------------------------------------------------------------
// Keyword argument parsing
// ---------------------------------------------------------------------------

type kwArgs struct {
	kw         map[string]zygo.Sexp
	positional []zygo.Sexp
}

// parseArgs separates mixed positional and keyword arguments. Keywords
// carry the prefix added during preprocessing.
func parseArgs(args []zygo.Sexp) kwArgs {
	result := kwArgs{kw: make(map[string]zygo.Sexp)}
	i := 0
	for i < len(args) {
		name, ok := isKW(args[i])
		if ok {
			if i+1 < len(args) {
				result.kw[name] = args[i+1]
				i += 2
			} else {
				result.kw[name] = zygo.SexpNull
				i++
			}
		} else {
			result.positional = append(result.positional, args[i])
			i++
		}
	}
	return result
}

func isKW(s zygo.Sexp) (string, bool) {
	str, ok := s.(*zygo.SexpStr)
	if !ok {
		return "", false
	}
	if strings.HasPrefix(str.S, kwPrefix) {
		return str.S[len(kwPrefix):], true
	}
	return "", false
}

func toFloat64(s zygo.Sexp) (float64, error) {
	switch v := s.(type) {
	case *zygo.SexpInt:
		return float64(v.Val), nil
	case *zygo.SexpFloat:
		return v.Val, nil
	}
	return 0, fmt.Errorf("expected number, got %T (%s)", s, s.SexpString(nil))
}

func toInt(s zygo.Sexp) (int, error) {
	if v, ok := s.(*zygo.SexpInt); ok {
		return int(v.Val), nil
	}
	return 0, fmt.Errorf("expected integer, got %T (%s)", s, s.SexpString(nil))
}

func toShapeRef(s zygo.Sexp) (engine.Ref, error) {
	if ref, ok := s.(*sexpShapeRef); ok {
		return ref.ref, nil
	}
	return 0, fmt.Errorf("expected shape, got %T (%s)", s, s.SexpString(nil))
}

func toVec3(s zygo.Sexp) (*sexpVec3, error) {
	if v, ok := s.(*sexpVec3); ok {
		return v, nil
	}
	return nil, fmt.Errorf("expected vec3, got %T (%s)", s, s.SexpString(nil))
}

// numArg reads a required numeric argument by keyword name, falling back
// to the positional slot.
func numArg(pa kwArgs, name string, pos int) (float64, error) {
	if v, ok := pa.kw[name]; ok {
		return toFloat64(v)
	}
	if pos >= 0 && pos < len(pa.positional) {
		return toFloat64(pa.positional[pos])
	}
	return 0, fmt.Errorf("missing required argument %q", name)
}

// intArg reads an optional integer argument with a default.
func intArg(pa kwArgs, name string, def int) (int, error) {
	v, ok := pa.kw[name]
	if !ok {
		return def, nil
	}
	return toInt(v)
}

// Default tessellation segment counts.
const (
	defaultSegments    = 32
	defaultSegmentsLat = 16
)

// ---------------------------------------------------------------------------
// Builtin registration
// ---------------------------------------------------------------------------

// registerBuiltins installs the intent DSL into a zygomys environment.
// Builtins append to the compiler's sequence as they evaluate, so source
// evaluation order is sequence order.
func registerBuiltins(env *zygo.Zlisp, c *compiler) {

	// (box :width 40 :height 20 :depth 10) or (box 40 20 10)
	env.AddFunction("box", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		w, err := numArg(pa, "width", 0)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("box: %w", err)
		}
		h, err := numArg(pa, "height", 1)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("box: %w", err)
		}
		d, err := numArg(pa, "depth", 2)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("box: %w", err)
		}
		return c.emit(worker.OpCreateBox, map[string]any{
			"width": w, "height": h, "depth": d,
		}), nil
	})

	// (cylinder :radius 5 :height 40 :segments 64)
	env.AddFunction("cylinder", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		r, err := numArg(pa, "radius", 0)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("cylinder: %w", err)
		}
		h, err := numArg(pa, "height", 1)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("cylinder: %w", err)
		}
		seg, err := intArg(pa, "segments", defaultSegments)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("cylinder: segments: %w", err)
		}
		return c.emit(worker.OpCreateCylinder, map[string]any{
			"radius": r, "height": h, "segments": seg,
		}), nil
	})

	// (sphere :radius 10 :segments-lat 16 :segments-lon 32)
	env.AddFunction("sphere", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		r, err := numArg(pa, "radius", 0)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("sphere: %w", err)
		}
		lat, err := intArg(pa, "segments-lat", defaultSegmentsLat)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("sphere: segments-lat: %w", err)
		}
		lon, err := intArg(pa, "segments-lon", defaultSegments)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("sphere: segments-lon: %w", err)
		}
		return c.emit(worker.OpCreateSphere, map[string]any{
			"radius": r, "segmentsLat": lat, "segmentsLon": lon,
		}), nil
	})

	// (cone :radius 8 :height 20 :segments 32)
	env.AddFunction("cone", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		r, err := numArg(pa, "radius", 0)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("cone: %w", err)
		}
		h, err := numArg(pa, "height", 1)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("cone: %w", err)
		}
		seg, err := intArg(pa, "segments", defaultSegments)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("cone: segments: %w", err)
		}
		return c.emit(worker.OpCreateCone, map[string]any{
			"radius": r, "height": h, "segments": seg,
		}), nil
	})

	// (torus :major-radius 20 :minor-radius 4)
	env.AddFunction("torus", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		major, err := numArg(pa, "major-radius", 0)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("torus: %w", err)
		}
		minor, err := numArg(pa, "minor-radius", 1)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("torus: %w", err)
		}
		segMajor, err := intArg(pa, "segments-major", defaultSegments)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("torus: segments-major: %w", err)
		}
		segMinor, err := intArg(pa, "segments-minor", defaultSegmentsLat)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("torus: segments-minor: %w", err)
		}
		return c.emit(worker.OpCreateTorus, map[string]any{
			"majorRadius": major, "minorRadius": minor,
			"segmentsMajor": segMajor, "segmentsMinor": segMinor,
		}), nil
	})

	// (vec3 1 2 3)
	env.AddFunction("vec3", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		if len(args) != 3 {
			return zygo.SexpNull, fmt.Errorf("vec3 requires exactly 3 arguments, got %d", len(args))
		}
		x, err := toFloat64(args[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("vec3: x: %w", err)
		}
		y, err := toFloat64(args[1])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("vec3: y: %w", err)
		}
		z, err := toFloat64(args[2])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("vec3: z: %w", err)
		}
		return &sexpVec3{x: x, y: y, z: z}, nil
	})

	// (union a b), (subtract a b), (intersect a b)
	boolean := func(fname string, op worker.Op) {
		env.AddFunction(fname, func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
			if len(args) != 2 {
				return zygo.SexpNull, fmt.Errorf("%s requires exactly 2 shapes, got %d", fname, len(args))
			}
			a, err := toShapeRef(args[0])
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: first: %w", fname, err)
			}
			b, err := toShapeRef(args[1])
			if err != nil {
				return zygo.SexpNull, fmt.Errorf("%s: second: %w", fname, err)
			}
			return c.emit(op, map[string]any{
				"geometryId1": a, "geometryId2": b,
			}), nil
		})
	}
	boolean("union", worker.OpBooleanUnion)
	boolean("subtract", worker.OpBooleanSubtract)
	boolean("intersect", worker.OpBooleanIntersect)

	// (hole shape :position (vec3 10 10 0) :diameter 5 :depth 20)
	env.AddFunction("hole", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		if len(pa.positional) < 1 {
			return zygo.SexpNull, fmt.Errorf("hole requires a shape as first argument")
		}
		ref, err := toShapeRef(pa.positional[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("hole: shape: %w", err)
		}
		v, ok := pa.kw["position"]
		if !ok {
			return zygo.SexpNull, fmt.Errorf("hole requires :position")
		}
		pos, err := toVec3(v)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("hole: position: %w", err)
		}
		dia, err := numArg(pa, "diameter", -1)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("hole: %w", err)
		}
		depth, err := numArg(pa, "depth", -1)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("hole: %w", err)
		}
		return c.emit(worker.OpAddHole, map[string]any{
			"geometryId": ref,
			"position":   map[string]any{"x": pos.x, "y": pos.y, "z": pos.z},
			"diameter":   dia,
			"depth":      depth,
		}), nil
	})

	// (fillet shape :edge 0 :radius 2)
	env.AddFunction("fillet", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		if len(pa.positional) < 1 {
			return zygo.SexpNull, fmt.Errorf("fillet requires a shape as first argument")
		}
		ref, err := toShapeRef(pa.positional[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("fillet: shape: %w", err)
		}
		edge, err := intArg(pa, "edge", 0)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("fillet: edge: %w", err)
		}
		radius, err := numArg(pa, "radius", -1)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("fillet: %w", err)
		}
		return c.emit(worker.OpAddFillet, map[string]any{
			"geometryId": ref, "edgeIndex": edge, "radius": radius,
		}), nil
	})

	// (chamfer shape :edge 0 :distance 2)
	env.AddFunction("chamfer", func(env *zygo.Zlisp, name string, args []zygo.Sexp) (zygo.Sexp, error) {
		pa := parseArgs(args)
		if len(pa.positional) < 1 {
			return zygo.SexpNull, fmt.Errorf("chamfer requires a shape as first argument")
		}
		ref, err := toShapeRef(pa.positional[0])
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("chamfer: shape: %w", err)
		}
		edge, err := intArg(pa, "edge", 0)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("chamfer: edge: %w", err)
		}
		dist, err := numArg(pa, "distance", -1)
		if err != nil {
			return zygo.SexpNull, fmt.Errorf("chamfer: %w", err)
		}
		return c.emit(worker.OpAddChamfer, map[string]any{
			"geometryId": ref, "edgeIndex": edge, "distance": dist,
		}), nil
	})
}
