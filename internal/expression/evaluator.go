// Package expression evaluates the bounded ES-style expression subset used by
// workflow conditions, computed-field transforms, and {{ }} templates.
//
// Expressions run on an embedded ECMAScript interpreter (goja) against a
// per-call scope injected as globals. Each call gets a fresh runtime with a
// hard wall-clock budget and a call-stack cap; dangerous globals are removed
// and forbidden constructs (assignment, loops, new, eval) are rejected before
// compilation.
package expression

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ErrorKind classifies an evaluation failure.
type ErrorKind string

const (
	ErrSyntax            ErrorKind = "Syntax"
	ErrUnknownIdentifier ErrorKind = "UnknownIdentifier"
	ErrType              ErrorKind = "TypeError"
	ErrTimeout           ErrorKind = "Timeout"
	ErrDepthExceeded     ErrorKind = "DepthExceeded"
	ErrForbidden         ErrorKind = "ForbiddenConstruct"
)

// EvalError reports an expression failure with its kind and, where known, the
// byte offset within the expression.
type EvalError struct {
	Kind     ErrorKind
	Message  string
	Position int
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Options configure an Evaluator.
type Options struct {
	// Timeout bounds a single evaluation. Zero means the 1s default.
	Timeout time.Duration

	// MaxDepth caps interpreter recursion. Zero means the default of 100.
	MaxDepth int
}

// Evaluator compiles and evaluates expressions. Compiled programs are cached
// by source text; an Evaluator is safe for concurrent use.
type Evaluator struct {
	timeout  time.Duration
	maxDepth int

	mu    sync.RWMutex
	cache map[string]*goja.Program
}

// New creates an Evaluator.
func New(opts Options) *Evaluator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = 100
	}
	return &Evaluator{
		timeout:  timeout,
		maxDepth: depth,
		cache:    make(map[string]*goja.Program),
	}
}

// identRe matches a bare JS identifier.
var identRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// lookupRe matches a pure property lookup such as "state.user.name" or
// "items[0].id". Pure lookups get missing-identifier leniency in templates.
var lookupRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*|\[(\d+|'[^']*'|"[^"]*")\])*$`)

// IsPureLookup reports whether expr is a plain identifier/member lookup with
// no operators or calls.
func IsPureLookup(expr string) bool {
	return lookupRe.MatchString(expr)
}

// Evaluate runs expr against scope and returns the resulting value as plain
// Go/JSON types (float64, string, bool, nil, []any, map[string]any).
// Identical (expr, scope) pairs yield identical values.
func (e *Evaluator) Evaluate(expr string, scope map[string]any) (any, error) {
	return e.run(expr, "("+expr+")", scope)
}

// EvaluateBool runs expr and coerces the result with JS truthiness
// (0, "", null, undefined, NaN and false are falsy; [] and {} are truthy).
func (e *Evaluator) EvaluateBool(expr string, scope map[string]any) (bool, error) {
	v, err := e.run(expr, "!!("+expr+")", scope)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &EvalError{Kind: ErrType, Message: fmt.Sprintf("boolean coercion produced %T", v)}
	}
	return b, nil
}

// run screens, compiles (with caching) and executes the wrapped source.
func (e *Evaluator) run(original, wrapped string, scope map[string]any) (any, error) {
	if pos, msg := screen(original); msg != "" {
		return nil, &EvalError{Kind: ErrForbidden, Message: msg, Position: pos}
	}

	prog, err := e.compile(wrapped)
	if err != nil {
		return nil, &EvalError{Kind: ErrSyntax, Message: err.Error()}
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(e.maxDepth)
	harden(vm)

	for name, val := range scope {
		if !identRe.MatchString(name) {
			continue
		}
		if err := vm.Set(name, deepClone(val)); err != nil {
			return nil, &EvalError{Kind: ErrType, Message: fmt.Sprintf("binding %q: %v", name, err)}
		}
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("evaluation timeout")
	})
	defer timer.Stop()

	result, err := vm.RunProgram(prog)
	if err != nil {
		return nil, classify(err)
	}
	return normalize(result.Export()), nil
}

// compile returns a cached program or compiles and caches one.
func (e *Evaluator) compile(src string) (*goja.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := goja.Compile("expression", src, false)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[src] = prog
	e.mu.Unlock()
	return prog, nil
}

// harden removes globals that would allow code loading or nondeterminism.
func harden(vm *goja.Runtime) {
	for _, name := range []string{"eval", "Function", "Date", "globalThis"} {
		_ = vm.Set(name, goja.Undefined())
	}
}

// classify maps a goja runtime error to an EvalError.
func classify(err error) *EvalError {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &EvalError{Kind: ErrTimeout, Message: "evaluation timeout"}
	}

	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return &EvalError{Kind: ErrDepthExceeded, Message: "recursion depth exceeded"}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		kind := ErrType
		if obj, ok := exc.Value().(*goja.Object); ok {
			if name := obj.Get("name"); name != nil && name.String() == "ReferenceError" {
				kind = ErrUnknownIdentifier
			}
		}
		return &EvalError{Kind: kind, Message: exc.Value().String()}
	}

	return &EvalError{Kind: ErrType, Message: err.Error()}
}

// normalize converts exported goja values to canonical JSON shapes: all
// numbers become float64, containers are normalized recursively.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// deepClone copies JSON-shaped values so expression code cannot mutate
// engine-owned state through the injected scope.
func deepClone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepClone(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepClone(item)
		}
		return out
	default:
		return v
	}
}
