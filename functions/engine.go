// Package functions implements the scalar/aggregate function registry the
// Mutator's projection stage consumes (spec §4.5, C5's "actionArgs" of the
// form "FN(arg1,arg2,…) AS alias"). Grounded on rules/engine.go's
// compile-cache-then-Program.Eval CEL pattern, generalized from a boolean
// rule predicate to a value-producing expression, so a function can be
// registered either as a native Go closure or as a CEL expression body.
package functions

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Kind distinguishes a scalar function (one value per row) from an
// aggregate function (collapses a row set to one value), spec §4.5:
// "Functions are registered with type A (aggregate, ...) or S (scalar, ...)".
type Kind string

const (
	Scalar    Kind = "S"
	Aggregate Kind = "A"
)

// ScalarFn computes one value from one row's resolved argument values.
type ScalarFn func(args []interface{}) (interface{}, error)

// AggregateFn computes one value from every row's resolved argument values
// in a bucket (or the whole row set when there is no group-by).
type AggregateFn func(argsPerRow [][]interface{}) (interface{}, error)

// Function is one registry entry.
type Function struct {
	Name string
	Kind Kind
	Fn   ScalarFn    // set when Kind == Scalar and not CEL-expression-bodied
	Agg  AggregateFn // set when Kind == Aggregate and not CEL-expression-bodied

	// CELExpr, when non-empty, makes this a CEL-expression-bodied
	// function: the expression is compiled once and evaluated with "args"
	// bound to the resolved argument list (Scalar) or "rows" bound to the
	// list of resolved argument lists (Aggregate).
	CELExpr string
}

// Registry holds registered functions plus the CEL environment and program
// cache used by CEL-expression-bodied functions (rules/engine.go's
// RulesEngine shape, generalized).
type Registry struct {
	mu        sync.RWMutex
	functions map[string]Function

	env      *cel.Env
	prgCache sync.Map // map[string]cel.Program
}

// NewRegistry constructs a registry pre-loaded with the builtin aggregate
// and scalar functions every SQL-flavored dialect expects (COUNT, SUM, AVG,
// MIN, MAX, CONCAT, UPPER, LOWER, COALESCE), then wires a CEL environment
// for expression-bodied functions.
func NewRegistry() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("args", cel.DynType),
		cel.Variable("rows", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("functions: building CEL env: %w", err)
	}

	r := &Registry{
		functions: make(map[string]Function),
		env:       env,
	}
	registerBuiltins(r)
	return r, nil
}

// Register adds or replaces a function definition.
func (r *Registry) Register(fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[fn.Name] = fn
}

// Lookup returns the named function, if registered.
func (r *Registry) Lookup(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}

// EvalScalar evaluates a scalar function against one row's argument values.
func (r *Registry) EvalScalar(fn Function, args []interface{}) (interface{}, error) {
	if fn.CELExpr != "" {
		out, err := r.evalCEL(fn.CELExpr, map[string]interface{}{"args": args, "rows": nil})
		return out, err
	}
	if fn.Fn == nil {
		return nil, fmt.Errorf("functions: %s has no scalar implementation", fn.Name)
	}
	return fn.Fn(args)
}

// EvalAggregate evaluates an aggregate function against a bucket (or the
// full row set) of resolved argument lists.
func (r *Registry) EvalAggregate(fn Function, argsPerRow [][]interface{}) (interface{}, error) {
	if fn.CELExpr != "" {
		return r.evalCEL(fn.CELExpr, map[string]interface{}{"args": nil, "rows": argsPerRow})
	}
	if fn.Agg == nil {
		return nil, fmt.Errorf("functions: %s has no aggregate implementation", fn.Name)
	}
	return fn.Agg(argsPerRow)
}

func (r *Registry) evalCEL(expr string, vars map[string]interface{}) (interface{}, error) {
	var prg cel.Program
	if val, ok := r.prgCache.Load(expr); ok {
		prg = val.(cel.Program)
	} else {
		ast, issues := r.env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("functions: compile error: %w", issues.Err())
		}
		p, err := r.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("functions: program construction error: %w", err)
		}
		prg = p
		r.prgCache.Store(expr, prg)
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("functions: eval error: %w", err)
	}
	return out.Value(), nil
}
