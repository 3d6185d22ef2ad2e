package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates expressions against a set of variables.
type Evaluator interface {
	// Evaluate runs a boolean rule.
	Evaluate(expression string, env map[string]interface{}) (bool, error)
	// Eval runs an expression and returns its value.
	Eval(expression string, env map[string]interface{}) (interface{}, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression and variable shape.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

var _ Evaluator = (*ExprEvaluator)(nil)

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a derived variable computed from the caller's
// variables before every evaluation.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against env.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	result, err := e.Eval(expression, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Eval evaluates expression against a copy of env extended with the
// registered option functions. env itself is never modified.
func (e *ExprEvaluator) Eval(expression string, env map[string]interface{}) (interface{}, error) {
	vars := e.environment(env)
	key := cacheKey(expression, vars)

	e.mu.RLock()
	program, ok := e.cache[key]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[key]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(vars))
			if err != nil {
				e.mu.Unlock()
				return nil, err
			}
			e.cache[key] = program
		}
		e.mu.Unlock()
	}

	return expr.Run(program, vars)
}

func (e *ExprEvaluator) environment(env map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	vars := make(map[string]interface{}, len(env)+len(e.optionsFunc))
	for k, v := range env {
		vars[k] = v
	}
	for k, f := range e.optionsFunc {
		vars[k] = f(env)
	}
	return vars
}

// cacheKey identifies a program by its source and the types of its variables,
// since compilation is type-checked against the environment.
func cacheKey(expression string, env map[string]interface{}) string {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(expression)
	for _, k := range names {
		fmt.Fprintf(&b, "\x00%s:%T", k, env[k])
	}
	return b.String()
}
