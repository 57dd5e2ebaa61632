package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates boolean branch expressions against form data.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// Helper derives a value from the form data under evaluation.
type Helper func(form map[string]interface{}) interface{}

// ExprEvaluator is an Evaluator backed by expr-lang/expr.
//
// Forms of one flow do not share a schema, so programs are compiled
// without a typed environment and cached by expression text alone. A field
// the form does not carry evaluates to nil.
type ExprEvaluator struct {
	programs sync.Map // expression -> *vm.Program

	mu      sync.RWMutex
	helpers map[string]Helper
}

func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{helpers: make(map[string]Helper)}
}

// AddHelper exposes name to every expression. Helpers shadow form fields
// of the same name.
func (e *ExprEvaluator) AddHelper(name string, f Helper) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.helpers[name] = f
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	if p, ok := e.programs.Load(expression); ok {
		return p.(*vm.Program), nil
	}
	p, err := expr.Compile(expression,
		expr.Env(map[string]interface{}{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	actual, _ := e.programs.LoadOrStore(expression, p)
	return actual.(*vm.Program), nil
}

// Evaluate runs expression over env, which is left unmodified.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	e.mu.RLock()
	scope := make(map[string]interface{}, len(env)+len(e.helpers))
	for k, v := range env {
		scope[k] = v
	}
	for name, f := range e.helpers {
		scope[name] = f(env)
	}
	e.mu.RUnlock()

	out, err := expr.Run(program, scope)
	if err != nil {
		return false, fmt.Errorf("run %q: %w", expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q yields %T, not bool", expression, out)
	}
	return b, nil
}
