package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, attributes map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Programs are compiled once per expression and shared by all callers.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc exposes a derived value to every expression under name.
// The function receives the instance attributes.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Compile compiles and caches the expression without running it.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate evaluates the given expression against the provided attributes.
// The attributes map is not modified. The expression must evaluate to a
// boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, attributes map[string]interface{}) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	env := make(map[string]interface{}, len(attributes)+len(e.optionsFunc))
	for k, v := range attributes {
		env[k] = v
	}
	e.mu.RLock()
	for k, f := range e.optionsFunc {
		env[k] = f(attributes)
	}
	e.mu.RUnlock()

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Rule is a named boolean predicate over instance attributes.
// Implementations must be pure and must not panic for any input.
type Rule interface {
	Evaluate(attributes map[string]interface{}) bool
}

// RuleFunc adapts a plain function to Rule.
type RuleFunc func(attributes map[string]interface{}) bool

// Evaluate implements Rule. A panicking function counts as a failed rule.
func (f RuleFunc) Evaluate(attributes map[string]interface{}) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return f(attributes)
}

type exprRule struct {
	expression string
	evaluator  Evaluator
}

// NewExprRule builds a rule from an expr expression. The expression is compiled
// up front when the evaluator supports it, so syntax errors surface at
// registration rather than on first use.
func NewExprRule(expression string, evaluator Evaluator) (Rule, error) {
	if expression == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidRule)
	}
	if evaluator == nil {
		evaluator = NewExprEvaluator()
	}
	if c, ok := evaluator.(interface{ Compile(string) error }); ok {
		if err := c.Compile(expression); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, expression, err)
		}
	}
	return &exprRule{expression: expression, evaluator: evaluator}, nil
}

// Evaluate implements Rule. Runtime errors such as comparing a missing
// attribute are a failed rule, not a crash.
func (r *exprRule) Evaluate(attributes map[string]interface{}) bool {
	ok, err := r.evaluator.Evaluate(r.expression, attributes)
	return err == nil && ok
}

func (r *exprRule) String() string {
	return r.expression
}
