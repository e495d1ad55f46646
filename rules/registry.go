package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/castingclouds/circuit-breaker-sub001/types"
)

var (
	ErrInvalidRule = errors.New("invalid rule")
	ErrUnknownRule = errors.New("unknown rule")
	ErrRuleExists  = errors.New("rule already registered")
)

// Registry maps rule names to rules. It is built once and passed explicitly to
// definitions and engines; lookups are safe for concurrent use.
type Registry struct {
	rules     map[string]Rule
	evaluator *ExprEvaluator
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry whose expression rules share one evaluator.
func NewRegistry() *Registry {
	return &Registry{
		rules:     make(map[string]Rule),
		evaluator: NewExprEvaluator(),
	}
}

// Evaluator returns the expression evaluator used by RegisterExpr.
func (r *Registry) Evaluator() *ExprEvaluator {
	return r.evaluator
}

// Register adds a rule under name. Names are normalized like place names.
func (r *Registry) Register(name string, rule Rule) error {
	name = types.Normalize(name)
	if name == "" || rule == nil {
		return fmt.Errorf("%w: name and rule are required", ErrInvalidRule)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[name]; ok {
		return fmt.Errorf("%w: %s", ErrRuleExists, name)
	}
	r.rules[name] = rule
	return nil
}

// RegisterFunc registers a Go predicate.
func (r *Registry) RegisterFunc(name string, fn func(map[string]interface{}) bool) error {
	if fn == nil {
		return fmt.Errorf("%w: nil function for %s", ErrInvalidRule, name)
	}
	return r.Register(name, RuleFunc(fn))
}

// RegisterExpr registers an expr expression such as "word_count >= 100".
func (r *Registry) RegisterExpr(name, expression string) error {
	rule, err := NewExprRule(expression, r.evaluator)
	if err != nil {
		return err
	}
	return r.Register(name, rule)
}

// Get returns the rule registered under name.
func (r *Registry) Get(name string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[types.Normalize(name)]
	return rule, ok
}

// Has reports whether a rule is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered rule names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs the named rule.
func (r *Registry) Evaluate(name string, attributes map[string]interface{}) (bool, error) {
	rule, ok := r.Get(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	return rule.Evaluate(attributes), nil
}
