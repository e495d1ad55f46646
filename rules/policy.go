package rules

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/castingclouds/circuit-breaker-sub001/types"
)

// FailureKind classifies a policy failure.
type FailureKind string

const (
	MissingField    FailureKind = "MissingField"
	RuleFailed      FailureKind = "RuleFailed"
	NoRuleSatisfied FailureKind = "NoRuleSatisfied"
)

var (
	ErrMissingField    = errors.New("required field missing")
	ErrRuleFailed      = errors.New("rule failed")
	ErrNoRuleSatisfied = errors.New("no rule satisfied")
)

// Failure is one reason a transition is not allowed.
type Failure struct {
	Kind  FailureKind `json:"kind"`
	Field string      `json:"field,omitempty"`
	Rule  string      `json:"rule,omitempty"`
	Rules []string    `json:"rules,omitempty"`
}

func (f Failure) Error() string {
	switch f.Kind {
	case MissingField:
		return fmt.Sprintf("%s(%s)", f.Kind, f.Field)
	case RuleFailed:
		return fmt.Sprintf("%s(%s)", f.Kind, f.Rule)
	case NoRuleSatisfied:
		return fmt.Sprintf("%s(%s)", f.Kind, strings.Join(f.Rules, ", "))
	}
	return string(f.Kind)
}

func (f Failure) Unwrap() error {
	switch f.Kind {
	case MissingField:
		return ErrMissingField
	case RuleFailed:
		return ErrRuleFailed
	case NoRuleSatisfied:
		return ErrNoRuleSatisfied
	}
	return nil
}

// Verdict is the outcome of evaluating a transition's guard.
type Verdict struct {
	Allowed  bool      `json:"allowed"`
	Failures []Failure `json:"failures,omitempty"`
}

// Evaluate checks requires fields and the all/any rule groups against the
// attributes. It has no side effects and may be called speculatively.
// Missing fields are all reported; policy.all reports its first failing rule.
func Evaluate(reg *Registry, requires []string, policy types.Policy, attributes map[string]interface{}) Verdict {
	var failures []Failure

	for _, field := range requires {
		if !IsPresent(attributes[field]) {
			failures = append(failures, Failure{Kind: MissingField, Field: field})
		}
	}

	for _, name := range policy.All {
		if !passes(reg, name, attributes) {
			failures = append(failures, Failure{Kind: RuleFailed, Rule: name})
			break
		}
	}

	if len(policy.Any) > 0 {
		satisfied := false
		for _, name := range policy.Any {
			if passes(reg, name, attributes) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			failures = append(failures, Failure{Kind: NoRuleSatisfied, Rules: append([]string(nil), policy.Any...)})
		}
	}

	return Verdict{Allowed: len(failures) == 0, Failures: failures}
}

func passes(reg *Registry, name string, attributes map[string]interface{}) bool {
	if reg == nil {
		return false
	}
	ok, err := reg.Evaluate(name, attributes)
	return err == nil && ok
}

// IsPresent reports whether a value counts as set: not nil, not an empty
// string, and not an empty slice or map.
func IsPresent(v interface{}) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
