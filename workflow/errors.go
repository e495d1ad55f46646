package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/castingclouds/circuit-breaker-sub001/rules"
)

// Standard error definitions
var (
	ErrUnknownTransition  = errors.New("unknown transition")
	ErrInvalidSourceState = errors.New("invalid source state")
	ErrInvalidTargetState = errors.New("invalid target state")
	ErrPolicyViolation    = errors.New("policy violation")
	ErrActionFailed       = errors.New("action failed")
	ErrVersionConflict    = errors.New("version conflict")

	ErrInvalidDefinition  = errors.New("invalid definition")
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrDefinitionExists   = errors.New("definition already registered with a different document")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrUnknownPlace       = errors.New("unknown place")
	ErrToolNotRegistered  = errors.New("tool not registered")
	ErrUnknownMethod      = errors.New("unknown tool method")
)

// ErrorKind names a fire failure in the error taxonomy.
type ErrorKind string

const (
	KindUnknownTransition  ErrorKind = "UnknownTransition"
	KindInvalidSourceState ErrorKind = "InvalidSourceState"
	KindInvalidTargetState ErrorKind = "InvalidTargetState"
	KindPolicyViolation    ErrorKind = "PolicyViolation"
	KindActionFailed       ErrorKind = "ActionFailed"
	KindVersionConflict    ErrorKind = "VersionConflict"
)

var kindSentinels = map[ErrorKind]error{
	KindUnknownTransition:  ErrUnknownTransition,
	KindInvalidSourceState: ErrInvalidSourceState,
	KindInvalidTargetState: ErrInvalidTargetState,
	KindPolicyViolation:    ErrPolicyViolation,
	KindActionFailed:       ErrActionFailed,
	KindVersionConflict:    ErrVersionConflict,
}

// FireError is the structured failure of Engine.Fire. The instance it names
// is unchanged whenever a FireError is returned.
type FireError struct {
	Kind       ErrorKind       `json:"kind"`
	InstanceID uint64          `json:"instance_id"`
	Workflow   string          `json:"workflow,omitempty"`
	Transition string          `json:"transition"`
	Place      string          `json:"place,omitempty"`
	Target     string          `json:"target,omitempty"`
	Failures   []rules.Failure `json:"failures,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Method     string          `json:"method,omitempty"`
	Cause      error           `json:"-"`
}

func (e *FireError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: instance %d transition %q", e.Kind, e.InstanceID, e.Transition)
	switch e.Kind {
	case KindInvalidSourceState:
		fmt.Fprintf(&b, " not enabled in place %q", e.Place)
	case KindInvalidTargetState:
		fmt.Fprintf(&b, " cannot target %q", e.Target)
	case KindPolicyViolation:
		reasons := make([]string, 0, len(e.Failures))
		for _, f := range e.Failures {
			reasons = append(reasons, f.Error())
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(reasons, "; "))
	case KindActionFailed:
		fmt.Fprintf(&b, " %s.%s", e.Tool, e.Method)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is.
func (e *FireError) Unwrap() []error {
	var errs []error
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, sentinel)
	}
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Recoverable reports whether the caller may retry after correcting the
// instance attributes. Only policy violations qualify.
func (e *FireError) Recoverable() bool {
	return e.Kind == KindPolicyViolation
}

// KindOf returns the taxonomy kind of err, or "" when err is not a FireError.
func KindOf(err error) ErrorKind {
	var fe *FireError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
