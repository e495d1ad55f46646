package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the canonical workflow definition document.
type Document struct {
	Name        string              `json:"name,omitempty" yaml:"name,omitempty"`
	ObjectType  string              `json:"object_type" yaml:"object_type"`
	Places      Places              `json:"places" yaml:"places"`
	Transitions Transitions         `json:"transitions" yaml:"transitions"`
	Functions   map[string][]string `json:"functions,omitempty" yaml:"functions,omitempty"` // place -> function names dispatched on arrival
	Metadata    Metadata            `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// WorkflowName is the key the definition is registered under: Name when set,
// otherwise the object type.
func (d Document) WorkflowName() string {
	if d.Name != "" {
		return Normalize(d.Name)
	}
	return Normalize(d.ObjectType)
}

// Places lists the ordered regular states and the cross-cutting special states.
type Places struct {
	States        []string `json:"states" yaml:"states"`
	SpecialStates []string `json:"special_states,omitempty" yaml:"special_states,omitempty"`
}

// Transitions groups transition specs by category. The category is a label only.
type Transitions struct {
	Regular  []TransitionSpec `json:"regular,omitempty" yaml:"regular,omitempty"`
	Blocking []TransitionSpec `json:"blocking,omitempty" yaml:"blocking,omitempty"`
	Special  []TransitionSpec `json:"special,omitempty" yaml:"special,omitempty"`
}

// TransitionSpec is a transition as written in the document.
type TransitionSpec struct {
	Name     string       `json:"name" yaml:"name"`
	From     StringList   `json:"from" yaml:"from"`
	To       StringList   `json:"to" yaml:"to"`
	Policy   Policy       `json:"policy,omitempty" yaml:"policy,omitempty"`
	Requires []string     `json:"requires,omitempty" yaml:"requires,omitempty"`
	Actions  []ActionSpec `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// Policy holds rule names: every rule in All must pass and, when Any is
// non-empty, at least one of Any must pass.
type Policy struct {
	All []string `json:"all,omitempty" yaml:"all,omitempty"`
	Any []string `json:"any,omitempty" yaml:"any,omitempty"`
}

// IsEmpty reports whether the policy declares no rules.
func (p Policy) IsEmpty() bool {
	return len(p.All) == 0 && len(p.Any) == 0
}

// ActionSpec names a tool method to invoke before the marking moves.
type ActionSpec struct {
	Tool        string                 `json:"tool" yaml:"tool"`
	Method      string                 `json:"method" yaml:"method"`
	ResultField string                 `json:"result_field,omitempty" yaml:"result_field,omitempty"`
	Args        map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`
}

// Metadata carries documentation and executor hints. The state machine ignores it.
type Metadata struct {
	Rules      []RuleDoc      `json:"rules,omitempty" yaml:"rules,omitempty"`
	Connection ConnectionMeta `json:"connection,omitempty" yaml:"connection,omitempty"`
	Logging    LoggingMeta    `json:"logging,omitempty" yaml:"logging,omitempty"`
	Metrics    MetricsMeta    `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// RuleDoc documents a rule. Expression, when set, defines the rule as an expr program.
type RuleDoc struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Expression  string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

type ConnectionMeta struct {
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

type LoggingMeta struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

type MetricsMeta struct {
	Enabled   bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// Instance statuses
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Instance is one running occurrence of a workflow definition: the token.
type Instance struct {
	ID           uint64                 `json:"id"`
	Workflow     string                 `json:"workflow"`
	ObjectType   string                 `json:"object_type,omitempty"`
	CurrentPlace string                 `json:"current_place"`
	Attributes   map[string]interface{} `json:"attributes"`
	History      []HistoryRecord        `json:"history"`
	Version      uint64                 `json:"version"`
	Status       string                 `json:"status"`
	ParentID     uint64                 `json:"parent_id,omitempty"`
	SuccessorID  uint64                 `json:"successor_id,omitempty"`
	CreatedAt    int64                  `json:"created_at"`
	UpdatedAt    int64                  `json:"updated_at"`
}

// HistoryRecord is one successful fire.
type HistoryRecord struct {
	Transition string `json:"transition"`
	From       string `json:"from"`
	To         string `json:"to"`
	Timestamp  int64  `json:"timestamp"`
	Actor      string `json:"actor,omitempty"`
}

// Clone returns a copy whose attributes and history can be mutated without
// touching the receiver. Attribute values are copied shallowly.
func (i Instance) Clone() Instance {
	out := i
	if i.Attributes != nil {
		out.Attributes = make(map[string]interface{}, len(i.Attributes))
		for k, v := range i.Attributes {
			out.Attributes[k] = v
		}
	}
	if i.History != nil {
		out.History = make([]HistoryRecord, len(i.History))
		copy(out.History, i.History)
	}
	return out
}

// StringList accepts either a scalar or a sequence when decoded.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a place name or a list of place names", node.Line)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("expected a place name or a list of place names: %w", err)
	}
	*l = items
	return nil
}

// Normalize canonicalizes a place or transition token: "Pending Review" and
// "pending-review" both become "pending_review".
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}
