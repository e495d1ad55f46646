package workflow

import (
	"fmt"
	"strings"

	"github.com/castingclouds/circuit-breaker-sub001/rules"
	"github.com/castingclouds/circuit-breaker-sub001/types"
)

// Transition categories. They group transitions for display only.
const (
	CategoryRegular  = "regular"
	CategoryBlocking = "blocking"
	CategorySpecial  = "special"
)

// Place is a named state of a definition.
type Place struct {
	Name    string `json:"name"`
	Special bool   `json:"special,omitempty"`
}

// Transition is a validated, normalized transition. Values returned by a
// Definition are shared and must not be modified.
type Transition struct {
	Name     string             `json:"name"`
	Category string             `json:"category"`
	From     []string           `json:"from"`
	To       []string           `json:"to"`
	Policy   types.Policy       `json:"policy,omitempty"`
	Requires []string           `json:"requires,omitempty"`
	Actions  []types.ActionSpec `json:"actions,omitempty"`
}

// MultiTarget reports whether the destination must be chosen at fire time.
func (t *Transition) MultiTarget() bool {
	return len(t.To) > 1
}

// HasSource reports whether the transition is enabled from place.
func (t *Transition) HasSource(place string) bool {
	return contains(t.From, place)
}

// HasTarget reports whether place is one of the destinations.
func (t *Transition) HasTarget(place string) bool {
	return contains(t.To, place)
}

// Unconditional reports whether the transition has no guard at all.
func (t *Transition) Unconditional() bool {
	return len(t.Requires) == 0 && t.Policy.IsEmpty()
}

// Definition is the immutable model of one workflow type. It is safe to
// share between goroutines.
type Definition struct {
	name        string
	objectType  string
	doc         types.Document
	places      []Place
	placeIndex  map[string]int
	transitions []*Transition
	byName      map[string]*Transition
	outgoing    map[string][]*Transition
	functions   map[string][]string
	rules       *rules.Registry
}

// NewDefinition validates doc against the rule registry and builds the
// definition. Rules that are documented in metadata with an expression and
// not yet registered are registered as expression rules.
func NewDefinition(doc types.Document, reg *rules.Registry) (*Definition, error) {
	if reg == nil {
		reg = rules.NewRegistry()
	}
	d := &Definition{
		name:       doc.WorkflowName(),
		objectType: doc.ObjectType,
		placeIndex: make(map[string]int),
		byName:     make(map[string]*Transition),
		outgoing:   make(map[string][]*Transition),
		functions:  make(map[string][]string),
		rules:      reg,
	}
	if d.name == "" {
		return nil, fmt.Errorf("%w: name or object_type is required", ErrInvalidDefinition)
	}
	if len(doc.Places.States) == 0 {
		return nil, fmt.Errorf("%w: %s declares no states", ErrInvalidDefinition, d.name)
	}

	for _, name := range doc.Places.States {
		if err := d.addPlace(name, false); err != nil {
			return nil, err
		}
	}
	for _, name := range doc.Places.SpecialStates {
		if err := d.addPlace(name, true); err != nil {
			return nil, err
		}
	}

	for _, rd := range doc.Metadata.Rules {
		if rd.Expression == "" || reg.Has(rd.ID) {
			continue
		}
		if err := reg.RegisterExpr(rd.ID, rd.Expression); err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidDefinition, rd.ID, err)
		}
	}

	groups := []struct {
		category string
		specs    []types.TransitionSpec
	}{
		{CategoryRegular, doc.Transitions.Regular},
		{CategoryBlocking, doc.Transitions.Blocking},
		{CategorySpecial, doc.Transitions.Special},
	}
	for _, g := range groups {
		for _, spec := range g.specs {
			if err := d.addTransition(g.category, spec); err != nil {
				return nil, err
			}
		}
	}

	for place, fns := range doc.Functions {
		p := types.Normalize(place)
		if _, ok := d.placeIndex[p]; !ok {
			return nil, fmt.Errorf("%w: functions reference %w %q", ErrInvalidDefinition, ErrUnknownPlace, place)
		}
		for _, fn := range fns {
			if strings.TrimSpace(fn) == "" {
				return nil, fmt.Errorf("%w: empty function name for place %q", ErrInvalidDefinition, place)
			}
			d.functions[p] = append(d.functions[p], strings.TrimSpace(fn))
		}
	}

	d.doc = d.canonicalDocument(doc)
	return d, nil
}

func (d *Definition) addPlace(name string, special bool) error {
	p := types.Normalize(name)
	if p == "" {
		return fmt.Errorf("%w: %s has an empty place name", ErrInvalidDefinition, d.name)
	}
	if _, dup := d.placeIndex[p]; dup {
		return fmt.Errorf("%w: duplicate place %q", ErrInvalidDefinition, p)
	}
	d.placeIndex[p] = len(d.places)
	d.places = append(d.places, Place{Name: p, Special: special})
	return nil
}

func (d *Definition) addTransition(category string, spec types.TransitionSpec) error {
	name := types.Normalize(spec.Name)
	if name == "" {
		return fmt.Errorf("%w: transition without a name", ErrInvalidDefinition)
	}
	if _, dup := d.byName[name]; dup {
		return fmt.Errorf("%w: duplicate transition %q", ErrInvalidDefinition, name)
	}
	if len(spec.From) == 0 || len(spec.To) == 0 {
		return fmt.Errorf("%w: transition %q needs from and to", ErrInvalidDefinition, name)
	}

	t := &Transition{
		Name:     name,
		Category: category,
		Policy: types.Policy{
			All: normalizeAll(spec.Policy.All),
			Any: normalizeAll(spec.Policy.Any),
		},
		Requires: append([]string(nil), spec.Requires...),
		Actions:  append([]types.ActionSpec(nil), spec.Actions...),
	}
	for _, p := range spec.From {
		if err := d.checkPlace(name, p); err != nil {
			return err
		}
		if n := types.Normalize(p); !contains(t.From, n) {
			t.From = append(t.From, n)
		}
	}
	for _, p := range spec.To {
		if err := d.checkPlace(name, p); err != nil {
			return err
		}
		if n := types.Normalize(p); !contains(t.To, n) {
			t.To = append(t.To, n)
		}
	}
	for _, r := range append(append([]string(nil), t.Policy.All...), t.Policy.Any...) {
		if !d.rules.Has(r) {
			return fmt.Errorf("%w: transition %q uses unregistered rule %q", ErrInvalidDefinition, name, r)
		}
	}
	for _, a := range t.Actions {
		if a.Tool == "" || a.Method == "" {
			return fmt.Errorf("%w: transition %q has an action without tool or method", ErrInvalidDefinition, name)
		}
	}

	d.transitions = append(d.transitions, t)
	d.byName[name] = t
	for _, p := range t.From {
		d.outgoing[p] = append(d.outgoing[p], t)
	}
	return nil
}

func (d *Definition) checkPlace(transition, place string) error {
	if _, ok := d.placeIndex[types.Normalize(place)]; !ok {
		return fmt.Errorf("%w: transition %q references %w %q", ErrInvalidDefinition, transition, ErrUnknownPlace, place)
	}
	return nil
}

// canonicalDocument rewrites place and transition tokens in snake_case so the
// stored document matches what the definition validated.
func (d *Definition) canonicalDocument(doc types.Document) types.Document {
	out := doc
	out.Name = d.name
	out.Places = types.Places{}
	for _, p := range d.places {
		if p.Special {
			out.Places.SpecialStates = append(out.Places.SpecialStates, p.Name)
		} else {
			out.Places.States = append(out.Places.States, p.Name)
		}
	}
	out.Transitions = types.Transitions{}
	for _, t := range d.transitions {
		spec := types.TransitionSpec{
			Name:     t.Name,
			From:     append(types.StringList(nil), t.From...),
			To:       append(types.StringList(nil), t.To...),
			Policy:   t.Policy,
			Requires: t.Requires,
			Actions:  t.Actions,
		}
		switch t.Category {
		case CategoryBlocking:
			out.Transitions.Blocking = append(out.Transitions.Blocking, spec)
		case CategorySpecial:
			out.Transitions.Special = append(out.Transitions.Special, spec)
		default:
			out.Transitions.Regular = append(out.Transitions.Regular, spec)
		}
	}
	if len(d.functions) > 0 {
		out.Functions = make(map[string][]string, len(d.functions))
		for p, fns := range d.functions {
			out.Functions[p] = append([]string(nil), fns...)
		}
	} else {
		out.Functions = nil
	}
	return out
}

// Name returns the workflow name the definition is registered under.
func (d *Definition) Name() string { return d.name }

// ObjectType returns the business entity tag.
func (d *Definition) ObjectType() string { return d.objectType }

// Document returns the canonical document the definition was built from.
func (d *Definition) Document() types.Document { return d.doc }

// Rules returns the registry the definition was validated against.
func (d *Definition) Rules() *rules.Registry { return d.rules }

// Places returns all places in declaration order, regular states first.
func (d *Definition) Places() []Place {
	return append([]Place(nil), d.places...)
}

// HasPlace reports whether place belongs to the definition.
func (d *Definition) HasPlace(place string) bool {
	_, ok := d.placeIndex[types.Normalize(place)]
	return ok
}

// Initial returns the first declared state.
func (d *Definition) Initial() string {
	return d.places[0].Name
}

// IsTerminal reports whether place has no outgoing transitions.
func (d *Definition) IsTerminal(place string) bool {
	return d.HasPlace(place) && len(d.outgoing[types.Normalize(place)]) == 0
}

// TerminalPlaces returns the places with no outgoing transitions.
func (d *Definition) TerminalPlaces() []string {
	var out []string
	for _, p := range d.places {
		if len(d.outgoing[p.Name]) == 0 {
			out = append(out, p.Name)
		}
	}
	return out
}

// Transition looks up a transition by name.
func (d *Definition) Transition(name string) (*Transition, bool) {
	t, ok := d.byName[types.Normalize(name)]
	return t, ok
}

// Transitions returns every transition in declaration order.
func (d *Definition) Transitions() []*Transition {
	return append([]*Transition(nil), d.transitions...)
}

// Outgoing returns the transitions enabled from place, ignoring guards.
func (d *Definition) Outgoing(place string) []*Transition {
	return append([]*Transition(nil), d.outgoing[types.Normalize(place)]...)
}

// Functions returns the function names dispatched when a token arrives at place.
func (d *Definition) Functions(place string) []string {
	return append([]string(nil), d.functions[types.Normalize(place)]...)
}

// Evaluate runs the policy evaluator for t against attributes.
func (d *Definition) Evaluate(t *Transition, attributes map[string]interface{}) rules.Verdict {
	return rules.Evaluate(d.rules, t.Requires, t.Policy, attributes)
}

func normalizeAll(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, types.Normalize(n))
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
