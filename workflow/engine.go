package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/castingclouds/circuit-breaker-sub001/internal/logging"
	"github.com/castingclouds/circuit-breaker-sub001/internal/metrics"
	"github.com/castingclouds/circuit-breaker-sub001/rules"
	"github.com/castingclouds/circuit-breaker-sub001/storage"
	"github.com/castingclouds/circuit-breaker-sub001/types"
)

// Engine is the transition engine: it owns definitions, creates instances and
// fires transitions. Fires on one instance are serialized by an in-process
// lock and by a version compare-and-swap in storage, so engines in several
// processes may share one store.
type Engine struct {
	definitions map[string]*Definition
	rules       *rules.Registry
	tools       *ToolRegistry
	storage     storage.Storage
	generate    generator.Generator
	locks       *instanceLocks
	mu          sync.RWMutex
	regMu       sync.Mutex
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxRetries  int
	retryDelay  time.Duration
	now         func() time.Time
	derived     []derivedValue
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules sets the rule registry used to build definitions.
func WithRules(reg *rules.Registry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.rules = reg
		}
	}
}

// WithTools sets the tool registry used by transition actions.
func WithTools(reg *ToolRegistry) Option {
	return func(e *Engine) {
		if reg != nil {
			e.tools = reg
		}
	}
}

// WithLogger sets a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records fires and action durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithActionRetry retries a failing tool invocation maxRetries times,
// waiting delay between attempts. The default is no retry.
func WithActionRetry(maxRetries int, delay time.Duration) Option {
	return func(e *Engine) {
		e.maxRetries = maxRetries
		e.retryDelay = delay
	}
}

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDerivedValue exposes fn(attributes) to every expression rule under
// name, so documents can test values that are computed rather than stored.
// It applies to the rule registry the engine ends up with.
func WithDerivedValue(name string, fn func(map[string]interface{}) interface{}) Option {
	return func(e *Engine) {
		e.derived = append(e.derived, derivedValue{name: name, fn: fn})
	}
}

type derivedValue struct {
	name string
	fn   func(map[string]interface{}) interface{}
}

// NewEngine creates an Engine with the given id generator and storage.
// A nil store selects in-memory storage.
func NewEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		definitions: make(map[string]*Definition),
		rules:       rules.NewRegistry(),
		tools:       NewToolRegistry(),
		storage:     store,
		generate:    generate,
		locks:       newInstanceLocks(),
		logger:      logging.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, d := range e.derived {
		if d.name == "" || d.fn == nil {
			return nil, errors.New("derived value needs a name and a function")
		}
		e.rules.Evaluator().AddOptionFunc(d.name, d.fn)
	}
	return e, nil
}

// Rules returns the engine's rule registry.
func (e *Engine) Rules() *rules.Registry { return e.rules }

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *ToolRegistry { return e.tools }

// Storage returns the instance store.
func (e *Engine) Storage() storage.Storage { return e.storage }

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// RegisterTool registers a tool for use in transition actions.
func (e *Engine) RegisterTool(ctx context.Context, name string, tool Tool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return e.tools.Register(name, tool)
	}
}

// RegisterDocument validates doc against the engine's rules, persists it
// and caches the resulting definition.
func (e *Engine) RegisterDocument(ctx context.Context, doc types.Document) (*Definition, error) {
	def, err := NewDefinition(doc, e.rules)
	if err != nil {
		return nil, err
	}
	if err := e.RegisterDefinition(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// RegisterDefinition persists and caches an already built definition.
// Definitions are immutable once registered: registering the same document
// again is a no-op, a different document under the same name fails with
// ErrDefinitionExists.
func (e *Engine) RegisterDefinition(ctx context.Context, def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	e.regMu.Lock()
	defer e.regMu.Unlock()

	known, err := e.alreadyRegistered(ctx, def)
	if err != nil || known {
		return err
	}
	if err := e.storage.SaveDefinition(ctx, def.Document()); err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	e.cache(def)
	return nil
}

// RegisterDocuments builds every document and saves the new ones in one
// batch. Nothing is saved when any document is invalid or conflicts.
func (e *Engine) RegisterDocuments(ctx context.Context, docs []types.Document) ([]*Definition, error) {
	e.regMu.Lock()
	defer e.regMu.Unlock()

	defs := make([]*Definition, 0, len(docs))
	batch := make(map[string]*Definition, len(docs))
	var fresh []*Definition
	for _, doc := range docs {
		def, err := NewDefinition(doc, e.rules)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", doc.WorkflowName(), err)
		}
		if prev, ok := batch[def.Name()]; ok {
			same, err := sameDocument(prev, def)
			if err != nil {
				return nil, err
			}
			if !same {
				return nil, fmt.Errorf("%w: %s", ErrDefinitionExists, def.Name())
			}
			defs = append(defs, prev)
			continue
		}
		known, err := e.alreadyRegistered(ctx, def)
		if err != nil {
			return nil, err
		}
		batch[def.Name()] = def
		defs = append(defs, def)
		if !known {
			fresh = append(fresh, def)
		}
	}
	if len(fresh) == 0 {
		return defs, nil
	}

	out := make([]types.Document, 0, len(fresh))
	for _, def := range fresh {
		out = append(out, def.Document())
	}
	if err := e.storage.SaveDefinitions(ctx, out); err != nil {
		return nil, fmt.Errorf("failed to save definitions: %w", err)
	}
	for _, def := range fresh {
		e.cache(def)
	}
	return defs, nil
}

// alreadyRegistered reports whether an identical definition is known under
// def's name. Callers hold regMu.
func (e *Engine) alreadyRegistered(ctx context.Context, def *Definition) (bool, error) {
	existing, err := e.Definition(ctx, def.Name())
	if errors.Is(err, ErrDefinitionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	same, err := sameDocument(existing, def)
	if err != nil {
		return false, err
	}
	if !same {
		return false, fmt.Errorf("%w: %s", ErrDefinitionExists, def.Name())
	}
	return true, nil
}

func (e *Engine) cache(def *Definition) {
	e.mu.Lock()
	e.definitions[def.Name()] = def
	e.mu.Unlock()
	e.logger.Debug("definition registered", "workflow", def.Name(), "places", len(def.Places()), "transitions", len(def.Transitions()))
}

// sameDocument compares the canonical encodings of two definitions.
func sameDocument(a, b *Definition) (bool, error) {
	x, err := MarshalDocument(a.Document())
	if err != nil {
		return false, err
	}
	y, err := MarshalDocument(b.Document())
	if err != nil {
		return false, err
	}
	return bytes.Equal(x, y), nil
}

// Definition retrieves a definition by name, checking cache first then storage.
func (e *Engine) Definition(ctx context.Context, name string) (*Definition, error) {
	name = types.Normalize(name)
	e.mu.RLock()
	def, ok := e.definitions[name]
	e.mu.RUnlock()
	if ok {
		return def, nil
	}

	doc, err := e.storage.GetDefinition(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrDefinitionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
		}
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	def, err = NewDefinition(doc, e.rules)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if cached, ok := e.definitions[name]; ok {
		def = cached
	} else {
		e.definitions[name] = def
	}
	e.mu.Unlock()
	return def, nil
}

// CreateOptions tunes CreateInstance.
type CreateOptions struct {
	// ID, when non-zero, is used instead of a generated id.
	ID uint64
	// StartPlace overrides the definition's initial place.
	StartPlace string
	Attributes map[string]interface{}
	ParentID   uint64
}

// CreateInstance creates and persists a new instance of the named workflow.
func (e *Engine) CreateInstance(ctx context.Context, workflowName string, opts CreateOptions) (*types.Instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	def, err := e.Definition(ctx, workflowName)
	if err != nil {
		return nil, err
	}

	place := def.Initial()
	if opts.StartPlace != "" {
		place = types.Normalize(opts.StartPlace)
		if !def.HasPlace(place) {
			return nil, fmt.Errorf("%w: %q in %s", ErrUnknownPlace, opts.StartPlace, def.Name())
		}
	}

	id := opts.ID
	if id == 0 {
		if id, err = e.GenerateID(); err != nil {
			return nil, fmt.Errorf("failed to generate ID: %w", err)
		}
	}

	attrs := make(map[string]interface{}, len(opts.Attributes))
	for k, v := range opts.Attributes {
		attrs[k] = v
	}

	now := e.now().UnixMilli()
	inst := types.Instance{
		ID:           id,
		Workflow:     def.Name(),
		ObjectType:   def.ObjectType(),
		CurrentPlace: place,
		Attributes:   attrs,
		History:      []types.HistoryRecord{},
		Version:      1,
		Status:       types.StatusActive,
		ParentID:     opts.ParentID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if def.IsTerminal(place) {
		inst.Status = types.StatusCompleted
	}

	if err := e.storage.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}
	e.metrics.InstanceCreated(def.Name())
	e.logger.Info("instance created", "instance", id, "workflow", def.Name(), "place", place)
	return &inst, nil
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, id uint64) (*types.Instance, error) {
	inst, err := e.storage.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
		}
		return nil, err
	}
	return &inst, nil
}

// ListInstances returns the instances of a workflow, or all when name is empty.
func (e *Engine) ListInstances(ctx context.Context, workflowName string) ([]types.Instance, error) {
	return e.storage.ListInstances(ctx, workflowName)
}

// Update applies fn to the instance under its lock and persists the result
// with the version bumped. fn must not change the marking.
func (e *Engine) Update(ctx context.Context, id uint64, fn func(inst *types.Instance) error) (*types.Instance, error) {
	unlock, err := e.locks.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.CurrentPlace = current.CurrentPlace
	next.History = current.History
	next.Version = current.Version + 1
	next.UpdatedAt = e.now().UnixMilli()
	if err := e.storage.UpdateInstance(ctx, next, current.Version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return nil, err
	}
	return &next, nil
}

// AddToken merges seed attributes into the instance, placing the token.
func (e *Engine) AddToken(ctx context.Context, id uint64, attributes map[string]interface{}) (*types.Instance, error) {
	return e.Update(ctx, id, func(inst *types.Instance) error {
		if inst.Attributes == nil {
			inst.Attributes = make(map[string]interface{}, len(attributes))
		}
		for k, v := range attributes {
			inst.Attributes[k] = v
		}
		return nil
	})
}

// Evaluate runs the policy evaluator for one transition without firing it.
func (e *Engine) Evaluate(ctx context.Context, id uint64, transition string) (rules.Verdict, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return rules.Verdict{}, err
	}
	def, err := e.Definition(ctx, inst.Workflow)
	if err != nil {
		return rules.Verdict{}, err
	}
	t, ok := def.Transition(transition)
	if !ok {
		return rules.Verdict{}, &FireError{Kind: KindUnknownTransition, InstanceID: id, Workflow: def.Name(), Transition: transition}
	}
	return def.Evaluate(t, inst.Attributes), nil
}

// AvailableTransitions lists the transitions that are enabled from the
// instance's place and whose guard currently passes.
func (e *Engine) AvailableTransitions(ctx context.Context, id uint64) ([]string, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := e.Definition(ctx, inst.Workflow)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range def.Outgoing(inst.CurrentPlace) {
		if def.Evaluate(t, inst.Attributes).Allowed {
			out = append(out, t.Name)
		}
	}
	return out, nil
}

// FireOptions carries the caller-supplied context of a fire.
type FireOptions struct {
	// Target selects the destination of a multi-target transition.
	Target string
	// Actor is recorded in the history entry.
	Actor string
	// Attributes are merged into the instance before the guard is evaluated
	// and persisted only if the fire succeeds.
	Attributes map[string]interface{}
	// ExpectedVersion, when non-zero, rejects the fire unless the stored
	// instance still has this version.
	ExpectedVersion uint64
}

// Fire fires the named transition on an instance. Actions run inside the
// instance's critical section; on any error the stored instance is unchanged,
// though actions that completed before a failing one are not undone.
func (e *Engine) Fire(ctx context.Context, id uint64, transition string, opts FireOptions) (*types.Instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	unlock, err := e.locks.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := e.Definition(ctx, inst.Workflow)
	if err != nil {
		return nil, err
	}

	if opts.ExpectedVersion != 0 && opts.ExpectedVersion != inst.Version {
		fe := &FireError{
			Kind:       KindVersionConflict,
			InstanceID: id,
			Workflow:   def.Name(),
			Transition: transition,
			Place:      inst.CurrentPlace,
			Cause:      fmt.Errorf("expected version %d, found %d", opts.ExpectedVersion, inst.Version),
		}
		e.observeFailure(def.Name(), transition, fe)
		return nil, fe
	}

	next, err := e.apply(ctx, def, *inst, transition, opts)
	if err != nil {
		e.observeFailure(def.Name(), transition, err)
		return nil, err
	}

	if err := e.storage.UpdateInstance(ctx, next, inst.Version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			fe := &FireError{Kind: KindVersionConflict, InstanceID: id, Workflow: def.Name(), Transition: transition, Place: inst.CurrentPlace, Cause: err}
			e.observeFailure(def.Name(), transition, fe)
			return nil, fe
		}
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	last := next.History[len(next.History)-1]
	e.metrics.ObserveFire(def.Name(), last.Transition, "ok")
	e.logger.Info("transition fired",
		"instance", id,
		"workflow", def.Name(),
		"transition", last.Transition,
		"from", last.From,
		"to", last.To,
		"version", next.Version,
	)
	return &next, nil
}

// apply computes the post-fire instance without persisting it.
func (e *Engine) apply(ctx context.Context, def *Definition, inst types.Instance, name string, opts FireOptions) (types.Instance, error) {
	t, ok := def.Transition(name)
	if !ok {
		return types.Instance{}, &FireError{Kind: KindUnknownTransition, InstanceID: inst.ID, Workflow: def.Name(), Transition: name, Place: inst.CurrentPlace}
	}
	if !t.HasSource(inst.CurrentPlace) {
		return types.Instance{}, &FireError{Kind: KindInvalidSourceState, InstanceID: inst.ID, Workflow: def.Name(), Transition: t.Name, Place: inst.CurrentPlace}
	}

	next := inst.Clone()
	if next.Attributes == nil {
		next.Attributes = make(map[string]interface{}, len(opts.Attributes))
	}
	for k, v := range opts.Attributes {
		next.Attributes[k] = v
	}

	if verdict := def.Evaluate(t, next.Attributes); !verdict.Allowed {
		return types.Instance{}, &FireError{Kind: KindPolicyViolation, InstanceID: inst.ID, Workflow: def.Name(), Transition: t.Name, Place: inst.CurrentPlace, Failures: verdict.Failures}
	}

	// Resolved before actions run so a bad target never causes side effects.
	destination, err := resolveTarget(t, opts.Target)
	if err != nil {
		return types.Instance{}, &FireError{Kind: KindInvalidTargetState, InstanceID: inst.ID, Workflow: def.Name(), Transition: t.Name, Place: inst.CurrentPlace, Target: opts.Target}
	}

	for _, action := range t.Actions {
		value, err := e.runAction(ctx, action, next)
		if err != nil {
			return types.Instance{}, &FireError{
				Kind:       KindActionFailed,
				InstanceID: inst.ID,
				Workflow:   def.Name(),
				Transition: t.Name,
				Place:      inst.CurrentPlace,
				Tool:       action.Tool,
				Method:     action.Method,
				Cause:      err,
			}
		}
		if action.ResultField != "" {
			next.Attributes[action.ResultField] = value
		}
	}

	now := e.now().UnixMilli()
	next.History = append(next.History, types.HistoryRecord{
		Transition: t.Name,
		From:       inst.CurrentPlace,
		To:         destination,
		Timestamp:  now,
		Actor:      opts.Actor,
	})
	next.CurrentPlace = destination
	next.Version = inst.Version + 1
	next.UpdatedAt = now
	if def.IsTerminal(destination) {
		next.Status = types.StatusCompleted
	} else {
		next.Status = types.StatusActive
	}
	return next, nil
}

func resolveTarget(t *Transition, requested string) (string, error) {
	requested = types.Normalize(requested)
	if !t.MultiTarget() {
		if requested != "" && requested != t.To[0] {
			return "", ErrInvalidTargetState
		}
		return t.To[0], nil
	}
	if requested == "" || !t.HasTarget(requested) {
		return "", ErrInvalidTargetState
	}
	return requested, nil
}

// runAction invokes one action with retry logic.
func (e *Engine) runAction(ctx context.Context, action types.ActionSpec, inst types.Instance) (interface{}, error) {
	tool, ok := e.tools.Get(action.Tool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotRegistered, action.Tool)
	}

	args := make(map[string]interface{}, len(action.Args)+2)
	for k, v := range action.Args {
		args[k] = v
	}
	args["instance_id"] = inst.ID
	args["attributes"] = inst.Attributes

	var lastErr error
	for i := 0; i <= e.maxRetries; i++ { // Total attempts = 1 initial + maxRetries
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		start := time.Now()
		value, err := invokeTool(ctx, tool, action, args)
		e.metrics.ObserveAction(action.Tool, action.Method, time.Since(start))
		if err == nil {
			return value, nil
		}
		lastErr = err
		e.logger.Warn("action failed", "tool", action.Tool, "method", action.Method, "attempt", i+1, "error", err)
		if i < e.maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retryDelay):
			}
		}
	}
	if e.maxRetries > 0 {
		return nil, fmt.Errorf("failed after %d retries: %w", e.maxRetries, lastErr)
	}
	return nil, lastErr
}

func invokeTool(ctx context.Context, tool Tool, action types.ActionSpec, args map[string]interface{}) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()

	raw, err := tool.Invoke(ctx, action.Method, args)
	if err != nil {
		return nil, err
	}
	res, err := DecodeToolResult(raw)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		if res.Error == "" {
			res.Error = "tool reported failure"
		}
		return nil, errors.New(res.Error)
	}
	return res.Value(action.ResultField), nil
}

func (e *Engine) observeFailure(workflowName, transition string, err error) {
	kind := KindOf(err)
	e.metrics.ObserveFire(workflowName, transition, string(kind))
	e.logger.Warn("transition rejected", "workflow", workflowName, "transition", transition, "kind", kind, "error", err)
}
