// Package executor drives workflow instances over a message bus. Fire
// requests arrive as transition_fired envelopes, outcomes and marking
// snapshots are published back, and place functions are handed to workers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/castingclouds/circuit-breaker-sub001/events"
	"github.com/castingclouds/circuit-breaker-sub001/internal/logging"
	"github.com/castingclouds/circuit-breaker-sub001/types"
	"github.com/castingclouds/circuit-breaker-sub001/workflow"
)

// DefaultGroup is the durable consumer group of the event handler.
const DefaultGroup = "circuit-breaker-engine"

// Error kinds published for failures that are not FireErrors.
const (
	KindInstanceNotFound = "InstanceNotFound"
	KindInternal         = "Internal"
	KindMalformedRequest = "MalformedRequest"
	KindMalformedCall    = "MalformedCall"
)

// Executor connects an Engine to a Bus.
type Executor struct {
	engine *workflow.Engine
	bus    events.Bus
	chains *ChainRegistry
	logger *slog.Logger

	group      string
	maxDeliver int
	retryDelay time.Duration
	now        func() time.Time

	mu  sync.Mutex
	sub events.Subscription
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithChains sets the chain registry consulted when an instance completes.
func WithChains(chains *ChainRegistry) Option {
	return func(e *Executor) {
		if chains != nil {
			e.chains = chains
		}
	}
}

// WithGroup names the durable consumer group for fire requests.
func WithGroup(group string) Option {
	return func(e *Executor) {
		if group != "" {
			e.group = group
		}
	}
}

// WithDelivery sets the redelivery bounds of the event consumer.
func WithDelivery(maxDeliver int, retryDelay time.Duration) Option {
	return func(e *Executor) {
		e.maxDeliver = maxDeliver
		e.retryDelay = retryDelay
	}
}

// New creates an Executor.
func New(engine *workflow.Engine, bus events.Bus, opts ...Option) (*Executor, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	e := &Executor{
		engine: engine,
		bus:    bus,
		chains: NewChainRegistry(),
		logger: logging.NewNop(),
		group:  DefaultGroup,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Engine returns the underlying engine.
func (e *Executor) Engine() *workflow.Engine { return e.engine }

// Chains returns the chain registry.
func (e *Executor) Chains() *ChainRegistry { return e.chains }

// Bus returns the message bus.
func (e *Executor) Bus() events.Bus { return e.bus }

// CreateWorkflow registers doc and creates an instance at its initial place.
func (e *Executor) CreateWorkflow(ctx context.Context, doc types.Document) (*types.Instance, error) {
	def, err := e.engine.RegisterDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	return e.StartWorkflow(ctx, def.Name(), workflow.CreateOptions{})
}

// StartWorkflow creates an instance of an already registered workflow and
// announces it.
func (e *Executor) StartWorkflow(ctx context.Context, name string, opts workflow.CreateOptions) (*types.Instance, error) {
	inst, err := e.engine.CreateInstance(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, &events.Envelope{
		Subject:    events.WorkflowSubject(events.TypeCreated),
		Type:       events.TypeCreated,
		WorkflowID: inst.ID,
		Version:    inst.Version,
		Data: map[string]interface{}{
			"workflow":  inst.Workflow,
			"place":     inst.CurrentPlace,
			"parent_id": inst.ParentID,
		},
	})
	e.snapshot(ctx, inst)
	return inst, nil
}

// AddToken seeds attributes into an instance and dispatches the functions of
// its current place.
func (e *Executor) AddToken(ctx context.Context, id uint64, attributes map[string]interface{}) (*types.Instance, error) {
	inst, err := e.engine.AddToken(ctx, id, attributes)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, &events.Envelope{
		Subject:    events.WorkflowSubject(events.TypeTokenAdded),
		Type:       events.TypeTokenAdded,
		WorkflowID: inst.ID,
		Version:    inst.Version,
		Data:       map[string]interface{}{"attributes": attributes},
	})
	e.snapshot(ctx, inst)
	e.dispatchPlace(ctx, inst)
	return inst, nil
}

// TransitionRequest describes a fire requested over the bus.
type TransitionRequest struct {
	Target     string
	Actor      string
	Attributes map[string]interface{}
	// Version, when non-zero, is checked against the instance before firing.
	Version uint64
}

// RequestTransition publishes a transition_fired envelope for the instance.
func (e *Executor) RequestTransition(ctx context.Context, id uint64, transition string, req TransitionRequest) (*events.Envelope, error) {
	return PublishTransition(ctx, e.bus, id, transition, req)
}

// PublishTransition publishes a transition_fired envelope on bus.
func PublishTransition(ctx context.Context, bus events.Bus, id uint64, transition string, req TransitionRequest) (*events.Envelope, error) {
	env := &events.Envelope{
		Subject:    events.EventSubject(id),
		Type:       events.TypeTransitionFired,
		WorkflowID: id,
		Version:    req.Version,
		Transition: transition,
		Target:     req.Target,
		Actor:      req.Actor,
	}
	if len(req.Attributes) > 0 {
		env.Data = map[string]interface{}{"attributes": req.Attributes}
	}
	if err := bus.Publish(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Fire applies a transition in the caller's goroutine instead of going
// through the bus. Outcomes are published exactly as for a bus request; a
// failure is returned to the caller and not reported on the error channel.
// A chaining failure after the fire is reported there and can be retried
// with CompleteWorkflow.
func (e *Executor) Fire(ctx context.Context, id uint64, transition string, req TransitionRequest) (*types.Instance, error) {
	inst, err := e.engine.Fire(ctx, id, transition, workflow.FireOptions{
		Target:          req.Target,
		Actor:           req.Actor,
		Attributes:      req.Attributes,
		ExpectedVersion: req.Version,
	})
	if err != nil {
		return nil, err
	}
	_ = e.applied(ctx, &events.Envelope{
		WorkflowID: id,
		Version:    req.Version,
		Transition: transition,
		Target:     req.Target,
		Actor:      req.Actor,
	}, inst)
	return inst, nil
}

// Dispatch publishes a work item for function on behalf of inst.
func (e *Executor) Dispatch(ctx context.Context, function string, inst *types.Instance) error {
	return e.bus.Publish(ctx, &events.Envelope{
		Subject:    events.FunctionSubject(function),
		Type:       events.TypeFunctionCall,
		WorkflowID: inst.ID,
		Version:    inst.Version,
		Data: map[string]interface{}{
			"function":   function,
			"workflow":   inst.Workflow,
			"place":      inst.CurrentPlace,
			"attributes": inst.Attributes,
		},
	})
}

// Start subscribes to fire requests. It returns once the consumer is running.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub != nil {
		return errors.New("executor already started")
	}
	sub, err := e.bus.Subscribe(ctx, events.SubscribeOptions{
		Filter:     "event.>",
		Group:      e.group,
		MaxDeliver: e.maxDeliver,
		RetryDelay: e.retryDelay,
	}, events.HandlerFunc(e.handleEvent))
	if err != nil {
		return err
	}
	e.sub = sub
	e.logger.Info("executor started", "group", e.group)
	return nil
}

// Stop unsubscribes and waits for the in-flight request.
func (e *Executor) Stop() error {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (e *Executor) handleEvent(ctx context.Context, env events.Envelope) error {
	if env.Type != events.TypeTransitionFired {
		return nil
	}

	opts := workflow.FireOptions{
		Target:          env.Target,
		Actor:           env.Actor,
		ExpectedVersion: env.Version,
	}
	if raw := env.Data["attributes"]; raw != nil {
		attrs, ok := raw.(map[string]interface{})
		if !ok {
			e.reportError(ctx, &env, KindMalformedRequest, fmt.Errorf("attributes must be an object, got %T", raw))
			return nil
		}
		opts.Attributes = attrs
	}

	inst, err := e.engine.Fire(ctx, env.WorkflowID, env.Transition, opts)
	if err != nil {
		kind := string(workflow.KindOf(err))
		if kind == string(workflow.KindInvalidSourceState) || kind == string(workflow.KindVersionConflict) {
			if resumed, rerr := e.resumeChain(ctx, &env); resumed {
				return rerr
			}
		}
		switch {
		case kind == string(workflow.KindVersionConflict) && env.Version == 0:
			// Lost a race with another process; re-evaluate on redelivery.
			return err
		case kind != "":
		case errors.Is(err, workflow.ErrInstanceNotFound), errors.Is(err, workflow.ErrDefinitionNotFound):
			kind = KindInstanceNotFound
		default:
			return fmt.Errorf("fire %s on %d: %w", env.Transition, env.WorkflowID, err)
		}
		e.reportError(ctx, &env, kind, err)
		return nil
	}

	// A chaining failure makes the bus redeliver the request, which then
	// lands in resumeChain.
	return e.applied(ctx, &env, inst)
}

// resumeChain finishes chaining for a redelivered request whose fire already
// completed the instance. It reports false when req is not such a request.
func (e *Executor) resumeChain(ctx context.Context, req *events.Envelope) (bool, error) {
	inst, err := e.engine.GetInstance(ctx, req.WorkflowID)
	if err != nil || inst.Status != types.StatusCompleted || len(inst.History) == 0 {
		return false, nil
	}
	if last := inst.History[len(inst.History)-1]; last.Transition != types.Normalize(req.Transition) {
		return false, nil
	}
	cfg, ok := e.chains.Get(inst.Workflow)
	if !ok || !cfg.Matches(inst.CurrentPlace) {
		return false, nil
	}
	if inst.SuccessorID != 0 {
		if _, err := e.engine.GetInstance(ctx, inst.SuccessorID); err == nil {
			return false, nil
		}
	}
	e.logger.Info("resuming chain", "instance", inst.ID, "workflow", inst.Workflow, "attempt", req.Attempt)
	return true, e.chain(ctx, req, inst, cfg)
}

// applied announces a successful fire and runs its follow-ups. The returned
// error is a chaining failure; the fire itself is committed.
func (e *Executor) applied(ctx context.Context, req *events.Envelope, inst *types.Instance) error {
	last := inst.History[len(inst.History)-1]
	e.publish(ctx, &events.Envelope{
		Subject:    events.EventSubject(inst.ID),
		Type:       events.TypeTransitionApplied,
		WorkflowID: inst.ID,
		Version:    inst.Version,
		Transition: last.Transition,
		Actor:      last.Actor,
		Data: map[string]interface{}{
			"from":       last.From,
			"to":         last.To,
			"request_id": req.ID,
		},
	})
	e.snapshot(ctx, inst)
	e.dispatchPlace(ctx, inst)

	if inst.Status != types.StatusCompleted {
		return nil
	}
	e.publish(ctx, &events.Envelope{
		Subject:    events.WorkflowSubject(events.TypeCompleted),
		Type:       events.TypeCompleted,
		WorkflowID: inst.ID,
		Version:    inst.Version,
		Data:       map[string]interface{}{"workflow": inst.Workflow, "place": inst.CurrentPlace},
	})
	if cfg, ok := e.chains.Get(inst.Workflow); ok && cfg.Matches(inst.CurrentPlace) {
		return e.chain(ctx, req, inst, cfg)
	}
	return nil
}

func (e *Executor) chain(ctx context.Context, req *events.Envelope, inst *types.Instance, cfg ChainConfig) error {
	if _, err := e.CompleteWorkflow(ctx, inst, cfg); err != nil {
		e.logger.Error("chaining failed", "instance", inst.ID, "workflow", inst.Workflow, "error", err)
		e.reportError(ctx, req, KindInternal, err)
		return fmt.Errorf("chain %s instance %d: %w", inst.Workflow, inst.ID, err)
	}
	return nil
}

func (e *Executor) dispatchPlace(ctx context.Context, inst *types.Instance) {
	def, err := e.engine.Definition(ctx, inst.Workflow)
	if err != nil {
		e.logger.Warn("cannot resolve place functions", "workflow", inst.Workflow, "error", err)
		return
	}
	for _, fn := range def.Functions(inst.CurrentPlace) {
		if err := e.Dispatch(ctx, fn, inst); err != nil {
			e.logger.Error("function dispatch failed", "function", fn, "instance", inst.ID, "kind", events.KindPublishFailure, "error", err)
		}
	}
}

func (e *Executor) snapshot(ctx context.Context, inst *types.Instance) {
	e.publish(ctx, &events.Envelope{
		Subject:    events.StateSubject(inst.ID),
		Type:       events.TypeStateSnapshot,
		WorkflowID: inst.ID,
		Version:    inst.Version,
		Data: map[string]interface{}{
			"workflow":   inst.Workflow,
			"place":      inst.CurrentPlace,
			"status":     inst.Status,
			"attributes": inst.Attributes,
		},
	})
}

func (e *Executor) reportError(ctx context.Context, original *events.Envelope, kind string, err error) {
	e.logger.Warn("transition request failed", "instance", original.WorkflowID, "transition", original.Transition, "kind", kind, "error", err)
	payload := events.NewErrorPayload(err, kind, original, e.now())
	e.publish(ctx, &events.Envelope{
		Subject:    events.ErrorSubject(original.WorkflowID),
		Type:       events.TypeError,
		WorkflowID: original.WorkflowID,
		Transition: original.Transition,
		Data:       payload.Map(),
	})
}

// publish logs failures. Callers have already committed the marking.
func (e *Executor) publish(ctx context.Context, env *events.Envelope) {
	if err := e.bus.Publish(ctx, env); err != nil {
		e.logger.Error("publish failed", "subject", env.Subject, "kind", events.KindPublishFailure, "error", err)
	}
}
