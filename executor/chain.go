package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/castingclouds/circuit-breaker-sub001/events"
	"github.com/castingclouds/circuit-breaker-sub001/storage"
	"github.com/castingclouds/circuit-breaker-sub001/types"
	"github.com/castingclouds/circuit-breaker-sub001/workflow"
)

var (
	ErrNotTerminal    = errors.New("instance is not in a terminal place")
	ErrInvalidChain   = errors.New("invalid chain config")
	errAlreadyChained = errors.New("instance already chained")
)

// ChainConfig starts a successor workflow when an instance of the source
// workflow completes.
type ChainConfig struct {
	// Workflow is the successor workflow name.
	Workflow string `yaml:"workflow" json:"workflow"`
	// TerminalPlace restricts chaining to completion at this place.
	TerminalPlace string `yaml:"terminal_place,omitempty" json:"terminal_place,omitempty"`
	// InitialPlace overrides the successor's initial place.
	InitialPlace string `yaml:"initial_place,omitempty" json:"initial_place,omitempty"`
	// Attributes maps source attribute names to successor attribute names.
	Attributes map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`
	// CopyAttributes copies every source attribute before the mapping applies.
	CopyAttributes bool `yaml:"copy_attributes,omitempty" json:"copy_attributes,omitempty"`
}

// Matches reports whether completing at place triggers the chain.
func (c ChainConfig) Matches(place string) bool {
	return c.TerminalPlace == "" || types.Normalize(c.TerminalPlace) == types.Normalize(place)
}

func (c ChainConfig) seed(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	if c.CopyAttributes {
		for k, v := range attrs {
			out[k] = v
		}
	}
	for src, dst := range c.Attributes {
		if v, ok := attrs[src]; ok {
			out[dst] = v
		}
	}
	return out
}

// ChainRegistry holds one ChainConfig per source workflow.
type ChainRegistry struct {
	mu     sync.RWMutex
	chains map[string]ChainConfig
}

// NewChainRegistry creates an empty registry.
func NewChainRegistry() *ChainRegistry {
	return &ChainRegistry{chains: make(map[string]ChainConfig)}
}

// Register sets the chain of source, replacing any previous one.
func (r *ChainRegistry) Register(source string, cfg ChainConfig) error {
	if types.Normalize(source) == "" || types.Normalize(cfg.Workflow) == "" {
		return fmt.Errorf("%w: source and workflow are required", ErrInvalidChain)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[types.Normalize(source)] = cfg
	return nil
}

// Get returns the chain of source.
func (r *ChainRegistry) Get(source string) (ChainConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.chains[types.Normalize(source)]
	return cfg, ok
}

// CompleteWorkflow creates the successor of a completed instance. It is
// idempotent: the successor id is reserved on the source instance first, so
// repeated calls converge on one successor.
func (e *Executor) CompleteWorkflow(ctx context.Context, inst *types.Instance, cfg ChainConfig) (*types.Instance, error) {
	def, err := e.engine.Definition(ctx, inst.Workflow)
	if err != nil {
		return nil, err
	}
	if !def.IsTerminal(inst.CurrentPlace) || !cfg.Matches(inst.CurrentPlace) {
		return nil, fmt.Errorf("%w: %d is at %q", ErrNotTerminal, inst.ID, inst.CurrentPlace)
	}
	if _, err := e.engine.Definition(ctx, cfg.Workflow); err != nil {
		return nil, err
	}

	reserved, err := e.engine.GenerateID()
	if err != nil {
		return nil, err
	}
	source, err := e.engine.Update(ctx, inst.ID, func(i *types.Instance) error {
		if i.SuccessorID != 0 {
			return errAlreadyChained
		}
		i.SuccessorID = reserved
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyChained):
		source, err = e.engine.GetInstance(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if existing, err := e.engine.GetInstance(ctx, source.SuccessorID); err == nil {
		return existing, nil
	} else if !errors.Is(err, workflow.ErrInstanceNotFound) {
		return nil, err
	}

	successor, err := e.StartWorkflow(ctx, cfg.Workflow, workflow.CreateOptions{
		ID:         source.SuccessorID,
		StartPlace: cfg.InitialPlace,
		Attributes: cfg.seed(source.Attributes),
		ParentID:   source.ID,
	})
	if errors.Is(err, storage.ErrInstanceExists) {
		return e.engine.GetInstance(ctx, source.SuccessorID)
	}
	if err != nil {
		return nil, err
	}
	e.publish(ctx, &events.Envelope{
		Subject:    events.WorkflowSubject(events.TypeChained),
		Type:       events.TypeChained,
		WorkflowID: source.ID,
		Version:    source.Version,
		Data: map[string]interface{}{
			"workflow":           source.Workflow,
			"successor_id":       successor.ID,
			"successor_workflow": successor.Workflow,
		},
	})
	e.logger.Info("workflow chained", "instance", source.ID, "successor", successor.ID, "workflow", successor.Workflow)
	e.dispatchPlace(ctx, successor)
	return successor, nil
}
