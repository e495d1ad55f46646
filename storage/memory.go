package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/castingclouds/circuit-breaker-sub001/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Instances are cloned on the way in and out so callers never share maps
// with the store.
type MemoryStorage struct {
	definitions map[string]types.Document
	instances   map[uint64]types.Instance
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]types.Document),
		instances:   make(map[uint64]types.Instance),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, doc types.Document) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[doc.WorkflowName()] = doc
		return nil
	})
}

// SaveDefinitions saves multiple definitions in a single lock.
func (s *MemoryStorage) SaveDefinitions(ctx context.Context, docs []types.Document) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, doc := range docs {
			s.definitions[doc.WorkflowName()] = doc
		}
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, name string) (types.Document, error) {
	return getItem(ctx, &s.mu, s.definitions, types.Normalize(name), ErrDefinitionNotFound)
}

// CreateInstance saves a new workflow instance to memory.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[inst.ID]; ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceExists, inst.ID)
		}
		s.instances[inst.ID] = inst.Clone()
		return nil
	})
}

// UpdateInstance replaces an instance when the stored version matches.
func (s *MemoryStorage) UpdateInstance(ctx context.Context, inst types.Instance, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		current, ok := s.instances[inst.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: id=%d stored=%d expected=%d", ErrVersionConflict, inst.ID, current.Version, expectedVersion)
		}
		s.instances[inst.ID] = inst.Clone()
		return nil
	})
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	inst, err := getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return types.Instance{}, err
	}
	return inst.Clone(), nil
}

// ListInstances returns instances of the named workflow ordered by id.
func (s *MemoryStorage) ListInstances(ctx context.Context, name string) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		name = types.Normalize(name)
		out := make([]types.Instance, 0, len(s.instances))
		for _, inst := range s.instances {
			if name == "" || inst.Workflow == name {
				out = append(out, inst.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}
