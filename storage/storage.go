package storage

import (
	"context"
	"errors"

	"github.com/castingclouds/circuit-breaker-sub001/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrInstanceExists     = errors.New("instance already exists")
	ErrVersionConflict    = errors.New("instance version conflict")
)

// Storage defines the interface for persisting definitions and instances.
// Instance updates are compare-and-swap on Instance.Version so that writers in
// different processes cannot overwrite each other's marking.
type Storage interface {
	// SaveDefinition saves a definition document under its workflow name.
	SaveDefinition(ctx context.Context, doc types.Document) error

	// SaveDefinitions saves several definition documents at once.
	SaveDefinitions(ctx context.Context, docs []types.Document) error

	// GetDefinition retrieves a definition document by workflow name.
	GetDefinition(ctx context.Context, name string) (types.Document, error)

	// CreateInstance stores a new instance; it fails if the id is taken.
	CreateInstance(ctx context.Context, inst types.Instance) error

	// UpdateInstance replaces an instance only if the stored version equals expectedVersion.
	UpdateInstance(ctx context.Context, inst types.Instance, expectedVersion uint64) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)

	// ListInstances returns every instance of the named workflow, or all
	// instances when name is empty, ordered by id.
	ListInstances(ctx context.Context, name string) ([]types.Instance, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
