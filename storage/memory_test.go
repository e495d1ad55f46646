package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castingclouds/circuit-breaker-sub001/types"
)

// Helper function to create a sample definition
func newDocument(name string) types.Document {
	return types.Document{
		Name:       name,
		ObjectType: "issue",
		Places:     types.Places{States: []string{"open", "done"}},
		Transitions: types.Transitions{Regular: []types.TransitionSpec{
			{Name: "finish", From: types.StringList{"open"}, To: types.StringList{"done"}},
		}},
	}
}

// Helper function to create a sample instance
func newInstance(id uint64, workflow string) types.Instance {
	return types.Instance{
		ID:           id,
		Workflow:     workflow,
		CurrentPlace: "open",
		Attributes:   map[string]interface{}{"key": "value"},
		History:      []types.HistoryRecord{},
		Version:      1,
		Status:       types.StatusActive,
		CreatedAt:    time.Now().UnixMilli(),
		UpdatedAt:    time.Now().UnixMilli(),
	}
}

func TestMemoryStorage(t *testing.T) {
	t.Run("SaveAndGetDefinition", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		doc := newDocument("Issue Flow")
		require.NoError(t, store.SaveDefinition(ctx, doc))

		got, err := store.GetDefinition(ctx, "issue_flow")
		assert.NoError(t, err)
		assert.Equal(t, doc, got)

		_, err = store.GetDefinition(ctx, "other")
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("SaveDefinitions", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		docs := []types.Document{newDocument("a"), newDocument("b")}
		require.NoError(t, store.SaveDefinitions(ctx, docs))
		for _, doc := range docs {
			got, err := store.GetDefinition(ctx, doc.Name)
			assert.NoError(t, err)
			assert.Equal(t, doc, got)
		}
	})

	t.Run("CreateAndGetInstance", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		inst := newInstance(1, "issue")
		require.NoError(t, store.CreateInstance(ctx, inst))

		got, err := store.GetInstance(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, inst, got)

		assert.ErrorIs(t, store.CreateInstance(ctx, inst), ErrInstanceExists)

		_, err = store.GetInstance(ctx, 2)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("ReturnedInstancesAreCopies", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		require.NoError(t, store.CreateInstance(ctx, newInstance(1, "issue")))

		got, _ := store.GetInstance(ctx, 1)
		got.Attributes["key"] = "changed"

		again, _ := store.GetInstance(ctx, 1)
		assert.Equal(t, "value", again.Attributes["key"])
	})

	t.Run("UpdateInstanceVersionCheck", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		inst := newInstance(1, "issue")
		require.NoError(t, store.CreateInstance(ctx, inst))

		next := inst.Clone()
		next.CurrentPlace = "done"
		next.Version = 2
		require.NoError(t, store.UpdateInstance(ctx, next, 1))

		stale := inst.Clone()
		stale.Version = 2
		assert.ErrorIs(t, store.UpdateInstance(ctx, stale, 1), ErrVersionConflict)

		got, _ := store.GetInstance(ctx, 1)
		assert.Equal(t, "done", got.CurrentPlace)

		assert.ErrorIs(t, store.UpdateInstance(ctx, newInstance(9, "issue"), 1), ErrInstanceNotFound)
	})

	t.Run("ListInstances", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		require.NoError(t, store.CreateInstance(ctx, newInstance(3, "issue")))
		require.NoError(t, store.CreateInstance(ctx, newInstance(1, "issue")))
		require.NoError(t, store.CreateInstance(ctx, newInstance(2, "document")))

		all, err := store.ListInstances(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, uint64(1), all[0].ID)

		issues, err := store.ListInstances(ctx, "issue")
		require.NoError(t, err)
		assert.Len(t, issues, 2)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, store.SaveDefinition(ctx, newDocument("a")), context.Canceled)
		_, err := store.GetDefinition(ctx, "a")
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.CreateInstance(ctx, newInstance(1, "a")), context.Canceled)
		assert.ErrorIs(t, store.UpdateInstance(ctx, newInstance(1, "a"), 1), context.Canceled)
		_, err = store.GetInstance(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.ListInstances(ctx, "")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentUpdatesOnlyOneWins", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		inst := newInstance(1, "issue")
		require.NoError(t, store.CreateInstance(ctx, inst))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := inst.Clone()
				next.Version = 2
				next.Attributes["writer"] = fmt.Sprint(i)
				if store.UpdateInstance(ctx, next, 1) == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}
