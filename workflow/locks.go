package workflow

import (
	"context"
	"sync"
)

// instanceLocks serializes work per instance id. Entries are reference
// counted and removed once nobody holds or waits for them.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[uint64]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[uint64]*lockEntry)}
}

// lock blocks until the instance lock is held or ctx is done.
func (l *instanceLocks) lock(ctx context.Context, id uint64) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return func() {
			<-entry.ch
			l.release(id, entry)
		}, nil
	case <-ctx.Done():
		l.release(id, entry)
		return nil, ctx.Err()
	}
}

func (l *instanceLocks) release(id uint64, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, id)
	}
}
