package pipeline

import (
	"context"
	"strings"
	"sync"
)

// TableLocks serialises runs against the same target table. A lock is held
// from transaction begin until commit or rollback.
type TableLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewTableLocks creates an empty lock set.
func NewTableLocks() *TableLocks {
	return &TableLocks{locks: make(map[string]chan struct{})}
}

func (l *TableLocks) slot(table string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := strings.ToUpper(table)
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

// Acquire blocks until the table is free or ctx is done. The returned
// function releases the lock.
func (l *TableLocks) Acquire(ctx context.Context, table string) (func(), error) {
	ch := l.slot(table)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var defaultLocks = NewTableLocks()
