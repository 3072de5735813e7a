package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrLockNotAcquired = errors.New("slot lock not acquired")
)

// Locker guards critical sections per key. Sections on different keys never
// block each other.
type Locker interface {
	WithKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// SlotKey is the lock key for one provider calendar day.
func SlotKey(providerID uuid.UUID, date string) string {
	return fmt.Sprintf("lock:slot:%s:%s", providerID.String(), date)
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process Locker. Entries are reference counted and dropped
// once nobody holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) WithKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	e := l.ref(key)
	defer l.unref(key, e)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrLockNotAcquired, ctx.Err())
	}
	defer func() { <-e.sem }()

	return fn(ctx)
}

func (l *Local) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// size reports live entries; used by tests.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
