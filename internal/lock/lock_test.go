package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	key := SlotKey(uuid.New(), "2025-02-14")

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithKeyLock(context.Background(), key, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.size())
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	provider := uuid.New()

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = l.WithKeyLock(context.Background(), SlotKey(provider, "2025-02-14"), func(ctx context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ran := false
	err := l.WithKeyLock(ctx, SlotKey(provider, "2025-02-15"), func(ctx context.Context) error {
		ran = true
		return nil
	})
	close(done)

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestLocal_ContextCancelledWhileWaiting(t *testing.T) {
	l := NewLocal()
	key := "lock:slot:x"

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = l.WithKeyLock(context.Background(), key, func(ctx context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.WithKeyLock(ctx, key, func(ctx context.Context) error {
		t.Fatal("critical section must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}
