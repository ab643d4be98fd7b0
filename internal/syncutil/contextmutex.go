package syncutil

import (
	"context"
	"sync"
)

// ContextShardedMutex is the cancellable sibling of ShardedMutex. Each
// shard is a one-slot channel, so acquisition can race against ctx.Done
// in a select. Used where a waiter must give up rather than queue behind
// a slow holder.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex returns an initialized context-aware sharded
// mutex. The zero value also works; init runs lazily on first use.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			ch := make(chan struct{}, 1)
			ch <- struct{}{} // unlocked
			m.shards[i] = ch
		}
	})
}

// LockContext acquires the mutex covering key or fails with the context
// error if ctx is cancelled first. On success the returned function
// releases the lock and must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardFor(key)]

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
