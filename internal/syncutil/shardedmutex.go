// Package syncutil provides per-key locking primitives used to serialize
// updates to individual ledger records.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// shardCount is fixed so memory stays bounded no matter how many distinct
// keys pass through. Keys that hash to the same shard contend with each
// other, which is acceptable for short critical sections.
const shardCount = 256

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a fixed pool of mutexes keyed by string. The zero value
// is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex covering key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardFor(key)]
	mu.Lock()
	return mu.Unlock
}
