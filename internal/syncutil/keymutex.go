// Package syncutil provides small synchronization helpers.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// KeyMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike sync.Map-based per-key locks, this uses bounded memory regardless
// of how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
//
// The escrow service uses one of these keyed by transaction ID so that
// concurrent state transitions on the same transaction serialize in-process
// before reaching the store.
type KeyMutex struct {
	shards [256]sync.Mutex
}

// NewKeyMutex creates a KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{}
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (k *KeyMutex) Lock(key string) func() {
	mu := k.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (k *KeyMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.shards[h.Sum32()%256]
}
