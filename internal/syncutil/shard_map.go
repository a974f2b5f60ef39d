// Package syncutil contains concurrent containers.
package syncutil

import (
	"fmt"
	"iter"
	"maps"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ShardMap is a thread-safe map that uses sharding to reduce lock contention.
type ShardMap[K comparable, V any] struct {
	shards     []*shard[K, V]
	shardCount uint64
	hash       HashFunc[K]
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// ShardsNum is a [NewShardMap] option that sets the number of shards.
type ShardsNum uint

// HashFunc is a [NewShardMap] option that sets the function used to pick a shard for a key.
type HashFunc[K comparable] func(K) uint64

const defShardsNum ShardsNum = 32

// NewShardMap creates a new [ShardMap].
// Options are [ShardsNum] (default 32) and [HashFunc].
// Without a [HashFunc] keys are hashed with xxhash over their fmt representation.
func NewShardMap[K comparable, V any](opts ...any) *ShardMap[K, V] {
	var (
		shardsNum ShardsNum
		hash      HashFunc[K]
	)
	for _, o := range opts {
		switch v := o.(type) {
		case ShardsNum:
			shardsNum = v
		case HashFunc[K]:
			hash = v
		case func(K) uint64:
			hash = v
		}
	}

	if shardsNum == 0 {
		shardsNum = defShardsNum
	}
	if hash == nil {
		hash = defaultHash[K]
	}

	shards := make([]*shard[K, V], shardsNum)
	for i := range shards {
		shards[i] = &shard[K, V]{
			items: make(map[K]V),
		}
	}

	return &ShardMap[K, V]{
		shards:     shards,
		shardCount: uint64(shardsNum),
		hash:       hash,
	}
}

func defaultHash[K comparable](key K) uint64 {
	d := xxhash.New()
	fmt.Fprint(d, key)
	return d.Sum64()
}

func (m *ShardMap[K, V]) getShard(key K) *shard[K, V] {
	return m.shards[m.hash(key)%m.shardCount]
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	shard := m.getShard(key)
	shard.RLock()
	defer shard.RUnlock()
	val, ok := shard.items[key]
	return val, ok
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise it calls newVal under the shard lock, stores and returns its result.
// The loaded result is true if the value was loaded, false if stored.
// If newVal returns an error nothing is stored and the error is returned.
func (m *ShardMap[K, V]) LoadOrStore(key K, newVal func() (V, error)) (actual V, loaded bool, err error) {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()

	if val, ok := shard.items[key]; ok {
		return val, true, nil
	}

	val, err := newVal()
	if err != nil {
		var zero V
		return zero, false, err //errtrace:skip
	}
	shard.items[key] = val
	return val, false, nil
}

// Del removes a key-value pair by key.
func (m *ShardMap[K, V]) Del(key K) (V, bool) {
	shard := m.getShard(key)
	shard.Lock()
	val, ok := shard.items[key]
	if ok {
		delete(shard.items, key)
	}
	shard.Unlock()
	return val, ok
}

// CompareAndDelete deletes the entry for key if match reports true for its current value.
func (m *ShardMap[K, V]) CompareAndDelete(key K, match func(V) bool) bool {
	shard := m.getShard(key)
	shard.Lock()
	defer shard.Unlock()

	val, ok := shard.items[key]
	if !ok || !match(val) {
		return false
	}
	delete(shard.items, key)
	return true
}

// Size returns the total number of items in the map.
func (m *ShardMap[K, V]) Size() int {
	size := 0
	for _, shard := range m.shards {
		shard.RLock()
		size += len(shard.items)
		shard.RUnlock()
	}
	return size
}

// Items returns an iterator over a snapshot of each shard.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, shard := range m.shards {
			shard.RLock()
			items := maps.Clone(shard.items)
			shard.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
