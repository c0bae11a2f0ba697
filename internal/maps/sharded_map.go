package maps

import (
	"sync"
)

const numShards = 64 // Must be a power of 2.

// shard represents a single partition of the map, protected by its own lock.
type shard[K Integer, V any] struct {
	sync.RWMutex
	m map[K]V
}

// ShardedMap is a generic, concurrent, sharded map for mixed read/write
// workloads. The key type K must be an integer.
// It implements the ConcurrentMap interface.
type ShardedMap[K Integer, V any] struct {
	shards [numShards]shard[K, V]
}

// NewShardedMap creates and initializes a new ShardedMap, returning it as a
// ConcurrentMap.
func NewShardedMap[K Integer, V any]() ConcurrentMap[K, V] {
	m := &ShardedMap[K, V]{}
	for i := 0; i < numShards; i++ {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

// getShard selects the shard responsible for a key.
func (m *ShardedMap[K, V]) getShard(key K) *shard[K, V] {
	return &m.shards[uint64(key)&(numShards-1)]
}

// Load returns the value for a given key.
func (m *ShardedMap[K, V]) Load(key K) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	val, ok := s.m[key]
	return val, ok
}

// Store sets the value for a given key.
func (m *ShardedMap[K, V]) Store(key K, value V) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	s.m[key] = value
}

// Delete removes a key from the map.
func (m *ShardedMap[K, V]) Delete(key K) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	delete(s.m, key)
}

// LoadOrStore returns the existing value for the key if present, otherwise it
// stores the value produced by the factory.
func (m *ShardedMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	val, ok := s.m[key]
	s.RUnlock()
	if ok {
		return val, true
	}
	s.Lock()
	defer s.Unlock()
	// Double-check in case another goroutine created it while we were waiting
	// for the write lock.
	val, ok = s.m[key]
	if ok {
		return val, true
	}
	val = valueFactory()
	s.m[key] = val
	return val, false
}

// Range iterates over all items in the map, shard by shard. Each shard is
// snapshotted under its read lock so f runs without any lock held.
func (m *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	for i := 0; i < numShards; i++ {
		s := &m.shards[i]
		s.RLock()
		keys := make([]K, 0, len(s.m))
		vals := make([]V, 0, len(s.m))
		for k, v := range s.m {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		s.RUnlock()
		for j := range keys {
			if !f(keys[j], vals[j]) {
				return
			}
		}
	}
}
