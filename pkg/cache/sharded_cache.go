// Package cache provides a generic sharded in-memory map, generalized
// from a single-purpose price cache into a reusable building block for
// every hot-path in-memory store in the trade-execution core
// (MarketStore, PositionStore, the rate limiter's bucket table).
package cache

import (
	"hash/fnv"
	"sync"
)

const numShards = 16

// ShardedMap is a fixed-shard-count concurrent map keyed by string,
// holding values of type V. Sharding trades a single global lock for
// numShards independent ones, so unrelated keys never contend.
type ShardedMap[V any] struct {
	shards [numShards]*shard[V]
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewShardedMap constructs an empty ShardedMap.
func NewShardedMap[V any]() *ShardedMap[V] {
	m := &ShardedMap[V]{}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *ShardedMap[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%numShards]
}

// Set stores value under key.
func (m *ShardedMap[V]) Set(key string, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// Get retrieves the value stored under key.
func (m *ShardedMap[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// GetOrCompute returns the existing value for key, or computes,
// stores, and returns one via compute if absent. compute runs while
// the shard lock is held, so it must not itself touch this ShardedMap.
func (m *ShardedMap[V]) GetOrCompute(key string, compute func() (V, error)) (V, error) {
	s := m.shardFor(key)

	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[key]; ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		var zero V
		return zero, err
	}
	s.items[key] = v
	return v, nil
}

// Update applies fn to the current value for key (the zero value of V
// if absent) and stores the result, atomically with respect to other
// Update/Set/Get calls on the same shard.
func (m *ShardedMap[V]) Update(key string, fn func(current V, existed bool) V) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, existed := s.items[key]
	s.items[key] = fn(current, existed)
}

// Delete removes key from the map.
func (m *ShardedMap[V]) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns the total number of entries across all shards.
func (m *ShardedMap[V]) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Range calls fn for every key/value pair. fn must not call back into
// the same ShardedMap; iteration order is unspecified and snapshot per
// shard, not globally consistent.
func (m *ShardedMap[V]) Range(fn func(key string, value V)) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			fn(k, v)
		}
		s.mu.RUnlock()
	}
}

// CleanupFunc removes every entry for which shouldRemove returns true,
// and reports how many were removed. Used for periodic eviction of
// stale rate-limit buckets and expired cache rows.
func (m *ShardedMap[V]) CleanupFunc(shouldRemove func(key string, value V) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if shouldRemove(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Stats summarizes per-shard occupancy, for /metrics introspection.
type Stats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
}

// Stats computes live occupancy statistics across shards.
func (m *ShardedMap[V]) Stats() Stats {
	var s Stats
	for i, sh := range m.shards {
		sh.mu.RLock()
		n := len(sh.items)
		sh.mu.RUnlock()
		s.ShardCounts[i] = n
		s.TotalItems += n
	}
	return s
}
