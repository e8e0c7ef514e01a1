// Package natcache provides a generic, mutex-guarded map whose entries
// expire after a fixed duration, used by the TUN TCP NAT tables that must
// self-clean after 24h (spec §3 "Lifecycles").
//
// Grounded directly in firestack's intra/core/expiringmap.go: a single
// mutex, a per-entry expiry timestamp, and lazy reaping triggered from Set
// once the map grows past a size threshold, generalized here from
// map[string]uint32 to a generic K/V map since the NAT tables key on
// structured (src,dest) pairs and netip.AddrPort, not strings.
package natcache

import (
	"sync"
	"time"
)

const (
	reapThreshold = 5 * time.Minute
	maxReapIter   = 100
	sizeThreshold = 500
)

type entry[V any] struct {
	val    V
	expiry time.Time
}

// Map is a mutex-guarded map[K]V where every entry carries its own expiry.
type Map[K comparable, V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	m        map[K]entry[V]
	lastreap time.Time
}

// New builds a Map whose entries expire ttl after being set or refreshed.
func New[K comparable, V any](ttl time.Duration) *Map[K, V] {
	return &Map[K, V]{
		ttl:      ttl,
		m:        make(map[K]entry[V]),
		lastreap: time.Now(),
	}
}

// Get returns the value stored at key, or ok=false if absent or expired.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.m[key]
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiry) {
		delete(m.m, key)
		var zero V
		return zero, false
	}
	return e.val, true
}

// Add stores val at key, refreshing its expiry, and opportunistically
// reaps expired entries once the map has grown past sizeThreshold.
func (m *Map[K, V]) Add(key K, val V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.m[key] = entry[V]{val: val, expiry: time.Now().Add(m.ttl)}
	m.reapLocked()
}

// Del removes key unconditionally.
func (m *Map[K, V]) Del(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
}

// Len reports the number of stored entries, including expired ones not yet
// reaped.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

func (m *Map[K, V]) reapLocked() {
	if len(m.m) < sizeThreshold {
		return
	}
	now := time.Now()
	if now.Sub(m.lastreap) <= reapThreshold {
		return
	}
	m.lastreap = now

	i := 0
	for k, e := range m.m {
		i++
		if now.After(e.expiry) {
			delete(m.m, k)
		}
		if i > maxReapIter {
			break
		}
	}
}
