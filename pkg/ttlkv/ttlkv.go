// Package ttlkv is a small sharded in-memory key/value map with per-entry
// TTLs. Expired entries are purged lazily on access; there is no background
// sweeper, so an idle map holds stale entries until the next lookup or an
// explicit PurgeExpired.
package ttlkv

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"
)

// Options tunes the store.
type Options struct {
	Shards int // shard count, rounded up to a power of two (default 16)
}

type entry struct {
	val       []byte
	expiresAt time.Time // zero means no expiry
}

type shard struct {
	mu sync.Mutex
	m  map[string]entry
}

// Store is safe for concurrent use.
type Store struct {
	shards []shard
	mask   uint64
	seed   maphash.Seed

	nowFn func() time.Time

	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mExpired atomic.Uint64
}

// Metrics is a counters snapshot.
type Metrics struct {
	Hits    uint64
	Misses  uint64
	Expired uint64
}

// New creates a store.
func New(o Options) *Store {
	n := o.Shards
	if n <= 0 {
		n = 16
	}
	// round up to a power of two for cheap masking
	p := 1
	for p < n {
		p <<= 1
	}
	s := &Store{
		shards: make([]shard, p),
		mask:   uint64(p - 1),
		seed:   maphash.MakeSeed(),
		nowFn:  time.Now,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]entry)
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	var h maphash.Hash
	h.SetSeed(s.seed)
	_, _ = h.WriteString(key)
	return &s.shards[h.Sum64()&s.mask]
}

// Set stores val under key with the given TTL (0 = no expiry). The value is
// copied. Returns true when the key did not exist before.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	sh := s.shardFor(key)
	cp := make([]byte, len(val))
	copy(cp, val)
	e := entry{val: cp}
	if ttl > 0 {
		e.expiresAt = s.nowFn().Add(ttl)
	}
	sh.mu.Lock()
	_, existed := sh.m[key]
	sh.m[key] = e
	sh.mu.Unlock()
	return !existed
}

// Get returns a copy of the value. A stale entry found during lookup is
// deleted and reported as a miss.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	now := s.nowFn()
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok && !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		delete(sh.m, key)
		sh.mu.Unlock()
		s.mExpired.Add(1)
		s.mMisses.Add(1)
		return nil, false
	}
	sh.mu.Unlock()
	if !ok {
		s.mMisses.Add(1)
		return nil, false
	}
	s.mHits.Add(1)
	cp := make([]byte, len(e.val))
	copy(cp, e.val)
	return cp, true
}

// Has reports whether key exists and is fresh, purging it when stale.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Delete removes a key. Returns true when it existed.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.m[key]
	delete(sh.m, key)
	sh.mu.Unlock()
	return ok
}

// Len counts live entries, including stale ones not yet purged.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// PurgeExpired walks all shards and drops stale entries. Returns the number
// purged. Useful before Len-based diagnostics; never required for
// correctness.
func (s *Store) PurgeExpired() int {
	now := s.nowFn()
	purged := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.m {
			if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
				delete(sh.m, k)
				purged++
			}
		}
		sh.mu.Unlock()
	}
	if purged > 0 {
		s.mExpired.Add(uint64(purged))
	}
	return purged
}

// Metrics returns a counters snapshot.
func (s *Store) Metrics() Metrics {
	return Metrics{
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Expired: s.mExpired.Load(),
	}
}

// SetNow overrides the clock; tests only.
func (s *Store) SetNow(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}
