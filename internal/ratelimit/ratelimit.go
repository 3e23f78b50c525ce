package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	defaultShards  = 16
	defaultMaxKeys = 100000
)

// record holds the admitted timestamps for one key, oldest first
type record struct {
	hits []time.Time
	// logged tracks whether OnFirstDenied already fired for this record
	// resets when the record is deleted and re-created
	logged bool
}

// prune drops every hit older than window relative to now.
// now - t == window is kept, the window is inclusive.
func (r *record) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(r.hits) && now.Sub(r.hits[i]) > window {
		i++
	}
	if i == 0 {
		return
	}
	// shift down instead of reslicing so the backing array does not pin old entries
	n := copy(r.hits, r.hits[i:])
	r.hits = r.hits[:n]
}

// shard is one independently locked partition of the key space.
// simplelru has no lock of its own, s.mu guards it.
type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *record]
	max int
}

func newShard(max int) *shard {
	size := max
	if size <= 0 {
		size = math.MaxInt
	}
	// capacity evictions go through insert so OnEvict only sees those
	lru, err := simplelru.NewLRU[string, *record](size, nil)
	if err != nil {
		panic(err)
	}
	return &shard{lru: lru, max: max}
}

// insert creates a record for key, evicting the least recently used record if the shard is full.
// Returns the evicted key, if any. Caller must hold s.mu.
func (s *shard) insert(key string) (*record, string, bool) {
	var evicted string
	var didEvict bool
	if s.max > 0 && s.lru.Len() >= s.max {
		evicted, _, didEvict = s.lru.RemoveOldest()
	}
	r := &record{}
	s.lru.Add(key, r)
	return r, evicted, didEvict
}

// Limiter is a sharded per-key sliding-window limiter. The zero value is not usable, use New.
type Limiter struct {
	shards []*shard
	now    func() time.Time

	nshards int
	maxKeys int

	// OnFirstDenied is called once per record when its key is first rejected
	OnFirstDenied func(key string)

	// OnDenied is called on every rejection, used for incrementing prometheus counters
	OnDenied func(key string)

	// OnEvict is called when a record is dropped to make room for a new key
	OnEvict func(key string)

	// OnSweep is called by the janitor after each pass with the number of records removed
	OnSweep func(removed int)
}

type Option func(*Limiter)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithShards sets how many independently locked partitions the key space is split into.
// WithShards(1) serializes every call behind a single lock.
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.nshards = n
		}
	}
}

// WithMaxKeys bounds the number of tracked keys, 0 disables the bound.
// The bound is split evenly across shards, so with more than one shard it is approximate.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n >= 0 {
			l.maxKeys = n
		}
	}
}

// WithOnFirstDenied sets a callback for the first rejection per record, used for logging.
// Separate from OnDenied so we log once but still count every rejection.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every rejected call
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithOnEvict sets a callback for records evicted at capacity
func WithOnEvict(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnEvict = fn
	}
}

// WithOnSweep sets a callback run after every janitor pass
func WithOnSweep(fn func(removed int)) Option {
	return func(l *Limiter) {
		l.OnSweep = fn
	}
}

// New creates a Limiter with empty state
func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:     time.Now,
		nshards: defaultShards,
		maxKeys: defaultMaxKeys,
	}
	for _, o := range opts {
		o(l)
	}

	perShard := 0
	if l.maxKeys > 0 {
		perShard = (l.maxKeys + l.nshards - 1) / l.nshards
	}
	l.shards = make([]*shard, l.nshards)
	for i := range l.shards {
		l.shards[i] = newShard(perShard)
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	if len(l.shards) == 1 {
		return l.shards[0]
	}
	return l.shards[xxhash.Sum64String(key)%uint64(len(l.shards))]
}

// Allow reports whether another action for key fits within maxRequests over the trailing window,
// and records it if so. Rejected calls are not recorded.
//
// maxRequests <= 0 always rejects. window == 0 only counts entries at the current instant,
// and a negative window prunes every entry, so each call is judged against an empty record.
// Limits are not stored with the record, so changing them between calls applies to existing entries.
func (l *Limiter) Allow(key string, maxRequests int, window time.Duration) bool {
	s := l.shardFor(key)

	s.mu.Lock()
	// read the clock under the lock so appends within a record stay in order
	now := l.now()

	// Get also marks the record most recently used
	r, exists := s.lru.Get(key)
	if exists {
		r.prune(now, window)
	}

	if maxRequests > 0 && (r == nil || len(r.hits) < maxRequests) {
		var evicted string
		var didEvict bool
		if r == nil {
			r, evicted, didEvict = s.insert(key)
		}
		r.hits = append(r.hits, now)
		// release lock before calling hooks, they may do slow work
		s.mu.Unlock()

		if didEvict && l.OnEvict != nil {
			l.OnEvict(evicted)
		}
		return true
	}

	first := false
	if r != nil {
		first = !r.logged
		r.logged = true
		if len(r.hits) == 0 {
			s.lru.Remove(key)
		}
	}
	s.mu.Unlock()

	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(key)
	}
	if l.OnDenied != nil {
		l.OnDenied(key)
	}
	return false
}

// Len returns the number of keys currently tracked
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Sweep deletes records whose newest entry is older than maxAge and returns how many were removed.
// maxAge must be at least the largest window callers use, otherwise live entries are lost.
func (l *Limiter) Sweep(maxAge time.Duration) int {
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		now := l.now()
		for _, key := range s.lru.Keys() {
			// Peek so the sweep does not reorder recency
			r, ok := s.lru.Peek(key)
			if !ok {
				continue
			}
			if len(r.hits) == 0 || now.Sub(r.hits[len(r.hits)-1]) > maxAge {
				s.lru.Remove(key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartJanitor runs Sweep(maxAge) every interval until ctx is cancelled.
// The returned channel is closed once the goroutine has exited.
func (l *Limiter) StartJanitor(ctx context.Context, every, maxAge time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := l.Sweep(maxAge)
				if l.OnSweep != nil {
					l.OnSweep(n)
				}
			}
		}
	}()
	return done
}
