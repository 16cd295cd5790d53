// Package registry records which radio service each peer listens on, as
// learned from name service exchanges
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultCapacity bounds the number of peers remembered
	DefaultCapacity = 256
	// DefaultTTL is how long a learned service stays valid without being refreshed
	DefaultTTL = 10 * time.Minute
)

// Record is the service a peer advertised
type Record struct {
	Addr      string
	ServiceID uuid.UUID
	LastSeen  time.Time
}

// Registry maps peer radio address to service UUID
type Registry struct {
	records *lru.Cache[string, Record]
	ttl     time.Duration
	clock   clock.Clock
	mu      sync.Mutex
}

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides the time source
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithTTL sets the staleness limit; zero or negative keeps records forever
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// NewRegistry creates a registry holding at most capacity peers
func NewRegistry(capacity int, opts ...Option) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// lru.New only fails for a non-positive size
	cache, _ := lru.New[string, Record](capacity)
	r := &Registry{
		records: cache,
		ttl:     DefaultTTL,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert records that addr listens on serviceID
// Returns the registration timestamp
func (r *Registry) Upsert(addr string, serviceID uuid.UUID) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.records.Add(addr, Record{Addr: addr, ServiceID: serviceID, LastSeen: now})
	return now
}

// Lookup returns the service for addr. Stale records are evicted and miss.
func (r *Registry) Lookup(addr string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records.Get(addr)
	if !ok {
		return uuid.Nil, false
	}
	if r.expired(rec) {
		r.records.Remove(addr)
		return uuid.Nil, false
	}
	return rec.ServiceID, true
}

// Remove forgets addr
func (r *Registry) Remove(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records.Remove(addr)
}

// List returns all live records sorted by address
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, r.records.Len())
	for _, addr := range r.records.Keys() {
		rec, ok := r.records.Peek(addr)
		if !ok || r.expired(rec) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Count returns the number of records held, stale ones included
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records.Len()
}

// expired reports whether rec outlived the TTL. Caller must hold r.mu.
func (r *Registry) expired(rec Record) bool {
	return r.ttl > 0 && r.clock.Since(rec.LastSeen) > r.ttl
}
