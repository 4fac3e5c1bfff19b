// Package cache implements the Response Cache (spec.md §4.5, component
// C5): an interface plus one in-memory implementation. Grounded on the
// teacher's internal/service/cache_service.go L1 tier (TTL map +
// oldest-N%% eviction); the L2 SQLite and L3 semantic-embedding tiers are
// dropped (see DESIGN.md) since nothing in this spec needs cross-process
// cache persistence or semantic matching. The at-most-one-concurrent-build
// guarantee is delegated to golang.org/x/sync/singleflight instead of the
// teacher's ad-hoc mutex-guarded map check (spec.md §9).
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/user/llm-gateway-go/internal/models"
)

// Entry is one cached response body plus its provenance, keyed by
// fingerprint.
type Entry struct {
	Body       map[string]any
	Provenance models.Provenance
	CachedAt   time.Time
}

// BuildFunc produces a fresh Entry on a cache miss.
type BuildFunc func(ctx context.Context) (Entry, error)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultMaxSize   = 10000
	evictionFraction = 10 // remove 1/10th of entries when at capacity
)

type item struct {
	entry     Entry
	expiresAt time.Time
}

// Cache is the C5 external interface: Lookup for a plain read, SingleFlight
// for the build-on-miss path the Router actually uses.
type Cache interface {
	Lookup(fingerprint string) (Entry, bool)
	SingleFlight(ctx context.Context, fingerprint string, build BuildFunc) (Entry, error)
}

// InMemory is a single-process TTL cache with single-flight miss
// coalescing.
type InMemory struct {
	ttl     time.Duration
	maxSize int

	mu      sync.RWMutex
	entries map[string]*item

	flight singleflight.Group
}

func New(ttl time.Duration, maxSize int) *InMemory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &InMemory{ttl: ttl, maxSize: maxSize, entries: make(map[string]*item)}
}

// Lookup returns the cached entry if present and not expired.
func (c *InMemory) Lookup(fingerprint string) (Entry, bool) {
	c.mu.RLock()
	it, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if time.Now().After(it.expiresAt) {
		return Entry{}, false
	}
	return it.entry, true
}

// SingleFlight returns the cached entry on a hit; on a miss it invokes
// build exactly once process-wide for this fingerprint, regardless of how
// many concurrent callers ask, and shares the result with every waiter.
func (c *InMemory) SingleFlight(ctx context.Context, fingerprint string, build BuildFunc) (Entry, error) {
	if e, ok := c.Lookup(fingerprint); ok {
		return e, nil
	}

	v, err, _ := c.flight.Do(fingerprint, func() (any, error) {
		// Re-check under the flight group: another caller may have filled
		// the cache between our Lookup above and this closure running.
		if e, ok := c.Lookup(fingerprint); ok {
			return e, nil
		}
		e, err := build(ctx)
		if err != nil {
			return Entry{}, err
		}
		c.set(fingerprint, e)
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (c *InMemory) set(fingerprint string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[fingerprint] = &item{entry: e, expiresAt: time.Now().Add(c.ttl)}
}

// evictLocked removes expired entries first, then the oldest remaining
// entries until back under a 90% fill factor, mirroring the teacher's
// two-pass evictL1.
func (c *InMemory) evictLocked() {
	now := time.Now()
	for k, it := range c.entries {
		if now.After(it.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}

	toRemove := c.maxSize / evictionFraction
	if toRemove < 1 {
		toRemove = 1
	}
	type keyed struct {
		key       string
		expiresAt time.Time
	}
	ordered := make([]keyed, 0, len(c.entries))
	for k, it := range c.entries {
		ordered = append(ordered, keyed{k, it.expiresAt})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].expiresAt.Before(ordered[j].expiresAt) })
	for i := 0; i < toRemove && i < len(ordered); i++ {
		delete(c.entries, ordered[i].key)
	}
}

// excludedFields are request body keys that must not affect the
// fingerprint (spec.md §4.5: "MUST exclude stream, authentication, and
// volatile request-id fields").
var excludedFields = map[string]struct{}{
	"stream":          {},
	"authorization":   {},
	"api_key":         {},
	"request_id":      {},
	"x-request-id":    {},
	"idempotency_key": {},
}

// Fingerprint builds a deterministic cache key for a chat/completion/
// embeddings request: operation + model + a canonical (sorted-key) JSON
// encoding of the body with volatile fields stripped. The Router owns
// fingerprinting per spec.md §4.5; this is its sole implementation.
func Fingerprint(op models.Operation, model string, body map[string]any) string {
	cleaned := make(map[string]any, len(body))
	for k, v := range body {
		if _, excluded := excludedFields[k]; excluded {
			continue
		}
		cleaned[k] = v
	}

	canonical, _ := json.Marshal(canonicalize(cleaned))
	h := sha256.New()
	h.Write([]byte(string(op)))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize recursively copies maps and slices. Two structurally
// identical bodies with different field orders hash identically because
// encoding/json writes map[string]any keys in sorted order at every
// nesting depth, including maps inside slices.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = canonicalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = canonicalize(vv)
		}
		return out
	default:
		return val
	}
}
