package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clinicdesk/internal/metrics"
)

const DefaultCacheTTL = 60 * time.Second

// maxEntries caps the cache. Past it, negative verdicts are no longer stored,
// so names that do not exist cannot crowd out real tenants.
const maxEntries = 10_000

// Catalog answers whether a schema exists in the backing store.
type Catalog interface {
	SchemaExists(ctx context.Context, name string) (bool, error)
}

type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

// Gate confirms tenants exist, caching positive and negative verdicts for a
// short TTL. Expired entries are swept on write.
type Gate struct {
	catalog Catalog
	ttl     time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	entries   map[string]cacheEntry
	lastSweep time.Time
}

type Option func(*Gate)

func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGate(catalog Catalog, opts ...Option) *Gate {
	g := &Gate{
		catalog: catalog,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AssertExists normalizes raw and confirms the tenant exists. It returns the
// normalized name, or ErrInvalidInput, ErrNotFound or ErrCatalogUnavailable.
func (g *Gate) AssertExists(ctx context.Context, raw string) (string, error) {
	name, err := Normalize(raw)
	if err != nil {
		return "", err
	}

	if allowed, ok := g.lookup(name); ok {
		metrics.TenantGateLookup("hit")
		return verdict(name, allowed)
	}

	exists, err := g.catalog.SchemaExists(ctx, name)
	if err != nil {
		// transient: never cached as a negative verdict
		metrics.TenantGateLookup("error")
		return "", fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	metrics.TenantGateLookup("miss")

	g.store(name, exists)
	return verdict(name, exists)
}

func (g *Gate) store(name string, allowed bool) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastSweep) >= g.ttl {
		for k, entry := range g.entries {
			if !now.Before(entry.expiresAt) {
				delete(g.entries, k)
			}
		}
		g.lastSweep = now
	}

	if !allowed && len(g.entries) >= maxEntries {
		return
	}
	g.entries[name] = cacheEntry{allowed: allowed, expiresAt: now.Add(g.ttl)}
}

func (g *Gate) lookup(name string) (bool, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.entries[name]
	if !ok || !g.now().Before(entry.expiresAt) {
		return false, false
	}
	return entry.allowed, true
}

func verdict(name string, allowed bool) (string, error) {
	if !allowed {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return name, nil
}
