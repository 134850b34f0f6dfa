package role

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/docflow/model"
)

// CacheObserver receives cache hit and miss notifications.
type CacheObserver interface {
	RecordRoleCacheHit()
	RecordRoleCacheMiss()
}

type cacheEntry struct {
	role    string
	expires time.Time
}

// Resolver is a model.RoleDirectory with an in-memory TTL cache in front of
// another directory. Lookup failures are not cached.
type Resolver struct {
	dir      model.RoleDirectory
	ttl      time.Duration
	observer CacheObserver
	mu       sync.RWMutex
	cache    map[string]cacheEntry
}

// NewResolver creates a Resolver over dir with the given cache TTL. observer
// may be nil.
func NewResolver(dir model.RoleDirectory, ttl time.Duration, observer CacheObserver) *Resolver {
	return &Resolver{
		dir:      dir,
		ttl:      ttl,
		observer: observer,
		cache:    make(map[string]cacheEntry),
	}
}

// RoleOf returns the raw role of actorID. Results are cached for the
// configured TTL.
func (r *Resolver) RoleOf(ctx context.Context, actorID string) (string, error) {
	r.mu.RLock()
	if entry, ok := r.cache[actorID]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		if r.observer != nil {
			r.observer.RecordRoleCacheHit()
		}
		return entry.role, nil
	}
	r.mu.RUnlock()

	if r.observer != nil {
		r.observer.RecordRoleCacheMiss()
	}
	role, err := r.dir.RoleOf(ctx, actorID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[actorID] = cacheEntry{role: role, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return role, nil
}

// Invalidate clears the cached role of actorID.
func (r *Resolver) Invalidate(actorID string) {
	r.mu.Lock()
	delete(r.cache, actorID)
	r.mu.Unlock()
}
