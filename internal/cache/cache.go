// Package cache keeps the last catalog snapshot so that repeated runs within
// the TTL skip the full app list download.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pricewatch/internal/model"
)

// ErrCacheMiss indicates the key was not found in the cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache is a byte-oriented key/value store with expiry.
type Cache interface {
	// Get returns ErrCacheMiss if the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CatalogSource loads the full catalog snapshot.
type CatalogSource interface {
	Catalog(ctx context.Context) ([]model.ItemRef, error)
}

// CatalogKey is the cache key of the catalog snapshot.
const CatalogKey = "pricewatch:catalog"

type cachedRef struct {
	ID   int64  `json:"appid"`
	Name string `json:"name"`
}

// CachedCatalog serves the catalog from a cache, falling back to the source.
// Cache failures are logged and never fail the load.
type CachedCatalog struct {
	src   CatalogSource
	cache Cache
	ttl   time.Duration
	log   *slog.Logger
}

// NewCachedCatalog wraps src with c. Snapshots are kept for ttl.
func NewCachedCatalog(src CatalogSource, c Cache, ttl time.Duration, log *slog.Logger) *CachedCatalog {
	return &CachedCatalog{src: src, cache: c, ttl: ttl, log: log}
}

// Catalog returns the cached snapshot if present, otherwise loads and caches a fresh one.
func (c *CachedCatalog) Catalog(ctx context.Context) ([]model.ItemRef, error) {
	refs, err := c.load(ctx)
	switch {
	case err == nil:
		c.log.Debug("catalog served from cache", "items", len(refs))
		return refs, nil
	case !errors.Is(err, ErrCacheMiss):
		c.log.Warn("read catalog cache", "error", err)
	}

	refs, err = c.src.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.store(ctx, refs); err != nil {
		c.log.Warn("write catalog cache", "error", err)
	}
	return refs, nil
}

func (c *CachedCatalog) load(ctx context.Context) ([]model.ItemRef, error) {
	data, err := c.cache.Get(ctx, CatalogKey)
	if err != nil {
		return nil, err
	}
	var cached []cachedRef
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("decode cached catalog: %w", err)
	}
	if len(cached) == 0 {
		return nil, ErrCacheMiss
	}
	refs := make([]model.ItemRef, len(cached))
	for i, r := range cached {
		refs[i] = model.ItemRef{ID: r.ID, Name: r.Name}
	}
	return refs, nil
}

func (c *CachedCatalog) store(ctx context.Context, refs []model.ItemRef) error {
	cached := make([]cachedRef, len(refs))
	for i, r := range refs {
		cached[i] = cachedRef{ID: r.ID, Name: r.Name}
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	return c.cache.Set(ctx, CatalogKey, data, c.ttl)
}
