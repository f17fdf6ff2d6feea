package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"relaybox/internal/models"
)

// DefaultCacheSize bounds the number of manifests held by Cached.
const DefaultCacheSize = 1024

// Cached keeps recently read manifests in memory. Manifest content never
// changes after creation; the download counter is refreshed on increment.
type Cached struct {
	ManifestStore
	cache *lru.Cache[string, *models.Manifest]
}

// NewCached wraps inner with an LRU of size entries.
func NewCached(inner ManifestStore, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *models.Manifest](size)
	if err != nil {
		return nil, err
	}
	return &Cached{ManifestStore: inner, cache: cache}, nil
}

// ManifestExists answers from the cache when possible.
func (c *Cached) ManifestExists(ctx context.Context, code string) (bool, error) {
	if c.cache.Contains(code) {
		return true, nil
	}
	return c.ManifestStore.ManifestExists(ctx, code)
}

// GetManifest returns a copy of the cached manifest or loads it.
func (c *Cached) GetManifest(ctx context.Context, code string) (*models.Manifest, error) {
	if manifest, ok := c.cache.Get(code); ok {
		return cloneManifest(manifest), nil
	}
	manifest, err := c.ManifestStore.GetManifest(ctx, code)
	if err != nil {
		return nil, err
	}
	c.cache.Add(code, cloneManifest(manifest))
	return manifest, nil
}

// IncrementDownloadCount delegates and updates the cached counter.
func (c *Cached) IncrementDownloadCount(ctx context.Context, code string) (int64, error) {
	count, err := c.ManifestStore.IncrementDownloadCount(ctx, code)
	if err != nil {
		return 0, err
	}
	if manifest, ok := c.cache.Peek(code); ok {
		updated := cloneManifest(manifest)
		updated.DownloadCount = count
		c.cache.Add(code, updated)
	}
	return count, nil
}

func cloneManifest(m *models.Manifest) *models.Manifest {
	out := *m
	out.PartURLs = append([]string(nil), m.PartURLs...)
	if m.PartSizes != nil {
		out.PartSizes = append([]int64(nil), m.PartSizes...)
	}
	return &out
}
