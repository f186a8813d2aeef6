// Package catalog caches the inference backend's model list. It is the
// only sanctioned in-process cache: catalog data only, never per-user
// state.
package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/diminDDL/discord-ollama/internal/metrics"
	"github.com/diminDDL/discord-ollama/internal/ollama"
)

// ErrModelNotFound is returned by Resolve for names absent from the cached
// catalog. Resolve never triggers a refresh; callers refresh explicitly.
var ErrModelNotFound = errors.New("model not found")

type Lister interface {
	List(ctx context.Context) ([]ollama.ModelDescriptor, error)
}

type Cache struct {
	backend Lister
	logger  zerolog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group

	mu          sync.RWMutex
	models      []ollama.ModelDescriptor
	lastUpdated time.Time
}

func New(backend Lister, logger zerolog.Logger) *Cache {
	return &Cache{
		backend: backend,
		logger:  logger.With().Str("component", "catalog").Logger(),
		metrics: metrics.Global(),
	}
}

// Refresh replaces the cached catalog wholesale. Concurrent refreshes are
// collapsed into one backend call.
func (c *Cache) Refresh(ctx context.Context) ([]ollama.ModelDescriptor, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		models, err := c.backend.List(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.models = models
		c.lastUpdated = time.Now().UTC()
		c.mu.Unlock()
		c.metrics.CatalogRefreshes.Inc()
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return copyModels(v.([]ollama.ModelDescriptor)), nil
}

// List returns the last successful refresh, empty before the first one.
func (c *Cache) List() []ollama.ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyModels(c.models)
}

func (c *Cache) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

// Resolve matches name against cached model names, case-insensitively and
// exactly.
func (c *Cache) Resolve(name string) (ollama.ModelDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return ollama.ModelDescriptor{}, ErrModelNotFound
}

// Run refreshes the catalog on a fixed interval until ctx is done. The
// caller owns the goroutine and cancels it via ctx.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("initial catalog refresh failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("catalog refresh failed")
				continue
			}
			c.logger.Debug().Int("models", len(c.List())).Msg("catalog refreshed")
		}
	}
}

func copyModels(in []ollama.ModelDescriptor) []ollama.ModelDescriptor {
	out := make([]ollama.ModelDescriptor, len(in))
	copy(out, in)
	return out
}
