package catalog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mattjoyce/envgate/internal/log"
	"github.com/mattjoyce/envgate/internal/rt"
	"github.com/mattjoyce/envgate/internal/workspace"
)

// Lister is the discovery half of the tool boundary.
type Lister interface {
	List(ctx context.Context, dir string) ([]rt.Descriptor, error)
}

// Cache is a per-workspace read-through cache of activation candidates.
type Cache struct {
	gateway Lister
	logger  *slog.Logger

	mu        sync.Mutex
	snapshots map[string][]Candidate
}

// NewCache creates a Cache backed by the given discovery gateway.
func NewCache(gateway Lister) *Cache {
	return &Cache{
		gateway:   gateway,
		logger:    log.WithComponent("catalog"),
		snapshots: make(map[string][]Candidate),
	}
}

// Fetch returns the candidates for scope. Without force it serves the
// cached snapshot when one exists. With force, or on a cache miss, it
// invokes discovery and replaces the snapshot.
//
// Discovery failures are fail-soft: the previous snapshot (or an empty
// slice) is served and the failure only logged, so a transient tool
// error never blanks out a workspace's environment list. The one error
// this method returns is cancellation of ctx, which callers must be
// able to distinguish from a served-stale result.
func (c *Cache) Fetch(ctx context.Context, scope workspace.Scope, force bool) ([]Candidate, error) {
	key := scope.Key()

	if !force {
		c.mu.Lock()
		cached, ok := c.snapshots[key]
		c.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	descriptors, err := c.gateway.List(ctx, scope.Root)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("discovery failed, serving cached snapshot",
			"workspace", scope.Name, "error", err)
		c.mu.Lock()
		cached := c.snapshots[key]
		c.mu.Unlock()
		if cached == nil {
			cached = []Candidate{}
		}
		return cached, nil
	}

	next := Materialize(descriptors)
	if next == nil {
		next = []Candidate{}
	}

	c.mu.Lock()
	c.snapshots[key] = next
	c.mu.Unlock()

	c.logger.Debug("catalog snapshot refreshed", "workspace", scope.Name, "candidates", len(next))
	return next, nil
}

// Snapshot returns the cached candidates for scope without fetching.
func (c *Cache) Snapshot(scope workspace.Scope) ([]Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.snapshots[scope.Key()]
	return cached, ok
}
