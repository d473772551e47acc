package runner

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nstogner/datachat/pkg/dataset"
	"github.com/nstogner/datachat/pkg/session"
	"golang.org/x/sync/singleflight"
)

// InitFunc builds resources for a dataset.
type InitFunc func(ctx context.Context, st *session.State, d *dataset.Dataset) (*Resources, error)

// Cache memoizes resources per session, keyed by dataset identity.
type Cache struct {
	init  InitFunc
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*Resources
}

// NewCache creates a cache backed by init.
func NewCache(init InitFunc) *Cache {
	return &Cache{init: init, entries: make(map[string]*Resources)}
}

// Get returns the session's resources for d, building them if the session
// has none or they were built for another dataset. Superseded resources are
// closed. Concurrent calls for the same session and dataset share one build.
func (c *Cache) Get(ctx context.Context, st *session.State, d *dataset.Dataset) (*Resources, error) {
	if res := c.lookup(st.ID(), d.ID()); res != nil {
		return res, nil
	}

	v, err, _ := c.group.Do(st.ID()+"/"+d.ID(), func() (any, error) {
		if res := c.lookup(st.ID(), d.ID()); res != nil {
			return res, nil
		}
		res, err := c.init(ctx, st, d)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		old := c.entries[st.ID()]
		c.entries[st.ID()] = res
		c.mu.Unlock()

		if old != nil {
			slog.Info("Dataset changed, closing previous resources", "sessionID", st.ID(), "datasetID", old.DatasetID)
			if err := old.Close(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Failed to close previous resources", "sessionID", st.ID(), "error", err)
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resources), nil
}

// Current returns the session's resources, if any.
func (c *Cache) Current(sessionID string) (*Resources, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[sessionID]
	return res, ok
}

// Invalidate removes the session's entry and closes it. It is a no-op if the
// session has no resources.
func (c *Cache) Invalidate(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	res, ok := c.entries[sessionID]
	delete(c.entries, sessionID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return res.Close(ctx)
}

func (c *Cache) lookup(sessionID, datasetID string) *Resources {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.entries[sessionID]; ok && res.DatasetID == datasetID {
		return res
	}
	return nil
}
