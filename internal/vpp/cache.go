package vpp

import (
	"context"
	"log/slog"
	"sync"

	"vlsync/internal/config"
	apierrors "vlsync/internal/errors"
	"vlsync/internal/store"
)

// LocationCache maps location info ids to their credential record and
// client, populated lazily from the store. Entries live for the process
// lifetime; a single lock serializes population, which is rare and cheap
// relative to lookup volume.
type LocationCache struct {
	store  store.Store
	cfg    config.APIConfig
	logger *slog.Logger

	mu      sync.Mutex
	metrics *Metrics
	entries map[string]*locationEntry
}

type locationEntry struct {
	token  *store.ServerToken
	client *Client
}

// NewLocationCache creates an empty cache backed by the store.
func NewLocationCache(s store.Store, cfg config.APIConfig, logger *slog.Logger) *LocationCache {
	return &LocationCache{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*locationEntry),
	}
}

// SetMetrics sets the OpenTelemetry metrics passed to clients the cache
// creates. Call before the first lookup.
func (c *LocationCache) SetMetrics(metrics *Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = metrics
}

// Get returns the credential record and client of a location, loading them
// from the store on first use.
func (c *LocationCache) Get(ctx context.Context, infoID string) (*store.ServerToken, *Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[infoID]; ok {
		return entry.token, entry.client, nil
	}
	token, err := c.store.ServerToken(ctx, infoID)
	if err != nil {
		return nil, nil, apierrors.NotFound("server token", infoID)
	}
	client := NewClient(token, c.store, c.cfg, c.logger)
	client.SetMetrics(c.metrics)
	entry := &locationEntry{token: token, client: client}
	c.entries[infoID] = entry
	return entry.token, entry.client, nil
}
