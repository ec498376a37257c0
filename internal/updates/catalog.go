// Package updates syncs the external OS update catalog into the store and
// matches enrolled devices against it for update eligibility.
package updates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Masterminds/semver"

	"vlsync/internal/config"
	"vlsync/internal/store"
)

// ProductInfo is one catalog entry of a platform release track.
type ProductInfo struct {
	ProductVersion   string   `json:"ProductVersion"`
	PostingDate      string   `json:"PostingDate"`
	ExpirationDate   string   `json:"ExpirationDate"`
	SupportedDevices []string `json:"SupportedDevices"`
}

// Catalog is the remote update catalog document: the public and non-public
// release tracks, each keyed by platform.
type Catalog struct {
	PublicAssetSets map[string][]ProductInfo `json:"PublicAssetSets"`
	AssetSets       map[string][]ProductInfo `json:"AssetSets"`
}

// Fetcher retrieves the update catalog.
type Fetcher interface {
	Fetch(ctx context.Context) (*Catalog, error)
}

// HTTPFetcher fetches the catalog from the configured URL.
type HTTPFetcher struct {
	url        string
	httpClient *http.Client
}

// NewHTTPFetcher builds the production catalog fetcher.
func NewHTTPFetcher(cfg config.UpdatesConfig) *HTTPFetcher {
	return &HTTPFetcher{
		url:        cfg.CatalogURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context) (*Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch update catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update catalog fetch: unexpected status %d", resp.StatusCode)
	}
	var catalog Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("failed to decode update catalog: %w", err)
	}
	return &catalog, nil
}

// Syncer replaces the stored update catalog with the fetched one, all
// inside one transaction.
type Syncer struct {
	store   store.Store
	fetcher Fetcher
	logger  *slog.Logger
	metrics *Metrics
}

// NewSyncer builds a catalog syncer.
func NewSyncer(s store.Store, fetcher Fetcher, logger *slog.Logger) *Syncer {
	return &Syncer{store: s, fetcher: fetcher, logger: logger}
}

// SetMetrics sets the OpenTelemetry metrics for the syncer.
func (s *Syncer) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// Sync fetches the catalog and makes the stored updates exactly equal it:
// every entry is upserted with its device-id set reconciled, and every
// stored update not present in this run is deleted.
func (s *Syncer) Sync(ctx context.Context) error {
	catalog, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}
	updates, err := parseCatalog(catalog)
	if err != nil {
		return err
	}

	deleted := 0
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		seen := make([]int64, 0, len(updates))
		for _, update := range updates {
			id, err := tx.UpsertSoftwareUpdate(ctx, update)
			if err != nil {
				return fmt.Errorf("failed to upsert update %s %s: %w",
					update.Key.Platform, update.Key.Version, err)
			}
			seen = append(seen, id)
		}
		deleted, err = tx.DeleteSoftwareUpdatesExcept(ctx, seen)
		return err
	})
	if err != nil {
		return err
	}
	s.metrics.recordSync(ctx, len(updates))
	s.logger.InfoContext(ctx, "update catalog synced",
		"updates", len(updates), "deleted", deleted)
	return nil
}

// parseCatalog flattens the catalog document into update rows. Duplicate
// keys within one document collapse onto the same row, last entry wins.
func parseCatalog(catalog *Catalog) ([]*store.SoftwareUpdate, error) {
	var updates []*store.SoftwareUpdate
	for _, track := range []struct {
		products map[string][]ProductInfo
		public   bool
	}{
		{catalog.PublicAssetSets, true},
		{catalog.AssetSets, false},
	} {
		for platform, productInfos := range track.products {
			for _, productInfo := range productInfos {
				update, err := parseProductInfo(platform, track.public, productInfo)
				if err != nil {
					return nil, err
				}
				updates = append(updates, update)
			}
		}
	}
	return updates, nil
}

func parseProductInfo(platform string, public bool, productInfo ProductInfo) (*store.SoftwareUpdate, error) {
	version, err := parseVersion(productInfo.ProductVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid product version %q: %w", productInfo.ProductVersion, err)
	}
	postingDate, err := time.Parse("2006-01-02", productInfo.PostingDate)
	if err != nil {
		return nil, fmt.Errorf("invalid posting date %q: %w", productInfo.PostingDate, err)
	}
	update := &store.SoftwareUpdate{
		Key: store.SoftwareUpdateKey{
			Platform: platform,
			Public:   public,
			Version:  version,
		},
		PostingDate: postingDate,
		DeviceIDs:   productInfo.SupportedDevices,
	}
	if productInfo.ExpirationDate != "" {
		expirationDate, err := time.Parse("2006-01-02", productInfo.ExpirationDate)
		if err != nil {
			return nil, fmt.Errorf("invalid expiration date %q: %w", productInfo.ExpirationDate, err)
		}
		update.ExpirationDate = &expirationDate
	}
	return update, nil
}

// parseVersion parses a product version string into the comparable triple.
// A missing patch component defaults to 0.
func parseVersion(s string) (store.OSVersion, error) {
	version, err := semver.NewVersion(s)
	if err != nil {
		return store.OSVersion{}, err
	}
	return store.OSVersion{
		Major: int(version.Major()),
		Minor: int(version.Minor()),
		Patch: int(version.Patch()),
	}, nil
}
