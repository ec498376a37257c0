package vpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vlsync/internal/config"
	apierrors "vlsync/internal/errors"
	"vlsync/internal/store"
)

// invalidTokenCode is the embedded application error code reported when the
// bearer credential expired or was rotated. It triggers exactly one
// transparent refresh-and-retry.
const invalidTokenCode = 9622

// notificationTypes are the webhook notification categories the reconciler
// consumes.
var notificationTypes = []string{"ASSET_MANAGEMENT", "ASSET_COUNT"}

// TokenSource reloads a location credential, used to refresh the bearer
// token after an invalid-token error.
type TokenSource interface {
	ServerToken(ctx context.Context, infoID string) (*store.ServerToken, error)
}

// Client is the HTTP client for one location of the licensing service.
// It is safe for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	retries      int
	limiter      *rate.Limiter
	source       TokenSource
	logger       *slog.Logger
	infoID       string
	locationName string
	platform     string
	metrics      *Metrics

	mu    sync.RWMutex
	token string

	serviceConfigMu sync.Mutex
	serviceConfig   *ServiceConfig
}

// NewClient builds a client from a location credential record. The source
// is consulted to reload the credential on an invalid-token error; a nil
// source disables the refresh-and-retry path.
func NewClient(token *store.ServerToken, source TokenSource, cfg config.APIConfig, logger *slog.Logger) *Client {
	platform := token.Platform
	if platform == "" {
		platform = "enterprisestore"
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		retries:      cfg.Retries,
		limiter:      limiter,
		source:       source,
		logger:       logger.With("location", token.LocationName),
		infoID:       token.InfoID,
		locationName: token.LocationName,
		platform:     platform,
		token:        token.Token,
	}
}

// SetMetrics sets the OpenTelemetry metrics for the client.
func (c *Client) SetMetrics(metrics *Metrics) {
	c.metrics = metrics
}

func (c *Client) bearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// refreshToken reloads the credential record and swaps the bearer token.
func (c *Client) refreshToken(ctx context.Context) error {
	if c.source == nil {
		return &apierrors.APIError{Code: invalidTokenCode, Message: "invalid token"}
	}
	c.logger.DebugContext(ctx, "refresh session token")
	c.metrics.recordTokenRefresh(ctx)
	token, err := c.source.ServerToken(ctx, c.infoID)
	if err != nil {
		return fmt.Errorf("failed to reload server token: %w", err)
	}
	c.mu.Lock()
	c.token = token.Token
	c.mu.Unlock()
	return nil
}

type requestOptions struct {
	refreshToken bool
	verifyIdent  bool
}

// do performs one API call. GET when body is nil, POST otherwise. The
// response is checked for an embedded application error and, when
// requested, for a server identity mismatch, before being decoded into out.
func (c *Client) do(ctx context.Context, path string, query url.Values, body, out any, opts requestOptions) error {
	raw, err := c.doHTTP(ctx, path, query, body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if env.ErrorNumber != 0 {
		if env.ErrorNumber == invalidTokenCode && opts.refreshToken {
			if err := c.refreshToken(ctx); err != nil {
				return err
			}
			opts.refreshToken = false
			return c.do(ctx, path, query, body, out, opts)
		}
		c.logger.ErrorContext(ctx, "api error",
			"code", env.ErrorNumber, "message", env.ErrorMessage)
		return &apierrors.APIError{Code: env.ErrorNumber, Message: env.ErrorMessage}
	}
	if opts.verifyIdent && env.MDMInfo.ID != c.infoID {
		c.logger.ErrorContext(ctx, "server identity mismatch",
			"expected", c.infoID, "actual", env.MDMInfo.ID)
		return &apierrors.ConflictError{
			Location: c.locationName,
			Expected: c.infoID,
			Actual:   env.MDMInfo.ID,
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// doHTTP issues the request, retrying transient server errors with
// exponential backoff up to the configured retry count.
func (c *Client) doHTTP(ctx context.Context, path string, query url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		c.metrics.recordRequest(ctx, path)
		raw, retryable, err := c.attempt(ctx, path, query, payload)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.metrics.recordRetry(ctx, path)
		c.logger.WarnContext(ctx, "transient api failure, retrying",
			"path", path, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", c.retries, lastErr)
}

func (c *Client) attempt(ctx context.Context, path string, query url.Values, payload []byte) (raw []byte, retryable bool, err error) {
	method := http.MethodGet
	var reqBody io.Reader
	if payload != nil {
		method = http.MethodPost
		reqBody = bytes.NewReader(payload)
	}
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, true, fmt.Errorf("server error %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	raw, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	return raw, false, nil
}

// GetAsset fetches a single asset with its entitlement counts.
func (c *Client) GetAsset(ctx context.Context, key store.AssetKey) (*AssetData, error) {
	query := url.Values{
		"adamId":       {key.CatalogID},
		"pricingParam": {key.PricingParam},
	}
	var page assetPage
	if err := c.do(ctx, "assets", query, nil, &page, requestOptions{refreshToken: true}); err != nil {
		return nil, err
	}
	if len(page.Assets) == 0 {
		return nil, apierrors.NotFound("asset", key.String())
	}
	return &page.Assets[0], nil
}

// ForEachAsset iterates over all assets of the location, fetching pages
// sequentially. A versionId change across pages means the remote collection
// mutated mid-iteration and surfaces ErrStaleFetch; nothing fetched so far
// may be used.
func (c *Client) ForEachAsset(ctx context.Context, fn func(*AssetData) error) error {
	var versionID string
	firstPage := true
	for page := 0; ; {
		c.logger.DebugContext(ctx, "fetch asset page", "page", page)
		query := url.Values{"pageIndex": {strconv.Itoa(page)}}
		var resp assetPage
		if err := c.do(ctx, "assets", query, nil, &resp, requestOptions{refreshToken: true}); err != nil {
			return err
		}
		if firstPage {
			versionID = resp.VersionID
			firstPage = false
		} else if versionID != resp.VersionID {
			c.logger.ErrorContext(ctx, "assets changed during pagination")
			return apierrors.ErrStaleFetch
		}
		for i := range resp.Assets {
			if err := fn(&resp.Assets[i]); err != nil {
				return err
			}
		}
		if resp.NextPageIndex == nil {
			c.logger.DebugContext(ctx, "last asset page", "page", page)
			return nil
		}
		if *resp.NextPageIndex != page+1 {
			return fmt.Errorf("non-sequential page index: got %d after %d", *resp.NextPageIndex, page)
		}
		page = *resp.NextPageIndex
	}
}

// AssetAssignments returns the serial numbers currently assigned to the
// asset, filtered by pricing param. Assignments without a serial number are
// user-level assignments and are skipped with a log.
func (c *Client) AssetAssignments(ctx context.Context, key store.AssetKey) (map[string]struct{}, error) {
	serials := make(map[string]struct{})
	var versionID string
	firstPage := true
	for page := 0; ; {
		c.logger.DebugContext(ctx, "fetch assignment page", "page", page)
		query := url.Values{
			"adamId":    {key.CatalogID},
			"pageIndex": {strconv.Itoa(page)},
		}
		var resp assignmentPage
		if err := c.do(ctx, "assignments", query, nil, &resp, requestOptions{refreshToken: true}); err != nil {
			return nil, err
		}
		if firstPage {
			versionID = resp.VersionID
			firstPage = false
		} else if versionID != resp.VersionID {
			c.logger.ErrorContext(ctx, "assignments changed during pagination")
			return nil, apierrors.ErrStaleFetch
		}
		for _, assignment := range resp.Assignments {
			if assignment.PricingParam != key.PricingParam {
				continue
			}
			if assignment.SerialNumber == "" {
				c.logger.ErrorContext(ctx, "asset with user assignments", "asset", key.String())
				continue
			}
			serials[assignment.SerialNumber] = struct{}{}
		}
		if resp.NextPageIndex == nil {
			c.logger.DebugContext(ctx, "last assignment page", "page", page)
			return serials, nil
		}
		if *resp.NextPageIndex != page+1 {
			return nil, fmt.Errorf("non-sequential page index: got %d after %d", *resp.NextPageIndex, page)
		}
		page = *resp.NextPageIndex
	}
}

// AssociateDevice requests the assignment of an asset to a device. The
// returned event id identifies the webhook notification that will confirm
// the assignment.
func (c *Client) AssociateDevice(ctx context.Context, serialNumber string, key store.AssetKey) (string, error) {
	return c.postAssetManagement(ctx, "assets/associate", serialNumber, key)
}

// DisassociateDevice requests the removal of an asset assignment.
func (c *Client) DisassociateDevice(ctx context.Context, serialNumber string, key store.AssetKey) (string, error) {
	return c.postAssetManagement(ctx, "assets/disassociate", serialNumber, key)
}

func (c *Client) postAssetManagement(ctx context.Context, path, serialNumber string, key store.AssetKey) (string, error) {
	body := assetManagementRequest{
		Assets: []assetIdentifier{{
			CatalogID:    key.CatalogID,
			PricingParam: key.PricingParam,
		}},
		SerialNumbers: []string{serialNumber},
	}
	var resp eventResponse
	if err := c.do(ctx, path, nil, body, &resp, requestOptions{refreshToken: true}); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// GetServiceConfig returns the service configuration document, fetched once
// and cached for the lifetime of the client.
func (c *Client) GetServiceConfig(ctx context.Context) (*ServiceConfig, error) {
	c.serviceConfigMu.Lock()
	defer c.serviceConfigMu.Unlock()
	if c.serviceConfig != nil {
		return c.serviceConfig, nil
	}
	var cfg ServiceConfig
	if err := c.do(ctx, "service/config", nil, nil, &cfg, requestOptions{refreshToken: true}); err != nil {
		return nil, err
	}
	c.serviceConfig = &cfg
	return c.serviceConfig, nil
}

// GetAssetMetadata looks up the display metadata of an asset through the
// content metadata lookup service. Failures degrade silently: the asset
// keeps its prior metadata and the sync continues.
func (c *Client) GetAssetMetadata(ctx context.Context, catalogID string) map[string]any {
	serviceConfig, err := c.GetServiceConfig(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "could not get service config", "error", err)
		return nil
	}
	lookupURL := serviceConfig.URLs.ContentMetadataLookup
	if lookupURL == "" {
		c.logger.ErrorContext(ctx, "missing or empty contentMetadataLookup")
		return nil
	}

	query := url.Values{
		"version":  {"2"},
		"p":        {"mdm-lockup"},
		"caller":   {"MDM"},
		"platform": {c.platform},
		"cc":       {"us"},
		"l":        {"en"},
		"id":       {catalogID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL+"?"+query.Encode(), nil)
	if err != nil {
		c.logger.ErrorContext(ctx, "could not get asset metadata", "catalog_id", catalogID, "error", err)
		return nil
	}
	req.AddCookie(&http.Cookie{Name: "itvt", Value: c.bearerToken()})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "could not get asset metadata", "catalog_id", catalogID, "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.ErrorContext(ctx, "could not get asset metadata",
			"catalog_id", catalogID, "status", resp.StatusCode)
		return nil
	}

	var doc struct {
		Results map[string]map[string]any `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		c.logger.ErrorContext(ctx, "could not decode asset metadata", "catalog_id", catalogID, "error", err)
		return nil
	}
	return doc.Results[catalogID]
}

// GetClientConfig returns the notification registration state of the
// location, verifying the reported server identity.
func (c *Client) GetClientConfig(ctx context.Context) (*ClientConfig, error) {
	var cfg ClientConfig
	err := c.do(ctx, "client/config", nil, nil, &cfg, requestOptions{refreshToken: true, verifyIdent: true})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateClientConfig registers the webhook endpoint and the notification
// types with the licensing service.
func (c *Client) UpdateClientConfig(ctx context.Context, reg NotificationRegistration) error {
	body := clientConfigUpdateRequest{
		MDMInfo: mdmInfoPayload{
			ID:       c.infoID,
			Metadata: reg.ServerMetadata,
			Name:     reg.ServerName,
		},
		NotificationTypes:     notificationTypes,
		NotificationURL:       reg.URL,
		NotificationAuthToken: reg.AuthToken,
	}
	return c.do(ctx, "client/config", nil, body, nil, requestOptions{refreshToken: true})
}
