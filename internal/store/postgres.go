package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS server_tokens (
	info_id        TEXT PRIMARY KEY,
	location_name  TEXT NOT NULL,
	platform       TEXT NOT NULL,
	token          TEXT NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS assets (
	catalog_id          TEXT NOT NULL,
	pricing_param       TEXT NOT NULL,
	product_type        TEXT NOT NULL DEFAULT '',
	device_assignable   BOOLEAN NOT NULL DEFAULT FALSE,
	revocable           BOOLEAN NOT NULL DEFAULT FALSE,
	supported_platforms TEXT[] NOT NULL DEFAULT '{}',
	name                TEXT NOT NULL DEFAULT '',
	bundle_id           TEXT NOT NULL DEFAULT '',
	metadata            JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (catalog_id, pricing_param)
);

CREATE TABLE IF NOT EXISTS server_token_assets (
	location_id     TEXT NOT NULL REFERENCES server_tokens (info_id),
	catalog_id      TEXT NOT NULL,
	pricing_param   TEXT NOT NULL,
	assigned_count  INTEGER NOT NULL DEFAULT 0,
	available_count INTEGER NOT NULL DEFAULT 0,
	retired_count   INTEGER NOT NULL DEFAULT 0,
	total_count     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (location_id, catalog_id, pricing_param),
	FOREIGN KEY (catalog_id, pricing_param) REFERENCES assets (catalog_id, pricing_param)
);

CREATE TABLE IF NOT EXISTS device_assignments (
	location_id   TEXT NOT NULL,
	catalog_id    TEXT NOT NULL,
	pricing_param TEXT NOT NULL,
	serial_number TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (location_id, catalog_id, pricing_param, serial_number)
);

CREATE TABLE IF NOT EXISTS device_asset_associations (
	serial_number     TEXT NOT NULL,
	location_id       TEXT NOT NULL,
	catalog_id        TEXT NOT NULL,
	pricing_param     TEXT NOT NULL,
	attempts          INTEGER NOT NULL DEFAULT 0,
	last_attempted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (serial_number, location_id, catalog_id, pricing_param)
);

CREATE TABLE IF NOT EXISTS software_updates (
	id              BIGSERIAL PRIMARY KEY,
	platform        TEXT NOT NULL,
	public          BOOLEAN NOT NULL,
	major           INTEGER NOT NULL,
	minor           INTEGER NOT NULL,
	patch           INTEGER NOT NULL,
	posting_date    DATE NOT NULL,
	expiration_date DATE,
	UNIQUE (platform, public, major, minor, patch)
);

CREATE TABLE IF NOT EXISTS software_update_device_ids (
	software_update_id BIGINT NOT NULL REFERENCES software_updates (id) ON DELETE CASCADE,
	device_id          TEXT NOT NULL,
	PRIMARY KEY (software_update_id, device_id)
);
`

// PGStore is the PostgreSQL Store implementation on pgx/v5. Row locking
// uses SELECT ... FOR UPDATE inside the wrapping transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to PostgreSQL and ensures the schema exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// ServerToken returns the credential record of a location.
func (s *PGStore) ServerToken(ctx context.Context, infoID string) (*ServerToken, error) {
	var token ServerToken
	err := s.pool.QueryRow(ctx, `
		SELECT info_id, location_name, platform, token, updated_at
		FROM server_tokens WHERE info_id = $1`, infoID,
	).Scan(&token.InfoID, &token.LocationName, &token.Platform, &token.Token, &token.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("server token %s: %w", infoID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// ServerTokens returns the credential records of every location.
func (s *PGStore) ServerTokens(ctx context.Context) ([]*ServerToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT info_id, location_name, platform, token, updated_at
		FROM server_tokens ORDER BY info_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tokens []*ServerToken
	for rows.Next() {
		var token ServerToken
		if err := rows.Scan(&token.InfoID, &token.LocationName, &token.Platform,
			&token.Token, &token.UpdatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, &token)
	}
	return tokens, rows.Err()
}

// SetServerToken creates or replaces a location credential record.
func (s *PGStore) SetServerToken(ctx context.Context, token *ServerToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO server_tokens (info_id, location_name, platform, token, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (info_id) DO UPDATE SET
			location_name = excluded.location_name,
			platform = excluded.platform,
			token = excluded.token,
			updated_at = now()`,
		token.InfoID, token.LocationName, token.Platform, token.Token)
	return err
}

// WithTx runs fn inside one database transaction.
func (s *PGStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) AssetForUpdate(ctx context.Context, key AssetKey) (*Asset, error) {
	var (
		asset    Asset
		metadata []byte
	)
	err := t.tx.QueryRow(ctx, `
		SELECT catalog_id, pricing_param, product_type, device_assignable, revocable,
		       supported_platforms, name, bundle_id, metadata, created_at, updated_at
		FROM assets WHERE catalog_id = $1 AND pricing_param = $2
		FOR UPDATE`, key.CatalogID, key.PricingParam,
	).Scan(&asset.Key.CatalogID, &asset.Key.PricingParam, &asset.ProductType,
		&asset.DeviceAssignable, &asset.Revocable, &asset.SupportedPlatforms,
		&asset.Name, &asset.BundleID, &metadata, &asset.CreatedAt, &asset.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &asset.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode asset metadata: %w", err)
		}
	}
	return &asset, nil
}

func assetMetadataJSON(asset *Asset) ([]byte, error) {
	if asset.Metadata == nil {
		return nil, nil
	}
	return json.Marshal(asset.Metadata)
}

func (t *pgTx) CreateAsset(ctx context.Context, asset *Asset) error {
	metadata, err := assetMetadataJSON(asset)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	asset.CreatedAt = now
	asset.UpdatedAt = now
	_, err = t.tx.Exec(ctx, `
		INSERT INTO assets (catalog_id, pricing_param, product_type, device_assignable,
		                    revocable, supported_platforms, name, bundle_id, metadata,
		                    created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		asset.Key.CatalogID, asset.Key.PricingParam, asset.ProductType,
		asset.DeviceAssignable, asset.Revocable, asset.SupportedPlatforms,
		asset.Name, asset.BundleID, metadata, asset.CreatedAt, asset.UpdatedAt)
	return err
}

func (t *pgTx) UpdateAsset(ctx context.Context, asset *Asset) error {
	metadata, err := assetMetadataJSON(asset)
	if err != nil {
		return err
	}
	asset.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE assets SET product_type = $3, device_assignable = $4, revocable = $5,
		       supported_platforms = $6, name = $7, bundle_id = $8, metadata = $9,
		       updated_at = $10
		WHERE catalog_id = $1 AND pricing_param = $2`,
		asset.Key.CatalogID, asset.Key.PricingParam, asset.ProductType,
		asset.DeviceAssignable, asset.Revocable, asset.SupportedPlatforms,
		asset.Name, asset.BundleID, metadata, asset.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", asset.Key, ErrNotFound)
	}
	return nil
}

func (t *pgTx) ServerTokenAssetForUpdate(ctx context.Context, locationID string, key AssetKey) (*ServerTokenAsset, error) {
	var sta ServerTokenAsset
	err := t.tx.QueryRow(ctx, `
		SELECT location_id, catalog_id, pricing_param, assigned_count, available_count,
		       retired_count, total_count
		FROM server_token_assets
		WHERE location_id = $1 AND catalog_id = $2 AND pricing_param = $3
		FOR UPDATE`, locationID, key.CatalogID, key.PricingParam,
	).Scan(&sta.LocationID, &sta.Key.CatalogID, &sta.Key.PricingParam,
		&sta.AssignedCount, &sta.AvailableCount, &sta.RetiredCount, &sta.TotalCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entitlement %s/%s: %w", locationID, key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sta, nil
}

func (t *pgTx) CreateServerTokenAsset(ctx context.Context, sta *ServerTokenAsset) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO server_token_assets (location_id, catalog_id, pricing_param,
		       assigned_count, available_count, retired_count, total_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sta.LocationID, sta.Key.CatalogID, sta.Key.PricingParam,
		sta.AssignedCount, sta.AvailableCount, sta.RetiredCount, sta.TotalCount)
	return err
}

func (t *pgTx) UpdateServerTokenAsset(ctx context.Context, sta *ServerTokenAsset) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE server_token_assets
		SET assigned_count = $4, available_count = $5, retired_count = $6, total_count = $7
		WHERE location_id = $1 AND catalog_id = $2 AND pricing_param = $3`,
		sta.LocationID, sta.Key.CatalogID, sta.Key.PricingParam,
		sta.AssignedCount, sta.AvailableCount, sta.RetiredCount, sta.TotalCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entitlement %s/%s: %w", sta.LocationID, sta.Key, ErrNotFound)
	}
	return nil
}

func (t *pgTx) AssignmentSerials(ctx context.Context, locationID string, key AssetKey) (map[string]struct{}, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT serial_number FROM device_assignments
		WHERE location_id = $1 AND catalog_id = $2 AND pricing_param = $3`,
		locationID, key.CatalogID, key.PricingParam)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	serials := make(map[string]struct{})
	for rows.Next() {
		var serialNumber string
		if err := rows.Scan(&serialNumber); err != nil {
			return nil, err
		}
		serials[serialNumber] = struct{}{}
	}
	return serials, rows.Err()
}

func (t *pgTx) HasAssignment(ctx context.Context, locationID string, key AssetKey, serialNumber string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM device_assignments
			WHERE location_id = $1 AND catalog_id = $2 AND pricing_param = $3 AND serial_number = $4
		)`, locationID, key.CatalogID, key.PricingParam, serialNumber).Scan(&exists)
	return exists, err
}

func (t *pgTx) CreateAssignments(ctx context.Context, locationID string, key AssetKey, serialNumbers []string, batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("invalid batch size %d", batchSize)
	}
	for start := 0; start < len(serialNumbers); start += batchSize {
		end := min(start+batchSize, len(serialNumbers))
		batch := serialNumbers[start:end]
		rows := make([][]any, 0, len(batch))
		for _, serialNumber := range batch {
			rows = append(rows, []any{locationID, key.CatalogID, key.PricingParam, serialNumber})
		}
		_, err := t.tx.CopyFrom(ctx,
			pgx.Identifier{"device_assignments"},
			[]string{"location_id", "catalog_id", "pricing_param", "serial_number"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to bulk insert assignments: %w", err)
		}
	}
	return nil
}

func (t *pgTx) DeleteAssignments(ctx context.Context, locationID string, key AssetKey, serialNumbers []string) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM device_assignments
		WHERE location_id = $1 AND catalog_id = $2 AND pricing_param = $3
		  AND serial_number = ANY($4)`,
		locationID, key.CatalogID, key.PricingParam, serialNumbers)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) AssociationForUpdate(ctx context.Context, serialNumber, locationID string, key AssetKey) (*Association, error) {
	var assoc Association
	err := t.tx.QueryRow(ctx, `
		SELECT serial_number, location_id, catalog_id, pricing_param, attempts,
		       last_attempted_at, created_at
		FROM device_asset_associations
		WHERE serial_number = $1 AND location_id = $2 AND catalog_id = $3 AND pricing_param = $4
		FOR UPDATE`, serialNumber, locationID, key.CatalogID, key.PricingParam,
	).Scan(&assoc.SerialNumber, &assoc.LocationID, &assoc.Key.CatalogID,
		&assoc.Key.PricingParam, &assoc.Attempts, &assoc.LastAttemptedAt, &assoc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("association %s/%s/%s: %w", serialNumber, locationID, key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &assoc, nil
}

func (t *pgTx) CreateAssociation(ctx context.Context, assoc *Association) error {
	assoc.CreatedAt = time.Now().UTC()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO device_asset_associations (serial_number, location_id, catalog_id,
		       pricing_param, attempts, last_attempted_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		assoc.SerialNumber, assoc.LocationID, assoc.Key.CatalogID, assoc.Key.PricingParam,
		assoc.Attempts, assoc.LastAttemptedAt, assoc.CreatedAt)
	return err
}

func (t *pgTx) UpdateAssociation(ctx context.Context, assoc *Association) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE device_asset_associations
		SET attempts = $5, last_attempted_at = $6
		WHERE serial_number = $1 AND location_id = $2 AND catalog_id = $3 AND pricing_param = $4`,
		assoc.SerialNumber, assoc.LocationID, assoc.Key.CatalogID, assoc.Key.PricingParam,
		assoc.Attempts, assoc.LastAttemptedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("association %s/%s/%s: %w", assoc.SerialNumber, assoc.LocationID, assoc.Key, ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeleteAssociation(ctx context.Context, serialNumber, locationID string, key AssetKey) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM device_asset_associations
		WHERE serial_number = $1 AND location_id = $2 AND catalog_id = $3 AND pricing_param = $4`,
		serialNumber, locationID, key.CatalogID, key.PricingParam)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) UpsertSoftwareUpdate(ctx context.Context, update *SoftwareUpdate) (int64, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO software_updates (platform, public, major, minor, patch,
		       posting_date, expiration_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (platform, public, major, minor, patch) DO UPDATE SET
			posting_date = excluded.posting_date,
			expiration_date = excluded.expiration_date
		RETURNING id`,
		update.Key.Platform, update.Key.Public, update.Key.Version.Major,
		update.Key.Version.Minor, update.Key.Version.Patch,
		update.PostingDate, update.ExpirationDate).Scan(&update.ID)
	if err != nil {
		return 0, err
	}

	// reconcile the device-id set
	if _, err := t.tx.Exec(ctx, `
		DELETE FROM software_update_device_ids
		WHERE software_update_id = $1 AND NOT (device_id = ANY($2))`,
		update.ID, update.DeviceIDs); err != nil {
		return 0, err
	}
	for _, deviceID := range update.DeviceIDs {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO software_update_device_ids (software_update_id, device_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, update.ID, deviceID); err != nil {
			return 0, err
		}
	}
	return update.ID, nil
}

func (t *pgTx) DeleteSoftwareUpdatesExcept(ctx context.Context, seen []int64) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM software_updates WHERE NOT (id = ANY($1))`, seen)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) SoftwareUpdates(ctx context.Context) ([]*SoftwareUpdate, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT su.id, su.platform, su.public, su.major, su.minor, su.patch,
		       su.posting_date, su.expiration_date,
		       COALESCE(array_agg(sudi.device_id) FILTER (WHERE sudi.device_id IS NOT NULL), '{}')
		FROM software_updates su
		LEFT JOIN software_update_device_ids sudi ON sudi.software_update_id = su.id
		GROUP BY su.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []*SoftwareUpdate
	for rows.Next() {
		var update SoftwareUpdate
		if err := rows.Scan(&update.ID, &update.Key.Platform, &update.Key.Public,
			&update.Key.Version.Major, &update.Key.Version.Minor, &update.Key.Version.Patch,
			&update.PostingDate, &update.ExpirationDate, &update.DeviceIDs); err != nil {
			return nil, err
		}
		updates = append(updates, &update)
	}
	return updates, rows.Err()
}

func (t *pgTx) CandidateSoftwareUpdates(ctx context.Context, deviceID string, date time.Time) ([]*SoftwareUpdate, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT su.id, su.platform, su.public, su.major, su.minor, su.patch,
		       su.posting_date, su.expiration_date
		FROM software_updates su
		JOIN software_update_device_ids sudi ON sudi.software_update_id = su.id
		WHERE su.public = FALSE
		  AND sudi.device_id = $1
		  AND su.posting_date <= $2
		  AND (su.expiration_date IS NULL OR su.expiration_date > $2)`,
		deviceID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*SoftwareUpdate
	for rows.Next() {
		var update SoftwareUpdate
		if err := rows.Scan(&update.ID, &update.Key.Platform, &update.Key.Public,
			&update.Key.Version.Major, &update.Key.Version.Minor, &update.Key.Version.Patch,
			&update.PostingDate, &update.ExpirationDate); err != nil {
			return nil, err
		}
		candidates = append(candidates, &update)
	}
	return candidates, rows.Err()
}
