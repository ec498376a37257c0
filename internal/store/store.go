// Package store defines the persistence port of the reconciliation core
// and provides an in-memory and a PostgreSQL implementation.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when the row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence port. All read-then-write reconciliation steps
// run inside WithTx with the target rows locked for update.
type Store interface {
	// ServerToken returns the credential record of a location.
	ServerToken(ctx context.Context, infoID string) (*ServerToken, error)

	// ServerTokens returns the credential records of every location.
	ServerTokens(ctx context.Context) ([]*ServerToken, error)

	// WithTx runs fn inside one transaction. A non-nil error from fn
	// rolls the whole transaction back; partial writes are never visible.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// Tx exposes the row operations available inside a transaction. The
// *ForUpdate lookups lock the returned row until the transaction ends.
type Tx interface {
	// Assets
	AssetForUpdate(ctx context.Context, key AssetKey) (*Asset, error)
	CreateAsset(ctx context.Context, asset *Asset) error
	UpdateAsset(ctx context.Context, asset *Asset) error

	// Entitlements
	ServerTokenAssetForUpdate(ctx context.Context, locationID string, key AssetKey) (*ServerTokenAsset, error)
	CreateServerTokenAsset(ctx context.Context, sta *ServerTokenAsset) error
	UpdateServerTokenAsset(ctx context.Context, sta *ServerTokenAsset) error

	// Device assignments
	AssignmentSerials(ctx context.Context, locationID string, key AssetKey) (map[string]struct{}, error)
	HasAssignment(ctx context.Context, locationID string, key AssetKey, serialNumber string) (bool, error)
	// CreateAssignments inserts the given serial numbers in batches of at
	// most batchSize rows.
	CreateAssignments(ctx context.Context, locationID string, key AssetKey, serialNumbers []string, batchSize int) error
	DeleteAssignments(ctx context.Context, locationID string, key AssetKey, serialNumbers []string) (int, error)

	// Pending associations
	AssociationForUpdate(ctx context.Context, serialNumber, locationID string, key AssetKey) (*Association, error)
	CreateAssociation(ctx context.Context, assoc *Association) error
	UpdateAssociation(ctx context.Context, assoc *Association) error
	DeleteAssociation(ctx context.Context, serialNumber, locationID string, key AssetKey) (bool, error)

	// Software update catalog
	// UpsertSoftwareUpdate stores the update and reconciles its device-id
	// set to exactly update.DeviceIDs. It returns the row id.
	UpsertSoftwareUpdate(ctx context.Context, update *SoftwareUpdate) (int64, error)
	// DeleteSoftwareUpdatesExcept deletes every stored update whose id is
	// not in seen and returns the number of deleted rows.
	DeleteSoftwareUpdatesExcept(ctx context.Context, seen []int64) (int, error)
	// SoftwareUpdates returns all stored updates.
	SoftwareUpdates(ctx context.Context) ([]*SoftwareUpdate, error)
	// CandidateSoftwareUpdates returns the non-public updates available at
	// date that apply to the given device model.
	CandidateSoftwareUpdates(ctx context.Context, deviceID string, date time.Time) ([]*SoftwareUpdate, error)
}
