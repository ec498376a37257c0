// Package sync reconciles the authoritative state of the licensing service
// (assets, entitlement counts, device assignments) into the local store.
// Every state transition emits a domain event, strictly after the
// transaction that produced it commits, in entity dependency order: asset,
// then entitlement, then assignments.
package sync

import (
	"time"

	"github.com/google/uuid"

	"vlsync/internal/store"
)

// EventType identifies a domain event kind.
type EventType string

const (
	EventAssetCreated            EventType = "asset_created"
	EventAssetUpdated            EventType = "asset_updated"
	EventLocationAssetCreated    EventType = "location_asset_created"
	EventLocationAssetUpdated    EventType = "location_asset_updated"
	EventDeviceAssignmentCreated EventType = "device_assignment_created"
	EventDeviceAssignmentDeleted EventType = "device_assignment_deleted"
)

// Event is one domain event emitted by a reconciliation run. Events are
// posted to the sink only after the transaction that produced them commits.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	CreatedAt    time.Time `json:"created_at"`
	LocationID   string    `json:"location_id,omitempty"`
	LocationName string    `json:"location_name,omitempty"`
	AssetKey     store.AssetKey `json:"asset_key"`
	// SerialNumber is set on device assignment events.
	SerialNumber string `json:"serial_number,omitempty"`
	// EventID ties the event to the remote request that caused it.
	EventID string `json:"event_id,omitempty"`
	// NotificationID is the id of the webhook notification that triggered
	// the reconciliation, when there was one.
	NotificationID string `json:"notification_id,omitempty"`

	Asset         *store.Asset            `json:"asset,omitempty"`
	LocationAsset *store.ServerTokenAsset `json:"location_asset,omitempty"`
	// Incident carries the availability severity update derived from the
	// entitlement counts, on entitlement events only.
	Incident *IncidentUpdate `json:"incident,omitempty"`
}

func newEvent(eventType EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
	}
}

// Sink receives emitted events, fire and forget. Implementations must be
// safe for concurrent use.
type Sink interface {
	Post(Event)
}
