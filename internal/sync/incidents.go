package sync

import (
	"context"

	"vlsync/internal/store"
)

// IncidentSeverity grades an entitlement availability incident.
type IncidentSeverity int

const (
	SeverityNone  IncidentSeverity = 0
	SeverityMinor IncidentSeverity = 100
	SeverityMajor IncidentSeverity = 200
)

// IncidentUpdate is a severity-tagged availability update for one
// entitlement. SeverityNone clears a previously opened incident.
type IncidentUpdate struct {
	LocationID string           `json:"location_id"`
	AssetKey   store.AssetKey   `json:"asset_key"`
	Severity   IncidentSeverity `json:"severity"`
}

// IncidentReporter receives availability incident updates derived from
// entitlement count changes.
type IncidentReporter interface {
	Report(ctx context.Context, update IncidentUpdate)
}

// availabilityIncident derives the incident update for an entitlement: no
// license available is a major incident, less than 10% of the total
// available is a minor one, anything else clears.
func availabilityIncident(sta *store.ServerTokenAsset) *IncidentUpdate {
	update := &IncidentUpdate{
		LocationID: sta.LocationID,
		AssetKey:   sta.Key,
		Severity:   SeverityNone,
	}
	switch {
	case sta.AvailableCount <= 0:
		update.Severity = SeverityMajor
	case sta.TotalCount > 0 && sta.AvailableCount*10 < sta.TotalCount:
		update.Severity = SeverityMinor
	}
	return update
}
