package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vlsync/internal/store"
)

// errInvalidCounts marks a count update that would violate the entitlement
// count invariants. The update is never persisted; the caller falls back to
// a full single-asset resync.
var errInvalidCounts = errors.New("invalid entitlement counts")

// CountDelta is a signed adjustment of the entitlement counters, validated
// as a unit against the count invariants.
type CountDelta struct {
	Assigned  int
	Available int
	Retired   int
	Total     int
}

// IsZero reports whether the delta changes nothing.
func (d CountDelta) IsZero() bool {
	return d == CountDelta{}
}

// CountNotification is a webhook count-update payload.
type CountNotification struct {
	LocationID     string `validate:"required"`
	CatalogID      string `validate:"required"`
	PricingParam   string `validate:"required"`
	Delta          CountDelta
	NotificationID string
}

// UpdateAssetCounts applies a count delta to an entitlement. An unknown
// asset or a delta violating the count invariants abandons the update and
// falls back to re-fetching the asset from the remote API.
func (e *Engine) UpdateAssetCounts(ctx context.Context, n CountNotification) error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("invalid count notification: %w", err)
	}
	key := store.AssetKey{CatalogID: n.CatalogID, PricingParam: n.PricingParam}
	e.logger.DebugContext(ctx, "update entitlement counts",
		"location_id", n.LocationID, "asset", key.String())

	token, client, err := e.clients.Get(ctx, n.LocationID)
	if err != nil {
		return err
	}

	fallback := false
	var events []Event
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		sta, err := tx.ServerTokenAssetForUpdate(ctx, token.InfoID, key)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.InfoContext(ctx, "unknown entitlement, sync required", "asset", key.String())
			fallback = true
			return nil
		}
		if err != nil {
			return err
		}
		event, err := e.applyCountDelta(ctx, tx, token, sta, n.Delta, n.NotificationID, "")
		if err != nil {
			return err
		}
		if event != nil {
			events = append(events, *event)
		}
		return nil
	})
	if errors.Is(err, errInvalidCounts) {
		e.logger.InfoContext(ctx, "invalid counts, sync required",
			"asset", key.String(), "error", err)
		fallback = true
	} else if err != nil {
		return err
	}

	if fallback {
		e.metrics.recordFallbackResync(ctx, "count_update")
		return e.resyncAsset(ctx, token, client, key, n.NotificationID)
	}
	e.postEvents(ctx, events)
	return nil
}

// applyCountDelta mutates the locked entitlement row by the delta. A zero
// delta emits nothing; a delta violating the count invariants returns
// errInvalidCounts and must roll the transaction back.
func (e *Engine) applyCountDelta(ctx context.Context, tx store.Tx, token *store.ServerToken, sta *store.ServerTokenAsset, delta CountDelta, notificationID, eventID string) (*Event, error) {
	if delta.IsZero() {
		return nil, nil
	}
	// validate on a copy: the locked row must stay untouched when the
	// delta is rejected
	next := *sta
	next.AssignedCount += delta.Assigned
	next.AvailableCount += delta.Available
	next.RetiredCount += delta.Retired
	next.TotalCount += delta.Total
	if countErrors := next.CountErrors(); countErrors != nil {
		return nil, fmt.Errorf("%w: %s", errInvalidCounts, strings.Join(countErrors, ", "))
	}
	*sta = next
	if err := tx.UpdateServerTokenAsset(ctx, sta); err != nil {
		return nil, err
	}
	event := e.baseEvent(EventLocationAssetUpdated, token, sta.Key, notificationID)
	event.EventID = eventID
	event.LocationAsset = sta
	event.Incident = availabilityIncident(sta)
	return &event, nil
}
