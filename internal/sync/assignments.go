package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vlsync/internal/store"
)

// AssignmentNotification is a webhook association or disassociation payload
// carrying the device serials to apply.
type AssignmentNotification struct {
	LocationID     string   `validate:"required"`
	CatalogID      string   `validate:"required"`
	PricingParam   string   `validate:"required"`
	SerialNumbers  []string `validate:"required,min=1,dive,required"`
	EventID        string
	NotificationID string
}

func (n AssignmentNotification) assetKey() store.AssetKey {
	return store.AssetKey{CatalogID: n.CatalogID, PricingParam: n.PricingParam}
}

// ApplyAssociation applies a confirmed association notification: each new
// (asset, serial) pair is created and may convert a pending on-the-fly
// association into an install command, then the net count delta is applied.
// An unknown asset or an invalid resulting count falls back to a full
// resync of the asset.
func (e *Engine) ApplyAssociation(ctx context.Context, n AssignmentNotification) error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("invalid assignment notification: %w", err)
	}
	key := n.assetKey()

	token, client, err := e.clients.Get(ctx, n.LocationID)
	if err != nil {
		return err
	}

	fallback := false
	var events []Event
	var installs []installRequest
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		events, installs = nil, nil
		sta, err := tx.ServerTokenAssetForUpdate(ctx, token.InfoID, key)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.ErrorContext(ctx, "unknown asset, cannot associate, sync required",
				"asset", key.String())
			fallback = true
			return nil
		}
		if err != nil {
			return err
		}

		assignedDelta := 0
		for _, serialNumber := range n.SerialNumbers {
			exists, err := tx.HasAssignment(ctx, token.InfoID, key, serialNumber)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if err := tx.CreateAssignments(ctx, token.InfoID, key, []string{serialNumber}, e.cfg.AssignmentBatchSize); err != nil {
				return err
			}
			assignedDelta++
			event := e.baseEvent(EventDeviceAssignmentCreated, token, key, n.NotificationID)
			event.SerialNumber = serialNumber
			event.EventID = n.EventID
			event.LocationAsset = sta
			events = append(events, event)

			// on-the-fly association confirmed?
			if err := e.confirmAssociation(ctx, tx, token, serialNumber, key, &installs); err != nil {
				return err
			}
		}

		event, err := e.applyCountDelta(ctx, tx, token, sta,
			CountDelta{Assigned: assignedDelta, Available: -assignedDelta},
			n.NotificationID, n.EventID)
		if errors.Is(err, errInvalidCounts) {
			// the assignments stay, the counts come back with the resync
			e.logger.ErrorContext(ctx, "bad counts after associations, sync required",
				"asset", key.String(), "error", err)
			fallback = true
			return nil
		}
		if err != nil {
			return err
		}
		if event != nil {
			events = append(events, *event)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.postEvents(ctx, events)
	e.queueInstalls(ctx, installs)
	if fallback {
		e.metrics.recordFallbackResync(ctx, "association")
		return e.resyncAsset(ctx, token, client, key, n.NotificationID)
	}
	return nil
}

// ApplyDisassociation applies a confirmed disassociation notification: each
// removed pair emits a deletion event and clears any pending on-the-fly
// association, then the net count delta is applied.
func (e *Engine) ApplyDisassociation(ctx context.Context, n AssignmentNotification) error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("invalid assignment notification: %w", err)
	}
	key := n.assetKey()

	token, client, err := e.clients.Get(ctx, n.LocationID)
	if err != nil {
		return err
	}

	fallback := false
	var events []Event
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		events = nil
		sta, err := tx.ServerTokenAssetForUpdate(ctx, token.InfoID, key)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.ErrorContext(ctx, "unknown asset, cannot disassociate, sync required",
				"asset", key.String())
			fallback = true
			return nil
		}
		if err != nil {
			return err
		}

		assignedDelta := 0
		for _, serialNumber := range n.SerialNumbers {
			deleted, err := tx.DeleteAssignments(ctx, token.InfoID, key, []string{serialNumber})
			if err != nil {
				return err
			}
			if deleted > 0 {
				assignedDelta--
				event := e.baseEvent(EventDeviceAssignmentDeleted, token, key, n.NotificationID)
				event.SerialNumber = serialNumber
				event.EventID = n.EventID
				event.LocationAsset = sta
				events = append(events, event)
			}
			if err := e.clearOnTheFly(ctx, tx, token, serialNumber, key, "disassociate success"); err != nil {
				return err
			}
		}

		event, err := e.applyCountDelta(ctx, tx, token, sta,
			CountDelta{Assigned: assignedDelta, Available: -assignedDelta},
			n.NotificationID, n.EventID)
		if errors.Is(err, errInvalidCounts) {
			e.logger.ErrorContext(ctx, "bad counts after disassociations, sync required",
				"asset", key.String(), "error", err)
			fallback = true
			return nil
		}
		if err != nil {
			return err
		}
		if event != nil {
			events = append(events, *event)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.postEvents(ctx, events)
	if fallback {
		e.metrics.recordFallbackResync(ctx, "disassociation")
		return e.resyncAsset(ctx, token, client, key, n.NotificationID)
	}
	return nil
}

// EnsureAssociation requests the assignment of an asset to a device before
// any webhook has confirmed it. The pending association record debounces
// repeated requests; a failed request deletes the record so no retry state
// survives. It reports whether a confirmed assignment already exists.
func (e *Engine) EnsureAssociation(ctx context.Context, device store.EnrolledDevice, key store.AssetKey) (bool, error) {
	if device.LocationID == "" {
		e.logger.ErrorContext(ctx, "device without location, cannot associate",
			"serial_number", device.SerialNumber)
		return false, nil
	}
	token, client, err := e.clients.Get(ctx, device.LocationID)
	if err != nil {
		return false, err
	}

	alreadyAssigned := false
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		exists, err := tx.HasAssignment(ctx, token.InfoID, key, device.SerialNumber)
		if err != nil {
			return err
		}
		if exists {
			alreadyAssigned = true
			return nil
		}

		now := time.Now().UTC()
		assoc, err := tx.AssociationForUpdate(ctx, device.SerialNumber, token.InfoID, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			assoc = &store.Association{
				SerialNumber:    device.SerialNumber,
				LocationID:      token.InfoID,
				Key:             key,
				LastAttemptedAt: now,
			}
			if err := tx.CreateAssociation(ctx, assoc); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if now.Sub(assoc.LastAttemptedAt) <= e.cfg.AssociationDebounce {
				return nil
			}
		}

		eventID, err := client.AssociateDevice(ctx, device.SerialNumber, key)
		success := err == nil && eventID != ""
		e.metrics.recordAssociationRequest(ctx, success)
		if !success {
			e.logger.ErrorContext(ctx, "could not request association",
				"serial_number", device.SerialNumber, "asset", key.String(), "error", err)
			_, err := tx.DeleteAssociation(ctx, device.SerialNumber, token.InfoID, key)
			return err
		}
		assoc.Attempts++
		assoc.LastAttemptedAt = now
		return tx.UpdateAssociation(ctx, assoc)
	})
	return alreadyAssigned, err
}

// confirmAssociation resolves a confirmed assignment against the pending
// association record: the newest matching artifact version is queued for
// install after commit, and the record is deleted either way.
func (e *Engine) confirmAssociation(ctx context.Context, tx store.Tx, token *store.ServerToken, serialNumber string, key store.AssetKey, installs *[]installRequest) error {
	_, err := tx.AssociationForUpdate(ctx, serialNumber, token.InfoID, key)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.ErrorContext(ctx, "no awaiting association found",
			"serial_number", serialNumber, "asset", key.String())
		return nil
	}
	if err != nil {
		return err
	}

	if e.planner != nil {
		artifactVersionID, err := e.planner.LatestArtifactVersion(ctx, serialNumber, key)
		if err != nil {
			e.logger.ErrorContext(ctx, "no artifact version to install found",
				"serial_number", serialNumber, "asset", key.String(), "error", err)
		} else {
			*installs = append(*installs, installRequest{
				serialNumber:      serialNumber,
				artifactVersionID: artifactVersionID,
			})
		}
	}
	_, err = tx.DeleteAssociation(ctx, serialNumber, token.InfoID, key)
	return err
}

// clearOnTheFly deletes a pending association, logging the reason when one
// existed.
func (e *Engine) clearOnTheFly(ctx context.Context, tx store.Tx, token *store.ServerToken, serialNumber string, key store.AssetKey, reason string) error {
	deleted, err := tx.DeleteAssociation(ctx, serialNumber, token.InfoID, key)
	if err != nil {
		return err
	}
	if deleted {
		e.logger.ErrorContext(ctx, "on-the-fly association canceled",
			"serial_number", serialNumber, "asset", key.String(), "reason", reason)
	}
	return nil
}
