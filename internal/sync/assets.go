package sync

import (
	"context"
	"errors"
	"maps"
	"reflect"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	apierrors "vlsync/internal/errors"
	"vlsync/internal/store"
	"vlsync/internal/vpp"
)

// SyncAssets reconciles every asset of a location. Independent assets are
// reconciled concurrently, each inside its own transaction with the target
// rows locked, and each posts its events right after its transaction
// commits.
func (e *Engine) SyncAssets(ctx context.Context, infoID string) error {
	start := time.Now()
	err := e.syncAssets(ctx, infoID)
	e.metrics.recordSyncRun(ctx, infoID, time.Since(start).Seconds(), err)
	return err
}

func (e *Engine) syncAssets(ctx context.Context, infoID string) error {
	token, client, err := e.clients.Get(ctx, infoID)
	if err != nil {
		return err
	}

	// collect the full remote asset list first: a staleness fault during
	// pagination must abort before anything is committed
	var assets []vpp.AssetData
	err = client.ForEachAsset(ctx, func(a *vpp.AssetData) error {
		assets = append(assets, *a)
		return nil
	})
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(max(e.cfg.Workers, 1))
	for i := range assets {
		asset := &assets[i]
		group.Go(func() error {
			events, err := e.syncAssetData(ctx, token, client, asset, "")
			if err != nil {
				return err
			}
			e.postEvents(ctx, events)
			return nil
		})
	}
	return group.Wait()
}

// SyncAsset re-fetches a single asset from the remote API and overwrites
// the local state with it. An asset unknown remotely is logged and skipped.
func (e *Engine) SyncAsset(ctx context.Context, infoID string, key store.AssetKey, notificationID string) error {
	token, client, err := e.clients.Get(ctx, infoID)
	if err != nil {
		return err
	}
	return e.resyncAsset(ctx, token, client, key, notificationID)
}

func (e *Engine) resyncAsset(ctx context.Context, token *store.ServerToken, client APIClient, key store.AssetKey, notificationID string) error {
	data, err := client.GetAsset(ctx, key)
	if err != nil {
		if apierrors.IsNotFound(err) {
			e.logger.ErrorContext(ctx, "unknown remote asset", "asset", key.String())
			return nil
		}
		return err
	}
	events, err := e.syncAssetData(ctx, token, client, data, notificationID)
	if err != nil {
		return err
	}
	e.postEvents(ctx, events)
	return nil
}

// syncAssetData reconciles one asset: the asset row, its entitlement at the
// location, and its assignment set, all inside one transaction with the
// rows locked for update. The returned events follow entity dependency
// order.
func (e *Engine) syncAssetData(ctx context.Context, token *store.ServerToken, client APIClient, data *vpp.AssetData, notificationID string) ([]Event, error) {
	key := data.Key()
	metadata := client.GetAssetMetadata(ctx, data.CatalogID)

	remoteSerials, err := client.AssetAssignments(ctx, key)
	if err != nil {
		return nil, err
	}

	var events []Event
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		events = events[:0]

		assetEvents, err := e.upsertAsset(ctx, tx, token, data, metadata, notificationID)
		if err != nil {
			return err
		}
		events = append(events, assetEvents...)

		entitlementEvents, sta, err := e.upsertLocationAsset(ctx, tx, token, data, notificationID)
		if err != nil {
			return err
		}
		events = append(events, entitlementEvents...)

		assignmentEvents, err := e.reconcileAssignments(ctx, tx, token, sta, remoteSerials, notificationID)
		if err != nil {
			return err
		}
		events = append(events, assignmentEvents...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// applyAssetData copies the tracked remote attributes onto the asset and
// reports whether any of them changed.
func applyAssetData(asset *store.Asset, data *vpp.AssetData, metadata map[string]any) bool {
	changed := false
	if asset.ProductType != data.ProductType {
		asset.ProductType = data.ProductType
		changed = true
	}
	if asset.DeviceAssignable != data.DeviceAssignable {
		asset.DeviceAssignable = data.DeviceAssignable
		changed = true
	}
	if asset.Revocable != data.Revocable {
		asset.Revocable = data.Revocable
		changed = true
	}
	if !slices.Equal(asset.SupportedPlatforms, data.SupportedPlatforms) {
		asset.SupportedPlatforms = slices.Clone(data.SupportedPlatforms)
		changed = true
	}
	// a failed metadata lookup keeps the prior metadata
	if metadata != nil && !reflect.DeepEqual(asset.Metadata, metadata) {
		asset.Metadata = metadata
		if name, ok := metadata["name"].(string); ok {
			asset.Name = name
		}
		if bundleID, ok := metadata["bundleId"].(string); ok {
			asset.BundleID = bundleID
		}
		changed = true
	}
	return changed
}

func (e *Engine) baseEvent(eventType EventType, token *store.ServerToken, key store.AssetKey, notificationID string) Event {
	event := newEvent(eventType)
	event.LocationID = token.InfoID
	event.LocationName = token.LocationName
	event.AssetKey = key
	event.NotificationID = notificationID
	return event
}

func (e *Engine) upsertAsset(ctx context.Context, tx store.Tx, token *store.ServerToken, data *vpp.AssetData, metadata map[string]any, notificationID string) ([]Event, error) {
	key := data.Key()
	asset, err := tx.AssetForUpdate(ctx, key)
	switch {
	case err == nil:
		if !applyAssetData(asset, data, metadata) {
			return nil, nil
		}
		if err := tx.UpdateAsset(ctx, asset); err != nil {
			return nil, err
		}
		event := e.baseEvent(EventAssetUpdated, token, key, notificationID)
		event.Asset = asset
		return []Event{event}, nil
	case errors.Is(err, store.ErrNotFound):
		asset = &store.Asset{Key: key}
		applyAssetData(asset, data, metadata)
		if err := tx.CreateAsset(ctx, asset); err != nil {
			return nil, err
		}
		event := e.baseEvent(EventAssetCreated, token, key, notificationID)
		event.Asset = asset
		return []Event{event}, nil
	default:
		return nil, err
	}
}

func (e *Engine) upsertLocationAsset(ctx context.Context, tx store.Tx, token *store.ServerToken, data *vpp.AssetData, notificationID string) ([]Event, *store.ServerTokenAsset, error) {
	key := data.Key()
	sta, err := tx.ServerTokenAssetForUpdate(ctx, token.InfoID, key)
	switch {
	case err == nil:
		if sta.AssignedCount == data.AssignedCount &&
			sta.AvailableCount == data.AvailableCount &&
			sta.RetiredCount == data.RetiredCount &&
			sta.TotalCount == data.TotalCount {
			return nil, sta, nil
		}
		sta.AssignedCount = data.AssignedCount
		sta.AvailableCount = data.AvailableCount
		sta.RetiredCount = data.RetiredCount
		sta.TotalCount = data.TotalCount
		if err := tx.UpdateServerTokenAsset(ctx, sta); err != nil {
			return nil, nil, err
		}
		event := e.baseEvent(EventLocationAssetUpdated, token, key, notificationID)
		event.LocationAsset = sta
		event.Incident = availabilityIncident(sta)
		return []Event{event}, sta, nil
	case errors.Is(err, store.ErrNotFound):
		sta = &store.ServerTokenAsset{
			LocationID:     token.InfoID,
			Key:            key,
			AssignedCount:  data.AssignedCount,
			AvailableCount: data.AvailableCount,
			RetiredCount:   data.RetiredCount,
			TotalCount:     data.TotalCount,
		}
		if err := tx.CreateServerTokenAsset(ctx, sta); err != nil {
			return nil, nil, err
		}
		event := e.baseEvent(EventLocationAssetCreated, token, key, notificationID)
		event.LocationAsset = sta
		event.Incident = availabilityIncident(sta)
		return []Event{event}, sta, nil
	default:
		return nil, nil, err
	}
}

// reconcileAssignments makes the stored assignment set of the entitlement
// exactly equal the remote one. Removed entries are deleted in one batch,
// added entries are created in bounded-size batches, and each change emits
// an event. Identical sets emit nothing.
func (e *Engine) reconcileAssignments(ctx context.Context, tx store.Tx, token *store.ServerToken, sta *store.ServerTokenAsset, remoteSerials map[string]struct{}, notificationID string) ([]Event, error) {
	existing, err := tx.AssignmentSerials(ctx, token.InfoID, sta.Key)
	if err != nil {
		return nil, err
	}
	if maps.Equal(existing, remoteSerials) {
		return nil, nil
	}

	var removed, added []string
	for serialNumber := range existing {
		if _, ok := remoteSerials[serialNumber]; !ok {
			removed = append(removed, serialNumber)
		}
	}
	for serialNumber := range remoteSerials {
		if _, ok := existing[serialNumber]; !ok {
			added = append(added, serialNumber)
		}
	}
	slices.Sort(removed)
	slices.Sort(added)

	var events []Event
	if len(removed) > 0 {
		if _, err := tx.DeleteAssignments(ctx, token.InfoID, sta.Key, removed); err != nil {
			return nil, err
		}
		for _, serialNumber := range removed {
			event := e.baseEvent(EventDeviceAssignmentDeleted, token, sta.Key, notificationID)
			event.SerialNumber = serialNumber
			event.LocationAsset = sta
			events = append(events, event)
		}
	}
	if len(added) > 0 {
		if err := tx.CreateAssignments(ctx, token.InfoID, sta.Key, added, e.cfg.AssignmentBatchSize); err != nil {
			return nil, err
		}
		for _, serialNumber := range added {
			event := e.baseEvent(EventDeviceAssignmentCreated, token, sta.Key, notificationID)
			event.SerialNumber = serialNumber
			event.LocationAsset = sta
			events = append(events, event)
		}
	}
	return events, nil
}
