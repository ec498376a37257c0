package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation. Transactions operate on a
// copy of the data and are swapped in on commit, so a failed transaction
// leaves no partial writes behind. A single lock serializes transactions.
type MemStore struct {
	mu   sync.Mutex
	data *memData
}

type entitlementKey struct {
	locationID string
	key        AssetKey
}

type assignmentKey struct {
	locationID   string
	key          AssetKey
	serialNumber string
}

type memData struct {
	tokens       map[string]*ServerToken
	assets       map[AssetKey]*Asset
	entitlements map[entitlementKey]*ServerTokenAsset
	assignments  map[assignmentKey]*DeviceAssignment
	associations map[assignmentKey]*Association
	updates      map[int64]*SoftwareUpdate
	updateIDs    map[SoftwareUpdateKey]int64
	nextUpdateID int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		data: &memData{
			tokens:       make(map[string]*ServerToken),
			assets:       make(map[AssetKey]*Asset),
			entitlements: make(map[entitlementKey]*ServerTokenAsset),
			assignments:  make(map[assignmentKey]*DeviceAssignment),
			associations: make(map[assignmentKey]*Association),
			updates:      make(map[int64]*SoftwareUpdate),
			updateIDs:    make(map[SoftwareUpdateKey]int64),
			nextUpdateID: 1,
		},
	}
}

// SetServerToken creates or replaces a location credential record.
func (s *MemStore) SetServerToken(token *ServerToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.data.tokens[token.InfoID] = &cp
}

// ServerToken returns the credential record of a location.
func (s *MemStore) ServerToken(_ context.Context, infoID string) (*ServerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.data.tokens[infoID]
	if !ok {
		return nil, fmt.Errorf("server token %s: %w", infoID, ErrNotFound)
	}
	cp := *token
	return &cp, nil
}

// ServerTokens returns the credential records of every location.
func (s *MemStore) ServerTokens(_ context.Context) ([]*ServerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := make([]*ServerToken, 0, len(s.data.tokens))
	for _, token := range s.data.tokens {
		cp := *token
		tokens = append(tokens, &cp)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].InfoID < tokens[j].InfoID })
	return tokens, nil
}

// WithTx runs fn against a copy of the store data and commits the copy
// only when fn succeeds.
func (s *MemStore) WithTx(_ context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{data: s.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }

func (d *memData) clone() *memData {
	cp := &memData{
		tokens:       make(map[string]*ServerToken, len(d.tokens)),
		assets:       make(map[AssetKey]*Asset, len(d.assets)),
		entitlements: make(map[entitlementKey]*ServerTokenAsset, len(d.entitlements)),
		assignments:  make(map[assignmentKey]*DeviceAssignment, len(d.assignments)),
		associations: make(map[assignmentKey]*Association, len(d.associations)),
		updates:      make(map[int64]*SoftwareUpdate, len(d.updates)),
		updateIDs:    maps.Clone(d.updateIDs),
		nextUpdateID: d.nextUpdateID,
	}
	for k, v := range d.tokens {
		t := *v
		cp.tokens[k] = &t
	}
	for k, v := range d.assets {
		a := *v
		a.SupportedPlatforms = slices.Clone(v.SupportedPlatforms)
		a.Metadata = maps.Clone(v.Metadata)
		cp.assets[k] = &a
	}
	for k, v := range d.entitlements {
		e := *v
		cp.entitlements[k] = &e
	}
	for k, v := range d.assignments {
		a := *v
		cp.assignments[k] = &a
	}
	for k, v := range d.associations {
		a := *v
		cp.associations[k] = &a
	}
	for k, v := range d.updates {
		u := *v
		u.DeviceIDs = slices.Clone(v.DeviceIDs)
		cp.updates[k] = &u
	}
	return cp
}

// memTx implements Tx against a private copy of the data, so row locking
// is implicit: the store lock is held for the whole transaction.
type memTx struct {
	data *memData
}

func (t *memTx) AssetForUpdate(_ context.Context, key AssetKey) (*Asset, error) {
	asset, ok := t.data.assets[key]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", key, ErrNotFound)
	}
	return asset, nil
}

func (t *memTx) CreateAsset(_ context.Context, asset *Asset) error {
	if _, ok := t.data.assets[asset.Key]; ok {
		return fmt.Errorf("asset %s already exists", asset.Key)
	}
	now := time.Now().UTC()
	asset.CreatedAt = now
	asset.UpdatedAt = now
	t.data.assets[asset.Key] = asset
	return nil
}

func (t *memTx) UpdateAsset(_ context.Context, asset *Asset) error {
	if _, ok := t.data.assets[asset.Key]; !ok {
		return fmt.Errorf("asset %s: %w", asset.Key, ErrNotFound)
	}
	asset.UpdatedAt = time.Now().UTC()
	t.data.assets[asset.Key] = asset
	return nil
}

func (t *memTx) ServerTokenAssetForUpdate(_ context.Context, locationID string, key AssetKey) (*ServerTokenAsset, error) {
	sta, ok := t.data.entitlements[entitlementKey{locationID, key}]
	if !ok {
		return nil, fmt.Errorf("entitlement %s/%s: %w", locationID, key, ErrNotFound)
	}
	return sta, nil
}

func (t *memTx) CreateServerTokenAsset(_ context.Context, sta *ServerTokenAsset) error {
	k := entitlementKey{sta.LocationID, sta.Key}
	if _, ok := t.data.entitlements[k]; ok {
		return fmt.Errorf("entitlement %s/%s already exists", sta.LocationID, sta.Key)
	}
	t.data.entitlements[k] = sta
	return nil
}

func (t *memTx) UpdateServerTokenAsset(_ context.Context, sta *ServerTokenAsset) error {
	k := entitlementKey{sta.LocationID, sta.Key}
	if _, ok := t.data.entitlements[k]; !ok {
		return fmt.Errorf("entitlement %s/%s: %w", sta.LocationID, sta.Key, ErrNotFound)
	}
	t.data.entitlements[k] = sta
	return nil
}

func (t *memTx) AssignmentSerials(_ context.Context, locationID string, key AssetKey) (map[string]struct{}, error) {
	serials := make(map[string]struct{})
	for k := range t.data.assignments {
		if k.locationID == locationID && k.key == key {
			serials[k.serialNumber] = struct{}{}
		}
	}
	return serials, nil
}

func (t *memTx) HasAssignment(_ context.Context, locationID string, key AssetKey, serialNumber string) (bool, error) {
	_, ok := t.data.assignments[assignmentKey{locationID, key, serialNumber}]
	return ok, nil
}

func (t *memTx) CreateAssignments(_ context.Context, locationID string, key AssetKey, serialNumbers []string, batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("invalid batch size %d", batchSize)
	}
	now := time.Now().UTC()
	for _, serialNumber := range serialNumbers {
		k := assignmentKey{locationID, key, serialNumber}
		if _, ok := t.data.assignments[k]; ok {
			continue
		}
		t.data.assignments[k] = &DeviceAssignment{
			LocationID:   locationID,
			Key:          key,
			SerialNumber: serialNumber,
			CreatedAt:    now,
		}
	}
	return nil
}

func (t *memTx) DeleteAssignments(_ context.Context, locationID string, key AssetKey, serialNumbers []string) (int, error) {
	deleted := 0
	for _, serialNumber := range serialNumbers {
		k := assignmentKey{locationID, key, serialNumber}
		if _, ok := t.data.assignments[k]; ok {
			delete(t.data.assignments, k)
			deleted++
		}
	}
	return deleted, nil
}

func (t *memTx) AssociationForUpdate(_ context.Context, serialNumber, locationID string, key AssetKey) (*Association, error) {
	assoc, ok := t.data.associations[assignmentKey{locationID, key, serialNumber}]
	if !ok {
		return nil, fmt.Errorf("association %s/%s/%s: %w", serialNumber, locationID, key, ErrNotFound)
	}
	return assoc, nil
}

func (t *memTx) CreateAssociation(_ context.Context, assoc *Association) error {
	k := assignmentKey{assoc.LocationID, assoc.Key, assoc.SerialNumber}
	if _, ok := t.data.associations[k]; ok {
		return fmt.Errorf("association %s/%s/%s already exists", assoc.SerialNumber, assoc.LocationID, assoc.Key)
	}
	assoc.CreatedAt = time.Now().UTC()
	t.data.associations[k] = assoc
	return nil
}

func (t *memTx) UpdateAssociation(_ context.Context, assoc *Association) error {
	k := assignmentKey{assoc.LocationID, assoc.Key, assoc.SerialNumber}
	if _, ok := t.data.associations[k]; !ok {
		return fmt.Errorf("association %s/%s/%s: %w", assoc.SerialNumber, assoc.LocationID, assoc.Key, ErrNotFound)
	}
	t.data.associations[k] = assoc
	return nil
}

func (t *memTx) DeleteAssociation(_ context.Context, serialNumber, locationID string, key AssetKey) (bool, error) {
	k := assignmentKey{locationID, key, serialNumber}
	if _, ok := t.data.associations[k]; !ok {
		return false, nil
	}
	delete(t.data.associations, k)
	return true, nil
}

func (t *memTx) UpsertSoftwareUpdate(_ context.Context, update *SoftwareUpdate) (int64, error) {
	if id, ok := t.data.updateIDs[update.Key]; ok {
		update.ID = id
	} else {
		update.ID = t.data.nextUpdateID
		t.data.nextUpdateID++
		t.data.updateIDs[update.Key] = update.ID
	}
	cp := *update
	cp.DeviceIDs = slices.Clone(update.DeviceIDs)
	t.data.updates[update.ID] = &cp
	return update.ID, nil
}

func (t *memTx) DeleteSoftwareUpdatesExcept(_ context.Context, seen []int64) (int, error) {
	keep := make(map[int64]struct{}, len(seen))
	for _, id := range seen {
		keep[id] = struct{}{}
	}
	deleted := 0
	for id, update := range t.data.updates {
		if _, ok := keep[id]; ok {
			continue
		}
		delete(t.data.updates, id)
		delete(t.data.updateIDs, update.Key)
		deleted++
	}
	return deleted, nil
}

func (t *memTx) SoftwareUpdates(_ context.Context) ([]*SoftwareUpdate, error) {
	updates := make([]*SoftwareUpdate, 0, len(t.data.updates))
	for _, update := range t.data.updates {
		cp := *update
		cp.DeviceIDs = slices.Clone(update.DeviceIDs)
		updates = append(updates, &cp)
	}
	return updates, nil
}

func (t *memTx) CandidateSoftwareUpdates(_ context.Context, deviceID string, date time.Time) ([]*SoftwareUpdate, error) {
	var candidates []*SoftwareUpdate
	for _, update := range t.data.updates {
		if update.Key.Public || !update.AvailableAt(date) {
			continue
		}
		if slices.Contains(update.DeviceIDs, deviceID) {
			cp := *update
			cp.DeviceIDs = slices.Clone(update.DeviceIDs)
			candidates = append(candidates, &cp)
		}
	}
	return candidates, nil
}
