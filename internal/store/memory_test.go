package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = AssetKey{CatalogID: "361304891", PricingParam: "STDQ"}

func TestMemStoreServerToken(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.ServerToken(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	s.SetServerToken(&ServerToken{InfoID: "loc1", LocationName: "HQ", Token: "secret"})
	token, err := s.ServerToken(ctx, "loc1")
	require.NoError(t, err)
	assert.Equal(t, "HQ", token.LocationName)
	assert.Equal(t, "secret", token.Token)
}

func TestMemStoreTxRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.CreateAsset(ctx, &Asset{Key: testKey, Name: "Numbers"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// the failed transaction must leave nothing behind
	err = s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.AssetForUpdate(ctx, testKey)
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestMemStoreAssetLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateAsset(ctx, &Asset{Key: testKey, Name: "Numbers", DeviceAssignable: true})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		asset, err := tx.AssetForUpdate(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, "Numbers", asset.Name)
		assert.False(t, asset.CreatedAt.IsZero())

		asset.Name = "Numbers 2"
		return tx.UpdateAsset(ctx, asset)
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		asset, err := tx.AssetForUpdate(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, "Numbers 2", asset.Name)
		return nil
	})
	require.NoError(t, err)
}

func TestMemStoreEntitlements(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.ServerTokenAssetForUpdate(ctx, "loc1", testKey)
		assert.ErrorIs(t, err, ErrNotFound)

		return tx.CreateServerTokenAsset(ctx, &ServerTokenAsset{
			LocationID: "loc1", Key: testKey,
			AssignedCount: 2, AvailableCount: 8, TotalCount: 10,
		})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		sta, err := tx.ServerTokenAssetForUpdate(ctx, "loc1", testKey)
		require.NoError(t, err)
		sta.AssignedCount = 3
		sta.AvailableCount = 7
		return tx.UpdateServerTokenAsset(ctx, sta)
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		sta, err := tx.ServerTokenAssetForUpdate(ctx, "loc1", testKey)
		require.NoError(t, err)
		assert.Equal(t, 3, sta.AssignedCount)
		return nil
	})
	require.NoError(t, err)
}

func TestMemStoreAssignments(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	err := s.WithTx(ctx, func(tx Tx) error {
		err := tx.CreateAssignments(ctx, "loc1", testKey, []string{"SN1", "SN2", "SN3"}, 2)
		require.NoError(t, err)

		// re-inserting an existing serial is a no-op
		return tx.CreateAssignments(ctx, "loc1", testKey, []string{"SN1"}, 2)
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		serials, err := tx.AssignmentSerials(ctx, "loc1", testKey)
		require.NoError(t, err)
		assert.Len(t, serials, 3)

		ok, err := tx.HasAssignment(ctx, "loc1", testKey, "SN2")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.HasAssignment(ctx, "loc2", testKey, "SN2")
		require.NoError(t, err)
		assert.False(t, ok)

		deleted, err := tx.DeleteAssignments(ctx, "loc1", testKey, []string{"SN2", "SN9"})
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		serials, err := tx.AssignmentSerials(ctx, "loc1", testKey)
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"SN1": {}, "SN3": {}}, serials)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateAssignments(ctx, "loc1", testKey, []string{"SN4"}, 0)
	})
	assert.Error(t, err, "zero batch size is rejected")
}

func TestMemStoreAssociations(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.AssociationForUpdate(ctx, "SN1", "loc1", testKey)
		assert.ErrorIs(t, err, ErrNotFound)

		return tx.CreateAssociation(ctx, &Association{
			SerialNumber: "SN1", LocationID: "loc1", Key: testKey,
			Attempts: 1, LastAttemptedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		assoc, err := tx.AssociationForUpdate(ctx, "SN1", "loc1", testKey)
		require.NoError(t, err)
		assert.Equal(t, 1, assoc.Attempts)
		assoc.Attempts++
		return tx.UpdateAssociation(ctx, assoc)
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		deleted, err := tx.DeleteAssociation(ctx, "SN1", "loc1", testKey)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = tx.DeleteAssociation(ctx, "SN1", "loc1", testKey)
		require.NoError(t, err)
		assert.False(t, deleted)
		return nil
	})
	require.NoError(t, err)
}

func TestMemStoreSoftwareUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	key := SoftwareUpdateKey{Platform: "macOS", Version: OSVersion{13, 1, 0}}
	var firstID int64

	err := s.WithTx(ctx, func(tx Tx) error {
		id, err := tx.UpsertSoftwareUpdate(ctx, &SoftwareUpdate{
			Key:         key,
			PostingDate: date(2022, 12, 13),
			DeviceIDs:   []string{"Mac14,2"},
		})
		require.NoError(t, err)
		firstID = id
		return nil
	})
	require.NoError(t, err)

	// same key keeps the same id
	err = s.WithTx(ctx, func(tx Tx) error {
		id, err := tx.UpsertSoftwareUpdate(ctx, &SoftwareUpdate{
			Key:         key,
			PostingDate: date(2022, 12, 14),
			DeviceIDs:   []string{"Mac14,2", "Mac14,3"},
		})
		require.NoError(t, err)
		assert.Equal(t, firstID, id)

		otherID, err := tx.UpsertSoftwareUpdate(ctx, &SoftwareUpdate{
			Key:         SoftwareUpdateKey{Platform: "macOS", Public: true, Version: OSVersion{13, 1, 0}},
			PostingDate: date(2022, 12, 13),
		})
		require.NoError(t, err)
		assert.NotEqual(t, firstID, otherID)

		deleted, err := tx.DeleteSoftwareUpdatesExcept(ctx, []int64{firstID})
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		candidates, err := tx.CandidateSoftwareUpdates(ctx, "Mac14,3", date(2023, 1, 21))
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, OSVersion{13, 1, 0}, candidates[0].Key.Version)

		candidates, err = tx.CandidateSoftwareUpdates(ctx, "Mac14,9", date(2023, 1, 21))
		require.NoError(t, err)
		assert.Empty(t, candidates)

		candidates, err = tx.CandidateSoftwareUpdates(ctx, "Mac14,3", date(2022, 12, 1))
		require.NoError(t, err)
		assert.Empty(t, candidates, "not yet posted")
		return nil
	})
	require.NoError(t, err)
}
