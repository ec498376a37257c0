package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlsync/internal/store"
)

func assignmentNotification(serials ...string) AssignmentNotification {
	return AssignmentNotification{
		LocationID:     "loc1",
		CatalogID:      testKey.CatalogID,
		PricingParam:   testKey.PricingParam,
		SerialNumbers:  serials,
		EventID:        "evt-1",
		NotificationID: "notif-1",
	}
}

func testDevice(serialNumber string) store.EnrolledDevice {
	return store.EnrolledDevice{
		SerialNumber: serialNumber,
		LocationID:   "loc1",
		OSVersion:    store.OSVersion{Major: 13, Minor: 1},
		ModelID:      "Mac14,2",
	}
}

func (env *testEnv) pendingAssociation(t *testing.T, serialNumber string) (*store.Association, bool) {
	t.Helper()
	ctx := context.Background()
	var assoc *store.Association
	found := false
	err := env.store.WithTx(ctx, func(tx store.Tx) error {
		got, err := tx.AssociationForUpdate(ctx, serialNumber, "loc1", testKey)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cp := *got
		assoc = &cp
		found = true
		return nil
	})
	require.NoError(t, err)
	return assoc, found
}

func TestApplyAssociation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedEntitlement(t, testEntitlement(2, 8, 0, 10))

	err := env.engine.ApplyAssociation(ctx, assignmentNotification("SN1", "SN2"))
	require.NoError(t, err)

	assert.Equal(t, map[string]struct{}{"SN1": {}, "SN2": {}}, env.assignmentSerials(t, testKey))
	sta := env.entitlement(t, testKey)
	assert.Equal(t, 4, sta.AssignedCount)
	assert.Equal(t, 6, sta.AvailableCount)

	assert.Equal(t, []EventType{
		EventDeviceAssignmentCreated,
		EventDeviceAssignmentCreated,
		EventLocationAssetUpdated,
	}, env.sink.types())
	events := env.sink.all()
	assert.Equal(t, "SN1", events[0].SerialNumber)
	assert.Equal(t, "evt-1", events[0].EventID)
}

func TestApplyAssociationAlreadyAssigned(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedEntitlement(t, testEntitlement(3, 7, 0, 10))
	require.NoError(t, env.engine.ApplyAssociation(ctx, assignmentNotification("SN1")))
	env.sink.reset()

	require.NoError(t, env.engine.ApplyAssociation(ctx, assignmentNotification("SN1")))
	assert.Empty(t, env.sink.all(), "an existing assignment is not recreated")
	assert.Equal(t, 4, env.entitlement(t, testKey).AssignedCount)
}

func TestApplyAssociationUnknownAssetResyncs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.client.setAsset(testAssetData())
	env.client.setAssignments(testKey, "SN1")

	err := env.engine.ApplyAssociation(ctx, assignmentNotification("SN1"))
	require.NoError(t, err)

	// the asset was unknown locally: a full resync built the state
	assert.Equal(t, map[string]struct{}{"SN1": {}}, env.assignmentSerials(t, testKey))
	assert.Equal(t, 10, env.entitlement(t, testKey).TotalCount)
}

func TestApplyAssociationInvalidCountsResyncs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	// assigned already at total: one more association breaks the invariant
	env.seedEntitlement(t, testEntitlement(10, 0, 0, 10))
	data := testAssetData()
	data.AssignedCount = 10
	data.AvailableCount = 0
	env.client.setAsset(data)
	env.client.setAssignments(testKey, "SN1")

	err := env.engine.ApplyAssociation(ctx, assignmentNotification("SN1"))
	require.NoError(t, err)

	sta := env.entitlement(t, testKey)
	assert.Empty(t, sta.CountErrors(), "stored counts stay valid")
	assert.Equal(t, 10, sta.AssignedCount)
}

func TestApplyDisassociation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedEntitlement(t, testEntitlement(2, 8, 0, 10))
	require.NoError(t, env.engine.ApplyAssociation(ctx, assignmentNotification("SN1")))
	env.sink.reset()

	err := env.engine.ApplyDisassociation(ctx, assignmentNotification("SN1", "SN_UNKNOWN"))
	require.NoError(t, err)

	assert.Empty(t, env.assignmentSerials(t, testKey))
	sta := env.entitlement(t, testKey)
	assert.Equal(t, 2, sta.AssignedCount)
	assert.Equal(t, 8, sta.AvailableCount)

	assert.Equal(t, []EventType{
		EventDeviceAssignmentDeleted,
		EventLocationAssetUpdated,
	}, env.sink.types(), "an unknown serial deletes nothing and emits nothing")
}

func TestApplyDisassociationClearsPendingAssociation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedEntitlement(t, testEntitlement(2, 8, 0, 10))

	_, err := env.engine.EnsureAssociation(ctx, testDevice("SN1"), testKey)
	require.NoError(t, err)
	_, found := env.pendingAssociation(t, "SN1")
	require.True(t, found)

	require.NoError(t, env.engine.ApplyDisassociation(ctx, assignmentNotification("SN1")))
	_, found = env.pendingAssociation(t, "SN1")
	assert.False(t, found, "the pending record is cleared on disassociation")
}

func TestEnsureAssociation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedEntitlement(t, testEntitlement(2, 8, 0, 10))

	alreadyAssigned, err := env.engine.EnsureAssociation(ctx, testDevice("SN1"), testKey)
	require.NoError(t, err)
	assert.False(t, alreadyAssigned)
	assert.Equal(t, int64(1), env.client.associateCalls.Load())

	assoc, found := env.pendingAssociation(t, "SN1")
	require.True(t, found)
	assert.Equal(t, 1, assoc.Attempts)
}

func TestEnsureAssociationDebounce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedEntitlement(t, testEntitlement(2, 8, 0, 10))
	device := testDevice("SN1")

	_, err := env.engine.EnsureAssociation(ctx, device, testKey)
	require.NoError(t, err)
	_, err = env.engine.EnsureAssociation(ctx, device, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.client.associateCalls.Load(),
		"a second attempt within the debounce window issues no request")

	// age the record past the debounce window
	err = env.store.WithTx(ctx, func(tx store.Tx) error {
		assoc, err := tx.AssociationForUpdate(ctx, "SN1", "loc1", testKey)
		if err != nil {
			return err
		}
		assoc.LastAttemptedAt = time.Now().UTC().Add(-31 * time.Minute)
		return tx.UpdateAssociation(ctx, assoc)
	})
	require.NoError(t, err)

	_, err = env.engine.EnsureAssociation(ctx, device, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), env.client.associateCalls.Load())

	assoc, found := env.pendingAssociation(t, "SN1")
	require.True(t, found)
	assert.Equal(t, 2, assoc.Attempts)
}

func TestEnsureAssociationAlreadyAssigned(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedEntitlement(t, testEntitlement(2, 8, 0, 10))
	require.NoError(t, env.engine.ApplyAssociation(ctx, assignmentNotification("SN1")))

	alreadyAssigned, err := env.engine.EnsureAssociation(ctx, testDevice("SN1"), testKey)
	require.NoError(t, err)
	assert.True(t, alreadyAssigned)
	assert.Equal(t, int64(0), env.client.associateCalls.Load())
}

func TestEnsureAssociationNoLocation(t *testing.T) {
	env := newTestEnv(t)
	device := testDevice("SN1")
	device.LocationID = ""

	alreadyAssigned, err := env.engine.EnsureAssociation(context.Background(), device, testKey)
	require.NoError(t, err)
	assert.False(t, alreadyAssigned)
	assert.Equal(t, int64(0), env.client.associateCalls.Load())
}

func TestEnsureAssociationFailureDeletesRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedEntitlement(t, testEntitlement(2, 8, 0, 10))
	env.client.associateErr = errors.New("boom")

	_, err := env.engine.EnsureAssociation(ctx, testDevice("SN1"), testKey)
	require.NoError(t, err)
	_, found := env.pendingAssociation(t, "SN1")
	assert.False(t, found, "no retry state survives a failed request")
}

func TestConfirmedAssociationQueuesInstall(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedEntitlement(t, testEntitlement(2, 8, 0, 10))
	env.planner.artifactVersionID = "av-7"

	_, err := env.engine.EnsureAssociation(ctx, testDevice("SN1"), testKey)
	require.NoError(t, err)

	require.NoError(t, env.engine.ApplyAssociation(ctx, assignmentNotification("SN1")))

	require.Len(t, env.enqueuer.installs, 1)
	assert.Equal(t, [2]string{"SN1", "av-7"}, env.enqueuer.installs[0])
	_, found := env.pendingAssociation(t, "SN1")
	assert.False(t, found, "the pending record is deleted once confirmed")
}

func TestConfirmedAssociationNoInstallCandidate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedEntitlement(t, testEntitlement(2, 8, 0, 10))
	// the planner has no artifact version for the asset

	_, err := env.engine.EnsureAssociation(ctx, testDevice("SN1"), testKey)
	require.NoError(t, err)
	require.NoError(t, env.engine.ApplyAssociation(ctx, assignmentNotification("SN1")))

	assert.Empty(t, env.enqueuer.installs)
	_, found := env.pendingAssociation(t, "SN1")
	assert.False(t, found, "the pending record is deleted even without a candidate")
}

func TestAssignmentNotificationValidation(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.ApplyAssociation(context.Background(), AssignmentNotification{
		LocationID:   "loc1",
		CatalogID:    testKey.CatalogID,
		PricingParam: testKey.PricingParam,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid assignment notification")
}
