package sync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vlsync/internal/config"
	apierrors "vlsync/internal/errors"
	"vlsync/internal/store"
	"vlsync/internal/vpp"
)

var testKey = store.AssetKey{CatalogID: "361304891", PricingParam: "STDQ"}

type fakeClient struct {
	mu          sync.Mutex
	assets      []vpp.AssetData
	assignments map[store.AssetKey]map[string]struct{}
	metadata    map[string]map[string]any

	listErr        error
	assignmentsErr error

	associateEventID string
	associateErr     error
	associateCalls   atomic.Int64
}

func (c *fakeClient) setAsset(a vpp.AssetData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.assets {
		if c.assets[i].Key() == a.Key() {
			c.assets[i] = a
			return
		}
	}
	c.assets = append(c.assets, a)
}

func (c *fakeClient) setAssignments(key store.AssetKey, serials ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assignments == nil {
		c.assignments = make(map[store.AssetKey]map[string]struct{})
	}
	set := make(map[string]struct{}, len(serials))
	for _, serialNumber := range serials {
		set[serialNumber] = struct{}{}
	}
	c.assignments[key] = set
}

func (c *fakeClient) GetAsset(_ context.Context, key store.AssetKey) (*vpp.AssetData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.assets {
		if c.assets[i].Key() == key {
			a := c.assets[i]
			return &a, nil
		}
	}
	return nil, apierrors.NotFound("asset", key.String())
}

func (c *fakeClient) ForEachAsset(_ context.Context, fn func(*vpp.AssetData) error) error {
	if c.listErr != nil {
		return c.listErr
	}
	c.mu.Lock()
	assets := make([]vpp.AssetData, len(c.assets))
	copy(assets, c.assets)
	c.mu.Unlock()
	for i := range assets {
		if err := fn(&assets[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeClient) AssetAssignments(_ context.Context, key store.AssetKey) (map[string]struct{}, error) {
	if c.assignmentsErr != nil {
		return nil, c.assignmentsErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]struct{})
	for serialNumber := range c.assignments[key] {
		set[serialNumber] = struct{}{}
	}
	return set, nil
}

func (c *fakeClient) GetAssetMetadata(_ context.Context, catalogID string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadata[catalogID]
}

func (c *fakeClient) AssociateDevice(_ context.Context, _ string, _ store.AssetKey) (string, error) {
	c.associateCalls.Add(1)
	if c.associateErr != nil {
		return "", c.associateErr
	}
	return c.associateEventID, nil
}

func (c *fakeClient) DisassociateDevice(_ context.Context, _ string, _ store.AssetKey) (string, error) {
	return c.associateEventID, c.associateErr
}

type fakeProvider struct {
	token  *store.ServerToken
	client APIClient
}

func (p *fakeProvider) Get(_ context.Context, infoID string) (*store.ServerToken, APIClient, error) {
	if p.token == nil || p.token.InfoID != infoID {
		return nil, nil, apierrors.NotFound("server token", infoID)
	}
	return p.token, p.client, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Post(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *captureSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func (s *captureSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]EventType, 0, len(s.events))
	for _, event := range s.events {
		types = append(types, event.Type)
	}
	return types
}

type captureReporter struct {
	mu      sync.Mutex
	updates []IncidentUpdate
}

func (r *captureReporter) Report(_ context.Context, update IncidentUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

type fakePlanner struct {
	artifactVersionID string
}

func (p *fakePlanner) LatestArtifactVersion(_ context.Context, _ string, _ store.AssetKey) (string, error) {
	if p.artifactVersionID == "" {
		return "", apierrors.NotFound("artifact version", "none")
	}
	return p.artifactVersionID, nil
}

type captureEnqueuer struct {
	mu       sync.Mutex
	installs [][2]string
}

func (e *captureEnqueuer) EnqueueInstall(_ context.Context, serialNumber, artifactVersionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.installs = append(e.installs, [2]string{serialNumber, artifactVersionID})
	return nil
}

type testEnv struct {
	engine   *Engine
	store    *store.MemStore
	client   *fakeClient
	sink     *captureSink
	reporter *captureReporter
	planner  *fakePlanner
	enqueuer *captureEnqueuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	memStore := store.NewMemStore()
	token := &store.ServerToken{InfoID: "loc1", LocationName: "HQ", Token: "tok"}
	memStore.SetServerToken(token)

	env := &testEnv{
		store:    memStore,
		client:   &fakeClient{associateEventID: "evt-1"},
		sink:     &captureSink{},
		reporter: &captureReporter{},
		planner:  &fakePlanner{},
		enqueuer: &captureEnqueuer{},
	}
	engine, err := NewEngine(EngineParams{
		Store:     memStore,
		Clients:   &fakeProvider{token: token, client: env.client},
		Sink:      env.sink,
		Incidents: env.reporter,
		Planner:   env.planner,
		Enqueuer:  env.enqueuer,
		Config: config.SyncConfig{
			AssociationDebounce: 30 * time.Minute,
			AssignmentBatchSize: 1000,
			Workers:             2,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	env.engine = engine
	return env
}

func testEntitlement(assigned, available, retired, total int) store.ServerTokenAsset {
	return store.ServerTokenAsset{
		LocationID:     "loc1",
		Key:            testKey,
		AssignedCount:  assigned,
		AvailableCount: available,
		RetiredCount:   retired,
		TotalCount:     total,
	}
}

// seedEntitlement stores an asset and its entitlement without going through
// a sync run.
func (env *testEnv) seedEntitlement(t *testing.T, sta store.ServerTokenAsset) {
	t.Helper()
	ctx := context.Background()
	err := env.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateAsset(ctx, &store.Asset{Key: sta.Key, DeviceAssignable: true}); err != nil {
			return err
		}
		return tx.CreateServerTokenAsset(ctx, &sta)
	})
	require.NoError(t, err)
}

func (env *testEnv) entitlement(t *testing.T, key store.AssetKey) store.ServerTokenAsset {
	t.Helper()
	ctx := context.Background()
	var sta store.ServerTokenAsset
	err := env.store.WithTx(ctx, func(tx store.Tx) error {
		got, err := tx.ServerTokenAssetForUpdate(ctx, "loc1", key)
		if err != nil {
			return err
		}
		sta = *got
		return nil
	})
	require.NoError(t, err)
	return sta
}

func (env *testEnv) assignmentSerials(t *testing.T, key store.AssetKey) map[string]struct{} {
	t.Helper()
	ctx := context.Background()
	var serials map[string]struct{}
	err := env.store.WithTx(ctx, func(tx store.Tx) error {
		got, err := tx.AssignmentSerials(ctx, "loc1", key)
		serials = got
		return err
	})
	require.NoError(t, err)
	return serials
}
