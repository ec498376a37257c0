package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"vlsync/internal/config"
	"vlsync/internal/store"
	"vlsync/internal/vpp"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// APIClient is the slice of the licensing API client the engine consumes.
// *vpp.Client satisfies it; tests substitute fakes.
type APIClient interface {
	GetAsset(ctx context.Context, key store.AssetKey) (*vpp.AssetData, error)
	ForEachAsset(ctx context.Context, fn func(*vpp.AssetData) error) error
	AssetAssignments(ctx context.Context, key store.AssetKey) (map[string]struct{}, error)
	GetAssetMetadata(ctx context.Context, catalogID string) map[string]any
	AssociateDevice(ctx context.Context, serialNumber string, key store.AssetKey) (string, error)
	DisassociateDevice(ctx context.Context, serialNumber string, key store.AssetKey) (string, error)
}

// ClientProvider resolves a location info id to its credential record and
// API client.
type ClientProvider interface {
	Get(ctx context.Context, infoID string) (*store.ServerToken, APIClient, error)
}

// NewLocationProvider adapts a vpp.LocationCache to the ClientProvider
// interface.
func NewLocationProvider(cache *vpp.LocationCache) ClientProvider {
	return locationProvider{cache: cache}
}

type locationProvider struct {
	cache *vpp.LocationCache
}

func (p locationProvider) Get(ctx context.Context, infoID string) (*store.ServerToken, APIClient, error) {
	token, client, err := p.cache.Get(ctx, infoID)
	if err != nil {
		return nil, nil, err
	}
	return token, client, nil
}

// InstallPlanner selects the artifact version to install for a device once
// an asset assignment is confirmed.
type InstallPlanner interface {
	// LatestArtifactVersion returns the id of the newest artifact version
	// targeting the asset for the device, or a not-found error when there
	// is no install candidate.
	LatestArtifactVersion(ctx context.Context, serialNumber string, key store.AssetKey) (string, error)
}

// CommandEnqueuer hands install instructions to the command-dispatch
// subsystem.
type CommandEnqueuer interface {
	EnqueueInstall(ctx context.Context, serialNumber, artifactVersionID string) error
}

// Engine ties the store, the API clients and the downstream collaborators
// together. All exposed operations are safe for concurrent use.
type Engine struct {
	store     store.Store
	clients   ClientProvider
	sink      Sink
	incidents IncidentReporter
	planner   InstallPlanner
	enqueuer  CommandEnqueuer
	cfg       config.SyncConfig
	logger    *slog.Logger
	metrics   *Metrics
}

// EngineParams bundles the Engine dependencies. Store, Clients, Sink and
// Logger are required; Incidents, Planner, Enqueuer and Metrics are
// optional.
type EngineParams struct {
	Store     store.Store
	Clients   ClientProvider
	Sink      Sink
	Incidents IncidentReporter
	Planner   InstallPlanner
	Enqueuer  CommandEnqueuer
	Config    config.SyncConfig
	Logger    *slog.Logger
	Metrics   *Metrics
}

// NewEngine builds an Engine, validating the required dependencies.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.Clients == nil {
		return nil, errors.New("client provider is required")
	}
	if params.Sink == nil {
		return nil, errors.New("event sink is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Config.AssignmentBatchSize <= 0 {
		return nil, errors.New("assignment batch size must be positive")
	}
	return &Engine{
		store:     params.Store,
		clients:   params.Clients,
		sink:      params.Sink,
		incidents: params.Incidents,
		planner:   params.Planner,
		enqueuer:  params.Enqueuer,
		cfg:       params.Config,
		logger:    params.Logger,
		metrics:   params.Metrics,
	}, nil
}

// installRequest is an install decision taken inside a transaction, issued
// to the command enqueuer only after the transaction commits.
type installRequest struct {
	serialNumber      string
	artifactVersionID string
}

// postEvents delivers events to the sink and reports attached incident
// updates. It must only be called after the producing transaction has
// committed.
func (e *Engine) postEvents(ctx context.Context, events []Event) {
	for _, event := range events {
		e.sink.Post(event)
		if event.Incident != nil && e.incidents != nil {
			e.incidents.Report(ctx, *event.Incident)
		}
	}
	e.metrics.recordEvents(ctx, events)
}

// queueInstalls issues the install requests collected during a committed
// transaction.
func (e *Engine) queueInstalls(ctx context.Context, installs []installRequest) {
	if e.enqueuer == nil {
		return
	}
	for _, install := range installs {
		if err := e.enqueuer.EnqueueInstall(ctx, install.serialNumber, install.artifactVersionID); err != nil {
			e.logger.ErrorContext(ctx, "could not enqueue install command",
				"serial_number", install.serialNumber,
				"artifact_version", install.artifactVersionID,
				"error", err)
			continue
		}
		e.metrics.recordInstallQueued(ctx)
	}
}
