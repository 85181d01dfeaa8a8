package driftsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServiceState is the orchestrator's lifecycle state.
type ServiceState string

const (
	StateInitializing ServiceState = "initializing"
	StateRunning      ServiceState = "running"
	StateStopping     ServiceState = "stopping"
	StateStopped      ServiceState = "stopped"
	StateError        ServiceState = "error"
)

// SyncRequest is one client operation submitted to the service.
type SyncRequest struct {
	Operation     string             `json:"operation"`
	EntityType    string             `json:"entity_type,omitempty"`
	EntityID      string             `json:"entity_id,omitempty"`
	Data          Document           `json:"data,omitempty"`
	VersionID     string             `json:"version_id,omitempty"`
	BaseVersionID string             `json:"base_version_id,omitempty"`
	ConflictID    string             `json:"conflict_id,omitempty"`
	ResolvedData  Document           `json:"resolved_data,omitempty"`
	Strategy      ResolutionStrategy `json:"strategy,omitempty"`
	Limit         int                `json:"limit,omitempty"`
	UserID        string             `json:"user_id,omitempty"`
	DeviceID      string             `json:"device_id,omitempty"`
	Token         string             `json:"token,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
}

// SyncResponse reports the outcome of one request.
type SyncResponse struct {
	Success        bool       `json:"success"`
	Operation      string     `json:"operation"`
	Version        *Version   `json:"version,omitempty"`
	Versions       []*Version `json:"versions,omitempty"`
	ConflictIDs    []string   `json:"conflict_ids,omitempty"`
	NeedsUserInput bool       `json:"needs_user_input"`
	Warnings       []string   `json:"warnings,omitempty"`
	Error          string     `json:"error,omitempty"`
	ProcessedAt    time.Time  `json:"processed_at"`
}

// ServiceStatus is a read-only view of the running service.
type ServiceStatus struct {
	State             ServiceState    `json:"state"`
	Uptime            time.Duration   `json:"uptime"`
	NetworkState      NetworkState    `json:"network_state"`
	ConnectedDevices  int             `json:"connected_devices"`
	RegisteredDevices int64           `json:"registered_devices"`
	PendingConflicts  int             `json:"pending_conflicts"`
	QueueDepth        int             `json:"queue_depth"`
	EventStore        EventStoreStats `json:"event_store"`
}

// HandlerFunc processes one sync request.
type HandlerFunc func(ctx context.Context, req *SyncRequest) (*SyncResponse, error)

// Middleware wraps a HandlerFunc with cross-cutting behavior.
type Middleware func(HandlerFunc) HandlerFunc

// SyncService is the composition root and orchestrator. It wires the
// version manager, conflict resolver, event store, offline handler, device
// coordinator, and connection manager into one request-processing surface.
type SyncService struct {
	config  Config
	logger  *slog.Logger
	metrics *MetricsRegistry

	backend     StorageBackend
	codec       *Codec
	encryptor   *Encryptor
	versions    *VersionManager
	resolver    *ConflictResolver
	events      *EventStore
	offline     *OfflineHandler
	devices     *DeviceCoordinator
	connections *ConnectionManager
	authFn      AuthFunc

	mu        sync.Mutex
	state     ServiceState
	handler   HandlerFunc
	startedAt time.Time

	rateMu      sync.Mutex
	rateWindows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

// New builds the full component graph from configuration. The service
// starts in the initializing state; call Initialize then Start.
func New(cfg Config, probe ConnectivityProbe) (*SyncService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel)
	metrics := NewMetricsRegistry()

	backend, err := OpenStorageBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}
	codec := NewCodec(cfg.Storage.Compression)
	encryptor, err := NewEncryptor(cfg.Storage.Encryption)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	versions, err := NewVersionManager(cfg.Version, backend, codec, logger, metrics)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	events, err := NewEventStore(cfg.Event, backend, codec, logger, metrics)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	offline, err := NewOfflineHandler(cfg.Offline, backend, probe, logger, metrics)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	var authFn AuthFunc
	if cfg.Service.JWTSecret != "" {
		authFn = JWTAuth(cfg.Service.JWTSecret)
	}
	connections := NewConnectionManager(cfg.Connection, authFn, logger, metrics)
	resolver := NewConflictResolver(logger, metrics)
	devices := NewDeviceCoordinator(cfg.Device, connections, offline, codec, encryptor, logger, metrics)

	return &SyncService{
		config:      cfg,
		logger:      logger.With("component", "sync_service"),
		metrics:     metrics,
		backend:     backend,
		codec:       codec,
		encryptor:   encryptor,
		versions:    versions,
		resolver:    resolver,
		events:      events,
		offline:     offline,
		devices:     devices,
		connections: connections,
		authFn:      authFn,
		state:       StateInitializing,
		rateWindows: make(map[string]*rateWindow),
	}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Initialize installs the integration hooks between components and builds
// the request middleware chain.
func (s *SyncService) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing {
		return fmt.Errorf("%w: service already initialized", ErrInvalidRequest)
	}

	// Every new version is recorded in the event log.
	s.versions.OnVersionCreated(func(v *Version) {
		ev := NewEvent(EventVersionCreated, v.EntityType, v.EntityID, Document{
			"version_id": v.ID,
			"parents":    len(v.ParentVersions),
		})
		ev.UserID = v.Author
		ev.DeviceID = v.DeviceID
		ev.Checksum = ev.computeChecksum()
		s.events.AppendEvent(context.Background(), ev)
	})

	// Queued sync operations drain through the live transport.
	s.offline.RegisterExecutor(OpSync, func(ctx context.Context, op *QueuedOperation) error {
		target, _ := op.Data["target_device"].(string)
		if target == "" {
			return fmt.Errorf("%w: queued sync missing target device", ErrInvalidRequest)
		}
		if !s.connections.IsConnected(target) {
			return fmt.Errorf("device %s: %w", target, ErrNotConnected)
		}
		return s.connections.Send(target, NewMessage("sync_data", op.Data))
	})

	// Inbound sync_request messages route through the same pipeline as
	// programmatic calls, with responses sent back over the session.
	s.connections.RegisterHandler("sync_request", func(ctx context.Context, deviceID string, msg *Message) {
		raw, err := json.Marshal(msg.Data)
		if err != nil {
			return
		}
		var req SyncRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			s.logger.Warn("malformed sync request", "device_id", deviceID, "error", err)
			return
		}
		req.DeviceID = deviceID
		resp, err := s.ProcessSyncRequest(ctx, &req)
		if err != nil {
			resp = &SyncResponse{Operation: req.Operation, Error: err.Error(), ProcessedAt: time.Now()}
		}
		if sendErr := s.connections.Send(deviceID, NewMessage("sync_response", resp)); sendErr != nil {
			s.logger.Warn("send sync response failed", "device_id", deviceID, "error", sendErr)
		}
	})

	// Device heartbeats also feed the coordinator's health tracking.
	s.connections.RegisterHandler("heartbeat", func(ctx context.Context, deviceID string, msg *Message) {
		_ = s.devices.Heartbeat(deviceID)
	})

	s.handler = chain(s.dispatch,
		s.metricsMiddleware,
		s.rateLimitMiddleware,
		s.authMiddleware,
		s.validateMiddleware,
	)
	return nil
}

// chain applies middlewares so the first listed runs outermost.
func chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for _, mw := range mws {
		h = mw(h)
	}
	return h
}

// Start launches all background loops and moves the service to running.
func (s *SyncService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return fmt.Errorf("%w: call Initialize before Start", ErrInvalidRequest)
	}
	if s.state == StateRunning {
		return nil
	}

	s.events.Start(ctx)
	s.offline.Start(ctx)
	s.devices.Start(ctx)
	s.connections.Start(ctx)

	s.state = StateRunning
	s.startedAt = time.Now()
	s.logger.Info("sync service running",
		"storage_backend", s.config.Storage.Backend,
		"default_strategy", s.config.Service.DefaultStrategy)
	return nil
}

// Stop halts background loops, closes the storage backend, and moves the
// service to stopped.
func (s *SyncService) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.connections.Stop()
	s.devices.Stop()
	s.offline.Stop()
	s.events.Stop()
	err := s.backend.Close()

	s.mu.Lock()
	if err != nil {
		s.state = StateError
	} else {
		s.state = StateStopped
	}
	s.mu.Unlock()

	s.logger.Info("sync service stopped")
	return err
}

// State returns the service lifecycle state.
func (s *SyncService) State() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Components expose the underlying managers for direct use.

func (s *SyncService) Versions() *VersionManager        { return s.versions }
func (s *SyncService) Resolver() *ConflictResolver      { return s.resolver }
func (s *SyncService) Events() *EventStore              { return s.events }
func (s *SyncService) Offline() *OfflineHandler         { return s.offline }
func (s *SyncService) Devices() *DeviceCoordinator      { return s.devices }
func (s *SyncService) Connections() *ConnectionManager  { return s.connections }

// RegisterDevice registers a device for a user.
func (s *SyncService) RegisterDevice(ctx context.Context, userID string, info *DeviceInfo) (string, error) {
	return s.devices.RegisterDevice(ctx, userID, info)
}

// UnregisterDevice removes a device.
func (s *SyncService) UnregisterDevice(deviceID string) error {
	return s.devices.UnregisterDevice(deviceID)
}

// GetMetrics returns a snapshot of all service counters.
func (s *SyncService) GetMetrics() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// GetStatus returns the service's operational status.
func (s *SyncService) GetStatus() ServiceStatus {
	s.mu.Lock()
	state := s.state
	started := s.startedAt
	s.mu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}
	offlineStats := s.offline.Stats()
	return ServiceStatus{
		State:             state,
		Uptime:            uptime,
		NetworkState:      offlineStats.State,
		ConnectedDevices:  s.connections.ConnectedDevices(),
		RegisteredDevices: s.metrics.Snapshot().RegisteredDevices,
		PendingConflicts:  len(s.resolver.PendingConflicts()),
		QueueDepth:        offlineStats.QueueDepth,
		EventStore:        s.events.Stats(),
	}
}

// ProcessSyncRequest runs one request through the middleware chain.
func (s *SyncService) ProcessSyncRequest(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	s.mu.Lock()
	state := s.state
	handler := s.handler
	s.mu.Unlock()

	if state != StateRunning {
		return nil, fmt.Errorf("%w: service is %s", ErrInvalidRequest, state)
	}
	return handler(ctx, req)
}

func (s *SyncService) validateMiddleware(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
		if req == nil || req.Operation == "" {
			return nil, newSyncError(SyncErrorTypeValidation, "missing operation", ErrInvalidRequest)
		}
		switch req.Operation {
		case "create", "sync", "update", "delete", "get_history":
			if req.EntityType == "" || req.EntityID == "" {
				return nil, newSyncError(SyncErrorTypeValidation, req.Operation+" requires entity type and id", ErrInvalidRequest)
			}
		case "get_version":
			if req.VersionID == "" {
				return nil, newSyncError(SyncErrorTypeValidation, "get_version requires a version id", ErrInvalidRequest)
			}
		case "resolve_conflict":
			if req.ConflictID == "" {
				return nil, newSyncError(SyncErrorTypeValidation, "resolve_conflict requires a conflict id", ErrInvalidRequest)
			}
		default:
			return nil, newSyncError(SyncErrorTypeValidation, fmt.Sprintf("unknown operation %q", req.Operation), ErrInvalidRequest)
		}
		return next(ctx, req)
	}
}

func (s *SyncService) authMiddleware(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
		if s.config.Service.AuthRequired {
			if s.authFn == nil {
				return nil, newSyncError(SyncErrorTypeAuth, "authentication not configured", ErrNotAuthenticated)
			}
			claims, err := s.authFn(req.Token)
			if err != nil {
				return nil, newSyncError(SyncErrorTypeAuth, "token rejected", err)
			}
			req.UserID = claims.UserID
			if req.DeviceID == "" {
				req.DeviceID = claims.DeviceID
			}
		}
		return next(ctx, req)
	}
}

func (s *SyncService) rateLimitMiddleware(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
		limit := s.config.Service.RateLimitPerSecond
		if limit > 0 && req.DeviceID != "" {
			s.rateMu.Lock()
			w := s.rateWindows[req.DeviceID]
			now := time.Now()
			if w == nil || now.Sub(w.start) >= time.Second {
				w = &rateWindow{start: now}
				s.rateWindows[req.DeviceID] = w
			}
			w.count++
			over := w.count > limit
			s.rateMu.Unlock()
			if over {
				return nil, fmt.Errorf("device %s: %w", req.DeviceID, ErrRateLimited)
			}
		}
		return next(ctx, req)
	}
}

func (s *SyncService) metricsMiddleware(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		s.metrics.RecordRequest(err == nil && (resp == nil || resp.Success || resp.NeedsUserInput), time.Since(start))
		return resp, err
	}
}

func (s *SyncService) dispatch(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	resp := &SyncResponse{Operation: req.Operation, ProcessedAt: time.Now()}

	switch req.Operation {
	case "create":
		return s.handleCreate(ctx, req, resp)
	case "sync", "update":
		return s.handleUpdate(ctx, req, resp)
	case "delete":
		return s.handleDelete(ctx, req, resp)
	case "get_version":
		v, err := s.versions.GetVersion(req.VersionID)
		if err != nil {
			return nil, newSyncError(SyncErrorTypeVersion, "get version "+req.VersionID, err)
		}
		resp.Success = true
		resp.Version = v
		return resp, nil
	case "get_history":
		limit := req.Limit
		if limit <= 0 || (s.config.Service.SyncBatchSize > 0 && limit > s.config.Service.SyncBatchSize) {
			limit = s.config.Service.SyncBatchSize
		}
		history, err := s.versions.GetHistory(req.EntityType, req.EntityID, limit)
		if err != nil {
			return nil, err
		}
		resp.Success = true
		resp.Versions = history
		return resp, nil
	case "resolve_conflict":
		return s.handleResolveConflict(ctx, req, resp)
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, req.Operation)
	}
}

func (s *SyncService) handleCreate(ctx context.Context, req *SyncRequest, resp *SyncResponse) (*SyncResponse, error) {
	v, err := s.versions.CreateVersion(ctx, req.EntityType, req.EntityID, req.Data, nil, req.UserID, req.DeviceID)
	if err != nil {
		return nil, err
	}
	s.emitEvent(ctx, EventDataCreated, req, v.Data)
	s.fanOut(ctx, req, v)

	resp.Success = true
	resp.Version = v
	return resp, nil
}

func (s *SyncService) handleUpdate(ctx context.Context, req *SyncRequest, resp *SyncResponse) (*SyncResponse, error) {
	current, err := s.versions.GetLatestVersion(req.EntityType, req.EntityID, "")
	if errors.Is(err, ErrEntityNotFound) {
		return s.handleCreate(ctx, req, resp)
	}
	if err != nil {
		return nil, err
	}

	incoming := &Version{
		ID:         "incoming-" + uuid.NewString(),
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Data:       copyDocument(req.Data),
		Timestamp:  time.Now(),
		Author:     req.UserID,
		DeviceID:   req.DeviceID,
	}

	localInfo := VersionInfo{VersionID: current.ID, Timestamp: current.Timestamp, Author: current.Author, DeviceID: current.DeviceID}
	remoteInfo := VersionInfo{VersionID: incoming.ID, Timestamp: incoming.Timestamp, Author: req.UserID, DeviceID: req.DeviceID}

	var baseInfo *VersionInfo
	var baseData Document
	if req.BaseVersionID != "" {
		if base, err := s.versions.GetVersion(req.BaseVersionID); err == nil {
			baseInfo = &VersionInfo{VersionID: base.ID, Timestamp: base.Timestamp}
			baseData = base.Data
		}
	}

	conflicts := s.resolver.DetectConflicts(req.EntityType, req.EntityID, current.Data, incoming.Data, localInfo, remoteInfo, baseInfo)
	mergedData := incoming.Data
	if len(conflicts) > 0 {
		strategy := req.Strategy
		if strategy == "" {
			strategy = ResolutionStrategy(s.config.Service.DefaultStrategy)
		}
		if strategy == "" {
			strategy = StrategyThreeWayMerge
		}

		rctx := &ResolutionContext{
			Versions: map[string]*Version{current.ID: current, incoming.ID: incoming},
			BaseData: baseData,
		}
		results := s.resolver.ResolveConflicts(ctx, conflicts, strategy, rctx)

		var failed bool
		for _, r := range results {
			resp.Warnings = append(resp.Warnings, r.Warnings...)
			switch r.Result {
			case ResolutionResolved:
				mergedData = r.ResolvedData
			case ResolutionNeedsUserInput:
				resp.ConflictIDs = append(resp.ConflictIDs, r.ConflictID)
				resp.NeedsUserInput = true
			default:
				resp.ConflictIDs = append(resp.ConflictIDs, r.ConflictID)
				failed = true
			}
		}
		// Unresolved conflicts short-circuit: no version is created from the
		// incoming data until the caller resolves them.
		if resp.NeedsUserInput || failed {
			resp.Success = false
			if resp.NeedsUserInput {
				resp.Error = ErrNeedsUserInput.Error()
			} else {
				resp.Error = "conflict resolution failed"
			}
			return resp, nil
		}
	}

	parents := []string{current.ID}
	v, err := s.versions.CreateVersion(ctx, req.EntityType, req.EntityID, mergedData, parents, req.UserID, req.DeviceID)
	if err != nil {
		return nil, err
	}
	s.emitEvent(ctx, EventDataUpdated, req, v.Data)
	s.fanOut(ctx, req, v)

	resp.Success = true
	resp.Version = v
	return resp, nil
}

func (s *SyncService) handleDelete(ctx context.Context, req *SyncRequest, resp *SyncResponse) (*SyncResponse, error) {
	var parents []string
	current, err := s.versions.GetLatestVersion(req.EntityType, req.EntityID, "")
	if err == nil {
		parents = []string{current.ID}
	} else if !errors.Is(err, ErrEntityNotFound) {
		return nil, err
	}

	tombstone := Document{markerDeleted: true}
	v, err := s.versions.CreateVersion(ctx, req.EntityType, req.EntityID, tombstone, parents, req.UserID, req.DeviceID)
	if err != nil {
		return nil, err
	}
	s.emitEvent(ctx, EventDataDeleted, req, nil)
	s.fanOut(ctx, req, v)

	resp.Success = true
	resp.Version = v
	return resp, nil
}

func (s *SyncService) handleResolveConflict(ctx context.Context, req *SyncRequest, resp *SyncResponse) (*SyncResponse, error) {
	conflict, err := s.resolver.SubmitUserResolution(req.ConflictID, req.ResolvedData)
	if err != nil {
		return nil, err
	}

	var parents []string
	if current, err := s.versions.GetLatestVersion(conflict.EntityType, conflict.EntityID, ""); err == nil {
		parents = []string{current.ID}
	}
	v, err := s.versions.CreateVersion(ctx, conflict.EntityType, conflict.EntityID, req.ResolvedData, parents, req.UserID, req.DeviceID)
	if err != nil {
		return nil, err
	}

	ev := NewEvent(EventConflictResolved, conflict.EntityType, conflict.EntityID, Document{
		"conflict_id": conflict.ID,
		"version_id":  v.ID,
	})
	ev.UserID = req.UserID
	ev.DeviceID = req.DeviceID
	ev.CorrelationID = req.CorrelationID
	ev.Checksum = ev.computeChecksum()
	s.events.AppendEvent(ctx, ev)

	fanReq := &SyncRequest{EntityType: conflict.EntityType, EntityID: conflict.EntityID, DeviceID: req.DeviceID}
	s.fanOut(ctx, fanReq, v)

	resp.Success = true
	resp.Version = v
	return resp, nil
}

func (s *SyncService) emitEvent(ctx context.Context, eventType EventType, req *SyncRequest, data Document) {
	ev := NewEvent(eventType, req.EntityType, req.EntityID, data)
	ev.UserID = req.UserID
	ev.DeviceID = req.DeviceID
	ev.CorrelationID = req.CorrelationID
	ev.Checksum = ev.computeChecksum()
	if !s.events.AppendEvent(ctx, ev) {
		s.logger.Warn("event append rejected",
			"event_type", eventType, "entity_type", req.EntityType, "entity_id", req.EntityID)
	}
}

// fanOut propagates a new version to the author's other devices.
func (s *SyncService) fanOut(ctx context.Context, req *SyncRequest, v *Version) {
	if req.DeviceID == "" {
		return
	}
	_, err := s.devices.SyncData(ctx, req.DeviceID, req.EntityType, "version_update", Document{
		"entity_type": v.EntityType,
		"entity_id":   v.EntityID,
		"version_id":  v.ID,
		"data":        v.Data,
	}, nil, PriorityNormal)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		s.logger.Warn("fan out failed", "device_id", req.DeviceID, "error", err)
	}
}
