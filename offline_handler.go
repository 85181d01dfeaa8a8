package driftsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NetworkState is the offline handler's view of connectivity.
type NetworkState string

const (
	NetworkOnline       NetworkState = "online"
	NetworkDegraded     NetworkState = "degraded"
	NetworkOffline      NetworkState = "offline"
	NetworkReconnecting NetworkState = "reconnecting"
)

// Connectivity score thresholds for state transitions.
const (
	scoreOnline   = 0.8
	scoreDegraded = 0.3
)

// OperationType classifies a queued operation.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpSync   OperationType = "sync"
	OpCustom OperationType = "custom"
)

// OperationPriority orders queue processing. Lower values run first.
type OperationPriority int

const (
	PriorityImmediate  OperationPriority = 0
	PriorityHigh       OperationPriority = 1
	PriorityNormal     OperationPriority = 2
	PriorityLow        OperationPriority = 3
	PriorityBackground OperationPriority = 4
)

// QueuedOperation is one unit of deferred work. Dependencies name other
// operation IDs that must complete before this one becomes eligible.
type QueuedOperation struct {
	ID           string            `json:"id"`
	Type         OperationType     `json:"type"`
	Priority     OperationPriority `json:"priority"`
	Data         Document          `json:"data,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	NextRetryAt  time.Time         `json:"next_retry_at,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	LastError    string            `json:"last_error,omitempty"`
}

// ConnectivityProbe measures network quality, returning a score in [0,1].
type ConnectivityProbe func(ctx context.Context) (float64, error)

// OperationExecutor performs one queued operation when connectivity allows.
type OperationExecutor func(ctx context.Context, op *QueuedOperation) error

// OfflineStats tracks queue and connectivity activity.
type OfflineStats struct {
	Enqueued        int64         `json:"enqueued"`
	Executed        int64         `json:"executed"`
	Failed          int64         `json:"failed"`
	Retried         int64         `json:"retried"`
	QueueDepth      int           `json:"queue_depth"`
	FailedDepth     int           `json:"failed_depth"`
	State           NetworkState  `json:"state"`
	OfflineDuration time.Duration `json:"offline_duration"`
	LastProbeScore  float64       `json:"last_probe_score"`
}

// offlineState is the durable snapshot written to storage on every queue
// mutation so a restart resumes exactly where it left off.
type offlineState struct {
	Queue     []*QueuedOperation `json:"queue"`
	Completed []string           `json:"completed"`
	Failed    []*QueuedOperation `json:"failed"`
	Stats     OfflineStats       `json:"stats"`
}

// OfflineHandler tracks network state through a periodic connectivity probe
// and drains a durable, priority-ordered operation queue whenever the
// network allows.
type OfflineHandler struct {
	config  OfflineConfig
	backend StorageBackend
	logger  *slog.Logger
	metrics *MetricsRegistry
	probe   ConnectivityProbe

	mu        sync.Mutex
	state     NetworkState
	queue     []*QueuedOperation
	completed map[string]struct{}
	failed    map[string]*QueuedOperation
	executors map[OperationType]OperationExecutor
	handlers  []func(old, new NetworkState)
	errorCbs  map[string]func(*QueuedOperation, error)
	stats     OfflineStats

	offlineSince time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOfflineHandler creates an offline handler. probe may be nil, in which
// case the handler stays in its initial ONLINE state until SetNetworkState
// is called. Persisted queue state is reloaded when a backend is set.
func NewOfflineHandler(cfg OfflineConfig, backend StorageBackend, probe ConnectivityProbe, logger *slog.Logger, metrics *MetricsRegistry) (*OfflineHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	oh := &OfflineHandler{
		config:    cfg,
		backend:   backend,
		logger:    logger.With("component", "offline_handler"),
		metrics:   metrics,
		probe:     probe,
		state:     NetworkOnline,
		completed: make(map[string]struct{}),
		failed:    make(map[string]*QueuedOperation),
		executors: make(map[OperationType]OperationExecutor),
		errorCbs:  make(map[string]func(*QueuedOperation, error)),
	}
	oh.stats.State = NetworkOnline

	if backend != nil && cfg.PersistState {
		if err := oh.loadState(context.Background()); err != nil {
			return nil, fmt.Errorf("load offline queue state: %w", err)
		}
	}
	return oh, nil
}

// Start launches the connectivity monitor and queue processor loops.
func (oh *OfflineHandler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	oh.cancel = cancel

	if oh.probe != nil {
		interval := oh.config.ConnectivityCheckInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		oh.wg.Add(1)
		go oh.connectivityLoop(ctx, interval)
	}

	process := oh.config.ProcessInterval
	if process <= 0 {
		process = time.Second
	}
	oh.wg.Add(1)
	go oh.processLoop(ctx, process)
}

// Stop halts background loops and waits for them to exit.
func (oh *OfflineHandler) Stop() {
	if oh.cancel != nil {
		oh.cancel()
	}
	oh.wg.Wait()
}

// RegisterExecutor installs the executor for one operation type.
func (oh *OfflineHandler) RegisterExecutor(opType OperationType, fn OperationExecutor) {
	oh.mu.Lock()
	defer oh.mu.Unlock()
	oh.executors[opType] = fn
}

// OnStateChange registers a handler invoked on every network transition.
func (oh *OfflineHandler) OnStateChange(fn func(old, new NetworkState)) {
	oh.mu.Lock()
	defer oh.mu.Unlock()
	oh.handlers = append(oh.handlers, fn)
}

// State returns the current network state.
func (oh *OfflineHandler) State() NetworkState {
	oh.mu.Lock()
	defer oh.mu.Unlock()
	return oh.state
}

// Enqueue adds an operation in priority order; equal priorities keep FIFO
// insertion order. An error callback, if given, fires when the operation
// exhausts its retries.
func (oh *OfflineHandler) Enqueue(ctx context.Context, op *QueuedOperation, onError func(*QueuedOperation, error)) (string, error) {
	if op == nil {
		return "", fmt.Errorf("%w: nil operation", ErrInvalidRequest)
	}

	oh.mu.Lock()
	if len(oh.queue) >= oh.config.MaxQueueSize {
		oh.mu.Unlock()
		return "", fmt.Errorf("queue at capacity %d: %w", oh.config.MaxQueueSize, ErrQueueFull)
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.MaxRetries == 0 {
		op.MaxRetries = oh.config.MaxRetries
	}
	op.EnqueuedAt = time.Now()

	// Stable priority insert: place after all operations of equal or
	// higher urgency.
	pos := len(oh.queue)
	for i, existing := range oh.queue {
		if existing.Priority > op.Priority {
			pos = i
			break
		}
	}
	oh.queue = append(oh.queue, nil)
	copy(oh.queue[pos+1:], oh.queue[pos:])
	oh.queue[pos] = op

	if onError != nil {
		oh.errorCbs[op.ID] = onError
	}
	oh.stats.Enqueued++
	oh.stats.QueueDepth = len(oh.queue)
	oh.mu.Unlock()

	if oh.metrics != nil {
		oh.metrics.RecordOperationQueued()
		oh.metrics.SetQueueDepth(int64(oh.stats.QueueDepth))
	}
	oh.persist(ctx)

	oh.logger.Debug("operation queued", "operation_id", op.ID, "type", op.Type, "priority", op.Priority)
	return op.ID, nil
}

// SetNetworkState forces a transition, for callers that track connectivity
// themselves.
func (oh *OfflineHandler) SetNetworkState(state NetworkState) {
	oh.mu.Lock()
	handlers := oh.transitionLocked(state)
	oh.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

// transitionLocked applies a state change and returns the handler
// invocations to run outside the lock.
func (oh *OfflineHandler) transitionLocked(next NetworkState) []func() {
	prev := oh.state
	if prev == next {
		return nil
	}

	if prev == NetworkOnline || prev == NetworkDegraded {
		if next == NetworkOffline {
			oh.offlineSince = time.Now()
		}
	}
	if next == NetworkOnline && !oh.offlineSince.IsZero() {
		oh.stats.OfflineDuration += time.Since(oh.offlineSince)
		oh.offlineSince = time.Time{}
	}

	oh.state = next
	oh.stats.State = next
	oh.logger.Info("network state changed", "from", prev, "to", next)

	calls := make([]func(), 0, len(oh.handlers))
	for _, h := range oh.handlers {
		h := h
		calls = append(calls, func() { h(prev, next) })
	}
	return calls
}

func (oh *OfflineHandler) connectivityLoop(ctx context.Context, interval time.Duration) {
	defer oh.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			oh.CheckConnectivity(ctx)
		}
	}
}

// CheckConnectivity runs one probe cycle and applies the resulting state
// transition. Probe failures count as a zero score.
func (oh *OfflineHandler) CheckConnectivity(ctx context.Context) NetworkState {
	if oh.probe == nil {
		return oh.State()
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	score, err := oh.probe(probeCtx)
	cancel()
	if err != nil {
		score = 0
	}

	oh.mu.Lock()
	oh.stats.LastProbeScore = score
	prev := oh.state

	var next NetworkState
	switch {
	case score >= scoreOnline:
		next = NetworkOnline
	case score >= scoreDegraded:
		// A partially successful probe while offline means we are coming
		// back, not merely degraded.
		if prev == NetworkOffline || prev == NetworkReconnecting {
			next = NetworkReconnecting
		} else {
			next = NetworkDegraded
		}
	default:
		next = NetworkOffline
	}
	handlers := oh.transitionLocked(next)
	oh.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	return next
}

func (oh *OfflineHandler) processLoop(ctx context.Context, interval time.Duration) {
	defer oh.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			oh.ProcessQueue(ctx)
		}
	}
}

// ProcessQueue executes every currently eligible operation. An operation is
// eligible when the network is usable, all dependencies have completed, and
// its retry time has elapsed. Returns the number executed successfully.
func (oh *OfflineHandler) ProcessQueue(ctx context.Context) int {
	executed := 0
	for {
		op, executor := oh.nextEligible()
		if op == nil {
			break
		}
		if oh.executeOne(ctx, op, executor) {
			executed++
		}
	}
	return executed
}

// nextEligible pops the first eligible operation, or nil when none is ready.
func (oh *OfflineHandler) nextEligible() (*QueuedOperation, OperationExecutor) {
	oh.mu.Lock()
	defer oh.mu.Unlock()

	if oh.state != NetworkOnline && oh.state != NetworkDegraded {
		return nil, nil
	}

	now := time.Now()
	for i, op := range oh.queue {
		if !op.NextRetryAt.IsZero() && now.Before(op.NextRetryAt) {
			continue
		}
		ready := true
		for _, dep := range op.Dependencies {
			if _, done := oh.completed[dep]; !done {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		oh.queue = append(oh.queue[:i], oh.queue[i+1:]...)
		oh.stats.QueueDepth = len(oh.queue)
		return op, oh.executors[op.Type]
	}
	return nil, nil
}

func (oh *OfflineHandler) executeOne(ctx context.Context, op *QueuedOperation, executor OperationExecutor) bool {
	var err error
	if executor == nil {
		err = fmt.Errorf("%w: no executor for operation type %q", ErrInvalidRequest, op.Type)
	} else {
		err = executor(ctx, op)
	}

	if err == nil {
		oh.mu.Lock()
		oh.completed[op.ID] = struct{}{}
		delete(oh.errorCbs, op.ID)
		oh.stats.Executed++
		oh.mu.Unlock()

		if oh.metrics != nil {
			oh.metrics.RecordOperationExecuted()
		}
		oh.persist(ctx)
		return true
	}

	op.RetryCount++
	op.LastError = err.Error()

	if op.RetryCount > op.MaxRetries {
		oh.mu.Lock()
		oh.failed[op.ID] = op
		cb := oh.errorCbs[op.ID]
		delete(oh.errorCbs, op.ID)
		oh.stats.Failed++
		oh.stats.FailedDepth = len(oh.failed)
		oh.mu.Unlock()

		if oh.metrics != nil {
			oh.metrics.RecordOperationFailed()
		}
		oh.logger.Warn("operation exhausted retries",
			"operation_id", op.ID, "type", op.Type, "retries", op.RetryCount-1, "error", err)
		if cb != nil {
			cb(op, fmt.Errorf("%w: %v", ErrRetriesExhausted, err))
		}
		oh.persist(ctx)
		return false
	}

	op.NextRetryAt = time.Now().Add(computeBackoff(op.RetryCount, oh.config.RetryBaseDelay, oh.config.RetryMaxDelay))

	oh.mu.Lock()
	// Requeue keeping priority order.
	pos := len(oh.queue)
	for i, existing := range oh.queue {
		if existing.Priority > op.Priority {
			pos = i
			break
		}
	}
	oh.queue = append(oh.queue, nil)
	copy(oh.queue[pos+1:], oh.queue[pos:])
	oh.queue[pos] = op
	oh.stats.Retried++
	oh.stats.QueueDepth = len(oh.queue)
	oh.mu.Unlock()

	oh.logger.Debug("operation retry scheduled",
		"operation_id", op.ID, "retry", op.RetryCount, "next_retry_at", op.NextRetryAt)
	oh.persist(ctx)
	return false
}

// FailedOperations returns operations that exhausted their retries.
func (oh *OfflineHandler) FailedOperations() []*QueuedOperation {
	oh.mu.Lock()
	defer oh.mu.Unlock()

	out := make([]*QueuedOperation, 0, len(oh.failed))
	for _, op := range oh.failed {
		out = append(out, op)
	}
	return out
}

// QueuedOperations returns a snapshot of the pending queue in order.
func (oh *OfflineHandler) QueuedOperations() []*QueuedOperation {
	oh.mu.Lock()
	defer oh.mu.Unlock()
	return append([]*QueuedOperation(nil), oh.queue...)
}

// Stats returns a copy of the handler's statistics, including accumulated
// offline time up to now.
func (oh *OfflineHandler) Stats() OfflineStats {
	oh.mu.Lock()
	defer oh.mu.Unlock()

	stats := oh.stats
	if !oh.offlineSince.IsZero() {
		stats.OfflineDuration += time.Since(oh.offlineSince)
	}
	return stats
}

// persist writes the queue, completion set, and statistics to storage.
func (oh *OfflineHandler) persist(ctx context.Context) {
	if oh.backend == nil || !oh.config.PersistState {
		return
	}

	oh.mu.Lock()
	state := offlineState{
		Queue: oh.queue,
		Stats: oh.stats,
	}
	for id := range oh.completed {
		state.Completed = append(state.Completed, id)
	}
	for _, op := range oh.failed {
		state.Failed = append(state.Failed, op)
	}
	raw, err := json.Marshal(&state)
	oh.mu.Unlock()
	if err != nil {
		oh.logger.Error("serialize queue state failed", "error", err)
		return
	}

	if err := oh.backend.Write(ctx, keyQueueState, raw); err != nil {
		oh.logger.Warn("persist queue state failed", "error", err)
	}
}

func (oh *OfflineHandler) loadState(ctx context.Context) error {
	raw, err := oh.backend.Read(ctx, keyQueueState)
	if err != nil {
		exists, existsErr := oh.backend.Exists(ctx, keyQueueState)
		if existsErr == nil && !exists {
			return nil
		}
		return err
	}

	var state offlineState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("parse queue state: %w", err)
	}

	oh.queue = state.Queue
	for _, id := range state.Completed {
		oh.completed[id] = struct{}{}
	}
	for _, op := range state.Failed {
		oh.failed[op.ID] = op
	}
	oh.stats = state.Stats
	oh.stats.QueueDepth = len(oh.queue)
	oh.stats.FailedDepth = len(oh.failed)
	oh.stats.State = oh.state

	oh.logger.Info("offline queue restored",
		"queued", len(oh.queue), "completed", len(state.Completed), "failed", len(oh.failed))
	return nil
}
