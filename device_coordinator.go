package driftsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeviceType classifies a registered device.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceWeb     DeviceType = "web"
	DeviceAPI     DeviceType = "api"
)

// DeviceStatus is a device's lifecycle state.
type DeviceStatus string

const (
	DeviceOnline    DeviceStatus = "online"
	DeviceOffline   DeviceStatus = "offline"
	DeviceSyncing   DeviceStatus = "syncing"
	DeviceIdle      DeviceStatus = "idle"
	DeviceSuspended DeviceStatus = "suspended"
)

// DeviceCapabilities describes what a device can receive.
type DeviceCapabilities struct {
	StorageBytes        int64    `json:"storage_bytes"`
	BandwidthBps        int64    `json:"bandwidth_bps"`
	Categories          []string `json:"categories"`
	SupportsCompression bool     `json:"supports_compression"`
	SupportsEncryption  bool     `json:"supports_encryption"`
	SupportsOffline     bool     `json:"supports_offline"`
}

func (c DeviceCapabilities) supportsCategory(category string) bool {
	for _, cat := range c.Categories {
		if cat == category {
			return true
		}
	}
	return false
}

// DeviceInfo is one registered device.
type DeviceInfo struct {
	DeviceID     string             `json:"device_id"`
	UserID       string             `json:"user_id"`
	DeviceType   DeviceType         `json:"device_type"`
	Capabilities DeviceCapabilities `json:"capabilities"`
	Status       DeviceStatus       `json:"status"`
	LastSeen     time.Time          `json:"last_seen"`
	LastSync     time.Time          `json:"last_sync"`
}

// SyncOperation is one unit of cross-device data delivery.
type SyncOperation struct {
	ID              string            `json:"id"`
	SourceDeviceID  string            `json:"source_device_id"`
	TargetDeviceIDs []string          `json:"target_device_ids"`
	DataCategory    string            `json:"data_category"`
	OperationType   string            `json:"operation_type"`
	Data            Document          `json:"data,omitempty"`
	Priority        OperationPriority `json:"priority"`
	BandwidthLimit  int64             `json:"bandwidth_limit,omitempty"`
	ScheduledAt     time.Time         `json:"scheduled_at"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
	Success         bool              `json:"success"`
	RetryCount      int               `json:"retry_count"`
	Errors          []string          `json:"errors,omitempty"`
}

// SyncPolicy shapes delivery for matching device types and categories.
type SyncPolicy struct {
	Name           string        `json:"name"`
	DeviceTypes    []DeviceType  `json:"device_types,omitempty"`
	Categories     []string      `json:"categories,omitempty"`
	Delay          time.Duration `json:"delay,omitempty"`
	MaxBandwidth   int64         `json:"max_bandwidth,omitempty"`
	ForceImmediate bool          `json:"force_immediate"`
}

func (p *SyncPolicy) matches(deviceType DeviceType, category string) bool {
	if len(p.DeviceTypes) > 0 {
		found := false
		for _, t := range p.DeviceTypes {
			if t == deviceType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(p.Categories) > 0 {
		found := false
		for _, c := range p.Categories {
			if c == category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Transport delivers messages to connected devices.
type Transport interface {
	Send(deviceID string, msg *Message) error
	IsConnected(deviceID string) bool
}

// CoordinatorStats tracks coordinator activity.
type CoordinatorStats struct {
	Registered     int64 `json:"registered"`
	Unregistered   int64 `json:"unregistered"`
	SyncsScheduled int64 `json:"syncs_scheduled"`
	SyncsSucceeded int64 `json:"syncs_succeeded"`
	SyncsFailed    int64 `json:"syncs_failed"`
	OfflineQueued  int64 `json:"offline_queued"`
}

const coordinatorArchiveSize = 500

// Per-device delivery circuit breaker: after this many consecutive send
// failures the device is skipped until the reset timeout elapses.
const (
	deliveryBreakerFailures = 5
	deliveryBreakerReset    = 30 * time.Second
)

// DeviceCoordinator manages the device registry, channel subscriptions, and
// cross-device sync scheduling. Unreachable offline-capable targets are
// handed to the OfflineHandler for later delivery.
type DeviceCoordinator struct {
	config    DeviceConfig
	transport Transport
	offline   *OfflineHandler
	codec     *Codec
	encryptor *Encryptor
	logger    *slog.Logger
	metrics   *MetricsRegistry

	mu       sync.Mutex
	devices  map[string]*DeviceInfo
	byUser   map[string][]string
	channels map[string]map[string]struct{}
	policies []*SyncPolicy
	pending  []*SyncOperation
	archived []*SyncOperation
	breakers map[string]*CircuitBreaker
	stats    CoordinatorStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeviceCoordinator creates a coordinator. transport and offline may be
// nil; delivery then only records errors, which tests use to observe
// scheduling behavior.
func NewDeviceCoordinator(cfg DeviceConfig, transport Transport, offline *OfflineHandler, codec *Codec, encryptor *Encryptor, logger *slog.Logger, metrics *MetricsRegistry) *DeviceCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if codec == nil {
		codec = NewCodec(false)
	}
	return &DeviceCoordinator{
		config:    cfg,
		transport: transport,
		offline:   offline,
		codec:     codec,
		encryptor: encryptor,
		logger:    logger.With("component", "device_coordinator"),
		metrics:   metrics,
		devices:   make(map[string]*DeviceInfo),
		byUser:    make(map[string][]string),
		channels:  make(map[string]map[string]struct{}),
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// Start launches the sync scheduler and device health monitor.
func (dc *DeviceCoordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	dc.cancel = cancel

	tick := dc.config.SchedulerInterval
	if tick <= 0 {
		tick = time.Second
	}
	dc.wg.Add(1)
	go dc.schedulerLoop(ctx, tick)

	health := dc.config.HealthCheckInterval
	if health <= 0 {
		health = 30 * time.Second
	}
	dc.wg.Add(1)
	go dc.healthLoop(ctx, health)
}

// Stop halts background loops and waits for them to exit.
func (dc *DeviceCoordinator) Stop() {
	if dc.cancel != nil {
		dc.cancel()
	}
	dc.wg.Wait()
}

// AddPolicy installs a sync policy. Policies apply in insertion order.
func (dc *DeviceCoordinator) AddPolicy(p *SyncPolicy) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.policies = append(dc.policies, p)
}

// RegisterDevice stores a device, subscribes it to its channels, and, when
// the user already has devices, schedules an initial full sync of every
// supported category from the most recently synced sibling.
func (dc *DeviceCoordinator) RegisterDevice(ctx context.Context, userID string, info *DeviceInfo) (string, error) {
	if info == nil || userID == "" {
		return "", fmt.Errorf("%w: device info and user are required", ErrInvalidRequest)
	}

	dc.mu.Lock()
	siblings := dc.byUser[userID]
	if dc.config.MaxDevicesPerUser > 0 && len(siblings) >= dc.config.MaxDevicesPerUser {
		dc.mu.Unlock()
		return "", fmt.Errorf("user %s at device cap %d: %w", userID, dc.config.MaxDevicesPerUser, ErrDeviceLimit)
	}

	if info.DeviceID == "" {
		info.DeviceID = uuid.NewString()
	}
	if _, exists := dc.devices[info.DeviceID]; exists {
		dc.mu.Unlock()
		return "", fmt.Errorf("%w: device %s already registered", ErrInvalidRequest, info.DeviceID)
	}
	info.UserID = userID
	info.Status = DeviceOnline
	info.LastSeen = time.Now()

	dc.devices[info.DeviceID] = info
	dc.byUser[userID] = append(dc.byUser[userID], info.DeviceID)

	dc.subscribeLocked(info.DeviceID, "user:"+userID)
	dc.subscribeLocked(info.DeviceID, "device_type:"+string(info.DeviceType))
	for _, cat := range info.Capabilities.Categories {
		dc.subscribeLocked(info.DeviceID, "category:"+cat)
	}

	// Initial full sync from the freshest sibling per category.
	var initial []*SyncOperation
	for _, cat := range info.Capabilities.Categories {
		var source *DeviceInfo
		for _, sibID := range siblings {
			sib := dc.devices[sibID]
			if sib == nil || !sib.Capabilities.supportsCategory(cat) {
				continue
			}
			if source == nil || sib.LastSync.After(source.LastSync) {
				source = sib
			}
		}
		if source == nil {
			continue
		}
		initial = append(initial, &SyncOperation{
			ID:              uuid.NewString(),
			SourceDeviceID:  source.DeviceID,
			TargetDeviceIDs: []string{info.DeviceID},
			DataCategory:    cat,
			OperationType:   "initial_sync",
			Priority:        PriorityHigh,
			ScheduledAt:     time.Now(),
		})
	}
	dc.pending = append(dc.pending, initial...)
	dc.stats.Registered++
	dc.stats.SyncsScheduled += int64(len(initial))
	total := int64(len(dc.devices))
	dc.mu.Unlock()

	if dc.metrics != nil {
		dc.metrics.SetRegisteredDevices(total)
	}
	dc.logger.Info("device registered",
		"device_id", info.DeviceID, "user_id", userID, "device_type", info.DeviceType,
		"initial_syncs", len(initial))
	return info.DeviceID, nil
}

func (dc *DeviceCoordinator) subscribeLocked(deviceID, channel string) {
	if dc.channels[channel] == nil {
		dc.channels[channel] = make(map[string]struct{})
	}
	dc.channels[channel][deviceID] = struct{}{}
}

// UnregisterDevice removes a device and its subscriptions.
func (dc *DeviceCoordinator) UnregisterDevice(deviceID string) error {
	dc.mu.Lock()
	info, ok := dc.devices[deviceID]
	if !ok {
		dc.mu.Unlock()
		return fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
	}
	delete(dc.devices, deviceID)

	ids := dc.byUser[info.UserID]
	for i, id := range ids {
		if id == deviceID {
			dc.byUser[info.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	for _, subs := range dc.channels {
		delete(subs, deviceID)
	}
	delete(dc.breakers, deviceID)
	dc.stats.Unregistered++
	total := int64(len(dc.devices))
	dc.mu.Unlock()

	if dc.metrics != nil {
		dc.metrics.SetRegisteredDevices(total)
	}
	dc.logger.Info("device unregistered", "device_id", deviceID, "user_id", info.UserID)
	return nil
}

// Heartbeat records device liveness.
func (dc *DeviceCoordinator) Heartbeat(deviceID string) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	info, ok := dc.devices[deviceID]
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
	}
	info.LastSeen = time.Now()
	if info.Status == DeviceOffline {
		info.Status = DeviceOnline
	}
	return nil
}

// GetDevice returns a copy of a device's registration.
func (dc *DeviceCoordinator) GetDevice(deviceID string) (*DeviceInfo, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	info, ok := dc.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
	}
	cp := *info
	return &cp, nil
}

// UserDevices returns the device IDs registered for a user.
func (dc *DeviceCoordinator) UserDevices(userID string) []string {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return append([]string(nil), dc.byUser[userID]...)
}

// ChannelMembers returns the devices subscribed to a channel.
func (dc *DeviceCoordinator) ChannelMembers(channel string) []string {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	out := make([]string, 0, len(dc.channels[channel]))
	for id := range dc.channels[channel] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SyncData schedules data delivery from a source device. Empty targets
// default to all of the source's sibling devices. Matching policies may
// defer the operation, cap bandwidth, or force immediate delivery.
func (dc *DeviceCoordinator) SyncData(ctx context.Context, sourceDeviceID, category, opType string, data Document, targetIDs []string, priority OperationPriority) (string, error) {
	dc.mu.Lock()
	source, ok := dc.devices[sourceDeviceID]
	if !ok {
		dc.mu.Unlock()
		return "", fmt.Errorf("device %s: %w", sourceDeviceID, ErrDeviceNotFound)
	}

	if len(targetIDs) == 0 {
		for _, id := range dc.byUser[source.UserID] {
			if id != sourceDeviceID {
				targetIDs = append(targetIDs, id)
			}
		}
	}

	op := &SyncOperation{
		ID:              uuid.NewString(),
		SourceDeviceID:  sourceDeviceID,
		TargetDeviceIDs: append([]string(nil), targetIDs...),
		DataCategory:    category,
		OperationType:   opType,
		Data:            copyDocument(data),
		Priority:        priority,
		ScheduledAt:     time.Now(),
	}

	for _, p := range dc.policies {
		if !p.matches(source.DeviceType, category) {
			continue
		}
		if p.ForceImmediate {
			op.Priority = PriorityImmediate
			op.ScheduledAt = time.Now()
			continue
		}
		if p.Delay > 0 {
			op.ScheduledAt = time.Now().Add(p.Delay)
		}
		if p.MaxBandwidth > 0 && (op.BandwidthLimit == 0 || p.MaxBandwidth < op.BandwidthLimit) {
			op.BandwidthLimit = p.MaxBandwidth
		}
	}

	source.LastSync = time.Now()
	dc.pending = append(dc.pending, op)
	dc.stats.SyncsScheduled++
	dc.mu.Unlock()

	if dc.metrics != nil {
		dc.metrics.RecordSyncDispatched()
	}
	dc.logger.Debug("sync scheduled",
		"operation_id", op.ID, "source", sourceDeviceID, "category", category,
		"targets", len(op.TargetDeviceIDs), "priority", op.Priority)
	return op.ID, nil
}

func (dc *DeviceCoordinator) schedulerLoop(ctx context.Context, interval time.Duration) {
	defer dc.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.RunScheduler(ctx)
		}
	}
}

// RunScheduler executes all due sync operations in priority order. Returns
// the number of operations that completed successfully.
func (dc *DeviceCoordinator) RunScheduler(ctx context.Context) int {
	now := time.Now()

	dc.mu.Lock()
	var due []*SyncOperation
	var rest []*SyncOperation
	for _, op := range dc.pending {
		if !op.ScheduledAt.After(now) {
			due = append(due, op)
		} else {
			rest = append(rest, op)
		}
	}
	dc.pending = rest
	dc.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].Priority < due[j].Priority })

	succeeded := 0
	for _, op := range due {
		if dc.executeSync(ctx, op) {
			succeeded++
		}
	}
	return succeeded
}

// executeSync delivers one operation. Success requires at least one target
// to receive the payload; total failure reschedules with backoff until the
// retry ceiling, then archives the operation as failed. Sends to a device
// whose circuit breaker is open fail fast without touching the transport.
func (dc *DeviceCoordinator) executeSync(ctx context.Context, op *SyncOperation) bool {
	payloadSize := estimateSize(op.Data)
	delivered := 0

	for _, targetID := range op.TargetDeviceIDs {
		dc.mu.Lock()
		target, ok := dc.devices[targetID]
		var cp DeviceInfo
		if ok {
			cp = *target
		}
		dc.mu.Unlock()

		if !ok {
			op.Errors = append(op.Errors, fmt.Sprintf("%s: not registered", targetID))
			continue
		}
		if cp.Status == DeviceSuspended {
			op.Errors = append(op.Errors, fmt.Sprintf("%s: suspended", targetID))
			continue
		}
		if cp.Capabilities.StorageBytes > 0 && payloadSize > cp.Capabilities.StorageBytes {
			op.Errors = append(op.Errors, fmt.Sprintf("%s: payload exceeds storage capacity", targetID))
			continue
		}
		if op.BandwidthLimit > 0 && cp.Capabilities.BandwidthBps > 0 && cp.Capabilities.BandwidthBps < op.BandwidthLimit {
			op.Errors = append(op.Errors, fmt.Sprintf("%s: insufficient bandwidth", targetID))
			continue
		}

		reachable := dc.transport != nil && dc.transport.IsConnected(targetID)
		if !reachable {
			if cp.Capabilities.SupportsOffline && dc.offline != nil {
				if err := dc.queueOffline(ctx, op, targetID); err != nil {
					op.Errors = append(op.Errors, fmt.Sprintf("%s: offline queue: %v", targetID, err))
					continue
				}
				delivered++
				continue
			}
			op.Errors = append(op.Errors, fmt.Sprintf("%s: unreachable", targetID))
			continue
		}

		cb := dc.breakerFor(targetID)
		if err := cb.Execute(func() error { return dc.deliver(op, &cp) }); err != nil {
			op.Errors = append(op.Errors, fmt.Sprintf("%s: %v", targetID, err))
			continue
		}
		delivered++
	}

	if delivered > 0 {
		op.Success = true
		op.CompletedAt = time.Now()
		dc.archive(op)
		dc.mu.Lock()
		dc.stats.SyncsSucceeded++
		if src, ok := dc.devices[op.SourceDeviceID]; ok {
			src.LastSync = op.CompletedAt
		}
		dc.mu.Unlock()
		return true
	}

	op.RetryCount++
	if op.RetryCount > dc.config.MaxSyncRetries {
		op.Success = false
		op.CompletedAt = time.Now()
		dc.archive(op)
		dc.mu.Lock()
		dc.stats.SyncsFailed++
		dc.mu.Unlock()

		if dc.metrics != nil {
			dc.metrics.RecordSyncFailed()
		}
		dc.logger.Warn("sync operation failed permanently",
			"operation_id", op.ID, "retries", op.RetryCount-1, "errors", len(op.Errors))
		return false
	}

	op.ScheduledAt = time.Now().Add(computeBackoff(op.RetryCount, dc.config.RetryBaseDelay, dc.config.RetryMaxDelay))
	dc.mu.Lock()
	dc.pending = append(dc.pending, op)
	dc.mu.Unlock()
	return false
}

func (dc *DeviceCoordinator) breakerFor(deviceID string) *CircuitBreaker {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	cb, ok := dc.breakers[deviceID]
	if !ok {
		cb = NewCircuitBreaker(deliveryBreakerFailures, deliveryBreakerReset)
		dc.breakers[deviceID] = cb
	}
	return cb
}

// deliver encodes the payload per the target's capabilities and sends it.
func (dc *DeviceCoordinator) deliver(op *SyncOperation, target *DeviceInfo) error {
	raw, err := json.Marshal(op.Data)
	if err != nil {
		return err
	}

	compressed := false
	if target.Capabilities.SupportsCompression {
		raw = dc.codec.Encode(raw)
		compressed = true
	}
	encrypted := false
	if target.Capabilities.SupportsEncryption && dc.encryptor != nil {
		raw, err = dc.encryptor.Encrypt(raw)
		if err != nil {
			return fmt.Errorf("encrypt payload: %w", err)
		}
		encrypted = true
	}

	msg := &Message{
		Type: "sync_data",
		Data: map[string]any{
			"operation_id":   op.ID,
			"source_device":  op.SourceDeviceID,
			"data_category":  op.DataCategory,
			"operation_type": op.OperationType,
			"payload":        raw,
			"compressed":     compressed,
			"encrypted":      encrypted,
		},
		Timestamp: time.Now(),
		MessageID: uuid.NewString(),
	}
	return dc.transport.Send(target.DeviceID, msg)
}

func (dc *DeviceCoordinator) queueOffline(ctx context.Context, op *SyncOperation, targetID string) error {
	_, err := dc.offline.Enqueue(ctx, &QueuedOperation{
		Type:     OpSync,
		Priority: op.Priority,
		Data: Document{
			"operation_id":   op.ID,
			"source_device":  op.SourceDeviceID,
			"target_device":  targetID,
			"data_category":  op.DataCategory,
			"operation_type": op.OperationType,
			"data":           op.Data,
		},
	}, nil)
	if err != nil {
		return err
	}
	dc.mu.Lock()
	dc.stats.OfflineQueued++
	dc.mu.Unlock()
	return nil
}

func (dc *DeviceCoordinator) archive(op *SyncOperation) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.archived = append(dc.archived, op)
	if len(dc.archived) > coordinatorArchiveSize {
		dc.archived = dc.archived[len(dc.archived)-coordinatorArchiveSize:]
	}
}

// ArchivedOperations returns completed operations, oldest first.
func (dc *DeviceCoordinator) ArchivedOperations() []*SyncOperation {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return append([]*SyncOperation(nil), dc.archived...)
}

// PendingOperations returns operations not yet executed.
func (dc *DeviceCoordinator) PendingOperations() []*SyncOperation {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return append([]*SyncOperation(nil), dc.pending...)
}

func (dc *DeviceCoordinator) healthLoop(ctx context.Context, interval time.Duration) {
	defer dc.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.CheckDeviceHealth()
		}
	}
}

// CheckDeviceHealth marks devices offline after the heartbeat timeout.
// Returns the devices newly marked offline.
func (dc *DeviceCoordinator) CheckDeviceHealth() []string {
	timeout := dc.config.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cutoff := time.Now().Add(-timeout)

	dc.mu.Lock()
	var stale []string
	for id, info := range dc.devices {
		if info.Status != DeviceOffline && info.Status != DeviceSuspended && info.LastSeen.Before(cutoff) {
			info.Status = DeviceOffline
			stale = append(stale, id)
		}
	}
	dc.mu.Unlock()

	for _, id := range stale {
		dc.logger.Info("device marked offline", "device_id", id)
	}
	sort.Strings(stale)
	return stale
}

// Stats returns a copy of coordinator statistics.
func (dc *DeviceCoordinator) Stats() CoordinatorStats {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.stats
}

func estimateSize(data Document) int64 {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}
