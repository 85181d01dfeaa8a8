package driftsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport records deliveries and lets tests control reachability.
type fakeTransport struct {
	mu        sync.Mutex
	sent      map[string][]*Message
	connected map[string]bool
	attempts  map[string]int
	sendErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:      make(map[string][]*Message),
		connected: make(map[string]bool),
		attempts:  make(map[string]int),
	}
}

func (f *fakeTransport) Send(deviceID string, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[deviceID]++
	if !f.connected[deviceID] {
		return ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[deviceID] = append(f.sent[deviceID], msg)
	return nil
}

func (f *fakeTransport) sendAttempts(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[deviceID]
}

func (f *fakeTransport) IsConnected(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[deviceID]
}

func (f *fakeTransport) setConnected(deviceID string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[deviceID] = up
}

func (f *fakeTransport) sentTo(deviceID string) []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Message(nil), f.sent[deviceID]...)
}

func newTestCoordinator(t *testing.T, cfg DeviceConfig, transport Transport, offline *OfflineHandler) *DeviceCoordinator {
	t.Helper()
	return NewDeviceCoordinator(cfg, transport, offline, nil, nil, testLogger(), nil)
}

func notesDevice(id string, dt DeviceType) *DeviceInfo {
	return &DeviceInfo{
		DeviceID:   id,
		DeviceType: dt,
		Capabilities: DeviceCapabilities{
			Categories:      []string{"notes"},
			SupportsOffline: true,
		},
	}
}

func TestRegisterDeviceInitialSync(t *testing.T) {
	dc := newTestCoordinator(t, DeviceConfig{MaxDevicesPerUser: 10}, nil, nil)
	ctx := context.Background()

	d1, err := dc.RegisterDevice(ctx, "u1", notesDevice("d1", DeviceDesktop))
	if err != nil {
		t.Fatalf("RegisterDevice d1: %v", err)
	}
	if len(dc.PendingOperations()) != 0 {
		t.Fatal("first device must not trigger an initial sync")
	}

	d2, err := dc.RegisterDevice(ctx, "u1", notesDevice("d2", DeviceMobile))
	if err != nil {
		t.Fatalf("RegisterDevice d2: %v", err)
	}
	pending := dc.PendingOperations()
	if len(pending) != 1 {
		t.Fatalf("expected one initial sync, got %d", len(pending))
	}
	op := pending[0]
	if op.OperationType != "initial_sync" || op.SourceDeviceID != d1 || op.TargetDeviceIDs[0] != d2 {
		t.Fatalf("initial sync wired wrong: %+v", op)
	}
	if op.DataCategory != "notes" || op.Priority != PriorityHigh {
		t.Fatalf("initial sync parameters wrong: %+v", op)
	}
}

func TestRegisterDeviceLimits(t *testing.T) {
	dc := newTestCoordinator(t, DeviceConfig{MaxDevicesPerUser: 2}, nil, nil)
	ctx := context.Background()

	dc.RegisterDevice(ctx, "u1", notesDevice("d1", DeviceDesktop))
	dc.RegisterDevice(ctx, "u1", notesDevice("d2", DeviceMobile))
	if _, err := dc.RegisterDevice(ctx, "u1", notesDevice("d3", DeviceWeb)); !errors.Is(err, ErrDeviceLimit) {
		t.Fatalf("expected ErrDeviceLimit, got %v", err)
	}
	if _, err := dc.RegisterDevice(ctx, "u1", notesDevice("d1", DeviceDesktop)); err == nil {
		t.Fatal("duplicate device ID must fail")
	}
	// Another user is unaffected by u1's cap.
	if _, err := dc.RegisterDevice(ctx, "u2", notesDevice("d4", DeviceDesktop)); err != nil {
		t.Fatalf("independent user blocked: %v", err)
	}
}

func TestUnregisterDevice(t *testing.T) {
	dc := newTestCoordinator(t, DeviceConfig{MaxDevicesPerUser: 10}, nil, nil)
	ctx := context.Background()

	dc.RegisterDevice(ctx, "u1", notesDevice("d1", DeviceDesktop))
	if err := dc.UnregisterDevice("d1"); err != nil {
		t.Fatalf("UnregisterDevice: %v", err)
	}
	if err := dc.UnregisterDevice("d1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if len(dc.UserDevices("u1")) != 0 {
		t.Fatal("unregistered device still listed for user")
	}
	if len(dc.ChannelMembers("user:u1")) != 0 {
		t.Fatal("unregistered device still subscribed")
	}
}

func TestChannelSubscriptions(t *testing.T) {
	dc := newTestCoordinator(t, DeviceConfig{MaxDevicesPerUser: 10}, nil, nil)
	ctx := context.Background()

	dc.RegisterDevice(ctx, "u1", notesDevice("d1", DeviceDesktop))
	dc.RegisterDevice(ctx, "u1", notesDevice("d2", DeviceMobile))

	if got := dc.ChannelMembers("user:u1"); len(got) != 2 {
		t.Fatalf("user channel: expected 2 members, got %v", got)
	}
	if got := dc.ChannelMembers("device_type:mobile"); len(got) != 1 || got[0] != "d2" {
		t.Fatalf("type channel wrong: %v", got)
	}
	if got := dc.ChannelMembers("category:notes"); len(got) != 2 {
		t.Fatalf("category channel wrong: %v", got)
	}
}

func TestSyncDataDefaultsToSiblings(t *testing.T) {
	dc := newTestCoordinator(t, DeviceConfig{MaxDevicesPerUser: 10}, nil, nil)
	ctx := context.Background()

	dc.RegisterDevice(ctx, "u1", notesDevice("d1", DeviceDesktop))
	dc.RegisterDevice(ctx, "u1", notesDevice("d2", DeviceMobile))
	dc.RegisterDevice(ctx, "u1", notesDevice("d3", DeviceTablet))
	dc.RunScheduler(ctx) // consume initial syncs

	if _, err := dc.SyncData(ctx, "d1", "notes", "update", Document{"k": "v"}, nil, PriorityNormal); err != nil {
		t.Fatalf("SyncData: %v", err)
	}
	pending := dc.PendingOperations()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending sync, got %d", len(pending))
	}
	targets := pending[0].TargetDeviceIDs
	if len(targets) != 2 {
		t.Fatalf("default targets must be the two siblings, got %v", targets)
	}
	for _, id := range targets {
		if id == "d1" {
			t.Fatal("source must not target itself")
		}
	}

	if _, err := dc.SyncData(ctx, "missing", "notes", "update", nil, nil, PriorityNormal); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestSyncPolicies(t *testing.T) {
	dc := newTestCoordinator(t, DeviceConfig{MaxDevicesPerUser: 10}, nil, nil)
	ctx := context.Background()

	dc.RegisterDevice(ctx, "u1", notesDevice("d1", DeviceMobile))
	dc.RegisterDevice(ctx, "u1", notesDevice("d2", DeviceDesktop))
	dc.RunScheduler(ctx)

	dc.AddPolicy(&SyncPolicy{
		Name:         "mobile-defer",
		DeviceTypes:  []DeviceType{DeviceMobile},
		Delay:        time.Hour,
		MaxBandwidth: 1000,
	})
	dc.AddPolicy(&SyncPolicy{
		Name:       "photos-other",
		Categories: []string{"photos"},
		Delay:      time.Minute,
	})

	if _, err := dc.SyncData(ctx, "d1", "notes", "update", nil, nil, PriorityNormal); err != nil {
		t.Fatalf("SyncData: %v", err)
	}
	op := dc.PendingOperations()[0]
	if op.ScheduledAt.Before(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("matching delay policy must defer the operation: %v", op.ScheduledAt)
	}
	if op.BandwidthLimit != 1000 {
		t.Fatalf("bandwidth cap not applied: %d", op.BandwidthLimit)
	}

	// Deferred operation is not due yet.
	if got := dc.RunScheduler(ctx); got != 0 {
		t.Fatalf("deferred sync must not run, executed %d", got)
	}

	dc.AddPolicy(&SyncPolicy{Name: "urgent", ForceImmediate: true})
	if _, err := dc.SyncData(ctx, "d2", "notes", "update", nil, nil, PriorityLow); err != nil {
		t.Fatalf("SyncData d2: %v", err)
	}
	var urgent *SyncOperation
	for _, p := range dc.PendingOperations() {
		if p.SourceDeviceID == "d2" {
			urgent = p
		}
	}
	if urgent == nil || urgent.Priority != PriorityImmediate {
		t.Fatalf("force-immediate policy not applied: %+v", urgent)
	}
}

func TestSchedulerDeliversToConnectedTargets(t *testing.T) {
	transport := newFakeTransport()
	dc := newTestCoordinator(t, DeviceConfig{MaxDevicesPerUser: 10}, transport, nil)
	ctx := context.Background()

	dc.RegisterDevice(ctx, "u1", notesDevice("d1", DeviceDesktop))
	dc.RegisterDevice(ctx, "u1", &DeviceInfo{DeviceID: "d2", DeviceType: DeviceMobile})
	transport.setConnected("d2", true)

	if _, err := dc.SyncData(ctx, "d1", "notes", "update", Document{"k": "v"}, nil, PriorityNormal); err != nil {
		t.Fatalf("SyncData: %v", err)
	}
	if got := dc.RunScheduler(ctx); got != 1 {
		t.Fatalf("expected 1 successful sync, got %d", got)
	}

	msgs := transport.sentTo("d2")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(msgs))
	}
	if msgs[0].Type != "sync_data" {
		t.Fatalf("wrong message type: %s", msgs[0].Type)
	}
	payload := msgs[0].Data.(map[string]any)
	if payload["source_device"] != "d1" || payload["data_category"] != "notes" {
		t.Fatalf("payload metadata wrong: %v", payload)
	}

	stats := dc.Stats()
	if stats.SyncsSucceeded != 1 {
		t.Fatalf("expected 1 succeeded sync, got %d", stats.SyncsSucceeded)
	}
	archived := dc.ArchivedOperations()
	if len(archived) != 1 || !archived[0].Success {
		t.Fatalf("completed operation not archived: %+v", archived)
	}
}

func TestUnreachableOfflineCapableTargetQueues(t *testing.T) {
	transport := newFakeTransport()
	offline := newTestOfflineHandler(t, OfflineConfig{MaxRetries: 1}, nil, nil)
	dc := newTestCoordinator(t, DeviceConfig{MaxDevicesPerUser: 10}, transport, offline)
	ctx := context.Background()

	dc.RegisterDevice(ctx, "u1", notesDevice("d1", DeviceDesktop))
	dc.RegisterDevice(ctx, "u1", notesDevice("d2", DeviceMobile))
	dc.RunScheduler(ctx)

	// d2 is registered and offline-capable but not connected.
	if _, err := dc.SyncData(ctx, "d1", "notes", "update", Document{"k": "v"}, nil, PriorityNormal); err != nil {
		t.Fatalf("SyncData: %v", err)
	}
	if got := dc.RunScheduler(ctx); got != 1 {
		t.Fatalf("offline handoff counts as delivery, got %d", got)
	}
	if dc.Stats().OfflineQueued == 0 {
		t.Fatal("offline handoff not counted")
	}

	queued := offline.QueuedOperations()
	found := false
	for _, op := range queued {
		if op.Type == OpSync && op.Data["target_device"] == "d2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected queued sync for d2, got %+v", queued)
	}
}

func TestSyncRetryThenPermanentFailure(t *testing.T) {
	transport := newFakeTransport()
	dc := newTestCoordinator(t, DeviceConfig{
		MaxDevicesPerUser: 10,
		MaxSyncRetries:    1,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     2 * time.Millisecond,
	}, transport, nil)
	ctx := context.Background()

	dc.RegisterDevice(ctx, "u1", &DeviceInfo{DeviceID: "d1", DeviceType: DeviceDesktop, Capabilities: DeviceCapabilities{Categories: []string{"notes"}}})
	dc.RegisterDevice(ctx, "u1", &DeviceInfo{DeviceID: "d2", DeviceType: DeviceMobile})

	// d2 is unreachable and not offline-capable: every attempt fails.
	if _, err := dc.SyncData(ctx, "d1", "notes", "update", nil, nil, PriorityNormal); err != nil {
		t.Fatalf("SyncData: %v", err)
	}
	dc.RunScheduler(ctx)
	if len(dc.PendingOperations()) != 1 {
		t.Fatal("failed sync must be rescheduled with backoff")
	}

	deadline := time.Now().Add(2 * time.Second)
	for dc.Stats().SyncsFailed == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
		dc.RunScheduler(ctx)
	}
	if dc.Stats().SyncsFailed != 1 {
		t.Fatalf("expected permanent failure, stats: %+v", dc.Stats())
	}
	archived := dc.ArchivedOperations()
	if len(archived) != 1 || archived[0].Success {
		t.Fatalf("failed operation not archived: %+v", archived)
	}
	if len(archived[0].Errors) == 0 {
		t.Fatal("failure reasons must be recorded")
	}
}

func TestSuspendedAndUndersizedTargetsSkipped(t *testing.T) {
	transport := newFakeTransport()
	dc := newTestCoordinator(t, DeviceConfig{MaxDevicesPerUser: 10, MaxSyncRetries: 0}, transport, nil)
	ctx := context.Background()

	dc.RegisterDevice(ctx, "u1", &DeviceInfo{DeviceID: "d1", DeviceType: DeviceDesktop, Capabilities: DeviceCapabilities{Categories: []string{"notes"}}})
	dc.RegisterDevice(ctx, "u1", &DeviceInfo{DeviceID: "tiny", DeviceType: DeviceMobile, Capabilities: DeviceCapabilities{StorageBytes: 1}})
	transport.setConnected("tiny", true)

	if _, err := dc.SyncData(ctx, "d1", "notes", "update", Document{"big": "payload that exceeds one byte"}, nil, PriorityNormal); err != nil {
		t.Fatalf("SyncData: %v", err)
	}
	dc.RunScheduler(ctx)

	if len(transport.sentTo("tiny")) != 0 {
		t.Fatal("undersized target must not receive the payload")
	}
	archived := dc.ArchivedOperations()
	if len(archived) != 1 || archived[0].Success {
		t.Fatalf("operation should fail permanently with zero retries: %+v", archived)
	}
}

func TestDeliveryCircuitBreaker(t *testing.T) {
	transport := newFakeTransport()
	transport.sendErr = errors.New("write stall")
	dc := newTestCoordinator(t, DeviceConfig{MaxDevicesPerUser: 10, MaxSyncRetries: 0}, transport, nil)
	ctx := context.Background()

	dc.RegisterDevice(ctx, "u1", &DeviceInfo{DeviceID: "d1", DeviceType: DeviceDesktop, Capabilities: DeviceCapabilities{Categories: []string{"notes"}}})
	dc.RegisterDevice(ctx, "u1", &DeviceInfo{DeviceID: "d2", DeviceType: DeviceMobile})
	transport.setConnected("d2", true)

	for i := 0; i < deliveryBreakerFailures; i++ {
		if _, err := dc.SyncData(ctx, "d1", "notes", "update", Document{"n": i}, nil, PriorityNormal); err != nil {
			t.Fatalf("SyncData: %v", err)
		}
		dc.RunScheduler(ctx)
	}
	if got := transport.sendAttempts("d2"); got != deliveryBreakerFailures {
		t.Fatalf("expected %d send attempts, got %d", deliveryBreakerFailures, got)
	}

	// The breaker is now open: further deliveries fail fast without
	// reaching the transport.
	if _, err := dc.SyncData(ctx, "d1", "notes", "update", Document{"n": 99}, nil, PriorityNormal); err != nil {
		t.Fatalf("SyncData: %v", err)
	}
	dc.RunScheduler(ctx)
	if got := transport.sendAttempts("d2"); got != deliveryBreakerFailures {
		t.Fatalf("open breaker must not reach the transport, got %d attempts", got)
	}

	archived := dc.ArchivedOperations()
	if len(archived) != deliveryBreakerFailures+1 {
		t.Fatalf("expected %d archived operations, got %d", deliveryBreakerFailures+1, len(archived))
	}
	last := archived[len(archived)-1]
	if last.Success || len(last.Errors) == 0 {
		t.Fatalf("breaker rejection must archive as failed: %+v", last)
	}
	if !strings.Contains(last.Errors[len(last.Errors)-1], "circuit breaker") {
		t.Fatalf("breaker rejection not recorded in errors: %v", last.Errors)
	}
}

func TestHeartbeatAndHealth(t *testing.T) {
	dc := newTestCoordinator(t, DeviceConfig{MaxDevicesPerUser: 10, HeartbeatTimeout: 20 * time.Millisecond}, nil, nil)
	ctx := context.Background()

	dc.RegisterDevice(ctx, "u1", notesDevice("d1", DeviceDesktop))
	dc.RegisterDevice(ctx, "u1", notesDevice("d2", DeviceMobile))

	time.Sleep(30 * time.Millisecond)
	if err := dc.Heartbeat("d1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := dc.Heartbeat("missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	stale := dc.CheckDeviceHealth()
	if len(stale) != 1 || stale[0] != "d2" {
		t.Fatalf("expected d2 marked stale, got %v", stale)
	}
	d2, _ := dc.GetDevice("d2")
	if d2.Status != DeviceOffline {
		t.Fatalf("stale device not marked offline: %s", d2.Status)
	}

	// A heartbeat brings the device back online.
	dc.Heartbeat("d2")
	d2, _ = dc.GetDevice("d2")
	if d2.Status != DeviceOnline {
		t.Fatalf("heartbeat must restore online status: %s", d2.Status)
	}
}
