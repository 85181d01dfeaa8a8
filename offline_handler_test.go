package driftsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestOfflineHandler(t *testing.T, cfg OfflineConfig, backend StorageBackend, probe ConnectivityProbe) *OfflineHandler {
	t.Helper()
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 100
	}
	oh, err := NewOfflineHandler(cfg, backend, probe, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewOfflineHandler: %v", err)
	}
	return oh
}

func TestQueueDrainsInPriorityOrder(t *testing.T) {
	oh := newTestOfflineHandler(t, OfflineConfig{MaxRetries: 1}, nil, nil)
	ctx := context.Background()

	var order []string
	oh.RegisterExecutor(OpCustom, func(ctx context.Context, op *QueuedOperation) error {
		order = append(order, op.Data["name"].(string))
		return nil
	})

	oh.SetNetworkState(NetworkOffline)
	enq := func(name string, p OperationPriority) {
		if _, err := oh.Enqueue(ctx, &QueuedOperation{Type: OpCustom, Priority: p, Data: Document{"name": name}}, nil); err != nil {
			t.Fatalf("Enqueue %s: %v", name, err)
		}
	}
	enq("h1", PriorityHigh)
	enq("l", PriorityLow)
	enq("h2", PriorityHigh)

	if got := oh.ProcessQueue(ctx); got != 0 {
		t.Fatalf("offline queue must not drain, executed %d", got)
	}

	oh.SetNetworkState(NetworkOnline)
	if got := oh.ProcessQueue(ctx); got != 3 {
		t.Fatalf("expected 3 executed, got %d", got)
	}
	if len(order) != 3 || order[0] != "h1" || order[1] != "h2" || order[2] != "l" {
		t.Fatalf("priority order violated (equal priorities must stay FIFO): %v", order)
	}
}

func TestDependenciesGateExecution(t *testing.T) {
	oh := newTestOfflineHandler(t, OfflineConfig{MaxRetries: 1}, nil, nil)
	ctx := context.Background()

	var order []string
	oh.RegisterExecutor(OpCustom, func(ctx context.Context, op *QueuedOperation) error {
		order = append(order, op.ID)
		return nil
	})

	// The dependent is enqueued first with higher priority but must wait.
	depID := "base-op"
	if _, err := oh.Enqueue(ctx, &QueuedOperation{ID: "child", Type: OpCustom, Priority: PriorityImmediate, Dependencies: []string{depID}}, nil); err != nil {
		t.Fatalf("Enqueue child: %v", err)
	}
	if _, err := oh.Enqueue(ctx, &QueuedOperation{ID: depID, Type: OpCustom, Priority: PriorityLow}, nil); err != nil {
		t.Fatalf("Enqueue base: %v", err)
	}

	oh.ProcessQueue(ctx)
	if len(order) != 2 || order[0] != depID || order[1] != "child" {
		t.Fatalf("dependency must run first, got %v", order)
	}
}

func TestRetryWithBackoffAndExhaustion(t *testing.T) {
	oh := newTestOfflineHandler(t, OfflineConfig{
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}, nil, nil)
	ctx := context.Background()

	attempts := 0
	oh.RegisterExecutor(OpCustom, func(ctx context.Context, op *QueuedOperation) error {
		attempts++
		return errors.New("always fails")
	})

	var cbErr error
	if _, err := oh.Enqueue(ctx, &QueuedOperation{Type: OpCustom}, func(op *QueuedOperation, err error) {
		cbErr = err
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// First pass fails and schedules a retry in the future.
	oh.ProcessQueue(ctx)
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	queued := oh.QueuedOperations()
	if len(queued) != 1 || queued[0].NextRetryAt.IsZero() {
		t.Fatalf("failed operation must be requeued with a retry time: %+v", queued)
	}

	// Drain the remaining retries once their backoff has elapsed.
	deadline := time.Now().Add(2 * time.Second)
	for attempts < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
		oh.ProcessQueue(ctx)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts total, got %d", attempts)
	}

	failed := oh.FailedOperations()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed operation, got %d", len(failed))
	}
	if !errors.Is(cbErr, ErrRetriesExhausted) {
		t.Fatalf("error callback must wrap ErrRetriesExhausted, got %v", cbErr)
	}
	if oh.Stats().Failed != 1 || oh.Stats().Retried != 2 {
		t.Fatalf("unexpected stats: %+v", oh.Stats())
	}
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	prev := time.Duration(0)
	for retry := 1; retry <= 10; retry++ {
		d := computeBackoff(retry, base, max)
		if d < prev {
			t.Fatalf("backoff not monotonic at retry %d: %v < %v", retry, d, prev)
		}
		if d > max {
			t.Fatalf("backoff exceeds cap at retry %d: %v", retry, d)
		}
		prev = d
	}
	if computeBackoff(1, base, max) != 200*time.Millisecond {
		t.Fatalf("expected doubling from base, got %v", computeBackoff(1, base, max))
	}
}

func TestQueueCapacity(t *testing.T) {
	oh := newTestOfflineHandler(t, OfflineConfig{MaxQueueSize: 2}, nil, nil)
	ctx := context.Background()

	oh.Enqueue(ctx, &QueuedOperation{Type: OpCustom}, nil)
	oh.Enqueue(ctx, &QueuedOperation{Type: OpCustom}, nil)
	if _, err := oh.Enqueue(ctx, &QueuedOperation{Type: OpCustom}, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestDurableQueueSurvivesRestart(t *testing.T) {
	backend := NewMemoryBackend()
	cfg := OfflineConfig{MaxQueueSize: 100, MaxRetries: 1, PersistState: true}
	ctx := context.Background()

	oh1 := newTestOfflineHandler(t, cfg, backend, nil)
	oh1.SetNetworkState(NetworkOffline)
	oh1.Enqueue(ctx, &QueuedOperation{ID: "a", Type: OpCustom, Priority: PriorityHigh}, nil)
	oh1.Enqueue(ctx, &QueuedOperation{ID: "b", Type: OpCustom, Priority: PriorityLow}, nil)

	oh2 := newTestOfflineHandler(t, cfg, backend, nil)
	queued := oh2.QueuedOperations()
	if len(queued) != 2 || queued[0].ID != "a" || queued[1].ID != "b" {
		t.Fatalf("restored queue wrong: %+v", queued)
	}
	if oh2.Stats().Enqueued != 2 {
		t.Fatalf("restored stats wrong: %+v", oh2.Stats())
	}

	var order []string
	oh2.RegisterExecutor(OpCustom, func(ctx context.Context, op *QueuedOperation) error {
		order = append(order, op.ID)
		return nil
	})
	if got := oh2.ProcessQueue(ctx); got != 2 {
		t.Fatalf("restored queue should drain, executed %d", got)
	}
	if order[0] != "a" || order[1] != "b" {
		t.Fatalf("restored priority order wrong: %v", order)
	}
}

func TestStateTransitionHandlers(t *testing.T) {
	oh := newTestOfflineHandler(t, OfflineConfig{}, nil, nil)

	var transitions [][2]NetworkState
	oh.OnStateChange(func(old, new NetworkState) {
		transitions = append(transitions, [2]NetworkState{old, new})
	})

	oh.SetNetworkState(NetworkOffline)
	oh.SetNetworkState(NetworkOffline) // no-op
	time.Sleep(2 * time.Millisecond)
	oh.SetNetworkState(NetworkOnline)

	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0] != [2]NetworkState{NetworkOnline, NetworkOffline} {
		t.Fatalf("first transition wrong: %v", transitions[0])
	}
	if oh.Stats().OfflineDuration <= 0 {
		t.Fatal("offline duration must accumulate across an offline period")
	}
}

func TestCheckConnectivityThresholds(t *testing.T) {
	tests := []struct {
		name  string
		start NetworkState
		score float64
		err   error
		want  NetworkState
	}{
		{"high score goes online", NetworkOffline, 0.9, nil, NetworkOnline},
		{"mid score from online degrades", NetworkOnline, 0.5, nil, NetworkDegraded},
		{"mid score from offline reconnects", NetworkOffline, 0.5, nil, NetworkReconnecting},
		{"mid score stays reconnecting", NetworkReconnecting, 0.5, nil, NetworkReconnecting},
		{"low score goes offline", NetworkOnline, 0.1, nil, NetworkOffline},
		{"probe error counts as zero", NetworkOnline, 0.9, errors.New("unreachable"), NetworkOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := func(ctx context.Context) (float64, error) { return tt.score, tt.err }
			oh := newTestOfflineHandler(t, OfflineConfig{}, nil, probe)
			oh.SetNetworkState(tt.start)

			if got := oh.CheckConnectivity(context.Background()); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCheckConnectivityWithoutProbe(t *testing.T) {
	oh := newTestOfflineHandler(t, OfflineConfig{}, nil, nil)
	if got := oh.CheckConnectivity(context.Background()); got != NetworkOnline {
		t.Fatalf("probe-less handler keeps current state, got %s", got)
	}
}

func TestStartStopLoops(t *testing.T) {
	probe := func(ctx context.Context) (float64, error) { return 1.0, nil }
	oh := newTestOfflineHandler(t, OfflineConfig{
		ConnectivityCheckInterval: 5 * time.Millisecond,
		ProcessInterval:           5 * time.Millisecond,
	}, nil, probe)

	done := make(chan struct{})
	oh.RegisterExecutor(OpCustom, func(ctx context.Context, op *QueuedOperation) error {
		close(done)
		return nil
	})
	oh.Start(context.Background())
	defer oh.Stop()

	if _, err := oh.Enqueue(context.Background(), &QueuedOperation{Type: OpCustom}, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background processor did not drain the queue")
	}
}
