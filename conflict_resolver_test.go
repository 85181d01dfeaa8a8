package driftsync

import (
	"context"
	"strings"
	"testing"
	"time"
)

func detectOne(t *testing.T, cr *ConflictResolver, localData, remoteData Document, localV, remoteV *Version) *ConflictInfo {
	t.Helper()
	conflicts := cr.DetectConflicts("doc", "1", localData, remoteData,
		VersionInfo{VersionID: localV.ID, Timestamp: localV.Timestamp, Author: localV.Author, DeviceID: localV.DeviceID},
		VersionInfo{VersionID: remoteV.ID, Timestamp: remoteV.Timestamp, Author: remoteV.Author, DeviceID: remoteV.DeviceID},
		nil)
	if len(conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %d", len(conflicts))
	}
	return conflicts[0]
}

func makeVersion(id string, data Document, ts time.Time) *Version {
	return &Version{
		ID:         id,
		EntityType: "doc",
		EntityID:   "1",
		Data:       data,
		Timestamp:  ts,
		Checksum:   computeChecksum(data),
	}
}

func TestDetectConflictsIdenticalStates(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	data := Document{"a": 1}
	conflicts := cr.DetectConflicts("doc", "1", data, data,
		VersionInfo{VersionID: "v1", Timestamp: time.Now()},
		VersionInfo{VersionID: "v2", Timestamp: time.Now().Add(time.Second)},
		nil)
	if conflicts != nil {
		t.Fatalf("identical states must not conflict, got %v", conflicts)
	}
}

func TestDetectConcurrentModification(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	local := makeVersion("v1", Document{"status": "open", "n": 1}, t0)
	remote := makeVersion("v2", Document{"status": "closed", "n": 1}, t0.Add(time.Second))

	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	if c.Type != ConflictConcurrentModification {
		t.Fatalf("expected concurrent_modification, got %s", c.Type)
	}
	if len(c.ConflictingChanges) != 1 || c.ConflictingChanges[0].FieldPath != "status" {
		t.Fatalf("expected one change at status, got %+v", c.ConflictingChanges)
	}
	if cr.Stats().Detected != 1 {
		t.Fatalf("expected detected=1, got %d", cr.Stats().Detected)
	}
}

func TestDetectDeleteModify(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	local := makeVersion("v1", Document{"status": "edited"}, t0)
	remote := makeVersion("v2", Document{markerDeleted: true}, t0.Add(time.Second))

	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	if c.Type != ConflictDeleteModify {
		t.Fatalf("expected delete_modify, got %s", c.Type)
	}
}

func TestDetectStructuralConflict(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	local := makeVersion("v1", Document{markerSchemaVersion: 1, "a": 1}, t0)
	remote := makeVersion("v2", Document{markerSchemaVersion: 2, "a": 1}, t0.Add(time.Second))

	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	if c.Type != ConflictStructural {
		t.Fatalf("expected structural_conflict, got %s", c.Type)
	}
}

func TestLastAndFirstWriterWins(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	local := makeVersion("v1", Document{"status": "open"}, t0)
	remote := makeVersion("v2", Document{"status": "closed"}, t0.Add(time.Second))
	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	rctx := &ResolutionContext{Versions: map[string]*Version{"v1": local, "v2": remote}}

	results := cr.ResolveConflicts(context.Background(), []*ConflictInfo{c}, StrategyLastWriterWins, rctx)
	if !results[0].Success || results[0].ResolvedData["status"] != "closed" {
		t.Fatalf("last writer wins should keep remote, got %+v", results[0])
	}

	c2 := detectOne(t, cr, local.Data, remote.Data, local, remote)
	results = cr.ResolveConflicts(context.Background(), []*ConflictInfo{c2}, StrategyFirstWriterWins, rctx)
	if !results[0].Success || results[0].ResolvedData["status"] != "open" {
		t.Fatalf("first writer wins should keep local, got %+v", results[0])
	}
}

func TestTimestampTieBreaksOnVersionID(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	// Equal timestamps differ only in ID; resolution must be deterministic.
	va := makeVersion("aaa", Document{"v": "a"}, t0)
	vb := makeVersion("bbb", Document{"v": "b"}, t0)
	rctx := &ResolutionContext{Versions: map[string]*Version{"aaa": va, "bbb": vb}}

	c := &ConflictInfo{ID: "c1", Type: ConflictConcurrentModification, EntityType: "doc", EntityID: "1",
		ConflictingVersions: []string{"aaa", "bbb"}, DetectedAt: t0}
	last := cr.ResolveConflicts(context.Background(), []*ConflictInfo{c}, StrategyLastWriterWins, rctx)
	if last[0].ResolvedData["v"] != "b" {
		t.Fatalf("last writer tie must pick greater ID, got %v", last[0].ResolvedData)
	}

	c2 := &ConflictInfo{ID: "c2", Type: ConflictConcurrentModification, EntityType: "doc", EntityID: "1",
		ConflictingVersions: []string{"aaa", "bbb"}, DetectedAt: t0}
	first := cr.ResolveConflicts(context.Background(), []*ConflictInfo{c2}, StrategyFirstWriterWins, rctx)
	if first[0].ResolvedData["v"] != "a" {
		t.Fatalf("first writer tie must pick lesser ID, got %v", first[0].ResolvedData)
	}
}

func TestThreeWayStrategy(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	base := Document{"a": 0, "b": 0}
	local := makeVersion("v1", Document{"a": 1, "b": 0}, t0)
	remote := makeVersion("v2", Document{"a": 0, "b": 2}, t0.Add(time.Second))
	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	rctx := &ResolutionContext{
		Versions: map[string]*Version{"v1": local, "v2": remote},
		BaseData: base,
	}

	results := cr.ResolveConflicts(context.Background(), []*ConflictInfo{c}, StrategyThreeWayMerge, rctx)
	r := results[0]
	if !r.Success {
		t.Fatalf("three-way merge failed: %s", r.Error)
	}
	if !valuesEqual(r.ResolvedData["a"], 1) || !valuesEqual(r.ResolvedData["b"], 2) {
		t.Fatalf("expected both disjoint changes applied, got %v", r.ResolvedData)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("disjoint merge must not warn, got %v", r.Warnings)
	}
}

func TestOperationalTransformDisjointTextEdits(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	base := Document{"text": "hello world"}
	local := makeVersion("v1", Document{"text": "HELLO world"}, t0)
	remote := makeVersion("v2", Document{"text": "hello WORLD"}, t0.Add(time.Second))
	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	rctx := &ResolutionContext{
		Versions: map[string]*Version{"v1": local, "v2": remote},
		BaseData: base,
	}

	results := cr.ResolveConflicts(context.Background(), []*ConflictInfo{c}, StrategyOperationalTransform, rctx)
	r := results[0]
	if !r.Success {
		t.Fatalf("operational transform failed: %s", r.Error)
	}
	if r.ResolvedData["text"] != "HELLO WORLD" {
		t.Fatalf("disjoint text edits should combine, got %q", r.ResolvedData["text"])
	}
}

func TestOperationalTransformOverlappingTextEdits(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	base := Document{"text": "abc"}
	local := makeVersion("v1", Document{"text": "aXc"}, t0)
	remote := makeVersion("v2", Document{"text": "aYc"}, t0.Add(time.Second))
	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	rctx := &ResolutionContext{
		Versions: map[string]*Version{"v1": local, "v2": remote},
		BaseData: base,
	}

	results := cr.ResolveConflicts(context.Background(), []*ConflictInfo{c}, StrategyOperationalTransform, rctx)
	r := results[0]
	if !r.Success {
		t.Fatalf("operational transform failed: %s", r.Error)
	}
	if r.ResolvedData["text"] != "aXc" {
		t.Fatalf("overlapping edits should keep local value, got %q", r.ResolvedData["text"])
	}
	found := false
	for _, w := range r.Warnings {
		if strings.Contains(w, "overlapping text edits") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected overlap warning, got %v", r.Warnings)
	}
}

func TestMergeText(t *testing.T) {
	tests := []struct {
		name          string
		base          string
		local, remote string
		want          string
		overlap       bool
	}{
		{"both sides equal", "a", "b", "b", "b", false},
		{"only local changed", "base", "edit", "base", "edit", false},
		{"only remote changed", "base", "base", "edit", "edit", false},
		{"disjoint local first", "hello world", "HELLO world", "hello WORLD", "HELLO WORLD", false},
		{"disjoint remote first", "hello world", "hello WORLD", "HELLO world", "HELLO WORLD", false},
		{"overlap", "abc", "aXc", "aYc", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, overlapped := mergeText(tt.base, tt.local, tt.remote)
			if overlapped != tt.overlap {
				t.Fatalf("overlap=%v, want %v", overlapped, tt.overlap)
			}
			if !overlapped && got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMergeAllChanges(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	local := makeVersion("v1", Document{
		"title": "first",
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"x": 1},
	}, t0)
	remote := makeVersion("v2", Document{
		"title": "second",
		"tags":  []any{"b", "c"},
		"meta":  map[string]any{"y": 2},
		"extra": true,
	}, t0.Add(time.Second))
	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	rctx := &ResolutionContext{Versions: map[string]*Version{"v1": local, "v2": remote}}

	results := cr.ResolveConflicts(context.Background(), []*ConflictInfo{c}, StrategyMergeAllChanges, rctx)
	r := results[0]
	if !r.Success {
		t.Fatalf("merge_all_changes failed: %s", r.Error)
	}
	if r.ResolvedData["title"] != "first" {
		t.Fatalf("collision should keep first value, got %v", r.ResolvedData["title"])
	}
	tags := r.ResolvedData["tags"].([]any)
	if len(tags) != 3 {
		t.Fatalf("expected unioned list of 3 tags, got %v", tags)
	}
	meta := r.ResolvedData["meta"].(map[string]any)
	if !valuesEqual(meta["x"], 1) || !valuesEqual(meta["y"], 2) {
		t.Fatalf("nested maps should merge recursively, got %v", meta)
	}
	if r.ResolvedData["extra"] != true {
		t.Fatalf("new remote key should be added, got %v", r.ResolvedData)
	}
}

func TestCustomRules(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	local := makeVersion("v1", Document{"n": 1}, t0)
	remote := makeVersion("v2", Document{"n": 2}, t0.Add(time.Second))
	rctx := &ResolutionContext{Versions: map[string]*Version{"v1": local, "v2": remote}}

	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	results := cr.ResolveConflicts(context.Background(), []*ConflictInfo{c}, StrategyCustomRules, rctx)
	if results[0].Result != ResolutionFailed {
		t.Fatalf("no rule registered: expected failure, got %+v", results[0])
	}

	cr.RegisterRule("doc", func(ctx context.Context, conflict *ConflictInfo, rctx *ResolutionContext) (Document, error) {
		return Document{"n": 3}, nil
	})
	c2 := detectOne(t, cr, local.Data, remote.Data, local, remote)
	results = cr.ResolveConflicts(context.Background(), []*ConflictInfo{c2}, StrategyCustomRules, rctx)
	if !results[0].Success || !valuesEqual(results[0].ResolvedData["n"], 3) {
		t.Fatalf("custom rule result not applied: %+v", results[0])
	}
}

func TestUserDecisionFlow(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	local := makeVersion("v1", Document{"n": 1}, t0)
	remote := makeVersion("v2", Document{"n": 2}, t0.Add(time.Second))
	rctx := &ResolutionContext{Versions: map[string]*Version{"v1": local, "v2": remote}}

	// No callback registered: conflict stays pending awaiting user input.
	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	results := cr.ResolveConflicts(context.Background(), []*ConflictInfo{c}, StrategyUserDecision, rctx)
	if results[0].Result != ResolutionNeedsUserInput {
		t.Fatalf("expected needs_user_input, got %s", results[0].Result)
	}
	if len(cr.PendingConflicts()) != 1 {
		t.Fatalf("conflict should remain pending, got %d", len(cr.PendingConflicts()))
	}

	resolved, err := cr.SubmitUserResolution(c.ID, Document{"n": 42})
	if err != nil {
		t.Fatalf("SubmitUserResolution: %v", err)
	}
	if resolved.ResolutionResult != ResolutionResolved || !valuesEqual(resolved.ResolvedData["n"], 42) {
		t.Fatalf("unexpected resolution state: %+v", resolved)
	}
	if len(cr.PendingConflicts()) != 0 {
		t.Fatal("resolved conflict should leave the pending set")
	}
	if _, err := cr.SubmitUserResolution("missing", nil); err == nil {
		t.Fatal("unknown conflict ID must error")
	}

	// Registered callback resolves immediately.
	cr.RegisterUserDecisionCallback(func(conflict *ConflictInfo) (Document, bool) {
		return Document{"n": 7}, true
	})
	c2 := detectOne(t, cr, local.Data, remote.Data, local, remote)
	results = cr.ResolveConflicts(context.Background(), []*ConflictInfo{c2}, StrategyUserDecision, rctx)
	if !results[0].Success || !valuesEqual(results[0].ResolvedData["n"], 7) {
		t.Fatalf("callback resolution not applied: %+v", results[0])
	}

	stats := cr.Stats()
	if stats.UserInterventions != 2 {
		t.Fatalf("expected 2 user interventions, got %d", stats.UserInterventions)
	}
}

func TestResolutionOutcomeWriteOnce(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	local := makeVersion("v1", Document{"n": 1}, t0)
	remote := makeVersion("v2", Document{"n": 2}, t0.Add(time.Second))
	rctx := &ResolutionContext{Versions: map[string]*Version{"v1": local, "v2": remote}}

	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	cr.ResolveConflicts(context.Background(), []*ConflictInfo{c}, StrategyLastWriterWins, rctx)
	firstOutcome := c.ResolutionResult
	firstData := c.ResolvedData

	cr.ResolveConflicts(context.Background(), []*ConflictInfo{c}, StrategyFirstWriterWins, rctx)
	if c.ResolutionResult != firstOutcome || !valuesEqual(c.ResolvedData["n"], firstData["n"]) {
		t.Fatalf("terminal outcome was restamped: %+v", c)
	}
}

func TestResolverHistoryAndStats(t *testing.T) {
	cr := NewConflictResolver(testLogger(), nil)
	t0 := time.Now()
	local := makeVersion("v1", Document{"n": 1}, t0)
	remote := makeVersion("v2", Document{"n": 2}, t0.Add(time.Second))
	rctx := &ResolutionContext{Versions: map[string]*Version{"v1": local, "v2": remote}}

	c := detectOne(t, cr, local.Data, remote.Data, local, remote)
	cr.ResolveConflicts(context.Background(), []*ConflictInfo{c}, StrategyLastWriterWins, rctx)

	stats := cr.Stats()
	if stats.Detected != 1 || stats.Resolved != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ByStrategy[StrategyLastWriterWins] != 1 {
		t.Fatalf("strategy counter missing: %+v", stats.ByStrategy)
	}
	if len(cr.History()) != 1 {
		t.Fatalf("expected one history entry, got %d", len(cr.History()))
	}
}
