package driftsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	ConflictConcurrentModification ConflictType = "concurrent_modification"
	ConflictDeleteModify           ConflictType = "delete_modify"
	ConflictFieldConflict          ConflictType = "field_conflict"
	ConflictStructural             ConflictType = "structural_conflict"
	ConflictPermission             ConflictType = "permission_conflict"
	ConflictVersion                ConflictType = "version_conflict"
)

// ResolutionStrategy selects how a conflict is resolved.
type ResolutionStrategy string

const (
	StrategyLastWriterWins        ResolutionStrategy = "last_writer_wins"
	StrategyFirstWriterWins       ResolutionStrategy = "first_writer_wins"
	StrategyThreeWayMerge         ResolutionStrategy = "three_way_merge"
	StrategyOperationalTransform  ResolutionStrategy = "operational_transform"
	StrategyCustomRules           ResolutionStrategy = "custom_rules"
	StrategyUserDecision          ResolutionStrategy = "user_decision"
	StrategyMergeAllChanges       ResolutionStrategy = "merge_all_changes"
)

// ResolutionResult is the terminal state of a resolution attempt.
type ResolutionResult string

const (
	ResolutionResolved       ResolutionResult = "resolved"
	ResolutionNeedsUserInput ResolutionResult = "needs_user_input"
	ResolutionFailed         ResolutionResult = "failed"
	ResolutionDeferred       ResolutionResult = "deferred"
)

// ConflictInfo describes one detected conflict and, once resolved, its
// outcome. ResolutionResult is write-once: set on resolution and never
// overwritten afterward.
type ConflictInfo struct {
	ID                  string             `json:"id"`
	Type                ConflictType       `json:"type"`
	EntityType          string             `json:"entity_type"`
	EntityID            string             `json:"entity_id"`
	ConflictingVersions []string           `json:"conflicting_versions"`
	ConflictingChanges  []FieldChange      `json:"conflicting_changes,omitempty"`
	BaseVersion         string             `json:"base_version,omitempty"`
	ResolutionStrategy  ResolutionStrategy `json:"resolution_strategy,omitempty"`
	ResolutionResult    ResolutionResult   `json:"resolution_result,omitempty"`
	ResolvedData        Document           `json:"resolved_data,omitempty"`
	DetectedAt          time.Time          `json:"detected_at"`
	ResolvedAt          time.Time          `json:"resolved_at,omitempty"`
}

// MergeResult is the outcome of resolving one conflict.
type MergeResult struct {
	ConflictID   string             `json:"conflict_id"`
	Success      bool               `json:"success"`
	Result       ResolutionResult   `json:"result"`
	Strategy     ResolutionStrategy `json:"strategy"`
	ResolvedData Document           `json:"resolved_data,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// VersionInfo carries the version metadata detection needs without requiring
// the full version graph.
type VersionInfo struct {
	VersionID string    `json:"version_id"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
}

// ResolutionContext supplies the data payloads strategies need. Versions is
// keyed by version ID and must contain the conflicting versions for
// timestamp-based and merge strategies.
type ResolutionContext struct {
	Versions map[string]*Version
	BaseData Document
}

// CustomRule resolves conflicts for one entity type.
type CustomRule func(ctx context.Context, conflict *ConflictInfo, rctx *ResolutionContext) (Document, error)

// UserDecisionCallback may resolve a conflict on behalf of a user. It
// returns the resolved data and true, or false to pass.
type UserDecisionCallback func(conflict *ConflictInfo) (Document, bool)

// ConflictStats tracks resolver activity.
type ConflictStats struct {
	Detected          int64                        `json:"detected"`
	Resolved          int64                        `json:"resolved"`
	Failed            int64                        `json:"failed"`
	NeedsUserInput    int64                        `json:"needs_user_input"`
	UserInterventions int64                        `json:"user_interventions"`
	ByStrategy        map[ResolutionStrategy]int64 `json:"by_strategy"`
}

// Deletion and schema markers recognized in documents.
const (
	markerDeleted       = "_deleted"
	markerSchemaVersion = "_schema_version"
)

const conflictHistorySize = 1000

// ConflictResolver detects conflicts between divergent entity states and
// resolves them under a configurable strategy.
type ConflictResolver struct {
	logger  *slog.Logger
	metrics *MetricsRegistry

	mu        sync.RWMutex
	rules     map[string]CustomRule
	callbacks []UserDecisionCallback
	pending   map[string]*ConflictInfo
	stats     ConflictStats
	history   []*ConflictInfo
}

// NewConflictResolver creates a resolver with no rules or callbacks.
func NewConflictResolver(logger *slog.Logger, metrics *MetricsRegistry) *ConflictResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConflictResolver{
		logger:  logger.With("component", "conflict_resolver"),
		metrics: metrics,
		rules:   make(map[string]CustomRule),
		pending: make(map[string]*ConflictInfo),
		stats:   ConflictStats{ByStrategy: make(map[ResolutionStrategy]int64)},
	}
}

// RegisterRule installs a custom resolution rule for one entity type.
func (cr *ConflictResolver) RegisterRule(entityType string, rule CustomRule) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.rules[entityType] = rule
}

// RegisterUserDecisionCallback installs a callback consulted by the
// user_decision strategy. Callbacks run in registration order.
func (cr *ConflictResolver) RegisterUserDecisionCallback(cb UserDecisionCallback) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.callbacks = append(cr.callbacks, cb)
}

// DetectConflicts compares local and remote states of one entity and
// returns the conflicts found. Identical states produce none.
func (cr *ConflictResolver) DetectConflicts(entityType, entityID string, localData, remoteData Document, local, remote VersionInfo, base *VersionInfo) []*ConflictInfo {
	diff := diffDocuments(localData, remoteData)
	if len(diff) == 0 {
		return nil
	}

	now := time.Now()
	baseID := ""
	if base != nil {
		baseID = base.VersionID
	}

	newConflict := func(ct ConflictType, changes []FieldChange) *ConflictInfo {
		return &ConflictInfo{
			ID:                  uuid.NewString(),
			Type:                ct,
			EntityType:          entityType,
			EntityID:            entityID,
			ConflictingVersions: []string{local.VersionID, remote.VersionID},
			ConflictingChanges:  changes,
			BaseVersion:         baseID,
			DetectedAt:          now,
		}
	}

	var conflicts []*ConflictInfo

	localDeleted := isDeleted(localData)
	remoteDeleted := isDeleted(remoteData)
	if localDeleted != remoteDeleted {
		conflicts = append(conflicts, newConflict(ConflictDeleteModify, changesForDiff(diff, local, remote)))
	}

	if !valuesEqual(localData[markerSchemaVersion], remoteData[markerSchemaVersion]) {
		conflicts = append(conflicts, newConflict(ConflictStructural, nil))
	}

	if len(conflicts) == 0 && !local.Timestamp.Equal(remote.Timestamp) {
		conflicts = append(conflicts, newConflict(ConflictConcurrentModification, changesForDiff(diff, local, remote)))
	}

	cr.mu.Lock()
	cr.stats.Detected += int64(len(conflicts))
	for _, c := range conflicts {
		cr.pending[c.ID] = c
		cr.appendHistoryLocked(c)
	}
	cr.mu.Unlock()

	if cr.metrics != nil && len(conflicts) > 0 {
		cr.metrics.RecordConflictsDetected(len(conflicts))
	}
	return conflicts
}

func isDeleted(doc Document) bool {
	v, ok := doc[markerDeleted].(bool)
	return ok && v
}

// changesForDiff turns diff entries into one FieldChange per differing leaf.
func changesForDiff(diff []DiffEntry, local, remote VersionInfo) []FieldChange {
	changes := make([]FieldChange, 0, len(diff))
	for _, e := range diff {
		ct := ChangeUpdate
		switch e.Kind {
		case DiffAdded:
			ct = ChangeCreate
		case DiffRemoved:
			ct = ChangeDelete
		}
		changes = append(changes, FieldChange{
			FieldPath:  e.Path,
			ChangeType: ct,
			OldValue:   e.OldValue,
			NewValue:   e.NewValue,
			Timestamp:  remote.Timestamp,
			Author:     remote.Author,
			DeviceID:   remote.DeviceID,
		})
	}
	return changes
}

// ResolveConflicts applies one strategy to a batch of conflicts. Each
// conflict produces a MergeResult; failures never abort the batch.
func (cr *ConflictResolver) ResolveConflicts(ctx context.Context, conflicts []*ConflictInfo, strategy ResolutionStrategy, rctx *ResolutionContext) []MergeResult {
	if rctx == nil {
		rctx = &ResolutionContext{}
	}

	results := make([]MergeResult, 0, len(conflicts))
	for _, c := range conflicts {
		results = append(results, cr.resolveOne(ctx, c, strategy, rctx))
	}
	return results
}

func (cr *ConflictResolver) resolveOne(ctx context.Context, c *ConflictInfo, strategy ResolutionStrategy, rctx *ResolutionContext) MergeResult {
	res := MergeResult{ConflictID: c.ID, Strategy: strategy}

	var (
		data     Document
		warnings []string
		err      error
		outcome  = ResolutionResolved
	)

	switch strategy {
	case StrategyLastWriterWins:
		data, err = cr.pickByTimestamp(c, rctx, true)
	case StrategyFirstWriterWins:
		data, err = cr.pickByTimestamp(c, rctx, false)
	case StrategyThreeWayMerge:
		data, warnings, err = cr.threeWay(c, rctx)
	case StrategyOperationalTransform:
		data, warnings, err = cr.operationalTransform(c, rctx)
	case StrategyCustomRules:
		data, err = cr.applyCustomRule(ctx, c, rctx)
	case StrategyUserDecision:
		data, outcome = cr.askUser(c)
	case StrategyMergeAllChanges:
		data, err = cr.mergeAll(c, rctx)
	default:
		err = fmt.Errorf("%w: unknown resolution strategy %q", ErrInvalidRequest, strategy)
	}

	if err != nil {
		res.Result = ResolutionFailed
		res.Error = err.Error()
		cr.recordOutcome(c, strategy, ResolutionFailed, nil)
		return res
	}
	if outcome == ResolutionNeedsUserInput {
		res.Result = ResolutionNeedsUserInput
		cr.recordOutcome(c, strategy, ResolutionNeedsUserInput, nil)
		return res
	}

	res.Success = true
	res.Result = ResolutionResolved
	res.ResolvedData = data
	res.Warnings = warnings
	cr.recordOutcome(c, strategy, ResolutionResolved, data)
	return res
}

// recordOutcome stamps the conflict's write-once resolution outcome and
// updates statistics. A conflict already resolved or failed is not
// restamped; needs_user_input may still progress to a terminal outcome.
func (cr *ConflictResolver) recordOutcome(c *ConflictInfo, strategy ResolutionStrategy, result ResolutionResult, data Document) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	cr.stats.ByStrategy[strategy]++
	switch result {
	case ResolutionResolved:
		cr.stats.Resolved++
	case ResolutionFailed:
		cr.stats.Failed++
	case ResolutionNeedsUserInput:
		cr.stats.NeedsUserInput++
	}

	terminal := c.ResolutionResult == ResolutionResolved || c.ResolutionResult == ResolutionFailed
	if !terminal {
		c.ResolutionStrategy = strategy
		c.ResolutionResult = result
		c.ResolvedData = data
		c.ResolvedAt = time.Now()
	}
	if result == ResolutionResolved || result == ResolutionFailed {
		delete(cr.pending, c.ID)
	}

	if cr.metrics != nil {
		switch result {
		case ResolutionResolved:
			cr.metrics.RecordConflictResolved()
		case ResolutionFailed, ResolutionNeedsUserInput:
			cr.metrics.RecordConflictUnresolved()
		}
	}
}

func (cr *ConflictResolver) conflictVersions(c *ConflictInfo, rctx *ResolutionContext) ([]*Version, error) {
	versions := make([]*Version, 0, len(c.ConflictingVersions))
	for _, id := range c.ConflictingVersions {
		v, ok := rctx.Versions[id]
		if !ok {
			return nil, fmt.Errorf("%w: resolution context missing version %s", ErrInvalidRequest, id)
		}
		versions = append(versions, v)
	}
	if len(versions) < 2 {
		return nil, fmt.Errorf("%w: conflict %s has fewer than two versions", ErrInvalidRequest, c.ID)
	}
	return versions, nil
}

// pickByTimestamp resolves by choosing the version with the latest (or
// earliest) timestamp. Ties break deterministically on version ID.
func (cr *ConflictResolver) pickByTimestamp(c *ConflictInfo, rctx *ResolutionContext, latest bool) (Document, error) {
	versions, err := cr.conflictVersions(c, rctx)
	if err != nil {
		return nil, err
	}

	winner := versions[0]
	for _, v := range versions[1:] {
		after := v.Timestamp.After(winner.Timestamp)
		tie := v.Timestamp.Equal(winner.Timestamp)
		if latest {
			if after || (tie && v.ID > winner.ID) {
				winner = v
			}
		} else {
			if (!after && !tie) || (tie && v.ID < winner.ID) {
				winner = v
			}
		}
	}
	return copyDocument(winner.Data), nil
}

func (cr *ConflictResolver) threeWay(c *ConflictInfo, rctx *ResolutionContext) (Document, []string, error) {
	versions, err := cr.conflictVersions(c, rctx)
	if err != nil {
		return nil, nil, err
	}
	base := rctx.BaseData
	if base == nil && c.BaseVersion != "" {
		if bv, ok := rctx.Versions[c.BaseVersion]; ok {
			base = bv.Data
		}
	}
	merged, _, warnings := threeWayMergeDocuments(base, versions[0], versions[1])
	return merged, warnings, nil
}

// operationalTransform merges concurrent edits to string fields. Edits to
// non-overlapping regions of the same string combine; overlapping edits keep
// the local value with a recorded warning. Non-string collisions fall back
// to last-write-wins.
func (cr *ConflictResolver) operationalTransform(c *ConflictInfo, rctx *ResolutionContext) (Document, []string, error) {
	versions, err := cr.conflictVersions(c, rctx)
	if err != nil {
		return nil, nil, err
	}
	local, remote := versions[0], versions[1]

	base := rctx.BaseData
	if base == nil && c.BaseVersion != "" {
		if bv, ok := rctx.Versions[c.BaseVersion]; ok {
			base = bv.Data
		}
	}

	merged, _, warnings := threeWayMergeDocuments(base, local, remote)

	// Rework string collisions with text merging.
	localDiff := diffDocuments(base, local.Data)
	remoteByPath := make(map[string]DiffEntry)
	for _, e := range diffDocuments(base, remote.Data) {
		remoteByPath[e.Path] = e
	}
	for _, le := range localDiff {
		re, collides := remoteByPath[le.Path]
		if !collides || valuesEqual(le.NewValue, re.NewValue) {
			continue
		}
		ls, lok := le.NewValue.(string)
		rs, rok := re.NewValue.(string)
		bs, bok := le.OldValue.(string)
		if !lok || !rok || !bok {
			continue
		}
		combined, overlapped := mergeText(bs, ls, rs)
		if overlapped {
			setValueAtPath(merged, le.Path, ls)
			warnings = append(warnings, fmt.Sprintf(
				"overlapping text edits at %q: kept local value, remote edit discarded", le.Path))
			continue
		}
		setValueAtPath(merged, le.Path, combined)
	}
	return merged, warnings, nil
}

// mergeText combines two edits of the same base string when the edited
// regions do not overlap. Each side's edit is reduced to a single hunk by
// trimming the common prefix and suffix against the base. Returns
// overlapped=true when the hunks intersect and no safe merge exists.
func mergeText(base, local, remote string) (string, bool) {
	if local == remote {
		return local, false
	}
	if local == base {
		return remote, false
	}
	if remote == base {
		return local, false
	}

	lStart, lEnd := hunkBounds(base, local)
	rStart, rEnd := hunkBounds(base, remote)

	// Hunks over [start,end) of the base. Disjoint regions merge cleanly.
	if lEnd <= rStart {
		return base[:lStart] + local[lStart:len(local)-(len(base)-lEnd)] + base[lEnd:rStart] +
			remote[rStart:len(remote)-(len(base)-rEnd)] + base[rEnd:], false
	}
	if rEnd <= lStart {
		return base[:rStart] + remote[rStart:len(remote)-(len(base)-rEnd)] + base[rEnd:lStart] +
			local[lStart:len(local)-(len(base)-lEnd)] + base[lEnd:], false
	}
	return "", true
}

// hunkBounds returns the [start,end) region of base replaced by edited.
func hunkBounds(base, edited string) (int, int) {
	start := 0
	for start < len(base) && start < len(edited) && base[start] == edited[start] {
		start++
	}
	end := len(base)
	editedEnd := len(edited)
	for end > start && editedEnd > start && base[end-1] == edited[editedEnd-1] {
		end--
		editedEnd--
	}
	return start, end
}

func (cr *ConflictResolver) applyCustomRule(ctx context.Context, c *ConflictInfo, rctx *ResolutionContext) (Document, error) {
	cr.mu.RLock()
	rule, ok := cr.rules[c.EntityType]
	cr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no custom rule registered for entity type %q", ErrInvalidRequest, c.EntityType)
	}
	data, err := rule(ctx, c, rctx)
	if err != nil {
		return nil, fmt.Errorf("custom rule for %q: %w", c.EntityType, err)
	}
	return data, nil
}

func (cr *ConflictResolver) askUser(c *ConflictInfo) (Document, ResolutionResult) {
	cr.mu.RLock()
	callbacks := append([]UserDecisionCallback(nil), cr.callbacks...)
	cr.mu.RUnlock()

	for _, cb := range callbacks {
		if data, ok := cb(c); ok {
			cr.mu.Lock()
			cr.stats.UserInterventions++
			cr.mu.Unlock()
			return data, ResolutionResolved
		}
	}
	return nil, ResolutionNeedsUserInput
}

// mergeAll union-merges all conflicting versions. The first version's value
// wins true collisions; lists are unioned and nested maps merge recursively.
func (cr *ConflictResolver) mergeAll(c *ConflictInfo, rctx *ResolutionContext) (Document, error) {
	versions, err := cr.conflictVersions(c, rctx)
	if err != nil {
		return nil, err
	}
	merged := copyDocument(versions[0].Data)
	for _, v := range versions[1:] {
		merged = unionMerge(merged, v.Data)
	}
	return merged, nil
}

func unionMerge(dst, src Document) Document {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sv := src[k]
		dv, exists := dst[k]
		if !exists {
			dst[k] = copyValue(sv)
			continue
		}
		dm, dIsMap := dv.(map[string]any)
		sm, sIsMap := sv.(map[string]any)
		if dIsMap && sIsMap {
			dst[k] = unionMerge(dm, sm)
			continue
		}
		dl, dIsList := dv.([]any)
		sl, sIsList := sv.([]any)
		if dIsList && sIsList {
			dst[k] = unionLists(dl, sl)
			continue
		}
		// True collision keeps the existing (first) value.
	}
	return dst
}

func unionLists(a, b []any) []any {
	out := append([]any(nil), a...)
	for _, item := range b {
		found := false
		for _, existing := range out {
			if valuesEqual(existing, item) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, copyValue(item))
		}
	}
	return out
}

// SubmitUserResolution completes a conflict previously marked as needing
// user input.
func (cr *ConflictResolver) SubmitUserResolution(conflictID string, data Document) (*ConflictInfo, error) {
	cr.mu.Lock()
	c, ok := cr.pending[conflictID]
	cr.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no pending conflict %s", ErrInvalidRequest, conflictID)
	}
	cr.recordOutcome(c, StrategyUserDecision, ResolutionResolved, data)

	cr.mu.Lock()
	cr.stats.UserInterventions++
	cr.mu.Unlock()
	return c, nil
}

// PendingConflicts returns conflicts awaiting resolution, sorted by
// detection time.
func (cr *ConflictResolver) PendingConflicts() []*ConflictInfo {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	out := make([]*ConflictInfo, 0, len(cr.pending))
	for _, c := range cr.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// GetConflict returns a pending conflict by ID.
func (cr *ConflictResolver) GetConflict(id string) (*ConflictInfo, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	c, ok := cr.pending[id]
	return c, ok
}

// Stats returns a copy of the resolver's running statistics.
func (cr *ConflictResolver) Stats() ConflictStats {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	stats := cr.stats
	stats.ByStrategy = make(map[ResolutionStrategy]int64, len(cr.stats.ByStrategy))
	for k, v := range cr.stats.ByStrategy {
		stats.ByStrategy[k] = v
	}
	return stats
}

// History returns recent conflicts, oldest first, bounded in size.
func (cr *ConflictResolver) History() []*ConflictInfo {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return append([]*ConflictInfo(nil), cr.history...)
}

func (cr *ConflictResolver) appendHistoryLocked(c *ConflictInfo) {
	cr.history = append(cr.history, c)
	if len(cr.history) > conflictHistorySize {
		cr.history = cr.history[len(cr.history)-conflictHistorySize:]
	}
}
