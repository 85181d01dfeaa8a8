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

// MergeType selects the merge algorithm.
type MergeType string

const (
	MergeFastForward MergeType = "fast_forward"
	MergeThreeWay    MergeType = "three_way"
	MergeRecursive   MergeType = "recursive"
	MergeManual      MergeType = "manual"
)

// VersionDiff is the result of comparing two versions.
type VersionDiff struct {
	Added       []DiffEntry `json:"added,omitempty"`
	Removed     []DiffEntry `json:"removed,omitempty"`
	Modified    []DiffEntry `json:"modified,omitempty"`
	IsIdentical bool        `json:"is_identical"`
}

// MergeOperation records the outcome of a merge attempt.
type MergeOperation struct {
	ID             string          `json:"id"`
	MergeType      MergeType       `json:"merge_type"`
	SourceVersions []string        `json:"source_versions"`
	TargetVersion  string          `json:"target_version"`
	ResultVersion  *Version        `json:"result_version,omitempty"`
	Conflicts      []*ConflictInfo `json:"conflicts,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
	Success        bool            `json:"success"`
	Timestamp      time.Time       `json:"timestamp"`
}

// VersionManager owns the version DAG: creation, history, branching, diffing,
// and merging. Versions are immutable once created. All methods are safe for
// concurrent use; merges on the same entity are serialized by a per-entity
// lock so two merges can never interleave reads and writes of one DAG.
type VersionManager struct {
	config  VersionConfig
	backend StorageBackend
	codec   *Codec
	logger  *slog.Logger
	metrics *MetricsRegistry

	mu       sync.RWMutex
	versions map[string]*Version
	// byEntity maps entityType -> entityID -> version IDs in creation order.
	byEntity map[string]map[string][]string
	// branches maps entity key -> branch name -> branch.
	branches map[string]map[string]*Branch
	// activeBranch maps entity key -> the branch new versions advance.
	activeBranch map[string]string
	// pendingMerges holds manual merges awaiting resolved data.
	pendingMerges map[string]*MergeOperation

	listeners []func(*Version)

	lockMu      sync.Mutex
	entityLocks map[string]*sync.Mutex
}

// NewVersionManager creates a version manager. backend may be nil for a
// purely in-memory DAG; when set, versions and branch state are persisted
// and reloaded on construction.
func NewVersionManager(cfg VersionConfig, backend StorageBackend, codec *Codec, logger *slog.Logger, metrics *MetricsRegistry) (*VersionManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if codec == nil {
		codec = NewCodec(false)
	}
	vm := &VersionManager{
		config:        cfg,
		backend:       backend,
		codec:         codec,
		logger:        logger.With("component", "version_manager"),
		metrics:       metrics,
		versions:      make(map[string]*Version),
		byEntity:      make(map[string]map[string][]string),
		branches:      make(map[string]map[string]*Branch),
		activeBranch:  make(map[string]string),
		pendingMerges: make(map[string]*MergeOperation),
		entityLocks:   make(map[string]*sync.Mutex),
	}
	if backend != nil {
		if err := vm.loadFromBackend(context.Background()); err != nil {
			return nil, fmt.Errorf("load version state: %w", err)
		}
	}
	return vm, nil
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// entityLock returns the merge lock for one entity.
func (vm *VersionManager) entityLock(entityType, entityID string) *sync.Mutex {
	key := entityKey(entityType, entityID)
	vm.lockMu.Lock()
	defer vm.lockMu.Unlock()
	l, ok := vm.entityLocks[key]
	if !ok {
		l = &sync.Mutex{}
		vm.entityLocks[key] = l
	}
	return l
}

// OnVersionCreated registers a listener invoked after each new version is
// stored. Listeners run synchronously on the creating goroutine.
func (vm *VersionManager) OnVersionCreated(fn func(*Version)) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.listeners = append(vm.listeners, fn)
}

// CreateVersion stores a new immutable version of an entity. Input data is
// deep-copied so later caller mutations cannot affect the stored version.
func (vm *VersionManager) CreateVersion(ctx context.Context, entityType, entityID string, data Document, parentIDs []string, author, deviceID string) (*Version, error) {
	vm.mu.Lock()

	for _, pid := range parentIDs {
		if _, ok := vm.versions[pid]; !ok {
			vm.mu.Unlock()
			return nil, fmt.Errorf("parent %s: %w", pid, ErrVersionNotFound)
		}
	}

	now := time.Now()
	v := &Version{
		ID:             newVersionID(),
		EntityType:     entityType,
		EntityID:       entityID,
		Data:           copyDocument(data),
		ParentVersions: append([]string(nil), parentIDs...),
		Timestamp:      now,
		Author:         author,
		DeviceID:       deviceID,
	}
	v.Checksum = computeChecksum(v.Data)

	if len(parentIDs) > 0 {
		parent := vm.versions[parentIDs[0]]
		v.Changes = changesFromDiff(diffDocuments(parent.Data, v.Data), now, author, deviceID)
	} else {
		v.Changes = changesFromDiff(diffDocuments(nil, v.Data), now, author, deviceID)
	}

	vm.storeLocked(v)
	vm.advanceBranchLocked(v)
	listeners := append([]func(*Version){}, vm.listeners...)
	vm.mu.Unlock()

	if err := vm.persistVersion(ctx, v); err != nil {
		vm.logger.Warn("persist version failed", "version_id", v.ID, "error", err)
	}

	if vm.metrics != nil {
		vm.metrics.RecordVersionCreated()
	}
	vm.logger.Debug("version created",
		"version_id", v.ID, "entity_type", entityType, "entity_id", entityID,
		"parents", len(parentIDs))

	for _, fn := range listeners {
		fn(v)
	}
	return v, nil
}

func changesFromDiff(entries []DiffEntry, ts time.Time, author, deviceID string) []FieldChange {
	changes := make([]FieldChange, 0, len(entries))
	for _, e := range entries {
		var ct ChangeType
		switch e.Kind {
		case DiffAdded:
			ct = ChangeCreate
		case DiffRemoved:
			ct = ChangeDelete
		default:
			ct = ChangeUpdate
		}
		changes = append(changes, FieldChange{
			FieldPath:  e.Path,
			ChangeType: ct,
			OldValue:   e.OldValue,
			NewValue:   e.NewValue,
			Timestamp:  ts,
			Author:     author,
			DeviceID:   deviceID,
		})
	}
	return changes
}

func (vm *VersionManager) storeLocked(v *Version) {
	vm.versions[v.ID] = v
	if vm.byEntity[v.EntityType] == nil {
		vm.byEntity[v.EntityType] = make(map[string][]string)
	}
	vm.byEntity[v.EntityType][v.EntityID] = append(vm.byEntity[v.EntityType][v.EntityID], v.ID)
}

// advanceBranchLocked moves the entity's active branch head to the new
// version when the version descends from the current head.
func (vm *VersionManager) advanceBranchLocked(v *Version) {
	key := entityKey(v.EntityType, v.EntityID)
	name := vm.activeBranch[key]
	if name == "" {
		return
	}
	branch := vm.branches[key][name]
	if branch == nil {
		return
	}
	for _, pid := range v.ParentVersions {
		if pid == branch.HeadVersionID {
			branch.HeadVersionID = v.ID
			return
		}
	}
	if branch.HeadVersionID == "" {
		branch.HeadVersionID = v.ID
	}
}

// GetVersion returns a version by ID, verifying checksum integrity.
func (vm *VersionManager) GetVersion(id string) (*Version, error) {
	vm.mu.RLock()
	v, ok := vm.versions[id]
	vm.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("version %s: %w", id, ErrVersionNotFound)
	}
	if actual := computeChecksum(v.Data); actual != v.Checksum {
		return nil, &IntegrityError{Kind: "version", ID: id, Expected: v.Checksum, Actual: actual}
	}
	return v, nil
}

// GetLatestVersion returns the branch head when the named branch exists,
// otherwise the most recently created version for the entity. Returns
// ErrEntityNotFound when the entity has no versions.
func (vm *VersionManager) GetLatestVersion(entityType, entityID, branch string) (*Version, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	if branch == "" {
		branch = "main"
	}
	key := entityKey(entityType, entityID)
	if b, ok := vm.branches[key][branch]; ok && b.HeadVersionID != "" {
		if v, ok := vm.versions[b.HeadVersionID]; ok {
			return v, nil
		}
	}

	ids := vm.byEntity[entityType][entityID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", entityType, entityID, ErrEntityNotFound)
	}
	return vm.versions[ids[len(ids)-1]], nil
}

// GetHistory returns an entity's versions, newest first. limit <= 0 returns
// the full history.
func (vm *VersionManager) GetHistory(entityType, entityID string, limit int) ([]*Version, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	ids := vm.byEntity[entityType][entityID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", entityType, entityID, ErrEntityNotFound)
	}

	out := make([]*Version, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, vm.versions[ids[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CompareVersions computes a structural diff between two versions.
func (vm *VersionManager) CompareVersions(idA, idB string) (*VersionDiff, error) {
	a, err := vm.GetVersion(idA)
	if err != nil {
		return nil, err
	}
	b, err := vm.GetVersion(idB)
	if err != nil {
		return nil, err
	}

	diff := &VersionDiff{}
	for _, e := range diffDocuments(a.Data, b.Data) {
		switch e.Kind {
		case DiffAdded:
			diff.Added = append(diff.Added, e)
		case DiffRemoved:
			diff.Removed = append(diff.Removed, e)
		case DiffModified:
			diff.Modified = append(diff.Modified, e)
		}
	}
	diff.IsIdentical = len(diff.Added)+len(diff.Removed)+len(diff.Modified) == 0
	return diff, nil
}

// MergeVersions merges source versions into a target version. On success a
// new version is created with the target and sources as parents. On failure
// no state changes and the operation carries the unresolved conflicts.
// Manual merges are parked until CompleteManualMerge supplies resolved data.
func (vm *VersionManager) MergeVersions(ctx context.Context, sourceIDs []string, targetID string, mergeType MergeType) (*MergeOperation, error) {
	if len(sourceIDs) == 0 {
		return nil, fmt.Errorf("%w: merge requires at least one source", ErrInvalidRequest)
	}

	target, err := vm.GetVersion(targetID)
	if err != nil {
		return nil, err
	}
	sources := make([]*Version, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		s, err := vm.GetVersion(id)
		if err != nil {
			return nil, err
		}
		if s.EntityType != target.EntityType || s.EntityID != target.EntityID {
			return nil, fmt.Errorf("%w: cannot merge versions of different entities", ErrInvalidRequest)
		}
		sources = append(sources, s)
	}

	lock := vm.entityLock(target.EntityType, target.EntityID)
	lock.Lock()
	defer lock.Unlock()

	op := &MergeOperation{
		ID:             uuid.NewString(),
		MergeType:      mergeType,
		SourceVersions: append([]string(nil), sourceIDs...),
		TargetVersion:  targetID,
		Timestamp:      time.Now(),
	}

	switch mergeType {
	case MergeFastForward:
		err = vm.mergeFastForward(ctx, op, sources, target)
	case MergeThreeWay:
		err = vm.mergeThreeWay(ctx, op, sources, target)
	case MergeRecursive:
		err = vm.mergeRecursive(ctx, op, sources, target)
	case MergeManual:
		vm.mu.Lock()
		vm.pendingMerges[op.ID] = op
		vm.mu.Unlock()
		return op, nil
	default:
		return nil, fmt.Errorf("%w: unknown merge type %q", ErrInvalidRequest, mergeType)
	}
	if err != nil {
		return op, err
	}

	if vm.metrics != nil && op.Success {
		vm.metrics.RecordMerge()
	}
	return op, nil
}

func (vm *VersionManager) mergeFastForward(ctx context.Context, op *MergeOperation, sources []*Version, target *Version) error {
	if len(sources) != 1 {
		return fmt.Errorf("%w: fast-forward takes exactly one source", ErrInvalidRequest)
	}
	source := sources[0]
	if !vm.isAncestor(target.ID, source.ID) {
		return fmt.Errorf("%w: %s is not an ancestor of %s", ErrMergeNotFastForward, target.ID, source.ID)
	}

	merged, err := vm.CreateVersion(ctx, target.EntityType, target.EntityID,
		source.Data, []string{target.ID, source.ID}, source.Author, source.DeviceID)
	if err != nil {
		return err
	}
	op.ResultVersion = merged
	op.Success = true
	return nil
}

func (vm *VersionManager) mergeThreeWay(ctx context.Context, op *MergeOperation, sources []*Version, target *Version) error {
	if len(sources) != 1 {
		return fmt.Errorf("%w: three-way merge takes exactly one source", ErrInvalidRequest)
	}
	source := sources[0]

	base := vm.commonAncestor(source.ID, target.ID)
	var baseData Document
	if base != nil {
		baseData = base.Data
	}

	mergedData, conflicts, warnings := threeWayMergeDocuments(baseData, target, source)
	op.Conflicts = conflicts
	op.Warnings = warnings

	merged, err := vm.CreateVersion(ctx, target.EntityType, target.EntityID,
		mergedData, []string{target.ID, source.ID}, source.Author, source.DeviceID)
	if err != nil {
		return err
	}
	op.ResultVersion = merged
	op.Success = true
	return nil
}

func (vm *VersionManager) mergeRecursive(ctx context.Context, op *MergeOperation, sources []*Version, target *Version) error {
	current := target
	for _, source := range sources {
		base := vm.commonAncestor(source.ID, current.ID)
		var baseData Document
		if base != nil {
			baseData = base.Data
		}
		mergedData, conflicts, warnings := threeWayMergeDocuments(baseData, current, source)
		op.Conflicts = append(op.Conflicts, conflicts...)
		op.Warnings = append(op.Warnings, warnings...)

		merged, err := vm.CreateVersion(ctx, current.EntityType, current.EntityID,
			mergedData, []string{current.ID, source.ID}, source.Author, source.DeviceID)
		if err != nil {
			return err
		}
		current = merged
	}
	op.ResultVersion = current
	op.Success = true
	return nil
}

// CompleteManualMerge finishes a parked manual merge with caller-resolved
// data, producing the merge version.
func (vm *VersionManager) CompleteManualMerge(ctx context.Context, operationID string, resolvedData Document, author, deviceID string) (*MergeOperation, error) {
	vm.mu.Lock()
	op, ok := vm.pendingMerges[operationID]
	if ok {
		delete(vm.pendingMerges, operationID)
	}
	vm.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no pending manual merge %s", ErrInvalidRequest, operationID)
	}

	target, err := vm.GetVersion(op.TargetVersion)
	if err != nil {
		return nil, err
	}
	parents := append([]string{op.TargetVersion}, op.SourceVersions...)
	merged, err := vm.CreateVersion(ctx, target.EntityType, target.EntityID, resolvedData, parents, author, deviceID)
	if err != nil {
		return nil, err
	}
	op.ResultVersion = merged
	op.Success = true
	if vm.metrics != nil {
		vm.metrics.RecordMerge()
	}
	return op, nil
}

// threeWayMergeDocuments reconciles two documents against a common base.
// Changes on disjoint paths apply automatically. A path changed differently
// by both sides becomes a conflict resolved by last-write-wins between the
// two versions, with a recorded warning so no change is dropped silently.
func threeWayMergeDocuments(base Document, local, remote *Version) (Document, []*ConflictInfo, []string) {
	merged := copyDocument(base)
	if merged == nil {
		merged = make(Document)
	}

	localDiff := diffDocuments(base, local.Data)
	remoteDiff := diffDocuments(base, remote.Data)

	remoteByPath := make(map[string]DiffEntry, len(remoteDiff))
	for _, e := range remoteDiff {
		remoteByPath[e.Path] = e
	}

	var conflicts []*ConflictInfo
	var warnings []string

	applyEntry := func(doc Document, e DiffEntry) {
		if e.Kind == DiffRemoved {
			deleteValueAtPath(doc, e.Path)
			return
		}
		setValueAtPath(doc, e.Path, copyValue(e.NewValue))
	}

	for _, le := range localDiff {
		re, collides := remoteByPath[le.Path]
		if !collides {
			applyEntry(merged, le)
			continue
		}
		delete(remoteByPath, le.Path)

		if le.Kind == re.Kind && valuesEqual(le.NewValue, re.NewValue) {
			applyEntry(merged, le)
			continue
		}

		// Both sides changed the same path differently. Later writer wins;
		// the losing side's change is preserved in the conflict record.
		winner, loser := le, re
		winnerVersion := local
		if remote.Timestamp.After(local.Timestamp) {
			winner, loser = re, le
			winnerVersion = remote
		}
		applyEntry(merged, winner)

		now := time.Now()
		conflicts = append(conflicts, &ConflictInfo{
			ID:                  uuid.NewString(),
			Type:                ConflictFieldConflict,
			EntityType:          local.EntityType,
			EntityID:            local.EntityID,
			ConflictingVersions: []string{local.ID, remote.ID},
			ConflictingChanges: []FieldChange{
				{FieldPath: le.Path, ChangeType: ChangeUpdate, OldValue: le.OldValue, NewValue: le.NewValue, Timestamp: local.Timestamp, Author: local.Author, DeviceID: local.DeviceID},
				{FieldPath: re.Path, ChangeType: ChangeUpdate, OldValue: re.OldValue, NewValue: re.NewValue, Timestamp: remote.Timestamp, Author: remote.Author, DeviceID: remote.DeviceID},
			},
			ResolutionStrategy: StrategyLastWriterWins,
			ResolutionResult:   ResolutionResolved,
			ResolvedData:       Document{le.Path: winner.NewValue},
			DetectedAt:         now,
		})
		warnings = append(warnings, fmt.Sprintf(
			"conflict at %q: kept value from version %s (last write wins), discarded %v",
			le.Path, winnerVersion.ID, loser.NewValue))
	}

	// Remote-only changes apply cleanly.
	paths := make([]string, 0, len(remoteByPath))
	for p := range remoteByPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		applyEntry(merged, remoteByPath[p])
	}

	return merged, conflicts, warnings
}

// isAncestor reports whether ancestorID is reachable from descendantID
// through parent links. A version is considered its own ancestor.
func (vm *VersionManager) isAncestor(ancestorID, descendantID string) bool {
	set := vm.ancestorSet(descendantID)
	_, ok := set[ancestorID]
	return ok
}

// ancestorSet returns all versions reachable from id, including id itself.
func (vm *VersionManager) ancestorSet(id string) map[string]struct{} {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	set := make(map[string]struct{})
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := set[cur]; seen {
			continue
		}
		set[cur] = struct{}{}
		if v, ok := vm.versions[cur]; ok {
			queue = append(queue, v.ParentVersions...)
		}
	}
	return set
}

// commonAncestor returns the nearest common ancestor of two versions,
// approximated as the common ancestor with the latest timestamp. Returns
// nil when the versions share no history.
func (vm *VersionManager) commonAncestor(idA, idB string) *Version {
	setA := vm.ancestorSet(idA)
	setB := vm.ancestorSet(idB)

	vm.mu.RLock()
	defer vm.mu.RUnlock()

	var best *Version
	for id := range setA {
		if _, ok := setB[id]; !ok {
			continue
		}
		// The versions being merged are not candidates for their own base.
		if id == idA || id == idB {
			continue
		}
		v := vm.versions[id]
		if v == nil {
			continue
		}
		if best == nil || v.Timestamp.After(best.Timestamp) {
			best = v
		}
	}
	return best
}

// CreateBranch creates a named branch pointing at a version. Branch names
// are unique per entity.
func (vm *VersionManager) CreateBranch(entityType, entityID, name, fromVersionID, createdBy string) (*Branch, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: branch name is required", ErrInvalidRequest)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if fromVersionID != "" {
		if _, ok := vm.versions[fromVersionID]; !ok {
			return nil, fmt.Errorf("version %s: %w", fromVersionID, ErrVersionNotFound)
		}
	}

	key := entityKey(entityType, entityID)
	if vm.branches[key] == nil {
		vm.branches[key] = make(map[string]*Branch)
	}
	if _, exists := vm.branches[key][name]; exists {
		return nil, fmt.Errorf("%w: branch %q already exists for %s", ErrInvalidRequest, name, key)
	}

	b := &Branch{
		Name:          name,
		HeadVersionID: fromVersionID,
		CreatedAt:     time.Now(),
		CreatedBy:     createdBy,
	}
	vm.branches[key][name] = b
	if vm.activeBranch[key] == "" {
		vm.activeBranch[key] = name
	}
	vm.persistBranchesLocked(entityType, entityID)
	return b, nil
}

// SwitchBranch makes the named branch the one new versions advance.
func (vm *VersionManager) SwitchBranch(entityType, entityID, name string) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	key := entityKey(entityType, entityID)
	if _, ok := vm.branches[key][name]; !ok {
		return fmt.Errorf("branch %q for %s: %w", name, key, ErrBranchNotFound)
	}
	vm.activeBranch[key] = name
	vm.persistBranchesLocked(entityType, entityID)
	return nil
}

// ListBranches returns an entity's branches sorted by name.
func (vm *VersionManager) ListBranches(entityType, entityID string) []*Branch {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	key := entityKey(entityType, entityID)
	out := make([]*Branch, 0, len(vm.branches[key]))
	for _, b := range vm.branches[key] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Cleanup applies the retention policy: per entity, versions beyond the
// keep-count floor that are also older than the age threshold are dropped.
// Branch heads are always kept. Returns the number of versions removed.
func (vm *VersionManager) Cleanup(ctx context.Context) int {
	vm.mu.Lock()

	keep := vm.config.MaxVersionsPerEntity
	if keep <= 0 {
		keep = 100
	}
	cutoff := time.Time{}
	if vm.config.MaxVersionAge > 0 {
		cutoff = time.Now().Add(-vm.config.MaxVersionAge)
	}

	protected := make(map[string]struct{})
	for _, branches := range vm.branches {
		for _, b := range branches {
			protected[b.HeadVersionID] = struct{}{}
		}
	}

	var removed []string
	for entityType, entities := range vm.byEntity {
		for entityID, ids := range entities {
			if len(ids) <= keep {
				continue
			}
			var kept []string
			for i, id := range ids {
				old := i < len(ids)-keep
				_, isProtected := protected[id]
				v := vm.versions[id]
				expired := cutoff.IsZero() || v.Timestamp.Before(cutoff)
				if old && !isProtected && expired {
					delete(vm.versions, id)
					removed = append(removed, id)
					continue
				}
				kept = append(kept, id)
			}
			vm.byEntity[entityType][entityID] = kept
		}
	}
	vm.mu.Unlock()

	if vm.backend != nil {
		for _, id := range removed {
			if err := vm.backend.Delete(ctx, versionKey(id)); err != nil {
				vm.logger.Warn("delete version from storage failed", "version_id", id, "error", err)
			}
		}
	}
	if len(removed) > 0 {
		vm.logger.Info("version cleanup", "removed", len(removed))
	}
	return len(removed)
}

type versionExport struct {
	Versions []*Version                    `json:"versions"`
	Branches map[string]map[string]*Branch `json:"branches,omitempty"`
	Active   map[string]string             `json:"active_branches,omitempty"`
}

// ExportState serializes the full version DAG and branch state.
func (vm *VersionManager) ExportState() ([]byte, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	exp := versionExport{
		Branches: vm.branches,
		Active:   vm.activeBranch,
	}
	ids := make([]string, 0, len(vm.versions))
	for id := range vm.versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		exp.Versions = append(exp.Versions, vm.versions[id])
	}
	return json.Marshal(exp)
}

// ImportState loads a previously exported DAG, replacing current state.
// Every imported version is integrity-checked before acceptance.
func (vm *VersionManager) ImportState(data []byte) error {
	var exp versionExport
	if err := json.Unmarshal(data, &exp); err != nil {
		return fmt.Errorf("parse state: %w", err)
	}
	for _, v := range exp.Versions {
		if actual := computeChecksum(v.Data); actual != v.Checksum {
			return &IntegrityError{Kind: "version", ID: v.ID, Expected: v.Checksum, Actual: actual}
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.versions = make(map[string]*Version, len(exp.Versions))
	vm.byEntity = make(map[string]map[string][]string)
	for _, v := range exp.Versions {
		vm.storeLocked(v)
	}
	if exp.Branches != nil {
		vm.branches = exp.Branches
	}
	if exp.Active != nil {
		vm.activeBranch = exp.Active
	}
	return nil
}

func (vm *VersionManager) persistVersion(ctx context.Context, v *Version) error {
	if vm.backend == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return vm.backend.Write(ctx, versionKey(v.ID), vm.codec.Encode(raw))
}

func (vm *VersionManager) persistBranchesLocked(entityType, entityID string) {
	if vm.backend == nil {
		return
	}
	key := entityKey(entityType, entityID)
	state := struct {
		Branches map[string]*Branch `json:"branches"`
		Active   string             `json:"active"`
	}{vm.branches[key], vm.activeBranch[key]}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := vm.backend.Write(context.Background(), branchStateKey(entityType, entityID), raw); err != nil {
		vm.logger.Warn("persist branch state failed", "entity", key, "error", err)
	}
}

func (vm *VersionManager) loadFromBackend(ctx context.Context) error {
	keys, err := vm.backend.List(ctx, keyPrefixVersion)
	if err != nil {
		return err
	}

	loaded := make([]*Version, 0, len(keys))
	for _, key := range keys {
		raw, err := vm.backend.Read(ctx, key)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		decoded, err := vm.codec.Decode(raw)
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		var v Version
		if err := json.Unmarshal(decoded, &v); err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		if actual := computeChecksum(v.Data); actual != v.Checksum {
			return &IntegrityError{Kind: "version", ID: v.ID, Expected: v.Checksum, Actual: actual}
		}
		loaded = append(loaded, &v)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Timestamp.Before(loaded[j].Timestamp) })
	for _, v := range loaded {
		vm.storeLocked(v)
	}

	branchKeys, err := vm.backend.List(ctx, keyPrefixBranch)
	if err != nil {
		return err
	}
	for _, key := range branchKeys {
		raw, err := vm.backend.Read(ctx, key)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		var state struct {
			Branches map[string]*Branch `json:"branches"`
			Active   string             `json:"active"`
		}
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		entity := key[len(keyPrefixBranch):]
		vm.branches[entity] = state.Branches
		vm.activeBranch[entity] = state.Active
	}
	return nil
}
