package driftsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an event in the append-only log.
type EventType string

const (
	EventDataCreated       EventType = "data_created"
	EventDataUpdated       EventType = "data_updated"
	EventDataDeleted       EventType = "data_deleted"
	EventDataMerged        EventType = "data_merged"
	EventUserAction        EventType = "user_action"
	EventSystemAction      EventType = "system_action"
	EventSyncAction        EventType = "sync_action"
	EventConflictResolved  EventType = "conflict_resolved"
	EventVersionCreated    EventType = "version_created"
	EventBranchCreated     EventType = "branch_created"
	EventPermissionChanged EventType = "permission_changed"
)

// Event is one immutable entry in the append-only log. Version is a
// monotonic counter per (AggregateType, AggregateID). The checksum covers
// every field except itself and is verified on append and on load.
type Event struct {
	ID            string    `json:"id"`
	EventType     EventType `json:"event_type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	EventData     Document  `json:"event_data,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Version       int64     `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	Checksum      string    `json:"checksum"`
}

// NewEvent builds an event with a fresh ID and timestamp and a valid
// checksum. Version is left zero; AppendEvent assigns the next per-aggregate
// version and restamps the checksum.
func NewEvent(eventType EventType, aggregateType, aggregateID string, data Document) *Event {
	e := &Event{
		ID:            uuid.NewString(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventData:     copyDocument(data),
		Timestamp:     time.Now(),
	}
	e.Checksum = e.computeChecksum()
	return e
}

// computeChecksum returns the SHA-256 digest over all fields except the
// checksum itself.
func (e *Event) computeChecksum() string {
	shadow := *e
	shadow.Checksum = ""
	raw, err := json.Marshal(&shadow)
	if err != nil {
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the stored checksum matches a recomputation.
func (e *Event) Verify() bool {
	return e.Checksum == e.computeChecksum()
}

func (e *Event) aggregateKey() string {
	return e.AggregateType + "/" + e.AggregateID
}

// Snapshot is a point-in-time materialization of aggregate state used to
// bound replay cost.
type Snapshot struct {
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	State         Document  `json:"state"`
	Version       int64     `json:"version"`
	SourceEventID string    `json:"source_event_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// EventFilter narrows event queries. Zero-valued fields match everything.
type EventFilter struct {
	AggregateType string
	AggregateID   string
	EventTypes    []EventType
	From          time.Time
	To            time.Time
	FromVersion   int64
	UserID        string
	Limit         int
	// Descending returns newest events first.
	Descending bool
}

func (f EventFilter) matches(e *Event) bool {
	if f.AggregateType != "" && e.AggregateType != f.AggregateType {
		return false
	}
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.FromVersion > 0 && e.Version < f.FromVersion {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	return true
}

// AuditEntry is a read-only formatted view of one event for audit UIs.
type AuditEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     EventType `json:"event_type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	UserID        string    `json:"user_id,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	Summary       string    `json:"summary"`
}

func auditSummary(e *Event) string {
	return fmt.Sprintf("%s on %s/%s (v%d)", e.EventType, e.AggregateType, e.AggregateID, e.Version)
}
