package driftsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Document is an entity's state: a JSON-like map of fields, possibly nested.
type Document = map[string]any

// ChangeType classifies a single field-level change.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
	ChangeMove   ChangeType = "move"
	ChangeCopy   ChangeType = "copy"
	ChangeMerge  ChangeType = "merge"
)

// FieldChange records one field-level modification carried by a version.
type FieldChange struct {
	FieldPath  string     `json:"field_path"`
	ChangeType ChangeType `json:"change_type"`
	OldValue   any        `json:"old_value,omitempty"`
	NewValue   any        `json:"new_value,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Author     string     `json:"author,omitempty"`
	DeviceID   string     `json:"device_id,omitempty"`
}

// Version is an immutable snapshot of an entity's state. Versions form a DAG
// through ParentVersions: one parent for a linear edit, two or more for a
// merge, none for the initial version.
type Version struct {
	ID             string        `json:"id"`
	EntityType     string        `json:"entity_type"`
	EntityID       string        `json:"entity_id"`
	Data           Document      `json:"data"`
	ParentVersions []string      `json:"parent_versions,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	Author         string        `json:"author,omitempty"`
	DeviceID       string        `json:"device_id,omitempty"`
	Checksum       string        `json:"checksum"`
	Changes        []FieldChange `json:"changes,omitempty"`
}

// Branch is a named pointer to a version within an entity's DAG.
type Branch struct {
	Name          string    `json:"name"`
	HeadVersionID string    `json:"head_version_id"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by,omitempty"`
}

// newVersionID returns a unique version identifier.
func newVersionID() string {
	return uuid.NewString()
}

// computeChecksum returns a deterministic SHA-256 hex digest of a document.
// encoding/json serializes map keys in sorted order, so equal documents
// always produce equal checksums regardless of insertion order.
func computeChecksum(data Document) string {
	raw, err := json.Marshal(data)
	if err != nil {
		// Documents come from JSON decoding or map literals; marshal
		// failure means a non-serializable value was injected.
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// copyDocument returns a deep copy. Nested maps and slices are copied so a
// stored version can never be mutated through a caller's reference.
func copyDocument(data Document) Document {
	if data == nil {
		return nil
	}
	out := make(Document, len(data))
	for k, v := range data {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyDocument(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
