package driftsync

import (
	"context"
	"fmt"
)

// StorageBackend is the persistence contract for the sync core. It stores
// opaque records keyed by the IDs of the data model: versions, events,
// snapshots, and offline queue state. Implementations must preserve exact
// byte-for-byte data through a save/load round trip.
type StorageBackend interface {
	// Read reads a record from storage.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write writes a record to storage.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes a record from storage.
	Delete(ctx context.Context, key string) error

	// List returns all keys matching a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks if a record exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

// Key prefixes partition the backend namespace per record kind.
const (
	keyPrefixVersion  = "versions/"
	keyPrefixEvent    = "events/"
	keyPrefixSnapshot = "snapshots/"
	keyPrefixBranch   = "branches/"
	keyQueueState     = "offline/queue-state"
)

func versionKey(id string) string {
	return keyPrefixVersion + id
}

func eventKey(aggregateType, aggregateID string, version int64) string {
	return fmt.Sprintf("%s%s/%s/%012d", keyPrefixEvent, aggregateType, aggregateID, version)
}

func snapshotKey(aggregateType, aggregateID string) string {
	return keyPrefixSnapshot + aggregateType + "/" + aggregateID
}

func branchStateKey(entityType, entityID string) string {
	return keyPrefixBranch + entityType + "/" + entityID
}

// OpenStorageBackend builds a backend from the configured selector.
// Recognized selectors: memory, file, sqlite, s3.
func OpenStorageBackend(cfg StorageConfig) (StorageBackend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: file backend requires a path", ErrInvalidConfig)
		}
		return NewFileBackend(cfg.Path)
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: sqlite backend requires a path", ErrInvalidConfig)
		}
		return NewSQLiteBackend(cfg.Path)
	case "s3":
		return NewS3Backend(cfg.S3)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, cfg.Backend)
	}
}

// Ensure interfaces are implemented
var (
	_ StorageBackend = (*MemoryBackend)(nil)
	_ StorageBackend = (*FileBackend)(nil)
	_ StorageBackend = (*SQLiteBackend)(nil)
	_ StorageBackend = (*S3Backend)(nil)
)
