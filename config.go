package driftsync

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the sync core.
type Config struct {
	// LogLevel controls log verbosity: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Storage    StorageConfig    `yaml:"storage"`
	Version    VersionConfig    `yaml:"version"`
	Event      EventConfig      `yaml:"event"`
	Offline    OfflineConfig    `yaml:"offline"`
	Device     DeviceConfig     `yaml:"device"`
	Connection ConnectionConfig `yaml:"connection"`
	Service    ServiceConfig    `yaml:"service"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend selects the storage implementation: memory, file, sqlite, s3.
	Backend string `yaml:"backend"`

	// Path is the data directory (file) or database file (sqlite).
	Path string `yaml:"path"`

	// Compression enables transparent snappy compression of stored payloads.
	Compression bool `yaml:"compression"`

	Encryption EncryptionConfig `yaml:"encryption"`
	S3         S3BackendConfig  `yaml:"s3"`
}

// VersionConfig configures version history retention.
type VersionConfig struct {
	// MaxVersionsPerEntity is the number of recent versions kept per entity
	// during cleanup. Versions reachable from branch heads are always kept.
	MaxVersionsPerEntity int `yaml:"max_versions_per_entity"`

	// MaxVersionAge removes versions older than this during cleanup.
	// Zero disables age-based cleanup.
	MaxVersionAge time.Duration `yaml:"max_version_age"`
}

// EventConfig configures the event store.
type EventConfig struct {
	// SnapshotFrequency creates a snapshot every N events per aggregate.
	// Zero disables automatic snapshots.
	SnapshotFrequency int64 `yaml:"snapshot_frequency"`

	// RetentionPeriod removes events older than this if a snapshot covers
	// them. Zero keeps events forever.
	RetentionPeriod time.Duration `yaml:"retention_period"`

	// RetentionSweepInterval is how often the retention sweep runs.
	RetentionSweepInterval time.Duration `yaml:"retention_sweep_interval"`

	// ProjectionPollInterval is how often projections catch up on new events.
	ProjectionPollInterval time.Duration `yaml:"projection_poll_interval"`
}

// OfflineConfig configures the offline queue and connectivity tracking.
type OfflineConfig struct {
	// MaxQueueSize bounds the number of queued operations.
	MaxQueueSize int `yaml:"max_queue_size"`

	// MaxRetries is the default retry limit for queued operations.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the initial retry backoff for failed operations.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps the retry backoff.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`

	// ConnectivityCheckInterval is how often the connectivity probe runs.
	ConnectivityCheckInterval time.Duration `yaml:"connectivity_check_interval"`

	// ProcessInterval is how often the queue processor wakes up.
	ProcessInterval time.Duration `yaml:"process_interval"`

	// PersistState saves queue state to the storage backend on every change.
	PersistState bool `yaml:"persist_state"`
}

// DeviceConfig configures multi-device coordination.
type DeviceConfig struct {
	// MaxDevicesPerUser bounds registered devices per user. Zero is unlimited.
	MaxDevicesPerUser int `yaml:"max_devices_per_user"`

	// HeartbeatTimeout marks a device offline after this much silence.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// SchedulerInterval is how often due sync operations are dispatched.
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`

	// HealthCheckInterval is how often device liveness is evaluated.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// MaxSyncRetries is the retry limit for a failing sync operation.
	MaxSyncRetries int `yaml:"max_sync_retries"`

	// RetryBaseDelay is the initial backoff for failed sync operations.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps the sync retry backoff.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
}

// ConnectionConfig configures the websocket transport.
type ConnectionConfig struct {
	// HeartbeatInterval is the expected interval between client heartbeats.
	// A connection silent for twice this interval is disconnected.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// WriteTimeout bounds a single message write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReadBufferSize and WriteBufferSize size the websocket buffers.
	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`

	// MaxMessageSize bounds inbound message size in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// SendQueueSize is the per-connection outbound buffer length.
	SendQueueSize int `yaml:"send_queue_size"`
}

// ServiceConfig configures the sync service surface.
type ServiceConfig struct {
	// DefaultStrategy is the conflict resolution strategy used when a
	// request does not specify one.
	DefaultStrategy string `yaml:"default_strategy"`

	// SyncBatchSize bounds per-request version batches.
	SyncBatchSize int `yaml:"sync_batch_size"`

	// RateLimitPerSecond bounds requests per device. Zero disables limiting.
	RateLimitPerSecond int `yaml:"rate_limit_per_second"`

	// AuthRequired rejects requests lacking a valid token.
	AuthRequired bool `yaml:"auth_required"`

	// JWTSecret signs and verifies session tokens.
	// DO NOT commit this value to source control.
	JWTSecret string `yaml:"jwt_secret"`
}

// DefaultConfig returns a configuration with sensible defaults for a
// single-process deployment.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Storage: StorageConfig{
			Backend: "memory",
		},
		Version: VersionConfig{
			MaxVersionsPerEntity: 100,
		},
		Event: EventConfig{
			SnapshotFrequency:      100,
			RetentionSweepInterval: time.Hour,
			ProjectionPollInterval: time.Second,
		},
		Offline: OfflineConfig{
			MaxQueueSize:              10000,
			MaxRetries:                5,
			RetryBaseDelay:            time.Second,
			RetryMaxDelay:             5 * time.Minute,
			ConnectivityCheckInterval: 10 * time.Second,
			ProcessInterval:           time.Second,
			PersistState:              true,
		},
		Device: DeviceConfig{
			MaxDevicesPerUser:   10,
			HeartbeatTimeout:    5 * time.Minute,
			SchedulerInterval:   time.Second,
			HealthCheckInterval: 30 * time.Second,
			MaxSyncRetries:      5,
			RetryBaseDelay:      time.Second,
			RetryMaxDelay:       2 * time.Minute,
		},
		Connection: ConnectionConfig{
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			MaxMessageSize:    1 << 20,
			SendQueueSize:     256,
		},
		Service: ServiceConfig{
			DefaultStrategy:    "last_writer_wins",
			SyncBatchSize:      100,
			RateLimitPerSecond: 0,
			AuthRequired:       false,
		},
	}
}

// LoadConfig reads a YAML configuration file, layered over defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides configuration from DRIFTSYNC_* environment variables.
func (c *Config) ApplyEnv() {
	envString("DRIFTSYNC_LOG_LEVEL", &c.LogLevel)
	envString("DRIFTSYNC_STORAGE_BACKEND", &c.Storage.Backend)
	envString("DRIFTSYNC_STORAGE_PATH", &c.Storage.Path)
	envBool("DRIFTSYNC_STORAGE_COMPRESSION", &c.Storage.Compression)
	envString("DRIFTSYNC_ENCRYPTION_PASSWORD", &c.Storage.Encryption.KeyPassword)
	envString("DRIFTSYNC_S3_BUCKET", &c.Storage.S3.Bucket)
	envString("DRIFTSYNC_S3_REGION", &c.Storage.S3.Region)
	envString("DRIFTSYNC_S3_ENDPOINT", &c.Storage.S3.Endpoint)
	envInt("DRIFTSYNC_MAX_VERSIONS_PER_ENTITY", &c.Version.MaxVersionsPerEntity)
	envInt64("DRIFTSYNC_SNAPSHOT_FREQUENCY", &c.Event.SnapshotFrequency)
	envDuration("DRIFTSYNC_EVENT_RETENTION", &c.Event.RetentionPeriod)
	envInt("DRIFTSYNC_OFFLINE_QUEUE_SIZE", &c.Offline.MaxQueueSize)
	envDuration("DRIFTSYNC_CONNECTIVITY_CHECK_INTERVAL", &c.Offline.ConnectivityCheckInterval)
	envDuration("DRIFTSYNC_RETRY_BASE_DELAY", &c.Offline.RetryBaseDelay)
	envDuration("DRIFTSYNC_RETRY_MAX_DELAY", &c.Offline.RetryMaxDelay)
	envInt("DRIFTSYNC_MAX_DEVICES_PER_USER", &c.Device.MaxDevicesPerUser)
	envDuration("DRIFTSYNC_DEVICE_HEARTBEAT_TIMEOUT", &c.Device.HeartbeatTimeout)
	envDuration("DRIFTSYNC_HEARTBEAT_INTERVAL", &c.Connection.HeartbeatInterval)
	envString("DRIFTSYNC_DEFAULT_STRATEGY", &c.Service.DefaultStrategy)
	envInt("DRIFTSYNC_SYNC_BATCH_SIZE", &c.Service.SyncBatchSize)
	envInt("DRIFTSYNC_RATE_LIMIT", &c.Service.RateLimitPerSecond)
	envBool("DRIFTSYNC_AUTH_REQUIRED", &c.Service.AuthRequired)
	envString("DRIFTSYNC_JWT_SECRET", &c.Service.JWTSecret)
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", "memory", "file", "sqlite", "s3":
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if (c.Storage.Backend == "file" || c.Storage.Backend == "sqlite") && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage backend %q requires a path", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("%w: s3 backend requires a bucket", ErrInvalidConfig)
	}
	if c.Offline.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: offline queue size must be positive", ErrInvalidConfig)
	}
	if c.Service.AuthRequired && c.Service.JWTSecret == "" {
		return fmt.Errorf("%w: auth requires a JWT secret", ErrInvalidConfig)
	}
	switch c.Service.DefaultStrategy {
	case "", "last_writer_wins", "first_writer_wins", "three_way_merge",
		"operational_transform", "custom_rules", "user_decision", "merge_all_changes":
	default:
		return fmt.Errorf("%w: unknown default strategy %q", ErrInvalidConfig, c.Service.DefaultStrategy)
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
