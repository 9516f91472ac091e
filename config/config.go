// Package config holds the full configuration of the coordinator and
// the agent binary. Precedence: defaults, then the YAML file, then
// GRIDX_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete configuration tree.
type Config struct {
	Server      ServerConfig      `yaml:"server" env:"SERVER"`
	Database    DatabaseConfig    `yaml:"database" env:"DATABASE"`
	Redis       RedisConfig       `yaml:"redis" env:"REDIS"`
	Blob        BlobConfig        `yaml:"blob" env:"BLOB"`
	Split       SplitConfig       `yaml:"split" env:"SPLIT"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" env:"SCHEDULER"`
	Aggregation AggregationConfig `yaml:"aggregation" env:"AGGREGATION"`
	Sandbox     SandboxConfig     `yaml:"sandbox" env:"SANDBOX"`
	Auth        AuthConfig        `yaml:"auth" env:"AUTH"`
	Agent       AgentConfig       `yaml:"agent" env:"AGENT"`
	Log         LogConfig         `yaml:"log" env:"LOG"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the coordinator's HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" env:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	TLSCertFile     string        `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile      string        `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// Driver: sqlite, postgres or mysql.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
}

// RedisConfig configures the optional heartbeat cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
}

// BlobConfig configures the blob service client. An empty BaseURL
// selects the in-memory store, which only makes sense for development
// and tests.
type BlobConfig struct {
	BaseURL             string        `yaml:"base_url" env:"BASE_URL"`
	FetchAttempts       int           `yaml:"fetch_attempts" env:"FETCH_ATTEMPTS"`
	FetchBackoff        time.Duration `yaml:"fetch_backoff" env:"FETCH_BACKOFF"`
	FetchAttemptTimeout time.Duration `yaml:"fetch_attempt_timeout" env:"FETCH_ATTEMPT_TIMEOUT"`
}

// SplitConfig configures dataset chunking.
type SplitConfig struct {
	ChunkCount        int `yaml:"chunk_count" env:"CHUNK_COUNT"`
	UploadConcurrency int `yaml:"upload_concurrency" env:"UPLOAD_CONCURRENCY"`
}

// SchedulerConfig configures assignment and the lease reaper.
type SchedulerConfig struct {
	PollRate       float64       `yaml:"poll_rate" env:"POLL_RATE"`
	PollBurst      int           `yaml:"poll_burst" env:"POLL_BURST"`
	LeaseEnabled   bool          `yaml:"lease_enabled" env:"LEASE_ENABLED"`
	Lease          time.Duration `yaml:"lease" env:"LEASE"`
	LivenessWindow time.Duration `yaml:"liveness_window" env:"LIVENESS_WINDOW"`
	ReapInterval   time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL"`
	SampleInterval time.Duration `yaml:"sample_interval" env:"SAMPLE_INTERVAL"`
}

// AggregationConfig configures the averaging engine.
type AggregationConfig struct {
	DownloadConcurrency int           `yaml:"download_concurrency" env:"DOWNLOAD_CONCURRENCY"`
	Timeout             time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// SandboxConfig configures the agent-side docker sandbox.
type SandboxConfig struct {
	Image          string        `yaml:"image" env:"IMAGE"`
	CPU            float64       `yaml:"cpu" env:"CPU"`
	MemoryMB       int           `yaml:"memory_mb" env:"MEMORY_MB"`
	DiskMB         int           `yaml:"disk_mb" env:"DISK_MB"`
	NetworkEnabled bool          `yaml:"network_enabled" env:"NETWORK_ENABLED"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	PidsLimit      int           `yaml:"pids_limit" env:"PIDS_LIMIT"`
}

// AuthConfig configures bearer-token verification on the job API.
type AuthConfig struct {
	Secret   string        `yaml:"secret" env:"SECRET"`
	Issuer   string        `yaml:"issuer" env:"ISSUER"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// AgentConfig configures the agent binary.
type AgentConfig struct {
	ID                string        `yaml:"id" env:"ID"`
	OwnerID           string        `yaml:"owner_id" env:"OWNER_ID"`
	CoordinatorURL    string        `yaml:"coordinator_url" env:"COORDINATOR_URL"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	WorkDir           string        `yaml:"work_dir" env:"WORK_DIR"`
	StateFile         string        `yaml:"state_file" env:"STATE_FILE"`
	GPUModel          string        `yaml:"gpu_model" env:"GPU_MODEL"`
	RAMTotal          string        `yaml:"ram_total" env:"RAM_TOTAL"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
	SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns the full default tree.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "gridx.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Blob: BlobConfig{
			FetchAttempts:       3,
			FetchBackoff:        time.Second,
			FetchAttemptTimeout: 30 * time.Second,
		},
		Split: SplitConfig{
			ChunkCount:        5,
			UploadConcurrency: 4,
		},
		Scheduler: SchedulerConfig{
			PollRate:       2,
			PollBurst:      5,
			LeaseEnabled:   false,
			Lease:          15 * time.Minute,
			LivenessWindow: 5 * time.Minute,
			ReapInterval:   time.Minute,
			SampleInterval: 15 * time.Second,
		},
		Aggregation: AggregationConfig{
			DownloadConcurrency: 4,
			Timeout:             10 * time.Minute,
		},
		Sandbox: SandboxConfig{
			Image:     "python:3.12-slim",
			CPU:       0.5,
			MemoryMB:  512,
			Timeout:   30 * time.Second,
			PidsLimit: 100,
		},
		Auth: AuthConfig{
			Issuer:   "gridx",
			TokenTTL: 24 * time.Hour,
		},
		Agent: AgentConfig{
			CoordinatorURL:    "http://localhost:8080",
			PollInterval:      5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			WorkDir:           "/tmp/gridx-agent",
			StateFile:         "agent-state.yaml",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "gridx",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}

// Validate checks the configuration for values that can never work.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database dsn is required")
	}
	if c.Split.ChunkCount <= 0 {
		errs = append(errs, "split chunk_count must be positive")
	}
	if c.Scheduler.PollRate <= 0 {
		errs = append(errs, "scheduler poll_rate must be positive")
	}
	if c.Scheduler.LeaseEnabled && c.Scheduler.Lease <= 0 {
		errs = append(errs, "scheduler lease must be positive when enabled")
	}
	if c.Aggregation.DownloadConcurrency <= 0 {
		errs = append(errs, "aggregation download_concurrency must be positive")
	}
	if c.Sandbox.MemoryMB <= 0 {
		errs = append(errs, "sandbox memory_mb must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis addr is required when enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, "telemetry endpoint is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
