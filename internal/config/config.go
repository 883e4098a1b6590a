package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	Txn      TxnConfig
	Backup   BackupConfig
	Recovery RecoveryConfig
	Tracing  TracingConfig
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string
	Port int
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig contains durable store configuration
type StorageConfig struct {
	Type       string // "memory", "badger"
	DataDir    string
	SyncWrites bool
}

// TxnConfig contains transaction manager configuration
type TxnConfig struct {
	LockWaitTimeout   time.Duration
	PrepareTimeout    time.Duration
	DeadlockInterval  time.Duration
	VictimPolicy      string // "youngest", "oldest"
	CoordinatorLog    string // path to the append-only coordinator log
}

// BackupConfig contains backup and chunk store configuration
type BackupConfig struct {
	ChunkPolicy   string // "fixed", "rolling"
	ChunkSize     int    // target chunk size in bytes
	Codec         string // "none", "snappy", "gzip", "zstd"
	CodecLevel    int
	RetentionAge  time.Duration // 0 disables the retention sweep
	SweepInterval time.Duration
}

// RecoveryConfig contains recovery orchestrator configuration
type RecoveryConfig struct {
	StepTimeout      time.Duration
	RetryPolicy      string // "fixed", "linear", "exponential"
	RetryBase        time.Duration
	MaxAttempts      int
	Compensation     string // "safe" unwinds applied steps on failure, "partial" leaves them
	ConflictStrategy string // "fail", "source-wins", "target-wins"
}

// TracingConfig contains OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRatio  float64
	InsecureConn   bool
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host: getEnvString("ARKEEP_HOST", ""),
			Port: getEnvInt("ARKEEP_PORT", 8787),
		},
		Log: LogConfig{
			Level:  getEnvString("ARKEEP_LOG_LEVEL", "info"),
			Format: getEnvString("ARKEEP_LOG_FORMAT", "text"),
		},
		Storage: StorageConfig{
			Type:       getEnvString("ARKEEP_STORAGE_TYPE", "badger"),
			DataDir:    getEnvString("ARKEEP_DATA_DIR", "./data"),
			SyncWrites: getEnvBool("ARKEEP_SYNC_WRITES", true),
		},
		Txn: TxnConfig{
			LockWaitTimeout:  getEnvDuration("ARKEEP_LOCK_WAIT_TIMEOUT", 5*time.Second),
			PrepareTimeout:   getEnvDuration("ARKEEP_PREPARE_TIMEOUT", 10*time.Second),
			DeadlockInterval: getEnvDuration("ARKEEP_DEADLOCK_INTERVAL", 500*time.Millisecond),
			VictimPolicy:     getEnvString("ARKEEP_DEADLOCK_VICTIM", "youngest"),
			CoordinatorLog:   getEnvString("ARKEEP_COORDINATOR_LOG", "./data/txn.wal"),
		},
		Backup: BackupConfig{
			ChunkPolicy:   getEnvString("ARKEEP_CHUNK_POLICY", "fixed"),
			ChunkSize:     getEnvInt("ARKEEP_CHUNK_SIZE", 256*1024),
			Codec:         getEnvString("ARKEEP_CODEC", "zstd"),
			CodecLevel:    getEnvInt("ARKEEP_CODEC_LEVEL", 3),
			RetentionAge:  getEnvDuration("ARKEEP_RETENTION_AGE", 0),
			SweepInterval: getEnvDuration("ARKEEP_SWEEP_INTERVAL", time.Hour),
		},
		Recovery: RecoveryConfig{
			StepTimeout:      getEnvDuration("ARKEEP_STEP_TIMEOUT", 10*time.Minute),
			RetryPolicy:      getEnvString("ARKEEP_RETRY_POLICY", "exponential"),
			RetryBase:        getEnvDuration("ARKEEP_RETRY_BASE", time.Second),
			MaxAttempts:      getEnvInt("ARKEEP_RETRY_MAX_ATTEMPTS", 3),
			Compensation:     getEnvString("ARKEEP_COMPENSATION", "safe"),
			ConflictStrategy: getEnvString("ARKEEP_CONFLICT_STRATEGY", "fail"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("ARKEEP_TRACING_ENABLED", false),
			Endpoint:       getEnvString("ARKEEP_TRACING_ENDPOINT", "otel-collector:4318"),
			ServiceName:    getEnvString("ARKEEP_TRACING_SERVICE_NAME", "arkeep"),
			ServiceVersion: getEnvString("ARKEEP_TRACING_SERVICE_VERSION", "0.1.0"),
			Environment:    getEnvString("ARKEEP_TRACING_ENVIRONMENT", "development"),
			SamplingRatio:  getEnvFloat("ARKEEP_TRACING_SAMPLING_RATIO", 1.0),
			InsecureConn:   getEnvBool("ARKEEP_TRACING_INSECURE", true),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	validStorageTypes := map[string]bool{"memory": true, "badger": true}
	if !validStorageTypes[c.Storage.Type] {
		return fmt.Errorf("invalid storage type: %s (must be memory or badger)", c.Storage.Type)
	}
	if c.Storage.Type == "badger" && c.Storage.DataDir == "" {
		return fmt.Errorf("data directory must be specified for badger storage")
	}

	if c.Txn.LockWaitTimeout <= 0 {
		return fmt.Errorf("lock wait timeout must be positive")
	}
	if c.Txn.PrepareTimeout <= 0 {
		return fmt.Errorf("prepare timeout must be positive")
	}
	if c.Txn.DeadlockInterval <= 0 {
		return fmt.Errorf("deadlock detection interval must be positive")
	}
	validVictimPolicies := map[string]bool{"youngest": true, "oldest": true}
	if !validVictimPolicies[c.Txn.VictimPolicy] {
		return fmt.Errorf("invalid deadlock victim policy: %s (must be youngest or oldest)", c.Txn.VictimPolicy)
	}
	if c.Txn.CoordinatorLog == "" {
		return fmt.Errorf("coordinator log path must be specified")
	}

	validChunkPolicies := map[string]bool{"fixed": true, "rolling": true}
	if !validChunkPolicies[c.Backup.ChunkPolicy] {
		return fmt.Errorf("invalid chunk policy: %s (must be fixed or rolling)", c.Backup.ChunkPolicy)
	}
	if c.Backup.ChunkSize < 4096 {
		return fmt.Errorf("chunk size must be at least 4096 bytes")
	}
	validCodecs := map[string]bool{"none": true, "snappy": true, "gzip": true, "zstd": true}
	if !validCodecs[c.Backup.Codec] {
		return fmt.Errorf("invalid codec: %s (must be none, snappy, gzip, or zstd)", c.Backup.Codec)
	}
	if c.Backup.RetentionAge > 0 && c.Backup.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive when retention is enabled")
	}

	if c.Recovery.StepTimeout <= 0 {
		return fmt.Errorf("recovery step timeout must be positive")
	}
	validRetryPolicies := map[string]bool{"fixed": true, "linear": true, "exponential": true}
	if !validRetryPolicies[c.Recovery.RetryPolicy] {
		return fmt.Errorf("invalid retry policy: %s (must be fixed, linear, or exponential)", c.Recovery.RetryPolicy)
	}
	if c.Recovery.RetryBase <= 0 {
		return fmt.Errorf("retry base delay must be positive")
	}
	if c.Recovery.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	validCompensation := map[string]bool{"safe": true, "partial": true}
	if !validCompensation[c.Recovery.Compensation] {
		return fmt.Errorf("invalid compensation mode: %s (must be safe or partial)", c.Recovery.Compensation)
	}
	validConflictStrategies := map[string]bool{"fail": true, "source-wins": true, "target-wins": true}
	if !validConflictStrategies[c.Recovery.ConflictStrategy] {
		return fmt.Errorf("invalid conflict strategy: %s (must be fail, source-wins, or target-wins)", c.Recovery.ConflictStrategy)
	}

	return nil
}

// Address returns the server address in host:port format
func (c *Config) Address() string {
	if c.Server.Host == "" {
		return fmt.Sprintf(":%d", c.Server.Port)
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvString gets a string environment variable with a default value
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
