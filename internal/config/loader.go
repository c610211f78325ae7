package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agenttrace.yaml"

// CLIFlags holds command-line flag values. Nil pointers indicate unset flags
// that should not override the config. Use ParseFlags to populate this struct.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DataDir    *string
	NatsURL    *string
}

// ParseFlags parses command-line arguments into CLIFlags.
// Call this before Load/LoadWithCLI. Passing nil args parses os.Args[1:].
func ParseFlags(args []string) (CLIFlags, error) {
	var flags CLIFlags

	fs := flag.NewFlagSet("agenttraced", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP server port")
	fs.StringVar(port, "p", "", "HTTP server port (shorthand)")
	logLevel := fs.String("log-level", "", "logging level (debug, info, warn, error)")
	dataDir := fs.String("data-dir", "", "path to the embedded KV store file")
	natsURL := fs.String("nats-url", "", "NATS server URL")

	if err := fs.Parse(args); err != nil {
		return flags, fmt.Errorf("parse flags: %w", err)
	}

	// Only set pointers for flags that were explicitly provided.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "data-dir":
			flags.DataDir = dataDir
		case "nats-url":
			flags.NatsURL = natsURL
		}
	})

	return flags, nil
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI flags. The YAML path can be overridden
// via CLIFlags.ConfigPath.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}

	return &cfg, yamlPath, nil
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overlays CLI flag values onto cfg. Only non-nil flags override.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DataDir != nil {
		cfg.Storage.DataDir = *flags.DataDir
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTTRACE_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTTRACE_CORS_ORIGIN")

	setString(&cfg.Storage.DataDir, "AGENTTRACE_DATA_DIR")
	setDuration(&cfg.Storage.SyncInterval, "AGENTTRACE_SYNC_INTERVAL")
	setBool(&cfg.Storage.ReadOnly, "AGENTTRACE_STORAGE_READ_ONLY")

	setDuration(&cfg.Retention.EdgeTTL, "AGENTTRACE_RETENTION_EDGE_TTL")
	setDuration(&cfg.Retention.PayloadTTL, "AGENTTRACE_RETENTION_PAYLOAD_TTL")
	setDuration(&cfg.Retention.SweepInterval, "AGENTTRACE_RETENTION_SWEEP_INTERVAL")
	setInt(&cfg.Retention.SweepBatch, "AGENTTRACE_RETENTION_SWEEP_BATCH")

	setInt(&cfg.Ingest.QueueCapacity, "AGENTTRACE_INGEST_QUEUE_CAPACITY")
	setInt(&cfg.Ingest.Workers, "AGENTTRACE_INGEST_WORKERS")
	setInt(&cfg.Ingest.BatchMax, "AGENTTRACE_INGEST_BATCH_MAX")
	setDuration(&cfg.Ingest.FlushInterval, "AGENTTRACE_INGEST_FLUSH_INTERVAL")
	setDuration(&cfg.Ingest.DrainTimeout, "AGENTTRACE_INGEST_DRAIN_TIMEOUT")

	setBool(&cfg.Privacy.Enabled, "AGENTTRACE_PRIVACY_ENABLED")
	setInt(&cfg.Privacy.MaxNestingDepth, "AGENTTRACE_PRIVACY_MAX_NESTING_DEPTH")

	setInt(&cfg.Session.TimeoutSecs, "AGENTTRACE_SESSION_TIMEOUT_SECS")
	setInt(&cfg.Session.MaxSessions, "AGENTTRACE_SESSION_MAX_SESSIONS")
	setBool(&cfg.Session.AutoRecovery, "AGENTTRACE_SESSION_AUTO_RECOVERY")

	setString(&cfg.Project.RegistryPath, "AGENTTRACE_PROJECT_REGISTRY_PATH")
	setString(&cfg.Project.RootDir, "AGENTTRACE_PROJECT_ROOT_DIR")
	setDuration(&cfg.Project.HandleIdleTTL, "AGENTTRACE_PROJECT_HANDLE_IDLE_TTL")
	setDuration(&cfg.Project.StatsCacheTTL, "AGENTTRACE_PROJECT_STATS_CACHE_TTL")

	setInt(&cfg.Breaker.FailureThreshold, "AGENTTRACE_BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.OpenDuration, "AGENTTRACE_BREAKER_OPEN_DURATION")
	setInt(&cfg.Breaker.HalfOpenMaxCalls, "AGENTTRACE_BREAKER_HALF_OPEN_MAX_CALLS")
	setInt(&cfg.Breaker.SuccessThreshold, "AGENTTRACE_BREAKER_SUCCESS_THRESHOLD")

	setInt(&cfg.Retry.MaxAttempts, "AGENTTRACE_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.InitialDelay, "AGENTTRACE_RETRY_INITIAL_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "AGENTTRACE_RETRY_MAX_DELAY")
	setFloat64(&cfg.Retry.Multiplier, "AGENTTRACE_RETRY_MULTIPLIER")
	setFloat64(&cfg.Retry.Jitter, "AGENTTRACE_RETRY_JITTER")

	setInt(&cfg.Bulkhead.MaxConcurrent, "AGENTTRACE_BULKHEAD_MAX_CONCURRENT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "AGENTTRACE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "AGENTTRACE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "AGENTTRACE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "AGENTTRACE_RATE_MAX_IDLE_TIME")

	setBool(&cfg.Postgres.Enabled, "AGENTTRACE_PG_ENABLED")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTTRACE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTTRACE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTTRACE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTTRACE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTTRACE_PG_HEALTH_CHECK")

	setBool(&cfg.NATS.Enabled, "AGENTTRACE_NATS_ENABLED")
	setString(&cfg.NATS.URL, "NATS_URL")

	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTTRACE_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L2TTL, "AGENTTRACE_CACHE_L2_TTL")

	setBool(&cfg.OTEL.Enabled, "AGENTTRACE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "AGENTTRACE_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "AGENTTRACE_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "AGENTTRACE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "AGENTTRACE_OTEL_SAMPLE_RATE")

	setBool(&cfg.MCP.Enabled, "AGENTTRACE_MCP_ENABLED")
	setInt(&cfg.MCP.ServerPort, "AGENTTRACE_MCP_SERVER_PORT")

	setString(&cfg.Logging.Level, "AGENTTRACE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTTRACE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTTRACE_LOG_ASYNC")
}

// validate checks that required fields are set and security constraints are met.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when nats.enabled is true")
	}
	if cfg.Postgres.Enabled && cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required when postgres.enabled is true")
	}
	if cfg.Postgres.Enabled && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be >= 1")
	}
	if cfg.Breaker.SuccessThreshold < 1 {
		return errors.New("breaker.success_threshold must be >= 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.Multiplier <= 1.0 {
		return errors.New("retry.multiplier must be > 1.0")
	}
	if cfg.Bulkhead.MaxConcurrent < 1 {
		return errors.New("bulkhead.max_concurrent must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Session.MaxSessions < 1 {
		return errors.New("session.max_sessions must be >= 1")
	}
	if cfg.Session.TimeoutSecs < 1 {
		return errors.New("session.timeout_secs must be >= 1")
	}
	if cfg.Privacy.MaxNestingDepth < 1 {
		return errors.New("privacy.max_nesting_depth must be >= 1")
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
