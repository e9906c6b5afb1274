package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger backends.
const (
	LedgerNone     = "none"
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

// Config holds all configuration for the easytrigger binary.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	HTTPAddr      string `json:"http_addr"`
	TriggerPath   string `json:"trigger_path"`
	AgentToolPath string `json:"agent_tool_path"`
	FirehosePath  string `json:"firehose_path"`

	// Ledger: "none", "memory", "postgres" or "redis". Empty selects postgres
	// when DATABASE_URL is set, redis when REDIS_ADDR is set, memory otherwise.
	Ledger      string `json:"ledger"`
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	// NodeID names this replica on the cluster bus. Defaults to the hostname.
	NodeID         string `json:"node_id"`
	ClusterChannel string `json:"cluster_channel"`

	// ShiftReplayDelay is how long a node waits before replaying a job it
	// drained itself; peers replay immediately.
	ShiftReplayDelay    time.Duration `json:"-"`
	ShiftReplayDelayStr string        `json:"shift_replay_delay"`

	MongoURL      string `json:"mongo_url,omitempty"`
	MongoDatabase string `json:"mongo_database,omitempty"`

	RuntimeURL        string `json:"runtime_url"`
	RuntimeSecret     string `json:"runtime_secret,omitempty"`
	DispatcherWorkers int    `json:"dispatcher_workers"`
	// QueueCapacity: 0 means unbounded.
	QueueCapacity     int    `json:"queue_capacity"`

	RabbitMQReconnectInterval    time.Duration `json:"-"`
	RabbitMQReconnectIntervalStr string        `json:"rabbitmq_reconnect_interval"`
	FirehosePingInterval         time.Duration `json:"-"`
	FirehosePingIntervalStr      string        `json:"firehose_ping_interval"`
	SystemReadyWindow            time.Duration `json:"-"`
	SystemReadyWindowStr         string        `json:"system_ready_window"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`
	ReconcileBatchSize   int           `json:"reconcile_batch_size"`

	// JobRetention must exceed the longest time an event can legitimately
	// stay claimed (queue wait plus the dispatcher's retry window).
	JobRetention    time.Duration `json:"-"`
	JobRetentionStr string        `json:"job_retention"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey              int64         `json:"leader_lock_key"`
	LeaderRetryInterval        time.Duration `json:"-"`
	LeaderRetryIntervalStr     string        `json:"leader_retry_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsAddr    string `json:"metrics_addr"`
	MetricsPath    string `json:"metrics_path"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	TriggersFile string `json:"triggers_file,omitempty"`
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		log.Printf("config: loaded %s", p)
	}
	return nil
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		HTTPAddr:                     os.Getenv("HTTP_ADDR"),
		TriggerPath:                  envOr("TRIGGER_PATH", "/fn-execute"),
		AgentToolPath:                envOr("AGENT_TOOL_PATH", "/mcp"),
		FirehosePath:                 envOr("FIREHOSE_PATH", "/firehose"),
		Ledger:                       strings.ToLower(os.Getenv("LEDGER")),
		DatabaseURL:                  os.Getenv("DATABASE_URL"),
		RedisAddr:                    os.Getenv("REDIS_ADDR"),
		DBConnMaxLifetimeStr:         envOr("DB_CONN_MAX_LIFETIME", "30m"),
		NodeID:                       os.Getenv("NODE_ID"),
		ClusterChannel:               envOr("CLUSTER_CHANNEL", "easy-trigger:cluster"),
		ShiftReplayDelayStr:          envOr("SHIFT_REPLAY_DELAY", "30s"),
		MongoURL:                     os.Getenv("MONGO_URL"),
		MongoDatabase:                os.Getenv("MONGO_DATABASE"),
		RuntimeURL:                   os.Getenv("RUNTIME_URL"),
		RuntimeSecret:                os.Getenv("RUNTIME_SECRET"),
		RabbitMQReconnectIntervalStr: envOr("RABBITMQ_RECONNECT_INTERVAL", "60s"),
		FirehosePingIntervalStr:      envOr("FIREHOSE_PING_INTERVAL", "30s"),
		SystemReadyWindowStr:         envOr("SYSTEM_READY_WINDOW", "1s"),
		ReconcileEnabled:             os.Getenv("RECONCILE_ENABLED") != "false",
		ReconcileIntervalStr:         envOr("RECONCILE_INTERVAL", "5m"),
		JobRetentionStr:              envOr("JOB_RETENTION", "1h"),
		LeaderRetryIntervalStr:       envOr("LEADER_RETRY_INTERVAL", "5s"),
		LeaderHeartbeatIntervalStr:   envOr("LEADER_HEARTBEAT_INTERVAL", "2s"),
		CircuitBreakerCooldownStr:    envOr("CIRCUIT_BREAKER_COOLDOWN", "2m"),
		MetricsEnabled:               os.Getenv("METRICS_ENABLED") == "true",
		MetricsAddr:                  envOr("METRICS_ADDR", ":9090"),
		MetricsPath:                  envOr("METRICS_PATH", "/metrics"),
		HTTPShutdownTimeoutStr:       envOr("HTTP_SHUTDOWN_TIMEOUT", "10s"),
		DispatcherDrainTimeoutStr:    envOr("DISPATCHER_DRAIN_TIMEOUT", "30s"),
		TriggersFile:                 os.Getenv("TRIGGERS_FILE"),
	}

	// Support PORT as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	if cfg.Ledger == "" {
		switch {
		case cfg.DatabaseURL != "":
			cfg.Ledger = LedgerPostgres
		case cfg.RedisAddr != "":
			cfg.Ledger = LedgerRedis
		default:
			cfg.Ledger = LedgerMemory
		}
	}

	if cfg.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.NodeID = host
		}
	}

	cfg.DBMaxOpenConns = positiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = positiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DispatcherWorkers = positiveInt("DISPATCHER_WORKERS", 4)
	cfg.ReconcileBatchSize = positiveInt("RECONCILE_BATCH_SIZE", 500)
	cfg.LeaderLockKey = int64(positiveInt("LEADER_LOCK_KEY", 728380))

	if capStr := os.Getenv("QUEUE_CAPACITY"); capStr != "" {
		if n, err := parseInt(capStr); err == nil {
			cfg.QueueCapacity = n
		} else {
			log.Printf("config: invalid QUEUE_CAPACITY %q, using unbounded queue", capStr)
		}
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
			cfg.CircuitBreakerThreshold = 5
		}
	} else {
		cfg.CircuitBreakerThreshold = 5
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if v, err := time.ParseDuration(*d.str); err == nil {
			*d.dst = v
		}
	}

	return cfg
}

type durationField struct {
	env string
	str *string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"DB_CONN_MAX_LIFETIME", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"SHIFT_REPLAY_DELAY", &c.ShiftReplayDelayStr, &c.ShiftReplayDelay},
		{"RABBITMQ_RECONNECT_INTERVAL", &c.RabbitMQReconnectIntervalStr, &c.RabbitMQReconnectInterval},
		{"FIREHOSE_PING_INTERVAL", &c.FirehosePingIntervalStr, &c.FirehosePingInterval},
		{"SYSTEM_READY_WINDOW", &c.SystemReadyWindowStr, &c.SystemReadyWindow},
		{"RECONCILE_INTERVAL", &c.ReconcileIntervalStr, &c.ReconcileInterval},
		{"JOB_RETENTION", &c.JobRetentionStr, &c.JobRetention},
		{"LEADER_RETRY_INTERVAL", &c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", &c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
		{"CIRCUIT_BREAKER_COOLDOWN", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"HTTP_SHUTDOWN_TIMEOUT", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"DISPATCHER_DRAIN_TIMEOUT", &c.DispatcherDrainTimeoutStr, &c.DispatcherDrainTimeout},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func positiveInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := parseInt(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", key, s, def)
		return def
	}
	return n
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.MongoURL = maskSecret(c.MongoURL)
	masked.RuntimeSecret = maskSecret(c.RuntimeSecret)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "mongodb://", "mongodb+srv://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
