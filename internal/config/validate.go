package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.Ledger {
	case LedgerNone, LedgerMemory:
	case LedgerPostgres:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when LEDGER=postgres")
		}
	case LedgerRedis:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when LEDGER=redis")
		}
	default:
		add("LEDGER", "must be one of none, memory, postgres, redis; got %q", cfg.Ledger)
	}

	if cfg.RuntimeURL == "" {
		add("RUNTIME_URL", "required")
	} else if u, err := url.Parse(cfg.RuntimeURL); err != nil {
		add("RUNTIME_URL", "invalid url: %v", err)
	} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("RUNTIME_URL", "must be an absolute http or https url")
	}

	paths := map[string]string{
		"TRIGGER_PATH":    cfg.TriggerPath,
		"AGENT_TOOL_PATH": cfg.AgentToolPath,
		"FIREHOSE_PATH":   cfg.FirehosePath,
	}
	seen := make(map[string]string)
	for _, field := range []string{"TRIGGER_PATH", "AGENT_TOOL_PATH", "FIREHOSE_PATH"} {
		p := paths[field]
		if !strings.HasPrefix(p, "/") || p == "/" {
			add(field, "must start with / and name a sub-path, got %q", p)
			continue
		}
		if other, dup := seen[p]; dup {
			add(field, "collides with %s (%s)", other, p)
			continue
		}
		seen[p] = field
	}

	if cfg.MongoURL != "" && cfg.MongoDatabase == "" {
		add("MONGO_DATABASE", "required when MONGO_URL is set")
	}

	if cfg.MetricsEnabled && cfg.MetricsAddr == cfg.HTTPAddr {
		add("METRICS_ADDR", "must differ from HTTP_ADDR (%s)", cfg.HTTPAddr)
	}

	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	c := cfg
	for _, d := range c.durations() {
		v, err := time.ParseDuration(*d.str)
		if err != nil {
			add(d.env, "invalid duration: %v", err)
		} else if v <= 0 {
			add(d.env, "must be positive")
		}
	}

	if cfg.ReconcileEnabled && cfg.JobRetention > 0 && cfg.JobRetention < cfg.DispatcherDrainTimeout {
		add("JOB_RETENTION", "must be at least DISPATCHER_DRAIN_TIMEOUT (%s)", cfg.DispatcherDrainTimeoutStr)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
