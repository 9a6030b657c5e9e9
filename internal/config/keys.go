package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PARLEY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "backend.base_url", typ: kString, env: "PARLEY_BACKEND_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.BaseURL },
	},
	{
		key: "backend.model", typ: kString, env: "PARLEY_BACKEND_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Backend.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.Model },
	},
	{
		key: "backend.probe_interval", typ: kDuration, env: "PARLEY_BACKEND_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Backend.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Backend.ProbeInterval },
	},
	{
		key: "backend.probe_failures", typ: kInt, env: "PARLEY_BACKEND_PROBE_FAILURES",
		apply:   func(cfg *Config, v any) { cfg.Backend.ProbeFailures = v.(int) },
		extract: func(cfg Config) any { return cfg.Backend.ProbeFailures },
	},
	{
		key: "backend.max_attempts", typ: kInt, env: "PARLEY_BACKEND_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Backend.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Backend.MaxAttempts },
	},
	{
		key: "backend.retry_backoff", typ: kDuration, env: "PARLEY_BACKEND_RETRY_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Backend.RetryBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Backend.RetryBackoff },
	},
	{
		key: "bridge.queue_cap", typ: kInt, env: "PARLEY_BRIDGE_QUEUE_CAP",
		apply:   func(cfg *Config, v any) { cfg.Bridge.QueueCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Bridge.QueueCap },
	},
	{
		key: "bridge.session_timeout", typ: kDuration, env: "PARLEY_BRIDGE_SESSION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Bridge.SessionTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Bridge.SessionTimeout },
	},
	{
		key: "bridge.exchange_timeout", typ: kDuration, env: "PARLEY_BRIDGE_EXCHANGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Bridge.ExchangeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Bridge.ExchangeTimeout },
	},
	{
		key: "bridge.stats_interval", typ: kDuration, env: "PARLEY_BRIDGE_STATS_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Bridge.StatsInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Bridge.StatsInterval },
	},
	{
		key: "memory.window_messages", typ: kInt, env: "PARLEY_MEMORY_WINDOW_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Memory.WindowMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.WindowMessages },
	},
	{
		key: "memory.window_tokens", typ: kInt, env: "PARLEY_MEMORY_WINDOW_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Memory.WindowTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.WindowTokens },
	},
	{
		key: "memory.flush_interval", typ: kDuration, env: "PARLEY_MEMORY_FLUSH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Memory.FlushInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Memory.FlushInterval },
	},
	{
		key: "router.skills_dir", typ: kString, env: "PARLEY_ROUTER_SKILLS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Router.SkillsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Router.SkillsDir },
	},
	{
		key: "router.min_confidence", typ: kFloat, env: "PARLEY_ROUTER_MIN_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Router.MinConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Router.MinConfidence },
	},
	{
		key: "breaker.failure_threshold", typ: kInt, env: "PARLEY_BREAKER_FAILURE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Breaker.FailureThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.FailureThreshold },
	},
	{
		key: "breaker.cooldown", typ: kDuration, env: "PARLEY_BREAKER_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Breaker.Cooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Breaker.Cooldown },
	},
	{
		key: "breaker.max_cooldown", typ: kDuration, env: "PARLEY_BREAKER_MAX_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Breaker.MaxCooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Breaker.MaxCooldown },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "PARLEY_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PARLEY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "PARLEY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		raw, ok, err := b.Get(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		if err := applyRaw(cfg, s, raw); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] config key %s=%q: %v. Using default value.\n", s.key, raw, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		if err := applyRaw(cfg, s, raw); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] env var %s=%q: %v. Using default value.\n", s.env, raw, err)
		}
	}
}

func applyRaw(cfg *Config, s keySpec, raw string) error {
	switch s.typ {
	case kString:
		s.apply(cfg, raw)
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("not an integer: %w", err)
		}
		s.apply(cfg, i)
	case kFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("not a float: %w", err)
		}
		s.apply(cfg, f)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("not a duration: %w", err)
		}
		s.apply(cfg, d)
	}
	return nil
}
