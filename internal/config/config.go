package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server  ServerConfig
	Backend BackendConfig
	Bridge  BridgeConfig
	Memory  MemoryConfig
	Router  RouterConfig
	Breaker BreakerConfig
	Cache   CacheConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type BackendConfig struct {
	BaseURL string
	Model   string
	// ProbeInterval is how often the connector health-probes the backend
	// independent of user traffic.
	ProbeInterval time.Duration
	// ProbeFailures is how many consecutive probe failures mark the
	// backend unavailable.
	ProbeFailures int
	// MaxAttempts bounds retries on transient failures (first try included).
	MaxAttempts int
	// RetryBackoff is the initial retry delay; it doubles per attempt.
	RetryBackoff time.Duration
}

type BridgeConfig struct {
	// QueueCap bounds each session's pending message queue. Messages
	// beyond the cap are rejected with a backpressure notice.
	QueueCap int
	// SessionTimeout evicts a session after this much inactivity.
	SessionTimeout time.Duration
	// ExchangeTimeout aborts a single message's backend round trip.
	ExchangeTimeout time.Duration
	// StatsInterval is how often a stats snapshot goes to the
	// observability sink.
	StatsInterval time.Duration
}

type MemoryConfig struct {
	// WindowMessages caps the number of messages kept in a session window.
	WindowMessages int
	// WindowTokens is the token budget for a session window (estimated,
	// ~4 chars per token).
	WindowTokens int
	// FlushInterval is how often in-memory windows and archives are
	// flushed to durable storage.
	FlushInterval time.Duration
}

type RouterConfig struct {
	// SkillsDir holds additional skill definition files (*.md with YAML
	// frontmatter). Empty means built-in skills only.
	SkillsDir string
	// MinConfidence is the routing threshold below which messages go to
	// the clarify fallback skill.
	MinConfidence float64
}

type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures.
	FailureThreshold int
	// Cooldown is the initial open-state wait before a half-open probe.
	// It doubles on each failed probe up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

type CacheConfig struct {
	// TTL for cached backend replies. Zero disables the cache.
	TTL time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Backend: BackendConfig{
			BaseURL:       "http://localhost:11434",
			Model:         "llama3.1",
			ProbeInterval: 30 * time.Second,
			ProbeFailures: 3,
			MaxAttempts:   4,
			RetryBackoff:  time.Second,
		},
		Bridge: BridgeConfig{
			QueueCap:        50,
			SessionTimeout:  time.Hour,
			ExchangeTimeout: 30 * time.Second,
			StatsInterval:   time.Minute,
		},
		Memory: MemoryConfig{
			WindowMessages: 50,
			WindowTokens:   4000,
			FlushInterval:  60 * time.Second,
		},
		Router: RouterConfig{
			MinConfidence: 0.3,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         10 * time.Second,
			MaxCooldown:      5 * time.Minute,
		},
		Cache: CacheConfig{
			TTL: 5 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend and applies
// environment overrides.
//
// The backend is a flat JSON object at $XDG_CONFIG_HOME/parley/config.json.
// Environment variables (PARLEY_*) override backend values.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects values outside their documented ranges.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Bridge.QueueCap < 1 {
		return fmt.Errorf("bridge.queue_cap must be >= 1, got %d", c.Bridge.QueueCap)
	}
	if c.Memory.WindowMessages < 1 {
		return fmt.Errorf("memory.window_messages must be >= 1, got %d", c.Memory.WindowMessages)
	}
	if c.Memory.WindowTokens < 1 {
		return fmt.Errorf("memory.window_tokens must be >= 1, got %d", c.Memory.WindowTokens)
	}
	if c.Router.MinConfidence < 0 || c.Router.MinConfidence > 1 {
		return fmt.Errorf("router.min_confidence must be in [0, 1], got %g", c.Router.MinConfidence)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive, got %s", c.Breaker.Cooldown)
	}
	if c.Breaker.MaxCooldown < c.Breaker.Cooldown {
		return fmt.Errorf("breaker.max_cooldown (%s) must be >= breaker.cooldown (%s)",
			c.Breaker.MaxCooldown, c.Breaker.Cooldown)
	}
	if c.Backend.MaxAttempts < 1 {
		return fmt.Errorf("backend.max_attempts must be >= 1, got %d", c.Backend.MaxAttempts)
	}
	return nil
}
