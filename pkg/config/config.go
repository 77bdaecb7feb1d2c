// Package config loads and validates platform configuration from the
// environment. Every key the platform reads is enumerated here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the platform.
type Config struct {
	HTTPPort string

	Database DatabaseConfig
	Agent    AgentConfig
	Sandbox  SandboxConfig
	Redis    RedisConfig
	Credits  CreditsConfig
	Auth     AuthConfig
	LLM      LLMConfig
}

// DatabaseConfig configures the shared PostgreSQL pool. The single pool is
// shared by the checkpoint, credit, webhook, and sandbox metadata stores.
type DatabaseConfig struct {
	// URL is the PostgreSQL DSN. Must use the postgresql:// scheme.
	URL string

	PoolMin        int
	PoolMax        int
	AcquireTimeout time.Duration

	// SimpleProtocol disables prepared-statement caching; required when the
	// connection goes through a transaction-pool proxy (pgbouncer).
	SimpleProtocol bool
}

// AgentConfig configures graph execution.
type AgentConfig struct {
	// RecursionLimit caps per-stream node recursions. Default 25, hard cap 100.
	RecursionLimit int

	// MCPEnabled gates MCP tool configuration in /chat/stream requests.
	MCPEnabled bool

	// MCPTimeout is the tool call timeout.
	MCPTimeout time.Duration

	// LLMStreamTimeout bounds a single LLM streaming read.
	LLMStreamTimeout time.Duration
}

// SandboxConfig configures the sandbox lifecycle controller.
type SandboxConfig struct {
	// TimeoutSeconds is idle-before-delete.
	Timeout time.Duration

	// PauseBeforeTimeout is subtracted from Timeout to schedule the pause.
	PauseBeforeTimeout time.Duration

	MCPServerPort  int
	CodeServerPort int

	// CreateTimeout bounds sandbox creation.
	CreateTimeout time.Duration

	// HealthProbeTimeout and HealthDeadline bound the MCP readiness probe.
	HealthProbeTimeout time.Duration
	HealthDeadline     time.Duration

	// TemplateID is the default provider template.
	TemplateID string

	// ProviderKeys are opaque and passed through to provider adapters.
	ProviderKeys map[string]string
}

// RedisConfig configures the delay-queue backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// CreditsConfig configures the credit ledger and reconciler.
type CreditsConfig struct {
	// BalanceCacheTTL bounds staleness of cached balance reads. Max 5 min.
	BalanceCacheTTL time.Duration

	// OrphanWindow is how far back the reconciler looks for pending external
	// purchases. Default 24h.
	OrphanWindow time.Duration

	// ReconcileSchedule is a cron expression for the reconciler.
	ReconcileSchedule string

	// StreamCost is the credit price of one /chat/stream request.
	// Zero disables charging.
	StreamCost float64
}

// AuthConfig configures bearer JWT validation.
type AuthConfig struct {
	JWTSecret string
}

// LLMConfig configures the streaming chat provider adapter.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Load reads configuration from the environment, applying defaults.
// Validation errors are returned at startup, never mid-stream.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		Database: DatabaseConfig{
			URL:            os.Getenv("CHECKPOINT_DB_URL"),
			PoolMin:        getEnvInt("CHECKPOINT_POOL_MIN", 2),
			PoolMax:        getEnvInt("CHECKPOINT_POOL_MAX", 10),
			AcquireTimeout: getEnvDuration("CHECKPOINT_POOL_TIMEOUT", 60*time.Second),
			SimpleProtocol: getEnvBool("CHECKPOINT_DB_SIMPLE_PROTOCOL", false),
		},
		Agent: AgentConfig{
			RecursionLimit:   getEnvInt("AGENT_RECURSION_LIMIT", 25),
			MCPEnabled:       getEnvBool("AGENT_MCP_ENABLED", false),
			MCPTimeout:       time.Duration(getEnvInt("AGENT_MCP_TIMEOUT_SECONDS", 1800)) * time.Second,
			LLMStreamTimeout: 5 * time.Minute,
		},
		Sandbox: SandboxConfig{
			Timeout:            time.Duration(getEnvInt("SANDBOX_TIMEOUT_SECONDS", 3600)) * time.Second,
			PauseBeforeTimeout: time.Duration(getEnvInt("SANDBOX_PAUSE_BEFORE_TIMEOUT_SECONDS", 600)) * time.Second,
			MCPServerPort:      getEnvInt("SANDBOX_MCP_SERVER_PORT", 6060),
			CodeServerPort:     getEnvInt("SANDBOX_CODE_SERVER_PORT", 9000),
			CreateTimeout:      5 * time.Minute,
			HealthProbeTimeout: 10 * time.Second,
			HealthDeadline:     60 * time.Second,
			TemplateID:         os.Getenv("SANDBOX_TEMPLATE_ID"),
			ProviderKeys:       providerKeysFromEnv(),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Credits: CreditsConfig{
			BalanceCacheTTL:   getEnvDuration("CREDITS_BALANCE_CACHE_TTL", 5*time.Minute),
			OrphanWindow:      getEnvDuration("CREDITS_ORPHAN_WINDOW", 24*time.Hour),
			ReconcileSchedule: getEnv("CREDITS_RECONCILE_SCHEDULE", "@every 1h"),
			StreamCost:        getEnvFloat("CREDITS_STREAM_COST", 0.01),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		LLM: LLMConfig{
			APIKey:  os.Getenv("LLM_API_KEY"),
			BaseURL: os.Getenv("LLM_BASE_URL"),
			Model:   getEnv("LLM_MODEL", "gpt-4o"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("CHECKPOINT_DB_URL is required")
	}
	if !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("CHECKPOINT_DB_URL must be a postgresql:// DSN")
	}
	if c.Database.PoolMin < 0 || c.Database.PoolMax < 1 || c.Database.PoolMin > c.Database.PoolMax {
		return fmt.Errorf("invalid pool sizing: min=%d max=%d", c.Database.PoolMin, c.Database.PoolMax)
	}
	if c.Agent.RecursionLimit < 1 {
		return fmt.Errorf("AGENT_RECURSION_LIMIT must be positive")
	}
	if c.Agent.RecursionLimit > MaxRecursionLimit {
		return fmt.Errorf("AGENT_RECURSION_LIMIT exceeds cap of %d", MaxRecursionLimit)
	}
	if c.Sandbox.PauseBeforeTimeout >= c.Sandbox.Timeout {
		return fmt.Errorf("SANDBOX_PAUSE_BEFORE_TIMEOUT_SECONDS must be less than SANDBOX_TIMEOUT_SECONDS")
	}
	if c.Credits.BalanceCacheTTL > 5*time.Minute {
		return fmt.Errorf("CREDITS_BALANCE_CACHE_TTL must not exceed 5m")
	}
	return nil
}

// MaxRecursionLimit is the hard cap on per-stream node recursions.
const MaxRecursionLimit = 100

// providerKeysFromEnv collects SANDBOX_PROVIDER_* variables verbatim.
// Keys are opaque to the platform and forwarded to provider adapters.
func providerKeysFromEnv() map[string]string {
	keys := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, "SANDBOX_PROVIDER_") {
			keys[k] = v
		}
	}
	return keys
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
