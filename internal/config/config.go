// Package config provides configuration loading for the session coordinator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the coordinator tunables. These match the behavior of the
// desktop host this daemon pairs with; override via environment variables
// only when debugging.
const (
	DefaultSpawnReadyTimeout  = 30 * time.Second
	DefaultMaxInitRetries     = 3
	DefaultEventBufferCap     = 500
	DefaultChunkFlushInterval = 50 * time.Millisecond
	DefaultRetryBackoffBase   = 500 * time.Millisecond
)

// Config holds all configuration values for the coordinator daemon.
type Config struct {
	// Agent host RPC settings
	HostRPCURL      string
	HostDialTimeout time.Duration
	HostCallTimeout time.Duration

	// UI server settings
	Port           int
	Host           string
	AuthToken      string
	AllowedOrigins []string

	// Persistence
	DBPath string

	// Telemetry (disabled when TelemetryURL is empty)
	TelemetryURL   string
	TelemetryToken string

	// Spawn defaults, overridable per session by the UI
	DefaultSandboxMode string
	SearchEnabled      bool
	NetworkEnabled     bool

	// AgentTimeoutSecs is the host-side inactivity deadline for spawned
	// agents. Sessions spawned with the long-running option omit it, which
	// the host treats as unlimited.
	AgentTimeoutSecs int64

	// Coordinator tunables
	SpawnReadyTimeout  time.Duration
	MaxInitRetries     int
	EventBufferCap     int
	ChunkFlushInterval time.Duration
	RetryBackoffBase   time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HostRPCURL:      getEnv("HOST_RPC_URL", ""),
		HostDialTimeout: getEnvDuration("HOST_DIAL_TIMEOUT", 10*time.Second),
		HostCallTimeout: getEnvDuration("HOST_CALL_TIMEOUT", 60*time.Second),

		Port:           getEnvInt("COORDINATOR_PORT", 8811),
		Host:           getEnv("COORDINATOR_HOST", "127.0.0.1"),
		AuthToken:      getEnv("UI_AUTH_TOKEN", ""),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		DBPath: getEnv("DB_PATH", "coordinator.db"),

		TelemetryURL:   getEnv("TELEMETRY_URL", ""),
		TelemetryToken: getEnv("TELEMETRY_TOKEN", ""),

		DefaultSandboxMode: getEnv("SANDBOX_MODE", "workspace-write"),
		SearchEnabled:      getEnvBool("AGENT_SEARCH_ENABLED", true),
		NetworkEnabled:     getEnvBool("AGENT_NETWORK_ENABLED", true),
		AgentTimeoutSecs:   int64(getEnvInt("AGENT_TIMEOUT_SECS", 300)),

		SpawnReadyTimeout:  getEnvDuration("SPAWN_READY_TIMEOUT", DefaultSpawnReadyTimeout),
		MaxInitRetries:     getEnvInt("MAX_INIT_RETRIES", DefaultMaxInitRetries),
		EventBufferCap:     getEnvInt("EVENT_BUFFER_CAP", DefaultEventBufferCap),
		ChunkFlushInterval: getEnvDuration("CHUNK_FLUSH_INTERVAL", DefaultChunkFlushInterval),
		RetryBackoffBase:   getEnvDuration("RETRY_BACKOFF_BASE", DefaultRetryBackoffBase),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),
	}

	if cfg.HostRPCURL == "" {
		return nil, fmt.Errorf("HOST_RPC_URL is required")
	}
	if !strings.HasPrefix(cfg.HostRPCURL, "ws://") && !strings.HasPrefix(cfg.HostRPCURL, "wss://") {
		return nil, fmt.Errorf("HOST_RPC_URL must be a ws:// or wss:// URL, got %q", cfg.HostRPCURL)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("COORDINATOR_PORT out of range: %d", cfg.Port)
	}
	if cfg.MaxInitRetries < 0 {
		return nil, fmt.Errorf("MAX_INIT_RETRIES must not be negative: %d", cfg.MaxInitRetries)
	}
	if cfg.EventBufferCap < 1 {
		return nil, fmt.Errorf("EVENT_BUFFER_CAP must be positive: %d", cfg.EventBufferCap)
	}
	if cfg.ChunkFlushInterval <= 0 {
		return nil, fmt.Errorf("CHUNK_FLUSH_INTERVAL must be positive: %v", cfg.ChunkFlushInterval)
	}
	if cfg.AgentTimeoutSecs < 0 {
		return nil, fmt.Errorf("AGENT_TIMEOUT_SECS must not be negative: %d", cfg.AgentTimeoutSecs)
	}

	switch cfg.DefaultSandboxMode {
	case "read-only", "workspace-write", "danger-full-access":
	default:
		return nil, fmt.Errorf("SANDBOX_MODE must be one of read-only, workspace-write, danger-full-access; got %q", cfg.DefaultSandboxMode)
	}

	// Local UI clients connect without an Origin header; browsers on the
	// same machine send one. Default to loopback origins only.
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{
			fmt.Sprintf("http://localhost:%d", cfg.Port),
			fmt.Sprintf("http://127.0.0.1:%d", cfg.Port),
			"tauri://localhost",
		}
	}

	return cfg, nil
}

// ListenAddr returns the host:port address for the UI server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
