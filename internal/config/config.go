// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Orchestrator holds configuration for the cloud relay process.
type Orchestrator struct {
	Port       string
	DBPath     string
	DevMode    bool
	AuthSecret string
	JWKSURL    string
	PushAPIURL string

	HeartbeatInterval time.Duration
	OfflineGrace      time.Duration
	WorkingInterval   time.Duration
}

// Daemon holds configuration for the developer-machine process.
type Daemon struct {
	OrchestratorURL string // empty = embedded orchestrator on EmbeddedPort
	EmbeddedPort    string
	BasePort        int
	StateDir        string
	AgentCommand    string
	Hostname        string
	PushAPIURL      string
}

// LoadOrchestrator reads orchestrator configuration from environment variables.
func LoadOrchestrator() (*Orchestrator, error) {
	cfg := &Orchestrator{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/relay.db"),
		DevMode:           getEnvBool("DEV_MODE", false),
		AuthSecret:        getEnv("AUTH_SECRET", ""),
		JWKSURL:           getEnv("JWKS_URL", ""),
		PushAPIURL:        getEnv("PUSH_API_URL", "https://exp.host/--/api/v2/push/send"),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		OfflineGrace:      getEnvDuration("OFFLINE_GRACE", 30*time.Second),
		WorkingInterval:   getEnvDuration("WORKING_PUSH_INTERVAL", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required orchestrator fields are set.
func (c *Orchestrator) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.PushAPIURL == "" {
		return fmt.Errorf("PUSH_API_URL cannot be empty")
	}
	if !c.DevMode && c.AuthSecret == "" && c.JWKSURL == "" {
		return fmt.Errorf("AUTH_SECRET or JWKS_URL required unless DEV_MODE is set")
	}
	return nil
}

// HasVerificationMaterial reports whether real token verification is
// configured. Dev mode is never honored when this returns true.
func (c *Orchestrator) HasVerificationMaterial() bool {
	return c.AuthSecret != "" || c.JWKSURL != ""
}

// LoadDaemon reads daemon configuration from environment variables.
func LoadDaemon() (*Daemon, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	stateDir := getEnv("STATE_DIR", "")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		stateDir = filepath.Join(home, ".agentdeck")
	}

	cfg := &Daemon{
		OrchestratorURL: getEnv("ORCHESTRATOR_URL", ""),
		EmbeddedPort:    getEnv("EMBEDDED_PORT", "8787"),
		BasePort:        getEnvInt("BASE_PORT", 4096),
		StateDir:        stateDir,
		AgentCommand:    getEnv("AGENT_CMD", "opencode"),
		Hostname:        hostname,
		PushAPIURL:      getEnv("PUSH_API_URL", "https://exp.host/--/api/v2/push/send"),
	}

	if cfg.BasePort <= 0 || cfg.BasePort > 65535 {
		return nil, fmt.Errorf("invalid configuration: BASE_PORT out of range")
	}
	if cfg.AgentCommand == "" {
		return nil, fmt.Errorf("invalid configuration: AGENT_CMD cannot be empty")
	}
	return cfg, nil
}

// DeviceKeyPath is where the daemon persists its pairing credential.
func (c *Daemon) DeviceKeyPath() string {
	return filepath.Join(c.StateDir, "device_key.json")
}

// RegistryPath is where the daemon persists its project registry.
func (c *Daemon) RegistryPath() string {
	return filepath.Join(c.StateDir, "projects.json")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
