// Package config loads and validates the daemon configuration from
// llmosd.yaml, expanding environment references and filling defaults.
package config

import (
	"time"

	"github.com/llmos-dev/llmos-bridge/pkg/security"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Modules  ModulesConfig  `yaml:"modules"`
	Memory   MemoryConfig   `yaml:"memory"`
	Triggers TriggersConfig `yaml:"triggers"`
	Logging  LoggingConfig  `yaml:"logging"`
	Node     NodeConfig     `yaml:"node"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AuthToken, when set, is required as a bearer token on every API
	// request.
	AuthToken string `yaml:"auth_token"`
	// SyncTimeout bounds synchronous plan submissions.
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

// SecurityConfig selects the permission profile and approval policy.
type SecurityConfig struct {
	Profile            string         `yaml:"profile"`
	SandboxPaths       []string       `yaml:"sandbox_paths"`
	RequireApprovalFor []string       `yaml:"require_approval_for"`
	ApprovalTimeout    time.Duration  `yaml:"approval_timeout"`
	ApprovalOnTimeout  string         `yaml:"approval_timeout_behavior"`
	// ScannersEnabled is a pointer so an explicit "false" survives the
	// merge with defaults.
	ScannersEnabled    *bool          `yaml:"scanners_enabled"`
	MaxConcurrentPlans int            `yaml:"max_concurrent_plans"`
	MaxResultBytes     int            `yaml:"max_result_bytes"`
	ModuleLimits       map[string]int `yaml:"module_limits"`
	DefaultModuleLimit int            `yaml:"default_module_limit"`
	StatePath          string         `yaml:"state_path"`
}

// ModulesConfig toggles individual modules.
type ModulesConfig struct {
	Enabled  []string `yaml:"enabled"`
	Disabled []string `yaml:"disabled"`
}

// MemoryConfig selects the KV store backend.
type MemoryConfig struct {
	// Backend is "sqlite" or "redis".
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// TriggersConfig tunes the reactive automation subsystem.
type TriggersConfig struct {
	Enabled       *bool    `yaml:"enabled"`
	DBPath        string   `yaml:"db_path"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	MaxChainDepth int      `yaml:"max_chain_depth"`
	EnabledTypes  []string `yaml:"enabled_types"`
}

// LoggingConfig controls slog output and the NDJSON event log.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	EventsFile string `yaml:"events_file"`
}

// NodeConfig identifies this daemon in a multi-node deployment.
type NodeConfig struct {
	Mode string `yaml:"mode"`
	ID   string `yaml:"id"`
}

// Profile returns the parsed security profile.
func (c *Config) Profile() security.Profile {
	return security.Profile(c.Security.Profile)
}

// ScannersOn reports whether the input scanner pipeline is on.
func (c *SecurityConfig) ScannersOn() bool {
	return c.ScannersEnabled == nil || *c.ScannersEnabled
}

// TriggersOn reports whether the reactive subsystem should start.
func (c *TriggersConfig) TriggersOn() bool {
	return c.Enabled == nil || *c.Enabled
}
