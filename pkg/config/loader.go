package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/llmos-dev/llmos-bridge/pkg/approval"
	"github.com/llmos-dev/llmos-bridge/pkg/security"
)

// Sentinel errors.
var (
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrInvalidYAML    = errors.New("invalid YAML")
)

// Initialize loads, merges, and validates the daemon configuration.
// A missing file is not an error: the daemon runs on defaults.
//
// Steps performed:
//  1. Read the YAML file (when path is non-empty)
//  2. Expand {{.ENV_VAR}} references
//  3. Merge user values over the shipped defaults
//  4. Validate the merged result
func Initialize(_ context.Context, path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		user, err := loadFile(path)
		if err != nil {
			if errors.Is(err, ErrConfigNotFound) {
				slog.Info("No configuration file, using defaults", "path", path)
			} else {
				return nil, err
			}
		} else if user != nil {
			if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge configuration: %w", err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration initialized",
		"profile", cfg.Security.Profile,
		"triggers_enabled", cfg.Triggers.TriggersOn(),
		"memory_backend", cfg.Memory.Backend)
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// ExpandEnv expands environment variables in YAML content using Go
// template syntax ({{.VAR_NAME}}). The $ character is left alone so
// regex patterns and passwords survive untouched. Malformed templates
// pass the original bytes through and let the YAML parser complain.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}

// Validate checks the merged configuration for values the daemon
// cannot run with.
func (c *Config) Validate() error {
	if !security.Profile(c.Security.Profile).IsValid() {
		return fmt.Errorf("security.profile: unknown profile %q", c.Security.Profile)
	}
	switch approval.TimeoutBehavior(c.Security.ApprovalOnTimeout) {
	case approval.TimeoutReject, approval.TimeoutSkip:
	default:
		return fmt.Errorf("security.approval_timeout_behavior: must be %q or %q, got %q",
			approval.TimeoutReject, approval.TimeoutSkip, c.Security.ApprovalOnTimeout)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d is out of range", c.Server.Port)
	}
	if c.Security.MaxConcurrentPlans < 1 {
		return fmt.Errorf("security.max_concurrent_plans: must be at least 1, got %d",
			c.Security.MaxConcurrentPlans)
	}
	switch c.Memory.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("memory.backend: must be \"sqlite\" or \"redis\", got %q", c.Memory.Backend)
	}
	if c.Memory.Backend == "redis" && c.Memory.RedisAddr == "" {
		return errors.New("memory.redis_addr: required when backend is \"redis\"")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	if c.Triggers.TriggersOn() {
		if c.Triggers.MaxChainDepth < 1 {
			return fmt.Errorf("triggers.max_chain_depth: must be at least 1, got %d",
				c.Triggers.MaxChainDepth)
		}
		for _, kind := range c.Triggers.EnabledTypes {
			switch kind {
			case "temporal", "filesystem", "process", "resource", "composite":
			default:
				return fmt.Errorf("triggers.enabled_types: unknown type %q", kind)
			}
		}
	}
	return nil
}
