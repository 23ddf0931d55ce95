package config

import (
	"time"

	"github.com/llmos-dev/llmos-bridge/pkg/security"
)

// DefaultConfig returns the shipped configuration. User YAML merges on
// top of it, so every field here is safe to run with out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8600,
			SyncTimeout: 2 * time.Minute,
		},
		Security: SecurityConfig{
			Profile: string(security.ProfileLocalWorker),
			RequireApprovalFor: []string{
				"filesystem.delete_file",
				"filesystem.delete_directory",
				"os_exec.run_command",
				"os_exec.kill_process",
				"database.execute_query",
			},
			ApprovalTimeout:    5 * time.Minute,
			ApprovalOnTimeout:  "reject",
			MaxConcurrentPlans: 5,
			MaxResultBytes:     512 * 1024,
			DefaultModuleLimit: 10,
			StatePath:          "llmos-bridge/state.db",
		},
		Memory: MemoryConfig{
			Backend: "sqlite",
			Path:    "llmos-bridge/memory.db",
		},
		Triggers: TriggersConfig{
			DBPath:        "llmos-bridge/triggers.db",
			MaxConcurrent: 10,
			MaxChainDepth: 5,
			EnabledTypes: []string{
				"temporal", "filesystem", "process", "resource", "composite",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Node: NodeConfig{
			Mode: "local",
			ID:   "local",
		},
	}
}
