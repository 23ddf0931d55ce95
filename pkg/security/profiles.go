// Package security enforces permission profiles, sandbox paths, rate
// limits, input scanning, and output sanitisation for plan execution.
package security

import (
	"github.com/bmatcuk/doublestar/v4"
)

// Profile names the built-in permission levels, from least to most
// permissive.
type Profile string

const (
	ProfileReadonly     Profile = "readonly"
	ProfileLocalWorker  Profile = "local_worker"
	ProfilePowerUser    Profile = "power_user"
	ProfileUnrestricted Profile = "unrestricted"
)

// IsValid checks if the profile name is valid
func (p Profile) IsValid() bool {
	switch p {
	case ProfileReadonly, ProfileLocalWorker, ProfilePowerUser, ProfileUnrestricted:
		return true
	default:
		return false
	}
}

// ProfileConfig is the resolved permission configuration for a profile.
// Patterns are "module.action" globs; "module.*" allows a whole module
// and "*.*" allows everything.
type ProfileConfig struct {
	Profile             Profile
	AllowedPatterns     []string
	DeniedPatterns      []string
	MaxPlanActions      int
	AllowEnvTemplates   bool
	AllowApprovalBypass bool
	CallsPerMinute      int
	CallsPerHour        int
}

// IsAllowed returns true if module.action is permitted. Denied patterns
// take precedence over allowed ones.
func (c *ProfileConfig) IsAllowed(module, action string) bool {
	key := module + "." + action
	for _, pattern := range c.DeniedPatterns {
		if matchPattern(pattern, key) {
			return false
		}
	}
	for _, pattern := range c.AllowedPatterns {
		if matchPattern(pattern, key) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, key string) bool {
	ok, err := doublestar.Match(pattern, key)
	return err == nil && ok
}

var readonlyAllowed = []string{
	"filesystem.read_file",
	"filesystem.list_directory",
	"filesystem.search_files",
	"filesystem.get_file_info",
	"filesystem.compute_checksum",
	"os_exec.list_processes",
	"os_exec.get_process_info",
	"os_exec.get_system_info",
	"os_exec.get_env_var",
	"database.connect",
	"database.disconnect",
	"database.fetch_results",
	"database.list_tables",
	"database.get_table_schema",
	"db_gateway.connect",
	"db_gateway.disconnect",
	"db_gateway.introspect",
	"db_gateway.find",
	"db_gateway.find_one",
	"db_gateway.count",
	"db_gateway.search",
	"db_gateway.aggregate",
	"memory.get",
	"memory.list_keys",
	"clock.now",
}

var localWorkerAllowed = append(append([]string{}, readonlyAllowed...),
	"filesystem.write_file",
	"filesystem.append_file",
	"filesystem.copy_file",
	"filesystem.move_file",
	"filesystem.create_directory",
	"filesystem.create_archive",
	"filesystem.extract_archive",
	"filesystem.watch_path",
	"os_exec.run_command",
	"os_exec.open_application",
	"os_exec.set_env_var",
	"excel.*",
	"word.*",
	"api_http.http_get",
	"api_http.http_post",
	"api_http.http_put",
	"api_http.http_patch",
	"api_http.http_delete",
	"api_http.download_file",
	"api_http.webhook_trigger",
	"database.execute_query",
	"database.insert_record",
	"database.update_record",
	"database.create_table",
	"db_gateway.create",
	"db_gateway.create_many",
	"db_gateway.update",
	"memory.*",
	"clock.*",
)

var localWorkerDenied = []string{
	"filesystem.delete_file",
	"os_exec.kill_process",
	"database.delete_record",
	"db_gateway.delete",
	"api_http.send_email",
}

var powerUserAllowed = append(append([]string{}, localWorkerAllowed...),
	"filesystem.delete_file",
	"os_exec.kill_process",
	"os_exec.close_application",
	"browser.*",
	"gui.*",
	"database.*",
	"db_gateway.*",
	"api_http.send_email",
	"iot.*",
	"vision.*",
	"computer_control.*",
	"window_tracker.*",
)

var builtinProfiles = map[Profile]*ProfileConfig{
	ProfileReadonly: {
		Profile:           ProfileReadonly,
		AllowedPatterns:   readonlyAllowed,
		MaxPlanActions:    20,
		AllowEnvTemplates: false,
		CallsPerMinute:    30,
		CallsPerHour:      300,
	},
	ProfileLocalWorker: {
		Profile:           ProfileLocalWorker,
		AllowedPatterns:   localWorkerAllowed,
		DeniedPatterns:    localWorkerDenied,
		MaxPlanActions:    50,
		AllowEnvTemplates: true,
		CallsPerMinute:    60,
		CallsPerHour:      1000,
	},
	ProfilePowerUser: {
		Profile:           ProfilePowerUser,
		AllowedPatterns:   powerUserAllowed,
		MaxPlanActions:    200,
		AllowEnvTemplates: true,
		CallsPerMinute:    120,
		CallsPerHour:      3000,
	},
	ProfileUnrestricted: {
		Profile:             ProfileUnrestricted,
		AllowedPatterns:     []string{"*.*"},
		MaxPlanActions:      500,
		AllowEnvTemplates:   true,
		AllowApprovalBypass: true,
	},
}

// GetProfileConfig returns the built-in configuration for a profile, or
// nil for an unknown name.
func GetProfileConfig(profile Profile) *ProfileConfig {
	return builtinProfiles[profile]
}
