// Package modules defines the module contract, the capability manifest,
// and the runtime registry that the executor dispatches actions through.
package modules

// ParamSpec describes a single action parameter.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // JSON Schema type: string, integer, number, boolean, object, array
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Example     any    `json:"example,omitempty"`
}

// ActionSpec describes a single action exposed by a module.
type ActionSpec struct {
	Name               string           `json:"name"`
	Description        string           `json:"description"`
	Params             []ParamSpec      `json:"params,omitempty"`
	Returns            string           `json:"returns,omitempty"`
	ReturnsDescription string           `json:"returns_description,omitempty"`
	Examples           []map[string]any `json:"examples,omitempty"`
	PermissionRequired string           `json:"permission_required,omitempty"`
	Platforms          []string         `json:"platforms,omitempty"`
	Tags               []string         `json:"tags,omitempty"`
}

// JSONSchema generates the JSON Schema document for this action's
// params.
func (a *ActionSpec) JSONSchema() map[string]any {
	properties := make(map[string]any, len(a.Params))
	var required []string
	for _, p := range a.Params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Enum != nil {
			prop["enum"] = p.Enum
		}
		if p.Example != nil {
			prop["examples"] = []any{p.Example}
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Manifest is the machine-readable contract between a module and the
// rest of the system: the REST API, the plan validator, and SDK tool
// generation all consume it.
//
// DeclaredPermissions names the OS-level capabilities a module needs
// (filesystem_read, filesystem_write, process_execute, process_kill,
// network_access, screen_capture, database_access, display_automation,
// browser_control). Declaring them up front gives users visibility
// before a module loads.
type Manifest struct {
	ModuleID            string       `json:"module_id"`
	Version             string       `json:"version"`
	Description         string       `json:"description"`
	Author              string       `json:"author,omitempty"`
	Homepage            string       `json:"homepage,omitempty"`
	Platforms           []string     `json:"platforms,omitempty"`
	Actions             []ActionSpec `json:"actions"`
	Dependencies        []string     `json:"dependencies,omitempty"`
	Tags                []string     `json:"tags,omitempty"`
	DeclaredPermissions []string     `json:"declared_permissions,omitempty"`
}

// GetAction returns the spec for the named action, or nil.
func (m *Manifest) GetAction(name string) *ActionSpec {
	for i := range m.Actions {
		if m.Actions[i].Name == name {
			return &m.Actions[i]
		}
	}
	return nil
}

// ActionNames lists the action names in declaration order.
func (m *Manifest) ActionNames() []string {
	names := make([]string, len(m.Actions))
	for i := range m.Actions {
		names[i] = m.Actions[i].Name
	}
	return names
}

// SupportsPlatform reports whether the manifest declares support for
// the given GOOS value. An empty list or "all" matches everything.
func (m *Manifest) SupportsPlatform(goos string) bool {
	if len(m.Platforms) == 0 {
		return true
	}
	for _, p := range m.Platforms {
		if p == "all" || p == goos {
			return true
		}
	}
	return false
}

// APIView renders the manifest shape served by the modules endpoint,
// with params expanded to JSON Schema.
func (m *Manifest) APIView() map[string]any {
	actions := make([]map[string]any, 0, len(m.Actions))
	for i := range m.Actions {
		a := &m.Actions[i]
		actions = append(actions, map[string]any{
			"name":                a.Name,
			"description":         a.Description,
			"params_schema":       a.JSONSchema(),
			"returns":             a.Returns,
			"returns_description": a.ReturnsDescription,
			"permission_required": a.PermissionRequired,
			"platforms":           a.Platforms,
			"examples":            a.Examples,
			"tags":                a.Tags,
		})
	}
	return map[string]any{
		"module_id":            m.ModuleID,
		"version":              m.Version,
		"description":          m.Description,
		"author":               m.Author,
		"homepage":             m.Homepage,
		"platforms":            m.Platforms,
		"dependencies":         m.Dependencies,
		"tags":                 m.Tags,
		"declared_permissions": m.DeclaredPermissions,
		"actions":              actions,
	}
}
