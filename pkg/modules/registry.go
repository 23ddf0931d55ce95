package modules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Constructor builds a module instance. Construction runs lazily on
// first access so a broken module cannot take the daemon down at boot.
type Constructor func() (Module, error)

type registration struct {
	manifest    *Manifest
	constructor Constructor
}

// Registry is the single point of truth for loaded modules. Failed and
// platform-excluded modules are tracked separately: failed means a
// runtime error (missing dependency, bad config), excluded means the
// module intentionally does not support this OS.
type Registry struct {
	mu        sync.Mutex
	logger    *slog.Logger
	goos      string
	classes   map[string]registration
	instances map[string]Module
	failed    map[string]string
	excluded  map[string]string
	schemas   map[string]*jsonschema.Schema
}

// NewRegistry builds an empty registry for the current platform.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		goos:      runtime.GOOS,
		classes:   make(map[string]registration),
		instances: make(map[string]Module),
		failed:    make(map[string]string),
		excluded:  make(map[string]string),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// Register records a module constructor. Instantiation is deferred
// until first use. Modules whose manifest excludes the current platform
// are parked in the excluded set and never constructed.
func (r *Registry) Register(manifest *Manifest, constructor Constructor) error {
	if manifest == nil || manifest.ModuleID == "" {
		return fmt.Errorf("module registration requires a manifest with a module_id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !manifest.SupportsPlatform(r.goos) {
		reason := fmt.Sprintf("platform %q is not in supported platforms %v", r.goos, manifest.Platforms)
		r.excluded[manifest.ModuleID] = reason
		r.logger.Info("module excluded on this platform",
			slog.String("module_id", manifest.ModuleID),
			slog.String("reason", reason))
		return nil
	}
	if _, exists := r.classes[manifest.ModuleID]; exists {
		r.logger.Warn("module already registered", slog.String("module_id", manifest.ModuleID))
	}
	r.classes[manifest.ModuleID] = registration{manifest: manifest, constructor: constructor}
	r.logger.Debug("module registered",
		slog.String("module_id", manifest.ModuleID),
		slog.String("version", manifest.Version))
	return nil
}

// RegisterInstance records a pre-constructed module. Used by modules
// needing dependency injection before registration.
func (r *Registry) RegisterInstance(m Module) error {
	manifest := m.Manifest()
	if manifest == nil || manifest.ModuleID == "" {
		return fmt.Errorf("module instance has no manifest module_id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[manifest.ModuleID] = registration{
		manifest:    manifest,
		constructor: func() (Module, error) { return m, nil },
	}
	r.instances[manifest.ModuleID] = m
	return nil
}

// Get returns the live instance for moduleID, constructing it on first
// access. A construction failure is remembered and reported on every
// later call.
func (r *Registry) Get(moduleID string) (Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(moduleID)
}

func (r *Registry) getLocked(moduleID string) (Module, error) {
	if reason, ok := r.excluded[moduleID]; ok {
		return nil, &ModuleLoadError{ModuleID: moduleID, Reason: reason}
	}
	if reason, ok := r.failed[moduleID]; ok {
		return nil, &ModuleLoadError{ModuleID: moduleID, Reason: reason}
	}
	if instance, ok := r.instances[moduleID]; ok {
		return instance, nil
	}
	reg, ok := r.classes[moduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, moduleID)
	}

	instance, err := reg.constructor()
	if err != nil {
		r.failed[moduleID] = err.Error()
		r.logger.Error("module load failed",
			slog.String("module_id", moduleID),
			slog.String("reason", err.Error()))
		return nil, &ModuleLoadError{ModuleID: moduleID, Reason: err.Error()}
	}
	r.instances[moduleID] = instance
	r.logger.Info("module loaded",
		slog.String("module_id", moduleID),
		slog.String("version", reg.manifest.Version))
	return instance, nil
}

// IsAvailable reports whether the module is registered and loadable.
func (r *Registry) IsAvailable(moduleID string) bool {
	_, err := r.Get(moduleID)
	return err == nil
}

// ListModules lists every known module ID, including failed and
// excluded ones.
func (r *Registry) ListModules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	for id := range r.classes {
		seen[id] = true
	}
	for id := range r.excluded {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListAvailable lists modules that are registered and not failed or
// excluded.
func (r *Registry) ListAvailable() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id := range r.classes {
		if _, bad := r.failed[id]; bad {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Manifest returns the registered manifest without instantiating the
// module.
func (r *Registry) Manifest(moduleID string) (*Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.classes[moduleID]; ok {
		return reg.manifest, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, moduleID)
}

// AllManifests returns the manifests of every available module.
func (r *Registry) AllManifests() []*Manifest {
	ids := r.ListAvailable()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Manifest, 0, len(ids))
	for _, id := range ids {
		if reg, ok := r.classes[id]; ok {
			out = append(out, reg.manifest)
		}
	}
	return out
}

// Unregister removes a module entirely. Used in tests.
func (r *Registry) Unregister(moduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.classes, moduleID)
	delete(r.instances, moduleID)
	delete(r.failed, moduleID)
	delete(r.excluded, moduleID)
}

// StatusReport feeds the health endpoint.
func (r *Registry) StatusReport() map[string]any {
	available := r.ListAvailable()
	r.mu.Lock()
	defer r.mu.Unlock()
	failed := make(map[string]string, len(r.failed))
	for id, reason := range r.failed {
		failed[id] = reason
	}
	excluded := make(map[string]string, len(r.excluded))
	for id, reason := range r.excluded {
		excluded[id] = reason
	}
	return map[string]any{
		"available":         available,
		"failed":            failed,
		"platform_excluded": excluded,
	}
}

// ParamsSchema compiles and caches the JSON Schema for module.action,
// satisfying the parser's schema source. Unknown pairs return nil so the
// parser defers rejection to execution time.
func (r *Registry) ParamsSchema(module, action string) *jsonschema.Schema {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := module + "." + action
	if schema, ok := r.schemas[key]; ok {
		return schema
	}
	reg, ok := r.classes[module]
	if !ok {
		return nil
	}
	spec := reg.manifest.GetAction(action)
	if spec == nil {
		return nil
	}

	schema, err := compileSchema(key, spec.JSONSchema())
	if err != nil {
		r.logger.Warn("params schema compilation failed",
			slog.String("action_key", key),
			slog.String("error", err.Error()))
		return nil
	}
	r.schemas[key] = schema
	return schema
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
