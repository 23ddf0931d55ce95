package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Violation is one module version requirement the installed modules
// cannot satisfy.
type Violation struct {
	Module    string `json:"module"`
	Required  string `json:"required"`
	Installed string `json:"installed,omitempty"` // empty when not registered
}

func (v Violation) String() string {
	if v.Installed == "" {
		return fmt.Sprintf("module %q is required (%s) but is not registered", v.Module, v.Required)
	}
	return fmt.Sprintf("module %q requires %s, installed version is %s", v.Module, v.Required, v.Installed)
}

// ModuleVersionChecker validates a plan's module_requirements against
// the versions of the installed modules before execution starts.
type ModuleVersionChecker struct {
	installed map[string]string
}

// NewModuleVersionChecker builds a checker over a module-ID to installed
// version map, typically derived from the registry manifests.
func NewModuleVersionChecker(installed map[string]string) *ModuleVersionChecker {
	return &ModuleVersionChecker{installed: installed}
}

// Check evaluates every requirement and returns the violations sorted by
// module ID. A malformed specifier or installed version is a
// ValidationError, not a violation.
func (c *ModuleVersionChecker) Check(requirements map[string]string) ([]Violation, error) {
	modules := make([]string, 0, len(requirements))
	for module := range requirements {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	var violations []Violation
	for _, module := range modules {
		spec := requirements[module]
		installedRaw, ok := c.installed[module]
		if !ok {
			violations = append(violations, Violation{Module: module, Required: spec})
			continue
		}
		constraint, err := semver.NewConstraint(normalizeSpecifier(spec))
		if err != nil {
			return nil, newFieldError(
				fmt.Sprintf("module_requirements[%s]", module),
				fmt.Sprintf("invalid version specifier %q", spec))
		}
		installed, err := semver.NewVersion(installedRaw)
		if err != nil {
			return nil, newFieldError(
				fmt.Sprintf("module_requirements[%s]", module),
				fmt.Sprintf("module reports unparseable version %q", installedRaw))
		}
		if !constraint.Check(installed) {
			violations = append(violations, Violation{
				Module:    module,
				Required:  spec,
				Installed: installedRaw,
			})
		}
	}
	return violations, nil
}

// AssertCompatible is Check folded into a single error listing every
// violation, suitable for failing a plan at preflight.
func (c *ModuleVersionChecker) AssertCompatible(requirements map[string]string) error {
	violations, err := c.Check(requirements)
	if err != nil {
		return err
	}
	if len(violations) == 0 {
		return nil
	}
	parts := make([]string, len(violations))
	for i, v := range violations {
		parts[i] = v.String()
	}
	return &ValidationError{Field: "module_requirements", Reason: strings.Join(parts, "; ")}
}

// normalizeSpecifier maps "==1.2.0"-style exact pins onto the "=1.2.0"
// form the constraint parser understands.
func normalizeSpecifier(spec string) string {
	return strings.ReplaceAll(spec, "==", "=")
}
