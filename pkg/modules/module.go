package modules

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrModuleNotFound = errors.New("module not found")
	ErrModuleLoad     = errors.New("module failed to load")
	ErrUnknownAction  = errors.New("unknown action")
)

// ModuleLoadError carries the reason a module could not be used.
type ModuleLoadError struct {
	ModuleID string
	Reason   string
}

func (e *ModuleLoadError) Error() string {
	return fmt.Sprintf("module %q failed to load: %s", e.ModuleID, e.Reason)
}

func (e *ModuleLoadError) Unwrap() error { return ErrModuleLoad }

// UnknownActionError names the missing action.
type UnknownActionError struct {
	ModuleID string
	Action   string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("module %q has no action %q", e.ModuleID, e.Action)
}

func (e *UnknownActionError) Unwrap() error { return ErrUnknownAction }

// Module is the contract every capability module implements.
type Module interface {
	// ID is the module identifier plans address ("filesystem", "memory").
	ID() string
	Version() string
	Manifest() *Manifest
	// Execute runs one action and returns its result document.
	Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// Closer is implemented by modules holding resources that need release
// at shutdown.
type Closer interface {
	Close() error
}
