package modules

import (
	"errors"
	"fmt"
	"strings"
)

// Module framework errors.
var (
	// ErrModuleNotFound is returned when a name is not in the registry.
	ErrModuleNotFound = errors.New("module not found")

	// ErrDuplicateModule is returned when a second module claims a registered name.
	ErrDuplicateModule = errors.New("duplicate module name")

	// ErrInvalidModule is returned when a candidate does not satisfy the module contract.
	ErrInvalidModule = errors.New("invalid module")

	// ErrUnsupportedSource is returned for candidate files no loader understands.
	ErrUnsupportedSource = errors.New("unsupported module source")

	// ErrNoModuleSelected is returned by commands that need a selected module.
	ErrNoModuleSelected = errors.New("no module selected")

	// ErrMissingRequired is wrapped by MissingSettingsError.
	ErrMissingRequired = errors.New("required settings not set")
)

// MissingSettingsError lists required settings that are unset at run time.
type MissingSettingsError struct {
	Module string
	Names  []string
}

func (e *MissingSettingsError) Error() string {
	return fmt.Sprintf("module %s: required settings not set: %s", e.Module, strings.Join(e.Names, ", "))
}

func (e *MissingSettingsError) Unwrap() error { return ErrMissingRequired }

// RuntimeError wraps a failure raised by a module while running.
type RuntimeError struct {
	Module string
	Err    error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("module %s failed: %v", e.Module, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
