package modules

import (
	"context"
	"fmt"
	"io"
	"iter"

	"go.uber.org/zap"

	"github.com/tldr-it-stepankutaj/mop/internal/store"
	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

// Metadata identifies a module in listings and selection.
type Metadata struct {
	Name        string
	Revision    string
	Description string
}

// Module represents a runnable capability (port scan, banner grab, ...).
type Module interface {
	// Metadata is available before any setting is configured.
	Metadata() Metadata
	// Params returns a snapshot of the current settings.
	Params() map[string]modkit.Setting
	// Set replaces the value of a declared setting. Unknown keys fail with
	// *modkit.ConfigurationError.
	Set(key, value string) error
	// Run executes the module with its current settings.
	Run(ctx context.Context) error
}

// WorkspaceHandle resolves paths inside the workspace.
type WorkspaceHandle interface {
	Path(parts ...string) string
}

// Env carries host dependencies for compiled modules.
type Env struct {
	Out       io.Writer
	Logger    *zap.Logger
	Scans     store.ScanRepository
	Workspace WorkspaceHandle
}

// Validate checks the parts of the contract that cannot be expressed in the
// interface: a name and a description.
func Validate(m Module) error {
	if m == nil {
		return fmt.Errorf("%w: nil module", ErrInvalidModule)
	}
	md := m.Metadata()
	if md.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidModule)
	}
	if md.Description == "" {
		return fmt.Errorf("%w: module %s has no description", ErrInvalidModule, md.Name)
	}
	if m.Params() == nil {
		return fmt.Errorf("%w: module %s returned nil params", ErrInvalidModule, md.Name)
	}
	return nil
}

// Run checks required settings and runs m. Errors and panics raised by the
// module come back as *RuntimeError.
func Run(ctx context.Context, m Module) (err error) {
	name := m.Metadata().Name
	if missing := modkit.Missing(m.Params()); len(missing) > 0 {
		return &MissingSettingsError{Module: name, Names: missing}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeError{Module: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := m.Run(ctx); err != nil {
		return &RuntimeError{Module: name, Err: err}
	}
	return nil
}

// Registry stores loaded modules in registration order.
type Registry struct {
	modules []Module
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends m. A name that is already registered is rejected so the
// first module with a given name wins.
func (r *Registry) Register(m Module) error {
	if err := Validate(m); err != nil {
		return err
	}
	name := m.Metadata().Name
	if r.Index(name) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}
	r.modules = append(r.modules, m)
	return nil
}

// Index returns the position of the first module named name, or -1.
func (r *Registry) Index(name string) int {
	for i, m := range r.modules {
		if m.Metadata().Name == name {
			return i
		}
	}
	return -1
}

func (r *Registry) Lookup(name string) (Module, bool) {
	i := r.Index(name)
	if i < 0 {
		return nil, false
	}
	return r.modules[i], true
}

func (r *Registry) At(i int) (Module, bool) {
	if i < 0 || i >= len(r.modules) {
		return nil, false
	}
	return r.modules[i], true
}

func (r *Registry) Len() int { return len(r.modules) }

// List yields module metadata in registry order. The sequence can be ranged
// over any number of times.
func (r *Registry) List() iter.Seq[Metadata] {
	return func(yield func(Metadata) bool) {
		for _, m := range r.modules {
			if !yield(m.Metadata()) {
				return
			}
		}
	}
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.modules))
	for md := range r.List() {
		out = append(out, md.Name)
	}
	return out
}

func (r *Registry) All() []Module {
	out := make([]Module, len(r.modules))
	copy(out, r.modules)
	return out
}
