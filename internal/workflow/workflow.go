// Package workflow replays YAML resource files through the shell dispatcher.
// Each step selects a module, applies its settings and optionally runs it,
// or issues a raw shell command line.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

// Workflow is a resource file definition.
type Workflow struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty"`
	Steps       []Step            `yaml:"steps"`
}

// Step is either a module step or a raw command line.
type Step struct {
	Module   string         `yaml:"module,omitempty"`
	Settings map[string]any `yaml:"settings,omitempty"`
	Run      *bool          `yaml:"run,omitempty"` // defaults to true for module steps
	Command  string         `yaml:"command,omitempty"`
}

// Dispatcher executes one command line and reports whether to stop.
// CurrentName is the selected module after the last dispatched line.
type Dispatcher interface {
	Dispatch(ctx context.Context, line string) bool
	CurrentName() string
}

var (
	ErrInvalidWorkflow = errors.New("invalid workflow")

	// ErrNotSelected aborts a workflow whose use line left another module selected.
	ErrNotSelected = errors.New("module not selected")
)

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadWorkflow loads a workflow from a YAML file.
func LoadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a workflow document.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// SaveWorkflow saves a workflow to a YAML file.
func SaveWorkflow(wf *Workflow, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(wf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the document shape.
func (wf *Workflow) Validate() error {
	if wf.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidWorkflow, wf.Name)
	}
	for i, st := range wf.Steps {
		switch {
		case st.Module == "" && st.Command == "":
			return fmt.Errorf("%w: step %d needs a module or a command", ErrInvalidWorkflow, i+1)
		case st.Module != "" && st.Command != "":
			return fmt.Errorf("%w: step %d has both a module and a command", ErrInvalidWorkflow, i+1)
		case st.Command != "" && len(st.Settings) > 0:
			return fmt.Errorf("%w: step %d has settings but no module", ErrInvalidWorkflow, i+1)
		}
	}
	return nil
}

// Commands compiles the workflow into shell command lines. overrides take
// precedence over the workflow's own variables. Settings are applied in
// key order.
func (wf *Workflow) Commands(overrides map[string]string) ([]string, error) {
	vars := make(map[string]string, len(wf.Variables)+len(overrides))
	for k, v := range wf.Variables {
		vars[k] = v
	}
	for k, v := range overrides {
		vars[k] = v
	}

	var lines []string
	for i, st := range wf.Steps {
		if st.Command != "" {
			line, err := expand(st.Command, vars)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
			lines = append(lines, line)
			continue
		}

		lines = append(lines, "use "+st.Module)
		keys := make([]string, 0, len(st.Settings))
		for k := range st.Settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			value, err := expand(modkit.FormatValue(st.Settings[k]), vars)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
			lines = append(lines, fmt.Sprintf("set %s %s", k, value))
		}
		if st.Run == nil || *st.Run {
			lines = append(lines, "run")
		}
	}
	return lines, nil
}

func expand(s string, vars map[string]string) (string, error) {
	var missing []string
	out := varRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := varRef.FindStringSubmatch(ref)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variable %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Execute dispatches every compiled command line in order, echoing each to
// out. It reports stopped when a command ended the session.
func Execute(ctx context.Context, wf *Workflow, d Dispatcher, out io.Writer, overrides map[string]string) (stopped bool, err error) {
	lines, err := wf.Commands(overrides)
	if err != nil {
		return false, err
	}
	fmt.Fprintf(out, "[+] Workflow: %s (%d commands)\n", wf.Name, len(lines))
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "> %s\n", line)
		if d.Dispatch(ctx, line) {
			return true, nil
		}
		if name, ok := selects(line); ok && d.CurrentName() != name {
			return false, fmt.Errorf("%w: %s", ErrNotSelected, name)
		}
	}
	return false, nil
}

// selects reports the module a "use <name>" line asks for.
func selects(line string) (string, bool) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	if cmd != "use" || arg == "" {
		return "", false
	}
	return arg, true
}

// PredefinedWorkflows contains common workflow templates.
var PredefinedWorkflows = map[string]*Workflow{
	"quick-recon": {
		Name:        "Quick Reconnaissance",
		Description: "Port scan followed by service detection on the common ports",
		Variables:   map[string]string{"ports": "21,22,25,80,443,3306,5432,8080"},
		Steps: []Step{
			{Module: "port_scanner", Settings: map[string]any{"hosts": "${target}", "ports": "${ports}", "handler": "store"}},
			{Module: "services", Settings: map[string]any{"host": "${target}", "ports": "${ports}", "handler": "store"}},
			{Command: "use"},
		},
	},
}

// GetPredefinedWorkflow returns a predefined workflow by name.
func GetPredefinedWorkflow(name string) (*Workflow, bool) {
	wf, ok := PredefinedWorkflows[name]
	return wf, ok
}

// ListPredefinedWorkflows returns the predefined workflow names, sorted.
func ListPredefinedWorkflows() []string {
	names := make([]string, 0, len(PredefinedWorkflows))
	for name := range PredefinedWorkflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
