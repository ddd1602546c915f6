// Package modkit holds the types shared between the shell and its modules.
//
// Compiled modules and Go source modules loaded at runtime both describe their
// configuration with Setting values and report unknown keys through
// ConfigurationError. Source modules import this package as
// "github.com/tldr-it-stepankutaj/mop/pkg/modkit".
package modkit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownSetting is wrapped by every ConfigurationError.
var ErrUnknownSetting = errors.New("unknown setting")

// Setting is a single named configuration slot owned by a module.
type Setting struct {
	// Value is the current configured value (string, list or structured).
	Value any
	// Required is advisory metadata until run time, where unset required
	// settings block the module from starting.
	Required bool
	// Description is shown by the config command.
	Description string
}

// IsSet reports whether the value carries something meaningful.
func (s Setting) IsSet() bool {
	switch v := s.Value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []string:
		return len(v) > 0
	case []any:
		return len(v) > 0
	case []int:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

// ConfigurationError reports a set on a key the module does not declare.
type ConfigurationError struct {
	Key string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unknown setting %q", e.Key)
}

func (e *ConfigurationError) Unwrap() error { return ErrUnknownSetting }

// UnknownSetting returns the ConfigurationError for key.
func UnknownSetting(key string) error {
	return &ConfigurationError{Key: key}
}

// Settings is a name-keyed set of descriptors owned by one module.
type Settings map[string]*Setting

// Snapshot copies the descriptors so callers cannot write through them.
func (s Settings) Snapshot() map[string]Setting {
	out := make(map[string]Setting, len(s))
	for k, v := range s {
		if v == nil {
			continue
		}
		out[k] = *v
	}
	return out
}

// Set replaces the value of an existing key in place.
func (s Settings) Set(key string, value any) error {
	st, ok := s[key]
	if !ok || st == nil {
		return UnknownSetting(key)
	}
	st.Value = value
	return nil
}

// String returns the value of key rendered as text, or "" when absent.
func (s Settings) String(key string) string {
	st, ok := s[key]
	if !ok || st == nil {
		return ""
	}
	return FormatValue(st.Value)
}

// Missing returns the sorted names of required settings that are unset.
func Missing(params map[string]Setting) []string {
	var out []string
	for name, st := range params {
		if st.Required && !st.IsSet() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Keys returns the setting names in sorted order.
func Keys(params map[string]Setting) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatValue renders a setting value for display.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []string:
		return strings.Join(x, ", ")
	case []any:
		parts := make([]string, len(x))
		for i, p := range x {
			parts[i] = FormatValue(p)
		}
		return strings.Join(parts, ", ")
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}
