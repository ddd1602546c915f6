// Package modulestest provides a scriptable module for tests.
package modulestest

import (
	"context"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

// Calls counts contract invocations.
type Calls struct {
	Metadata int
	Params   int
	Set      int
	Run      int
}

// Fake implements modules.Module and records how it was used.
type Fake struct {
	Name        string
	Revision    string
	Description string
	Settings    modkit.Settings
	RunFunc     func(ctx context.Context) error

	Calls Calls
}

// New returns a fake with a description and one optional "timeout" setting.
func New(name string) *Fake {
	return &Fake{
		Name:        name,
		Revision:    "1.0",
		Description: "fake module " + name,
		Settings: modkit.Settings{
			"timeout": {Value: "5", Description: "Timeout in seconds"},
		},
	}
}

func (f *Fake) Metadata() modules.Metadata {
	f.Calls.Metadata++
	return modules.Metadata{Name: f.Name, Revision: f.Revision, Description: f.Description}
}

func (f *Fake) Params() map[string]modkit.Setting {
	f.Calls.Params++
	return f.Settings.Snapshot()
}

func (f *Fake) Set(key, value string) error {
	f.Calls.Set++
	return f.Settings.Set(key, value)
}

func (f *Fake) Run(ctx context.Context) error {
	f.Calls.Run++
	if f.RunFunc != nil {
		return f.RunFunc(ctx)
	}
	return nil
}
