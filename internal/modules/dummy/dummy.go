package dummy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

// Module is a no-op module for exercising the shell.
type Module struct {
	env      modules.Env
	settings modkit.Settings
}

func New(env modules.Env) *Module {
	return &Module{
		env: env,
		settings: modkit.Settings{
			"Setting1": {
				Required:    true,
				Value:       []string{"List", "of", "Values"},
				Description: "This is the description",
			},
			"Setting2": {
				Required:    true,
				Value:       []string{"List", "of", "Values"},
				Description: "This is the description for setting2",
			},
		},
	}
}

func (m *Module) Metadata() modules.Metadata {
	return modules.Metadata{
		Name:        "dummy",
		Revision:    "A good testing module.",
		Description: "A dummy module for testing purposes",
	}
}

func (m *Module) Params() map[string]modkit.Setting { return m.settings.Snapshot() }

func (m *Module) Set(key, value string) error {
	if err := m.settings.Set(key, value); err != nil {
		return err
	}
	if m.env.Logger != nil {
		m.env.Logger.Debug("dummy setting changed", zap.String("key", key))
	}
	return nil
}

func (m *Module) Run(ctx context.Context) error {
	_, err := fmt.Fprintln(m.env.Out, "Running")
	return err
}
