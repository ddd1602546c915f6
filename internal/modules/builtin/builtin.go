// Package builtin lists the modules compiled into the binary.
package builtin

import (
	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/dummy"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/portscan"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/services"
)

// All returns a fresh instance of every built-in module, in registration order.
func All(env modules.Env) []modules.Module {
	return []modules.Module{
		dummy.New(env),
		portscan.New(env),
		services.New(env),
	}
}

// Register adds All(env) to reg and returns the first error.
func Register(reg *modules.Registry, env modules.Env) error {
	for _, m := range All(env) {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}
