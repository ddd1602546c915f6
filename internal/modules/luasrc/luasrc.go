// Package luasrc loads modules written as single Lua files.
//
// A Lua module defines the globals:
//
//	description = "what the module does"
//	revision    = "1.0"
//	settings    = { RHOST = { value = "", required = true, description = "target" } }
//	function run() ... end
//
// and optionally set(key, value), called after a value is stored.
package luasrc

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

// Loader executes Lua source modules.
type Loader struct {
	out io.Writer
}

// NewLoader returns a loader whose modules print to out.
func NewLoader(out io.Writer) *Loader {
	if out == nil {
		out = os.Stdout
	}
	return &Loader{out: out}
}

// Load runs the file at path in a fresh Lua state and checks its globals.
func (l *Loader) Load(path string) (modules.Module, error) {
	L := lua.NewState()
	L.SetGlobal("print", L.NewFunction(l.print))

	if err := doFile(L, path); err != nil {
		L.Close()
		return nil, fmt.Errorf("module evaluation failed: %w", err)
	}

	m := &Module{
		L: L,
		meta: modules.Metadata{
			Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Description: strings.TrimSpace(lua.LVAsString(L.GetGlobal("description"))),
			Revision:    lua.LVAsString(L.GetGlobal("revision")),
		},
	}

	var missing []string
	if m.meta.Description == "" {
		missing = append(missing, "description")
	}
	if _, ok := L.GetGlobal("revision").(lua.LString); !ok {
		if _, ok := L.GetGlobal("revision").(lua.LNumber); !ok {
			missing = append(missing, "revision")
		}
	}
	if _, ok := L.GetGlobal("settings").(*lua.LTable); !ok {
		missing = append(missing, "settings")
	}
	if L.GetGlobal("run").Type() != lua.LTFunction {
		missing = append(missing, "run")
	}
	if len(missing) > 0 {
		L.Close()
		return nil, fmt.Errorf("%w: missing %s", modules.ErrInvalidModule, strings.Join(missing, ", "))
	}
	return m, nil
}

func doFile(L *lua.LState, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return L.DoFile(path)
}

// print mirrors Lua's print but writes to the loader's output.
func (l *Loader) print(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	_, _ = fmt.Fprintln(l.out, strings.Join(parts, "\t"))
	return 0
}

// Module adapts a Lua state to modules.Module. A state is not goroutine-safe;
// the shell only drives it from one goroutine.
type Module struct {
	L    *lua.LState
	meta modules.Metadata
}

func (m *Module) Metadata() modules.Metadata { return m.meta }

func (m *Module) settings() *lua.LTable {
	t, _ := m.L.GetGlobal("settings").(*lua.LTable)
	return t
}

func (m *Module) Params() map[string]modkit.Setting {
	out := map[string]modkit.Setting{}
	t := m.settings()
	if t == nil {
		return out
	}
	t.ForEach(func(k, v lua.LValue) {
		entry, ok := v.(*lua.LTable)
		if !ok {
			return
		}
		out[lua.LVAsString(k)] = modkit.Setting{
			Value:       toGo(entry.RawGetString("value")),
			Required:    lua.LVAsBool(entry.RawGetString("required")),
			Description: lua.LVAsString(entry.RawGetString("description")),
		}
	})
	return out
}

func (m *Module) Set(key, value string) error {
	t := m.settings()
	if t == nil {
		return modkit.UnknownSetting(key)
	}
	entry, ok := t.RawGetString(key).(*lua.LTable)
	if !ok {
		return modkit.UnknownSetting(key)
	}
	prev := entry.RawGetString("value")
	entry.RawSetString("value", lua.LString(value))

	if hook := m.L.GetGlobal("set"); hook.Type() == lua.LTFunction {
		if err := m.L.CallByParam(lua.P{Fn: hook, NRet: 0, Protect: true}, lua.LString(key), lua.LString(value)); err != nil {
			entry.RawSetString("value", prev)
			return fmt.Errorf("set hook failed: %w", err)
		}
	}
	return nil
}

// Run calls the global run function. Cancelling ctx interrupts the Lua VM.
func (m *Module) Run(ctx context.Context) error {
	m.L.SetContext(ctx)
	defer m.L.RemoveContext()
	return m.L.CallByParam(lua.P{Fn: m.L.GetGlobal("run"), NRet: 0, Protect: true})
}

// Close releases the Lua state.
func (m *Module) Close() { m.L.Close() }

func toGo(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LString:
		return string(x)
	case lua.LNumber:
		return float64(x)
	case lua.LBool:
		return bool(x)
	case *lua.LTable:
		if n := x.MaxN(); n > 0 {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, toGo(x.RawGetInt(i)))
			}
			return list
		}
		obj := map[string]any{}
		x.ForEach(func(k, v lua.LValue) {
			obj[lua.LVAsString(k)] = toGo(v)
		})
		return obj
	default:
		return nil
	}
}
