// Package gosrc loads modules written as single Go source files.
//
// Each file is interpreted by its own yaegi interpreter, so modules cannot see
// each other's globals. A source module must provide:
//
//	//go:build ignore (optional, stripped before evaluation)
//
//	// Package doc comment: becomes the module description.
//	package anything
//
//	const Revision = "1.0"
//
//	func Params() map[string]*modkit.Setting
//	func Set(key, value string) error
//	func Run(ctx context.Context) error
//
// The standard library and pkg/modkit are importable.
package gosrc

import (
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/build/constraint"
	"go/format"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/pkg/modkit"
)

// Symbols exposes pkg/modkit to interpreted modules.
var Symbols = interp.Exports{
	"github.com/tldr-it-stepankutaj/mop/pkg/modkit/modkit": {
		"ConfigurationError": reflect.ValueOf((*modkit.ConfigurationError)(nil)),
		"ErrUnknownSetting":  reflect.ValueOf(&modkit.ErrUnknownSetting).Elem(),
		"FormatValue":        reflect.ValueOf(modkit.FormatValue),
		"Setting":            reflect.ValueOf((*modkit.Setting)(nil)),
		"Settings":           reflect.ValueOf((*modkit.Settings)(nil)),
		"UnknownSetting":     reflect.ValueOf(modkit.UnknownSetting),
	},
}

var requiredFuncs = []string{"Params", "Set", "Run"}

// Loader interprets Go source modules.
type Loader struct {
	stdout io.Writer
	stderr io.Writer
}

// NewLoader returns a loader whose modules print to out.
func NewLoader(out io.Writer) *Loader {
	if out == nil {
		out = os.Stdout
	}
	return &Loader{stdout: out, stderr: out}
}

// Load interprets the file at path. The module is named after the file stem.
func (l *Loader) Load(path string) (mod modules.Module, err error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module source: %w", err)
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("failed to parse module source: %w", err)
	}
	doc := strings.TrimSpace(file.Doc.Text())
	if doc == "" {
		return nil, fmt.Errorf("%w: missing package documentation", modules.ErrInvalidModule)
	}
	if err := checkDecls(file); err != nil {
		return nil, err
	}

	// Every interpreter gets its own main package.
	file.Name.Name = "main"
	file.Comments = dropBuildConstraints(file.Comments)
	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return nil, fmt.Errorf("failed to rewrite module source: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			mod, err = nil, fmt.Errorf("panic while loading module: %v", r)
		}
	}()

	i := interp.New(interp.Options{Stdout: l.stdout, Stderr: l.stderr})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if err := i.Use(Symbols); err != nil {
		return nil, fmt.Errorf("failed to load modkit symbols: %w", err)
	}
	if _, err := i.Eval(buf.String()); err != nil {
		return nil, fmt.Errorf("module evaluation failed: %w", err)
	}

	m := &Module{
		meta: modules.Metadata{
			Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Description: doc,
		},
	}

	rev, err := i.Eval("main.Revision")
	if err != nil {
		return nil, fmt.Errorf("%w: Revision not found: %v", modules.ErrInvalidModule, err)
	}
	if !rev.IsValid() || rev.Kind() != reflect.String {
		return nil, fmt.Errorf("%w: Revision must be a string", modules.ErrInvalidModule)
	}
	m.meta.Revision = rev.String()

	if err := lookup(i, "main.Params", &m.params); err != nil {
		return nil, err
	}
	if err := lookup(i, "main.Set", &m.set); err != nil {
		return nil, err
	}
	if err := lookup(i, "main.Run", &m.run); err != nil {
		return nil, err
	}
	return m, nil
}

// dropBuildConstraints removes //go:build lines. Script files use them to
// stay out of the Go toolchain's builds.
func dropBuildConstraints(groups []*ast.CommentGroup) []*ast.CommentGroup {
	out := groups[:0]
	for _, g := range groups {
		if !isConstraint(g) {
			out = append(out, g)
		}
	}
	return out
}

func isConstraint(g *ast.CommentGroup) bool {
	for _, c := range g.List {
		if !constraint.IsGoBuild(c.Text) && !constraint.IsPlusBuild(c.Text) {
			return false
		}
	}
	return true
}

// checkDecls reports missing top-level symbols before anything is executed.
func checkDecls(file *ast.File) error {
	funcs := map[string]bool{}
	hasRevision := false
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil {
				funcs[d.Name.Name] = true
			}
		case *ast.GenDecl:
			if d.Tok != token.CONST && d.Tok != token.VAR {
				continue
			}
			for _, spec := range d.Specs {
				for _, name := range spec.(*ast.ValueSpec).Names {
					if name.Name == "Revision" {
						hasRevision = true
					}
				}
			}
		}
	}
	var missing []string
	if !hasRevision {
		missing = append(missing, "Revision")
	}
	for _, fn := range requiredFuncs {
		if !funcs[fn] {
			missing = append(missing, fn)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", modules.ErrInvalidModule, strings.Join(missing, ", "))
	}
	return nil
}

// lookup evaluates sym and stores it into dst, a pointer to a func variable
// of the expected signature.
func lookup(i *interp.Interpreter, sym string, dst any) error {
	v, err := i.Eval(sym)
	if err != nil {
		return fmt.Errorf("%w: %s not found: %v", modules.ErrInvalidModule, sym, err)
	}
	target := reflect.ValueOf(dst).Elem()
	if !v.IsValid() {
		return fmt.Errorf("%w: %s is not a value", modules.ErrInvalidModule, sym)
	}
	fn := v.Interface()
	if reflect.TypeOf(fn) != target.Type() {
		return fmt.Errorf("%w: %s has signature %T, want %s", modules.ErrInvalidModule, sym, fn, target.Type())
	}
	target.Set(reflect.ValueOf(fn))
	return nil
}

// Module adapts an interpreted source file to modules.Module.
type Module struct {
	meta   modules.Metadata
	params func() map[string]*modkit.Setting
	set    func(key, value string) error
	run    func(ctx context.Context) error
}

func (m *Module) Metadata() modules.Metadata { return m.meta }

func (m *Module) Params() (out map[string]modkit.Setting) {
	defer func() {
		if r := recover(); r != nil {
			out = map[string]modkit.Setting{}
		}
	}()
	return modkit.Settings(m.params()).Snapshot()
}

func (m *Module) Set(key, value string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module %s panicked in Set: %v", m.meta.Name, r)
		}
	}()
	return m.set(key, value)
}

func (m *Module) Run(ctx context.Context) error {
	return m.run(ctx)
}
