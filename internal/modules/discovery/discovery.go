// Package discovery finds module source files under a directory tree and
// registers the ones that load.
package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/tldr-it-stepankutaj/mop/internal/modules"
)

// EntryPointMarker is the file that documents a module tree; it is never a candidate.
const EntryPointMarker = "doc.go"

// Loader turns one candidate file into a module.
type Loader interface {
	Load(path string) (modules.Module, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(path string) (modules.Module, error)

func (f LoaderFunc) Load(path string) (modules.Module, error) { return f(path) }

// Skip records a candidate that did not make it into the registry.
type Skip struct {
	Path string
	Err  error
}

func (s Skip) String() string { return fmt.Sprintf("%s: %v", s.Path, s.Err) }

// Result lists what a discovery pass registered and skipped, both in
// encounter order.
type Result struct {
	Loaded  []modules.Metadata
	Skipped []Skip
}

// Discoverer walks module trees.
type Discoverer struct {
	loaders map[string]Loader
	logger  *zap.Logger
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithLoader handles files with extension ext (including the dot) with l.
func WithLoader(ext string, l Loader) Option {
	return func(d *Discoverer) {
		d.loaders[strings.ToLower(ext)] = l
	}
}

// WithLogger sets the logger used for skipped candidates.
func WithLogger(l *zap.Logger) Option {
	return func(d *Discoverer) {
		d.logger = l
	}
}

func New(opts ...Option) *Discoverer {
	d := &Discoverer{
		loaders: make(map[string]Loader),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover walks root depth-first and registers every candidate that loads
// into reg. A bad candidate is recorded in Result.Skipped and never stops
// the walk. A missing root yields an empty result.
func (d *Discoverer) Discover(root string, reg *modules.Registry) Result {
	var res Result
	d.walk(root, reg, &res)
	d.logger.Info("module discovery finished",
		zap.String("root", root),
		zap.Int("loaded", len(res.Loaded)),
		zap.Int("skipped", len(res.Skipped)))
	return res
}

func (d *Discoverer) walk(dir string, reg *modules.Registry, res *Result) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.skip(res, dir, err)
		}
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		if entry.IsDir() {
			d.walk(path, reg, res)
			continue
		}
		if name == EntryPointMarker {
			continue
		}
		d.load(path, reg, res)
	}
}

func (d *Discoverer) load(path string, reg *modules.Registry, res *Result) {
	loader, ok := d.loaders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		d.skip(res, path, modules.ErrUnsupportedSource)
		return
	}
	m, err := safeLoad(loader, path)
	if err != nil {
		d.skip(res, path, err)
		return
	}
	if err := reg.Register(m); err != nil {
		if c, ok := m.(interface{ Close() }); ok {
			c.Close()
		}
		d.skip(res, path, err)
		return
	}
	md := m.Metadata()
	d.logger.Debug("module loaded", zap.String("module", md.Name), zap.String("path", path))
	res.Loaded = append(res.Loaded, md)
}

func safeLoad(l Loader, path string) (m modules.Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("panic while loading: %v", r)
		}
	}()
	m, err = l.Load(path)
	if err == nil && m == nil {
		err = fmt.Errorf("%w: loader returned no module", modules.ErrInvalidModule)
	}
	return m, err
}

func (d *Discoverer) skip(res *Result, path string, err error) {
	d.logger.Warn("skipped module candidate", zap.String("path", path), zap.Error(err))
	res.Skipped = append(res.Skipped, Skip{Path: path, Err: err})
}
