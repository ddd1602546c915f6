package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/tldr-it-stepankutaj/mop/internal/logging"
	"github.com/tldr-it-stepankutaj/mop/internal/modules"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/builtin"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/discovery"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/gosrc"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/luasrc"
	"github.com/tldr-it-stepankutaj/mop/internal/store"
	"github.com/tldr-it-stepankutaj/mop/internal/workspace"
)

// Context carries app-wide dependencies and metadata.
type Context struct {
	Ctx       context.Context
	Config    Config
	Workspace workspace.Handle
	Logger    *zap.Logger
	Store     *store.DB
	Registry  *modules.Registry
	Discovery discovery.Result
	Out       io.Writer
	Now       time.Time
}

// Env is what modules get to work with.
func (c *Context) Env() modules.Env {
	env := modules.Env{
		Out:       c.Out,
		Logger:    c.Logger,
		Workspace: c.Workspace,
	}
	if c.Store != nil {
		env.Scans = c.Store.Scans()
	}
	return env
}

// Bootstrap prepares the workspace, logger and store, registers the built-in
// modules and then discovers script modules under cfg.ModulesDir. The
// returned cleanup releases everything Bootstrap opened.
func Bootstrap(ctx context.Context, cfg Config, out io.Writer) (*Context, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	ws, err := workspace.Ensure(cfg.Workspace)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogPath())
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	appCtx := &Context{
		Ctx:       ctx,
		Config:    cfg,
		Workspace: ws,
		Logger:    logger,
		Store:     db,
		Registry:  modules.NewRegistry(),
		Out:       out,
		Now:       time.Now(),
	}
	cleanup := func() {
		for _, m := range appCtx.Registry.All() {
			if c, ok := m.(interface{ Close() }); ok {
				c.Close()
			}
		}
		if err := db.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
		_ = logger.Sync()
	}

	if err := builtin.Register(appCtx.Registry, appCtx.Env()); err != nil {
		cleanup()
		return nil, nil, err
	}

	d := discovery.New(
		discovery.WithLoader(".go", gosrc.NewLoader(out)),
		discovery.WithLoader(".lua", luasrc.NewLoader(out)),
		discovery.WithLogger(logger),
	)
	appCtx.Discovery = d.Discover(cfg.ModulesDir, appCtx.Registry)
	logger.Info("bootstrap complete",
		zap.String("workspace", ws.Root),
		zap.Int("modules", appCtx.Registry.Len()),
		zap.Int("discovered", len(appCtx.Discovery.Loaded)),
		zap.Int("skipped", len(appCtx.Discovery.Skipped)),
	)
	return appCtx, cleanup, nil
}
