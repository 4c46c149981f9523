package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"aihub/pkg/config"
	"aihub/pkg/eventindex"
	"aihub/pkg/gitx"
	"aihub/pkg/lease"
	"aihub/pkg/orchestrator"
	"aihub/pkg/project"
	"aihub/pkg/space"
	"aihub/pkg/supervisor"
	"aihub/pkg/workspace"
)

// app wires the core packages together for one CLI invocation. Each
// command builds its own app so `aihub --help` never touches the data
// root.
type app struct {
	dataRoot string
	cfg      *config.Config
	registry *project.Registry
	store    *workspace.Store
	git      *gitx.Git
	spaces   *space.Manager
	orch     *orchestrator.Orchestrator
	index    *eventindex.Index
	logger   *zap.Logger
}

// newApp resolves the data root, loads config, and constructs the full
// stack. The event index is optional: if it cannot be opened the app
// proceeds without mirroring.
func newApp() (*app, error) {
	dataRoot, err := config.DataRoot()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	cfg, err := config.Load(dataRoot)
	if err != nil {
		return nil, err
	}

	logger := newLogger()
	registry := project.NewRegistry(dataRoot)
	store := workspace.NewStore(dataRoot)
	git := gitx.New(&gitx.ExecRunner{})
	sup := supervisor.New(store, supervisor.AgentBuilder{}, logger)
	spaces := space.NewManager(git, registry, logger)

	var index *eventindex.Index
	if ix, err := eventindex.Open(filepath.Join(dataRoot, "events.db")); err == nil {
		index = ix
		sup.SetEventSink(ix)
	} else {
		logger.Warn("event index unavailable", zap.Error(err))
	}

	orch := orchestrator.New(store, sup, git, registry, spaces, cfg, logger)

	return &app{
		dataRoot: dataRoot,
		cfg:      cfg,
		registry: registry,
		store:    store,
		git:      git,
		spaces:   spaces,
		orch:     orch,
		index:    index,
		logger:   logger,
	}, nil
}

// close releases app resources.
func (a *app) close() {
	if a.index != nil {
		_ = a.index.Close()
	}
	_ = a.logger.Sync()
}

// leaseManager returns the write lease manager for projectID, enforcing
// the feature flag.
func (a *app) leaseManager(projectID string) (*lease.Manager, error) {
	if !a.cfg.SpaceLease {
		return nil, fmt.Errorf("write lease is disabled; set space_lease = true in %s", config.File)
	}
	proj, err := a.registry.Resolve(projectID)
	if err != nil {
		return nil, err
	}
	return lease.NewManager(proj.Dir), nil
}

// newLogger builds a console logger on stderr. Default level is warn so
// command output stays clean; AIHUB_DEBUG=1 lowers it to debug.
func newLogger() *zap.Logger {
	level := zapcore.WarnLevel
	if os.Getenv("AIHUB_DEBUG") != "" {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
