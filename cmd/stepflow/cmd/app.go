package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/vantle/stepflow/internal/engine"
	"github.com/vantle/stepflow/internal/index"
	"github.com/vantle/stepflow/internal/logging"
	"github.com/vantle/stepflow/internal/runstore"
	"github.com/vantle/stepflow/internal/steps"
	"github.com/vantle/stepflow/internal/streaming"
	"github.com/vantle/stepflow/internal/validation"
)

// app wires the full stack for commands that execute or inspect runs:
// run store, run index, event hub with journal writer, step registry,
// and the engine on top.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    *runstore.Store
	ix       *index.Index
	hub      streaming.EventHub
	journal  *streaming.JournalWriter
	registry *steps.Registry
	engine   *engine.Engine
}

func newApp(ctx context.Context) (*app, error) {
	cfg := loadConfig()

	if err := os.MkdirAll(stepflowDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}

	store, err := runstore.New(cfg.RunsDir, jsv)
	if err != nil {
		return nil, err
	}

	ix, err := index.Open("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening run index: %w", err)
	}
	if err := ix.Migrate(ctx); err != nil {
		ix.Close()
		return nil, fmt.Errorf("migrating run index: %w", err)
	}

	hub := streaming.NewMemoryHub()
	journal, err := streaming.StartJournalWriter(hub, index.NewJournal(ix), logger)
	if err != nil {
		ix.Close()
		return nil, err
	}

	registry, err := newRegistry(cfg, jsv)
	if err != nil {
		journal.Close()
		ix.Close()
		return nil, err
	}

	eng, err := engine.New(registry, store, ix, hub, logger)
	if err != nil {
		journal.Close()
		ix.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		ix:       ix,
		hub:      hub,
		journal:  journal,
		registry: registry,
		engine:   eng,
	}, nil
}

// Close flushes the journal writer before closing the index it writes to.
func (a *app) Close() {
	a.journal.Close()
	if err := a.ix.Close(); err != nil {
		a.logger.Warn("closing run index", "error", err)
	}
}

func newRegistry(cfg Config, jsv *validation.JSONSchemaValidator) (*steps.Registry, error) {
	registry := steps.NewRegistry()
	err := steps.RegisterBuiltins(registry, jsv,
		steps.HTTPConfig{},
		steps.FSConfig{Policy: cfg.Policy},
		steps.ShellConfig{Policy: cfg.Policy},
	)
	if err != nil {
		return nil, err
	}
	return registry, nil
}
