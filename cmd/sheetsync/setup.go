package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/geultto/sheetsync/internal/config"
	"github.com/geultto/sheetsync/internal/engine"
	"github.com/geultto/sheetsync/internal/logging"
	"github.com/geultto/sheetsync/internal/remote"
	"github.com/geultto/sheetsync/internal/remote/sheets"
	"github.com/geultto/sheetsync/internal/remote/sqlitesheet"
	"github.com/spf13/cobra"
)

// app bundles what every engine-backed command needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

func setup(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(os.Stderr, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		JSON:       cfg.Log.JSON,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &app{cfg: cfg, logger: logger, closers: []io.Closer{closer}}, nil
}

// backend connects to the configured remote datastore.
func (a *app) backend(ctx context.Context) (remote.Backend, error) {
	switch a.cfg.Remote.Backend {
	case config.BackendSQLite:
		db, err := sqlitesheet.Open(a.cfg.Remote.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		return db, nil
	case config.BackendSheets:
		return sheets.New(ctx, sheets.Config{
			SpreadsheetID:   a.cfg.Remote.SpreadsheetID,
			CredentialsFile: a.cfg.Remote.CredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", a.cfg.Remote.Backend)
	}
}

// newEngine builds an engine over the configured backend. It is not started.
func (a *app) newEngine(ctx context.Context, notifier engine.Notifier) (*engine.Engine, error) {
	backend, err := a.backend(ctx)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Options{
		DataDir: a.cfg.DataDir,
		Backend: backend,
		Remote: &remote.Config{
			Timeout:     a.cfg.Remote.Timeout,
			Sheets:      a.cfg.SheetMap(),
			BackupSheet: a.cfg.Remote.BackupSheet,
			Logger:      a.logger,
		},
		Scheduler: &engine.Config{
			FlushInterval:     a.cfg.Sync.FlushInterval,
			LogUploadInterval: a.cfg.Sync.LogUploadInterval,
			BatchLimit:        a.cfg.Sync.BatchLimit,
			Logger:            a.logger,
		},
		WatchFiles: a.cfg.Sync.WatchFiles,
		Notifier:   notifier,
		Logger:     a.logger,
	})
}
