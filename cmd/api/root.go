package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"storymap/api/internal/config"
	"storymap/api/internal/logger"
	"storymap/api/internal/store"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "storymap",
		Short:         "Story map canvas API",
		Long:          "Serves and maintains per-user story map canvases of nodes and edges.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file overlaid on environment defaults")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))
	cmd.AddCommand(newBeatsCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newReindexCommand(opts))

	return cmd
}

func (o *rootOptions) load() (config.Config, *logger.Logger, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

// openStore connects to the configured database. Postgres is migrated from
// cfg.MigrationsDir; SQLite creates its schema on open.
func openStore(ctx context.Context, cfg config.Config, log *logger.Logger) (*sql.DB, *store.GraphStore, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err := store.OpenSQLite(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return db, store.NewSQLiteStore(db), nil
	case config.DriverPostgres, "":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		for _, version := range applied {
			log.Info("applied migration", "version", version)
		}
		return db, store.NewPostgresStore(db), nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.DBDriver)
	}
}
