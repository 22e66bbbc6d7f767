package commands

import (
	"context"
	"fmt"

	"github.com/openrestore/openrestore/pkg/config"
	"github.com/openrestore/openrestore/pkg/stores"
	"github.com/openrestore/openrestore/pkg/telemetry"
)

// buildLogger constructs the structured logger from the loaded configuration.
// The --verbose flag wins over the configured level.
func buildLogger(cfg *config.Config) (*telemetry.Logger, error) {
	level := cfg.Restore.LogLevel
	if verbose {
		level = "debug"
	}
	output := "stderr"
	if cfg.Restore.LogFile != "" {
		output = cfg.Restore.LogFile
	}
	return telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: "console",
		Output: output,
	})
}

// openStore opens and migrates the run journal database. Returns nil when no
// state path is configured; callers treat a nil store as journalling disabled.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	if cfg.State.Path == "" {
		return nil, nil
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.State.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return store, nil
}
