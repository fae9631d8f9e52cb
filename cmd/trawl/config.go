package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veritylab/trawl/pkg/config"
)

// loadConfig loads the named config file, or builds the configuration
// from environment variables alone when no file is given. The returned
// loader is nil in environment mode.
func loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	_ = config.LoadEnvFiles()

	if path != "" {
		cfg, loader, err := config.LoadFile(ctx, path)
		if err != nil {
			return nil, nil, configError{err: err}
		}
		slog.Info("Loaded configuration", "path", path)
		return cfg, loader, nil
	}

	cfg := &config.Config{}
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, configError{err: fmt.Errorf("config validation failed: %w", err)}
	}
	slog.Info("Using environment configuration")
	return cfg, nil, nil
}
