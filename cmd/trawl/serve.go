package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/veritylab/trawl/pkg/config"
	"github.com/veritylab/trawl/pkg/server"
)

// ServeCmd starts the chat-completions server.
type ServeCmd struct {
	Host  string `help:"Override the configured listen host."`
	Port  int    `help:"Override the configured listen port."`
	Watch bool   `help:"Watch the config file and log reloads."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	// File changes are logged but not applied live: pipelines are built
	// once at startup. Restart to pick up new settings.
	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return configError{err: err}
	}

	printEndpoints(cfg)

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func printEndpoints(cfg *config.Config) {
	addr := cfg.Server.Address()
	fmt.Printf("\ntrawl server ready\n")
	fmt.Printf("   Chat (plain):    http://%s/v1/chat/completions\n", addr)
	fmt.Printf("   Chat (research): http://%s/v2/chat/completions\n", addr)
	fmt.Printf("   Health:          http://%s/health\n", addr)
	if cfg.Observability.IsMetricsEnabled() {
		fmt.Printf("   Metrics:         http://%s/metrics\n", addr)
	}
	if cfg.Observability.Tracing.Enabled {
		fmt.Printf("   Tracing:         %s (%s)\n",
			cfg.Observability.Tracing.Exporter, cfg.Observability.Tracing.EndpointURL)
	}
	fmt.Printf("   Pipelines:       %d (up to %d concurrent requests)\n",
		cfg.Pool.PipelinePoolSize, cfg.Pool.MaxConcurrentRequests)
	if cfg.Auth.IsEnabled() {
		fmt.Printf("   Auth:            bearer token required\n")
	}
	fmt.Println("\nPress Ctrl+C to stop")
}
