package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/omnibot-dev/omnibot/internal/config"
	"github.com/omnibot-dev/omnibot/internal/engine"
	"github.com/omnibot-dev/omnibot/internal/gateway"
	"github.com/omnibot-dev/omnibot/internal/logging"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the omnibot hub",
		Long: `Start the hub: load configuration, connect tool servers, bind bot
pipelines, and serve the HTTP ingest and stream endpoints.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "omnibot.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload pipelines when the config file changes")
	return cmd
}

func runServe(configPath string, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging, os.Stderr)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := gateway.NewHub(logger)
	eng, err := engine.New(cfg, logger,
		engine.WithSink(hub),
		engine.WithRegisterer(registry),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close(cfg.Server.ShutdownTimeout)

	if watch {
		watcher := config.NewWatcher(configPath, logger, func(next *config.Config) {
			if err := eng.Apply(next); err != nil {
				logger.Error("config apply failed, keeping previous pipelines", "error", err)
			}
		})
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	server := gateway.NewServer(eng.Dispatcher(), hub, registry, logger)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	logger.Info("starting omnibot",
		"version", version,
		"addr", addr,
		"bots", len(cfg.Bots),
		"pipelines", len(cfg.Pipelines))
	return server.ListenAndServe(ctx, addr)
}

func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d pipeline(s), %d bot(s)\n",
				len(cfg.Pipelines), len(cfg.Bots))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "omnibot.yaml", "Path to configuration file")
	return cmd
}
