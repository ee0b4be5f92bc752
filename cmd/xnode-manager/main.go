// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/xnodehq/xnode-manager/lib/command"
	"github.com/xnodehq/xnode-manager/lib/config"
	"github.com/xnodehq/xnode-manager/lib/inspect"
	"github.com/xnodehq/xnode-manager/lib/job"
	"github.com/xnodehq/xnode-manager/lib/process"
	"github.com/xnodehq/xnode-manager/lib/reconcile"
	"github.com/xnodehq/xnode-manager/lib/service"
	"github.com/xnodehq/xnode-manager/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal("xnode-manager", err)
	}
}

func run(args []string) error {
	var (
		configPath  string
		envFile     string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("xnode-manager", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML configuration file (default: $"+config.ConfigEnvironmentVariable+")")
	flagSet.StringVar(&envFile, "env-file", "", "dotenv file loaded into the environment before configuration")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println(version.Banner("xnode-manager"))
		return nil
	}

	cfg, err := config.Load(config.Options{Path: configPath, EnvFile: envFile})
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := parseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon := newDaemon(cfg, logger)

	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Listen.Address(),
		Handler: daemon.server.Handler(),
		Logger:  logger.With("component", "http"),
	})

	logger.Info("xnode-manager starting",
		"version", version.Info(),
		"address", cfg.Listen.Address(),
		"owner", cfg.Owner,
		"command_stream", cfg.Paths.CommandStream,
		"serialize_containers", cfg.Reconcile.SerializeContainers,
	)

	serveErr := httpServer.Serve(ctx)

	logger.Info("waiting for running jobs")
	daemon.tracker.Wait()
	logger.Info("xnode-manager stopped")
	return serveErr
}

// daemon is the wired set of components behind the HTTP server.
type daemon struct {
	tracker *job.Tracker
	server  *Server
}

func newDaemon(cfg *config.Config, logger *slog.Logger) daemon {
	recorder := command.NewRecorder(command.RecorderConfig{
		Root:   cfg.Paths.CommandStream,
		Logger: logger.With("component", "recorder"),
	})
	tracker := job.NewTracker(job.TrackerConfig{
		Root:          cfg.Paths.CommandStream,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		Logger:        logger.With("component", "jobs"),
	})
	tools := cfg.EngineTools()
	engine := reconcile.NewEngine(reconcile.EngineConfig{
		Paths:               cfg.EnginePaths(),
		Tools:               tools,
		Executor:            recorder,
		SerializeContainers: cfg.Reconcile.SerializeContainers,
		Logger:              logger.With("component", "reconcile"),
	})
	inspector := inspect.New(inspect.Config{
		Executor:   recorder,
		Nix:        tools.Nix,
		Systemctl:  tools.Systemctl,
		Journalctl: cfg.Journalctl(),
		Logger:     logger.With("component", "inspect"),
	})
	server := NewServer(ServerConfig{
		Engine:     engine,
		Tracker:    tracker,
		Executor:   recorder,
		Inspector:  inspector,
		Authorizer: OwnerAuthorizer{Owner: cfg.Owner},
		Logger:     logger.With("component", "server"),
	})
	return daemon{tracker: tracker, server: server}
}

func parseLogLevel(text string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", text, err)
	}
	return level, nil
}
