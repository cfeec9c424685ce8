package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/poolkeeper"
	"github.com/loykin/poolkeeper/internal/logger"
)

// runServe loads the config and supervises the pool until SIGINT or SIGTERM.
func runServe(g *GlobalFlags, f *ServeFlags, args []string, out io.Writer) error {
	configPath := g.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := poolkeeper.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if f.Daemonize {
		_, err := daemonize(f.PidFile, f.LogFile, out)
		return err
	}

	log, closer := logger.New(cfg.LoggerConfig(), os.Stderr)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	sup, err := poolkeeper.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting poolkeeper",
		"pool", cfg.Pool.Name,
		"interpreter", cfg.Pool.Interpreter,
		"workdir", cfg.Pool.WorkDir,
		"desired", cfg.Pool.Desired,
		"paused", !cfg.Pool.Autostart,
	)
	if err := sup.Serve(ctx); err != nil {
		return err
	}
	log.Info("poolkeeper stopped")
	return nil
}
