package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxline/voxline/pkg/runner"
	"github.com/voxline/voxline/pkg/voxline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := voxline.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", "path", *configPath, "error", err)
		os.Exit(1)
	}

	engine, err := voxline.NewEngine(cfg)
	if err != nil {
		slog.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := runner.NewLifecycleRunner(engine, runner.Hooks{
		OnStart: func() {
			if err := engine.Start(ctx); err != nil {
				slog.Error("engine_start_failed", "error", err)
				stop()
			}
		},
		OnStop: func() {
			slog.Info("voxline_stopped")
		},
	}, 0)

	if err := run.Run(ctx); err != nil {
		slog.Error("runner_exit", "error", err)
		os.Exit(1)
	}
}
