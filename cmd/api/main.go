package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
)

func main() {
	cfg, err := appconf.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	// Flags override the environment when given.
	var envFlag, apiKeysFlag string
	flag.IntVar(&cfg.Port, "port", cfg.Port, "API server port")
	flag.StringVar(&envFlag, "env", cfg.Env.String(), "Environment (development|test|production)")
	flag.StringVar(&apiKeysFlag, "api-keys", "", "Comma separated API keys")
	flag.BoolVar(&cfg.RunPoller, "pollers", cfg.RunPoller, "Run the GTFS-RT pollers in this process")
	flag.Parse()

	cfg.Env = appconf.EnvFlagToEnvironment(envFlag)
	if apiKeysFlag != "" {
		cfg.ApiKeys = ParseAPIKeys(apiKeysFlag)
	}

	coreApp, err := BuildApplication(cfg)
	if err != nil {
		slog.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, api := CreateServer(coreApp, cfg)
	if err := Run(ctx, srv, coreApp, api); err != nil {
		cancel()
		os.Exit(1)
	}
}
