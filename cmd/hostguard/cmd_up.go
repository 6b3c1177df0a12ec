package main

// ---------------------------------------------------------------------------
// cmd_up.go — run the event hub
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"

	"github.com/hostguard-project/hostguard/internal/core"
	"github.com/hostguard-project/hostguard/internal/hub"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path (default: built-in defaults)")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	fs.Parse(args)

	cfg, err := core.LoadConfig(envConfig(*configPath))
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := hub.NewLogger(&cfg.Logging)

	h, err := hub.New(cfg, nil, logger)
	if err != nil {
		errorf("building hub: %v", err)
	}
	h.SetConfigPath(envConfig(*configPath))

	if err := h.Run(context.Background()); err != nil {
		errorf("running hub: %v", err)
	}
}
