package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"workflow-gateway/backend/internal/cli"
	"workflow-gateway/backend/internal/config"
	"workflow-gateway/backend/internal/gateway"
	"workflow-gateway/backend/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Configuration loading failed: %v", err)
	}
	if !cfg.CLI.Enabled {
		fmt.Fprintln(os.Stderr, "the CLI channel is disabled in configuration")
		os.Exit(1)
	}

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Gateway initialization failed: %v", err)
	}
	defer gw.Close()

	root := cli.New(gw.Dispatcher, gw.Registry, gw.Normalizer).RootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
