package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"workflow-gateway/backend/internal/api"
	"workflow-gateway/backend/internal/config"
	"workflow-gateway/backend/internal/gateway"
	"workflow-gateway/backend/internal/logging"
	"workflow-gateway/backend/internal/mcp"
	"workflow-gateway/backend/internal/tls"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logging
	logger := logging.NewLogger()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		log.Fatalf("Configuration loading failed: %v", err)
	}
	logger.Info("Configuration loaded: environment=%s auth_enabled=%t session_backend=%s workflows=%d",
		cfg.Environment, cfg.AuthEnabled(), cfg.Session.Backend, len(cfg.Workflows))

	logger.Info("Starting Workflow Gateway")

	// Assemble the dispatch core
	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to assemble gateway: %v", err)
		log.Fatalf("Gateway initialization failed: %v", err)
	}
	defer gw.Close()

	logger.Info("Dispatch core initialized")

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("workflow-gateway"))

	// Mount the API channel
	apiServer := api.NewServer(gw.Dispatcher, gw.Registry, gw.Sessions, gw.Normalizer, gw.Reporter, cfg.Normalizer.MaxInputBytes)
	apiServer.Register(e)

	logger.Info("API channel mounted")

	// Mount the tool-protocol channel
	if cfg.ToolProtocol.Enabled {
		mcpServer := mcp.NewServer(gw.Dispatcher, gw.Registry, gw.Normalizer, os.Getenv("GATEWAY_TOOL_CREDENTIAL"))
		mcpHandlers := http.NewServeMux()
		mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
		e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
		e.Any("/mcp", echo.WrapHandler(mcpHandlers))

		logger.Info("Tool-protocol channel mounted")
	}

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.API.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting on %s (tls=%t)", addr, cfg.API.TLS.Enable)
		if cfg.API.TLS.Enable {
			if cfg.API.TLS.CertFile == "" || cfg.API.TLS.KeyFile == "" {
				logger.Error("TLS enabled but cert/key file not provided")
				serverErrors <- server.ListenAndServe()
				return
			}
			// generate if missing and hostnames provided
			if _, err := os.Stat(cfg.API.TLS.CertFile); os.IsNotExist(err) {
				if len(cfg.API.TLS.Hostnames) > 0 {
					if err := tls.GenerateSelfSignedCert(cfg.API.TLS.CertFile, cfg.API.TLS.KeyFile, cfg.API.TLS.Hostnames); err != nil {
						logger.Error("failed to generate self-signed cert: %v", err)
					}
				}
			}
			serverErrors <- server.ListenAndServeTLS(cfg.API.TLS.CertFile, cfg.API.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error: %v", err)
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received: %v", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error: %v", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}
