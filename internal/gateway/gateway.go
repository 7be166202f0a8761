// Package gateway assembles the dispatch core from configuration: registry,
// session store, admission pipeline, response cache, executor and
// dispatcher. Both the server and the CLI entry points build the same core.
package gateway

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"workflow-gateway/backend/internal/admission"
	"workflow-gateway/backend/internal/config"
	"workflow-gateway/backend/internal/dispatch"
	"workflow-gateway/backend/internal/executor"
	"workflow-gateway/backend/internal/logging"
	"workflow-gateway/backend/internal/metrics"
	"workflow-gateway/backend/internal/params"
	"workflow-gateway/backend/internal/registry"
	"workflow-gateway/backend/internal/session"
	"workflow-gateway/backend/pkg/models"
)

// Gateway bundles the dispatch core and its collaborators.
type Gateway struct {
	Config     *config.Config
	Logger     *logging.Logger
	Registry   *registry.Registry
	Sessions   session.Store
	Normalizer *params.Normalizer
	Reporter   *metrics.Reporter
	Breaker    *admission.CircuitBreaker
	Dispatcher *dispatch.Dispatcher

	cleanup func()
}

// New builds the gateway core. The returned Gateway must be closed.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Gateway, error) {
	g := &Gateway{
		Config:     cfg,
		Logger:     logger,
		Registry:   registry.New(),
		Normalizer: params.New(cfg.Normalizer.MaxInputBytes),
		Reporter:   metrics.NewReporter(),
		cleanup:    func() {},
	}

	for _, wc := range cfg.Workflows {
		handle := HandleFromConfig(wc)
		if err := g.Registry.Register(handle); err != nil {
			return nil, fmt.Errorf("register workflow %q: %w", wc.Name, err)
		}
	}

	switch cfg.Session.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Session.DB.Host, cfg.Session.DB.Port, cfg.Session.DB.User,
			cfg.Session.DB.Password, cfg.Session.DB.Name, cfg.Session.DB.SSLMode,
		))
		if err != nil {
			return nil, fmt.Errorf("failed to create session pool: %w", err)
		}
		store := session.NewPostgresStore(pool, cfg.SessionTTL())
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ensure session schema: %w", err)
		}
		g.Sessions = store
		g.cleanup = pool.Close
	default:
		store := session.NewMemoryStore(cfg.SessionTTL())
		store.StartSweeper(ctx, cfg.SessionTTL())
		g.Sessions = store
	}

	authn, err := admission.NewAuthenticator(ctx, cfg, logger)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("auth initialization failed: %w", err)
	}

	g.Breaker = admission.NewCircuitBreaker(cfg.Breaker.FailureThreshold, cfg.BreakerCooldown())
	cache := admission.NewResponseCache(cfg.CacheTTL())

	pipeline := admission.NewPipeline(
		authn,
		admission.NewRateLimiter(cfg.RateLimit.PerMinute),
		g.Breaker,
		admission.NewCacheStage(cache),
	)

	var exec executor.Executor
	if cfg.Executor.URL != "" {
		exec = executor.NewHTTPClient(cfg.Executor.URL)
	} else {
		// Without an engine sidecar, fall back to echoing the broadcast
		// parameter set. Keeps development and the CLI usable standalone.
		exec = executor.Func(func(ctx context.Context, handle *models.WorkflowHandle, p *models.ParameterSet) (map[string]any, error) {
			return p.Map(), nil
		})
		logger.Warn("no executor.url configured; using the built-in echo executor")
	}

	g.Dispatcher = dispatch.New(dispatch.Options{
		Registry: g.Registry,
		Sessions: g.Sessions,
		Pipeline: pipeline,
		Cache:    cache,
		Breaker:  g.Breaker,
		Exec:     exec,
		Timeout:  cfg.ExecutorTimeout(),
		Reporter: g.Reporter,
		Logger:   logger,
	})

	return g, nil
}

// Close releases backend resources.
func (g *Gateway) Close() {
	if g.cleanup != nil {
		g.cleanup()
	}
}

// HandleFromConfig converts a declared workflow into a registry handle.
func HandleFromConfig(wc config.WorkflowConfig) *models.WorkflowHandle {
	handle := &models.WorkflowHandle{Name: wc.Name}
	for _, v := range wc.Visibility {
		handle.Visibility = append(handle.Visibility, models.Channel(v))
	}
	for _, p := range wc.Parameters {
		handle.Parameters = append(handle.Parameters, models.ParameterSpec{
			Name:        p.Name,
			Type:        p.Type,
			Required:    p.Required,
			Default:     p.Default,
			Description: p.Description,
		})
	}
	return handle
}
