// Package handlers wires the HTTP surface (spec.md §6) onto the request
// execution engine: the chat completions proxy route and the health
// endpoint, behind the correlation-ID/access-logging middleware.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/johnzilla/arbstr/internal/adapter/engine"
	"github.com/johnzilla/arbstr/internal/adapter/finalizer"
	"github.com/johnzilla/arbstr/internal/adapter/security"
	"github.com/johnzilla/arbstr/internal/adapter/selector"
	"github.com/johnzilla/arbstr/internal/adapter/store"
	"github.com/johnzilla/arbstr/internal/app/middleware"
	"github.com/johnzilla/arbstr/internal/config"
	"github.com/johnzilla/arbstr/internal/core/constants"
	"github.com/johnzilla/arbstr/internal/core/ports"
)

// Application owns the HTTP server and every dependency its handlers need.
type Application struct {
	Config *config.Config

	logger      *slog.Logger
	breaker     ports.CircuitBreakerRegistry
	coordinator *engine.Coordinator
	store       *store.Store
	finalizer   *finalizer.Finalizer
	selector    *selector.Selector

	server      *http.Server
	errCh       chan error
	rateLimiter *security.RateLimitValidator
}

func New(cfg *config.Config, log *slog.Logger, breaker ports.CircuitBreakerRegistry, coordinator *engine.Coordinator, st *store.Store, fin *finalizer.Finalizer, sel *selector.Selector) *Application {
	return &Application{
		Config:      cfg,
		logger:      log,
		breaker:     breaker,
		coordinator: coordinator,
		store:       st,
		finalizer:   fin,
		selector:    sel,
		errCh:       make(chan error, 1),
	}
}

// Start begins serving HTTP traffic in the background; fatal listener
// errors are delivered on the returned channel.
func (a *Application) Start() <-chan error {
	mux := http.NewServeMux()
	mux.HandleFunc(constants.DefaultChatCompletionsRoute, a.chatCompletionsHandler)
	mux.HandleFunc(constants.DefaultHealthCheckEndpoint, a.healthHandler)

	cfg := a.Config.Server
	port := cfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	trustedCIDRs, err := a.Config.TrustedCIDRNets()
	if err != nil {
		a.logger.Warn("invalid trusted_cidrs, proxy headers will not be trusted", "error", err)
	}

	a.rateLimiter = security.NewRateLimitValidator(cfg.RateLimits, cfg.TrustProxyHeaders, trustedCIDRs, a.logger)

	handler := middleware.Logging(a.logger, cfg.TrustProxyHeaders, trustedCIDRs)(a.rateLimiter.Middleware()(mux))
	a.server = &http.Server{
		Addr:         cfg.Host + ":" + strconv.Itoa(port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	a.logger.Info("starting server", "host", cfg.Host, "port", cfg.Port)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	return a.errCh
}

// Shutdown gracefully drains in-flight requests.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()
	if a.rateLimiter != nil {
		a.rateLimiter.Stop()
	}
	return a.server.Shutdown(shutdownCtx)
}

