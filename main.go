package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/johnzilla/arbstr/internal/adapter/breaker"
	"github.com/johnzilla/arbstr/internal/adapter/engine"
	"github.com/johnzilla/arbstr/internal/adapter/finalizer"
	"github.com/johnzilla/arbstr/internal/adapter/selector"
	"github.com/johnzilla/arbstr/internal/adapter/store"
	"github.com/johnzilla/arbstr/internal/app/handlers"
	"github.com/johnzilla/arbstr/internal/config"
	"github.com/johnzilla/arbstr/internal/logger"
	"github.com/johnzilla/arbstr/internal/util"
	"github.com/johnzilla/arbstr/internal/version"
	"github.com/johnzilla/arbstr/pkg/container"
	"github.com/johnzilla/arbstr/pkg/format"
	"github.com/johnzilla/arbstr/pkg/nerdstats"
	"github.com/johnzilla/arbstr/pkg/profiler"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	}
	version.PrintVersionInfo(false, vlog)

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.Dir,
		FileOutput: cfg.Logging.FileOutput,
		PrettyLogs: cfg.Logging.PrettyLogs,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	styledLogger.Info("initialising", "version", version.Version, "pid", os.Getpid(), "containerised", container.IsContainerised())

	if os.Getenv("ARBSTR_PPROF") != "" {
		profiler.InitialiseProfiler()
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.FatalWithLogger(logInstance, "failed to open store", "error", err)
	}
	defer st.Close()

	sel := selector.New(cfg.ProviderDomain(), cfg.PolicyDomain())

	cb := breaker.New(logInstance, breaker.WithThresholds(cfg.Proxy.FailureThreshold, cfg.Proxy.OpenDuration))

	dispatcher := engine.NewDispatcher(&http.Client{Timeout: cfg.Proxy.ConnectionTimeout * 4})

	coordinator := engine.New(sel, cb, dispatcher,
		engine.WithRetryPolicy(cfg.Proxy.MaxRetriesPerProvider, cfg.Proxy.RetryBackoff, cfg.Proxy.TotalDeadline))

	fin := finalizer.New(cb, st, logInstance)

	app := handlers.New(cfg, logInstance, cb, coordinator, st, fin, sel)

	// Reloaded config re-resolves providers/policies and swaps them into the
	// selector atomically; the rest of the pipeline (breaker, dispatcher,
	// coordinator, store) needs no restart since everything downstream keys
	// off provider name, never off the *Provider pointer.
	if _, err := config.Load(func() {
		reloaded, err := config.Load(nil)
		if err != nil {
			styledLogger.Warn("config reload failed", "error", err)
			return
		}
		sel.Replace(reloaded.ProviderDomain(), reloaded.PolicyDomain())
		styledLogger.Info("config reloaded", "providers", len(reloaded.Providers))
	}); err != nil {
		styledLogger.Warn("config watch setup failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	circuitEvents, unsubscribe := cb.Events().Subscribe(ctx)
	defer unsubscribe()
	go func() {
		for ev := range circuitEvents {
			styledLogger.InfoCircuitTransition(ev.Provider, ev.State)
		}
	}()

	errCh := app.Start()
	styledLogger.Info("serving", "host", cfg.Server.Host, "port", cfg.Server.Port, "providers", len(cfg.Providers))

	go func() {
		select {
		case sig := <-sigCh:
			styledLogger.Info("shutdown signal received", "signal", sig.String())
		case err := <-errCh:
			styledLogger.Error("server error", "error", err)
		}
		cancel()
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		styledLogger.Error("error during shutdown", "error", err)
	}

	reportProcessStats(styledLogger, startTime)
	styledLogger.Info("shutdown complete")
}

func reportProcessStats(logger *logger.StyledLogger, startTime time.Time) {
	runtime.GC()

	stats := nerdstats.Snapshot(startTime)

	logger.Info("process memory",
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"heap_sys", format.Bytes(stats.HeapSys),
		"heap_inuse", format.Bytes(stats.HeapInuse),
		"total_alloc", format.Bytes(stats.TotalAlloc),
		"memory_pressure", stats.GetMemoryPressure(),
	)

	logger.Info("goroutines",
		"num_goroutines", stats.NumGoroutines,
		"goroutine_health", stats.GetGoroutineHealthStatus(),
	)

	logger.Info("allocation",
		"total_mallocs", stats.Mallocs,
		"total_frees", stats.Frees,
		"net_objects", util.SafeInt64Diff(stats.Mallocs, stats.Frees),
	)

	logger.Info("runtime",
		"uptime", format.Duration(stats.Uptime),
		"go_version", stats.GoVersion,
		"num_cpu", stats.NumCPU,
	)
}
