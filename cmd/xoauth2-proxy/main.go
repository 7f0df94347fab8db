package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/xoauth2-proxy/config"
	"github.com/migadu/xoauth2-proxy/db"
	"github.com/migadu/xoauth2-proxy/logger"
	"github.com/migadu/xoauth2-proxy/pkg/authcache"
	"github.com/migadu/xoauth2-proxy/pkg/errors"
	"github.com/migadu/xoauth2-proxy/pkg/metrics"
	"github.com/migadu/xoauth2-proxy/server/smtpproxy"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// shutdownTimeout is how long live sessions may finish after a signal
// before they are told the service is going away.
const shutdownTimeout = 30 * time.Second

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("xoauth2-proxy version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logCloser, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "XOAUTH2-PROXY: Warning initializing logger: %v\n", err)
	} else {
		defer logCloser.Close()
	}

	logger.Info("xoauth2-proxy starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level, "output", cfg.Logging.Output)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	store, err := db.Open(ctx, cfg.Database)
	if err != nil {
		errorHandler.FatalError(fmt.Sprintf("open database '%s'", cfg.Database.Path), err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer store.Close()

	authenticator, cache := buildAuthenticator(cfg.AuthCache, store, errorHandler)
	if cache != nil {
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = cache.Stop(stopCtx)
		}()
	}

	dialer, err := buildBackendDialer(cfg.Backend)
	if err != nil {
		errorHandler.ValidationError("backend", err)
		os.Exit(errorHandler.WaitForExit())
	}
	logger.Info("Backend configured", "addr", dialer.Addr(), "secured", dialer.Secured())

	servers, err := buildServers(cfg, dialer, authenticator)
	if err != nil {
		errorHandler.ValidationError("servers", err)
		os.Exit(errorHandler.WaitForExit())
	}

	var started []*smtpproxy.Server
	for _, srv := range servers {
		if err := srv.Start(ctx); err != nil {
			stopServers(started, time.Second)
			errorHandler.FatalError(fmt.Sprintf("start server '%s'", srv.Name()), err)
			os.Exit(errorHandler.WaitForExit())
		}
		started = append(started, srv)
	}

	monitor, err := buildHealthMonitor(cfg, store, dialer)
	if err != nil {
		stopServers(started, time.Second)
		errorHandler.ValidationError("health", err)
		os.Exit(errorHandler.WaitForExit())
	}
	if monitor != nil {
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if cfg.Metrics.Enabled {
		interval, _ := cfg.Metrics.GetCollectInterval()
		var cacheStats metrics.CacheStatsProvider
		if cache != nil {
			cacheStats = cache
		}
		collector := metrics.NewCollector(store, cacheStats, interval)
		wg.Add(2)
		go func() {
			defer wg.Done()
			collector.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			if err := serveMetrics(ctx, cfg.Metrics); err != nil {
				errChan <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if cfg.AdminAPI.Enabled {
		api, err := buildAdminAPI(cfg.AdminAPI, store, started, cache)
		if err != nil {
			stopServers(started, time.Second)
			errorHandler.ValidationError("admin_api", err)
			os.Exit(errorHandler.WaitForExit())
		}
		if monitor != nil {
			api.SetHealthReporter(monitor)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Start(ctx); err != nil {
				errChan <- fmt.Errorf("admin API: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Waiting for sessions to finish", "timeout", shutdownTimeout)
		stopServers(started, shutdownTimeout)
		wg.Wait()
		logger.Info("Shutdown complete")
	case err := <-errChan:
		cancel()
		stopServers(started, time.Second)
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads the configuration file and exits on any
// problem. A missing default config.toml falls back to built-in defaults,
// which still need at least one [[servers]] entry to pass validation.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Warn("Default configuration file not found, using application defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
	logger.Info("Found configured servers", "count", len(cfg.Servers))
}

// stopServers stops every listener concurrently, giving live sessions
// until timeout to finish.
func stopServers(servers []*smtpproxy.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *smtpproxy.Server) {
			defer wg.Done()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("Error stopping server", "name", srv.Name(), "error", err)
			}
		}(srv)
	}
	wg.Wait()
}

// buildAuthenticator returns the credential lookup used by every session,
// cached unless the cache is disabled.
func buildAuthenticator(cfg config.AuthCacheConfig, store *db.Database, errorHandler *errors.ErrorHandler) (smtpproxy.Authenticator, *authcache.AuthCache) {
	if !cfg.Enabled {
		logger.Info("Auth cache disabled")
		return authcache.Direct(store), nil
	}
	positive, err := cfg.GetPositiveTTL()
	if err != nil {
		errorHandler.ValidationError("auth_cache.positive_ttl", err)
		os.Exit(errorHandler.WaitForExit())
	}
	negative, err := cfg.GetNegativeTTL()
	if err != nil {
		errorHandler.ValidationError("auth_cache.negative_ttl", err)
		os.Exit(errorHandler.WaitForExit())
	}
	cleanup, err := cfg.GetCleanupInterval()
	if err != nil {
		errorHandler.ValidationError("auth_cache.cleanup_interval", err)
		os.Exit(errorHandler.WaitForExit())
	}
	logger.Info("Auth cache enabled", "positive_ttl", positive, "negative_ttl", negative, "max_size", cfg.MaxSize)
	cache := authcache.New(store, positive, negative, cfg.MaxSize, cleanup)
	return cache, cache
}
