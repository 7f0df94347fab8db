package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/migadu/xoauth2-proxy/config"
	"github.com/migadu/xoauth2-proxy/db"
	"github.com/migadu/xoauth2-proxy/logger"
	"github.com/migadu/xoauth2-proxy/pkg/authcache"
	"github.com/migadu/xoauth2-proxy/pkg/circuitbreaker"
	"github.com/migadu/xoauth2-proxy/pkg/health"
	"github.com/migadu/xoauth2-proxy/pkg/retry"
	"github.com/migadu/xoauth2-proxy/server/httpapi"
	"github.com/migadu/xoauth2-proxy/server/smtpproxy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func buildBackendDialer(cfg config.BackendConfig) (*smtpproxy.BackendDialer, error) {
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid connect_timeout: %w", err)
	}

	var backoff retry.BackoffConfig
	if cfg.Retry.MaxRetries > 0 {
		initial, err := cfg.Retry.GetInitialInterval()
		if err != nil {
			return nil, fmt.Errorf("invalid retry initial_interval: %w", err)
		}
		maxInterval, err := cfg.Retry.GetMaxInterval()
		if err != nil {
			return nil, fmt.Errorf("invalid retry max_interval: %w", err)
		}
		backoff = retry.BackoffConfig{
			InitialInterval: initial,
			MaxInterval:     maxInterval,
			Multiplier:      cfg.Retry.GetMultiplier(),
			Jitter:          cfg.Retry.Jitter,
			MaxRetries:      cfg.Retry.MaxRetries,
		}
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreaker.Enabled {
		interval, err := cfg.CircuitBreaker.GetInterval()
		if err != nil {
			return nil, fmt.Errorf("invalid circuit_breaker interval: %w", err)
		}
		timeout, err := cfg.CircuitBreaker.GetTimeout()
		if err != nil {
			return nil, fmt.Errorf("invalid circuit_breaker timeout: %w", err)
		}
		settings := circuitbreaker.DefaultSettings("smtp-backend")
		settings.MaxRequests = cfg.CircuitBreaker.GetMaxRequests()
		settings.Interval = interval
		settings.Timeout = timeout
		settings.ReadyToTrip = circuitbreaker.RatioTrip(cfg.CircuitBreaker.GetMinRequests(), cfg.CircuitBreaker.GetFailureRatio())
		breaker = circuitbreaker.New(settings)
	}

	return smtpproxy.NewBackendDialer(smtpproxy.BackendOptions{
		Host:               cfg.Host,
		Port:               cfg.GetPort(),
		Secure:             cfg.Secure,
		Secured:            cfg.Secured,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ConnectTimeout:     connectTimeout,
		Retry:              backoff,
		Breaker:            breaker,
	}), nil
}

// loadTLSConfig loads the listener certificate. Each listener gets its own
// config so that certificates can differ per port.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func buildServers(cfg config.Config, backend smtpproxy.Backend, authenticator smtpproxy.Authenticator) ([]*smtpproxy.Server, error) {
	idleTimeout, err := cfg.Session.GetClientIdleTimeout()
	if err != nil {
		return nil, err
	}
	inspectionDelay, err := cfg.Session.GetProtocolInspectionDelay()
	if err != nil {
		return nil, err
	}

	servers := make([]*smtpproxy.Server, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		mode, err := smtpproxy.ParseMode(sc.Type)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", sc.Name, err)
		}

		var tlsConfig *tls.Config
		if sc.RequiresTLS() {
			tlsConfig, err = loadTLSConfig(sc.TLSCertFile, sc.TLSKeyFile)
			if err != nil {
				return nil, fmt.Errorf("server %q: %w", sc.Name, err)
			}
		}

		srv, err := smtpproxy.New(smtpproxy.ServerOptions{
			Name:                sc.Name,
			Mode:                mode,
			Addresses:           sc.GetAddresses(),
			Port:                sc.Port,
			TLSConfig:           tlsConfig,
			ListenBacklog:       sc.ListenBacklog,
			MaxConnections:      sc.MaxConnections,
			MaxConnectionsPerIP: sc.MaxConnectionsPerIP,
			TrustedNetworks:     sc.TrustedNetworks,
			ProxyProtocol:       sc.ProxyProtocol,
			AuthRateLimit:       sc.AuthRateLimit,
			GreetingName:        cfg.Session.GreetingName,
			ClientIdleTimeout:   idleTimeout,
			MaxLineLength:       cfg.Session.GetMaxLineLength(),
			InspectionDelay:     inspectionDelay,
			Debug:               cfg.Session.Debug,
		}, backend, authenticator)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

func buildAdminAPI(cfg config.AdminAPIConfig, store *db.Database, servers []*smtpproxy.Server, cache *authcache.AuthCache) (*httpapi.Server, error) {
	sources := make([]httpapi.SessionSource, 0, len(servers))
	for _, srv := range servers {
		sources = append(sources, srv)
	}
	var cacheControl httpapi.AuthCache
	if cache != nil {
		cacheControl = cache
	}
	return httpapi.New(store, sources, cacheControl, httpapi.ServerOptions{
		Addr:         cfg.Addr,
		APIKey:       cfg.APIKey,
		AllowedHosts: cfg.AllowedHosts,
		TLSCertFile:  cfg.TLSCertFile,
		TLSKeyFile:   cfg.TLSKeyFile,
	})
}

// buildHealthMonitor registers the store and backend checks. It returns nil
// when health checks are disabled.
func buildHealthMonitor(cfg config.Config, store health.Pinger, dialer *smtpproxy.BackendDialer) (*health.HealthMonitor, error) {
	if !cfg.Health.Enabled {
		return nil, nil
	}
	interval, err := cfg.Health.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid health interval: %w", err)
	}
	timeout, err := cfg.Health.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid health timeout: %w", err)
	}

	heloName := cfg.Session.GreetingName
	if heloName == "" {
		heloName, _ = os.Hostname()
	}
	if heloName == "" {
		heloName = "localhost"
	}

	monitor := health.NewHealthMonitor()
	monitor.RegisterCheck(health.NewDatabaseCheck(store, interval, timeout))
	monitor.RegisterCheck(health.NewSMTPBackendCheck(dialer, heloName, interval, timeout))
	if breaker := dialer.Breaker(); breaker != nil {
		monitor.RegisterCheck(health.NewCircuitBreakerCheck(breaker, interval))
	}
	return monitor, nil
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig) error {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server", "addr", cfg.Addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
