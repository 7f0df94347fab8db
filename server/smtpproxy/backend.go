package smtpproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/migadu/xoauth2-proxy/pkg/circuitbreaker"
	"github.com/migadu/xoauth2-proxy/pkg/metrics"
	"github.com/migadu/xoauth2-proxy/pkg/retry"
)

// Backend opens connections to the upstream submission server.
type Backend interface {
	Dial(ctx context.Context) (net.Conn, error)
	// Secured reports whether a freshly dialed connection already counts
	// as secure, either because it runs over TLS or because the network
	// path is trusted.
	Secured() bool
	// TLSConfig is used when the connection is upgraded with STARTTLS.
	TLSConfig() *tls.Config
}

type BackendOptions struct {
	Host string
	Port int
	// Secure dials with implicit TLS.
	Secure bool
	// Secured treats a plaintext connection as secure.
	Secured            bool
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
	Retry              retry.BackoffConfig
	Breaker            *circuitbreaker.CircuitBreaker
}

// BackendDialer dials the backend with retries behind a circuit breaker.
type BackendDialer struct {
	addr      string
	secure    bool
	secured   bool
	timeout   time.Duration
	tlsConfig *tls.Config
	retry     retry.BackoffConfig
	breaker   *circuitbreaker.CircuitBreaker
}

var _ Backend = (*BackendDialer)(nil)

func NewBackendDialer(opts BackendOptions) *BackendDialer {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	// SNI is only sent for host names.
	if net.ParseIP(opts.Host) == nil {
		tlsConfig.ServerName = opts.Host
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BackendDialer{
		addr:      net.JoinHostPort(opts.Host, fmt.Sprint(opts.Port)),
		secure:    opts.Secure,
		secured:   opts.Secured || opts.Secure,
		timeout:   timeout,
		tlsConfig: tlsConfig,
		retry:     opts.Retry,
		breaker:   opts.Breaker,
	}
}

func (d *BackendDialer) Addr() string {
	return d.addr
}

func (d *BackendDialer) Secured() bool {
	return d.secured
}

func (d *BackendDialer) TLSConfig() *tls.Config {
	return d.tlsConfig
}

// Breaker returns the circuit breaker guarding the dialer, if any.
func (d *BackendDialer) Breaker() *circuitbreaker.CircuitBreaker {
	return d.breaker
}

func (d *BackendDialer) Dial(ctx context.Context) (net.Conn, error) {
	start := time.Now()
	var conn net.Conn
	err := retry.Do(ctx, d.retry, func(int) error {
		c, err := d.dialGuarded(ctx)
		if err != nil {
			if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
				return retry.Stop(err)
			}
			return err
		}
		conn = c
		return nil
	})
	metrics.BackendDialDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BackendDialFailuresTotal.Inc()
		return nil, err
	}
	return conn, nil
}

func (d *BackendDialer) dialGuarded(ctx context.Context) (net.Conn, error) {
	if d.breaker == nil {
		return d.dialOnce(ctx)
	}
	return circuitbreaker.Execute(d.breaker, func() (net.Conn, error) {
		return d.dialOnce(ctx)
	})
}

func (d *BackendDialer) dialOnce(ctx context.Context) (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: d.timeout, KeepAlive: 30 * time.Second}
	if !d.secure {
		return netDialer.DialContext(ctx, "tcp", d.addr)
	}
	tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: d.tlsConfig}
	return tlsDialer.DialContext(ctx, "tcp", d.addr)
}
