package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/xoauth2-proxy/pkg/circuitbreaker"
)

// Pinger is implemented by the token store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dialer opens a connection to the SMTP backend.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

func NewDatabaseCheck(store Pinger, interval, timeout time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     "database",
		Interval: interval,
		Timeout:  timeout,
		Critical: true,
		Check:    store.Ping,
	}
}

// NewSMTPBackendCheck dials the backend, waits for its greeting, says EHLO
// and quits.
func NewSMTPBackendCheck(dialer Dialer, heloName string, interval, timeout time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     "smtp_backend",
		Interval: interval,
		Timeout:  timeout,
		Critical: true,
		Check: func(ctx context.Context) error {
			return probeSMTP(ctx, dialer, heloName)
		},
	}
}

func probeSMTP(ctx context.Context, dialer Dialer, heloName string) error {
	conn, err := dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(heloName); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	if err := c.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

// NewCircuitBreakerCheck fails while the breaker is not closed.
func NewCircuitBreakerCheck(cb *circuitbreaker.CircuitBreaker, interval time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     "circuit_breaker_" + cb.Name(),
		Interval: interval,
		Timeout:  time.Second,
		Check: func(context.Context) error {
			if state := cb.State(); state != circuitbreaker.StateClosed {
				return fmt.Errorf("circuit breaker %s is %s", cb.Name(), state)
			}
			return nil
		},
	}
}
