package health

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/migadu/xoauth2-proxy/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchCheck struct {
	mu  sync.Mutex
	err error
}

func (s *switchCheck) set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *switchCheck) check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func TestMonitorStatusTransitions(t *testing.T) {
	hm := NewHealthMonitor()
	db := &switchCheck{}
	optional := &switchCheck{}
	hm.RegisterCheck(&HealthCheck{Name: "database", Critical: true, Check: db.check})
	hm.RegisterCheck(&HealthCheck{Name: "optional", Check: optional.check})

	var mu sync.Mutex
	var changes []string
	hm.AddStatusCallback(func(name string, status ComponentStatus) {
		mu.Lock()
		changes = append(changes, name+"="+string(status))
		mu.Unlock()
	})

	ctx := context.Background()
	hm.RunChecks(ctx)
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
	assert.True(t, hm.IsHealthy("database"))

	// A single failure after a success degrades.
	db.set(errors.New("disk full"))
	hm.RunChecks(ctx)
	status, ok := hm.GetCheckStatus("database")
	require.True(t, ok)
	assert.Equal(t, StatusDegraded, status)
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())

	// Repeated failures of a critical check make the system unhealthy.
	hm.RunChecks(ctx)
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())

	statuses := hm.GetAllStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "disk full", statuses[0].LastError)
	assert.Equal(t, 3, statuses[0].Checks)
	assert.Equal(t, 2, statuses[0].Failures)

	db.set(nil)
	hm.RunChecks(ctx)
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
	assert.Empty(t, hm.GetAllStatuses()[0].LastError)

	// A failing non-critical check only degrades.
	optional.set(errors.New("flaky"))
	hm.RunChecks(ctx)
	hm.RunChecks(ctx)
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, changes, "database=degraded")
	assert.Contains(t, changes, "database=unhealthy")
	assert.Contains(t, changes, "optional=unhealthy")
}

func TestMonitorFirstFailureIsUnhealthy(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{Name: "database", Critical: true, Check: func(context.Context) error {
		return errors.New("no such file")
	}})
	hm.RunChecks(context.Background())
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())
}

func TestMonitorRecoversFromPanic(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{Name: "boom", Critical: true, Check: func(context.Context) error {
		panic("bad check")
	}})
	require.NotPanics(t, func() { hm.RunChecks(context.Background()) })
	status, _ := hm.GetCheckStatus("boom")
	assert.Equal(t, StatusUnhealthy, status)
	assert.Contains(t, hm.GetAllStatuses()[0].LastError, "bad check")
}

func TestMonitorStartStop(t *testing.T) {
	hm := NewHealthMonitor()
	calls := make(chan struct{}, 10)
	hm.RegisterCheck(&HealthCheck{Name: "tick", Interval: 10 * time.Millisecond, Check: func(context.Context) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	}})

	hm.Start(context.Background())
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("check did not run")
		}
	}
	hm.Stop()
	_, ok := hm.GetCheckStatus("unknown")
	assert.False(t, ok)
}

type tcpDialer struct{ addr string }

func (d tcpDialer) Dial(ctx context.Context) (net.Conn, error) {
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", d.addr)
}

// serveSMTP answers a minimal greeting/EHLO/QUIT exchange.
func serveSMTP(t *testing.T, greeting string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				conn.Write([]byte(greeting + "\r\n"))
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					switch verb := strings.ToUpper(strings.Fields(line + " x")[0]); verb {
					case "EHLO", "HELO":
						conn.Write([]byte("250 backend.example\r\n"))
					case "QUIT":
						conn.Write([]byte("221 bye\r\n"))
						return
					default:
						conn.Write([]byte("502 unknown\r\n"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestSMTPBackendCheck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("healthy", func(t *testing.T) {
		check := NewSMTPBackendCheck(tcpDialer{serveSMTP(t, "220 backend.example ESMTP")}, "proxy.test", time.Second, time.Second)
		assert.True(t, check.Critical)
		assert.NoError(t, check.Check(ctx))
	})

	t.Run("rejecting greeting", func(t *testing.T) {
		check := NewSMTPBackendCheck(tcpDialer{serveSMTP(t, "554 go away")}, "proxy.test", time.Second, time.Second)
		assert.ErrorContains(t, check.Check(ctx), "greeting")
	})

	t.Run("unreachable", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		ln.Close()

		check := NewSMTPBackendCheck(tcpDialer{addr}, "proxy.test", time.Second, time.Second)
		assert.ErrorContains(t, check.Check(ctx), "dial")
	})
}

func TestDatabaseCheck(t *testing.T) {
	check := NewDatabaseCheck(pingFunc(func(context.Context) error { return errors.New("locked") }), time.Second, time.Second)
	assert.Equal(t, "database", check.Name)
	assert.EqualError(t, check.Check(context.Background()), "locked")
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestCircuitBreakerCheck(t *testing.T) {
	settings := circuitbreaker.DefaultSettings("backend")
	settings.ReadyToTrip = func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 1 }
	cb := circuitbreaker.New(settings)
	check := NewCircuitBreakerCheck(cb, time.Second)
	assert.Equal(t, "circuit_breaker_backend", check.Name)
	assert.False(t, check.Critical)

	require.NoError(t, check.Check(context.Background()))

	_ = cb.Do(func() error { return errors.New("refused") })
	assert.ErrorContains(t, check.Check(context.Background()), "OPEN")

	cb.Reset()
	assert.NoError(t, check.Check(context.Background()))
}
