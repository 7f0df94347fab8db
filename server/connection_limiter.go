package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/xoauth2-proxy/logger"
)

var (
	ErrMaxConnections      = errors.New("maximum connections reached")
	ErrMaxConnectionsPerIP = errors.New("maximum connections per IP reached")
)

// ConnectionLimiter caps concurrent client connections for one listener,
// in total and per client IP. Connections from trusted networks are only
// subject to the total limit.
type ConnectionLimiter struct {
	listener        string
	maxConnections  int
	maxPerIP        int
	trustedNets     []*net.IPNet
	cleanupInterval time.Duration

	currentTotal atomic.Int64
	mu           sync.RWMutex
	perIP        map[string]*atomic.Int64
}

// NewConnectionLimiter creates a limiter. Zero limits disable the
// respective check.
func NewConnectionLimiter(listener string, maxConnections, maxPerIP int, trustedNets []*net.IPNet) *ConnectionLimiter {
	return &ConnectionLimiter{
		listener:        listener,
		maxConnections:  maxConnections,
		maxPerIP:        maxPerIP,
		trustedNets:     trustedNets,
		cleanupInterval: 5 * time.Minute,
		perIP:           make(map[string]*atomic.Int64),
	}
}

// IsTrusted reports whether remoteAddr belongs to a trusted network.
func (cl *ConnectionLimiter) IsTrusted(remoteAddr net.Addr) bool {
	return IsTrustedAddr(remoteAddr, cl.trustedNets)
}

// trackingIP picks the address the per-IP limit applies to: the PROXY
// header address for untrusted peers, the socket address otherwise.
func (cl *ConnectionLimiter) trackingIP(remoteAddr net.Addr, realClientIP string) string {
	if realClientIP != "" {
		return realClientIP
	}
	host, _ := GetHostPortFromAddr(remoteAddr)
	return host
}

// Acquire registers a connection and returns the function releasing it.
// realClientIP is the address announced in a PROXY header, if any.
func (cl *ConnectionLimiter) Acquire(remoteAddr net.Addr, realClientIP string) (func(), error) {
	if cl.maxConnections > 0 {
		if current := cl.currentTotal.Load(); current >= int64(cl.maxConnections) {
			return nil, fmt.Errorf("%w (%d/%d)", ErrMaxConnections, current, cl.maxConnections)
		}
	}

	limitIP := cl.maxPerIP > 0 && !cl.IsTrusted(remoteAddr)
	ip := cl.trackingIP(remoteAddr, realClientIP)

	var counter *atomic.Int64
	if limitIP {
		cl.mu.Lock()
		counter = cl.perIP[ip]
		if counter == nil {
			counter = &atomic.Int64{}
			cl.perIP[ip] = counter
		}
		cl.mu.Unlock()

		if n := counter.Add(1); n > int64(cl.maxPerIP) {
			counter.Add(-1)
			return nil, fmt.Errorf("%w for %s (%d/%d)", ErrMaxConnectionsPerIP, ip, n-1, cl.maxPerIP)
		}
	}

	total := cl.currentTotal.Add(1)
	logger.Debug("Connection limiter: Connection accepted", "listener", cl.listener, "ip", ip, "total", total, "max_total", cl.maxConnections, "per_ip_limited", limitIP)

	var once sync.Once
	return func() {
		once.Do(func() {
			remaining := cl.currentTotal.Add(-1)
			if counter != nil {
				counter.Add(-1)
			}
			logger.Debug("Connection limiter: Connection released", "listener", cl.listener, "ip", ip, "total", remaining)
		})
	}, nil
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	Listener         string           `json:"listener"`
	TotalConnections int64            `json:"total_connections"`
	MaxConnections   int64            `json:"max_connections"`
	MaxPerIP         int64            `json:"max_per_ip"`
	IPConnections    map[string]int64 `json:"ip_connections"`
}

// Stats returns current connection statistics
func (cl *ConnectionLimiter) Stats() ConnectionStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	stats := ConnectionStats{
		Listener:         cl.listener,
		TotalConnections: cl.currentTotal.Load(),
		MaxConnections:   int64(cl.maxConnections),
		MaxPerIP:         int64(cl.maxPerIP),
		IPConnections:    make(map[string]int64, len(cl.perIP)),
	}
	for ip, counter := range cl.perIP {
		if n := counter.Load(); n > 0 {
			stats.IPConnections[ip] = n
		}
	}
	return stats
}

// StartCleanup periodically drops per-IP entries without connections
// until ctx is done.
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	if cl.cleanupInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cleaned := 0
	for ip, counter := range cl.perIP {
		if counter.Load() <= 0 {
			delete(cl.perIP, ip)
			cleaned++
		}
	}
	if cleaned > 0 {
		logger.Debug("Connection limiter: Cleaned up stale IP entries", "listener", cl.listener, "count", cleaned)
	}
}
