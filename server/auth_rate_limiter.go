package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/migadu/xoauth2-proxy/config"
	"github.com/migadu/xoauth2-proxy/logger"
	"github.com/migadu/xoauth2-proxy/pkg/metrics"
)

var ErrAuthRateLimited = errors.New("too many failed authentication attempts")

// AuthRateLimiter tracks failed AUTH attempts per client IP and per
// username. IPs that keep failing are delayed progressively and finally
// blocked for a while. Clients from trusted networks are never limited.
type AuthRateLimiter struct {
	listener    string
	trustedNets []*net.IPNet

	maxPerIP            int
	maxPerUsername      int
	ipWindow            time.Duration
	usernameWindow      time.Duration
	fastBlockThreshold  int
	fastBlockDuration   time.Duration
	delayStartThreshold int
	initialDelay        time.Duration
	maxDelay            time.Duration
	delayMultiplier     float64
	cleanupInterval     time.Duration

	mu        sync.Mutex
	blocked   map[string]time.Time
	ipFails   map[string]*failureInfo
	userFails map[string]*failureInfo

	now func() time.Time
}

type failureInfo struct {
	count int
	first time.Time
	last  time.Time
}

// AuthRateLimiterStats is a snapshot of the limiter state.
type AuthRateLimiterStats struct {
	Listener         string `json:"listener"`
	BlockedIPs       int    `json:"blocked_ips"`
	TrackedIPs       int    `json:"tracked_ips"`
	TrackedUsernames int    `json:"tracked_usernames"`
}

// NewAuthRateLimiter returns nil when the limiter is disabled; a nil
// limiter allows everything. Unset thresholds fall back to the defaults.
func NewAuthRateLimiter(listener string, cfg config.AuthRateLimitConfig, trustedNets []*net.IPNet) (*AuthRateLimiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := config.DefaultAuthRateLimitConfig()
	orInt := func(v, d int) int {
		if v <= 0 {
			return d
		}
		return v
	}

	ipWindow, _ := cfg.GetIPWindow()
	usernameWindow, _ := cfg.GetUsernameWindow()
	blockDuration, _ := cfg.GetFastBlockDuration()
	initialDelay, _ := cfg.GetInitialDelay()
	maxDelay, _ := cfg.GetMaxDelay()
	cleanup, _ := cfg.GetCleanupInterval()
	if maxDelay < initialDelay {
		return nil, fmt.Errorf("auth_rate_limit max_delay %s is shorter than initial_delay %s", maxDelay, initialDelay)
	}

	return &AuthRateLimiter{
		listener:            listener,
		trustedNets:         trustedNets,
		maxPerIP:            orInt(cfg.MaxAttemptsPerIP, def.MaxAttemptsPerIP),
		maxPerUsername:      orInt(cfg.MaxAttemptsPerUsername, def.MaxAttemptsPerUsername),
		ipWindow:            ipWindow,
		usernameWindow:      usernameWindow,
		fastBlockThreshold:  orInt(cfg.FastBlockThreshold, def.FastBlockThreshold),
		fastBlockDuration:   blockDuration,
		delayStartThreshold: orInt(cfg.DelayStartThreshold, def.DelayStartThreshold),
		initialDelay:        initialDelay,
		maxDelay:            maxDelay,
		delayMultiplier:     cfg.GetDelayMultiplier(),
		cleanupInterval:     cleanup,
		blocked:             make(map[string]time.Time),
		ipFails:             make(map[string]*failureInfo),
		userFails:           make(map[string]*failureInfo),
		now:                 time.Now,
	}, nil
}

func (a *AuthRateLimiter) exempt(ip string) bool {
	return a == nil || IsTrustedIP(ip, a.trustedNets)
}

// recent returns the failure count of info inside window, or 0.
func recent(info *failureInfo, window time.Duration, now time.Time) int {
	if info == nil || now.Sub(info.last) > window {
		return 0
	}
	return info.count
}

// CanAttemptAuth reports ErrAuthRateLimited when ip is blocked or either
// the IP or the username has too many recent failures.
func (a *AuthRateLimiter) CanAttemptAuth(ip, username string) error {
	if a.exempt(ip) {
		return nil
	}
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if until, ok := a.blocked[ip]; ok {
		if now.Before(until) {
			return fmt.Errorf("%w: %s blocked for %s", ErrAuthRateLimited, ip, until.Sub(now).Round(time.Second))
		}
		delete(a.blocked, ip)
	}
	if n := recent(a.ipFails[ip], a.ipWindow, now); n >= a.maxPerIP {
		return fmt.Errorf("%w: %d failures from %s", ErrAuthRateLimited, n, ip)
	}
	if username != "" {
		if n := recent(a.userFails[username], a.usernameWindow, now); n >= a.maxPerUsername {
			return fmt.Errorf("%w: %d failures for %s", ErrAuthRateLimited, n, username)
		}
	}
	return nil
}

// RecordAuthAttempt updates the failure tracking. A success clears the
// history of both the IP and the username.
func (a *AuthRateLimiter) RecordAuthAttempt(ip, username string, success bool) {
	if a.exempt(ip) {
		return
	}
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if success {
		delete(a.ipFails, ip)
		delete(a.blocked, ip)
		if username != "" {
			delete(a.userFails, username)
		}
		return
	}

	ipInfo := bump(a.ipFails, ip, a.ipWindow, now)
	if username != "" {
		bump(a.userFails, username, a.usernameWindow, now)
	}
	if ipInfo.count >= a.fastBlockThreshold {
		if _, already := a.blocked[ip]; !already {
			metrics.AuthRateLimitBlocksTotal.WithLabelValues(a.listener).Inc()
			logger.Warn("Auth rate limiter: Blocking IP", "listener", a.listener, "ip", ip, "failures", ipInfo.count, "duration", a.fastBlockDuration)
		}
		a.blocked[ip] = now.Add(a.fastBlockDuration)
	}
}

func bump(m map[string]*failureInfo, key string, window time.Duration, now time.Time) *failureInfo {
	info := m[key]
	if info == nil || now.Sub(info.last) > window {
		info = &failureInfo{first: now}
		m[key] = info
	}
	info.count++
	info.last = now
	return info
}

// GetAuthenticationDelay returns how long to wait before checking the next
// attempt from ip. Delays start after delayStartThreshold failures and grow
// by delayMultiplier up to maxDelay.
func (a *AuthRateLimiter) GetAuthenticationDelay(ip string) time.Duration {
	if a.exempt(ip) {
		return 0
	}
	now := a.now()

	a.mu.Lock()
	n := recent(a.ipFails[ip], a.ipWindow, now)
	a.mu.Unlock()

	if n < a.delayStartThreshold {
		return 0
	}
	delay := float64(a.initialDelay) * math.Pow(a.delayMultiplier, float64(n-a.delayStartThreshold))
	if delay > float64(a.maxDelay) {
		return a.maxDelay
	}
	return time.Duration(delay)
}

// StartCleanup drops expired entries every cleanup interval until ctx is
// done.
func (a *AuthRateLimiter) StartCleanup(ctx context.Context) {
	if a == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(a.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.cleanup()
			}
		}
	}()
}

func (a *AuthRateLimiter) cleanup() {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	for ip, until := range a.blocked {
		if !now.Before(until) {
			delete(a.blocked, ip)
		}
	}
	for ip, info := range a.ipFails {
		if now.Sub(info.last) > a.ipWindow {
			delete(a.ipFails, ip)
		}
	}
	for user, info := range a.userFails {
		if now.Sub(info.last) > a.usernameWindow {
			delete(a.userFails, user)
		}
	}
}

func (a *AuthRateLimiter) Stats() AuthRateLimiterStats {
	if a == nil {
		return AuthRateLimiterStats{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return AuthRateLimiterStats{
		Listener:         a.listener,
		BlockedIPs:       len(a.blocked),
		TrackedIPs:       len(a.ipFails),
		TrackedUsernames: len(a.userFails),
	}
}
