package server

import (
	"context"
	"time"

	"github.com/migadu/xoauth2-proxy/logger"
)

// ApplyAuthenticationDelay waits out the progressive delay for ip. It
// returns early with ctx's error when the session goes away meanwhile.
func ApplyAuthenticationDelay(ctx context.Context, limiter *AuthRateLimiter, ip string) error {
	delay := limiter.GetAuthenticationDelay(ip)
	if delay <= 0 {
		return nil
	}
	logger.Debug("Auth rate limiter: Delaying authentication", "ip", ip, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
