package metrics

import (
	"context"
	"time"

	"github.com/migadu/xoauth2-proxy/logger"
)

// StoreStats holds aggregate statistics returned by the token store
type StoreStats struct {
	TotalTokens   int64
	ExpiredTokens int64
}

// StatsProvider is an interface for retrieving token store statistics
type StatsProvider interface {
	GetStoreStats(ctx context.Context) (*StoreStats, error)
}

// CacheStatsProvider is an interface for auth cache statistics
type CacheStatsProvider interface {
	Size() int
}

// Collector periodically refreshes gauges that are expensive to keep live
type Collector struct {
	provider      StatsProvider
	cacheProvider CacheStatsProvider
	interval      time.Duration
	stopCh        chan struct{}
}

// NewCollector creates a new metrics collector. cacheProvider may be nil.
func NewCollector(provider StatsProvider, cacheProvider CacheStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Collector{
		provider:      provider,
		cacheProvider: cacheProvider,
		interval:      interval,
		stopCh:        make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector: Started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector: Stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector: Stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	if c.provider != nil {
		stats, err := c.provider.GetStoreStats(ctx)
		if err != nil {
			logger.Error("MetricsCollector: Error collecting store metrics", "error", err)
		} else {
			TokensTotal.Set(float64(stats.TotalTokens))
			TokensExpired.Set(float64(stats.ExpiredTokens))
			logger.Debug("MetricsCollector: Updated store metrics", "tokens", stats.TotalTokens, "expired", stats.ExpiredTokens)
		}
	}

	if c.cacheProvider != nil {
		AuthCacheEntries.Set(float64(c.cacheProvider.Size()))
	}
}
