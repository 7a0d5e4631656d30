package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/outreachd/outreachd/internal/store"
)

// QueueStatsProvider provides queue statistics for metrics
type QueueStatsProvider interface {
	Stats(ctx context.Context) (*store.QueueStats, error)
}

// Collector periodically refreshes gauge metrics from the store and runtime.
type Collector struct {
	metrics     *Metrics
	queueStats  QueueStatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, queueStats QueueStatsProvider, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		metrics:     m,
		queueStats:  queueStats,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background task
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Collector) refresh(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if info, err := os.Stat(c.storagePath); err == nil {
		c.metrics.StorageUsedBytes.Set(float64(info.Size()))
	}

	if c.queueStats == nil {
		return
	}
	stats, err := c.queueStats.Stats(ctx)
	if err != nil {
		return
	}
	c.metrics.QueuePending.Set(float64(stats.Pending))
	c.metrics.QueueProcessing.Set(float64(stats.Processing))
	c.metrics.QueueFailed.Set(float64(stats.Failed))
}
