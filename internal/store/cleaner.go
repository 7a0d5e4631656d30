package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings for terminal queue items.
type CleanerConfig struct {
	TerminalMaxAge time.Duration
	Interval       time.Duration
}

// Cleaner periodically removes old sent/failed/skipped queue items so the
// database does not grow without bound.
type Cleaner struct {
	store  *Store
	cfg    CleanerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(store *Store, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start starts the cleanup goroutine
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.TerminalMaxAge <= 0 || c.cfg.Interval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("cleaner started",
		"terminal_max_age", c.cfg.TerminalMaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the goroutine to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

func (c *Cleaner) run(ctx context.Context) {
	deleted, err := c.store.CleanupTerminal(ctx, c.cfg.TerminalMaxAge)
	if err != nil {
		c.logger.Error("failed to cleanup terminal items", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("cleaned up terminal queue items", "deleted", deleted)
	}
}
