// Package dispatch is the scheduler loop. Each tick scans active campaigns
// for due queue items, claims them atomically, runs the schedule, quota,
// duplicate/ownership and template checks in order, and hands validated
// work to a Transport: either the direct provider client or the workflow
// runner webhook. Per-item failures are isolated; only a store failure
// aborts a tick.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outreachd/outreachd/internal/dedupe"
	"github.com/outreachd/outreachd/internal/metrics"
	"github.com/outreachd/outreachd/internal/provider"
	"github.com/outreachd/outreachd/internal/quota"
	"github.com/outreachd/outreachd/internal/sequence"
	"github.com/outreachd/outreachd/internal/store"
	"github.com/outreachd/outreachd/internal/template"
)

// SendRequest is one fully validated send handed to the transport.
type SendRequest struct {
	Item     *store.QueueItem
	Campaign *store.Campaign
	Account  *store.Account
	Prospect *store.Prospect
	Message  string
}

// Transport delivers a validated send. completed=true means the send
// finished synchronously; false means it was delegated and the runner
// callback will finalize the item later.
type Transport interface {
	Deliver(ctx context.Context, req *SendRequest) (completed bool, result *provider.SendResult, err error)
}

// Config contains dispatcher settings.
type Config struct {
	Workers            int
	TickInterval       time.Duration
	BatchSize          int
	RetryInterval      time.Duration
	MaxAttempts        int
	AccountConcurrency int
	StuckGrace         time.Duration
	ReapInterval       time.Duration
}

// Dispatcher runs the tick loop and its worker pool.
type Dispatcher struct {
	store     *store.Store
	quota     *quota.Tracker
	resolver  *dedupe.Resolver
	sequencer *sequence.Sequencer
	templates *template.Engine
	client    provider.Client
	transport Transport
	cfg       Config
	logger    *slog.Logger

	jobs   chan *store.QueueItem
	slots  map[string]chan struct{}
	slotMu sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatcher. A nil transport selects direct provider sends.
func New(s *store.Store, qt *quota.Tracker, res *dedupe.Resolver, seq *sequence.Sequencer, tmpl *template.Engine, client provider.Client, transport Transport, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AccountConcurrency <= 0 {
		cfg.AccountConcurrency = 1
	}
	if cfg.StuckGrace <= 0 {
		cfg.StuckGrace = 30 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Minute
	}

	d := &Dispatcher{
		store:     s,
		quota:     qt,
		resolver:  res,
		sequencer: seq,
		templates: tmpl,
		client:    client,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		jobs:      make(chan *store.QueueItem, cfg.Workers*2),
		slots:     make(map[string]chan struct{}),
		stopCh:    make(chan struct{}),
	}
	if d.transport == nil {
		d.transport = &DirectTransport{Client: client}
	}
	return d
}

// Start launches the tick loop, worker pool and stuck-item reaper.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting dispatcher",
		"workers", d.cfg.Workers,
		"tick_interval", d.cfg.TickInterval,
	)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Add(1)
	go d.tickLoop(ctx)
	d.wg.Add(1)
	go d.reapLoop(ctx)
}

// Stop stops the dispatcher gracefully.
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher")
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) tickLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Tick(ctx, time.Now()); err != nil {
				d.logger.Error("tick failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) reapLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.reapStuck(ctx, time.Now())
		}
	}
}

// reapStuck requeues items left in processing past the grace period and
// returns their quota reservations. Release floors at zero, so an item
// reaped before it reserved a slot cannot push the counters negative.
func (d *Dispatcher) reapStuck(ctx context.Context, now time.Time) {
	reaped, err := d.store.ReapStuck(ctx, d.cfg.StuckGrace, now)
	if err != nil {
		d.logger.Error("failed to reap stuck items", "error", err)
		return
	}
	if len(reaped) == 0 {
		return
	}
	for _, item := range reaped {
		campaign, err := d.store.GetCampaign(ctx, item.CampaignID)
		if err != nil {
			d.logger.Error("failed to load campaign for reaped item",
				"item_id", item.ID, "error", err)
			continue
		}
		d.releaseQuota(ctx, campaign.AccountID)
	}
	d.logger.Warn("requeued stuck items", "count", len(reaped))
}

// Tick feeds one batch of due work to the workers. Items belonging to
// paused or completed campaigns are left untouched; pausing stops new
// claims without rolling back in-flight sends.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) error {
	campaigns, err := d.store.ListCampaigns(ctx, store.CampaignFilter{Status: store.CampaignActive})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}
	active := make(map[string]bool, len(campaigns))
	for _, c := range campaigns {
		active[c.ID] = true
	}

	items, err := d.store.Due(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch due items: %w", err)
	}

	for _, item := range items {
		if !active[item.CampaignID] {
			continue
		}
		select {
		case d.jobs <- item:
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return nil
		}
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	logger := d.logger.With("worker_id", id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case item := <-d.jobs:
			d.processItem(ctx, item, logger)
		}
	}
}

// processItem runs the full per-item pipeline. Claim first: a concurrent
// worker (or process) that got here first wins and this one walks away.
func (d *Dispatcher) processItem(ctx context.Context, item *store.QueueItem, logger *slog.Logger) {
	now := time.Now()
	logger = logger.With("item_id", item.ID, "message_type", item.MessageType)

	campaign, err := d.store.GetCampaign(ctx, item.CampaignID)
	if err != nil {
		logger.Error("failed to load campaign", "error", err)
		return
	}

	// bounded in-flight sends per account, to keep per-prospect step
	// ordering and avoid bursty send patterns
	release, ok := d.acquireSlot(campaign.AccountID)
	if !ok {
		return // account busy, item stays pending for the next tick
	}
	defer release()

	claimed, err := d.store.Claim(ctx, item.ID, now)
	if err != nil {
		logger.Error("failed to claim item", "error", err)
		return
	}
	if !claimed {
		return
	}

	if err := d.dispatch(ctx, item, campaign, now, logger); err != nil {
		logger.Error("dispatch failed", "error", err)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, item *store.QueueItem, campaign *store.Campaign, now time.Time, logger *slog.Logger) error {
	account, err := d.store.GetAccount(ctx, campaign.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account %s: %w", campaign.AccountID, err)
	}
	switch account.Status {
	case store.AccountActive:
	case store.AccountPaused:
		// operator pause is reversible; hold the item instead of failing
		logger.Debug("deferring for paused account", "account_id", account.ID)
		metrics.IncMessagesDeferred("account_paused")
		return d.store.Defer(ctx, item.ID, now.Add(d.cfg.RetryInterval))
	default:
		return d.failPermanently(ctx, item, "account_disconnected")
	}

	prospect, err := d.store.GetProspect(ctx, item.ProspectID)
	if err != nil {
		return fmt.Errorf("failed to load prospect %s: %w", item.ProspectID, err)
	}
	if prospect.Status.Terminal() || prospect.Status == store.ProspectReplied {
		return d.store.MarkSkipped(ctx, item.ID, "prospect_"+string(prospect.Status))
	}

	// working-hour window, weekends, holidays: defer, not a failure
	if ok, reason := campaign.Schedule.Check(now); !ok {
		next := campaign.Schedule.NextValidTime(now)
		logger.Debug("deferring outside send window", "reason", reason, "until", next)
		metrics.IncMessagesDeferred(reason)
		return d.store.Defer(ctx, item.ID, next)
	}

	// quota reservation is an atomic check-and-increment; released below
	// on every path that does not send
	quotaRes, err := d.quota.Allow(ctx, account.ID, now)
	if err != nil {
		return err
	}
	if !quotaRes.Allowed {
		logger.Debug("deferring to quota boundary",
			"denied_by", quotaRes.DeniedBy, "until", quotaRes.NextAvailable)
		metrics.IncQuotaDenied(quotaRes.DeniedBy)
		metrics.IncMessagesDeferred("quota")
		return d.store.Defer(ctx, item.ID, quotaRes.NextAvailable)
	}

	err = d.resolver.Check(ctx, dedupe.CheckInput{
		ProspectID:     prospect.ID,
		WorkspaceID:    prospect.WorkspaceID,
		NormalizedID:   prospect.NormalizedID,
		OwnerAccountID: prospect.OwnerAccountID,
	}, account.ID)
	if err != nil {
		var dup *dedupe.DuplicateError
		var own *dedupe.OwnershipError
		switch {
		case errors.As(err, &dup):
			d.releaseQuota(ctx, account.ID)
			return d.skip(ctx, item, prospect, "duplicate_identity")
		case errors.As(err, &own):
			d.releaseQuota(ctx, account.ID)
			return d.skip(ctx, item, prospect, "ownership_mismatch")
		default:
			d.releaseQuota(ctx, account.ID)
			return d.store.Defer(ctx, item.ID, now.Add(d.cfg.RetryInterval))
		}
	}

	if item.StepIndex < 0 || item.StepIndex >= len(campaign.Steps) {
		d.releaseQuota(ctx, account.ID)
		return d.fail(ctx, item, prospect, "step_out_of_range", false)
	}

	message, err := d.templates.Render(campaign.Steps[item.StepIndex].Template, map[string]string{
		"FirstName": prospect.FirstName,
		"LastName":  prospect.LastName,
		"Company":   prospect.Company,
		"Title":     prospect.Title,
	})
	if err != nil {
		var verr *template.ValidationError
		if errors.As(err, &verr) {
			d.releaseQuota(ctx, account.ID)
			return d.fail(ctx, item, prospect, "validation_error: "+verr.Error(), false)
		}
		d.releaseQuota(ctx, account.ID)
		return err
	}

	if prospect.ProviderID == "" {
		pid, err := d.client.ResolveIdentity(ctx, account.ProviderID, prospect.ExternalID)
		if err != nil {
			d.releaseQuota(ctx, account.ID)
			return d.handleProviderError(ctx, item, prospect, err, now, logger)
		}
		prospect, err = d.store.UpdateProspect(ctx, prospect.ID, func(p *store.Prospect) error {
			p.ProviderID = pid
			return nil
		})
		if err != nil {
			d.releaseQuota(ctx, account.ID)
			return err
		}
	}

	completed, _, err := d.transport.Deliver(ctx, &SendRequest{
		Item:     item,
		Campaign: campaign,
		Account:  account,
		Prospect: prospect,
		Message:  message,
	})
	if err != nil {
		d.releaseQuota(ctx, account.ID)
		return d.handleProviderError(ctx, item, prospect, err, now, logger)
	}
	if !completed {
		// delegated to the workflow runner; the callback finalizes
		logger.Debug("delegated to runner")
		return nil
	}

	return d.complete(ctx, item, campaign, now, logger)
}

// complete finalizes a successful send: terminal item state, then sequence
// advancement.
func (d *Dispatcher) complete(ctx context.Context, item *store.QueueItem, campaign *store.Campaign, sentAt time.Time, logger *slog.Logger) error {
	if err := d.store.MarkSent(ctx, item.ID, sentAt); err != nil {
		return fmt.Errorf("failed to mark item sent: %w", err)
	}
	metrics.IncMessagesSent(item.MessageType)
	logger.Info("message sent", "prospect_id", item.ProspectID)

	if _, err := d.sequencer.Advance(ctx, campaign, item, sentAt); err != nil {
		return fmt.Errorf("failed to advance sequence: %w", err)
	}
	return nil
}

// CompleteItem finalizes a delegated item from the runner callback.
// Idempotent per queue-item id: a replayed callback for an already terminal
// item is a no-op.
func (d *Dispatcher) CompleteItem(ctx context.Context, itemID string, success bool, reason string, temporary bool) error {
	item, err := d.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status.Terminal() {
		return nil
	}
	if item.Status != store.ItemProcessing {
		return fmt.Errorf("item %s not in processing: %s", itemID, item.Status)
	}

	campaign, err := d.store.GetCampaign(ctx, item.CampaignID)
	if err != nil {
		return err
	}

	if success {
		return d.complete(ctx, item, campaign, time.Now(), d.logger)
	}

	d.releaseQuota(ctx, campaign.AccountID)
	prospect, err := d.store.GetProspect(ctx, item.ProspectID)
	if err != nil {
		return err
	}
	if temporary && item.Attempts+1 < d.cfg.MaxAttempts {
		return d.store.RequeueRetry(ctx, item.ID, time.Now().Add(d.backoff(item.Attempts+1)), reason)
	}
	return d.fail(ctx, item, prospect, reason, true)
}

func (d *Dispatcher) handleProviderError(ctx context.Context, item *store.QueueItem, prospect *store.Prospect, err error, now time.Time, logger *slog.Logger) error {
	category := provider.CategoryOf(err)
	attempts := item.Attempts + 1

	if provider.IsTemporary(err) && attempts < d.cfg.MaxAttempts {
		backoff := d.backoff(attempts)
		logger.Warn("transient provider error, retrying",
			"category", category, "attempt", attempts, "backoff", backoff, "error", err)
		metrics.IncMessagesRetried()
		return d.store.RequeueRetry(ctx, item.ID, now.Add(backoff), string(category))
	}

	logger.Error("permanent provider error", "category", category, "error", err)
	return d.fail(ctx, item, prospect, string(category), true)
}

func (d *Dispatcher) failPermanently(ctx context.Context, item *store.QueueItem, reason string) error {
	prospect, err := d.store.GetProspect(ctx, item.ProspectID)
	if err != nil {
		return err
	}
	return d.fail(ctx, item, prospect, reason, false)
}

// fail terminalizes an item and its prospect. countAttempt is set when a
// delivery attempt was actually consumed, so the final record keeps the
// true attempt count.
func (d *Dispatcher) fail(ctx context.Context, item *store.QueueItem, prospect *store.Prospect, reason string, countAttempt bool) error {
	mark := d.store.MarkFailed
	if countAttempt {
		mark = d.store.MarkFailedAttempt
	}
	if err := mark(ctx, item.ID, reason); err != nil {
		return err
	}
	metrics.IncMessagesFailed(reason)
	if prospect.Status.Terminal() {
		return nil
	}
	_, err := d.store.UpdateProspect(ctx, prospect.ID, func(p *store.Prospect) error {
		p.Status = store.ProspectFailed
		p.StatusReason = reason
		return nil
	})
	return err
}

func (d *Dispatcher) skip(ctx context.Context, item *store.QueueItem, prospect *store.Prospect, reason string) error {
	if err := d.store.MarkSkipped(ctx, item.ID, reason); err != nil {
		return err
	}
	metrics.IncMessagesSkipped(reason)
	if prospect.Status.Terminal() {
		return nil
	}
	_, err := d.store.UpdateProspect(ctx, prospect.ID, func(p *store.Prospect) error {
		p.Status = store.ProspectSkipped
		p.StatusReason = reason
		return nil
	})
	return err
}

func (d *Dispatcher) releaseQuota(ctx context.Context, accountID string) {
	if err := d.quota.Release(ctx, accountID, time.Now()); err != nil {
		d.logger.Error("failed to release quota slot", "account_id", accountID, "error", err)
	}
}

// acquireSlot takes a non-blocking slot in the account's concurrency cap.
func (d *Dispatcher) acquireSlot(accountID string) (func(), bool) {
	d.slotMu.Lock()
	slot, ok := d.slots[accountID]
	if !ok {
		slot = make(chan struct{}, d.cfg.AccountConcurrency)
		d.slots[accountID] = slot
	}
	d.slotMu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, true
	default:
		return nil, false
	}
}

// backoff computes retry_interval * 2^(n-1), capped at one hour.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	multiplier := 1 << (attempt - 1)
	if multiplier > 12 {
		multiplier = 12
	}
	backoff := time.Duration(multiplier) * d.cfg.RetryInterval
	if backoff > time.Hour {
		return time.Hour
	}
	return backoff
}

// DirectTransport sends synchronously through the provider client, with the
// queue item id as the idempotency key.
type DirectTransport struct {
	Client provider.Client
}

// Deliver implements Transport.
func (t *DirectTransport) Deliver(ctx context.Context, req *SendRequest) (bool, *provider.SendResult, error) {
	var (
		res *provider.SendResult
		err error
	)
	if req.Campaign.Steps[req.Item.StepIndex].Kind == store.StepConnectionRequest {
		res, err = t.Client.SendInvitation(ctx, req.Account.ProviderID, req.Prospect.ProviderID, req.Message, req.Item.ID)
	} else {
		res, err = t.Client.SendMessage(ctx, req.Account.ProviderID, req.Prospect.ProviderID, req.Message, req.Item.ID)
	}
	if err != nil {
		return false, nil, err
	}
	return true, res, nil
}
