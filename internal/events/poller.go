package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/outreachd/outreachd/internal/metrics"
	"github.com/outreachd/outreachd/internal/provider"
	"github.com/outreachd/outreachd/internal/store"
)

// PollerConfig configures the acceptance poller.
type PollerConfig struct {
	// Schedule is a cron spec; defaults to every 2 hours.
	Schedule string
	// DeclineGrace is how long a connection request may be absent from both
	// the pending-invitation list and the relations list before it counts
	// as declined. Guards against the provider's eventual consistency.
	DeclineGrace time.Duration
	// MaxInvitationAge withdraws connection requests unanswered this long.
	// Zero disables expiry.
	MaxInvitationAge time.Duration
}

// Poller periodically reconciles prospects awaiting connection acceptance
// against the provider's invitation and relation lists. A prospect is
// accepted when its invitation has left the pending list AND it appears in
// relations; absent from both past the grace period means declined.
type Poller struct {
	store   *store.Store
	client  provider.Client
	handler Handler
	cfg     PollerConfig
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewPoller creates an acceptance poller.
func NewPoller(s *store.Store, client provider.Client, handler Handler, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 */2 * * *"
	}
	if cfg.DeclineGrace <= 0 {
		cfg.DeclineGrace = 24 * time.Hour
	}
	return &Poller{
		store:   s,
		client:  client,
		handler: handler,
		cfg:     cfg,
		cron:    cron.New(),
		logger:  logger,
	}
}

// Start registers the cron schedule and begins polling.
func (p *Poller) Start(ctx context.Context) error {
	_, err := p.cron.AddFunc(p.cfg.Schedule, func() {
		if err := p.Poll(ctx); err != nil {
			p.logger.Error("acceptance poll failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", p.cfg.Schedule, err)
	}
	p.cron.Start()
	p.logger.Info("acceptance poller started", "schedule", p.cfg.Schedule)
	return nil
}

// Stop stops the cron scheduler and waits for a running poll to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}

// Poll runs one reconciliation pass. Exported so operators can trigger it
// out of schedule.
func (p *Poller) Poll(ctx context.Context) error {
	now := time.Now()

	waiting, err := p.store.ListProspects(ctx, store.ProspectFilter{Status: store.ProspectConnectionReqSent})
	if err != nil {
		return fmt.Errorf("failed to list waiting prospects: %w", err)
	}
	if len(waiting) == 0 {
		return nil
	}

	// group by sending account so each account's lists are fetched once
	byAccount := map[string][]*store.Prospect{}
	for _, prospect := range waiting {
		campaign, err := p.store.GetCampaign(ctx, prospect.CampaignID)
		if err != nil {
			p.logger.Warn("prospect references missing campaign",
				"prospect_id", prospect.ID, "campaign_id", prospect.CampaignID)
			continue
		}
		byAccount[campaign.AccountID] = append(byAccount[campaign.AccountID], prospect)
	}

	for accountID, prospects := range byAccount {
		if err := p.pollAccount(ctx, accountID, prospects, now); err != nil {
			// one account's provider failure must not block the others
			p.logger.Error("account poll failed", "account_id", accountID, "error", err)
		}
	}
	return nil
}

func (p *Poller) pollAccount(ctx context.Context, accountID string, prospects []*store.Prospect, now time.Time) error {
	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if account.Status != store.AccountActive {
		return nil
	}

	invitations, err := p.client.PendingInvitations(ctx, account.ProviderID)
	if err != nil {
		return fmt.Errorf("failed to list pending invitations: %w", err)
	}
	relations, err := p.client.Relations(ctx, account.ProviderID)
	if err != nil {
		return fmt.Errorf("failed to list relations: %w", err)
	}

	pending := map[string]bool{}
	for _, inv := range invitations {
		pending[inv.ProviderID] = true
	}
	related := map[string]bool{}
	for _, rel := range relations {
		related[rel.ProviderID] = true
	}

	for _, prospect := range prospects {
		if prospect.ProviderID == "" {
			continue
		}
		switch {
		case related[prospect.ProviderID]:
			if err := p.handler.HandleAcceptance(ctx, prospect.ID, now); err != nil {
				p.logger.Error("failed to handle acceptance", "prospect_id", prospect.ID, "error", err)
			} else {
				metrics.IncAcceptances()
			}
		case pending[prospect.ProviderID]:
			if p.cfg.MaxInvitationAge > 0 && !prospect.ContactedAt.IsZero() &&
				now.Sub(prospect.ContactedAt) > p.cfg.MaxInvitationAge {
				if err := p.handler.HandleExpired(ctx, prospect.ID); err != nil {
					p.logger.Error("failed to handle expiry", "prospect_id", prospect.ID, "error", err)
				}
			}
		default:
			// gone from both lists; declined, but only after the grace
			// window so list lag cannot kill a live sequence
			if !prospect.ContactedAt.IsZero() && now.Sub(prospect.ContactedAt) > p.cfg.DeclineGrace {
				if err := p.handler.HandleDeclined(ctx, prospect.ID); err != nil {
					p.logger.Error("failed to handle decline", "prospect_id", prospect.ID, "error", err)
				} else {
					metrics.IncDeclines()
				}
			}
		}
	}
	return nil
}
