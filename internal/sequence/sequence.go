// Package sequence advances prospects through a campaign's ordered message
// sequence: connection request, follow-ups, goodbye. Steps gated on
// connection acceptance are only enqueued once the acceptance signal
// arrives; delays get a bounded random jitter so sends never land on a
// perfectly periodic grid.
package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/outreachd/outreachd/internal/store"
)

// DefaultJitter bounds the random offset applied to step delays.
const DefaultJitter = 15 * time.Minute

// Sequencer owns prospect state transitions and next-step scheduling.
type Sequencer struct {
	store  *store.Store
	jitter time.Duration
	randFn func() float64
	logger *slog.Logger
}

// New creates a sequencer. jitter <= 0 selects the default bound.
func New(s *store.Store, jitter time.Duration, logger *slog.Logger) *Sequencer {
	if jitter <= 0 {
		jitter = DefaultJitter
	}
	return &Sequencer{
		store:  s,
		jitter: jitter,
		randFn: rand.Float64,
		logger: logger,
	}
}

// Advance records a successfully sent step: it moves the prospect's status
// and follow-up index forward and enqueues the next step when one is
// eligible. Returns the enqueued item, or nil when the sequence is done or
// the next step waits on connection acceptance.
func (q *Sequencer) Advance(ctx context.Context, campaign *store.Campaign, item *store.QueueItem, sentAt time.Time) (*store.QueueItem, error) {
	sentStep := campaign.Steps[item.StepIndex]
	last := item.StepIndex == len(campaign.Steps)-1

	prospect, err := q.store.UpdateProspect(ctx, item.ProspectID, func(p *store.Prospect) error {
		p.FollowUpIndex = item.StepIndex
		switch {
		case sentStep.Kind == store.StepConnectionRequest:
			p.Status = store.ProspectConnectionReqSent
			p.ContactedAt = sentAt
		case last:
			p.Status = store.ProspectCompleted
		default:
			p.Status = store.ProspectMessaging
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to advance prospect %s: %w", item.ProspectID, err)
	}

	if last {
		return nil, nil
	}
	if sentStep.Kind == store.StepConnectionRequest {
		// next step waits for the acceptance signal
		return nil, nil
	}
	return q.enqueueStep(ctx, campaign, prospect, item.StepIndex+1, sentAt)
}

// HandleAcceptance consumes a connection-acceptance signal. The event feed
// is at-least-once, so a duplicate for an already connected prospect is a
// no-op, not an error.
func (q *Sequencer) HandleAcceptance(ctx context.Context, prospectID string, acceptedAt time.Time) error {
	prospect, err := q.store.GetProspect(ctx, prospectID)
	if err != nil {
		return err
	}
	if prospect.Status != store.ProspectConnectionReqSent {
		q.logger.Debug("ignoring acceptance for prospect not awaiting one",
			"prospect_id", prospectID, "status", prospect.Status)
		return nil
	}

	prospect, err = q.store.UpdateProspect(ctx, prospectID, func(p *store.Prospect) error {
		p.Status = store.ProspectConnected
		p.ConnectionAcceptedAt = acceptedAt
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark prospect connected: %w", err)
	}

	campaign, err := q.store.GetCampaign(ctx, prospect.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign %s: %w", prospect.CampaignID, err)
	}
	next := prospect.FollowUpIndex + 1
	if next >= len(campaign.Steps) {
		_, err := q.store.UpdateProspect(ctx, prospectID, func(p *store.Prospect) error {
			p.Status = store.ProspectCompleted
			return nil
		})
		return err
	}
	_, err = q.enqueueStep(ctx, campaign, prospect, next, acceptedAt)
	return err
}

// HandleReply moves a prospect to replied and skips every remaining active
// queue item; the sequence ends, a human takes over the conversation.
func (q *Sequencer) HandleReply(ctx context.Context, prospectID string) error {
	prospect, err := q.store.GetProspect(ctx, prospectID)
	if err != nil {
		return err
	}
	if prospect.Status.Terminal() || prospect.Status == store.ProspectReplied {
		return nil
	}
	if _, err := q.store.UpdateProspect(ctx, prospectID, func(p *store.Prospect) error {
		p.Status = store.ProspectReplied
		return nil
	}); err != nil {
		return err
	}
	return q.skipActiveItems(ctx, prospect, "prospect_replied")
}

// HandleDeclined ends the sequence for a prospect whose connection request
// was declined (absent from both pending invitations and relations past the
// grace period).
func (q *Sequencer) HandleDeclined(ctx context.Context, prospectID string) error {
	return q.terminate(ctx, prospectID, "connection_declined")
}

// HandleExpired ends the sequence for a prospect whose connection request
// went unanswered past the configured maximum age.
func (q *Sequencer) HandleExpired(ctx context.Context, prospectID string) error {
	return q.terminate(ctx, prospectID, "invitation_expired")
}

func (q *Sequencer) terminate(ctx context.Context, prospectID, reason string) error {
	prospect, err := q.store.GetProspect(ctx, prospectID)
	if err != nil {
		return err
	}
	if prospect.Status.Terminal() {
		return nil
	}
	if _, err := q.store.UpdateProspect(ctx, prospectID, func(p *store.Prospect) error {
		p.Status = store.ProspectFailed
		p.StatusReason = reason
		return nil
	}); err != nil {
		return err
	}
	return q.skipActiveItems(ctx, prospect, reason)
}

func (q *Sequencer) skipActiveItems(ctx context.Context, prospect *store.Prospect, reason string) error {
	items, err := q.store.ListItems(ctx, store.ItemFilter{CampaignID: prospect.CampaignID})
	if err != nil {
		return fmt.Errorf("failed to list queue items: %w", err)
	}
	for _, item := range items {
		if item.ProspectID != prospect.ID || item.Status.Terminal() {
			continue
		}
		if err := q.store.MarkSkipped(ctx, item.ID, reason); err != nil {
			return fmt.Errorf("failed to skip item %s: %w", item.ID, err)
		}
	}
	return nil
}

func (q *Sequencer) enqueueStep(ctx context.Context, campaign *store.Campaign, prospect *store.Prospect, stepIndex int, base time.Time) (*store.QueueItem, error) {
	step := campaign.Steps[stepIndex]
	item := &store.QueueItem{
		ID:           uuid.New().String(),
		ProspectID:   prospect.ID,
		CampaignID:   campaign.ID,
		NormalizedID: prospect.NormalizedID,
		MessageType:  campaign.MessageTypeFor(stepIndex),
		StepIndex:    stepIndex,
		ScheduledFor: q.applyJitter(base.Add(step.Delay), base),
	}
	if err := q.store.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue step %d for prospect %s: %w", stepIndex, prospect.ID, err)
	}
	q.logger.Debug("enqueued next step",
		"prospect_id", prospect.ID,
		"message_type", item.MessageType,
		"scheduled_for", item.ScheduledFor,
	)
	return item, nil
}

// applyJitter shifts t by a random offset in [-jitter, +jitter], clamped so
// a step never schedules before its base time.
func (q *Sequencer) applyJitter(t, base time.Time) time.Time {
	offset := time.Duration((q.randFn()*2 - 1) * float64(q.jitter))
	jittered := t.Add(offset)
	if jittered.Before(base) {
		return base
	}
	return jittered
}
