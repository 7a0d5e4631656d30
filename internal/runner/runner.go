// Package runner delegates validated sends to an external workflow runner.
// The dispatcher runs every check (claim, window, quota, dedupe, template)
// and hands the runner a fully rendered snapshot; the runner performs the
// provider call and reports the outcome back through the callback endpoint,
// keyed by queue item id.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/outreachd/outreachd/internal/dispatch"
	"github.com/outreachd/outreachd/internal/provider"
)

// Config contains workflow runner settings.
type Config struct {
	WebhookURL string        `yaml:"webhook_url"`
	AuthToken  string        `yaml:"auth_token"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Snapshot is the payload posted to the runner for one send. The item id
// doubles as the idempotency and callback key.
type Snapshot struct {
	ItemID             string    `json:"item_id"`
	CampaignID         string    `json:"campaign_id"`
	WorkspaceID        string    `json:"workspace_id"`
	AccountProviderID  string    `json:"account_provider_id"`
	ProspectID         string    `json:"prospect_id"`
	ProspectProviderID string    `json:"prospect_provider_id"`
	MessageType        string    `json:"message_type"`
	Message            string    `json:"message"`
	ScheduledFor       time.Time `json:"scheduled_for"`
}

// Callback is the outcome the runner reports back for a delegated item.
type Callback struct {
	ItemID    string `json:"item_id"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	Temporary bool   `json:"temporary,omitempty"`
}

// Delegator implements dispatch.Transport by posting snapshots to the
// configured webhook.
type Delegator struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a delegator.
func New(cfg Config, logger *slog.Logger) *Delegator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Delegator{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Deliver posts the snapshot and leaves the item in processing; the runner
// callback finalizes it. A webhook failure surfaces as a provider error so
// the dispatcher applies its normal retry classification.
func (d *Delegator) Deliver(ctx context.Context, req *dispatch.SendRequest) (bool, *provider.SendResult, error) {
	snap := Snapshot{
		ItemID:             req.Item.ID,
		CampaignID:         req.Campaign.ID,
		WorkspaceID:        req.Campaign.WorkspaceID,
		AccountProviderID:  req.Account.ProviderID,
		ProspectID:         req.Prospect.ID,
		ProspectProviderID: req.Prospect.ProviderID,
		MessageType:        req.Item.MessageType,
		Message:            req.Message,
		ScheduledFor:       req.Item.ScheduledFor,
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return false, nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return false, nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Item.ID)
	if d.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.cfg.AuthToken)
	}

	resp, err := d.http.Do(httpReq)
	if err != nil {
		return false, nil, &provider.Error{
			Op: "runner_webhook", Category: provider.CategoryNetwork, Err: err,
			Message: "webhook unreachable",
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 400 {
		category := provider.CategoryUnknown
		if resp.StatusCode >= 500 {
			category = provider.CategoryNetwork
		}
		return false, nil, &provider.Error{
			Op: "runner_webhook", Category: category, Status: resp.StatusCode,
			Message: fmt.Sprintf("webhook returned %d", resp.StatusCode),
		}
	}

	d.logger.Debug("delegated send to runner",
		"item_id", req.Item.ID, "message_type", req.Item.MessageType)
	return false, nil, nil
}
